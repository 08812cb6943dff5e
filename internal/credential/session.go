package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/storage"
)

// SessionState is the lifecycle of an interactive login.
type SessionState string

const (
	StateInProgress         SessionState = "in_progress"
	StateAwaitingAuth       SessionState = "awaiting_auth"        // device flow: waiting for browser approval
	StateAwaitingPrompt     SessionState = "awaiting_prompt"      // flow raised a question for SubmitPrompt
	StateAwaitingManualCode SessionState = "awaiting_manual_code" // PKCE: waiting for the pasted redirect
	StateSuccess            SessionState = "success"
	StateError              SessionState = "error"
	StateCancelled          SessionState = "cancelled"
)

func (s SessionState) terminal() bool {
	return s == StateSuccess || s == StateError || s == StateCancelled
}

const (
	sessionTTL  = 5 * time.Minute // after a terminal state
	reapEvery   = time.Minute
	deviceLimit = 15 * time.Minute // give up polling after this
)

// Session is one interactive OAuth login in progress.
type Session struct {
	ID           string       `json:"id"`
	ProviderKind string       `json:"provider_kind"`
	AccountID    string       `json:"account_id"`
	State        SessionState `json:"state"`
	AuthURL      string       `json:"auth_url,omitempty"`
	UserCode     string       `json:"user_code,omitempty"` // device flow
	Prompt       string       `json:"prompt,omitempty"`    // question awaiting SubmitPrompt
	Error        string       `json:"error,omitempty"`

	verifier   string
	cancel     context.CancelFunc
	terminalAt time.Time
}

// Sessions runs interactive OAuth logins and lands completed bundles in the
// credential store. Terminal sessions linger briefly so the caller can read
// the outcome, then a reaper removes them.
type Sessions struct {
	store *Store
	clock gateway.Clock

	mu sync.Mutex
	m  map[string]*Session
}

// NewSessions creates a session manager writing completed bundles to store.
func NewSessions(store *Store, clock gateway.Clock) *Sessions {
	if clock == nil {
		clock = gateway.SystemClock{}
	}
	return &Sessions{store: store, clock: clock, m: make(map[string]*Session)}
}

// Start begins a login for the provider kind and account. The returned
// session carries the URL (and user code, for device flows) to present to
// the operator.
func (s *Sessions) Start(ctx context.Context, kind, account string) (Session, error) {
	f, err := flowFor(kind)
	if err != nil {
		return Session{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("session id: %w", err)
	}

	sess := &Session{
		ID:           id.String(),
		ProviderKind: kind,
		AccountID:    account,
		State:        StateInProgress,
	}
	if f.device {
		if err := s.startDevice(ctx, f, sess); err != nil {
			return Session{}, err
		}
	} else {
		s.startPKCE(f, sess)
	}

	s.mu.Lock()
	s.m[sess.ID] = sess
	s.mu.Unlock()
	slog.LogAttrs(ctx, slog.LevelInfo, "oauth session started",
		slog.String("session_id", sess.ID),
		slog.String("provider_kind", kind),
		slog.String("account", account),
	)
	return *sess, nil
}

// startPKCE prepares an authorization-code login where the operator opens
// the URL and pastes the redirect back.
func (s *Sessions) startPKCE(f *flow, sess *Session) {
	sess.verifier = oauth2.GenerateVerifier()
	sess.AuthURL = f.config().AuthCodeURL(sess.ID,
		oauth2.S256ChallengeOption(sess.verifier),
		oauth2.AccessTypeOffline,
	)
	sess.State = StateAwaitingManualCode
}

// startDevice runs the device-code grant, polling in the background until
// the operator approves or the flow times out.
func (s *Sessions) startDevice(ctx context.Context, f *flow, sess *Session) error {
	conf := f.config()
	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("device auth: %w", err)
	}
	sess.AuthURL = da.VerificationURI
	if da.VerificationURIComplete != "" {
		sess.AuthURL = da.VerificationURIComplete
	}
	sess.UserCode = da.UserCode
	sess.State = StateAwaitingAuth

	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deviceLimit)
	sess.cancel = cancel
	go func() {
		defer cancel()
		tok, err := conf.DeviceAccessToken(pollCtx, da)
		if err != nil {
			s.finish(sess.ID, StateError, err)
			return
		}
		s.land(pollCtx, sess, tok)
	}()
	return nil
}

// Get returns a session by id.
func (s *Sessions) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return Session{}, gateway.ErrSessionNotFound
	}
	return *sess, nil
}

// List returns all live sessions, newest last.
func (s *Sessions) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.m))
	for _, sess := range s.m {
		out = append(out, *sess)
	}
	return out
}

// SubmitManualCode completes a PKCE session with the pasted authorization
// code or full redirect URL.
func (s *Sessions) SubmitManualCode(ctx context.Context, id, input string) error {
	s.mu.Lock()
	sess, ok := s.m[id]
	if !ok {
		s.mu.Unlock()
		return gateway.ErrSessionNotFound
	}
	if sess.State.terminal() {
		s.mu.Unlock()
		return gateway.ErrSessionTerminal
	}
	if sess.State != StateAwaitingManualCode {
		s.mu.Unlock()
		return fmt.Errorf("session %s not awaiting a code: %w", id, gateway.ErrBadRequest)
	}
	f, err := flowFor(sess.ProviderKind)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	verifier := sess.verifier
	s.mu.Unlock()

	code, err := extractCode(input)
	if err != nil {
		return err
	}
	tok, err := f.config().Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		s.finish(id, StateError, err)
		return fmt.Errorf("exchange code: %w", err)
	}
	s.land(ctx, sess, tok)
	return nil
}

// SubmitPrompt answers an interactive prompt raised by a flow. No current
// flow raises one; the entry point exists so flows that need a choice (an
// org or project picker) can block on it.
func (s *Sessions) SubmitPrompt(id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return gateway.ErrSessionNotFound
	}
	if sess.State.terminal() {
		return gateway.ErrSessionTerminal
	}
	if sess.State != StateAwaitingPrompt {
		return fmt.Errorf("session %s has no pending prompt: %w", id, gateway.ErrBadRequest)
	}
	// No current flow raises prompts, so no session ever reaches this state.
	return nil
}

// Cancel aborts a session. Cancelling a terminal session is an error.
func (s *Sessions) Cancel(id string) error {
	s.mu.Lock()
	sess, ok := s.m[id]
	if !ok {
		s.mu.Unlock()
		return gateway.ErrSessionNotFound
	}
	if sess.State.terminal() {
		s.mu.Unlock()
		return gateway.ErrSessionTerminal
	}
	cancel := sess.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.finish(id, StateCancelled, nil)
	return nil
}

// land persists the token bundle and completes the session.
func (s *Sessions) land(ctx context.Context, sess *Session, tok *oauth2.Token) {
	rec := storage.CredentialRecord{
		ProviderKind: sess.ProviderKind,
		AccountID:    sess.AccountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.finish(sess.ID, StateError, err)
		return
	}
	s.finish(sess.ID, StateSuccess, nil)
}

func (s *Sessions) finish(id string, state SessionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok || sess.State.terminal() {
		return
	}
	sess.State = state
	sess.terminalAt = s.clock.Now()
	if err != nil {
		sess.Error = err.Error()
	}
	slog.Info("oauth session finished", "session_id", id, "state", string(state))
}

// Run reaps terminal sessions. Implements worker.Worker.
func (s *Sessions) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reap()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sessions) reap() {
	cutoff := s.clock.Now().Add(-sessionTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.m {
		if sess.State.terminal() && sess.terminalAt.Before(cutoff) {
			delete(s.m, id)
		}
	}
}

// extractCode accepts a bare authorization code, a "code#state" pair, or the
// full redirect URL the provider sent the browser to.
func extractCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty code: %w", gateway.ErrBadRequest)
	}
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("parse redirect url: %w", gateway.ErrBadRequest)
		}
		code := u.Query().Get("code")
		if code == "" {
			return "", fmt.Errorf("redirect url carries no code: %w", gateway.ErrBadRequest)
		}
		return code, nil
	}
	code, _, _ := strings.Cut(input, "#")
	return code, nil
}
