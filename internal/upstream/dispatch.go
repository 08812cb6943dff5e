// Package upstream dispatches routed requests to providers, handling
// failover, transcoding, streaming relay, and outcome accounting.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/cooldown"
	"github.com/mstiller/switchboard/internal/credential"
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/pricing"
	"github.com/mstiller/switchboard/internal/router"
	"github.com/mstiller/switchboard/internal/telemetry"
	"github.com/mstiller/switchboard/internal/tokencount"
	"github.com/mstiller/switchboard/internal/transcode"
)

const (
	connectTimeout   = 10 * time.Second
	firstByteTimeout = 60 * time.Second
	idleTimeout      = 120 * time.Second
	bufferedTimeout  = 120 * time.Second
	streamHardCap    = 600 * time.Second
	attemptCap       = 4

	maxErrorBody    = 1 << 20
	maxBufferedBody = 32 << 20
	readChunkSize   = 32 * 1024

	anthropicVersion = "2023-06-01"
)

// Request is one routed inbound request.
type Request struct {
	Family gateway.APIFamily
	Model  string // alias or "provider/model"
	Body   []byte
	Stream bool

	// ContentType is forwarded for specialized families whose bodies are
	// not JSON (audio uploads). Empty means application/json.
	ContentType string
}

// Inflight describes one request currently being served, for the admin
// surface.
type Inflight struct {
	RequestID  string    `json:"request_id"`
	ClientKey  string    `json:"client_key"`
	Alias      string    `json:"alias"`
	ProviderID string    `json:"provider_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	Streamed   bool      `json:"streamed"`
	StartedAt  time.Time `json:"started_at"`
}

// Dispatcher runs the resolve -> attempt -> relay loop and writes the
// response, success or failure, directly to the client.
type Dispatcher struct {
	source  *config.Source
	router  *router.Router
	cool    *cooldown.Manager
	creds   *credential.Store
	journal *journal.Journal
	counter *tokencount.Counter
	metrics *telemetry.Metrics
	slugs   pricing.SlugPrices
	client  *http.Client
	clock   gateway.Clock

	mu       sync.Mutex
	inflight map[string]*Inflight
}

// Options carries the dispatcher's collaborators.
type Options struct {
	Source   *config.Source
	Router   *router.Router
	Cooldown *cooldown.Manager
	Creds    *credential.Store
	Journal  *journal.Journal
	Counter  *tokencount.Counter
	Metrics  *telemetry.Metrics
	Slugs    pricing.SlugPrices
	Client   *http.Client
	Clock    gateway.Clock
}

// New creates a Dispatcher.
func New(o Options) *Dispatcher {
	if o.Clock == nil {
		o.Clock = gateway.SystemClock{}
	}
	if o.Client == nil {
		o.Client = &http.Client{Transport: NewTransport(nil)}
	}
	if o.Counter == nil {
		o.Counter = tokencount.NewCounter()
	}
	return &Dispatcher{
		source:   o.Source,
		router:   o.Router,
		cool:     o.Cooldown,
		creds:    o.Creds,
		journal:  o.Journal,
		counter:  o.Counter,
		metrics:  o.Metrics,
		slugs:    o.Slugs,
		client:   o.Client,
		clock:    o.Clock,
		inflight: make(map[string]*Inflight),
	}
}

// InflightSnapshot returns the requests currently being served.
func (d *Dispatcher) InflightSnapshot() []Inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Inflight, 0, len(d.inflight))
	for _, f := range d.inflight {
		out = append(out, *f)
	}
	return out
}

// attemptFailure summarizes one failed target for logs and the exhaustion
// body. kind and retryAfter stay out of the wire form; exhaustion consults
// them to decide whether the whole chain was rate limited.
type attemptFailure struct {
	Target string `json:"target"`
	Reason string `json:"reason"`

	kind       gateway.ErrorKind
	retryAfter time.Duration
}

// Dispatch resolves the model and runs the failover loop, writing the
// response to w. A non-nil return means nothing was written and the caller
// renders the error; a nil return means the response (success or translated
// failure) is already on the wire.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req Request) error {
	snap := d.source.Current()
	res, err := d.router.Resolve(snap, req.Model, req.Family)
	if err != nil {
		return err
	}

	requestID := gateway.RequestIDFromContext(ctx)
	fl := &Inflight{
		RequestID: requestID,
		Alias:     res.AliasUsed,
		Streamed:  req.Stream,
		StartedAt: d.clock.Now(),
	}
	if k := gateway.KeyFromContext(ctx); k != nil {
		fl.ClientKey = k.Name
	}
	d.mu.Lock()
	d.inflight[requestID] = fl
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, requestID)
		d.mu.Unlock()
	}()

	attempts := len(res.Targets)
	if m := snap.Dispatch.MaxAttempts; m > 0 && attempts > m {
		attempts = m
	}
	if attempts > attemptCap {
		attempts = attemptCap
	}

	var failures []attemptFailure
	for i := 0; i < attempts; i++ {
		t := res.Targets[i]
		d.mu.Lock()
		fl.ProviderID, fl.Model = t.ProviderID, t.Model
		d.mu.Unlock()

		done, fail, err := d.attempt(ctx, w, snap, req, res, t, requestID, i+1)
		if err != nil {
			return err // client-fault before anything hit the wire
		}
		if done {
			if d.metrics != nil {
				d.metrics.UpstreamAttempts.WithLabelValues(res.AliasUsed).Observe(float64(i + 1))
			}
			return nil
		}
		failures = append(failures, fail)
		if ctx.Err() != nil {
			d.recordCancel(ctx, req, res, t, requestID)
			return nil
		}
	}

	d.exhausted(ctx, w, req, res, requestID, failures)
	return nil
}

// attempt runs one target. done=true means the response is written (success
// or fatal translation). err!=nil means a client fault the caller renders.
// Otherwise the returned failure feeds the exhaustion summary.
func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, snap *config.Snapshot,
	req Request, res router.Resolution, t gateway.Target, requestID string, attemptNo int,
) (done bool, fail attemptFailure, fatal error) {

	provider := snap.Providers[t.ProviderID]
	dstFam, ok := targetFamily(provider, t.Model, req.Family)
	if !ok {
		return false, attemptFailure{Target: t.Key(), Reason: "no serving family"}, nil
	}

	b := &transcode.Binding{
		Model:     t.Model,
		Alias:     req.Model,
		Stream:    req.Stream,
		RequestID: requestID,
	}
	var (
		body []byte
		err  error
	)
	contentType := req.ContentType
	if strings.HasPrefix(contentType, "multipart/") {
		// Audio uploads carry the model inside the form, not in JSON.
		body, contentType, err = transcode.RewriteMultipartModel(req.Body, contentType, t.Model)
		if err != nil {
			return false, attemptFailure{}, err
		}
	} else {
		body, err = transcode.Request(req.Family, dstFam, req.Body, b)
		if err != nil {
			// Translation failures are the client's content, not the target's.
			return false, attemptFailure{}, err
		}
		body, err = d.mergeExtras(provider, body)
		if err != nil {
			return false, attemptFailure{Target: t.Key(), Reason: "extra_body merge: " + err.Error()}, nil
		}
	}

	out, err := d.buildRequest(ctx, provider, dstFam, t.Model, req, body, contentType)
	if err != nil {
		if errors.Is(err, gateway.ErrCredentialInvalid) {
			d.cool.OnAuthFailure(t.ProviderID)
			d.recordError(ctx, gateway.ErrorRecord{
				RequestID:     requestID,
				Kind:          gateway.KindUpstreamAuth,
				ProviderID:    t.ProviderID,
				UpstreamModel: t.Model,
				Message:       err.Error(),
			})
			return false, attemptFailure{Target: t.Key(), Reason: "credential invalid"}, nil
		}
		return false, attemptFailure{Target: t.Key(), Reason: err.Error()}, nil
	}

	start := d.clock.Now()
	resp, err := d.doWithDeadlines(ctx, out, req.Stream)
	if err != nil {
		if ctx.Err() != nil {
			return false, attemptFailure{Target: t.Key(), Reason: "client cancelled"}, nil
		}
		d.cool.OnServerError(t.ProviderID, t.Model)
		d.recordError(ctx, gateway.ErrorRecord{
			RequestID:     requestID,
			Kind:          gateway.KindUpstreamServerError,
			ProviderID:    t.ProviderID,
			UpstreamModel: t.Model,
			Message:       err.Error(),
		})
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
			slog.String("request_id", requestID),
			slog.String("target", t.Key()),
			slog.Int("attempt", attemptNo),
			slog.String("error", err.Error()),
		)
		return false, attemptFailure{Target: t.Key(), Reason: err.Error()}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return d.handleFailureStatus(ctx, w, req, res, t, provider, requestID, resp)
	}

	d.cool.OnSuccess(t.ProviderID, t.Model)
	if req.Stream {
		d.relayStream(ctx, w, req, res, t, b, dstFam, resp, start, requestID)
	} else {
		d.relayBuffered(ctx, w, req, res, t, b, dstFam, resp, start, requestID)
	}
	return true, attemptFailure{}, nil
}

// handleFailureStatus applies cooldown policy for retryable statuses and
// translates fatal ones into the inbound family's error shape.
func (d *Dispatcher) handleFailureStatus(ctx context.Context, w http.ResponseWriter,
	req Request, res router.Resolution, t gateway.Target, provider *config.Provider,
	requestID string, resp *http.Response,
) (bool, attemptFailure, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	cls := classify(resp.StatusCode, resp.Header, body)
	rec := gateway.ErrorRecord{
		RequestID:        requestID,
		Kind:             cls.kind,
		ProviderID:       t.ProviderID,
		UpstreamModel:    t.Model,
		StatusCode:       resp.StatusCode,
		Message:          errorMessage(body),
		Headers:          flattenHeaders(resp.Header),
		ProviderResponse: string(body),
	}
	d.recordError(ctx, rec)
	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(t.ProviderID, string(cls.kind)).Inc()
	}

	// Cooldowns apply on both verdicts: a terminal auth failure still takes
	// the provider out of rotation for later requests.
	switch {
	case cls.kind == gateway.KindUpstreamRateLimited:
		d.cool.OnRateLimited(t.ProviderID, cls.retryAfter)
	case cls.kind == gateway.KindUpstreamAuth:
		d.cool.OnAuthFailure(t.ProviderID)
		if provider.OAuth != nil {
			_ = d.creds.Invalidate(ctx, provider.OAuth.ProviderKind, provider.OAuth.AccountID)
		}
	case cls.modelGone:
		d.cool.OnModelUnavailable(t.ProviderID, t.Model)
	case cls.verdict == verdictRetry:
		d.cool.OnServerError(t.ProviderID, t.Model)
	}

	if cls.verdict == verdictFatal {
		status := cls.status
		msg := rec.Message
		if cls.kind == gateway.KindUpstreamAuth {
			// Never relay the provider's credential detail to the client.
			msg = "upstream authentication failed"
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		WriteError(w, req.Family, status, cls.kind, msg)
		d.recordUsage(ctx, req, res, t, usageOutcome{
			reason: string(cls.kind),
			start:  d.clock.Now(),
		}, requestID)
		return true, attemptFailure{}, nil
	}

	return false, attemptFailure{
		Target:     t.Key(),
		Reason:     fmt.Sprintf("%s (status %d)", cls.kind, resp.StatusCode),
		kind:       cls.kind,
		retryAfter: cls.retryAfter,
	}, nil
}

// exhausted reports that every target failed. A chain where every attempt
// was rate limited surfaces as 429 carrying the longest Retry-After the
// providers asked for; anything else is a 502 with the per-target summary.
func (d *Dispatcher) exhausted(ctx context.Context, w http.ResponseWriter,
	req Request, res router.Resolution, requestID string, failures []attemptFailure,
) {
	summary, _ := json.Marshal(failures)
	slog.LogAttrs(ctx, slog.LevelError, "all targets exhausted",
		slog.String("request_id", requestID),
		slog.String("alias", res.AliasUsed),
		slog.String("failures", string(summary)),
	)

	allRateLimited := len(failures) > 0
	var retryAfter time.Duration
	for _, f := range failures {
		if f.kind != gateway.KindUpstreamRateLimited {
			allRateLimited = false
		}
		if f.retryAfter > retryAfter {
			retryAfter = f.retryAfter
		}
	}
	if allRateLimited {
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		}
		WriteError(w, req.Family, http.StatusTooManyRequests, gateway.KindUpstreamRateLimited,
			"all upstream targets rate limited")
		d.recordUsage(ctx, req, res, gateway.Target{}, usageOutcome{
			reason: string(gateway.KindUpstreamRateLimited),
			start:  d.clock.Now(),
		}, requestID)
		return
	}

	WriteError(w, req.Family, http.StatusBadGateway, gateway.KindUpstreamServerError,
		fmt.Sprintf("all upstream targets failed: %s", summary))
	d.recordUsage(ctx, req, res, gateway.Target{}, usageOutcome{
		reason: string(gateway.KindUpstreamServerError),
		start:  d.clock.Now(),
	}, requestID)
}

func (d *Dispatcher) recordCancel(ctx context.Context, req Request, res router.Resolution,
	t gateway.Target, requestID string,
) {
	d.recordUsage(ctx, req, res, t, usageOutcome{
		reason: string(gateway.KindClientCancel),
		start:  d.clock.Now(),
	}, requestID)
}

// targetFamily picks the wire family for a target: the inbound family when
// served natively, otherwise any conversational family the provider exposes
// for the model.
func targetFamily(p *config.Provider, model string, inbound gateway.APIFamily) (gateway.APIFamily, bool) {
	if p.Serves(model, inbound) {
		return inbound, true
	}
	if inbound.Specialized() {
		return "", false // specialized shapes do not transcode
	}
	for _, fam := range gateway.ConversationalFamilies {
		if p.Serves(model, fam) {
			return fam, true
		}
	}
	return "", false
}

func (d *Dispatcher) mergeExtras(p *config.Provider, body []byte) ([]byte, error) {
	if len(p.ExtraBody) == 0 {
		return body, nil
	}
	var extra map[string]any
	if err := json.Unmarshal(p.ExtraBody, &extra); err != nil {
		return nil, err
	}
	return transcode.MergeExtraBody(body, extra)
}

// buildRequest constructs the outbound HTTP request with URL and auth for
// the target family.
func (d *Dispatcher) buildRequest(ctx context.Context, p *config.Provider,
	fam gateway.APIFamily, model string, req Request, body []byte, contentType string,
) (*http.Request, error) {
	base := p.APIBase[fam]
	oauthed := base == config.OAuthSentinel
	if oauthed {
		base = oauthBase(p.OAuth.ProviderKind, fam)
	}
	if base == "" {
		return nil, fmt.Errorf("provider %s: no base url for family %s", p.ID, fam)
	}

	url := base + familyPath(fam, model, req.Stream)
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		out.Header.Set("Content-Type", contentType)
	} else {
		out.Header.Set("Content-Type", "application/json")
	}
	if req.Stream && fam != gateway.FamilyGemini {
		out.Header.Set("Accept", "text/event-stream")
	}

	if p.OAuth != nil {
		tok, err := d.creds.Bearer(ctx, p.OAuth.ProviderKind, p.OAuth.AccountID)
		if err != nil {
			return nil, err
		}
		out.Header.Set("Authorization", "Bearer "+tok)
	} else {
		switch fam {
		case gateway.FamilyMessages:
			out.Header.Set("x-api-key", p.APIKey)
		case gateway.FamilyGemini:
			out.Header.Set("x-goog-api-key", p.APIKey)
		default:
			out.Header.Set("Authorization", "Bearer "+p.APIKey)
		}
	}
	if fam == gateway.FamilyMessages {
		out.Header.Set("anthropic-version", anthropicVersion)
	}
	// Configured header overrides win over everything above.
	for k, v := range p.Headers {
		out.Header.Set(k, v)
	}
	return out, nil
}

// oauthBase maps an OAuth provider kind to its API origin for families whose
// configured base is the oauth:// sentinel.
func oauthBase(kind string, fam gateway.APIFamily) string {
	switch kind {
	case "anthropic":
		return "https://api.anthropic.com/v1"
	case "google":
		if fam == gateway.FamilyGemini {
			return "https://generativelanguage.googleapis.com/v1beta"
		}
		return ""
	default:
		return ""
	}
}

// familyPath is the URL suffix for each wire family.
func familyPath(fam gateway.APIFamily, model string, stream bool) string {
	switch fam {
	case gateway.FamilyChat:
		return "/chat/completions"
	case gateway.FamilyResponses:
		return "/responses"
	case gateway.FamilyMessages:
		return "/messages"
	case gateway.FamilyGemini:
		if stream {
			return "/models/" + model + ":streamGenerateContent?alt=sse"
		}
		return "/models/" + model + ":generateContent"
	case gateway.FamilyEmbeddings:
		return "/embeddings"
	case gateway.FamilyTranscriptions:
		return "/audio/transcriptions"
	case gateway.FamilySpeech:
		return "/audio/speech"
	case gateway.FamilyImages:
		return "/images/generations"
	default:
		return "/"
	}
}

// doWithDeadlines issues the call under the attempt's time budget: a hard
// cap on the whole exchange and a first-byte deadline that is disarmed once
// headers arrive.
func (d *Dispatcher) doWithDeadlines(ctx context.Context, req *http.Request, stream bool) (*http.Response, error) {
	limit := bufferedTimeout
	if stream {
		limit = streamHardCap
	}
	attemptCtx, cancel := context.WithTimeout(ctx, limit)

	headerTimer := time.AfterFunc(firstByteTimeout, cancel)
	resp, err := d.client.Do(req.WithContext(attemptCtx))
	if !headerTimer.Stop() && err == nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("first byte timeout after %s", firstByteTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	// cancel is tied to the body; wrap so Close releases the context.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		lk := strings.ToLower(k)
		if lk == "authorization" || lk == "set-cookie" {
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}
