package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/upstream"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		upstream.WriteError(w, gateway.FamilyChat, http.StatusBadRequest,
			gateway.KindClientBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeAdminError maps sentinel errors to status codes; anything unexpected
// is logged server-side and sanitized on the wire.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := upstream.ErrorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	upstream.WriteError(w, gateway.FamilyChat, status, upstream.ErrorKindOf(err), msg)
}

// --- Cooldowns ---

type cooldownEntry struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Reason      string    `json:"reason"`
	RemainingMs int64     `json:"remaining_ms"`
}

func (s *server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Cooldown.Active()
	out := make([]cooldownEntry, 0, len(active))
	now := time.Now()
	for _, e := range active {
		out = append(out, cooldownEntry{
			Provider:    e.Key.Provider,
			Model:       e.Key.Model,
			Start:       e.Start,
			End:         e.End,
			Reason:      e.Reason,
			RemainingMs: e.End.Sub(now).Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// --- Inflight ---

func (s *server) handleInflight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.deps.Dispatcher.InflightSnapshot()})
}

// --- Quota ---

func (s *server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quota == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		return
	}
	snap := s.deps.Quota.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       snap.Quotas,
		"fetched_at": snap.FetchedAt,
	})
}

// --- Credentials ---

type credentialView struct {
	ProviderKind string    `json:"provider_kind"`
	AccountID    string    `json:"account_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	Invalid      bool      `json:"invalid"`
}

func (s *server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Creds.List(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := make([]credentialView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, credentialView{
			ProviderKind: rec.ProviderKind,
			AccountID:    rec.AccountID,
			ExpiresAt:    rec.ExpiresAt,
			Scope:        rec.Scope,
			Invalid:      rec.Invalid,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// --- OAuth sessions ---

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.deps.Sessions.List()})
}

func (s *server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderKind string `json:"provider_kind"`
		AccountID    string `json:"account_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderKind == "" || req.AccountID == "" {
		upstream.WriteError(w, gateway.FamilyChat, http.StatusBadRequest,
			gateway.KindClientBadRequest, "provider_kind and account_id are required")
		return
	}
	sess, err := s.deps.Sessions.Start(r.Context(), req.ProviderKind, req.AccountID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleSessionCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.SubmitManualCode(r.Context(), id, req.Code); err != nil {
		writeAdminError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleSessionPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Sessions.SubmitPrompt(chi.URLParam(r, "id"), req.Answer); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Cancel(chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
