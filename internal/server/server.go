// Package server implements the HTTP transport layer for the Switchboard
// gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/cooldown"
	"github.com/mstiller/switchboard/internal/credential"
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/keystore"
	"github.com/mstiller/switchboard/internal/quotamirror"
	"github.com/mstiller/switchboard/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Keys       *keystore.Store
	Dispatcher *upstream.Dispatcher
	Cooldown   *cooldown.Manager
	Sessions   *credential.Sessions
	Creds      *credential.Store
	Quota      *quotamirror.Mirror // nil = no quota surface
	Journal    *journal.Journal    // nil = no pre-dispatch error records
	ReadyCheck ReadyChecker        // nil = always ready (for tests)
	Registry   *prometheus.Registry // nil = no /metrics endpoint
	LogTail    *LogTail             // nil = no /admin/logs endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Client-facing API, one route per wire family. Each group renders auth
	// failures in its own family's error shape.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(gateway.FamilyChat))
		r.Post("/v1/chat/completions", s.handleConversational(gateway.FamilyChat))
		r.Post("/v1/embeddings", s.handleSpecialized(gateway.FamilyEmbeddings))
		r.Post("/v1/audio/transcriptions", s.handleTranscriptions)
		r.Post("/v1/audio/speech", s.handleSpecialized(gateway.FamilySpeech))
		r.Post("/v1/images/generations", s.handleSpecialized(gateway.FamilyImages))
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(gateway.FamilyResponses))
		r.Post("/v1/responses", s.handleConversational(gateway.FamilyResponses))
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(gateway.FamilyMessages))
		r.Post("/v1/messages", s.handleConversational(gateway.FamilyMessages))
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(gateway.FamilyGemini))
		// {call} is "<model>:generateContent" or "<model>:streamGenerateContent";
		// chi path params swallow the colon.
		r.Post("/v1beta/models/{call}", s.handleGemini)
	})

	// Admin surface (read-only except OAuth sessions).
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(gateway.FamilyChat))
		r.Get("/admin/cooldowns", s.handleCooldowns)
		r.Get("/admin/inflight", s.handleInflight)
		r.Get("/admin/quota", s.handleQuota)
		r.Get("/admin/credentials", s.handleCredentials)
		r.Get("/admin/sessions", s.handleListSessions)
		r.Post("/admin/sessions", s.handleStartSession)
		r.Get("/admin/sessions/{id}", s.handleGetSession)
		r.Post("/admin/sessions/{id}/code", s.handleSessionCode)
		r.Post("/admin/sessions/{id}/prompt", s.handleSessionPrompt)
		r.Post("/admin/sessions/{id}/cancel", s.handleSessionCancel)
		if deps.LogTail != nil {
			r.Get("/admin/logs", s.handleLogs)
		}
	})

	return r
}

type server struct {
	deps Deps
}
