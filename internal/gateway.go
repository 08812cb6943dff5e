// Package gateway defines domain types and interfaces for the Switchboard
// LLM gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"
)

// --- API families ---

// APIFamily identifies one of the wire protocols the gateway speaks.
type APIFamily string

const (
	FamilyChat           APIFamily = "chat"           // OpenAI chat/completions
	FamilyResponses      APIFamily = "responses"      // OpenAI responses
	FamilyMessages       APIFamily = "messages"       // Anthropic messages
	FamilyGemini         APIFamily = "gemini"         // Google generateContent
	FamilyEmbeddings     APIFamily = "embeddings"
	FamilyTranscriptions APIFamily = "transcriptions"
	FamilySpeech         APIFamily = "speech"
	FamilyImages         APIFamily = "images"
)

// ConversationalFamilies are the four families with full bidirectional
// transcoding, including streaming.
var ConversationalFamilies = []APIFamily{FamilyChat, FamilyResponses, FamilyMessages, FamilyGemini}

// Specialized reports whether the family has a single canonical shape and
// passes through with model/header rewriting only.
func (f APIFamily) Specialized() bool {
	switch f {
	case FamilyEmbeddings, FamilyTranscriptions, FamilySpeech, FamilyImages:
		return true
	}
	return false
}

// Valid reports whether f is a known API family.
func (f APIFamily) Valid() bool {
	switch f {
	case FamilyChat, FamilyResponses, FamilyMessages, FamilyGemini,
		FamilyEmbeddings, FamilyTranscriptions, FamilySpeech, FamilyImages:
		return true
	}
	return false
}

// --- Targets ---

// Target is a concrete (provider, upstream model) pair the router can order.
type Target struct {
	ProviderID string
	Model      string
	Weight     int // default 1
}

// Key returns the canonical "provider/model" form used for passthrough,
// cooldown scoping, and telemetry keys.
func (t Target) Key() string { return t.ProviderID + "/" + t.Model }

// --- Client identity ---

// KeyInfo is the authenticated client key attached to request context.
// Name is the attribution dimension in the journal.
type KeyInfo struct {
	Name        string
	Attribution string
}

// SecretsEqual compares two client key secrets in constant time.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// --- Journal records ---

// UsageRecord is the accounting record persisted for every completed request.
type UsageRecord struct {
	RequestID        string
	TS               time.Time
	ClientKeyName    string
	AliasRequested   string
	AliasUsed        string
	ProviderID       string
	UpstreamModel    string
	APIFamilyIn      APIFamily
	APIFamilyOut     APIFamily
	PromptTokens     *int // nil = unknown (no upstream usage, no estimate)
	CompletionTokens *int
	CachedTokens     int
	CacheWriteTokens int
	CostUSD          float64
	TTFTMs           int64
	TotalMs          int64
	TokensPerSec     float64
	Streamed         bool
	OK               bool
	Reason           string // empty on success; e.g. "client_cancel"
}

// ErrorKind classifies a failure for the journal and the inbound error body.
type ErrorKind string

const (
	KindClientBadRequest      ErrorKind = "client_bad_request"
	KindClientUnauthorized    ErrorKind = "client_unauthorized"
	KindUpstreamRateLimited   ErrorKind = "upstream_rate_limited"
	KindUpstreamAuth          ErrorKind = "upstream_auth"
	KindUpstreamServerError   ErrorKind = "upstream_server_error"
	KindUpstreamContentPolicy ErrorKind = "upstream_content_policy"
	KindStreamTruncated       ErrorKind = "stream_truncated"
	KindClientCancel          ErrorKind = "client_cancel"
	KindInternal              ErrorKind = "internal"
)

// ErrorRecord is a journaled failure.
type ErrorRecord struct {
	RequestID        string
	TS               time.Time
	Kind             ErrorKind
	ProviderID       string
	UpstreamModel    string
	StatusCode       int
	Message          string
	Stack            string
	Headers          map[string]string
	ProviderResponse string
}

// DebugTrace captures raw and transformed request/response bodies for a request.
type DebugTrace struct {
	RequestID           string
	TS                  time.Time
	RawRequest          json.RawMessage
	TransformedRequest  json.RawMessage
	RawResponse         json.RawMessage
	TransformedResponse json.RawMessage
}

// PerformanceSample feeds the router's latency/performance/usage selectors.
type PerformanceSample struct {
	ProviderID    string
	UpstreamModel string
	TS            time.Time
	TTFTMs        int64
	TokensPerSec  float64
}

// --- Injected collaborators ---

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *KeyInfo
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated client key from context.
func KeyFromContext(ctx context.Context) *KeyInfo {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation.
func ContextWithKey(ctx context.Context, k *KeyInfo) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
