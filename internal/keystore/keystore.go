// Package keystore authenticates inbound requests against the configured
// client keys.
package keystore

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
)

const cacheTTL = time.Minute

// Store resolves presented secrets to key identities. Lookups scan the
// snapshot's keys with constant-time comparison; a short-lived cache keyed by
// the presented secret skips the scan for repeat callers. The cache is keyed
// by secret value, so a config swap that disables a key takes at most the
// cache TTL to bite.
type Store struct {
	source *config.Source
	cache  *otter.Cache[string, gateway.KeyInfo]
}

// New creates a Store reading keys from source.
func New(source *config.Source) *Store {
	cache := otter.Must(&otter.Options[string, gateway.KeyInfo]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryWriting[string, gateway.KeyInfo](cacheTTL),
	})
	return &Store{source: source, cache: cache}
}

// Authenticate resolves the presented secret to a key identity. It returns
// ErrUnauthorized for unknown secrets and ErrKeyDisabled for known but
// disabled ones.
func (s *Store) Authenticate(secret string) (gateway.KeyInfo, error) {
	if secret == "" {
		return gateway.KeyInfo{}, gateway.ErrUnauthorized
	}
	snap := s.source.Current()
	if info, ok := s.cache.GetIfPresent(secret); ok {
		// Re-check enablement against the live snapshot.
		for _, k := range snap.Keys {
			if k.Name == info.Name && k.Enabled {
				return info, nil
			}
		}
		s.cache.Invalidate(secret)
	}

	for _, k := range snap.Keys {
		if !gateway.SecretsEqual(k.Secret, secret) {
			continue
		}
		if !k.Enabled {
			return gateway.KeyInfo{}, fmt.Errorf("key %q: %w", k.Name, gateway.ErrKeyDisabled)
		}
		info := gateway.KeyInfo{Name: k.Name, Attribution: k.Attribution}
		s.cache.Set(secret, info)
		return info, nil
	}
	return gateway.KeyInfo{}, gateway.ErrUnauthorized
}

// FromRequest extracts the client secret from an inbound request. Both the
// OpenAI convention (Authorization: Bearer) and the Anthropic/Gemini
// conventions (x-api-key, x-goog-api-key) are accepted on every path.
func FromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	// Gemini SDKs can also pass the key as a query parameter.
	return r.URL.Query().Get("key")
}
