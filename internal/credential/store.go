// Package credential manages OAuth token bundles for providers configured
// with oauth:// access, and the interactive login sessions that create them.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/storage"
)

// refreshMargin is how close to expiry a token may get before a caller
// triggers a refresh.
const refreshMargin = 60 * time.Second

// Store hands out bearer tokens for (provider kind, account) bundles.
// Bundles persist through storage.CredentialStore and are cached in memory;
// concurrent refreshes for the same bundle collapse into one upstream call.
// The cache holds records by value: readers get a copy and updates swap in a
// whole new record under the lock, so no field is ever mutated in place.
type Store struct {
	db    storage.CredentialStore
	clock gateway.Clock
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]storage.CredentialRecord
}

// NewStore creates a Store backed by db.
func NewStore(db storage.CredentialStore, clock gateway.Clock) *Store {
	if clock == nil {
		clock = gateway.SystemClock{}
	}
	return &Store{db: db, clock: clock, cache: make(map[string]storage.CredentialRecord)}
}

func bundleKey(kind, account string) string { return kind + "/" + account }

// Bearer returns a valid access token for the bundle, refreshing it first if
// it expires within the margin. An invalid bundle fails immediately with
// ErrCredentialInvalid until a new login replaces it.
func (s *Store) Bearer(ctx context.Context, kind, account string) (string, error) {
	rec, err := s.get(ctx, kind, account)
	if err != nil {
		return "", err
	}
	if rec.Invalid {
		return "", fmt.Errorf("credential %s/%s: %w", kind, account, gateway.ErrCredentialInvalid)
	}
	if s.clock.Now().Add(refreshMargin).Before(rec.ExpiresAt) {
		return rec.AccessToken, nil
	}

	key := bundleKey(kind, account)
	tok, err, _ := s.group.Do(key, func() (any, error) {
		// A concurrent caller may have refreshed while this one waited.
		cur, err := s.get(ctx, kind, account)
		if err != nil {
			return "", err
		}
		if cur.Invalid {
			return "", fmt.Errorf("credential %s/%s: %w", kind, account, gateway.ErrCredentialInvalid)
		}
		if s.clock.Now().Add(refreshMargin).Before(cur.ExpiresAt) {
			return cur.AccessToken, nil
		}
		return s.refresh(ctx, cur)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

// Put stores a fresh bundle, replacing any previous one for the account.
func (s *Store) Put(ctx context.Context, rec storage.CredentialRecord) error {
	if err := s.db.PutCredential(ctx, rec); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	s.mu.Lock()
	s.cache[bundleKey(rec.ProviderKind, rec.AccountID)] = rec
	s.mu.Unlock()
	return nil
}

// Invalidate marks the bundle unusable. Requests depending on it fail with
// ErrCredentialInvalid until a new login replaces it.
func (s *Store) Invalidate(ctx context.Context, kind, account string) error {
	rec, err := s.get(ctx, kind, account)
	if err != nil {
		return err
	}
	rec.Invalid = true
	slog.LogAttrs(ctx, slog.LevelWarn, "credential invalidated",
		slog.String("provider_kind", kind),
		slog.String("account", account),
	)
	return s.Put(ctx, rec)
}

// List returns all stored bundles, for the admin surface. Tokens are not
// included.
func (s *Store) List(ctx context.Context) ([]storage.CredentialRecord, error) {
	recs, err := s.db.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].AccessToken = ""
		recs[i].RefreshToken = ""
		recs[i].Raw = ""
	}
	return recs, nil
}

func (s *Store) get(ctx context.Context, kind, account string) (storage.CredentialRecord, error) {
	key := bundleKey(kind, account)
	s.mu.Lock()
	rec, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}

	dbRec, err := s.db.GetCredential(ctx, kind, account)
	if err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("load credential %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = *dbRec
	s.mu.Unlock()
	return *dbRec, nil
}

// refresh exchanges the refresh token for a new access token and persists
// the result. A refresh failure marks the bundle invalid so subsequent
// requests fail fast instead of hammering the token endpoint. rec is the
// caller's copy; the updated record replaces the cached one via Put.
func (s *Store) refresh(ctx context.Context, rec storage.CredentialRecord) (string, error) {
	flow, err := flowFor(rec.ProviderKind)
	if err != nil {
		return "", err
	}

	src := flow.config().TokenSource(ctx, &oauth2.Token{
		RefreshToken: rec.RefreshToken,
		// Expiry in the past forces a refresh round trip.
		Expiry: time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		rec.Invalid = true
		_ = s.Put(ctx, rec)
		slog.LogAttrs(ctx, slog.LevelError, "token refresh failed",
			slog.String("provider_kind", rec.ProviderKind),
			slog.String("account", rec.AccountID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("refresh %s/%s: %w", rec.ProviderKind, rec.AccountID, gateway.ErrCredentialInvalid)
	}

	rec.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	rec.ExpiresAt = tok.Expiry
	if err := s.Put(ctx, rec); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
