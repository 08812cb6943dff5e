// Package testutil provides fakes shared across package tests: a settable
// clock, a scripted HTTP transport, and an in-memory storage.Store.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/storage"
)

// Clock is a fake gateway.Clock that only moves when told to.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a Clock starting at t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// RoundTripFunc adapts a function to http.RoundTripper.
type RoundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// MemStore is an in-memory storage.Store.
type MemStore struct {
	mu          sync.Mutex
	Usage       []gateway.UsageRecord
	Errors      []gateway.ErrorRecord
	Debug       []gateway.DebugTrace
	Performance []gateway.PerformanceSample
	Credentials map[string]storage.CredentialRecord
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{Credentials: make(map[string]storage.CredentialRecord)}
}

func (m *MemStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Usage = append(m.Usage, records...)
	return nil
}

func (m *MemStore) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []gateway.UsageRecord
	var n int64
	for _, r := range m.Usage {
		if r.TS.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.Usage = kept
	return n, nil
}

func (m *MemStore) InsertErrors(_ context.Context, records []gateway.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, records...)
	return nil
}

func (m *MemStore) DeleteErrorsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []gateway.ErrorRecord
	var n int64
	for _, r := range m.Errors {
		if r.TS.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.Errors = kept
	return n, nil
}

func (m *MemStore) InsertDebug(_ context.Context, traces []gateway.DebugTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Debug = append(m.Debug, traces...)
	return nil
}

func (m *MemStore) DeleteDebugBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []gateway.DebugTrace
	var n int64
	for _, r := range m.Debug {
		if r.TS.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.Debug = kept
	return n, nil
}

func (m *MemStore) InsertPerformance(_ context.Context, samples []gateway.PerformanceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Performance = append(m.Performance, samples...)
	return nil
}

func (m *MemStore) DeletePerformanceBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []gateway.PerformanceSample
	var n int64
	for _, r := range m.Performance {
		if r.TS.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.Performance = kept
	return n, nil
}

func (m *MemStore) PutCredential(_ context.Context, rec storage.CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Credentials[rec.ProviderKind+"/"+rec.AccountID] = rec
	return nil
}

func (m *MemStore) GetCredential(_ context.Context, providerKind, accountID string) (*storage.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Credentials[providerKind+"/"+accountID]
	if !ok {
		return nil, fmt.Errorf("credential %s/%s not found", providerKind, accountID)
	}
	return &rec, nil
}

func (m *MemStore) ListCredentials(_ context.Context) ([]storage.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.CredentialRecord, 0, len(m.Credentials))
	for _, rec := range m.Credentials {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close() error               { return nil }

// UsageCount returns how many usage records have been flushed.
func (m *MemStore) UsageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Usage)
}
