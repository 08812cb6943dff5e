// Package cooldown tracks short-lived per-provider and per-(provider,model)
// backoff state. Entries are kept in memory only; a restart is a clean slate.
package cooldown

import (
	"sort"
	"sync"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

// Key scopes a cooldown entry. An empty Model means provider-wide.
type Key struct {
	Provider string
	Model    string
}

func (k Key) String() string {
	if k.Model == "" {
		return k.Provider
	}
	return k.Provider + "/" + k.Model
}

// Entry is an active cooldown.
type Entry struct {
	Key    Key
	Start  time.Time
	End    time.Time
	Reason string
}

// Backoff schedule constants for the dispatcher-facing rules.
const (
	rateLimitMin     = 60 * time.Second
	rateLimitMax     = 30 * time.Minute
	rateLimitFloor   = 30 * time.Second // lower bound when Retry-After is present
	authDuration     = 15 * time.Minute
	serverErrMin     = 30 * time.Second
	serverErrMax     = 5 * time.Minute
	modelUnavailable = 10 * time.Minute
	repeatWindow     = 5 * time.Minute
)

// backoff tracks consecutive failures for doubling durations.
type backoff struct {
	count int
	last  time.Time
}

// Manager stores cooldown entries behind a single mutex; the maps are small
// (bounded by configured providers) and operations are O(1), so per-key locks
// buy nothing here. Expired entries are reaped lazily on read.
type Manager struct {
	mu      sync.Mutex
	clock   gateway.Clock
	entries map[Key]Entry
	backoff map[Key]backoff
}

// New returns a Manager using the given clock.
func New(clock gateway.Clock) *Manager {
	if clock == nil {
		clock = gateway.SystemClock{}
	}
	return &Manager{
		clock:   clock,
		entries: make(map[Key]Entry),
		backoff: make(map[Key]backoff),
	}
}

// Put places key on cooldown for d. A shorter duration never truncates an
// active longer cooldown.
func (m *Manager) Put(key Key, d time.Duration, reason string) {
	now := m.clock.Now()
	end := now.Add(d)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.End.After(end) {
		return
	}
	m.entries[key] = Entry{Key: key, Start: now, End: end, Reason: reason}
}

// IsDown reports whether key is on cooldown. A provider-wide entry covers all
// models; a scoped entry covers only its (provider, model) pair.
func (m *Manager) IsDown(key Key) bool {
	return m.Remaining(key) > 0
}

// Remaining returns how long key stays on cooldown, or 0.
func (m *Manager) Remaining(key Key) time.Duration {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0
	}
	if !e.End.After(now) {
		delete(m.entries, key)
		return 0
	}
	return e.End.Sub(now)
}

// Clear removes any cooldown and backoff history for key.
func (m *Manager) Clear(key Key) {
	m.mu.Lock()
	delete(m.entries, key)
	delete(m.backoff, key)
	m.mu.Unlock()
}

// Active returns the live entries sorted by key, reaping expired ones.
func (m *Manager) Active() []Entry {
	now := m.clock.Now()
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.End.After(now) {
			delete(m.entries, k)
			continue
		}
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// next returns the doubled backoff duration for key, bounded by [min, max].
// The streak resets when the previous failure is older than repeatWindow.
func (m *Manager) next(key Key, min, max time.Duration) time.Duration {
	now := m.clock.Now()
	b := m.backoff[key]
	if now.Sub(b.last) > repeatWindow {
		b.count = 0
	}
	d := min << b.count
	if d > max || d <= 0 {
		d = max
	}
	b.count++
	b.last = now
	m.backoff[key] = b
	return d
}

// OnRateLimited handles an upstream 429. retryAfter <= 0 means the header was
// absent and the doubling schedule applies.
func (m *Manager) OnRateLimited(provider string, retryAfter time.Duration) time.Duration {
	key := Key{Provider: provider}
	var d time.Duration
	m.mu.Lock()
	if retryAfter > 0 {
		d = retryAfter
		if d < rateLimitFloor {
			d = rateLimitFloor
		}
	} else {
		d = m.next(key, rateLimitMin, rateLimitMax)
	}
	m.mu.Unlock()
	m.Put(key, d, "rate_limited")
	return d
}

// OnAuthFailure handles an upstream 401/403: provider-wide 15 minutes.
func (m *Manager) OnAuthFailure(provider string) time.Duration {
	m.Put(Key{Provider: provider}, authDuration, "auth")
	return authDuration
}

// OnServerError handles a 5xx or connect/read failure: scoped cooldown with
// a doubling schedule.
func (m *Manager) OnServerError(provider, model string) time.Duration {
	key := Key{Provider: provider, Model: model}
	m.mu.Lock()
	d := m.next(key, serverErrMin, serverErrMax)
	m.mu.Unlock()
	m.Put(key, d, "server_error")
	return d
}

// OnModelUnavailable handles a provider-specific "model unavailable" 400.
func (m *Manager) OnModelUnavailable(provider, model string) time.Duration {
	m.Put(Key{Provider: provider, Model: model}, modelUnavailable, "model_unavailable")
	return modelUnavailable
}

// OnSuccess resets the backoff streak for the provider and the scoped pair.
// Active cooldowns are left to expire (a success on one model says nothing
// about a provider-wide rate limit).
func (m *Manager) OnSuccess(provider, model string) {
	m.mu.Lock()
	delete(m.backoff, Key{Provider: provider})
	delete(m.backoff, Key{Provider: provider, Model: model})
	m.mu.Unlock()
}
