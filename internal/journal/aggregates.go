package journal

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

const (
	aggregateWindow  = time.Hour
	refreshInterval  = time.Second
	maxSamplesPerKey = 4096
)

// Stats is one target's rolling telemetry over the aggregate window.
type Stats struct {
	P50TTFTMs    int64
	TokensPerSec float64
	Requests     int
}

// Aggregates maintains per-(provider,model) rolling windows of performance
// samples and publishes an immutable snapshot for the router. The snapshot is
// rebuilt at most once per refresh interval (copy-on-swap); the hot path only
// loads a pointer.
type Aggregates struct {
	mu      sync.Mutex
	clock   gateway.Clock
	samples map[string][]gateway.PerformanceSample // key: provider/model, time-ordered
	snap    atomic.Pointer[map[string]Stats]
	dirty   atomic.Bool
}

// NewAggregates returns an empty Aggregates using the given clock.
func NewAggregates(clock gateway.Clock) *Aggregates {
	if clock == nil {
		clock = gateway.SystemClock{}
	}
	a := &Aggregates{clock: clock, samples: make(map[string][]gateway.PerformanceSample)}
	empty := map[string]Stats{}
	a.snap.Store(&empty)
	return a
}

// Add records a sample into the rolling window.
func (a *Aggregates) Add(s gateway.PerformanceSample) {
	key := s.ProviderID + "/" + s.UpstreamModel
	a.mu.Lock()
	buf := append(a.samples[key], s)
	if len(buf) > maxSamplesPerKey {
		buf = buf[len(buf)-maxSamplesPerKey:]
	}
	a.samples[key] = buf
	a.mu.Unlock()
	a.dirty.Store(true)
}

// Get returns the published stats for a target, if any.
func (a *Aggregates) Get(providerID, model string) (Stats, bool) {
	m := *a.snap.Load()
	s, ok := m[providerID+"/"+model]
	return s, ok
}

// RequestsSince counts the target's requests in the trailing window. Windows
// at or beyond the aggregate horizon read the published snapshot; shorter
// ones count raw samples under the lock.
func (a *Aggregates) RequestsSince(providerID, model string, window time.Duration) (int, bool) {
	if window <= 0 || window >= aggregateWindow {
		s, ok := a.Get(providerID, model)
		return s.Requests, ok
	}
	cutoff := a.clock.Now().Add(-window)

	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.samples[providerID+"/"+model]
	if !ok {
		return 0, false
	}
	i := sort.Search(len(buf), func(i int) bool { return buf[i].TS.After(cutoff) })
	return len(buf) - i, true
}

// Refresh recomputes and publishes the snapshot if new samples arrived.
func (a *Aggregates) Refresh() {
	if !a.dirty.Swap(false) {
		return
	}
	cutoff := a.clock.Now().Add(-aggregateWindow)

	a.mu.Lock()
	next := make(map[string]Stats, len(a.samples))
	for key, buf := range a.samples {
		// Trim expired samples in place; buf is time-ordered.
		i := sort.Search(len(buf), func(i int) bool { return buf[i].TS.After(cutoff) })
		buf = buf[i:]
		if len(buf) == 0 {
			delete(a.samples, key)
			continue
		}
		a.samples[key] = buf
		next[key] = computeStats(buf)
	}
	a.mu.Unlock()

	a.snap.Store(&next)
}

func computeStats(buf []gateway.PerformanceSample) Stats {
	ttfts := make([]int64, 0, len(buf))
	var tpsSum float64
	var tpsN int
	for _, s := range buf {
		if s.TTFTMs > 0 {
			ttfts = append(ttfts, s.TTFTMs)
		}
		if s.TokensPerSec > 0 {
			tpsSum += s.TokensPerSec
			tpsN++
		}
	}
	st := Stats{Requests: len(buf)}
	if len(ttfts) > 0 {
		sort.Slice(ttfts, func(i, j int) bool { return ttfts[i] < ttfts[j] })
		st.P50TTFTMs = ttfts[len(ttfts)/2]
	}
	if tpsN > 0 {
		st.TokensPerSec = tpsSum / float64(tpsN)
	}
	return st
}

// Run refreshes the snapshot periodically until ctx is cancelled.
// Implements worker.Worker.
func (a *Aggregates) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Refresh()
		case <-ctx.Done():
			return nil
		}
	}
}
