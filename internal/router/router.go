// Package router resolves model aliases and passthrough names to an ordered
// failover chain of (provider, upstream model) targets.
package router

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/cooldown"
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/pricing"
)

// Resolution is the router's answer: an ordered target list plus the
// canonical alias name used for journal attribution.
type Resolution struct {
	Targets     []gateway.Target
	AliasUsed   string
	Passthrough bool
}

// Router orders alias targets using the configured selector, filtered by
// provider enablement and cooldown state. It is stateless between requests;
// all inputs are injected so tests can run with a fixed RNG and synthetic
// telemetry.
type Router struct {
	cool  *cooldown.Manager
	aggs  *journal.Aggregates
	slugs pricing.SlugPrices

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Router. rng may be nil, in which case a process-seeded source
// is used; tests pass a fixed seed for deterministic weighted shuffles.
func New(cool *cooldown.Manager, aggs *journal.Aggregates, slugs pricing.SlugPrices, rng *rand.Rand) *Router {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Router{cool: cool, aggs: aggs, slugs: slugs, rng: rng}
}

// Resolve maps a model name (alias or "provider/model" passthrough) to an
// ordered failover chain. Passthrough ignores cooldown: the caller explicitly
// named a target. family is the client's inbound API family, consulted when
// the alias prioritizes api_match.
func (r *Router) Resolve(snap *config.Snapshot, model string, family gateway.APIFamily) (Resolution, error) {
	if providerID, upstream, ok := strings.Cut(model, "/"); ok {
		return resolvePassthrough(snap, providerID, upstream)
	}

	canonical, ok := snap.AliasIdx[model]
	if !ok {
		return Resolution{}, fmt.Errorf("resolve %q: %w", model, gateway.ErrAliasNotFound)
	}
	alias := snap.Aliases[canonical]

	live := make([]gateway.Target, 0, len(alias.Targets))
	for _, t := range alias.Targets {
		p, ok := snap.Providers[t.ProviderID]
		if !ok || !p.Enabled {
			continue
		}
		if r.cool.IsDown(cooldown.Key{Provider: t.ProviderID}) {
			continue
		}
		if r.cool.IsDown(cooldown.Key{Provider: t.ProviderID, Model: t.Model}) {
			continue
		}
		live = append(live, t)
	}
	if len(live) == 0 {
		return Resolution{}, fmt.Errorf("resolve %q: %w", model, gateway.ErrNoEnabledTargets)
	}

	if alias.APIMatch {
		native := make([]gateway.Target, 0, len(live))
		for _, t := range live {
			if snap.Providers[t.ProviderID].Serves(t.Model, family) {
				native = append(native, t)
			}
		}
		if len(native) > 0 {
			live = native
		}
	}

	r.order(snap, alias, live)
	return Resolution{Targets: live, AliasUsed: canonical}, nil
}

func resolvePassthrough(snap *config.Snapshot, providerID, model string) (Resolution, error) {
	p, ok := snap.Providers[providerID]
	if !ok {
		return Resolution{}, fmt.Errorf("passthrough %s/%s: %w", providerID, model, gateway.ErrAliasNotFound)
	}
	if _, ok := p.Models[model]; !ok {
		return Resolution{}, fmt.Errorf("passthrough %s/%s: %w", providerID, model, gateway.ErrAliasNotFound)
	}
	if !p.Enabled {
		return Resolution{}, fmt.Errorf("passthrough %s/%s: %w", providerID, model, gateway.ErrNoEnabledTargets)
	}
	t := gateway.Target{ProviderID: providerID, Model: model, Weight: 1}
	return Resolution{Targets: []gateway.Target{t}, AliasUsed: t.Key(), Passthrough: true}, nil
}

// order applies the alias's selector in place. Ties break alphabetically on
// (providerID, model) so ordering is total and stable across processes.
func (r *Router) order(snap *config.Snapshot, alias *config.Alias, targets []gateway.Target) {
	switch alias.Selector {
	case config.SelectorInOrder:
		// Declaration order, already preserved by the filter.
	case config.SelectorRandom:
		r.weightedShuffle(targets)
	case config.SelectorCost:
		r.sortAscending(targets, func(t gateway.Target) float64 {
			return r.nominalCost(snap, t)
		})
	case config.SelectorLatency:
		r.sortAscending(targets, func(t gateway.Target) float64 {
			if s, ok := r.stats(t); ok && s.P50TTFTMs > 0 {
				return float64(s.P50TTFTMs)
			}
			return math.Inf(1) // untested ranks worst for a minimizing selector
		})
	case config.SelectorPerformance:
		r.sortAscending(targets, func(t gateway.Target) float64 {
			if s, ok := r.stats(t); ok && s.TokensPerSec > 0 {
				return -s.TokensPerSec
			}
			return math.Inf(-1) // untested ranks best for a maximizing selector
		})
	case config.SelectorUsage:
		r.sortAscending(targets, func(t gateway.Target) float64 {
			if n, ok := r.requests(t, alias.UsageWindow); ok {
				return float64(n)
			}
			return math.Inf(1)
		})
	}
}

func (r *Router) stats(t gateway.Target) (journal.Stats, bool) {
	if r.aggs == nil {
		return journal.Stats{}, false
	}
	return r.aggs.Get(t.ProviderID, t.Model)
}

func (r *Router) requests(t gateway.Target, window time.Duration) (int, bool) {
	if r.aggs == nil {
		return 0, false
	}
	return r.aggs.RequestsSince(t.ProviderID, t.Model, window)
}

func (r *Router) nominalCost(snap *config.Snapshot, t gateway.Target) float64 {
	p := snap.Providers[t.ProviderID]
	m, ok := p.Models[t.Model]
	if !ok {
		return math.Inf(1)
	}
	return m.Pricing.NominalCost(p.Discount, r.slugs)
}

// sortAscending orders targets by score, then alphabetically.
func (r *Router) sortAscending(targets []gateway.Target, score func(gateway.Target) float64) {
	type scored struct {
		t gateway.Target
		s float64
	}
	ss := make([]scored, len(targets))
	for i, t := range targets {
		ss[i] = scored{t: t, s: score(t)}
	}
	sort.SliceStable(ss, func(i, j int) bool {
		if ss[i].s != ss[j].s {
			return ss[i].s < ss[j].s
		}
		if ss[i].t.ProviderID != ss[j].t.ProviderID {
			return ss[i].t.ProviderID < ss[j].t.ProviderID
		}
		return ss[i].t.Model < ss[j].t.Model
	})
	for i := range ss {
		targets[i] = ss[i].t
	}
}

// weightedShuffle orders targets by repeated weighted sampling without
// replacement, so a weight-70 target leads a weight-30 one 70% of the time.
func (r *Router) weightedShuffle(targets []gateway.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < len(targets)-1; i++ {
		total := 0
		for _, t := range targets[i:] {
			total += t.Weight
		}
		pick := r.rng.IntN(total)
		for j := i; j < len(targets); j++ {
			pick -= targets[j].Weight
			if pick < 0 {
				targets[i], targets[j] = targets[j], targets[i]
				break
			}
		}
	}
}
