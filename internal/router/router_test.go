package router

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/cooldown"
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/pricing"
	"github.com/mstiller/switchboard/internal/testutil"
)

func simplePricing(input, output float64) pricing.Spec {
	return pricing.Spec{Kind: pricing.KindSimple, Simple: &pricing.Simple{Input: input, Output: output}}
}

// testSnapshot builds a two-provider snapshot with one alias over both.
func testSnapshot(selector string, apiMatch bool) *config.Snapshot {
	chatOnly := map[gateway.APIFamily]bool{gateway.FamilyChat: true}
	alias := &config.Alias{
		ID:      "fast",
		Aliases: []string{"fast-latest"},
		Targets: []gateway.Target{
			{ProviderID: "alpha", Model: "a-1", Weight: 1},
			{ProviderID: "beta", Model: "b-1", Weight: 1},
		},
		Selector: selector,
		APIMatch: apiMatch,
	}
	return &config.Snapshot{
		Providers: map[string]*config.Provider{
			"alpha": {
				ID:      "alpha",
				Enabled: true,
				APIBase: map[gateway.APIFamily]string{gateway.FamilyChat: "https://alpha.example"},
				Models: map[string]config.Model{
					"a-1": {Kind: "chat", AccessVia: chatOnly, Pricing: simplePricing(10, 30)},
				},
			},
			"beta": {
				ID:      "beta",
				Enabled: true,
				APIBase: map[gateway.APIFamily]string{
					gateway.FamilyChat:     "https://beta.example",
					gateway.FamilyMessages: "https://beta.example",
				},
				Models: map[string]config.Model{
					"b-1": {
						Kind: "chat",
						AccessVia: map[gateway.APIFamily]bool{
							gateway.FamilyChat:     true,
							gateway.FamilyMessages: true,
						},
						Pricing: simplePricing(1, 3),
					},
				},
			},
		},
		Aliases:  map[string]*config.Alias{"fast": alias},
		AliasIdx: map[string]string{"fast": "fast", "fast-latest": "fast"},
	}
}

func newRouter(clock gateway.Clock) (*Router, *cooldown.Manager, *journal.Aggregates) {
	cool := cooldown.New(clock)
	aggs := journal.NewAggregates(clock)
	return New(cool, aggs, nil, rand.New(rand.NewPCG(1, 2))), cool, aggs
}

func TestResolveAdditionalAlias(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(nil)
	snap := testSnapshot(config.SelectorInOrder, false)

	res, err := r.Resolve(snap, "fast-latest", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.AliasUsed != "fast" {
		t.Fatalf("AliasUsed = %q, want canonical", res.AliasUsed)
	}
	if len(res.Targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(res.Targets))
	}
	if res.Targets[0].ProviderID != "alpha" {
		t.Fatalf("in_order should preserve declaration order, got %v", res.Targets[0])
	}
}

func TestResolveUnknownAlias(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(nil)

	_, err := r.Resolve(testSnapshot(config.SelectorInOrder, false), "nope", gateway.FamilyChat)
	if !errors.Is(err, gateway.ErrAliasNotFound) {
		t.Fatalf("err = %v, want ErrAliasNotFound", err)
	}
}

func TestResolvePassthrough(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, cool, _ := newRouter(clock)
	snap := testSnapshot(config.SelectorInOrder, false)

	// Passthrough ignores cooldown: the caller explicitly named the target.
	cool.OnAuthFailure("alpha")
	res, err := r.Resolve(snap, "alpha/a-1", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passthrough || len(res.Targets) != 1 {
		t.Fatalf("res = %+v", res)
	}
	if res.AliasUsed != "alpha/a-1" {
		t.Fatalf("AliasUsed = %q", res.AliasUsed)
	}

	if _, err := r.Resolve(snap, "alpha/unknown", gateway.FamilyChat); !errors.Is(err, gateway.ErrAliasNotFound) {
		t.Fatalf("unknown model err = %v", err)
	}

	snap.Providers["alpha"].Enabled = false
	if _, err := r.Resolve(snap, "alpha/a-1", gateway.FamilyChat); !errors.Is(err, gateway.ErrNoEnabledTargets) {
		t.Fatalf("disabled provider err = %v", err)
	}
}

func TestResolveFiltersCooldown(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, cool, _ := newRouter(clock)
	snap := testSnapshot(config.SelectorInOrder, false)

	cool.OnAuthFailure("alpha")
	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Targets) != 1 || res.Targets[0].ProviderID != "beta" {
		t.Fatalf("targets = %v, want beta only", res.Targets)
	}

	cool.OnAuthFailure("beta")
	if _, err := r.Resolve(snap, "fast", gateway.FamilyChat); !errors.Is(err, gateway.ErrNoEnabledTargets) {
		t.Fatalf("all down err = %v", err)
	}
}

func TestResolveFiltersScopedCooldown(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, cool, _ := newRouter(clock)
	snap := testSnapshot(config.SelectorInOrder, false)

	cool.OnModelUnavailable("alpha", "a-1")
	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Targets) != 1 || res.Targets[0].ProviderID != "beta" {
		t.Fatalf("targets = %v, want beta only", res.Targets)
	}
}

func TestResolveAPIMatchPrefersNativeFamily(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(nil)
	snap := testSnapshot(config.SelectorInOrder, true)

	// Only beta serves the messages family natively.
	res, err := r.Resolve(snap, "fast", gateway.FamilyMessages)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Targets) != 1 || res.Targets[0].ProviderID != "beta" {
		t.Fatalf("targets = %v, want native beta only", res.Targets)
	}

	// When no target serves the family natively, the full list survives.
	res, err = r.Resolve(snap, "fast", gateway.FamilyResponses)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(res.Targets))
	}
}

func TestCostSelectorOrdersByNominalCost(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(nil)
	snap := testSnapshot(config.SelectorCost, false)

	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	// beta is priced at a tenth of alpha.
	if res.Targets[0].ProviderID != "beta" {
		t.Fatalf("cheapest first, got %v", res.Targets)
	}
}

func TestLatencySelectorUsesAggregates(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, _, aggs := newRouter(clock)
	snap := testSnapshot(config.SelectorLatency, false)

	aggs.Add(gateway.PerformanceSample{ProviderID: "alpha", UpstreamModel: "a-1", TS: clock.Now(), TTFTMs: 900})
	aggs.Add(gateway.PerformanceSample{ProviderID: "beta", UpstreamModel: "b-1", TS: clock.Now(), TTFTMs: 120})
	aggs.Refresh()

	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Targets[0].ProviderID != "beta" {
		t.Fatalf("lowest p50 first, got %v", res.Targets)
	}
}

func TestLatencySelectorRanksUntestedWorst(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, _, aggs := newRouter(clock)
	snap := testSnapshot(config.SelectorLatency, false)

	// Only alpha has telemetry; beta is untested and must rank last.
	aggs.Add(gateway.PerformanceSample{ProviderID: "alpha", UpstreamModel: "a-1", TS: clock.Now(), TTFTMs: 5000})
	aggs.Refresh()

	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Targets[0].ProviderID != "alpha" {
		t.Fatalf("measured target first, got %v", res.Targets)
	}
}

func TestPerformanceSelectorRanksUntestedBest(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, _, aggs := newRouter(clock)
	snap := testSnapshot(config.SelectorPerformance, false)

	aggs.Add(gateway.PerformanceSample{ProviderID: "alpha", UpstreamModel: "a-1", TS: clock.Now(), TokensPerSec: 80})
	aggs.Refresh()

	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	// beta has no telemetry yet; a maximizing selector tries it first.
	if res.Targets[0].ProviderID != "beta" {
		t.Fatalf("untested target first, got %v", res.Targets)
	}
}

func TestUsageSelectorPrefersLeastUsed(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, _, aggs := newRouter(clock)
	snap := testSnapshot(config.SelectorUsage, false)

	for i := 0; i < 5; i++ {
		aggs.Add(gateway.PerformanceSample{ProviderID: "alpha", UpstreamModel: "a-1", TS: clock.Now(), TTFTMs: 100})
	}
	aggs.Add(gateway.PerformanceSample{ProviderID: "beta", UpstreamModel: "b-1", TS: clock.Now(), TTFTMs: 100})
	aggs.Refresh()

	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Targets[0].ProviderID != "beta" {
		t.Fatalf("least used first, got %v", res.Targets)
	}
}

func TestUsageSelectorHonorsWindow(t *testing.T) {
	t.Parallel()
	clock := testutil.NewClock(time.Now())
	r, _, aggs := newRouter(clock)
	snap := testSnapshot(config.SelectorUsage, false)
	snap.Aliases["fast"].UsageWindow = 10 * time.Minute

	// alpha carried the bulk of traffic 45 minutes ago; beta took the only
	// recent request. A 10-minute window sees only the recent one.
	for i := 0; i < 5; i++ {
		aggs.Add(gateway.PerformanceSample{ProviderID: "alpha", UpstreamModel: "a-1", TS: clock.Now(), TTFTMs: 100})
	}
	clock.Advance(45 * time.Minute)
	aggs.Add(gateway.PerformanceSample{ProviderID: "beta", UpstreamModel: "b-1", TS: clock.Now(), TTFTMs: 100})
	aggs.Refresh()

	res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Targets[0].ProviderID != "alpha" {
		t.Fatalf("stale usage must not count inside the window, got %v", res.Targets)
	}
}

func TestRandomSelectorRespectsWeights(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(nil)
	snap := testSnapshot(config.SelectorRandom, false)
	alias := snap.Aliases["fast"]
	alias.Targets[0].Weight = 100
	alias.Targets[1].Weight = 1

	heavyFirst := 0
	for i := 0; i < 100; i++ {
		res, err := r.Resolve(snap, "fast", gateway.FamilyChat)
		if err != nil {
			t.Fatal(err)
		}
		if res.Targets[0].ProviderID == "alpha" {
			heavyFirst++
		}
	}
	// 100:1 odds; anything near even is a weighting bug.
	if heavyFirst < 80 {
		t.Fatalf("weight-100 target led only %d/100 shuffles", heavyFirst)
	}
}
