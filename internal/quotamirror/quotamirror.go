// Package quotamirror maintains a read-only mirror of external pricing and
// account quota data: the OpenRouter model catalog (for cost-based routing of
// openrouter-priced models) and provider credit balances (for the admin
// surface). The mirror never sits on a request path; requests read the last
// snapshot.
package quotamirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
)

const (
	refreshInterval = 5 * time.Minute
	catalogURL      = "https://openrouter.ai/api/v1/models"
	creditsPath     = "/credits"
	fetchTimeout    = 30 * time.Second
	maxBodySize     = 8 << 20
)

// SlugPrice is the per-million-token price pair for one catalog slug.
type SlugPrice struct {
	Input  float64
	Output float64
}

// Quota is one provider's account balance as last observed.
type Quota struct {
	ProviderID string    `json:"provider_id"`
	Used       float64   `json:"used"`
	Limit      float64   `json:"limit"` // 0 when the account is uncapped
	FetchedAt  time.Time `json:"fetched_at"`
}

// Snapshot is an immutable view of the mirror.
type Snapshot struct {
	Prices    map[string]SlugPrice
	Quotas    map[string]Quota
	FetchedAt time.Time
}

// Mirror fetches the catalog and quota data on a ticker and publishes
// snapshots atomically. Implements pricing.SlugPrices.
type Mirror struct {
	source *config.Source
	client *http.Client
	clock  gateway.Clock
	snap   atomic.Pointer[Snapshot]
}

// New creates a Mirror. client may be nil.
func New(source *config.Source, client *http.Client, clock gateway.Clock) *Mirror {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if clock == nil {
		clock = gateway.SystemClock{}
	}
	m := &Mirror{source: source, client: client, clock: clock}
	m.snap.Store(&Snapshot{Prices: map[string]SlugPrice{}, Quotas: map[string]Quota{}})
	return m
}

// Current returns the latest snapshot. Never nil.
func (m *Mirror) Current() *Snapshot {
	return m.snap.Load()
}

// SlugPrice returns per-million-token prices for an OpenRouter slug.
func (m *Mirror) SlugPrice(slug string) (input, output float64, ok bool) {
	p, ok := m.Current().Prices[slug]
	return p.Input, p.Output, ok
}

// Name returns the worker identifier.
func (m *Mirror) Name() string { return "quota_mirror" }

// Run fetches once at startup, then on a ticker. Implements worker.Worker.
func (m *Mirror) Run(ctx context.Context) error {
	m.refresh(ctx)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Mirror) refresh(ctx context.Context) {
	next := &Snapshot{
		Prices:    m.Current().Prices,
		Quotas:    make(map[string]Quota),
		FetchedAt: m.clock.Now(),
	}

	if prices, err := m.fetchCatalog(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "catalog refresh failed",
			slog.String("error", err.Error()),
		)
	} else {
		next.Prices = prices
	}

	snap := m.source.Current()
	for id, p := range snap.Providers {
		if !p.Enabled || p.APIKey == "" || !hasCreditsEndpoint(p) {
			continue
		}
		q, err := m.fetchCredits(ctx, p)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "quota refresh failed",
				slog.String("provider", id),
				slog.String("error", err.Error()),
			)
			// Keep the stale reading rather than dropping it.
			if prev, ok := m.Current().Quotas[id]; ok {
				next.Quotas[id] = prev
			}
			continue
		}
		q.ProviderID = id
		q.FetchedAt = m.clock.Now()
		next.Quotas[id] = q
	}

	m.snap.Store(next)
}

// fetchCatalog pulls the OpenRouter model list and converts its per-token
// string prices to per-million floats.
func (m *Mirror) fetchCatalog(ctx context.Context) (map[string]SlugPrice, error) {
	body, err := m.getJSON(ctx, catalogURL, "")
	if err != nil {
		return nil, err
	}
	prices := make(map[string]SlugPrice)
	gjson.GetBytes(body, "data").ForEach(func(_, model gjson.Result) bool {
		slug := model.Get("id").String()
		in, errIn := strconv.ParseFloat(model.Get("pricing.prompt").String(), 64)
		out, errOut := strconv.ParseFloat(model.Get("pricing.completion").String(), 64)
		if slug == "" || errIn != nil || errOut != nil {
			return true
		}
		prices[slug] = SlugPrice{Input: in * 1e6, Output: out * 1e6}
		return true
	})
	if len(prices) == 0 {
		return nil, fmt.Errorf("catalog returned no usable prices")
	}
	return prices, nil
}

// hasCreditsEndpoint reports whether the provider speaks the OpenRouter
// credits API, judged by its chat base URL.
func hasCreditsEndpoint(p *config.Provider) bool {
	return strings.Contains(p.APIBase[gateway.FamilyChat], "openrouter.ai")
}

func (m *Mirror) fetchCredits(ctx context.Context, p *config.Provider) (Quota, error) {
	base := p.APIBase[gateway.FamilyChat]
	if base == "" {
		return Quota{}, fmt.Errorf("no api base")
	}
	body, err := m.getJSON(ctx, base+creditsPath, p.APIKey)
	if err != nil {
		return Quota{}, err
	}
	r := gjson.GetBytes(body, "data")
	return Quota{
		Used:  r.Get("total_usage").Float(),
		Limit: r.Get("total_credits").Float(),
	}, nil
}

func (m *Mirror) getJSON(ctx context.Context, url, bearer string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}
