package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/pricing"
)

// OAuthSentinel in an api_base value marks a family as reachable only through
// the OAuth-authenticated endpoint the credential bundle carries.
const OAuthSentinel = "oauth://"

// Selector names accepted in alias entries.
const (
	SelectorRandom      = "random"
	SelectorInOrder     = "in_order"
	SelectorCost        = "cost"
	SelectorLatency     = "latency"
	SelectorPerformance = "performance"
	SelectorUsage       = "usage"
)

// Provider is the resolved, immutable view of a provider entry.
type Provider struct {
	ID             string
	Name           string
	Enabled        bool
	APIBase        map[gateway.APIFamily]string
	APIKey         string // fully resolved; empty for OAuth providers
	OAuth          *OAuthEntry
	Headers        map[string]string
	ExtraBody      json.RawMessage
	Discount       float64
	EstimateTokens bool
	Models         map[string]Model
}

// Model is the resolved view of a model entry.
type Model struct {
	Kind      string
	AccessVia map[gateway.APIFamily]bool
	Pricing   pricing.Spec
}

// Serves reports whether the provider exposes family natively and the model
// allows access through it.
func (p *Provider) Serves(model string, family gateway.APIFamily) bool {
	m, ok := p.Models[model]
	if !ok {
		return false
	}
	if _, ok := p.APIBase[family]; !ok {
		return false
	}
	return m.AccessVia[family]
}

// Alias is the resolved view of an alias entry.
type Alias struct {
	ID          string
	Aliases     []string
	Targets     []gateway.Target
	Selector    string
	APIMatch    bool // priority: api_match
	UsageWindow time.Duration
}

// ClientKey is a resolved client API key.
type ClientKey struct {
	Name        string
	Secret      string
	Enabled     bool
	Attribution string
}

// Snapshot is the immutable configuration view every component reads.
// A new Snapshot is built on every (re)load and swapped atomically; readers
// capture the pointer once per request.
type Snapshot struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Dispatch  DispatchConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig

	Providers map[string]*Provider
	Aliases   map[string]*Alias // canonical id -> alias
	AliasIdx  map[string]string // canonical + additional -> canonical id
	Keys      []ClientKey
}

// Build validates a parsed File and produces a Snapshot. Validation failures
// abort before any request is served; a missing {env:NAME} only disables the
// owning provider or key with a warning.
func Build(f *File) (*Snapshot, error) {
	snap := &Snapshot{
		Server:    f.Server,
		Database:  f.Database,
		Dispatch:  f.Dispatch,
		Retention: f.Retention,
		Telemetry: f.Telemetry,
		Providers: make(map[string]*Provider, len(f.Providers)),
		Aliases:   make(map[string]*Alias, len(f.Aliases)),
		AliasIdx:  make(map[string]string, len(f.Aliases)),
	}
	if snap.Dispatch.MaxAttempts <= 0 {
		snap.Dispatch.MaxAttempts = 4
	}

	for _, pe := range f.Providers {
		p, err := buildProvider(pe)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.Providers[p.ID]; dup {
			return nil, fmt.Errorf("provider %q declared twice", p.ID)
		}
		snap.Providers[p.ID] = p
	}

	for _, ae := range f.Aliases {
		a, err := buildAlias(ae, snap.Providers)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.AliasIdx[a.ID]; dup {
			return nil, fmt.Errorf("alias %q collides with an existing alias", a.ID)
		}
		snap.Aliases[a.ID] = a
		snap.AliasIdx[a.ID] = a.ID
		for _, extra := range a.Aliases {
			if _, dup := snap.AliasIdx[extra]; dup {
				return nil, fmt.Errorf("alias %q collides with an existing alias", extra)
			}
			if strings.Contains(extra, "/") {
				return nil, fmt.Errorf("alias %q must not contain '/'", extra)
			}
			snap.AliasIdx[extra] = a.ID
		}
	}

	for _, ke := range f.Keys {
		if ke.Name == "" || ke.Secret == "" {
			return nil, fmt.Errorf("client key needs name and secret")
		}
		secret, missing := expandEnv(ke.Secret)
		enabled := ke.IsEnabled()
		if missing {
			slog.Warn("client key secret references missing env var, disabling", "key", ke.Name)
			enabled = false
		}
		snap.Keys = append(snap.Keys, ClientKey{
			Name:        ke.Name,
			Secret:      secret,
			Enabled:     enabled,
			Attribution: ke.Attribution,
		})
	}

	return snap, nil
}

func buildProvider(pe ProviderEntry) (*Provider, error) {
	if pe.ID == "" {
		return nil, fmt.Errorf("provider needs an id")
	}
	if strings.Contains(pe.ID, "/") {
		return nil, fmt.Errorf("provider id %q must not contain '/'", pe.ID)
	}
	hasKey := pe.APIKey != ""
	hasOAuth := pe.OAuth != nil
	if hasKey == hasOAuth {
		return nil, fmt.Errorf("provider %q: exactly one of api_key and oauth must be set", pe.ID)
	}
	if hasOAuth && (pe.OAuth.ProviderKind == "" || pe.OAuth.AccountID == "") {
		return nil, fmt.Errorf("provider %q: oauth needs provider_kind and account_id", pe.ID)
	}
	if len(pe.APIBase) == 0 {
		return nil, fmt.Errorf("provider %q: api_base is empty", pe.ID)
	}

	p := &Provider{
		ID:             pe.ID,
		Name:           pe.Name,
		Enabled:        pe.IsEnabled(),
		APIBase:        make(map[gateway.APIFamily]string, len(pe.APIBase)),
		OAuth:          pe.OAuth,
		Headers:        pe.Headers,
		Discount:       pe.Discount,
		EstimateTokens: pe.EstimateTokens,
		Models:         make(map[string]Model, len(pe.Models)),
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Discount < 0 || p.Discount > 1 {
		return nil, fmt.Errorf("provider %q: discount %v out of [0,1]", pe.ID, p.Discount)
	}

	for fam, base := range pe.APIBase {
		family := gateway.APIFamily(fam)
		if !family.Valid() {
			return nil, fmt.Errorf("provider %q: unknown api family %q", pe.ID, fam)
		}
		p.APIBase[family] = strings.TrimRight(base, "/")
		if base == OAuthSentinel && !hasOAuth {
			return nil, fmt.Errorf("provider %q: oauth:// base requires oauth auth", pe.ID)
		}
	}

	if hasKey {
		key, missing := expandEnv(pe.APIKey)
		if missing {
			slog.Warn("provider api key references missing env var, disabling", "provider", pe.ID)
			p.Enabled = false
		}
		p.APIKey = key
	}

	extra, err := marshalExtraBody(pe.ExtraBody)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", pe.ID, err)
	}
	p.ExtraBody = extra

	for name, me := range pe.Models {
		m, err := buildModel(pe.ID, name, me, p.APIBase)
		if err != nil {
			return nil, err
		}
		p.Models[name] = m
	}
	return p, nil
}

func buildModel(providerID, name string, me ModelEntry, bases map[gateway.APIFamily]string) (Model, error) {
	kind := me.Kind
	if kind == "" {
		kind = "chat"
	}
	switch kind {
	case "chat", "embeddings", "transcriptions", "speech", "image", "responses":
	default:
		return Model{}, fmt.Errorf("provider %q model %q: unknown kind %q", providerID, name, kind)
	}

	m := Model{Kind: kind, AccessVia: make(map[gateway.APIFamily]bool)}
	if len(me.AccessVia) == 0 {
		// Default: every family the provider serves.
		for fam := range bases {
			m.AccessVia[fam] = true
		}
	} else {
		for _, fam := range me.AccessVia {
			family := gateway.APIFamily(fam)
			if !family.Valid() {
				return Model{}, fmt.Errorf("provider %q model %q: unknown access_via %q", providerID, name, fam)
			}
			m.AccessVia[family] = true
		}
	}

	m.Pricing = me.Pricing
	if m.Pricing.Kind == "" {
		// Unpriced models cost 0; usage is still journaled.
		m.Pricing = pricing.Spec{Kind: pricing.KindSimple, Simple: &pricing.Simple{}}
	}
	if err := m.Pricing.Validate(); err != nil {
		return Model{}, fmt.Errorf("provider %q model %q: %w", providerID, name, err)
	}
	return m, nil
}

func buildAlias(ae AliasEntry, providers map[string]*Provider) (*Alias, error) {
	if ae.ID == "" {
		return nil, fmt.Errorf("alias needs an id")
	}
	if strings.Contains(ae.ID, "/") {
		return nil, fmt.Errorf("alias %q must not contain '/'", ae.ID)
	}
	if len(ae.Targets) == 0 {
		return nil, fmt.Errorf("alias %q has no targets", ae.ID)
	}

	a := &Alias{
		ID:          ae.ID,
		Aliases:     ae.Aliases,
		Selector:    ae.Selector,
		UsageWindow: ae.UsageWindow,
	}
	if a.Selector == "" {
		a.Selector = SelectorInOrder
	}
	switch a.Selector {
	case SelectorRandom, SelectorInOrder, SelectorCost, SelectorLatency, SelectorPerformance, SelectorUsage:
	default:
		return nil, fmt.Errorf("alias %q: unknown selector %q", ae.ID, ae.Selector)
	}
	switch ae.Priority {
	case "", "selector":
	case "api_match":
		a.APIMatch = true
	default:
		return nil, fmt.Errorf("alias %q: unknown priority %q", ae.ID, ae.Priority)
	}
	if a.UsageWindow <= 0 {
		a.UsageWindow = time.Hour
	}

	for _, te := range ae.Targets {
		p, ok := providers[te.Provider]
		if !ok {
			return nil, fmt.Errorf("alias %q: unknown provider %q", ae.ID, te.Provider)
		}
		if _, ok := p.Models[te.Model]; !ok {
			return nil, fmt.Errorf("alias %q: provider %q has no model %q", ae.ID, te.Provider, te.Model)
		}
		w := te.Weight
		if w <= 0 {
			w = 1
		}
		a.Targets = append(a.Targets, gateway.Target{ProviderID: te.Provider, Model: te.Model, Weight: w})
	}
	return a, nil
}
