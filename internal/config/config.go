// Package config handles YAML configuration loading with environment variable
// expansion, validation, and atomic snapshot swapping.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/mstiller/switchboard/internal/pricing"
)

// File is the top-level YAML document.
type File struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
	Aliases   []AliasEntry    `yaml:"aliases"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// DispatchConfig tunes the failover loop.
type DispatchConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // cap on failover chain length, default 4
}

// RetentionConfig sets per-stream journal retention.
type RetentionConfig struct {
	Usage time.Duration `yaml:"usage"`
	Error time.Duration `yaml:"error"`
	Debug time.Duration `yaml:"debug"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	ID             string                `yaml:"id"`
	Name           string                `yaml:"name"`
	Enabled        *bool                 `yaml:"enabled"` // nil = true
	APIBase        map[string]string     `yaml:"api_base"` // family -> URL, or the oauth:// sentinel
	APIKey         string                `yaml:"api_key"`  // {env:NAME} placeholders allowed
	OAuth          *OAuthEntry           `yaml:"oauth"`
	Headers        map[string]string     `yaml:"headers"`
	ExtraBody      map[string]any        `yaml:"extra_body"`
	Discount       float64               `yaml:"discount"`
	EstimateTokens bool                  `yaml:"estimate_tokens"`
	Models         map[string]ModelEntry `yaml:"models"`
}

// OAuthEntry names the credential bundle a provider authenticates with.
type OAuthEntry struct {
	ProviderKind string `yaml:"provider_kind"`
	AccountID    string `yaml:"account_id"`
}

// ModelEntry describes one upstream model a provider serves.
type ModelEntry struct {
	Kind      string       `yaml:"kind"`       // chat, embeddings, transcriptions, speech, image, responses
	AccessVia []string     `yaml:"access_via"` // empty = all families the provider serves
	Pricing   pricing.Spec `yaml:"pricing"`
}

// AliasEntry maps a client-facing model name to provider targets.
type AliasEntry struct {
	ID          string        `yaml:"id"`
	Aliases     []string      `yaml:"aliases"`
	Targets     []TargetEntry `yaml:"targets"`
	Selector    string        `yaml:"selector"` // random, in_order, cost, latency, performance, usage
	Priority    string        `yaml:"priority"` // selector (default) or api_match
	UsageWindow time.Duration `yaml:"usage_window"`
}

// TargetEntry is a single alias target.
type TargetEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Weight   int    `yaml:"weight"`
}

// KeyEntry is a client API key.
type KeyEntry struct {
	Name        string `yaml:"name"`
	Secret      string `yaml:"secret"` // {env:NAME} placeholders allowed
	Enabled     *bool  `yaml:"enabled"`
	Attribution string `yaml:"attribution"`
}

var envPattern = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces {env:NAME} with the environment value. Missing variables
// are left verbatim; Build marks the owning provider disabled in that case.
func expandEnv(s string) (string, bool) {
	missing := false
	out := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = true
		return match
	})
	return out, missing
}

// Load reads, parses, and validates a YAML config file into a Snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated Snapshot from raw YAML.
func Parse(data []byte) (*Snapshot, error) {
	f := &File{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streams must outlive any fixed write deadline
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "switchboard.db"},
		Dispatch: DispatchConfig{MaxAttempts: 4},
		Retention: RetentionConfig{
			Usage: 90 * 24 * time.Hour,
			Error: 14 * 24 * time.Hour,
			Debug: 24 * time.Hour,
		},
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Build(f)
}

// marshalExtraBody converts the YAML extra_body map to canonical JSON once at
// load so the dispatcher can deep-merge it without re-encoding per request.
func marshalExtraBody(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("extra_body: %w", err)
	}
	return b, nil
}

// IsEnabled reports whether the entry is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// IsEnabled reports whether the key is enabled (defaults to true when nil).
func (k KeyEntry) IsEnabled() bool { return k.Enabled == nil || *k.Enabled }
