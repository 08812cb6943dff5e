// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

// UsageStore persists usage records, the accounting source of truth.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrorStore persists error records.
type ErrorStore interface {
	InsertErrors(ctx context.Context, records []gateway.ErrorRecord) error
	DeleteErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DebugStore persists debug traces.
type DebugStore interface {
	InsertDebug(ctx context.Context, traces []gateway.DebugTrace) error
	DeleteDebugBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PerformanceStore persists per-target performance samples.
type PerformanceStore interface {
	InsertPerformance(ctx context.Context, samples []gateway.PerformanceSample) error
	DeletePerformanceBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialRecord is a stored OAuth credential bundle.
type CredentialRecord struct {
	ProviderKind string
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Raw          string
	Invalid      bool
}

// CredentialStore persists OAuth credential bundles keyed by
// (providerKind, accountID).
type CredentialStore interface {
	PutCredential(ctx context.Context, rec CredentialRecord) error
	GetCredential(ctx context.Context, providerKind, accountID string) (*CredentialRecord, error)
	ListCredentials(ctx context.Context) ([]CredentialRecord, error)
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	ErrorStore
	DebugStore
	PerformanceStore
	CredentialStore
	Ping(ctx context.Context) error
	Close() error
}
