package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intp(v int) *int { return &v }

func TestOpenAndPing(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestUsageRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	records := []gateway.UsageRecord{
		{
			RequestID: "r1", TS: now, ClientKeyName: "team-a",
			AliasRequested: "fast-latest", AliasUsed: "fast",
			ProviderID: "alpha", UpstreamModel: "a-1",
			APIFamilyIn: gateway.FamilyChat, APIFamilyOut: gateway.FamilyMessages,
			PromptTokens: intp(120), CompletionTokens: intp(50),
			CachedTokens: 10, CostUSD: 0.0042,
			TTFTMs: 210, TotalMs: 900, TokensPerSec: 55.5,
			Streamed: true, OK: true,
		},
		{
			// Unknown token counts persist as NULL, not zero.
			RequestID: "r2", TS: now.Add(time.Second), ClientKeyName: "team-a",
			AliasUsed: "fast", ProviderID: "beta", UpstreamModel: "b-1",
			APIFamilyIn: gateway.FamilyChat, APIFamilyOut: gateway.FamilyChat,
			OK: false, Reason: "upstream_error",
		},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}

	var nulls int
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE prompt_tokens IS NULL`).Scan(&nulls); err != nil {
		t.Fatal(err)
	}
	if nulls != 1 {
		t.Fatalf("NULL prompt_tokens rows = %d, want 1", nulls)
	}
}

func TestDeleteUsageBefore(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	records := []gateway.UsageRecord{
		{RequestID: "old", TS: now.Add(-48 * time.Hour), APIFamilyIn: gateway.FamilyChat, APIFamilyOut: gateway.FamilyChat},
		{RequestID: "new", TS: now, APIFamilyIn: gateway.FamilyChat, APIFamilyOut: gateway.FamilyChat},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteUsageBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}

	var id string
	if err := s.read.QueryRowContext(ctx, `SELECT request_id FROM usage_records`).Scan(&id); err != nil {
		t.Fatal(err)
	}
	if id != "new" {
		t.Fatalf("survivor = %q", id)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	records := []gateway.ErrorRecord{
		{
			RequestID: "r1", TS: now, Kind: gateway.KindUpstreamServerError,
			ProviderID: "alpha", UpstreamModel: "a-1", StatusCode: 503,
			Message: "upstream unavailable",
			Headers: map[string]string{"Retry-After": "30"},
		},
	}
	if err := s.InsertErrors(ctx, records); err != nil {
		t.Fatal(err)
	}

	var headers string
	if err := s.read.QueryRowContext(ctx,
		`SELECT headers FROM error_records WHERE request_id = ?`, "r1").Scan(&headers); err != nil {
		t.Fatal(err)
	}
	if headers != `{"Retry-After":"30"}` {
		t.Fatalf("headers = %q", headers)
	}

	n, err := s.DeleteErrorsBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d", n)
	}
}

func TestDebugRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	traces := []gateway.DebugTrace{
		{
			RequestID:   "r1",
			TS:          now,
			RawRequest:  json.RawMessage(`{"model":"fast"}`),
			RawResponse: json.RawMessage(`{"id":"x"}`),
		},
	}
	if err := s.InsertDebug(ctx, traces); err != nil {
		t.Fatal(err)
	}

	var raw []byte
	if err := s.read.QueryRowContext(ctx,
		`SELECT raw_request FROM debug_traces WHERE request_id = ?`, "r1").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"model":"fast"}` {
		t.Fatalf("raw_request = %q", raw)
	}

	n, err := s.DeleteDebugBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d", n)
	}
}

func TestPerformanceRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	samples := []gateway.PerformanceSample{
		{ProviderID: "alpha", UpstreamModel: "a-1", TS: now, TTFTMs: 200, TokensPerSec: 60},
	}
	if err := s.InsertPerformance(ctx, samples); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeletePerformanceBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d", n)
	}
}

func TestCredentialUpsert(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	expires := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)

	rec := storage.CredentialRecord{
		ProviderKind: "anthropic", AccountID: "work",
		AccessToken: "at-1", RefreshToken: "rt-1",
		ExpiresAt: expires, Scope: "user:inference",
	}
	if err := s.PutCredential(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCredential(ctx, "anthropic", "work")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "at-1" || !got.ExpiresAt.Equal(expires) || got.Invalid {
		t.Fatalf("got = %+v", got)
	}

	// Same key again replaces, never duplicates.
	rec.AccessToken = "at-2"
	rec.Invalid = true
	if err := s.PutCredential(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCredential(ctx, "anthropic", "work")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "at-2" || !got.Invalid {
		t.Fatalf("after upsert = %+v", got)
	}

	list, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d entries", len(list))
	}
}

func TestGetCredentialMissing(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	if _, err := s.GetCredential(context.Background(), "anthropic", "nope"); err == nil {
		t.Fatal("expected not-found error")
	}
}
