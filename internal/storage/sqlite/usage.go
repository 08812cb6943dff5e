package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.RequestID, r.TS.UTC().Format(time.RFC3339),
			r.ClientKeyName, r.AliasRequested, r.AliasUsed,
			r.ProviderID, r.UpstreamModel,
			string(r.APIFamilyIn), string(r.APIFamilyOut),
			intPtr(r.PromptTokens), intPtr(r.CompletionTokens),
			r.CachedTokens, r.CacheWriteTokens, r.CostUSD,
			r.TTFTMs, r.TotalMs, r.TokensPerSec,
			boolToInt(r.Streamed), boolToInt(r.OK), r.Reason,
		)
	}

	query := `INSERT INTO usage_records
		(request_id, ts, client_key_name, alias_requested, alias_used,
		 provider_id, upstream_model, api_family_in, api_family_out,
		 prompt_tokens, completion_tokens, cached_tokens, cache_write_tokens,
		 cost_usd, ttft_ms, total_ms, tokens_per_sec, streamed, ok, reason)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// DeleteUsageBefore removes usage records older than the cutoff and reports
// how many were dropped.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// intPtr maps a nil pointer to SQL NULL, distinguishing "unknown" from zero.
func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
