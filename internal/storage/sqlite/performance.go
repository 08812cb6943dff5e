package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

// InsertPerformance batch-inserts per-target performance samples.
func (s *Store) InsertPerformance(ctx context.Context, samples []gateway.PerformanceSample) error {
	if len(samples) == 0 {
		return nil
	}

	const cols = 5
	placeholders := make([]string, len(samples))
	args := make([]any, 0, len(samples)*cols)

	for i, p := range samples {
		placeholders[i] = "(?, ?, ?, ?, ?)"
		args = append(args,
			p.ProviderID, p.UpstreamModel, p.TS.UTC().Format(time.RFC3339),
			p.TTFTMs, p.TokensPerSec,
		)
	}

	query := `INSERT INTO performance_samples
		(provider_id, upstream_model, ts, ttft_ms, tokens_per_sec)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// DeletePerformanceBefore removes samples older than the cutoff.
func (s *Store) DeletePerformanceBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM performance_samples WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
