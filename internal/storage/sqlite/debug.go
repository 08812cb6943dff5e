package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

// InsertDebug batch-inserts debug traces. Bodies land as BLOBs untouched.
func (s *Store) InsertDebug(ctx context.Context, traces []gateway.DebugTrace) error {
	if len(traces) == 0 {
		return nil
	}

	const cols = 6
	placeholders := make([]string, len(traces))
	args := make([]any, 0, len(traces)*cols)

	for i, t := range traces {
		placeholders[i] = "(?, ?, ?, ?, ?, ?)"
		args = append(args,
			t.RequestID, t.TS.UTC().Format(time.RFC3339),
			[]byte(t.RawRequest), []byte(t.TransformedRequest),
			[]byte(t.RawResponse), []byte(t.TransformedResponse),
		)
	}

	query := `INSERT INTO debug_traces
		(request_id, ts, raw_request, transformed_request, raw_response, transformed_response)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// DeleteDebugBefore removes debug traces older than the cutoff.
func (s *Store) DeleteDebugBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM debug_traces WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
