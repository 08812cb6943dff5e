package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

// InsertErrors batch-inserts error records.
func (s *Store) InsertErrors(ctx context.Context, records []gateway.ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 10
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		headers := "{}"
		if len(r.Headers) > 0 {
			if b, err := json.Marshal(r.Headers); err == nil {
				headers = string(b)
			}
		}
		args = append(args,
			r.RequestID, r.TS.UTC().Format(time.RFC3339), string(r.Kind),
			r.ProviderID, r.UpstreamModel, r.StatusCode,
			r.Message, r.Stack, headers, r.ProviderResponse,
		)
	}

	query := `INSERT INTO error_records
		(request_id, ts, kind, provider_id, upstream_model, status_code,
		 message, stack, headers, provider_response)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// DeleteErrorsBefore removes error records older than the cutoff.
func (s *Store) DeleteErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM error_records WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
