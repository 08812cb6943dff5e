package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mstiller/switchboard/internal/storage"
)

// PutCredential inserts or replaces the bundle for (provider_kind, account_id).
func (s *Store) PutCredential(ctx context.Context, rec storage.CredentialRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials
			(provider_kind, account_id, access_token, refresh_token,
			 expires_at, scope, raw, invalid, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_kind, account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			raw = excluded.raw,
			invalid = excluded.invalid,
			updated_at = excluded.updated_at`,
		rec.ProviderKind, rec.AccountID, rec.AccessToken, rec.RefreshToken,
		rec.ExpiresAt.UTC().Format(time.RFC3339), rec.Scope, rec.Raw,
		boolToInt(rec.Invalid), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetCredential loads one bundle.
func (s *Store) GetCredential(ctx context.Context, providerKind, accountID string) (*storage.CredentialRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT provider_kind, account_id, access_token, refresh_token,
			expires_at, scope, raw, invalid
		 FROM credentials WHERE provider_kind = ? AND account_id = ?`,
		providerKind, accountID,
	)
	rec, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s/%s not found", providerKind, accountID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListCredentials returns all stored bundles ordered by key.
func (s *Store) ListCredentials(ctx context.Context) ([]storage.CredentialRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider_kind, account_id, access_token, refresh_token,
			expires_at, scope, raw, invalid
		 FROM credentials ORDER BY provider_kind, account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.CredentialRecord
	for rows.Next() {
		rec, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanCredential(scan func(dest ...any) error) (*storage.CredentialRecord, error) {
	var rec storage.CredentialRecord
	var expiresAt string
	var invalid int
	err := scan(
		&rec.ProviderKind, &rec.AccountID, &rec.AccessToken, &rec.RefreshToken,
		&expiresAt, &rec.Scope, &rec.Raw, &invalid,
	)
	if err != nil {
		return nil, err
	}
	rec.Invalid = invalid != 0
	if t, e := time.Parse(time.RFC3339, expiresAt); e == nil {
		rec.ExpiresAt = t
	}
	return &rec, nil
}
