package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/sheetvault/internal/credential"
)

type credentialRow struct {
	Identity      string       `db:"identity"`
	AccessToken   string       `db:"access_token"`
	RefreshToken  string       `db:"refresh_token"`
	TokenEndpoint string       `db:"token_endpoint"`
	ClientID      string       `db:"client_id"`
	ClientSecret  string       `db:"client_secret"`
	Scopes        string       `db:"scopes"`
	Expiry        sql.NullTime `db:"expiry"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r credentialRow) record() credential.Record {
	rec := credential.Record{
		Identity:      r.Identity,
		AccessToken:   r.AccessToken,
		RefreshToken:  r.RefreshToken,
		TokenEndpoint: r.TokenEndpoint,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
	}
	if r.Scopes != "" {
		rec.Scopes = strings.Fields(r.Scopes)
	}
	if r.Expiry.Valid {
		rec.Expiry = r.Expiry.Time.UTC()
	}
	return rec
}

const credentialColumns = `identity, access_token, refresh_token, token_endpoint,
	client_id, client_secret, scopes, expiry, created_at, updated_at`

// GetCredential returns the record for identity, or nil if none exists.
func (s *Store) GetCredential(ctx context.Context, identity string) (*credential.Record, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+credentialColumns+` FROM credentials WHERE identity = ?`,
		credential.Canonical(identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

// UpsertCredential replaces the whole record for rec.Identity in one
// statement, so readers see either the old or the new record.
func (s *Store) UpsertCredential(ctx context.Context, rec credential.Record) error {
	id := credential.Canonical(rec.Identity)
	if id == "" {
		return fmt.Errorf("upsert credential: identity is required")
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_endpoint = excluded.token_endpoint,
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			scopes = excluded.scopes,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, id, rec.AccessToken, rec.RefreshToken, rec.TokenEndpoint,
		rec.ClientID, rec.ClientSecret, strings.Join(rec.Scopes, " "),
		nullTime(rec.Expiry), now, now)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// ListCredentials returns every record ordered by identity.
func (s *Store) ListCredentials(ctx context.Context) ([]credential.Record, error) {
	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY identity`); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]credential.Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// Credentials adapts the store to credential.Store.
func (s *Store) Credentials() credential.Store {
	return credentialStore{s}
}

type credentialStore struct{ s *Store }

func (c credentialStore) Get(ctx context.Context, identity string) (*credential.Record, error) {
	return c.s.GetCredential(ctx, identity)
}

func (c credentialStore) Upsert(ctx context.Context, rec credential.Record) error {
	return c.s.UpsertCredential(ctx, rec)
}

func (c credentialStore) ListAll(ctx context.Context) ([]credential.Record, error) {
	return c.s.ListCredentials(ctx)
}
