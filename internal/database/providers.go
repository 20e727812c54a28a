package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/registry"
	"github.com/lib/pq"
)

var (
	_ registry.Table    = (*ProviderRepository)(nil)
	_ registry.Replacer = (*ProviderRepository)(nil)
	_ registry.Lister   = (*ProviderRepository)(nil)
)

const providerColumns = `issuer, client_id, client_secret, auth_url, token_url, redirect_uri, use_pkce, scope, hostnames, registered_at`

// ProviderRepository is the OAuth2 provider table stored in Postgres
type ProviderRepository struct {
	db *DB
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*models.ProviderEntry, error) {
	e := &models.ProviderEntry{}
	var secret sql.NullString
	var hostnames pq.StringArray
	err := row.Scan(
		&e.Issuer,
		&e.ClientID,
		&secret,
		&e.AuthURL,
		&e.TokenURL,
		&e.RedirectURI,
		&e.UsePKCE,
		&e.Scope,
		&hostnames,
		&e.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	if secret.Valid {
		s := secret.String
		e.ClientSecret = &s
	}
	e.Hostnames = []string(hostnames)
	return e, nil
}

// Lookup implements registry.Table
func (r *ProviderRepository) Lookup(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM oauth2_providers WHERE issuer = $1`, issuer)
	e, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup provider: %w", err)
	}
	return e, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// replaceConflict overwrites every column of an existing row in the same statement
const replaceConflict = `
		ON CONFLICT (issuer) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			auth_url = EXCLUDED.auth_url,
			token_url = EXCLUDED.token_url,
			redirect_uri = EXCLUDED.redirect_uri,
			use_pkce = EXCLUDED.use_pkce,
			scope = EXCLUDED.scope,
			hostnames = EXCLUDED.hostnames,
			registered_at = EXCLUDED.registered_at`

// insertProvider writes e; onConflict is appended to the INSERT
func insertProvider(ctx context.Context, ex execer, e *models.ProviderEntry, onConflict string) error {
	var secret sql.NullString
	if e.ClientSecret != nil {
		secret = sql.NullString{String: *e.ClientSecret, Valid: true}
	}
	hostnames := e.Hostnames
	if hostnames == nil {
		hostnames = []string{}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO oauth2_providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`+onConflict,
		e.Issuer, e.ClientID, secret, e.AuthURL, e.TokenURL, e.RedirectURI, e.UsePKCE, e.Scope, pq.Array(hostnames), e.RegisteredAt)
	return err
}

// isUniqueViolation reports a primary key conflict
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Register implements registry.Table. Registering an issuer that is present fails.
func (r *ProviderRepository) Register(ctx context.Context, entry *models.ProviderEntry) error {
	if err := insertProvider(ctx, r.db, entry, ""); err != nil {
		if isUniqueViolation(err) {
			return registry.ErrAlreadyRegistered
		}
		return fmt.Errorf("register provider: %w", err)
	}
	return nil
}

// Unregister implements registry.Table
func (r *ProviderRepository) Unregister(ctx context.Context, issuer string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM oauth2_providers WHERE issuer = $1`, issuer); err != nil {
		return fmt.Errorf("unregister provider: %w", err)
	}
	return nil
}

// Replace implements registry.Replacer. A single upsert keeps concurrent
// replaces of one issuer from racing each other into a key conflict.
func (r *ProviderRepository) Replace(ctx context.Context, entry *models.ProviderEntry) error {
	if err := insertProvider(ctx, r.db, entry, replaceConflict); err != nil {
		return fmt.Errorf("replace provider: %w", err)
	}
	return nil
}

// List implements registry.Lister, ordered by issuer
func (r *ProviderRepository) List(ctx context.Context) ([]*models.ProviderEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM oauth2_providers ORDER BY issuer`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ProviderEntry
	for rows.Next() {
		e, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}
