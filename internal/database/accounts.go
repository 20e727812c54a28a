package database

import (
	"context"
	"fmt"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/scanner"
)

var _ scanner.AccountSource = (*AccountRepository)(nil)

// AccountRepository reads mail accounts and their identities from Postgres
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// ListAccounts implements scanner.AccountSource. Accounts come back in id order
// and identities in their stored position order.
func (r *AccountRepository) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.name, i.email
		FROM mail_accounts a
		LEFT JOIN mail_identities i ON i.account_id = a.id
		ORDER BY a.id, i.position
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Account
	index := make(map[string]int)
	for rows.Next() {
		var id, name string
		var email *string
		if err := rows.Scan(&id, &name, &email); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		pos, ok := index[id]
		if !ok {
			out = append(out, models.Account{ID: id, Name: name})
			pos = len(out) - 1
			index[id] = pos
		}
		if email != nil {
			out[pos].Identities = append(out[pos].Identities, models.Identity{Email: *email})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// UpsertAccount stores an account and replaces its identities
func (r *AccountRepository) UpsertAccount(ctx context.Context, account models.Account) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mail_accounts (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, account.ID, account.Name); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mail_identities WHERE account_id = $1`, account.ID); err != nil {
		return fmt.Errorf("clear identities: %w", err)
	}
	for i, identity := range account.Identities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mail_identities (account_id, position, email) VALUES ($1, $2, $3)
		`, account.ID, i, identity.Email); err != nil {
			return fmt.Errorf("insert identity: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert account: %w", err)
	}
	return nil
}
