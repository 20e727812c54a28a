// Package database holds the Postgres-backed provider table and account source.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const connectTimeout = 5 * time.Second

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// New opens a Postgres connection pool and verifies it is reachable
func New(databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: sqlDB}, nil
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS oauth2_providers (
		issuer        TEXT PRIMARY KEY,
		client_id     TEXT NOT NULL DEFAULT '',
		client_secret TEXT,
		auth_url      TEXT NOT NULL,
		token_url     TEXT NOT NULL,
		redirect_uri  TEXT NOT NULL,
		use_pkce      BOOLEAN NOT NULL DEFAULT FALSE,
		scope         TEXT NOT NULL DEFAULT '',
		hostnames     TEXT[] NOT NULL DEFAULT '{}',
		registered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mail_accounts (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mail_identities (
		account_id TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		email      TEXT NOT NULL,
		PRIMARY KEY (account_id, position)
	)`,
}

// EnsureSchema creates the tables this service uses when they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
