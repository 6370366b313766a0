/**
 * @description
 * Embedded schema for the wallet-service tables, applied idempotently at
 * startup. The service owns the ledger-facing tables only; experience rows are
 * created by the experience subsystem, this schema just guarantees the table
 * shape the workflows depend on.
 */

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		uid            TEXT PRIMARY KEY,
		wallet_balance BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS experiences (
		id                   TEXT PRIMARY KEY,
		host_id              TEXT NOT NULL,
		max_participants     INTEGER NOT NULL,
		seats_remaining      INTEGER NOT NULL,
		coin_price           BIGINT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'draft',
		participants_started INTEGER NOT NULL DEFAULT 0,
		chat_id              TEXT,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT experiences_seats_range CHECK (seats_remaining >= 0 AND seats_remaining <= max_participants)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		type          TEXT NOT NULL,
		amount        BIGINT NOT NULL,
		experience_id TEXT,
		ticket_no     TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_user_created_idx ON transactions (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS escrows (
		experience_id TEXT PRIMARY KEY,
		total_coins   BIGINT NOT NULL DEFAULT 0,
		released      BOOLEAN NOT NULL DEFAULT FALSE,
		released_at   TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT escrows_total_non_negative CHECK (total_coins >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id            UUID PRIMARY KEY,
		experience_id TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		ticket_no     TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		started       BOOLEAN NOT NULL DEFAULT FALSE,
		started_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT tickets_one_per_user UNIQUE (experience_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_members (
		id        UUID PRIMARY KEY,
		chat_id   TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT chat_members_one_per_user UNIQUE (chat_id, user_id)
	)`,
}

// EnsureSchema applies the embedded DDL. Statements are idempotent, so this is
// safe to run on every boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
