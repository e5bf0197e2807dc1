package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently on startup. Amounts are BIGINT cents.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		telegram_id BIGINT PRIMARY KEY,
		username VARCHAR(255) NOT NULL DEFAULT '',
		balance BIGINT NOT NULL,
		last_checkin VARCHAR(8) NOT NULL DEFAULT '',
		checkin_streak INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(telegram_id) ON DELETE CASCADE,
		amount BIGINT NOT NULL,
		type VARCHAR(50) NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(type)`,
	`CREATE INDEX IF NOT EXISTS idx_users_balance ON users(balance DESC)`,
}

// Migrate creates the tables and indexes the repositories rely on.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
