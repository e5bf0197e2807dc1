// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/money"
)

// Common errors for repository operations.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrAlreadyCheckedIn = errors.New("already checked in today")
)

const userColumns = `telegram_id, username, balance, last_checkin, checkin_streak, created_at, updated_at`

// UserRepository handles user data persistence.
// Every balance write is a single statement so concurrent increments
// never lose updates.
type UserRepository struct {
	pool           *pgxpool.Pool
	defaultBalance money.Cents
}

// NewUserRepository creates a new UserRepository instance. Missing users
// are materialized with defaultBalance on first touch.
func NewUserRepository(pool *pgxpool.Pool, defaultBalance money.Cents) *UserRepository {
	return &UserRepository{pool: pool, defaultBalance: defaultBalance}
}

// DefaultBalance returns the starting stake for new users.
func (r *UserRepository) DefaultBalance() money.Cents {
	return r.defaultBalance
}

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.TelegramID,
		&user.Username,
		&user.Balance,
		&user.LastCheckin,
		&user.CheckinStreak,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrInit returns the balance of a user, inserting the default when
// the user does not exist yet. created reports whether this call inserted.
func (r *UserRepository) GetOrInit(ctx context.Context, telegramID int64) (balance money.Cents, created bool, err error) {
	const insert = `
		INSERT INTO users (telegram_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (telegram_id) DO NOTHING
		RETURNING balance
	`
	err = r.pool.QueryRow(ctx, insert, telegramID, r.defaultBalance).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to init user: %w", err)
	}

	const query = `SELECT balance FROM users WHERE telegram_id = $1`
	if err := r.pool.QueryRow(ctx, query, telegramID).Scan(&balance); err != nil {
		return 0, false, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, false, nil
}

// GetByID retrieves a user by their Telegram ID.
// Returns ErrUserNotFound if the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, telegramID int64) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// AddBalance atomically adds delta to a user's balance, initializing the
// user with the default stake first if absent. Returns the new balance.
func (r *UserRepository) AddBalance(ctx context.Context, telegramID int64, delta money.Cents) (money.Cents, error) {
	const query = `
		INSERT INTO users (telegram_id, balance)
		VALUES ($1, $2::BIGINT + $3::BIGINT)
		ON CONFLICT (telegram_id) DO UPDATE
		SET balance = users.balance + $3::BIGINT, updated_at = NOW()
		RETURNING balance
	`

	var balance money.Cents
	if err := r.pool.QueryRow(ctx, query, telegramID, r.defaultBalance, delta).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	return balance, nil
}

// SetBalance sets a user's balance to an exact value, creating the user if
// needed. Returns the previous balance.
func (r *UserRepository) SetBalance(ctx context.Context, telegramID int64, balance money.Cents) (money.Cents, error) {
	const query = `
		WITH prev AS (
			SELECT balance FROM users WHERE telegram_id = $1 FOR UPDATE
		)
		INSERT INTO users (telegram_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (telegram_id) DO UPDATE
		SET balance = EXCLUDED.balance, updated_at = NOW()
		RETURNING COALESCE((SELECT balance FROM prev), $3::BIGINT)
	`

	var previous money.Cents
	if err := r.pool.QueryRow(ctx, query, telegramID, balance, r.defaultBalance).Scan(&previous); err != nil {
		return 0, fmt.Errorf("failed to set balance: %w", err)
	}
	return previous, nil
}

// UpdateUsername records the display name last seen for a user.
func (r *UserRepository) UpdateUsername(ctx context.Context, telegramID int64, username string) error {
	const query = `
		INSERT INTO users (telegram_id, username, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id) DO UPDATE
		SET username = EXCLUDED.username, updated_at = NOW()
		WHERE users.username IS DISTINCT FROM EXCLUDED.username
	`

	if _, err := r.pool.Exec(ctx, query, telegramID, username, r.defaultBalance); err != nil {
		return fmt.Errorf("failed to update username: %w", err)
	}
	return nil
}

// RecordCheckin credits a check-in reward and stores the day key and the
// new streak in one statement. It returns ErrAlreadyCheckedIn when day was
// already recorded, so two racing check-ins credit at most once.
func (r *UserRepository) RecordCheckin(ctx context.Context, telegramID int64, day string, streak int, credit money.Cents) (money.Cents, error) {
	const query = `
		UPDATE users
		SET balance = balance + $4::BIGINT, last_checkin = $2, checkin_streak = $3, updated_at = NOW()
		WHERE telegram_id = $1 AND last_checkin IS DISTINCT FROM $2
		RETURNING balance
	`

	var balance money.Cents
	err := r.pool.QueryRow(ctx, query, telegramID, day, streak, credit).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAlreadyCheckedIn
		}
		return 0, fmt.Errorf("failed to record checkin: %w", err)
	}
	return balance, nil
}

// GetTopUsers retrieves the top N users by balance.
func (r *UserRepository) GetTopUsers(ctx context.Context, limit int) ([]*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY balance DESC, telegram_id LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}
