// Package model defines the persistent data models of the dice arena bot.
package model

import (
	"time"

	"dice-arena-bot/internal/pkg/money"
)

// User is a Telegram user's ledger account. Balance is in cents.
type User struct {
	TelegramID    int64       `db:"telegram_id"`
	Username      string      `db:"username"`
	Balance       money.Cents `db:"balance"`
	LastCheckin   string      `db:"last_checkin"` // day key 20060102 in UTC+8, empty if never
	CheckinStreak int         `db:"checkin_streak"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

// Transaction represents a balance change record.
type Transaction struct {
	ID          int64       `db:"id"`
	UserID      int64       `db:"user_id"`
	Amount      money.Cents `db:"amount"`
	Type        string      `db:"type"`
	Description *string     `db:"description"`
	CreatedAt   time.Time   `db:"created_at"`
}

// CheckinResult reports the outcome of a daily check-in.
type CheckinResult struct {
	Reward  money.Cents
	Bonus   money.Cents
	Streak  int // streak after applying the bonus reset
	Days    int // consecutive days counted before the reset
	Balance money.Cents
}

// Transaction types for categorizing balance changes.
const (
	TxTypeInitial     = "initial"      // Default stake on first touch
	TxTypeGameEscrow  = "game_escrow"  // Wager taken on create/join
	TxTypeGamePayout  = "game_payout"  // Settlement credit
	TxTypeGameRefund  = "game_refund"  // Destroyed or aborted session
	TxTypeAttackStake = "attack_stake" // Attack pot contribution
	TxTypeAttackWin   = "attack_win"   // Attack settlement credit
	TxTypeAttackBack  = "attack_back"  // Attack refund when undefended
	TxTypeGift        = "gift"         // User-to-user gift
	TxTypeConfiscate  = "confiscate"   // Gift to a bot account
	TxTypeCheckin     = "checkin"      // Daily check-in reward
	TxTypeAdminAdd    = "admin_add"    // Admin added balance
	TxTypeAdminSub    = "admin_sub"    // Admin subtracted balance
	TxTypeAdminSet    = "admin_set"    // Admin set balance
	TxTypeRedpackSend = "redpack_send" // Red envelope funding
	TxTypeRedpackGrab = "redpack_grab" // Red envelope claim
	TxTypeRedpackBack = "redpack_back" // Red envelope expiry refund
	TxTypeStreak      = "streak"       // Consecutive win/loss adjustment
)

// GameTransactionTypes returns the transaction types produced by dice contests.
func GameTransactionTypes() []string {
	return []string{TxTypeGameEscrow, TxTypeGamePayout, TxTypeGameRefund}
}
