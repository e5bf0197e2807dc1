// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/lock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/repository"
)

// Common errors for account operations.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount: must be positive")
	ErrSelfTransfer        = errors.New("cannot transfer to self")
	ErrAlreadyCheckedIn    = errors.New("already checked in today")
)

// UserStore is the user table.
type UserStore interface {
	GetOrInit(ctx context.Context, telegramID int64) (money.Cents, bool, error)
	GetByID(ctx context.Context, telegramID int64) (*model.User, error)
	AddBalance(ctx context.Context, telegramID int64, delta money.Cents) (money.Cents, error)
	SetBalance(ctx context.Context, telegramID int64, balance money.Cents) (money.Cents, error)
	UpdateUsername(ctx context.Context, telegramID int64, username string) error
	RecordCheckin(ctx context.Context, telegramID int64, day string, streak int, credit money.Cents) (money.Cents, error)
	GetTopUsers(ctx context.Context, limit int) ([]*model.User, error)
	DefaultBalance() money.Cents
}

// TransactionLog is the balance change history.
type TransactionLog interface {
	Create(ctx context.Context, userID int64, amount money.Cents, txType string, description *string) (*model.Transaction, error)
	GetByUserID(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error)
	SumByTypesSince(ctx context.Context, userID int64, types []string, since time.Time) (money.Cents, error)
}

// CheckinRules are the daily check-in rewards in cents.
type CheckinRules struct {
	MinReward   money.Cents
	MaxReward   money.Cents
	StreakDays  int
	StreakBonus money.Cents
}

// NewCheckinRules converts the check-in section of the application config.
func NewCheckinRules(c config.CheckinConfig) CheckinRules {
	r := CheckinRules{
		MinReward:   money.FromPoints(c.MinReward),
		MaxReward:   money.FromPoints(c.MaxReward),
		StreakDays:  c.StreakDays,
		StreakBonus: money.FromPoints(c.StreakBonus),
	}
	if r.MaxReward < r.MinReward {
		r.MaxReward = r.MinReward
	}
	if r.StreakDays <= 0 {
		r.StreakDays = 5
	}
	return r
}

// AccountService handles user accounts and is the ledger every game
// escrows and pays through.
type AccountService struct {
	users   UserStore
	txs     TransactionLog
	locks   *lock.Registry[int64]
	clock   clock.Clock
	checkin CheckinRules
	randN   func(n int64) int64
}

var _ contest.Ledger = (*AccountService)(nil)

// NewAccountService creates a new AccountService instance. locks is the
// per-user balance lock registry shared with the games.
func NewAccountService(users UserStore, txs TransactionLog, locks *lock.Registry[int64], clk clock.Clock, rules CheckinRules) *AccountService {
	if locks == nil {
		locks = lock.New[int64]()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &AccountService{
		users:   users,
		txs:     txs,
		locks:   locks,
		clock:   clk,
		checkin: rules,
		randN:   rand.Int64N,
	}
}

// Locks returns the per-user balance lock registry.
func (s *AccountService) Locks() *lock.Registry[int64] {
	return s.locks
}

// GetOrInitBalance returns a user's balance, opening the account with the
// default balance on first touch.
func (s *AccountService) GetOrInitBalance(ctx context.Context, userID int64) (money.Cents, error) {
	balance, created, err := s.users.GetOrInit(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if created {
		s.logTx(ctx, userID, balance, model.TxTypeInitial, "初始积分")
		log.Info().Int64("user_id", userID).Str("balance", balance.String()).Msg("Account opened")
	}
	return balance, nil
}

// UpdateBalance adds delta to a user's balance and records the change.
// The history entry is best effort; the balance change is not undone if
// it cannot be written.
func (s *AccountService) UpdateBalance(ctx context.Context, userID int64, delta money.Cents, txType, desc string) (money.Cents, error) {
	if delta == 0 {
		return s.GetOrInitBalance(ctx, userID)
	}
	if _, err := s.GetOrInitBalance(ctx, userID); err != nil {
		return 0, err
	}

	balance, err := s.users.AddBalance(ctx, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	s.logTx(ctx, userID, delta, txType, desc)
	return balance, nil
}

// Debit takes amount from a user if the balance covers it. On
// ErrInsufficientBalance the returned balance is the current one.
func (s *AccountService) Debit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) (money.Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	balance, err := s.GetOrInitBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if balance < amount {
		return balance, ErrInsufficientBalance
	}
	return s.UpdateBalance(ctx, userID, -amount, txType, desc)
}

// Credit adds a positive amount to a user's balance.
func (s *AccountService) Credit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) (money.Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.UpdateBalance(ctx, userID, amount, txType, desc)
}

// EnsureUser ensures a user exists and stores the latest display name.
func (s *AccountService) EnsureUser(ctx context.Context, telegramID int64, username string) (money.Cents, error) {
	balance, err := s.GetOrInitBalance(ctx, telegramID)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure user: %w", err)
	}
	if username != "" {
		if err := s.users.UpdateUsername(ctx, telegramID, username); err != nil {
			// Non-fatal, the account exists either way
			log.Warn().Err(err).Int64("user_id", telegramID).Msg("Failed to update username")
		}
	}
	return balance, nil
}

// nextCheckinStreak returns the consecutive day count after checking in
// today. A check-in on the day after the last one extends the streak.
func nextCheckinStreak(lastDay, yesterday string, streak int) int {
	if lastDay != "" && lastDay == yesterday {
		return streak + 1
	}
	return 1
}

// Checkin credits the daily reward once per Beijing calendar day. Every
// StreakDays consecutive days add the streak bonus and restart the count.
func (s *AccountService) Checkin(ctx context.Context, telegramID int64) (*model.CheckinResult, error) {
	s.locks.Lock(telegramID)
	defer s.locks.Unlock(telegramID)

	if _, err := s.GetOrInitBalance(ctx, telegramID); err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	now := s.clock.Now()
	today := clock.DayKey(now)
	if user.LastCheckin == today {
		return nil, ErrAlreadyCheckedIn
	}
	yesterday := clock.DayKey(now.Add(-24 * time.Hour))

	res := &model.CheckinResult{
		Reward: s.checkin.MinReward + money.Cents(s.randN(int64(s.checkin.MaxReward-s.checkin.MinReward)/100+1)*100),
		Days:   nextCheckinStreak(user.LastCheckin, yesterday, user.CheckinStreak),
	}
	res.Streak = res.Days
	if res.Days%s.checkin.StreakDays == 0 {
		res.Bonus = s.checkin.StreakBonus
		res.Streak = 0
	}

	credit := res.Reward + res.Bonus
	res.Balance, err = s.users.RecordCheckin(ctx, telegramID, today, res.Streak, credit)
	if errors.Is(err, repository.ErrAlreadyCheckedIn) {
		return nil, ErrAlreadyCheckedIn
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check in: %w", err)
	}
	s.logTx(ctx, telegramID, credit, model.TxTypeCheckin, "每日签到 "+today)

	log.Info().
		Int64("user_id", telegramID).
		Str("reward", credit.String()).
		Int("days", res.Days).
		Msg("Checked in")
	return res, nil
}

// Gift moves amount from one user to another. Both balances are locked,
// lower id first, for the duration of the transfer.
func (s *AccountService) Gift(ctx context.Context, fromID, toID int64, amount money.Cents) (money.Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if fromID == toID {
		return 0, ErrSelfTransfer
	}

	unlock := lock.Ordered(s.locks, fromID, toID)
	defer unlock()

	balance, err := s.GetOrInitBalance(ctx, fromID)
	if err != nil {
		return 0, err
	}
	if balance < amount {
		return balance, ErrInsufficientBalance
	}
	if _, err := s.GetOrInitBalance(ctx, toID); err != nil {
		return 0, err
	}

	if _, err := s.UpdateBalance(ctx, fromID, -amount, model.TxTypeGift, fmt.Sprintf("赠送给 %d", toID)); err != nil {
		return 0, err
	}
	if _, err := s.UpdateBalance(ctx, toID, amount, model.TxTypeGift, fmt.Sprintf("收到 %d 的赠送", fromID)); err != nil {
		// Put the sender back where they were
		if _, rerr := s.users.AddBalance(ctx, fromID, amount); rerr != nil {
			log.Error().Err(rerr).Int64("user_id", fromID).Msg("Failed to roll back gift")
		}
		return 0, err
	}

	log.Info().Int64("user_id", fromID).Int64("to", toID).Str("amount", amount.String()).Msg("Gift sent")
	return balance - amount, nil
}

// Confiscate takes up to amount from a user, never more than the balance.
// It returns what was taken.
func (s *AccountService) Confiscate(ctx context.Context, userID int64, amount money.Cents, desc string) (money.Cents, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	balance, err := s.GetOrInitBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	taken := money.Min(amount, balance)
	if taken <= 0 {
		return 0, nil
	}
	if _, err := s.UpdateBalance(ctx, userID, -taken, model.TxTypeConfiscate, desc); err != nil {
		return 0, err
	}
	return taken, nil
}

// AdminSet sets a user's balance and returns the previous one.
func (s *AccountService) AdminSet(ctx context.Context, adminID, userID int64, balance money.Cents) (money.Cents, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	if _, err := s.GetOrInitBalance(ctx, userID); err != nil {
		return 0, err
	}
	prev, err := s.users.SetBalance(ctx, userID, balance)
	if err != nil {
		return 0, fmt.Errorf("failed to set balance: %w", err)
	}
	s.logTx(ctx, userID, balance-prev, model.TxTypeAdminSet, fmt.Sprintf("管理员 %d 设置余额", adminID))

	log.Info().
		Int64("admin_id", adminID).
		Int64("user_id", userID).
		Str("from", prev.String()).
		Str("to", balance.String()).
		Msg("Balance set by admin")
	return prev, nil
}

// AdminAdjust adds delta to a user's balance and returns the new one.
func (s *AccountService) AdminAdjust(ctx context.Context, adminID, userID int64, delta money.Cents) (money.Cents, error) {
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	txType := model.TxTypeAdminAdd
	if delta < 0 {
		txType = model.TxTypeAdminSub
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	balance, err := s.UpdateBalance(ctx, userID, delta, txType, fmt.Sprintf("管理员 %d 调账", adminID))
	if err != nil {
		return 0, err
	}
	log.Info().
		Int64("admin_id", adminID).
		Int64("user_id", userID).
		Str("delta", delta.Signed()).
		Msg("Balance adjusted by admin")
	return balance, nil
}

// History returns a user's latest balance changes.
func (s *AccountService) History(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	return s.txs.GetByUserID(ctx, userID, limit)
}

// TodayGameProfit returns the net result of a user's dice contests since
// Beijing midnight.
func (s *AccountService) TodayGameProfit(ctx context.Context, userID int64) (money.Cents, error) {
	since := clock.StartOfDay(s.clock.Now())
	return s.txs.SumByTypesSince(ctx, userID, model.GameTransactionTypes(), since)
}

func (s *AccountService) logTx(ctx context.Context, userID int64, amount money.Cents, txType, desc string) {
	if s.txs == nil || amount == 0 {
		return
	}
	var d *string
	if desc != "" {
		d = &desc
	}
	if _, err := s.txs.Create(ctx, userID, amount, txType, d); err != nil {
		// Non-fatal, balance was already updated
		log.Warn().Err(err).Int64("user_id", userID).Str("type", txType).Msg("Failed to record transaction")
	}
}
