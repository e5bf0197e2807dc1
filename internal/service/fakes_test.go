package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/repository"
)

// memUsers is an in-memory UserStore.
type memUsers struct {
	mu       sync.Mutex
	users    map[int64]*model.User
	initial  money.Cents
	failNext error
}

func newMemUsers(initial money.Cents) *memUsers {
	return &memUsers{users: map[int64]*model.User{}, initial: initial}
}

func (m *memUsers) DefaultBalance() money.Cents { return m.initial }

func (m *memUsers) GetOrInit(_ context.Context, id int64) (money.Cents, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.Balance, false, nil
	}
	m.users[id] = &model.User{TelegramID: id, Balance: m.initial}
	return m.initial, true, nil
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) AddBalance(_ context.Context, id int64, delta money.Cents) (money.Cents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return 0, err
	}
	u, ok := m.users[id]
	if !ok {
		u = &model.User{TelegramID: id, Balance: m.initial}
		m.users[id] = u
	}
	u.Balance += delta
	return u.Balance, nil
}

func (m *memUsers) SetBalance(_ context.Context, id int64, balance money.Cents) (money.Cents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = &model.User{TelegramID: id, Balance: m.initial}
		m.users[id] = u
	}
	prev := u.Balance
	u.Balance = balance
	return prev, nil
}

func (m *memUsers) UpdateUsername(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Username = name
	}
	return nil
}

func (m *memUsers) RecordCheckin(_ context.Context, id int64, day string, streak int, credit money.Cents) (money.Cents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.LastCheckin == day {
		return 0, repository.ErrAlreadyCheckedIn
	}
	u.LastCheckin = day
	u.CheckinStreak = streak
	u.Balance += credit
	return u.Balance, nil
}

func (m *memUsers) GetTopUsers(_ context.Context, limit int) ([]*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Balance > out[j].Balance })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memUsers) balance(id int64) money.Cents {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.Balance
	}
	return 0
}

// memTxs is an in-memory TransactionLog.
type memTxs struct {
	mu  sync.Mutex
	txs []*model.Transaction
}

func (m *memTxs) Create(_ context.Context, uid int64, amount money.Cents, txType string, desc *string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &model.Transaction{
		ID:          int64(len(m.txs) + 1),
		UserID:      uid,
		Amount:      amount,
		Type:        txType,
		Description: desc,
		CreatedAt:   time.Now(),
	}
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *memTxs) GetByUserID(_ context.Context, uid int64, limit int) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].UserID == uid {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

func (m *memTxs) SumByTypesSince(_ context.Context, uid int64, types []string, since time.Time) (money.Cents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum money.Cents
	for _, tx := range m.txs {
		if tx.UserID != uid || tx.CreatedAt.Before(since) {
			continue
		}
		for _, t := range types {
			if tx.Type == t {
				sum += tx.Amount
			}
		}
	}
	return sum, nil
}

func (m *memTxs) types(uid int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, tx := range m.txs {
		if tx.UserID == uid {
			out = append(out, tx.Type)
		}
	}
	return out
}

// recordingTransport captures sent messages.
type recordingTransport struct {
	mu   sync.Mutex
	sent []contest.Outgoing
}

func (t *recordingTransport) Send(_ context.Context, msg contest.Outgoing) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return len(t.sent), nil
}

func (t *recordingTransport) Edit(context.Context, int64, int, string, *contest.Keyboard) error {
	return nil
}

func (t *recordingTransport) Delete(context.Context, int64, int, time.Duration) {}

func (t *recordingTransport) texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = m.Text
	}
	return out
}
