package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dice-arena-bot/internal/contest"
)

// PendingBet is a bet held while its sender decides between starting it
// and joining a duel that already waits for them.
type PendingBet struct {
	ChatID   int64        `json:"chat_id"`
	ThreadID int          `json:"thread_id"`
	Name     string       `json:"name"`
	Bet      *contest.Bet `json:"bet"`

	TargetUser int64  `json:"target_user,omitempty"`
	TargetName string `json:"target_name,omitempty"`
}

// PendingStore keeps pending bets for a short while.
type PendingStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewPendingStore creates a PendingStore.
func NewPendingStore(client redis.Cmdable, ttl time.Duration) *PendingStore {
	return &PendingStore{client: client, ttl: ttl}
}

func pendingKey(uid int64) string {
	return "pending_bet:" + strconv.FormatInt(uid, 10)
}

// Put stores a user's pending bet, replacing any previous one.
func (s *PendingStore) Put(ctx context.Context, uid int64, p *PendingBet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending bet: %w", err)
	}
	if err := s.client.Set(ctx, pendingKey(uid), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending bet: %w", err)
	}
	return nil
}

// Take removes and returns a user's pending bet, or nil when there is none.
func (s *PendingStore) Take(ctx context.Context, uid int64) (*PendingBet, error) {
	data, err := s.client.GetDel(ctx, pendingKey(uid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take pending bet: %w", err)
	}

	var p PendingBet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending bet: %w", err)
	}
	return &p, nil
}

// Drop discards a user's pending bet.
func (s *PendingStore) Drop(ctx context.Context, uid int64) error {
	return s.client.Del(ctx, pendingKey(uid)).Err()
}
