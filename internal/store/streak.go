package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// StreakOutcome is the effect of one result on a player's streaks.
type StreakOutcome int

const (
	StreakNone StreakOutcome = iota
	// StreakWins means the win streak reached the threshold and was reset.
	StreakWins
	// StreakLosses means the loss streak reached the threshold and was reset.
	StreakLosses
)

// ARGV[1] is the result sign (1, -1 or 0), ARGV[2] the threshold.
// Returns {wins, losses, fired} where fired is 1 for wins, -1 for losses.
var streakScript = redis.NewScript(`
local key = KEYS[1]
local sign = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local wins = 0
local losses = 0
local fired = 0
if sign > 0 then
  wins = redis.call('HINCRBY', key, 'win', 1)
  redis.call('HSET', key, 'loss', 0)
  if wins >= threshold then
    redis.call('HSET', key, 'win', 0)
    fired = 1
  end
elseif sign < 0 then
  losses = redis.call('HINCRBY', key, 'loss', 1)
  redis.call('HSET', key, 'win', 0)
  if losses >= threshold then
    redis.call('HSET', key, 'loss', 0)
    fired = -1
  end
else
  redis.call('HSET', key, 'win', 0, 'loss', 0)
end
return {wins, losses, fired}
`)

// Streak is a player's streak state after an update.
type Streak struct {
	Wins    int64
	Losses  int64
	Outcome StreakOutcome
}

// StreakStore tracks consecutive wins and losses per player.
type StreakStore struct {
	client    redis.Scripter
	threshold int
}

// NewStreakStore creates a StreakStore firing at threshold.
func NewStreakStore(client redis.Scripter, threshold int) *StreakStore {
	if threshold <= 0 {
		threshold = 3
	}
	return &StreakStore{client: client, threshold: threshold}
}

func streakKey(uid int64) string {
	return "streak:" + strconv.FormatInt(uid, 10)
}

// Record applies one settled result. sign is positive for a win, negative
// for a loss and zero for a break-even result.
func (s *StreakStore) Record(ctx context.Context, uid int64, sign int) (Streak, error) {
	switch {
	case sign > 0:
		sign = 1
	case sign < 0:
		sign = -1
	}

	vals, err := streakScript.Run(ctx, s.client, []string{streakKey(uid)}, sign, s.threshold).Int64Slice()
	if err != nil {
		return Streak{}, fmt.Errorf("failed to record streak: %w", err)
	}
	if len(vals) != 3 {
		return Streak{}, fmt.Errorf("unexpected streak reply length %d", len(vals))
	}

	st := Streak{Wins: vals[0], Losses: vals[1]}
	switch vals[2] {
	case 1:
		st.Outcome = StreakWins
	case -1:
		st.Outcome = StreakLosses
	}
	return st, nil
}
