package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/money"
)

// Period is a leaderboard window.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// Periods lists every leaderboard window.
var Periods = []Period{Daily, Weekly, Monthly}

// ParsePeriod accepts a period name or its short alias.
func ParsePeriod(s string) (Period, bool) {
	switch s {
	case "", "day", "daily":
		return Daily, true
	case "week", "weekly":
		return Weekly, true
	case "month", "monthly":
		return Monthly, true
	}
	return "", false
}

// Board is one leaderboard of a period.
type Board string

const (
	BoardPoints      Board = "rank_points"
	BoardGrossWins   Board = "rank_gross_wins"
	BoardGrossLosses Board = "rank_gross_losses"
	BoardWins        Board = "rank_wins"
	BoardLosses      Board = "rank_losses"
)

const (
	userNamesKey = "user_names"
	rankTTL      = 60 * 24 * time.Hour
)

// Beijing is the timezone period windows are cut in.
var Beijing = clock.Beijing

// PeriodKey returns the window identifier of t for p.
func PeriodKey(p Period, t time.Time) string {
	t = t.In(Beijing)
	switch p {
	case Weekly:
		// Week of the year with Monday as the first day; days before the
		// first Monday fall in week 00.
		monday := (int(t.Weekday()) + 6) % 7
		week := (t.YearDay() - 1 + 7 - monday) / 7
		return fmt.Sprintf("%d-%02d", t.Year(), week)
	case Monthly:
		return t.Format("200601")
	default:
		return clock.DayKey(t)
	}
}

func boardKey(b Board, p Period, t time.Time) string {
	return string(b) + ":" + string(p) + ":" + PeriodKey(p, t)
}

// RankEntry is one leaderboard line. Score is in cents for money boards
// and a plain count for win/loss boards.
type RankEntry struct {
	UserID int64
	Name   string
	Score  int64
}

// Amount returns the score as money.
func (e RankEntry) Amount() money.Cents {
	return money.Cents(e.Score)
}

// RankStore keeps the period leaderboards.
type RankStore struct {
	client redis.Cmdable
}

// NewRankStore creates a RankStore.
func NewRankStore(client redis.Cmdable) *RankStore {
	return &RankStore{client: client}
}

// Record adds one settled result for a player to every period.
func (r *RankStore) Record(ctx context.Context, uid int64, name string, profit money.Cents, at time.Time) error {
	member := strconv.FormatInt(uid, 10)

	pipe := r.client.TxPipeline()
	if name != "" {
		pipe.HSet(ctx, userNamesKey, member, name)
	}
	for _, p := range Periods {
		points := boardKey(BoardPoints, p, at)
		pipe.ZIncrBy(ctx, points, float64(profit), member)
		pipe.Expire(ctx, points, rankTTL)

		switch {
		case profit > 0:
			pipe.ZIncrBy(ctx, boardKey(BoardGrossWins, p, at), float64(profit), member)
			pipe.ZIncrBy(ctx, boardKey(BoardWins, p, at), 1, member)
		case profit < 0:
			pipe.ZIncrBy(ctx, boardKey(BoardGrossLosses, p, at), float64(-profit), member)
			pipe.ZIncrBy(ctx, boardKey(BoardLosses, p, at), 1, member)
		}
		for _, b := range []Board{BoardGrossWins, BoardGrossLosses, BoardWins, BoardLosses} {
			pipe.Expire(ctx, boardKey(b, p, at), rankTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rank: %w", err)
	}
	return nil
}

// Top returns the highest n entries of a board. With ascending set the
// lowest entries come first.
func (r *RankStore) Top(ctx context.Context, b Board, p Period, at time.Time, n int, ascending bool) ([]RankEntry, error) {
	key := boardKey(b, p, at)

	var (
		zs  []redis.Z
		err error
	)
	if ascending {
		zs, err = r.client.ZRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	} else {
		zs, err = r.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read board %s: %w", key, err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	members := make([]string, len(zs))
	for i, z := range zs {
		members[i], _ = z.Member.(string)
	}
	names, err := r.client.HMGet(ctx, userNamesKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user names: %w", err)
	}

	entries := make([]RankEntry, 0, len(zs))
	for i, z := range zs {
		uid, err := strconv.ParseInt(members[i], 10, 64)
		if err != nil {
			continue
		}
		name, _ := names[i].(string)
		entries = append(entries, RankEntry{UserID: uid, Name: name, Score: int64(z.Score)})
	}
	return entries, nil
}
