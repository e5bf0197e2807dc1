package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pgregory.net/rapid"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

// TestNetLeaderboardProperty checks that for any settlements the net view
// lists only winners in descending order and only losers in ascending
// order, and that every total equals the sum of that player's profits.
func TestNetLeaderboardProperty(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	at := time.Date(2025, 4, 5, 11, 0, 0, 0, clock.Beijing)
	svc := NewRankingService(store.NewRankStore(client), newMemUsers(0), clock.NewManual(at))

	rapid.Check(t, func(t *rapid.T) {
		mr.FlushAll()
		ctx := context.Background()

		totals := make(map[int64]money.Cents)
		games := rapid.IntRange(1, 15).Draw(t, "games")
		for g := 0; g < games; g++ {
			uids := rapid.SliceOfNDistinct(rapid.Int64Range(1, 12), 2, 5, rapid.ID[int64]).Draw(t, "players")
			results := make([]contest.PlayerResult, len(uids))
			for i, uid := range uids {
				profit := money.Cents(rapid.Int64Range(-50000, 50000).Draw(t, "profit"))
				results[i] = contest.PlayerResult{UserID: uid, Profit: profit}
				totals[uid] += profit
			}
			svc.RecordSettlement(ctx, contest.Settlement{SessionID: "s", ChatID: -100, Results: results, SettledAt: at})
		}

		lb, err := svc.Leaderboard(ctx, store.Daily, ViewNet)
		if err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		if len(lb.Winners) > boardSize || len(lb.Losers) > boardSize {
			t.Fatalf("board longer than %d: %d winners, %d losers", boardSize, len(lb.Winners), len(lb.Losers))
		}

		for i, e := range lb.Winners {
			if e.Amount() <= 0 {
				t.Fatalf("winner %d has non-positive total %s", e.UserID, e.Amount())
			}
			if e.Amount() != totals[e.UserID] {
				t.Fatalf("winner %d total %s, want %s", e.UserID, e.Amount(), totals[e.UserID])
			}
			if i > 0 && lb.Winners[i-1].Amount() < e.Amount() {
				t.Fatalf("winners not descending at %d", i)
			}
		}
		for i, e := range lb.Losers {
			if e.Amount() >= 0 {
				t.Fatalf("loser %d has non-negative total %s", e.UserID, e.Amount())
			}
			if e.Amount() != totals[e.UserID] {
				t.Fatalf("loser %d total %s, want %s", e.UserID, e.Amount(), totals[e.UserID])
			}
			if i > 0 && lb.Losers[i-1].Amount() > e.Amount() {
				t.Fatalf("losers not ascending at %d", i)
			}
		}
	})
}
