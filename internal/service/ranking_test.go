package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

func newTestRanking(t *testing.T) *RankingService {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewManual(time.Date(2025, 4, 5, 12, 0, 0, 0, clock.Beijing))
	return NewRankingService(store.NewRankStore(client), newMemUsers(0), clk)
}

func settlement(at time.Time, results ...contest.PlayerResult) contest.Settlement {
	return contest.Settlement{SessionID: "s1", ChatID: -100, Wager: money.FromPoints(100), Results: results, SettledAt: at}
}

func TestRankingRecordsSettlements(t *testing.T) {
	svc := newTestRanking(t)
	ctx := context.Background()
	at := time.Date(2025, 4, 5, 11, 0, 0, 0, clock.Beijing)

	svc.RecordSettlement(ctx, settlement(at,
		contest.PlayerResult{UserID: 1, Name: "Alice", Profit: money.FromPoints(200)},
		contest.PlayerResult{UserID: 2, Name: "Bob", Profit: money.FromPoints(-100)},
		contest.PlayerResult{UserID: 3, Name: "Carol", Profit: money.FromPoints(-100)},
	))
	svc.RecordSettlement(ctx, settlement(at,
		contest.PlayerResult{UserID: 2, Name: "Bob", Profit: money.FromPoints(50)},
		contest.PlayerResult{UserID: 1, Name: "Alice", Profit: money.FromPoints(-50)},
	))

	gross, err := svc.Leaderboard(ctx, store.Daily, ViewGross)
	require.NoError(t, err)
	require.Len(t, gross.Winners, 2)
	assert.Equal(t, "Alice", gross.Winners[0].Name)
	assert.Equal(t, money.FromPoints(200), gross.Winners[0].Amount())
	require.Len(t, gross.Losers, 3)
	assert.Equal(t, money.FromPoints(100), gross.Losers[0].Amount())

	net, err := svc.Leaderboard(ctx, store.Weekly, ViewNet)
	require.NoError(t, err)
	require.Len(t, net.Winners, 1)
	assert.Equal(t, int64(1), net.Winners[0].UserID)
	assert.Equal(t, money.FromPoints(150), net.Winners[0].Amount())
	require.Len(t, net.Losers, 2)
	assert.Equal(t, money.FromPoints(-100), net.Losers[0].Amount())
	assert.Equal(t, money.FromPoints(-50), net.Losers[1].Amount())

	top, err := svc.TopNet(ctx, store.Monthly, 10)
	require.NoError(t, err)
	assert.Len(t, top, 3)
}

func TestRankingNetViewCapsAtFive(t *testing.T) {
	svc := newTestRanking(t)
	ctx := context.Background()
	at := time.Date(2025, 4, 5, 11, 0, 0, 0, clock.Beijing)

	for uid := int64(1); uid <= 12; uid++ {
		svc.RecordSettlement(ctx, settlement(at, contest.PlayerResult{UserID: uid, Profit: money.FromPoints(uid)}))
	}

	net, err := svc.Leaderboard(ctx, store.Daily, ViewNet)
	require.NoError(t, err)
	assert.Len(t, net.Winners, 5)
	assert.Empty(t, net.Losers)
	assert.Equal(t, int64(12), net.Winners[0].UserID)
}
