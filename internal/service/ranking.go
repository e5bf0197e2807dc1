package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

// RankBoards is the leaderboard storage.
type RankBoards interface {
	Record(ctx context.Context, uid int64, name string, profit money.Cents, at time.Time) error
	Top(ctx context.Context, b store.Board, p store.Period, at time.Time, n int, ascending bool) ([]store.RankEntry, error)
}

// RankView selects which boards a leaderboard shows.
type RankView string

const (
	// ViewGross shows the largest total wins and total losses.
	ViewGross RankView = "gross"
	// ViewNet shows the best and worst net results.
	ViewNet RankView = "net"
)

// Leaderboard is one rendered window of the boards.
type Leaderboard struct {
	Period  store.Period
	View    RankView
	Winners []store.RankEntry
	Losers  []store.RankEntry
}

const boardSize = 5

// RankingService handles ranking and leaderboard operations.
type RankingService struct {
	boards RankBoards
	users  UserStore
	clock  clock.Clock
}

var _ contest.StatsRecorder = (*RankingService)(nil)

// NewRankingService creates a new RankingService instance.
func NewRankingService(boards RankBoards, users UserStore, clk clock.Clock) *RankingService {
	if clk == nil {
		clk = clock.System{}
	}
	return &RankingService{boards: boards, users: users, clock: clk}
}

// RecordSettlement adds every player's profit to the period boards.
func (s *RankingService) RecordSettlement(ctx context.Context, st contest.Settlement) {
	for _, r := range st.Results {
		if err := s.boards.Record(ctx, r.UserID, r.Name, r.Profit, st.SettledAt); err != nil {
			log.Error().Err(err).
				Str("session_id", st.SessionID).
				Int64("user_id", r.UserID).
				Msg("Failed to record leaderboard result")
		}
	}
}

// Leaderboard returns the current window of a period.
func (s *RankingService) Leaderboard(ctx context.Context, p store.Period, view RankView) (*Leaderboard, error) {
	now := s.clock.Now()
	lb := &Leaderboard{Period: p, View: view}

	if view == ViewNet {
		high, err := s.boards.Top(ctx, store.BoardPoints, p, now, boardSize*2, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get net winners: %w", err)
		}
		low, err := s.boards.Top(ctx, store.BoardPoints, p, now, boardSize*2, true)
		if err != nil {
			return nil, fmt.Errorf("failed to get net losers: %w", err)
		}
		lb.Winners = filterEntries(high, func(e store.RankEntry) bool { return e.Score > 0 })
		lb.Losers = filterEntries(low, func(e store.RankEntry) bool { return e.Score < 0 })
		return lb, nil
	}

	var err error
	lb.Winners, err = s.boards.Top(ctx, store.BoardGrossWins, p, now, boardSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get top winners: %w", err)
	}
	lb.Losers, err = s.boards.Top(ctx, store.BoardGrossLosses, p, now, boardSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get top losers: %w", err)
	}
	return lb, nil
}

// TopNet returns the n best net results of a period.
func (s *RankingService) TopNet(ctx context.Context, p store.Period, n int) ([]store.RankEntry, error) {
	return s.boards.Top(ctx, store.BoardPoints, p, s.clock.Now(), n, false)
}

// GetTopUsers retrieves the top users by balance.
func (s *RankingService) GetTopUsers(ctx context.Context, limit int) ([]*model.User, error) {
	return s.users.GetTopUsers(ctx, limit)
}

func filterEntries(in []store.RankEntry, keep func(store.RankEntry) bool) []store.RankEntry {
	out := make([]store.RankEntry, 0, boardSize)
	for _, e := range in {
		if len(out) == boardSize {
			break
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
