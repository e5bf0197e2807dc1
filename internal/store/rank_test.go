package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"dice-arena-bot/internal/pkg/money"
)

func TestPeriodKey(t *testing.T) {
	tests := []struct {
		name   string
		at     time.Time
		period Period
		want   string
	}{
		{"daily in beijing", time.Date(2025, 3, 9, 17, 0, 0, 0, time.UTC), Daily, "20250310"},
		{"monthly", time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC), Monthly, "202503"},
		// 2025-01-01 is a Wednesday, so the first Monday is Jan 6.
		{"week zero before first monday", time.Date(2025, 1, 5, 12, 0, 0, 0, Beijing), Weekly, "2025-00"},
		{"first monday starts week one", time.Date(2025, 1, 6, 0, 0, 0, 0, Beijing), Weekly, "2025-01"},
		{"sunday stays in week", time.Date(2025, 1, 12, 23, 0, 0, 0, Beijing), Weekly, "2025-01"},
		// 2024-01-01 is a Monday.
		{"year starting on monday", time.Date(2024, 1, 1, 8, 0, 0, 0, Beijing), Weekly, "2024-01"},
		{"late december", time.Date(2024, 12, 30, 8, 0, 0, 0, Beijing), Weekly, "2024-53"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeriodKey(tt.period, tt.at))
		})
	}
}

func TestParsePeriod(t *testing.T) {
	for in, want := range map[string]Period{"": Daily, "day": Daily, "week": Weekly, "monthly": Monthly} {
		got, ok := ParsePeriod(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParsePeriod("year")
	assert.False(t, ok)
}

type RankStoreTestSuite struct {
	redisSuite
	store *RankStore
	now   time.Time
}

func (s *RankStoreTestSuite) SetupTest() {
	s.redisSuite.SetupTest()
	s.store = NewRankStore(s.client)
	s.now = time.Date(2025, 4, 5, 10, 0, 0, 0, Beijing)
}

func TestRankStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RankStoreTestSuite))
}

func (s *RankStoreTestSuite) TestRecordUpdatesEveryBoard() {
	s.Require().NoError(s.store.Record(s.ctx, 1, "Alice", money.MustParse("100.5"), s.now))
	s.Require().NoError(s.store.Record(s.ctx, 1, "Alice", money.MustParse("-20"), s.now))
	s.Require().NoError(s.store.Record(s.ctx, 2, "Bob", money.MustParse("-80.5"), s.now))

	for _, p := range Periods {
		net, err := s.store.Top(s.ctx, BoardPoints, p, s.now, 10, false)
		s.Require().NoError(err)
		s.Require().Len(net, 2)
		s.Equal(RankEntry{UserID: 1, Name: "Alice", Score: 8050}, net[0])
		s.Equal(money.MustParse("-80.5"), net[1].Amount())

		wins, err := s.store.Top(s.ctx, BoardWins, p, s.now, 10, false)
		s.Require().NoError(err)
		s.Require().Len(wins, 1)
		s.EqualValues(1, wins[0].Score)

		losses, err := s.store.Top(s.ctx, BoardGrossLosses, p, s.now, 10, false)
		s.Require().NoError(err)
		s.Require().Len(losses, 2)
		s.Equal(int64(8050), losses[0].Score)
		s.Equal(int64(2000), losses[1].Score)
	}

	key := boardKey(BoardPoints, Daily, s.now)
	s.Equal(rankTTL, s.mr.TTL(key))
}

func (s *RankStoreTestSuite) TestZeroProfitOnlyTouchesPoints() {
	s.Require().NoError(s.store.Record(s.ctx, 3, "Carol", 0, s.now))

	net, err := s.store.Top(s.ctx, BoardPoints, Daily, s.now, 10, false)
	s.Require().NoError(err)
	s.Len(net, 1)

	wins, err := s.store.Top(s.ctx, BoardGrossWins, Daily, s.now, 10, false)
	s.Require().NoError(err)
	s.Empty(wins)
}

func (s *RankStoreTestSuite) TestTopAscendingAndLimit() {
	for uid := int64(1); uid <= 5; uid++ {
		s.Require().NoError(s.store.Record(s.ctx, uid, "", money.FromPoints(uid*10-30), s.now))
	}

	low, err := s.store.Top(s.ctx, BoardPoints, Daily, s.now, 2, true)
	s.Require().NoError(err)
	s.Require().Len(low, 2)
	s.Equal(int64(1), low[0].UserID)
	s.Equal(int64(2), low[1].UserID)
	s.Empty(low[0].Name)
}

func (s *RankStoreTestSuite) TestPeriodsAreIsolated() {
	s.Require().NoError(s.store.Record(s.ctx, 1, "Alice", money.FromPoints(5), s.now))

	tomorrow := s.now.Add(24 * time.Hour)
	daily, err := s.store.Top(s.ctx, BoardPoints, Daily, tomorrow, 10, false)
	s.Require().NoError(err)
	s.Empty(daily)

	monthly, err := s.store.Top(s.ctx, BoardPoints, Monthly, tomorrow, 10, false)
	s.Require().NoError(err)
	s.Len(monthly, 1)
}
