package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dice-arena-bot/internal/pkg/money"
)

type AttackStoreTestSuite struct {
	redisSuite
	store *AttackStore
}

func (s *AttackStoreTestSuite) SetupTest() {
	s.redisSuite.SetupTest()
	s.store = NewAttackStore(s.client, 300*time.Second, 300*time.Second)
}

func TestAttackStoreTestSuite(t *testing.T) {
	suite.Run(t, new(AttackStoreTestSuite))
}

func (s *AttackStoreTestSuite) newAttack(id string) *Attack {
	return &Attack{
		ID:              id,
		ChatID:          -100,
		ChallengerID:    1,
		ChallengerName:  "Alice",
		DefenderID:      2,
		DefenderName:    "Bob",
		ChallengerTotal: money.FromPoints(1000),
		CreatedAt:       time.UnixMilli(1700000000000),
	}
}

func (s *AttackStoreTestSuite) TestCreateAndGet() {
	s.Require().NoError(s.store.Create(s.ctx, s.newAttack("a1")))
	s.Require().NoError(s.store.SetMessage(s.ctx, "a1", 55))

	a, err := s.store.Get(s.ctx, "a1")
	s.Require().NoError(err)
	s.True(a.Active)
	s.False(a.Settled)
	s.Equal(int64(1), a.ChallengerID)
	s.Equal("Bob", a.DefenderName)
	s.Equal(money.FromPoints(1000), a.ChallengerTotal)
	s.Equal(money.Cents(0), a.DefenderTotal)
	s.Equal(55, a.MessageID)
	s.Equal(int64(1700000000000), a.CreatedAt.UnixMilli())
	s.Equal(300*time.Second, s.mr.TTL("attack:a1"))

	_, err = s.store.Get(s.ctx, "nope")
	s.ErrorIs(err, ErrAttackNotFound)
}

func (s *AttackStoreTestSuite) TestReserveMarkers() {
	s.Require().NoError(s.store.Reserve(s.ctx, "a1", 1, 2))

	s.ErrorIs(s.store.Reserve(s.ctx, "a2", 1, 3), ErrAttackerBusy)
	s.ErrorIs(s.store.Reserve(s.ctx, "a3", 4, 2), ErrDefenderBusy)
	s.False(s.mr.Exists("active_attack_by:4"), "failed reserve releases the challenger marker")

	attacking, defending, err := s.store.Busy(s.ctx, 1, 2)
	s.Require().NoError(err)
	s.True(attacking)
	s.True(defending)

	s.Require().NoError(s.store.Release(s.ctx, 1, 2))
	s.NoError(s.store.Reserve(s.ctx, "a4", 1, 2))
}

func (s *AttackStoreTestSuite) TestAddStakeRespectsCap() {
	s.Require().NoError(s.store.Create(s.ctx, s.newAttack("a1")))
	step, limit := money.FromPoints(1000), money.FromPoints(3000)

	total, err := s.store.AddStake(s.ctx, "a1", Challenger, step, limit)
	s.Require().NoError(err)
	s.Equal(money.FromPoints(2000), total)

	total, err = s.store.AddStake(s.ctx, "a1", Challenger, step, limit)
	s.Require().NoError(err)
	s.Equal(money.FromPoints(3000), total)

	_, err = s.store.AddStake(s.ctx, "a1", Challenger, step, limit)
	s.ErrorIs(err, ErrAttackCapped)

	total, err = s.store.AddStake(s.ctx, "a1", Defender, step, limit)
	s.Require().NoError(err)
	s.Equal(money.FromPoints(1000), total)
}

func (s *AttackStoreTestSuite) TestClaimSettlementOnce() {
	s.Require().NoError(s.store.Create(s.ctx, s.newAttack("a1")))

	a, err := s.store.ClaimSettlement(s.ctx, "a1")
	s.Require().NoError(err)
	s.True(a.Settled)
	s.False(a.Active)

	_, err = s.store.ClaimSettlement(s.ctx, "a1")
	s.ErrorIs(err, ErrAttackEnded)

	_, err = s.store.AddStake(s.ctx, "a1", Defender, money.FromPoints(1000), money.FromPoints(20000))
	s.ErrorIs(err, ErrAttackEnded)
}

func (s *AttackStoreTestSuite) TestClaimSettlementOfExpiredAttack() {
	_, err := s.store.ClaimSettlement(s.ctx, "gone")
	s.ErrorIs(err, ErrAttackNotFound)
	s.False(s.mr.Exists("attack:gone"))
}

func (s *AttackStoreTestSuite) TestUnsettled() {
	s.Require().NoError(s.store.Create(s.ctx, s.newAttack("a1")))
	s.Require().NoError(s.store.Create(s.ctx, s.newAttack("a2")))
	_, err := s.store.ClaimSettlement(s.ctx, "a2")
	s.Require().NoError(err)

	open, err := s.store.Unsettled(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal("a1", open[0].ID)
}
