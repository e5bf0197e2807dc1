package contest_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

const chatID int64 = -1001

var startBalance = money.FromPoints(20000)

type memLedger struct {
	mu       sync.Mutex
	balances map[int64]money.Cents
}

func (l *memLedger) GetOrInitBalance(_ context.Context, uid int64) (money.Cents, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[uid]
	if !ok {
		b = startBalance
		l.balances[uid] = b
	}
	return b, nil
}

func (l *memLedger) UpdateBalance(ctx context.Context, uid int64, delta money.Cents, _, _ string) (money.Cents, error) {
	if _, err := l.GetOrInitBalance(ctx, uid); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[uid] += delta
	return l.balances[uid], nil
}

func (l *memLedger) balance(uid int64) money.Cents {
	b, _ := l.GetOrInitBalance(context.Background(), uid)
	return b
}

type recTransport struct {
	mu      sync.Mutex
	sent    []contest.Outgoing
	deleted []int
}

func (t *recTransport) Send(_ context.Context, msg contest.Outgoing) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return len(t.sent) + 1000, nil
}

func (t *recTransport) Edit(context.Context, int64, int, string, *contest.Keyboard) error {
	return nil
}

func (t *recTransport) Delete(_ context.Context, _ int64, msgID int, _ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, msgID)
}

func (t *recTransport) count(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.sent {
		if strings.Contains(m.Text, substr) {
			n++
		}
	}
	return n
}

func (t *recTransport) wasDeleted(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.deleted {
		if d == id {
			return true
		}
	}
	return false
}

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) SessionID() string { return fmt.Sprintf("s%07d", g.n.Add(1)) }
func (g *seqIDs) NewID() string     { return g.SessionID() }

type activity struct {
	mu    sync.Mutex
	began int
	ended int
}

func (a *activity) GameActivityBegan(context.Context, int64) { a.mu.Lock(); a.began++; a.mu.Unlock() }
func (a *activity) GameActivityEnded(context.Context, int64) { a.mu.Lock(); a.ended++; a.mu.Unlock() }

type settlements struct {
	mu  sync.Mutex
	all []contest.Settlement
}

func (r *settlements) RecordSettlement(_ context.Context, st contest.Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, st)
}

var errRedisDown = errors.New("redis down")

// flakyStore fails every Save of a session in the failing phase.
type flakyStore struct {
	contest.Store
	failing atomic.Value
}

func (f *flakyStore) failOn(p contest.Phase) { f.failing.Store(p) }

func (f *flakyStore) Save(ctx context.Context, sess *contest.Session) error {
	if p, _ := f.failing.Load().(contest.Phase); p != "" && sess.Phase == p {
		return errRedisDown
	}
	return f.Store.Save(ctx, sess)
}

type EngineTestSuite struct {
	suite.Suite
	mr        *miniredis.Miniredis
	client    *redis.Client
	ctx       context.Context
	clock     *clock.Manual
	ledger    *memLedger
	transport *recTransport
	activity  *activity
	recorded  *settlements
	engine    *contest.Engine
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.ctx = context.Background()
	s.clock = clock.NewManual(time.Date(2025, 4, 5, 12, 0, 0, 0, clock.Beijing))
	s.ledger = &memLedger{balances: map[int64]money.Cents{}}
	s.transport = &recTransport{}
	s.activity = &activity{}
	s.recorded = &settlements{}

	s.engine = s.newEngine(store.NewSessionStore(s.client, time.Hour))
}

func (s *EngineTestSuite) newEngine(st contest.Store) *contest.Engine {
	return contest.NewEngine(s.ctx, contest.DefaultConfig(), contest.Deps{
		Store:          st,
		Ledger:         s.ledger,
		Transport:      s.transport,
		Clock:          s.clock,
		IDs:            &seqIDs{},
		Listeners:      []contest.ActivityListener{s.activity},
		Recorders:      []contest.StatsRecorder{s.recorded},
		ManualWatchers: true,
	})
}

func (s *EngineTestSuite) TearDownTest() {
	s.client.Close()
	s.mr.Close()
}

func (s *EngineTestSuite) create(mode contest.Mode, wager money.Cents, dice, target int) *contest.Session {
	sess, err := s.engine.Create(s.ctx, contest.CreateRequest{
		ChatID:        chatID,
		Initiator:     1,
		InitiatorName: "p1",
		Mode:          mode,
		Direction:     contest.High,
		Wager:         wager,
		DiceCount:     dice,
		TargetCount:   target,
	})
	s.Require().NoError(err)
	return sess
}

func (s *EngineTestSuite) join(id string, players ...int64) *contest.Session {
	var sess *contest.Session
	for _, p := range players {
		var err error
		sess, err = s.engine.Join(s.ctx, id, p, fmt.Sprintf("p%d", p))
		s.Require().NoError(err)
	}
	return sess
}

func (s *EngineTestSuite) roll(id string, player int64, face int) *contest.Session {
	sess, err := s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: id, Player: player, Face: face})
	s.Require().NoError(err)
	return sess
}

func (s *EngineTestSuite) assertGone(id string, players ...int64) {
	_, err := s.engine.Get(s.ctx, id)
	s.ErrorIs(err, contest.ErrSessionNotFound)
	for _, p := range players {
		busy, err := s.engine.PlayerSession(s.ctx, p)
		s.Require().NoError(err)
		s.Empty(busy, "player %d still marked", p)
	}
	active, err := s.engine.ActiveSessions(s.ctx, chatID)
	s.Require().NoError(err)
	s.Empty(active)
}

// Two players, one die each, high wins.
func (s *EngineTestSuite) TestDuelSettles() {
	w := money.FromPoints(100)
	sess := s.create(contest.ModeSingle, w, 1, 0)
	s.Equal(startBalance-w, s.ledger.balance(1))

	sess = s.join(sess.ID, 2)
	s.Equal(contest.PhaseRolling, sess.Phase)
	s.Equal(startBalance-w, s.ledger.balance(2))

	s.roll(sess.ID, 1, 5)
	final := s.roll(sess.ID, 2, 3)
	s.Equal(contest.OutcomeSettled, final.Outcome)

	s.Equal(startBalance+w, s.ledger.balance(1))
	s.Equal(startBalance-w, s.ledger.balance(2))
	s.assertGone(sess.ID, 1, 2)

	s.Require().Len(s.recorded.all, 1)
	results := s.recorded.all[0].Results
	s.Equal(int64(1), results[0].UserID)
	s.Equal(w, results[0].Profit)
	s.Equal(2*w, results[0].Payout)
	s.Equal(-w, results[1].Profit)
	s.Equal(money.Cents(0), results[1].Payout)

	s.Equal(1, s.activity.began)
	s.Equal(1, s.activity.ended)
}

// Three players tie on the first die and are separated by a second.
func (s *EngineTestSuite) TestTieBreakSettles() {
	w := money.FromPoints(60)
	sess := s.create(contest.ModeExact, w, 1, 3)
	sess = s.join(sess.ID, 2, 3)
	s.Require().Equal(contest.PhaseRolling, sess.Phase)

	s.roll(sess.ID, 1, 4)
	s.roll(sess.ID, 2, 4)
	sess = s.roll(sess.ID, 3, 4)
	s.Require().Equal(contest.PhaseTieBreak, sess.Phase)
	s.Equal([][]int64{{1, 2, 3}}, sess.TieQueue)
	s.Equal(1, sess.TieRounds)
	for _, p := range []int64{1, 2, 3} {
		s.Equal(2, sess.Required[p])
	}

	s.roll(sess.ID, 1, 1) // [4 1] scores 5
	s.roll(sess.ID, 2, 4) // [4 4] scores 9
	final := s.roll(sess.ID, 3, 2)
	s.Equal(contest.OutcomeSettled, final.Outcome)

	s.Equal(startBalance+w, s.ledger.balance(2))
	s.Equal(startBalance, s.ledger.balance(3))
	s.Equal(startBalance-w, s.ledger.balance(1))
	s.assertGone(sess.ID, 1, 2, 3)
}

// A lone initiator is refunded when the join window lapses.
func (s *EngineTestSuite) TestJoinTimeoutRefunds() {
	w := money.MustParse("123.45")
	sess := s.create(contest.ModeSingle, w, 2, 0)

	done, err := s.engine.CheckJoin(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.False(done)

	s.clock.Advance(contest.DefaultConfig().JoinWindow + time.Second)
	done, err = s.engine.CheckJoin(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.True(done)

	s.Equal(startBalance, s.ledger.balance(1))
	s.assertGone(sess.ID, 1)
	s.Empty(s.recorded.all)
}

// An exact-mode session short of its target is refunded at the deadline.
func (s *EngineTestSuite) TestExactTimeoutRefundsEveryone() {
	w := money.FromPoints(10)
	sess := s.create(contest.ModeExact, w, 1, 4)
	s.join(sess.ID, 2, 3)

	s.clock.Advance(contest.DefaultConfig().ExactJoinWindow + time.Second)
	done, err := s.engine.CheckJoin(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.True(done)

	for _, p := range []int64{1, 2, 3} {
		s.Equal(startBalance, s.ledger.balance(p))
	}
	s.assertGone(sess.ID, 1, 2, 3)
}

// A dynamic session starts once the grace period after the last join ends.
func (s *EngineTestSuite) TestDynamicGraceStarts() {
	sess := s.create(contest.ModeDynamic, money.FromPoints(10), 1, 0)
	s.join(sess.ID, 2)

	s.clock.Advance(contest.DefaultConfig().DynamicGrace - time.Second)
	done, err := s.engine.CheckJoin(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.False(done)

	s.clock.Advance(2 * time.Second)
	done, err = s.engine.CheckJoin(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.True(done)

	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(contest.PhaseRolling, got.Phase)
	s.Equal([]int64{1, 2}, got.Queue)
}

// The roll ceiling settles a tie that never resolves. The tied pair splits
// first and second place with the odd cent going to the earlier joiner.
func (s *EngineTestSuite) TestRollCeilingForcesSettlement() {
	w := money.MustParse("1.01")
	sess := s.create(contest.ModeExact, w, 1, 3)
	s.join(sess.ID, 2, 3)

	s.roll(sess.ID, 1, 6)
	s.roll(sess.ID, 2, 6)
	sess = s.roll(sess.ID, 3, 1)
	s.Require().Equal(contest.PhaseTieBreak, sess.Phase)

	ceiling := contest.DefaultConfig().RollCeiling
	for n := 2; n <= ceiling; n++ {
		face := n%6 + 1
		s.roll(sess.ID, 1, face)
		sess = s.roll(sess.ID, 2, face)
		if n < ceiling {
			s.Require().Equal(contest.PhaseTieBreak, sess.Phase, "round %d", n)
			s.Equal(n+1, sess.Required[1])
		}
	}

	s.Equal(contest.OutcomeSettled, sess.Outcome)
	s.True(sess.Forced)
	s.Equal(startBalance+51, s.ledger.balance(1))
	s.Equal(startBalance+50, s.ledger.balance(2))
	s.Equal(startBalance-101, s.ledger.balance(3))
	s.assertGone(sess.ID, 1, 2, 3)
}

// Odd-cent wagers with four players are refunded before any die.
func (s *EngineTestSuite) TestOddCentWagerAborts() {
	w := money.MustParse("100.01")
	sess := s.create(contest.ModeExact, w, 1, 4)
	final := s.join(sess.ID, 2, 3, 4)

	s.Equal(contest.OutcomeAborted, final.Outcome)
	for _, p := range []int64{1, 2, 3, 4} {
		s.Equal(startBalance, s.ledger.balance(p))
	}
	s.assertGone(sess.ID, 1, 2, 3, 4)
	s.Equal(1, s.transport.count("精度"))
}

// Odd cents are fine with three players.
func (s *EngineTestSuite) TestOddCentWagerThreePlayers() {
	sess := s.create(contest.ModeExact, money.MustParse("0.01"), 1, 3)
	sess = s.join(sess.ID, 2, 3)
	s.Equal(contest.PhaseRolling, sess.Phase)
}

func (s *EngineTestSuite) TestTurnViolationChangesNothing() {
	sess := s.create(contest.ModeSingle, money.FromPoints(5), 2, 0)
	s.join(sess.ID, 2)

	_, err := s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 2, Face: 3, MessageID: 77})
	s.ErrorIs(err, contest.ErrTurnViolation)
	s.True(s.transport.wasDeleted(77))

	_, err = s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 1, Face: 7})
	s.ErrorIs(err, contest.ErrTurnViolation)

	_, err = s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 9, Face: 3})
	s.ErrorIs(err, contest.ErrTurnViolation)

	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Empty(got.Rolls[1])
	s.Empty(got.Rolls[2])
	s.Equal([]int64{1, 2}, got.Queue)

	s.roll(sess.ID, 1, 2)
	got = s.roll(sess.ID, 1, 2)
	s.Equal(int64(2), got.Queue[0])

	_, err = s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 1, Face: 2})
	s.ErrorIs(err, contest.ErrTurnViolation)
}

func (s *EngineTestSuite) TestRollBeforeStartRejected() {
	sess := s.create(contest.ModeSingle, money.FromPoints(5), 1, 0)
	_, err := s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 1, Face: 3})
	s.ErrorIs(err, contest.ErrTurnViolation)
}

// An idle player is warned once, then marked escaped and loses.
func (s *EngineTestSuite) TestStallWarnsThenEscapes() {
	w := money.FromPoints(100)
	sess := s.create(contest.ModeSingle, w, 2, 0)
	s.join(sess.ID, 2)
	cfg := contest.DefaultConfig()

	s.clock.Advance(cfg.WarnAfter + time.Second)
	sent := len(s.transport.sent)
	done, err := s.engine.CheckStall(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.False(done)
	s.Len(s.transport.sent, sent+1)

	_, err = s.engine.CheckStall(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Len(s.transport.sent, sent+1, "warning repeated")

	s.clock.Advance(cfg.EscapeAfter - cfg.WarnAfter)
	done, err = s.engine.CheckStall(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.False(done)

	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal([]int64{1}, got.Escaped)
	s.Equal([]int{contest.EscapeFace, contest.EscapeFace}, got.Rolls[1])
	cur, ok := got.Current()
	s.Require().True(ok)
	s.Equal(int64(2), cur)

	s.roll(sess.ID, 2, 1)
	final := s.roll(sess.ID, 2, 1)
	s.Equal(contest.OutcomeSettled, final.Outcome)
	s.Equal(startBalance+w, s.ledger.balance(2))
	s.Equal(startBalance-w, s.ledger.balance(1))
}

// Both players escaping still settles the session.
func (s *EngineTestSuite) TestEveryoneEscapes() {
	sess := s.create(contest.ModeSingle, money.FromPoints(100), 1, 0)
	s.join(sess.ID, 2)
	escape := contest.DefaultConfig().EscapeAfter + time.Second

	s.clock.Advance(escape)
	_, err := s.engine.CheckStall(s.ctx, sess.ID)
	s.Require().NoError(err)

	s.clock.Advance(escape)
	done, err := s.engine.CheckStall(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.True(done)

	// The earlier escape ranks last.
	s.Equal(startBalance-money.FromPoints(100), s.ledger.balance(1))
	s.Equal(startBalance+money.FromPoints(100), s.ledger.balance(2))
	s.assertGone(sess.ID, 1, 2)
}

func (s *EngineTestSuite) TestForceStart() {
	sess := s.create(contest.ModeExact, money.FromPoints(10), 1, 4)

	_, err := s.engine.ForceStart(s.ctx, sess.ID, 1)
	s.ErrorIs(err, contest.ErrNotEnoughPlayers)

	s.join(sess.ID, 2)
	_, err = s.engine.ForceStart(s.ctx, sess.ID, 2)
	s.ErrorIs(err, contest.ErrNotInitiator)

	got, err := s.engine.ForceStart(s.ctx, sess.ID, 1)
	s.Require().NoError(err)
	s.Equal(contest.PhaseRolling, got.Phase)

	_, err = s.engine.ForceStart(s.ctx, sess.ID, 1)
	s.ErrorIs(err, contest.ErrNotJoinable)
}

func (s *EngineTestSuite) TestForceStartOnlyExact() {
	sess := s.create(contest.ModeDynamic, money.FromPoints(10), 1, 0)
	s.join(sess.ID, 2)
	_, err := s.engine.ForceStart(s.ctx, sess.ID, 1)
	s.ErrorIs(err, contest.ErrNotExactMode)
}

func (s *EngineTestSuite) TestJoinRules() {
	sess := s.create(contest.ModeSingle, money.FromPoints(10), 1, 0)

	_, err := s.engine.Join(s.ctx, sess.ID, 1, "p1")
	s.ErrorIs(err, contest.ErrAlreadyJoined)

	_, err = s.engine.Create(s.ctx, contest.CreateRequest{
		ChatID: chatID, Initiator: 1, Mode: contest.ModeSingle, Direction: contest.High, DiceCount: 1,
	})
	s.ErrorIs(err, contest.ErrAlreadyInGame)

	s.ledger.balances[5] = money.FromPoints(5)
	_, err = s.engine.Join(s.ctx, sess.ID, 5, "p5")
	s.ErrorIs(err, contest.ErrInsufficientBalance)
	busy, err := s.engine.PlayerSession(s.ctx, 5)
	s.Require().NoError(err)
	s.Empty(busy)
	s.Equal(money.FromPoints(5), s.ledger.balance(5))

	s.join(sess.ID, 2)
	_, err = s.engine.Join(s.ctx, sess.ID, 3, "p3")
	s.ErrorIs(err, contest.ErrNotJoinable)

	_, err = s.engine.Join(s.ctx, "missing", 3, "p3")
	s.ErrorIs(err, contest.ErrSessionNotFound)
}

func (s *EngineTestSuite) TestTargetedDuel() {
	sess, err := s.engine.Create(s.ctx, contest.CreateRequest{
		ChatID: chatID, Initiator: 1, InitiatorName: "p1",
		Mode: contest.ModeTargeted, Direction: contest.Low,
		Wager: money.FromPoints(10), DiceCount: 1,
		TargetUser: 2, TargetName: "p2",
	})
	s.Require().NoError(err)

	_, err = s.engine.Join(s.ctx, sess.ID, 3, "p3")
	s.ErrorIs(err, contest.ErrNotTarget)

	got := s.join(sess.ID, 2)
	s.Equal(contest.PhaseRolling, got.Phase)

	// Low wins.
	s.roll(sess.ID, 1, 2)
	s.roll(sess.ID, 2, 6)
	s.Equal(startBalance+money.FromPoints(10), s.ledger.balance(1))

	_, err = s.engine.Create(s.ctx, contest.CreateRequest{
		ChatID: chatID, Initiator: 3, Mode: contest.ModeTargeted, Direction: contest.High,
		DiceCount: 1, TargetUser: 3,
	})
	s.ErrorIs(err, contest.ErrInvalidRequest)
}

func (s *EngineTestSuite) TestTargetBusy() {
	s.create(contest.ModeSingle, 0, 1, 0)
	_, err := s.engine.Create(s.ctx, contest.CreateRequest{
		ChatID: chatID, Initiator: 2, Mode: contest.ModeTargeted, Direction: contest.High,
		DiceCount: 1, TargetUser: 1,
	})
	s.ErrorIs(err, contest.ErrTargetInGame)
}

func (s *EngineTestSuite) TestCreateValidates() {
	tests := []contest.CreateRequest{
		{Initiator: 1, Mode: contest.ModeSingle, Direction: contest.High, DiceCount: 0},
		{Initiator: 1, Mode: contest.ModeSingle, Direction: contest.High, DiceCount: 6},
		{Initiator: 1, Mode: contest.ModeSingle, Direction: contest.High, DiceCount: 1, Wager: -1},
		{Initiator: 1, Mode: contest.ModeSingle, Direction: "up", DiceCount: 1},
		{Initiator: 1, Mode: contest.ModeExact, Direction: contest.High, DiceCount: 1, TargetCount: 2},
		{Initiator: 1, Mode: "solo", Direction: contest.High, DiceCount: 1},
	}
	for i, req := range tests {
		req.ChatID = chatID
		_, err := s.engine.Create(s.ctx, req)
		s.ErrorIs(err, contest.ErrInvalidRequest, "case %d", i)
	}
	s.Equal(startBalance, s.ledger.balance(1))
}

func (s *EngineTestSuite) TestStopChatRefunds() {
	w := money.FromPoints(50)
	first := s.create(contest.ModeSingle, w, 1, 0)
	s.join(first.ID, 2)
	s.roll(first.ID, 1, 4)

	second, err := s.engine.Create(s.ctx, contest.CreateRequest{
		ChatID: chatID, Initiator: 3, Mode: contest.ModeDynamic, Direction: contest.High,
		Wager: w, DiceCount: 1,
	})
	s.Require().NoError(err)

	stopped, err := s.engine.StopChat(s.ctx, chatID)
	s.Require().NoError(err)
	s.Equal(2, stopped)

	for _, p := range []int64{1, 2, 3} {
		s.Equal(startBalance, s.ledger.balance(p))
	}
	s.assertGone(first.ID, 1, 2)
	s.assertGone(second.ID, 3)
	s.Equal(2, s.activity.began)
	s.Equal(1, s.activity.ended)

	stopped, err = s.engine.StopChat(s.ctx, chatID)
	s.Require().NoError(err)
	s.Zero(stopped)
}

// A session left closing by a crash finishes paying on recovery, once.
func (s *EngineTestSuite) TestRecoverFinishesClosing() {
	w := money.FromPoints(100)
	sess := s.create(contest.ModeSingle, w, 1, 0)
	s.join(sess.ID, 2)

	sessions := store.NewSessionStore(s.client, time.Hour)
	got, err := sessions.Load(s.ctx, sess.ID)
	s.Require().NoError(err)
	got.Phase = contest.PhaseClosing
	got.Closing = contest.OutcomeDestroyed
	got.Credits = map[int64]money.Cents{2: w}
	got.CreditType = "game_refund"
	s.Require().NoError(sessions.Save(s.ctx, got))

	n, err := s.engine.Recover(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Equal(startBalance-w, s.ledger.balance(1))
	s.Equal(startBalance, s.ledger.balance(2))
	s.assertGone(sess.ID, 1, 2)

	n, err = s.engine.Recover(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(startBalance, s.ledger.balance(2))
}

// Concurrent joins never overfill a session or lose money.
func (s *EngineTestSuite) TestConcurrentJoins() {
	w := money.FromPoints(10)
	sess := s.create(contest.ModeDynamic, w, 1, 0)

	var wg sync.WaitGroup
	var joined atomic.Int32
	for p := int64(2); p <= 11; p++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			if _, err := s.engine.Join(s.ctx, sess.ID, p, "p"); err == nil {
				joined.Add(1)
			}
		}(p)
	}
	wg.Wait()

	s.Equal(int32(4), joined.Load())
	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Len(got.Players, 5)
	s.Equal(contest.PhaseRolling, got.Phase)

	var total money.Cents
	for p := int64(1); p <= 11; p++ {
		total += s.ledger.balance(p)
	}
	s.Equal(11*startBalance-5*w, total)
}

// Concurrent rolls by the current player are accepted exactly as often as
// the player owes dice.
func (s *EngineTestSuite) TestConcurrentRolls() {
	sess := s.create(contest.ModeSingle, 0, 2, 0)
	s.join(sess.ID, 2)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 1, Face: 3}); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(2), accepted.Load())
	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Len(got.Rolls[1], 2)
	s.Equal([]int64{2}, got.Queue)
}

func (s *EngineTestSuite) TestFillingJoinRefundsWhenStartNotSaved() {
	flaky := &flakyStore{Store: store.NewSessionStore(s.client, time.Hour)}
	s.engine = s.newEngine(flaky)
	w := money.FromPoints(100)
	sess := s.create(contest.ModeSingle, w, 1, 0)

	flaky.failOn(contest.PhaseRolling)
	_, err := s.engine.Join(s.ctx, sess.ID, 2, "p2")
	s.ErrorIs(err, errRedisDown)

	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal([]int64{1}, got.Players)
	s.Equal(contest.PhaseWaitingJoin, got.Phase)
	s.Equal(startBalance, s.ledger.balance(2))
	s.Equal(startBalance-w, s.ledger.balance(1))
	busy, err := s.engine.PlayerSession(s.ctx, 2)
	s.Require().NoError(err)
	s.Empty(busy)

	flaky.failOn("")
	sess = s.join(sess.ID, 2)
	s.Equal(contest.PhaseRolling, sess.Phase)
	s.Equal(startBalance-w, s.ledger.balance(2))
}

func (s *EngineTestSuite) TestFillingJoinRefundsWhenAbortNotSaved() {
	flaky := &flakyStore{Store: store.NewSessionStore(s.client, time.Hour)}
	s.engine = s.newEngine(flaky)
	w := money.MustParse("100.01")
	sess := s.create(contest.ModeExact, w, 1, 4)
	s.join(sess.ID, 2, 3)

	flaky.failOn(contest.PhaseClosing)
	_, err := s.engine.Join(s.ctx, sess.ID, 4, "p4")
	s.ErrorIs(err, errRedisDown)

	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal([]int64{1, 2, 3}, got.Players)
	s.Equal(contest.PhaseWaitingJoin, got.Phase)
	s.Equal(startBalance, s.ledger.balance(4))
	for _, p := range []int64{1, 2, 3} {
		s.Equal(startBalance-w, s.ledger.balance(p))
	}
	busy, err := s.engine.PlayerSession(s.ctx, 4)
	s.Require().NoError(err)
	s.Empty(busy)
}

func (s *EngineTestSuite) TestEscapeOutOfTurnRejected() {
	sess := s.create(contest.ModeSingle, money.FromPoints(5), 1, 0)
	s.join(sess.ID, 2)

	_, err := s.engine.SubmitRoll(s.ctx, contest.RollEvent{SessionID: sess.ID, Player: 2, Face: contest.EscapeFace})
	s.ErrorIs(err, contest.ErrTurnViolation)

	got, err := s.engine.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Empty(got.Rolls[2])
	s.Empty(got.Escaped)
	s.Equal([]int64{1, 2}, got.Queue)
}
