// Package attack implements the /attack duel: two players build a pot
// through stake buttons and a weighted draw at the deadline gives the
// winner their own stake plus most of the loser's.
package attack

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/ids"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/service"
	"dice-arena-bot/internal/store"
)

// Errors
var (
	ErrSelfAttack          = errors.New("cannot attack self")
	ErrNotChallenger       = errors.New("only the challenger can raise")
	ErrNotDefender         = errors.New("only the defender can strike back")
	ErrInsufficientBalance = errors.New("insufficient balance for attack stake")
	ErrAttackEnded         = store.ErrAttackEnded
	ErrAttackCapped        = store.ErrAttackCapped
	ErrAttackerBusy        = store.ErrAttackerBusy
	ErrDefenderBusy        = store.ErrDefenderBusy
)

// StakeError reports a stake the balance could not cover.
type StakeError struct {
	Need money.Cents
	Have money.Cents
}

func (e *StakeError) Error() string {
	return fmt.Sprintf("need %s, have %s", e.Need, e.Have)
}

func (e *StakeError) Unwrap() error {
	return ErrInsufficientBalance
}

// Accounts is the balance side of the game.
type Accounts interface {
	Debit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) (money.Cents, error)
	Credit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) (money.Cents, error)
	Confiscate(ctx context.Context, userID int64, amount money.Cents, desc string) (money.Cents, error)
}

// Config holds duel amounts in cents and its timings.
type Config struct {
	Stake          money.Cents
	Step           money.Cents
	Cap            money.Cents
	Window         time.Duration
	SettleLeeway   time.Duration
	MarkerTTL      time.Duration
	CapturePercent int64
	PenaltyMin     money.Cents
	PenaltyMax     money.Cents
	KeepSettled    time.Duration
	NoticeTTL      time.Duration
}

// NewConfig converts the attack section of the application config.
func NewConfig(c config.AttackConfig) Config {
	return Config{
		Stake:          money.FromPoints(c.Step),
		Step:           money.FromPoints(c.Step),
		Cap:            money.FromPoints(c.Cap),
		Window:         c.Window,
		SettleLeeway:   c.SettleLeeway,
		MarkerTTL:      c.MarkerTTL,
		CapturePercent: c.CapturePerc,
		PenaltyMin:     money.FromPoints(200),
		PenaltyMax:     money.FromPoints(2000),
		KeepSettled:    time.Hour,
		NoticeTTL:      30 * time.Second,
	}
}

// Deps are the service's collaborators.
type Deps struct {
	Accounts  Accounts
	Attacks   *store.AttackStore
	Transport contest.Transport
	Clock     clock.Clock
	IDs       ids.Generator

	// ManualWatchers disables the settlement timers. Callers run Settle.
	ManualWatchers bool
}

// Service runs attack duels.
type Service struct {
	cfg       Config
	accounts  Accounts
	attacks   *store.AttackStore
	transport contest.Transport
	clock     clock.Clock
	ids       ids.Generator
	manual    bool
	randFloat func() float64
	randN     func(n int64) int64

	root context.Context
	wg   sync.WaitGroup
}

// NewService creates a Service. Settlement timers stop when root is done.
func NewService(root context.Context, cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		accounts:  deps.Accounts,
		attacks:   deps.Attacks,
		transport: deps.Transport,
		clock:     deps.Clock,
		ids:       deps.IDs,
		manual:    deps.ManualWatchers,
		randFloat: rand.Float64,
		randN:     rand.Int64N,
		root:      root,
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.ids == nil {
		s.ids = ids.New()
	}
	return s
}

// Config returns the duel amounts and timings.
func (s *Service) Config() Config {
	return s.cfg
}

// Wait blocks until every settlement timer has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StartRequest describes a new attack.
type StartRequest struct {
	ChatID         int64
	ThreadID       int
	ChallengerID   int64
	ChallengerName string
	DefenderID     int64
	DefenderName   string
}

// Start takes the challenger's opening stake, posts the panel and arms
// the settlement timer.
func (s *Service) Start(ctx context.Context, req StartRequest) (*store.Attack, error) {
	if req.ChallengerID == req.DefenderID {
		return nil, ErrSelfAttack
	}

	id := s.ids.SessionID()
	if err := s.attacks.Reserve(ctx, id, req.ChallengerID, req.DefenderID); err != nil {
		return nil, err
	}

	if err := s.debit(ctx, req.ChallengerID, s.cfg.Stake, "发起 Attack "+id); err != nil {
		s.release(ctx, req.ChallengerID, req.DefenderID)
		return nil, err
	}

	a := &store.Attack{
		ID:              id,
		ChatID:          req.ChatID,
		ThreadID:        req.ThreadID,
		ChallengerID:    req.ChallengerID,
		ChallengerName:  req.ChallengerName,
		DefenderID:      req.DefenderID,
		DefenderName:    req.DefenderName,
		ChallengerTotal: s.cfg.Stake,
		Active:          true,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.attacks.Create(ctx, a); err != nil {
		s.release(ctx, req.ChallengerID, req.DefenderID)
		s.credit(ctx, req.ChallengerID, s.cfg.Stake, model.TxTypeAttackBack, "Attack 创建失败退回")
		return nil, err
	}

	msgID, err := s.transport.Send(ctx, contest.Outgoing{
		ChatID:   a.ChatID,
		ThreadID: a.ThreadID,
		Text:     panelText(a),
		Keyboard: panelKeyboard(a.ID, s.cfg.Step),
	})
	if err != nil {
		log.Warn().Err(err).Str("attack_id", id).Int64("chat_id", a.ChatID).Msg("Failed to send attack panel")
	} else {
		a.MessageID = msgID
		if err := s.attacks.SetMessage(ctx, id, msgID); err != nil {
			log.Warn().Err(err).Str("attack_id", id).Msg("Failed to store attack panel id")
		}
	}

	log.Info().
		Str("attack_id", id).
		Int64("chat_id", a.ChatID).
		Int64("user_id", a.ChallengerID).
		Int64("defender_id", a.DefenderID).
		Msg("Attack started")

	s.arm(a)
	return a, nil
}

// Raise adds one step to the caller's side. Only the challenger can raise
// the challenger side and only the defender the defender side.
func (s *Service) Raise(ctx context.Context, id string, side store.Side, userID int64) (*store.Attack, error) {
	a, err := s.attacks.Get(ctx, id)
	if errors.Is(err, store.ErrAttackNotFound) {
		return nil, ErrAttackEnded
	}
	if err != nil {
		return nil, err
	}
	if !a.Active || a.Settled {
		return nil, ErrAttackEnded
	}

	current := a.ChallengerTotal
	owner, notOwner := a.ChallengerID, ErrNotChallenger
	if side == store.Defender {
		current = a.DefenderTotal
		owner, notOwner = a.DefenderID, ErrNotDefender
	}
	if userID != owner {
		return nil, notOwner
	}
	if current >= s.cfg.Cap {
		return nil, ErrAttackCapped
	}

	if err := s.debit(ctx, userID, s.cfg.Step, "Attack 追加 "+id); err != nil {
		return nil, err
	}
	if _, err := s.attacks.AddStake(ctx, id, side, s.cfg.Step, s.cfg.Cap); err != nil {
		// The pot did not take the stake, give it back
		s.credit(ctx, userID, s.cfg.Step, model.TxTypeAttackBack, "Attack 追加退回")
		return nil, err
	}

	fresh, err := s.attacks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh.MessageID != 0 {
		if err := s.transport.Edit(ctx, fresh.ChatID, fresh.MessageID, panelText(fresh), panelKeyboard(id, s.cfg.Step)); err != nil {
			log.Debug().Err(err).Str("attack_id", id).Msg("Failed to edit attack panel")
		}
	}
	return fresh, nil
}

// Outcome is the result of a settled attack.
type Outcome struct {
	Attack   *store.Attack
	Refunded bool
	WinnerID int64
	Captured money.Cents
	Payout   money.Cents
}

// Settle closes an attack. Only the first caller settles; a repeated or
// late call returns a nil Outcome.
func (s *Service) Settle(ctx context.Context, id string) (*Outcome, error) {
	a, err := s.attacks.ClaimSettlement(ctx, id)
	if errors.Is(err, store.ErrAttackEnded) || errors.Is(err, store.ErrAttackNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.release(ctx, a.ChallengerID, a.DefenderID)
	if a.MessageID != 0 {
		s.transport.Delete(ctx, a.ChatID, a.MessageID, 0)
	}

	if a.DefenderTotal == 0 {
		s.credit(ctx, a.ChallengerID, a.ChallengerTotal, model.TxTypeAttackBack, "Attack 无人应战退回")
		s.notify(ctx, a, refundText(a), s.cfg.NoticeTTL)
		if err := s.attacks.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("attack_id", id).Msg("Failed to delete attack")
		}
		log.Info().Str("attack_id", id).Int64("chat_id", a.ChatID).Msg("Attack undefended, refunded")
		return &Outcome{Attack: a, Refunded: true, WinnerID: a.ChallengerID, Payout: a.ChallengerTotal}, nil
	}

	out := &Outcome{Attack: a}
	own, lost := a.DefenderTotal, a.ChallengerTotal
	out.WinnerID = a.DefenderID
	if s.randFloat()*float64(a.Total()) < float64(a.ChallengerTotal) {
		own, lost = a.ChallengerTotal, a.DefenderTotal
		out.WinnerID = a.ChallengerID
	}
	out.Captured = lost * money.Cents(s.cfg.CapturePercent) / 100
	out.Payout = own + out.Captured

	s.credit(ctx, out.WinnerID, out.Payout, model.TxTypeAttackWin, "Attack 获胜 "+id)
	s.notify(ctx, a, resultText(a, out, own), 0)
	if err := s.attacks.Keep(ctx, id, s.cfg.KeepSettled); err != nil {
		log.Warn().Err(err).Str("attack_id", id).Msg("Failed to shorten attack lifetime")
	}

	log.Info().
		Str("attack_id", id).
		Int64("chat_id", a.ChatID).
		Int64("user_id", out.WinnerID).
		Str("payout", out.Payout.String()).
		Msg("Attack settled")
	return out, nil
}

// Punish confiscates a random penalty from a player who attacked a bot.
// It returns what was taken.
func (s *Service) Punish(ctx context.Context, userID int64) (money.Cents, error) {
	span := (s.cfg.PenaltyMax-s.cfg.PenaltyMin).Points() + 1
	penalty := s.cfg.PenaltyMin + money.FromPoints(s.randN(span))
	return s.accounts.Confiscate(ctx, userID, penalty, "恶意攻击荷官")
}

// Recover re-arms the settlement timer of every unsettled attack.
func (s *Service) Recover(ctx context.Context) (int, error) {
	attacks, err := s.attacks.Unsettled(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list attacks: %w", err)
	}
	for _, a := range attacks {
		s.arm(a)
	}
	if len(attacks) > 0 {
		log.Info().Int("attacks", len(attacks)).Msg("Recovered attacks")
	}
	return len(attacks), nil
}

// Deadline is when an attack settles.
func (s *Service) Deadline(a *store.Attack) time.Time {
	return a.CreatedAt.Add(s.cfg.Window + s.cfg.SettleLeeway)
}

func (s *Service) arm(a *store.Attack) {
	if s.manual {
		return
	}
	wait := s.Deadline(a).Sub(s.clock.Now())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(max(wait, 0))
		defer timer.Stop()
		select {
		case <-s.root.Done():
			return
		case <-timer.C:
		}
		if _, err := s.Settle(s.root, a.ID); err != nil {
			log.Error().Err(err).Str("attack_id", a.ID).Msg("Failed to settle attack")
		}
	}()
}

func (s *Service) debit(ctx context.Context, userID int64, amount money.Cents, desc string) error {
	balance, err := s.accounts.Debit(ctx, userID, amount, model.TxTypeAttackStake, desc)
	if err != nil {
		if errors.Is(err, service.ErrInsufficientBalance) {
			return &StakeError{Need: amount, Have: balance}
		}
		return err
	}
	return nil
}

func (s *Service) credit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) {
	if amount <= 0 {
		return
	}
	if _, err := s.accounts.Credit(ctx, userID, amount, txType, desc); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Str("amount", amount.String()).Msg("Failed to credit attack funds")
	}
}

func (s *Service) release(ctx context.Context, challenger, defender int64) {
	if err := s.attacks.Release(ctx, challenger, defender); err != nil {
		log.Warn().Err(err).Int64("user_id", challenger).Msg("Failed to release attack markers")
	}
}

func (s *Service) notify(ctx context.Context, a *store.Attack, text string, ttl time.Duration) {
	msgID, err := s.transport.Send(ctx, contest.Outgoing{ChatID: a.ChatID, ThreadID: a.ThreadID, Text: text})
	if err != nil {
		log.Warn().Err(err).Str("attack_id", a.ID).Msg("Failed to send attack result")
		return
	}
	if ttl > 0 {
		s.transport.Delete(ctx, a.ChatID, msgID, ttl)
	}
}
