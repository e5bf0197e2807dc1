// Package contest implements the dice contest engine: session creation,
// joining, turn-ordered rolling, tie-break rounds and settlement.
//
// Every transition of a session runs under that session's lock and starts
// by re-reading the session from the Store, which is the only source of
// truth. Terminal transitions delete the record last, so a stale watcher or
// a late button press finds nothing and does nothing.
package contest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/ids"
	"dice-arena-bot/internal/pkg/lock"
	"dice-arena-bot/internal/pkg/money"
)

// Deps are the engine's collaborators.
type Deps struct {
	Store     Store
	Ledger    Ledger
	Transport Transport
	Locks     *lock.Registry[string] // per session
	UserLocks *lock.Registry[int64]  // per user balance, shared with other games
	Clock     clock.Clock
	IDs       ids.Generator
	Listeners []ActivityListener
	Recorders []StatsRecorder

	// ManualWatchers disables the watcher goroutines. Callers drive
	// CheckJoin and CheckStall themselves.
	ManualWatchers bool
}

// Engine runs dice contests.
type Engine struct {
	cfg       Config
	store     Store
	ledger    Ledger
	transport Transport
	locks     *lock.Registry[string]
	userLocks *lock.Registry[int64]
	clock     clock.Clock
	ids       ids.Generator
	listeners []ActivityListener
	recorders []StatsRecorder
	manual    bool

	root context.Context
	wg   sync.WaitGroup
}

// NewEngine creates an Engine. Watchers run until root is cancelled.
func NewEngine(root context.Context, cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		ledger:    deps.Ledger,
		transport: deps.Transport,
		locks:     deps.Locks,
		userLocks: deps.UserLocks,
		clock:     deps.Clock,
		ids:       deps.IDs,
		listeners: deps.Listeners,
		recorders: deps.Recorders,
		manual:    deps.ManualWatchers,
		root:      root,
	}
	if e.locks == nil {
		e.locks = lock.New[string]()
	}
	if e.userLocks == nil {
		e.userLocks = lock.New[int64]()
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.ids == nil {
		e.ids = ids.New()
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Wait blocks until every watcher has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ChatID        int64
	ThreadID      int
	Initiator     int64
	InitiatorName string
	Mode          Mode
	Direction     Direction
	Wager         money.Cents
	DiceCount     int
	TargetCount   int   // exact mode only
	TargetUser    int64 // targeted mode only
	TargetName    string
}

func (e *Engine) validate(req *CreateRequest) error {
	if req.Wager < 0 || req.Wager > e.cfg.MaxWager {
		return fmt.Errorf("%w: wager %s", ErrInvalidRequest, req.Wager)
	}
	if req.DiceCount < 1 || req.DiceCount > e.cfg.MaxDice {
		return fmt.Errorf("%w: dice %d", ErrInvalidRequest, req.DiceCount)
	}
	if req.Direction != High && req.Direction != Low {
		return fmt.Errorf("%w: direction %q", ErrInvalidRequest, req.Direction)
	}
	switch req.Mode {
	case ModeSingle:
	case ModeTargeted:
		if req.TargetUser == 0 || req.TargetUser == req.Initiator {
			return fmt.Errorf("%w: target", ErrInvalidRequest)
		}
	case ModeExact:
		if req.TargetCount < e.cfg.MinExactPlayers || req.TargetCount > e.cfg.MaxPlayers {
			return fmt.Errorf("%w: target count %d", ErrInvalidRequest, req.TargetCount)
		}
	case ModeDynamic:
		req.TargetCount = e.cfg.MaxPlayers
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidRequest, req.Mode)
	}
	return nil
}

// Create opens a session, escrows the initiator's wager and posts the
// join panel.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if err := e.validate(&req); err != nil {
		return nil, err
	}

	if req.Mode == ModeTargeted {
		busy, err := e.store.PlayerSession(ctx, req.TargetUser)
		if err != nil {
			return nil, fmt.Errorf("failed to check target: %w", err)
		}
		if busy != "" {
			return nil, ErrTargetInGame
		}
	}

	id := e.ids.SessionID()
	if err := e.claimPlayer(ctx, req.Initiator, id); err != nil {
		return nil, err
	}
	if err := e.escrow(ctx, req.Initiator, req.Wager, id); err != nil {
		e.releasePlayers(ctx, req.Initiator)
		return nil, err
	}

	now := e.clock.Now()
	window := e.cfg.JoinWindow
	if req.Mode == ModeExact {
		window = e.cfg.ExactJoinWindow
	}
	s := &Session{
		ID:           id,
		ChatID:       req.ChatID,
		ThreadID:     req.ThreadID,
		Mode:         req.Mode,
		Direction:    req.Direction,
		Wager:        req.Wager,
		DiceCount:    req.DiceCount,
		TargetCount:  req.TargetCount,
		Initiator:    req.Initiator,
		TargetUser:   req.TargetUser,
		TargetName:   req.TargetName,
		Players:      []int64{req.Initiator},
		Names:        map[int64]string{req.Initiator: req.InitiatorName},
		Phase:        PhaseWaitingJoin,
		JoinDeadline: now.Add(window),
		LastAction:   now,
		CreatedAt:    now,
	}

	err := e.locks.WithLock(id, func() error {
		if err := e.store.Save(ctx, s); err != nil {
			return err
		}
		if err := e.store.AddToChat(ctx, s.ChatID, id); err != nil {
			return err
		}
		for _, l := range e.listeners {
			l.GameActivityBegan(ctx, s.ChatID)
		}
		s.PanelMessageID = e.send(ctx, s, joinPanelText(s, e.cfg), joinKeyboard(s))
		s.trackMessage(s.PanelMessageID)
		return e.store.Save(ctx, s)
	})
	if err != nil {
		e.credit(ctx, req.Initiator, req.Wager, model.TxTypeGameRefund, id)
		e.releasePlayers(ctx, req.Initiator)
		_ = e.store.Delete(ctx, id)
		if _, rerr := e.store.RemoveFromChat(ctx, s.ChatID, id); rerr != nil {
			log.Warn().Err(rerr).Str("session_id", id).Msg("Failed to remove session from chat set")
		}
		e.locks.Remove(id)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", id).
		Int64("chat_id", s.ChatID).
		Int64("user_id", s.Initiator).
		Str("mode", string(s.Mode)).
		Str("wager", s.Wager.String()).
		Int("dice", s.DiceCount).
		Msg("Session created")

	e.watch(e.watchJoin, id)
	return s, nil
}

// Join adds a player to a waiting session. A full session starts rolling.
func (e *Engine) Join(ctx context.Context, id string, player int64, name string) (*Session, error) {
	var out *Session
	err := e.locks.WithLock(id, func() error {
		s, err := e.store.Load(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case s.Phase != PhaseWaitingJoin:
			return ErrNotJoinable
		case s.HasPlayer(player):
			return ErrAlreadyJoined
		case s.Mode == ModeTargeted && player != s.TargetUser:
			return ErrNotTarget
		case len(s.Players) >= s.Capacity(e.cfg.MaxPlayers):
			return ErrNotJoinable
		}

		if err := e.claimPlayer(ctx, player, id); err != nil {
			return err
		}
		if err := e.escrow(ctx, player, s.Wager, id); err != nil {
			e.releasePlayers(ctx, player)
			return err
		}

		now := e.clock.Now()
		s.Players = append(s.Players, player)
		s.Names[player] = name
		s.LastAction = now

		if len(s.Players) >= s.Capacity(e.cfg.MaxPlayers) {
			if err := e.startRolling(ctx, s); err != nil {
				// A closing session owns the joiner's escrow. Anything
				// else was never stored with the joiner in it.
				if s.Phase != PhaseClosing {
					s.Players = s.Players[:len(s.Players)-1]
					delete(s.Names, player)
					s.Phase = PhaseWaitingJoin
					e.credit(ctx, player, s.Wager, model.TxTypeGameRefund, id)
					e.releasePlayers(ctx, player)
					e.edit(ctx, s, s.PanelMessageID, joinPanelText(s, e.cfg), joinKeyboard(s))
				}
				return err
			}
			out = s
			return nil
		}

		if s.Mode == ModeDynamic {
			s.JoinDeadline = now.Add(e.cfg.DynamicGrace)
		}
		if err := e.store.Save(ctx, s); err != nil {
			s.Players = s.Players[:len(s.Players)-1]
			e.credit(ctx, player, s.Wager, model.TxTypeGameRefund, id)
			e.releasePlayers(ctx, player)
			return err
		}
		e.edit(ctx, s, s.PanelMessageID, joinPanelText(s, e.cfg), joinKeyboard(s))
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", id).
		Int64("user_id", player).
		Int("players", len(out.Players)).
		Msg("Player joined")
	return out, nil
}

// ForceStart starts an exact-mode session early on the initiator's request.
func (e *Engine) ForceStart(ctx context.Context, id string, requester int64) (*Session, error) {
	var out *Session
	err := e.locks.WithLock(id, func() error {
		s, err := e.store.Load(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case s.Mode != ModeExact:
			return ErrNotExactMode
		case requester != s.Initiator:
			return ErrNotInitiator
		case s.Phase != PhaseWaitingJoin:
			return ErrNotJoinable
		case len(s.Players) < 2:
			return ErrNotEnoughPlayers
		}
		out = s
		return e.startRolling(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RollEvent is one die result reported for a player.
type RollEvent struct {
	SessionID string
	Player    int64
	Face      int // 1..6, or EscapeFace
	MessageID int // the die message, deleted when the roll is rejected
}

// SubmitRoll records a die. Rolls out of turn or beyond the player's
// required count are rejected with ErrTurnViolation and change nothing.
func (e *Engine) SubmitRoll(ctx context.Context, ev RollEvent) (*Session, error) {
	var out *Session
	err := e.locks.WithLock(ev.SessionID, func() error {
		s, err := e.store.Load(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		if !e.acceptsRoll(s, ev) {
			if ev.MessageID > 0 {
				e.transport.Delete(ctx, s.ChatID, ev.MessageID, 0)
			}
			return ErrTurnViolation
		}

		s.Rolls[ev.Player] = append(s.Rolls[ev.Player], ev.Face)
		s.LastAction = e.clock.Now()
		s.WarnedPlayer = 0
		out = s

		if s.Remaining(ev.Player) > 0 {
			return e.store.Save(ctx, s)
		}
		return e.advance(ctx, s, ev.Player)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) acceptsRoll(s *Session, ev RollEvent) bool {
	if !s.InPlay() || s.Remaining(ev.Player) == 0 {
		return false
	}
	if ev.Face != EscapeFace && (ev.Face < 1 || ev.Face > 6) {
		return false
	}
	cur, ok := s.Current()
	return ok && cur == ev.Player
}

// StopChat refunds every active session in a chat and returns how many
// were stopped.
func (e *Engine) StopChat(ctx context.Context, chatID int64) (int, error) {
	sessionIDs, err := e.store.ChatSessions(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to list chat sessions: %w", err)
	}

	stopped := 0
	for _, id := range sessionIDs {
		err := e.locks.WithLock(id, func() error {
			s, err := e.store.Load(ctx, id)
			if err != nil {
				return err
			}
			if s.Phase == PhaseClosing {
				return e.finish(ctx, s)
			}
			e.notify(ctx, s, stopText(s))
			return e.refundAll(ctx, s, OutcomeDestroyed)
		})
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return stopped, fmt.Errorf("failed to stop session %s: %w", id, err)
		}
		stopped++
	}

	log.Info().Int64("chat_id", chatID).Int("stopped", stopped).Msg("Chat sessions force stopped")
	return stopped, nil
}

// Get returns a session by id.
func (e *Engine) Get(ctx context.Context, id string) (*Session, error) {
	return e.store.Load(ctx, id)
}

// ActiveSessions returns the sessions currently open in a chat.
func (e *Engine) ActiveSessions(ctx context.Context, chatID int64) ([]*Session, error) {
	sessionIDs, err := e.store.ChatSessions(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		s, err := e.store.Load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// PlayerSession returns the id of the session a player is locked into,
// or "" when the player is free.
func (e *Engine) PlayerSession(ctx context.Context, player int64) (string, error) {
	return e.store.PlayerSession(ctx, player)
}

// Recover resumes sessions left behind by a previous process: closing
// sessions finish paying out, the others get their watchers back.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, s := range sessions {
		switch s.Phase {
		case PhaseClosing:
			err := e.locks.WithLock(s.ID, func() error {
				fresh, err := e.store.Load(ctx, s.ID)
				if err != nil {
					return err
				}
				return e.finish(ctx, fresh)
			})
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to finish closing session")
			}
		case PhaseWaitingJoin:
			e.watch(e.watchJoin, s.ID)
		default:
			e.watch(e.watchRolling, s.ID)
		}
	}

	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("Recovered sessions")
	}
	return len(sessions), nil
}

// claimPlayer marks player as busy with session id.
func (e *Engine) claimPlayer(ctx context.Context, player int64, id string) error {
	ok, err := e.store.AcquirePlayer(ctx, player, id)
	if err != nil {
		return fmt.Errorf("failed to mark player: %w", err)
	}
	if !ok {
		return ErrAlreadyInGame
	}
	return nil
}

func (e *Engine) releasePlayers(ctx context.Context, players ...int64) {
	if err := e.store.ReleasePlayers(ctx, players...); err != nil {
		log.Warn().Err(err).Msg("Failed to release player markers")
	}
}

// escrow debits the wager after checking the balance under the user lock.
func (e *Engine) escrow(ctx context.Context, player int64, wager money.Cents, id string) error {
	if wager <= 0 {
		return nil
	}

	e.userLocks.Lock(player)
	defer e.userLocks.Unlock(player)

	balance, err := e.ledger.GetOrInitBalance(ctx, player)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}
	if balance < wager {
		return ErrInsufficientBalance
	}
	if _, err := e.ledger.UpdateBalance(ctx, player, -wager, model.TxTypeGameEscrow, "对局押注 "+id); err != nil {
		return fmt.Errorf("failed to escrow wager: %w", err)
	}
	return nil
}

// credit adds amount to a player's balance, logging failures.
func (e *Engine) credit(ctx context.Context, player int64, amount money.Cents, txType, id string) {
	if amount <= 0 {
		return
	}
	if _, err := e.ledger.UpdateBalance(ctx, player, amount, txType, "对局 "+id); err != nil {
		log.Error().Err(err).Int64("user_id", player).Str("session_id", id).Msg("Failed to credit player")
	}
}

func (e *Engine) send(ctx context.Context, s *Session, text string, kb *Keyboard) int {
	id, err := e.transport.Send(ctx, Outgoing{ChatID: s.ChatID, ThreadID: s.ThreadID, Text: text, Keyboard: kb})
	if err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Failed to send message")
		return 0
	}
	return id
}

func (e *Engine) notify(ctx context.Context, s *Session, text string) {
	e.send(ctx, s, text, nil)
}

func (e *Engine) edit(ctx context.Context, s *Session, msgID int, text string, kb *Keyboard) {
	if msgID <= 0 {
		return
	}
	if err := e.transport.Edit(ctx, s.ChatID, msgID, text, kb); err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Failed to edit message")
	}
}
