package contest

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/money"
)

// startRolling moves a full or expired session into its first round.
// Odd-cent wagers cannot be halved for four or more players, so such
// sessions are refunded before any die is thrown.
func (e *Engine) startRolling(ctx context.Context, s *Session) error {
	if s.Wager > 0 && s.Wager.IsOdd() && len(s.Players) >= 4 {
		log.Warn().
			Str("session_id", s.ID).
			Str("wager", s.Wager.String()).
			Int("players", len(s.Players)).
			Msg("Odd-cent wager aborted")
		e.notify(ctx, s, precisionAbortText(s))
		return e.refundAll(ctx, s, OutcomeAborted)
	}

	s.Phase = PhaseRolling
	s.Queue = slices.Clone(s.Players)
	s.Rolls = make(map[int64][]int, len(s.Players))
	s.Required = make(map[int64]int, len(s.Players))
	for _, p := range s.Players {
		s.Required[p] = s.DiceCount
	}
	s.Escaped = nil
	s.TieQueue = nil
	s.TieGroup, s.TieTurn, s.TieRounds = 0, 0, 0
	s.WarnedPlayer = 0
	s.LastAction = e.clock.Now()

	e.edit(ctx, s, s.PanelMessageID, startedPanelText(s), nil)
	s.trackMessage(e.send(ctx, s, rollStartText(s), rollKeyboard(s.ID, s.Queue[0])))

	if err := e.store.Save(ctx, s); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	log.Info().
		Str("session_id", s.ID).
		Int64("chat_id", s.ChatID).
		Int("players", len(s.Players)).
		Msg("Rolling started")

	e.watch(e.watchRolling, s.ID)
	return nil
}

// advance moves the turn after player completed the rolls they owe.
func (e *Engine) advance(ctx context.Context, s *Session, player int64) error {
	switch s.Phase {
	case PhaseRolling:
		if i := slices.Index(s.Queue, player); i >= 0 {
			s.Queue = slices.Delete(s.Queue, i, i+1)
		}
		if len(s.Queue) == 0 {
			return e.closeRound(ctx, s)
		}
		next := s.Queue[0]
		s.trackMessage(e.send(ctx, s, nextTurnText(s, next), rollKeyboard(s.ID, next)))

	case PhaseTieBreak:
		s.TieTurn++
		sameGroup := s.TieTurn < len(s.TieQueue[s.TieGroup])
		if !sameGroup {
			s.TieGroup++
			s.TieTurn = 0
		}
		if s.TieGroup >= len(s.TieQueue) {
			return e.closeRound(ctx, s)
		}
		next, _ := s.Current()
		s.trackMessage(e.send(ctx, s, tieNextText(s, player, next, sameGroup), rollKeyboard(s.ID, next)))
	}

	return e.store.Save(ctx, s)
}

// closeRound ranks everyone once the queue drains. Tied groups get one
// more die each unless a history reached the roll ceiling.
func (e *Engine) closeRound(ctx context.Context, s *Session) error {
	groups := Rank(s)

	forced := false
	for _, faces := range s.Rolls {
		if len(faces) >= e.cfg.RollCeiling {
			forced = true
			break
		}
	}

	if !forced {
		var ties [][]int64
		for _, g := range groups {
			if len(g) > 1 {
				ties = append(ties, slices.Clone(g))
			}
		}
		if len(ties) > 0 {
			return e.startTieBreak(ctx, s, ties)
		}
	}

	s.Forced = forced
	return e.settle(ctx, s, groups)
}

func (e *Engine) startTieBreak(ctx context.Context, s *Session, ties [][]int64) error {
	s.Phase = PhaseTieBreak
	s.TieQueue = ties
	for _, g := range ties {
		for _, p := range g {
			s.Required[p]++
		}
	}
	s.TieRounds++
	s.TieGroup, s.TieTurn = 0, 0
	s.WarnedPlayer = 0
	s.LastAction = e.clock.Now()

	if s.TiePanelID > 0 {
		e.transport.Delete(ctx, s.ChatID, s.TiePanelID, 0)
	}
	s.TiePanelID = e.send(ctx, s, tiePanelText(s, ties), rollKeyboard(s.ID, ties[0][0]))
	s.trackMessage(s.TiePanelID)

	log.Info().
		Str("session_id", s.ID).
		Int("tie_round", s.TieRounds).
		Int("groups", len(ties)).
		Msg("Tie break started")

	return e.store.Save(ctx, s)
}

// settle pays out a finished session.
func (e *Engine) settle(ctx context.Context, s *Session, groups [][]int64) error {
	profits, err := Allocate(s.Wager, groups)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to allocate payouts")
		return e.refundAll(ctx, s, OutcomeDestroyed)
	}

	credits := make(map[int64]money.Cents, len(s.Players))
	results := make([]PlayerResult, 0, len(s.Players))
	rank := 0
	for _, g := range groups {
		for _, p := range g {
			rank++
			payout := s.Wager + profits[p]
			if payout > 0 {
				credits[p] = payout
			}
			results = append(results, PlayerResult{
				UserID:  p,
				Name:    s.Name(p),
				Rank:    rank,
				Profit:  profits[p],
				Payout:  max(payout, 0),
				Escaped: s.IsEscaped(p),
			})
		}
	}

	if err := e.beginClose(ctx, s, OutcomeSettled, credits, model.TxTypeGamePayout); err != nil {
		return err
	}

	e.notify(ctx, s, finalBoardText(s, results, e.cfg.RollCeiling))

	st := Settlement{
		SessionID: s.ID,
		ChatID:    s.ChatID,
		ThreadID:  s.ThreadID,
		Wager:     s.Wager,
		Results:   results,
		SettledAt: e.clock.Now(),
	}
	for _, r := range e.recorders {
		r.RecordSettlement(ctx, st)
	}

	log.Info().
		Str("session_id", s.ID).
		Int64("chat_id", s.ChatID).
		Int("tie_rounds", s.TieRounds).
		Bool("forced", s.Forced).
		Msg("Session settled")

	return e.finish(ctx, s)
}

// destroy posts text and refunds every player.
func (e *Engine) destroy(ctx context.Context, s *Session, text string) error {
	e.notify(ctx, s, text)
	log.Info().Str("session_id", s.ID).Int64("chat_id", s.ChatID).Msg("Session destroyed")
	return e.refundAll(ctx, s, OutcomeDestroyed)
}

func (e *Engine) refundAll(ctx context.Context, s *Session, outcome Outcome) error {
	credits := make(map[int64]money.Cents, len(s.Players))
	if s.Wager > 0 {
		for _, p := range s.Players {
			credits[p] = s.Wager
		}
	}
	if err := e.beginClose(ctx, s, outcome, credits, model.TxTypeGameRefund); err != nil {
		return err
	}
	return e.finish(ctx, s)
}

// beginClose persists the pending credits before any of them is paid so
// an interrupted close can be resumed without paying twice. A failed save
// leaves s as it was.
func (e *Engine) beginClose(ctx context.Context, s *Session, outcome Outcome, credits map[int64]money.Cents, txType string) error {
	phase := s.Phase
	s.Phase = PhaseClosing
	s.Closing = outcome
	s.Credits = credits
	s.CreditType = txType
	if err := e.store.Save(ctx, s); err != nil {
		s.Phase, s.Closing, s.Credits, s.CreditType = phase, OutcomeNone, nil, ""
		return fmt.Errorf("failed to save closing session: %w", err)
	}
	return nil
}

// finish pays the pending credits of a closing session and tears it down.
// On a ledger failure the session stays closing and a watcher retries.
func (e *Engine) finish(ctx context.Context, s *Session) error {
	for _, p := range s.Players {
		amount, ok := s.Credits[p]
		if !ok {
			continue
		}
		if _, err := e.ledger.UpdateBalance(ctx, p, amount, s.CreditType, "对局结算 "+s.ID); err != nil {
			return fmt.Errorf("failed to credit player %d: %w", p, err)
		}
		delete(s.Credits, p)
		if err := e.store.Save(ctx, s); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to save credit progress")
		}
	}

	s.Outcome = s.Closing
	e.teardown(ctx, s)
	return nil
}

// teardown releases everything a session holds. The record goes last.
func (e *Engine) teardown(ctx context.Context, s *Session) {
	e.releasePlayers(ctx, s.Players...)

	remaining, err := e.store.RemoveFromChat(ctx, s.ChatID, s.ID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to remove session from chat set")
	}

	for _, id := range s.MessageIDs {
		e.transport.Delete(ctx, s.ChatID, id, 0)
	}

	if err := e.store.Delete(ctx, s.ID); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to delete session")
	}
	e.locks.Remove(s.ID)

	if err == nil && remaining == 0 {
		for _, l := range e.listeners {
			l.GameActivityEnded(ctx, s.ChatID)
		}
	}
}
