package contest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// watch runs fn in a tracked goroutine bound to the engine's root context.
func (e *Engine) watch(fn func(ctx context.Context, id string), id string) {
	if e.manual {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.root, id)
	}()
}

func (e *Engine) watchJoin(ctx context.Context, id string) {
	e.poll(ctx, id, e.cfg.JoinPoll, e.CheckJoin)
}

func (e *Engine) watchRolling(ctx context.Context, id string) {
	e.poll(ctx, id, e.cfg.RollPoll, e.CheckStall)
	// A torn down session already dropped its lock; this covers sessions
	// that vanished through their TTL.
	if _, err := e.store.Load(ctx, id); errors.Is(err, ErrSessionNotFound) {
		e.locks.Remove(id)
	}
}

func (e *Engine) poll(ctx context.Context, id string, every time.Duration, check func(context.Context, string) (bool, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := check(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("session_id", id).Msg("Session watcher check failed")
			}
			if done {
				return
			}
		}
	}
}

// CheckJoin runs one join watcher step. At the deadline a session that is
// short of players is destroyed and refunded, otherwise it starts rolling.
// done reports that the join phase is over.
func (e *Engine) CheckJoin(ctx context.Context, id string) (done bool, err error) {
	err = e.locks.WithLock(id, func() error {
		s, err := e.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if s.Phase == PhaseClosing {
			done = true
			return e.finish(ctx, s)
		}
		if s.Phase != PhaseWaitingJoin {
			done = true
			return nil
		}
		if e.clock.Now().Before(s.JoinDeadline) {
			return nil
		}

		done = true
		if len(s.Players) < 2 || (s.Mode == ModeExact && len(s.Players) < s.TargetCount) {
			return e.destroy(ctx, s, joinTimeoutText(s))
		}
		return e.startRolling(ctx, s)
	})
	if errors.Is(err, ErrSessionNotFound) {
		return true, nil
	}
	if err != nil {
		// Retry on the next tick unless the failure left nothing to do.
		return false, err
	}
	return done, nil
}

// CheckStall runs one rolling watcher step. A player idle past the escape
// threshold is marked escaped and every die they still owe is recorded as
// EscapeFace. Past the warning threshold the player is warned once.
func (e *Engine) CheckStall(ctx context.Context, id string) (done bool, err error) {
	var (
		escapee int64
		owed    int
		phase   Phase
	)

	err = e.locks.WithLock(id, func() error {
		s, err := e.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if s.Phase == PhaseClosing {
			done = true
			return e.finish(ctx, s)
		}
		if !s.InPlay() {
			done = true
			return nil
		}
		cur, ok := s.Current()
		if !ok {
			return nil
		}

		idle := e.clock.Now().Sub(s.LastAction)
		switch {
		case idle > e.cfg.EscapeAfter:
			if !s.IsEscaped(cur) {
				s.Escaped = append(s.Escaped, cur)
				e.notify(ctx, s, escapeText(s, cur))
				log.Info().Str("session_id", id).Int64("user_id", cur).Msg("Player escaped")
			}
			escapee, owed, phase = cur, s.Remaining(cur), s.Phase
			return e.store.Save(ctx, s)

		case idle > e.cfg.WarnAfter && s.WarnedPlayer != cur:
			s.WarnedPlayer = cur
			s.trackMessage(e.send(ctx, s, warnText(s, cur, e.cfg.EscapeAfter-idle), nil))
			return e.store.Save(ctx, s)
		}
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// Sentinels go through the regular roll path so turn advancement and
	// round closure behave exactly as for thrown dice.
	for i := 0; i < owed; i++ {
		s, err := e.SubmitRoll(ctx, RollEvent{SessionID: id, Player: escapee, Face: EscapeFace})
		if errors.Is(err, ErrSessionNotFound) {
			return true, nil
		}
		if errors.Is(err, ErrTurnViolation) {
			break
		}
		if err != nil {
			return false, err
		}
		if s.Outcome != OutcomeNone {
			return true, nil
		}
		if s.Phase != phase {
			break
		}
	}
	return done, nil
}
