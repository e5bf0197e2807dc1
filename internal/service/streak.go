package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/lock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

// StreakCounter tracks consecutive results per player.
type StreakCounter interface {
	Record(ctx context.Context, uid int64, sign int) (store.Streak, error)
}

// StreakService debits players on a winning streak and credits players on
// a losing streak. Only money games count.
type StreakService struct {
	counter   StreakCounter
	ledger    contest.Ledger
	locks     *lock.Registry[int64]
	transport contest.Transport
	amount    money.Cents
	threshold int
}

var _ contest.StatsRecorder = (*StreakService)(nil)

// NewStreakService creates a StreakService.
func NewStreakService(counter StreakCounter, ledger contest.Ledger, locks *lock.Registry[int64], transport contest.Transport, amount money.Cents, threshold int) *StreakService {
	if locks == nil {
		locks = lock.New[int64]()
	}
	return &StreakService{
		counter:   counter,
		ledger:    ledger,
		locks:     locks,
		transport: transport,
		amount:    amount,
		threshold: threshold,
	}
}

// RecordSettlement feeds one settled game into the streak counters.
func (s *StreakService) RecordSettlement(ctx context.Context, st contest.Settlement) {
	if st.Wager <= 0 {
		return
	}

	for _, r := range st.Results {
		streak, err := s.counter.Record(ctx, r.UserID, r.Profit.Sign())
		if err != nil {
			log.Error().Err(err).Int64("user_id", r.UserID).Msg("Failed to record streak")
			continue
		}

		var text string
		switch streak.Outcome {
		case store.StreakWins:
			taken, err := s.debit(ctx, r.UserID)
			if err != nil {
				log.Error().Err(err).Int64("user_id", r.UserID).Msg("Failed to apply win streak")
				continue
			}
			if taken <= 0 {
				continue
			}
			text = fmt.Sprintf("🎁 <b>乐善好施</b>\n%s 连赢 %d 局，自动扣除 <b>%s</b> 积分，重新计算！",
				contest.Mention(r.UserID, r.Name), s.threshold, taken)

		case store.StreakLosses:
			if _, err := s.ledger.UpdateBalance(ctx, r.UserID, s.amount, model.TxTypeStreak, "连输补贴"); err != nil {
				log.Error().Err(err).Int64("user_id", r.UserID).Msg("Failed to apply loss streak")
				continue
			}
			text = fmt.Sprintf("🤝 <b>同舟共济</b>\n%s 连输 %d 局，系统补贴 <b>%s</b> 积分，重新计算！",
				contest.Mention(r.UserID, r.Name), s.threshold, s.amount)

		default:
			continue
		}

		log.Info().Int64("user_id", r.UserID).Int("outcome", int(streak.Outcome)).Msg("Streak adjustment applied")
		if s.transport != nil {
			msg := contest.Outgoing{ChatID: st.ChatID, ThreadID: st.ThreadID, Text: text}
			if _, err := s.transport.Send(ctx, msg); err != nil {
				log.Debug().Err(err).Int64("chat_id", st.ChatID).Msg("Failed to send streak notice")
			}
		}
	}
}

// debit takes the streak amount, capped at the balance.
func (s *StreakService) debit(ctx context.Context, uid int64) (money.Cents, error) {
	s.locks.Lock(uid)
	defer s.locks.Unlock(uid)

	balance, err := s.ledger.GetOrInitBalance(ctx, uid)
	if err != nil {
		return 0, err
	}
	taken := money.Min(s.amount, balance)
	if taken <= 0 {
		return 0, nil
	}
	if _, err := s.ledger.UpdateBalance(ctx, uid, -taken, model.TxTypeStreak, "连赢回馈"); err != nil {
		return 0, err
	}
	return taken, nil
}
