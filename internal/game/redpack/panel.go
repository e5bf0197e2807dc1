package redpack

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/callback"
	"dice-arena-bot/internal/store"
)

// panel renders an envelope's own message. remaining is the countdown in
// minutes, zero once expired.
func (s *Service) panel(e *store.Envelope, claims []store.Claim, remaining int, refundInfo string) (string, *contest.Keyboard) {
	sender := contest.Mention(e.SenderID, e.SenderName)

	var b strings.Builder
	var kb *contest.Keyboard
	if e.Password != "" {
		switch {
		case e.Resumed:
			fmt.Fprintf(&b, "🧧 <b>%s</b> 的红包已恢复！\n<i>(因对局打断挂起重发)</i>\n\n", sender)
		default:
			fmt.Fprintf(&b, "🧧 <b>%s</b> 发出了口令红包！\n\n", sender)
		}
		fmt.Fprintf(&b, "🔑 口令：<b><code>%s</code></b>\n\n", html.EscapeString(e.Password))
	} else {
		fmt.Fprintf(&b, "🧧 <b>%s</b> 发出了拼手气红包！\n\n", sender)
		kb = &contest.Keyboard{Rows: [][]contest.Button{{
			{Text: "🧧 抢红包", Data: callback.Encode(callback.GrabRedpack, e.ID)},
		}}}
	}
	fmt.Fprintf(&b, "总额：<b>%s</b> | 个数：<b>%d</b>\n", e.Total, e.Count)
	fmt.Fprintf(&b, "领取情况 (%d/%d)：", len(claims), e.Count)
	for _, c := range claims {
		fmt.Fprintf(&b, "\n• %s 抢到 <b>%s</b>", contest.Mention(c.UserID, c.Name), c.Amount)
	}

	switch {
	case len(claims) >= e.Count:
		b.WriteString("\n\n✅ <b>红包已被抢空！</b>")
		kb = nil
	case remaining <= 0:
		b.WriteString("\n\n❌ <b>红包已过期！</b>")
		if refundInfo != "" {
			b.WriteString("\n" + refundInfo)
		}
		kb = nil
	default:
		fmt.Fprintf(&b, "\n\n⏳ <i>%d分钟后过期自动清理</i>", remaining)
	}
	return b.String(), kb
}

// refreshDicePanel redraws the chat's single aggregate panel of claimable
// dice envelopes, removing it when none are left.
func (s *Service) refreshDicePanel(ctx context.Context, chatID int64, threadID int, resumed bool) {
	s.panels.Lock(chatID)
	defer s.panels.Unlock(chatID)

	envelopes, err := s.diceEnvelopes(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to list dice envelopes")
		return
	}
	live := envelopes[:0]
	for _, e := range envelopes {
		if !e.Suspended {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		s.dropDicePanel(ctx, chatID)
		return
	}

	var b strings.Builder
	if resumed {
		b.WriteString("🧧 <b>「🎲」口令红包已恢复！</b>\n<i>(因对局打断挂起重发)</i>\n👇扔出 🎲 即可一键通吃👇\n")
	} else {
		b.WriteString("🧧 <b>「🎲」口令红包聚合看板</b>\n👇扔出 🎲 即可一键通吃👇\n")
	}

	soonest := int(s.cfg.Expiry.Minutes())
	for _, e := range live {
		claims, err := s.packs.Claims(ctx, e.ID)
		if err != nil {
			log.Warn().Err(err).Str("redpack_id", e.ID).Msg("Failed to load claims")
			continue
		}
		soonest = min(soonest, s.remainingMinutes(e))

		taken := "暂无"
		if len(claims) > 0 {
			parts := make([]string, len(claims))
			for i, c := range claims {
				parts[i] = fmt.Sprintf("%s(%s)", contest.Mention(c.UserID, c.Name), c.Amount)
			}
			taken = strings.Join(parts, ", ")
		}
		fmt.Fprintf(&b, "\n📦 %s 的包 (%s分/%d个) | 剩 <b>%d</b> 个\n└ 已领: %s\n",
			contest.Mention(e.SenderID, e.SenderName), e.Total, e.Count, e.Count-len(claims), taken)
	}
	if soonest <= 0 {
		b.WriteString("\n❌ <b>部分红包已过期！</b>\n<i>(系统正在清理退款...)</i>")
	} else {
		fmt.Fprintf(&b, "\n⏳ <i>最早的一个 %d 分钟后过期自动清理</i>", soonest)
	}
	text := b.String()

	old, err := s.packs.DicePanel(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to load dice panel")
	}
	if old != 0 {
		if err := s.transport.Edit(ctx, chatID, old, text, nil); err == nil {
			return
		}
	}
	msgID, err := s.transport.Send(ctx, contest.Outgoing{ChatID: chatID, ThreadID: threadID, Text: text})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send dice panel")
		return
	}
	if err := s.packs.SetDicePanel(ctx, chatID, msgID); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to store dice panel id")
	}
}

// dropDicePanel deletes the chat's aggregate panel. Callers hold the
// chat's panel lock.
func (s *Service) dropDicePanel(ctx context.Context, chatID int64) {
	old, err := s.packs.DicePanel(ctx, chatID)
	if err != nil || old == 0 {
		return
	}
	s.transport.Delete(ctx, chatID, old, 0)
	if err := s.packs.ClearDicePanel(ctx, chatID); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to clear dice panel")
	}
}
