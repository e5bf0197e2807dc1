package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/game/attack"
	"dice-arena-bot/internal/store"
)

const punishLived = 15 * time.Second

// AttackHandler handles the /attack duel and its stake buttons.
type AttackHandler struct {
	attacks   *attack.Service
	transport contest.Transport
}

// NewAttackHandler creates a new AttackHandler.
func NewAttackHandler(attacks *attack.Service, transport contest.Transport) *AttackHandler {
	return &AttackHandler{attacks: attacks, transport: transport}
}

// HandleAttack handles /attack sent as a reply to the defender.
func (h *AttackHandler) HandleAttack(c tele.Context) error {
	ctx := context.Background()
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil {
		return nil
	}
	defender := replyTarget(msg)
	if defender == nil {
		return replyAndDelete(c, h.transport, "❌ 用法：回复某人的消息并发送 /attack", shortLived)
	}
	if defender.ID == sender.ID {
		return replyAndDelete(c, h.transport, "❌ 禁止自娱自乐‼️", shortLived)
	}

	if defender.IsBot {
		taken, err := h.attacks.Punish(ctx, sender.ID)
		if err != nil {
			log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to punish bot attack")
		}
		text := fmt.Sprintf("❌ <b>%s</b> 恶意攻击荷官，扣除 <b>%s</b> 积分 🔨", html.EscapeString(displayName(sender)), taken)
		sent, serr := c.Bot().Send(msg.Chat, text, &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: threadOf(msg)})
		h.transport.Delete(ctx, msg.Chat.ID, msg.ID, punishLived)
		if serr == nil {
			h.transport.Delete(ctx, msg.Chat.ID, sent.ID, punishLived)
		}
		return nil
	}

	_, err := h.attacks.Start(ctx, attack.StartRequest{
		ChatID:         msg.Chat.ID,
		ThreadID:       threadOf(msg),
		ChallengerID:   sender.ID,
		ChallengerName: displayName(sender),
		DefenderID:     defender.ID,
		DefenderName:   displayName(defender),
	})

	var stakeErr *attack.StakeError
	switch {
	case err == nil:
		deleteCommand(c, h.transport)
		return nil
	case errors.Is(err, attack.ErrAttackerBusy):
		return replyAndDelete(c, h.transport, "❌ 你已有一场进行中的 Attack，请等结束后再发起！", shortLived)
	case errors.Is(err, attack.ErrDefenderBusy):
		return replyAndDelete(c, h.transport,
			fmt.Sprintf("❌ %s 已在一场 Attack 中，请稍后再挑战！", html.EscapeString(displayName(defender))), shortLived)
	case errors.As(err, &stakeErr):
		return replyAndDelete(c, h.transport,
			fmt.Sprintf("❌ 余额不足！发起攻击需要 %s 积分，你仅有 %s。", stakeErr.Need, stakeErr.Have), shortLived)
	default:
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to start attack")
		return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}
}

// HandleRaise handles the challenger's and the defender's stake buttons.
func (h *AttackHandler) HandleRaise(c tele.Context, side store.Side, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil || len(params) == 0 {
		return nil
	}

	a, err := h.attacks.Raise(ctx, params[0], side, sender.ID)

	var stakeErr *attack.StakeError
	switch {
	case err == nil:
		if side == store.Challenger {
			return toast(c, fmt.Sprintf("💥 已追加 %s！你的总投入：%s", h.attacks.Config().Step, a.ChallengerTotal))
		}
		return toast(c, fmt.Sprintf("🛡 已反击投入 %s！你的总投入：%s", h.attacks.Config().Step, a.DefenderTotal))
	case errors.Is(err, attack.ErrAttackEnded):
		return alert(c, "⚠️ 这场 Attack 已结束！")
	case errors.Is(err, attack.ErrNotChallenger):
		return alert(c, "⚠️ 只有发起方可以加大力度！")
	case errors.Is(err, attack.ErrNotDefender):
		return alert(c, "⚠️ 只有迎战方可以回手反击！")
	case errors.Is(err, attack.ErrAttackCapped):
		return alert(c, fmt.Sprintf("⚠️ 已达到最高投入上限 %s 积分！", h.attacks.Config().Cap))
	case errors.As(err, &stakeErr):
		return alert(c, fmt.Sprintf("❌ 余额不足，需要 %s 积分，你仅有 %s。", stakeErr.Need, stakeErr.Have))
	default:
		log.Error().Err(err).Str("attack_id", params[0]).Int64("user_id", sender.ID).Msg("Failed to raise attack")
		return alert(c, "❌ 操作失败，请稍后重试")
	}
}
