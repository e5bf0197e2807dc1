package handler

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/service"
)

// AccountHandler handles balance, check-in and gift commands.
type AccountHandler struct {
	accountService *service.AccountService
	transport      contest.Transport
	maxGift        money.Cents
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountService *service.AccountService, transport contest.Transport, maxGift money.Cents) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		transport:      transport,
		maxGift:        maxGift,
	}
}

// HandleBalance handles the /bal command.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	balance, err := h.accountService.EnsureUser(ctx, sender.ID, displayName(sender))
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to get balance")
		return replyAndDelete(c, h.transport, "❌ 获取余额失败，请稍后重试", shortLived)
	}
	text := fmt.Sprintf("💰 当前可用积分为：<b>%s</b>", balance)
	if today, err := h.accountService.TodayGameProfit(ctx, sender.ID); err != nil {
		log.Warn().Err(err).Int64("user_id", sender.ID).Msg("Failed to sum today's games")
	} else if today != 0 {
		text += fmt.Sprintf("\n🎲 今日对局盈亏：<b>%s</b>", today.Signed())
	}
	return replyAndDelete(c, h.transport, text, shortLived)
}

// HandleCheckin handles the /checkin command.
func (h *AccountHandler) HandleCheckin(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	if _, err := h.accountService.EnsureUser(ctx, sender.ID, displayName(sender)); err != nil {
		return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}

	res, err := h.accountService.Checkin(ctx, sender.ID)
	if errors.Is(err, service.ErrAlreadyCheckedIn) {
		return replyAndDelete(c, h.transport, "❌ 今日已签到过啦，明天再来吧！", shortLived)
	}
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to check in")
		return replyAndDelete(c, h.transport, "❌ 签到失败，请稍后重试", shortLived)
	}

	extra := ""
	if res.Bonus > 0 {
		extra = fmt.Sprintf("\n🎉 <b>达成%d天连签，额外奖励 %s 积分！</b>", res.Days, res.Bonus)
	}
	return replyAndDelete(c, h.transport, fmt.Sprintf(
		"📅 <b>签到成功！</b>\n获得积分：<b>%s</b>%s\n当前余额：<b>%s</b>\n当前连签：%d天",
		res.Reward+res.Bonus, extra, res.Balance, res.Streak,
	), shortLived)
}

// HandleGift handles the /gift command, sent as a reply to the recipient.
// Format: /gift <amount>
func (h *AccountHandler) HandleGift(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	target := replyTarget(c.Message())
	if len(args) < 1 || target == nil {
		return replyAndDelete(c, h.transport, "❌ 用法：回复玩家并输入 <code>/gift 数量</code>", shortLived)
	}
	amount, msg := parsePositiveAmount(args[0], h.maxGift, "赠送金额")
	if msg != "" {
		return replyAndDelete(c, h.transport, msg, shortLived)
	}

	if target.ID == sender.ID {
		return replyAndDelete(c, h.transport, "❌ 禁止自娱自乐‼️", shortLived)
	}
	if target.IsBot {
		taken, err := h.accountService.Confiscate(ctx, sender.ID, amount, "贿赂荷官")
		if err != nil {
			log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to confiscate gift")
			return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
		}
		return replyAndDelete(c, h.transport, fmt.Sprintf("❌ 禁止贿赂荷官！礼品已没收，扣除 <b>%s</b> 积分🤫", taken), shortLived)
	}

	if _, err := h.accountService.EnsureUser(ctx, target.ID, displayName(target)); err != nil {
		return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}
	balance, err := h.accountService.Gift(ctx, sender.ID, target.ID, amount)
	if errors.Is(err, service.ErrInsufficientBalance) {
		return replyAndDelete(c, h.transport, fmt.Sprintf("❌ <b>余额不足</b>\n需要 %s，你仅有 %s。", amount, balance), shortLived)
	}
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Int64("to", target.ID).Msg("Failed to send gift")
		return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}

	return replyAndDelete(c, h.transport, fmt.Sprintf("🎁 成功赠送给 %s <b>%s</b> 积分。",
		html.EscapeString(displayName(target)), amount), shortLived)
}

// parsePositiveAmount parses a 0.01..limit amount. It returns the chat
// message explaining a rejection, or "" on success.
func parsePositiveAmount(s string, limit money.Cents, what string) (money.Cents, string) {
	amount, err := money.Parse(s)
	switch {
	case errors.Is(err, money.ErrTooPrecise):
		return 0, "❌ 精度拦截！最多保留两位小数。"
	case err != nil:
		return 0, "❌ 格式错误！请输入有效数字。"
	case amount <= 0 || amount > limit:
		return 0, fmt.Sprintf("❌ %s必须在 0.01 到 %s 之间。", what, limit)
	}
	return amount, ""
}
