package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/game/redpack"
	"dice-arena-bot/internal/pkg/money"
)

// RedpackHandler handles red envelope commands, the grab button and
// password messages.
type RedpackHandler struct {
	redpacks  *redpack.Service
	transport contest.Transport
	maxTotal  money.Cents
	maxCount  int
}

// NewRedpackHandler creates a new RedpackHandler.
func NewRedpackHandler(redpacks *redpack.Service, transport contest.Transport, maxTotal money.Cents, maxCount int) *RedpackHandler {
	return &RedpackHandler{
		redpacks:  redpacks,
		transport: transport,
		maxTotal:  maxTotal,
		maxCount:  maxCount,
	}
}

// HandleRedpack handles /redpack <total> <count>.
func (h *RedpackHandler) HandleRedpack(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return replyAndDelete(c, h.transport, "❌ 用法：<code>/redpack 总金额 个数</code>", shortLived)
	}
	return h.send(c, args[0], args[1], "", false)
}

// HandleRedpackPassword handles /redpack_pw <total> <count> <password>.
// The password is everything after the count, spaces included.
func (h *RedpackHandler) HandleRedpackPassword(c tele.Context) error {
	fields := strings.SplitN(strings.TrimSpace(c.Message().Payload), " ", 3)
	if len(fields) < 3 || strings.TrimSpace(fields[2]) == "" {
		return replyAndDelete(c, h.transport, "❌ 用法：<code>/redpack_pw 总额 个数 口令</code>", shortLived)
	}
	return h.send(c, fields[0], fields[1], strings.TrimSpace(fields[2]), true)
}

func (h *RedpackHandler) send(c tele.Context, rawTotal, rawCount, password string, withPassword bool) error {
	ctx := context.Background()
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil {
		return nil
	}

	total, err := money.Parse(rawTotal)
	if errors.Is(err, money.ErrTooPrecise) {
		return replyAndDelete(c, h.transport, "❌ 精度拦截！最多保留两位小数。", shortLived)
	}
	if err != nil {
		return replyAndDelete(c, h.transport, "❌ 格式错误！请输入有效数字。", shortLived)
	}
	count, err := strconv.Atoi(rawCount)
	if err != nil {
		return replyAndDelete(c, h.transport, "❌ 格式错误！请输入有效数字。", shortLived)
	}

	_, err = h.redpacks.Send(ctx, redpack.SendRequest{
		ChatID:       msg.Chat.ID,
		ThreadID:     threadOf(msg),
		SenderID:     sender.ID,
		SenderName:   displayName(sender),
		Total:        total,
		Count:        count,
		Password:     password,
		WithPassword: withPassword,
	})

	var funds *redpack.FundsError
	switch {
	case err == nil:
		deleteCommand(c, h.transport)
		return nil
	case errors.Is(err, redpack.ErrDiceDuringGame):
		return replyAndDelete(c, h.transport, "❌ <b>口令冲突</b>\n当前群内有正在进行的对局，为防止干扰，禁止使用「🎲」作为红包口令！请换个口令或等对局结束。", shortLived)
	case errors.Is(err, redpack.ErrInvalidTotal):
		return replyAndDelete(c, h.transport, fmt.Sprintf("❌ 总金额必须在 0.01 到 %s 之间。", h.maxTotal), shortLived)
	case errors.Is(err, redpack.ErrInvalidCount):
		return replyAndDelete(c, h.transport, fmt.Sprintf("❌ 个数必须在 1 到 %d 之间。", h.maxCount), shortLived)
	case errors.Is(err, redpack.ErrAverageTooLow):
		return replyAndDelete(c, h.transport, "❌ 均值过低！单个至少 0.01。", shortLived)
	case errors.Is(err, redpack.ErrEmptyPassword):
		return replyAndDelete(c, h.transport, "❌ 用法：<code>/redpack_pw 总额 个数 口令</code>", shortLived)
	case errors.As(err, &funds):
		return replyAndDelete(c, h.transport, fmt.Sprintf("❌ <b>余额不足</b>\n需要 %s，你仅有 %s。", funds.Need, funds.Have), shortLived)
	default:
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to send red envelope")
		return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}
}

// HandleGrab handles the grab button of a button envelope.
func (h *RedpackHandler) HandleGrab(c tele.Context, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil || len(params) == 0 {
		return nil
	}

	amount, err := h.redpacks.Grab(ctx, params[0], sender.ID, displayName(sender))
	switch {
	case err == nil:
		return alert(c, fmt.Sprintf("抢到 %s 积分！", amount))
	case errors.Is(err, redpack.ErrExpired):
		return alert(c, "已过期")
	case errors.Is(err, redpack.ErrAlreadyClaimed):
		return alert(c, "抢过了！")
	case errors.Is(err, redpack.ErrEmpty):
		return alert(c, "抢光了！")
	default:
		log.Error().Err(err).Str("redpack_id", params[0]).Int64("user_id", sender.ID).Msg("Failed to grab red envelope")
		return alert(c, "❌ 操作失败，请稍后重试")
	}
}

// HandlePassword tries a plain chat message as an envelope password.
func (h *RedpackHandler) HandlePassword(c tele.Context) error {
	ctx := context.Background()
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if _, err := h.redpacks.ClaimPassword(ctx, msg.Chat.ID, sender.ID, displayName(sender), text); err != nil {
		log.Warn().Err(err).Int64("user_id", sender.ID).Msg("Failed to claim password envelope")
	}
	return nil
}
