package handler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/service"
)

var (
	setPattern    = regexp.MustCompile(`^let\s+(\+?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)$`)
	adjustPattern = regexp.MustCompile(`^([+-]\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)$`)
)

// AdminHandler handles admin-related commands.
type AdminHandler struct {
	cfg            *config.Config
	accountService *service.AccountService
	engine         *contest.Engine
	transport      contest.Transport
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(cfg *config.Config, accountService *service.AccountService, engine *contest.Engine, transport contest.Transport) *AdminHandler {
	return &AdminHandler{
		cfg:            cfg,
		accountService: accountService,
		engine:         engine,
		transport:      transport,
	}
}

// HandleForcedStop handles the /forced_stop command.
// Every active session of the chat is destroyed and refunded.
func (h *AdminHandler) HandleForcedStop(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	chat := c.Chat()
	if sender == nil || chat == nil {
		return nil
	}

	stopped, err := h.engine.StopChat(ctx, chat.ID)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chat.ID).Msg("Failed to stop chat sessions")
	}
	if stopped == 0 && err == nil {
		return replyAndDelete(c, h.transport, "⚠️ 当前群组没有正在进行的对局。", shortLived)
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("chat_id", chat.ID).
		Int("stopped", stopped).
		Str("operation", "forced_stop").
		Msg("Admin operation executed")

	return replyAndDelete(c, h.transport, "🛑 <b>管理员已强杀当前群组异常对局，押金退还！</b>", shortLived)
}

// HandleBalanceEdit handles "let X" and "+X"/"-X" replies that set or
// adjust the replied user's balance. It reports false when the text is
// not such a command.
func (h *AdminHandler) HandleBalanceEdit(c tele.Context) (bool, error) {
	ctx := context.Background()
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil {
		return false, nil
	}
	target := replyTarget(msg)
	if target == nil {
		return false, nil
	}

	text := strings.TrimSpace(msg.Text)
	set := setPattern.FindStringSubmatch(text)
	adjust := adjustPattern.FindStringSubmatch(text)
	if set == nil && adjust == nil {
		return false, nil
	}

	if !h.cfg.IsAdmin(sender.ID) {
		log.Warn().
			Int64("user_id", sender.ID).
			Str("command", text).
			Msg("Non-admin attempted admin command")
		return true, replyAndDelete(c, h.transport, "❌ 越权拦截", shortLived)
	}
	if target.IsBot {
		return true, replyAndDelete(c, h.transport, "❌ 禁止贿赂荷官🤫", shortLived)
	}

	raw := adjust
	if set != nil {
		raw = set
	}
	amount, err := money.Parse(raw[1])
	if errors.Is(err, money.ErrTooPrecise) {
		return true, replyAndDelete(c, h.transport, "❌ 精度拦截！最多保留两位小数。", shortLived)
	}
	if err != nil {
		return true, replyAndDelete(c, h.transport, "❌ 格式错误！请输入有效数字。", shortLived)
	}
	if _, err := h.accountService.EnsureUser(ctx, target.ID, displayName(target)); err != nil {
		return true, replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}

	if set != nil {
		if _, err := h.accountService.AdminSet(ctx, sender.ID, target.ID, amount); err != nil {
			log.Error().Err(err).Int64("user_id", target.ID).Msg("Failed to set balance")
			return true, replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
		}
		return true, replyAndDelete(c, h.transport,
			fmt.Sprintf("👑 <b>系统调账 (覆写)</b>\n已将该玩家的积分强制设为：<b>%s</b>", amount), shortLived)
	}

	if amount == 0 {
		return true, nil
	}
	if _, err := h.accountService.AdminAdjust(ctx, sender.ID, target.ID, amount); err != nil {
		log.Error().Err(err).Int64("user_id", target.ID).Msg("Failed to adjust balance")
		return true, replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}
	return true, replyAndDelete(c, h.transport, "👑 <b>系统调账</b> 已完成。", shortLived)
}
