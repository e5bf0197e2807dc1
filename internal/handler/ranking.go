package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/callback"
	"dice-arena-bot/internal/service"
	"dice-arena-bot/internal/store"
)

var periodTitles = map[store.Period]string{
	store.Daily:   "今日",
	store.Weekly:  "本周",
	store.Monthly: "本月",
}

// RankingHandler handles leaderboard commands and their switch buttons.
type RankingHandler struct {
	rankingService *service.RankingService
	transport      contest.Transport
}

// NewRankingHandler creates a new RankingHandler.
func NewRankingHandler(rankingService *service.RankingService, transport contest.Transport) *RankingHandler {
	return &RankingHandler{
		rankingService: rankingService,
		transport:      transport,
	}
}

// HandleRank handles /rank [day|week|month].
func (h *RankingHandler) HandleRank(c tele.Context) error {
	period := store.Daily
	if args := c.Args(); len(args) > 0 {
		p, ok := store.ParsePeriod(args[0])
		if !ok {
			return replyAndDelete(c, h.transport, "❌ 用法：<code>/rank [day|week|month]</code>", shortLived)
		}
		period = p
	}
	return h.show(c, period)
}

// HandleRankPeriod returns a handler bound to one period, for the
// /rank_week and /rank_month shortcuts.
func (h *RankingHandler) HandleRankPeriod(p store.Period) tele.HandlerFunc {
	return func(c tele.Context) error {
		return h.show(c, p)
	}
}

func (h *RankingHandler) show(c tele.Context, p store.Period) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	text, err := h.render(ctx, p, service.ViewGross)
	if err != nil {
		log.Error().Err(err).Str("period", string(p)).Msg("Failed to load leaderboard")
		return replyAndDelete(c, h.transport, "❌ 获取排行榜失败，请稍后重试", shortLived)
	}
	return replyAndDelete(c, h.transport, text, promptLived, Markup(rankKeyboard(p, service.ViewGross, sender.ID)))
}

// HandleRankSwitch handles the period and view buttons under a leaderboard.
// Format: rank:{period}:{view}:{uid}
func (h *RankingHandler) HandleRankSwitch(c tele.Context, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	cb := c.Callback()
	if sender == nil || cb == nil || cb.Message == nil || len(params) < 2 {
		return nil
	}
	if owner, ok := callback.Int64(params, 2); ok && owner != sender.ID {
		return alert(c, "⚠️ 只有唤起该榜单的人可以切换！")
	}

	p, ok := store.ParsePeriod(params[0])
	if !ok {
		return c.Respond()
	}
	view := service.ViewGross
	if params[1] == string(service.ViewNet) {
		view = service.ViewNet
	}

	text, err := h.render(ctx, p, view)
	if err != nil {
		log.Error().Err(err).Str("period", string(p)).Msg("Failed to load leaderboard")
		return alert(c, "❌ 获取排行榜失败，请稍后重试")
	}
	if _, err := c.Bot().Edit(cb.Message, text, Markup(rankKeyboard(p, view, sender.ID)), tele.ModeHTML); err != nil {
		log.Debug().Err(err).Msg("Failed to edit leaderboard")
	}
	return c.Respond()
}

func (h *RankingHandler) render(ctx context.Context, p store.Period, view service.RankView) (string, error) {
	lb, err := h.rankingService.Leaderboard(ctx, p, view)
	if err != nil {
		return "", err
	}

	title := periodTitles[p] + "胜负榜"
	winTitle, loseTitle := "赢家榜 TOP 5", "散财榜 TOP 5"
	if view == service.ViewNet {
		title = periodTitles[p] + "净胜负榜"
		winTitle, loseTitle = "净赢家 TOP 5", "净亏损 TOP 5"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏆 <b>%s</b>\n\n📈 <b>%s</b>", title, winTitle)
	writeEntries(&b, lb.Winners, "暂无盈利数据。", func(e store.RankEntry) string { return "+" + e.Amount().String() })
	fmt.Fprintf(&b, "\n\n📉 <b>%s</b>", loseTitle)
	writeEntries(&b, lb.Losers, "暂无亏损数据。", func(e store.RankEntry) string {
		if view == service.ViewNet {
			return e.Amount().String()
		}
		// Gross losses are stored as positive totals.
		return "-" + e.Amount().String()
	})
	return b.String(), nil
}

func writeEntries(b *strings.Builder, entries []store.RankEntry, empty string, score func(store.RankEntry) string) {
	if len(entries) == 0 {
		b.WriteString("\n" + empty)
		return
	}
	for i, e := range entries {
		name := e.Name
		if name == "" {
			name = "未知玩家"
		}
		fmt.Fprintf(b, "\n%d. %s | %s", i+1, contest.Mention(e.UserID, name), score(e))
	}
}

func rankKeyboard(p store.Period, view service.RankView, uid int64) *contest.Keyboard {
	btn := func(label string, bp store.Period, bv service.RankView) contest.Button {
		if bp == p && bv == view {
			label = "✅ " + label
		}
		return contest.Button{Text: label, Data: callback.Encode(callback.Rank, string(bp), string(bv), callback.ID(uid))}
	}
	return &contest.Keyboard{Rows: [][]contest.Button{
		{btn("今日", store.Daily, view), btn("本周", store.Weekly, view), btn("本月", store.Monthly, view)},
		{btn("胜负榜", p, service.ViewGross), btn("净胜负榜", p, service.ViewNet)},
	}}
}
