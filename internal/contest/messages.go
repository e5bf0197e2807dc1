package contest

import (
	"fmt"
	"html"
	"strings"
	"time"

	"dice-arena-bot/internal/pkg/callback"
)

// Mention renders an HTML user mention.
func Mention(uid int64, name string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, uid, html.EscapeString(name))
}

func (s *Session) mention(uid int64) string {
	return Mention(uid, s.Name(uid))
}

func (s *Session) mentions(players []int64) string {
	parts := make([]string, len(players))
	for i, p := range players {
		parts[i] = s.mention(p)
	}
	return strings.Join(parts, "、")
}

func (s *Session) terms() string {
	return fmt.Sprintf("押注：<b>%s</b> | 骰子：<b>%d</b>颗 | 比<b>%s</b>", s.Wager, s.DiceCount, s.Direction.Label())
}

func (s *Session) tag() string {
	return fmt.Sprintf("比%s｜%s/人", s.Direction.Label(), s.Wager)
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func joinPanelText(s *Session, cfg Config) string {
	switch s.Mode {
	case ModeTargeted:
		return fmt.Sprintf("🎯 <b>指定决斗！</b>\n%s 向 %s 发起专属对决！\n%s\n%d秒内不应答自动退款！",
			s.mention(s.Initiator), Mention(s.TargetUser, s.TargetName), s.terms(), seconds(cfg.JoinWindow))
	case ModeExact:
		return fmt.Sprintf("🎲 <b>定员组局 (%d/%d)</b>\n%s\n当前：%s\n死等满员👇",
			len(s.Players), s.TargetCount, s.terms(), s.mentions(s.Players))
	case ModeDynamic:
		return fmt.Sprintf("🎲 <b>多人发车 (%d/%d)</b>\n%s\n当前：%s\n有人进就开始%d秒倒计时👇",
			len(s.Players), s.Capacity(cfg.MaxPlayers), s.terms(), s.mentions(s.Players), seconds(cfg.DynamicGrace))
	default:
		return fmt.Sprintf("🎯 <b>决斗发起！</b>\n%s 向群友发起对决！\n%s\n%d秒无人应答自动退款，快来接单👇",
			s.mention(s.Initiator), s.terms(), seconds(cfg.JoinWindow))
	}
}

func joinKeyboard(s *Session) *Keyboard {
	label := "⚔️ 接单"
	if s.Mode == ModeTargeted {
		label = "⚔️ 应战！"
	}
	kb := &Keyboard{Rows: [][]Button{{{Text: label, Data: callback.Encode(callback.Join, s.ID)}}}}
	if s.Mode == ModeExact {
		kb.Rows = append(kb.Rows, []Button{{
			Text: "🚀 发起人强行发车",
			Data: callback.Encode(callback.ForceStart, s.ID, callback.ID(s.Initiator)),
		}})
	}
	return kb
}

func rollKeyboard(sessionID string, player int64) *Keyboard {
	uid := callback.ID(player)
	return &Keyboard{Rows: [][]Button{{
		{Text: "🎲 投1颗", Data: callback.Encode(callback.RollOne, sessionID, uid)},
		{Text: "🎲 投全部", Data: callback.Encode(callback.RollAll, sessionID, uid)},
	}}}
}

func startedPanelText(s *Session) string {
	title := "🎲 <b>组局已发车！</b>"
	if s.Mode == ModeSingle || s.Mode == ModeTargeted {
		title = "🎯 <b>决斗已发车！</b>"
	}
	return fmt.Sprintf("%s 比%s · %s/人\n名单：%s", title, s.Direction.Label(), s.Wager, s.mentions(s.Players))
}

func rollStartText(s *Session) string {
	return fmt.Sprintf("🚦 <b>发车！%d人局</b>\n<i>比%s局 · 押注 %s/人 · 同点加成 · 顺子翻倍</i>\n👥 %s\n\n👉 请 %s 投出 <b>%d</b> 颗骰子！",
		len(s.Players), s.Direction.Label(), s.Wager, s.mentions(s.Players), s.mention(s.Queue[0]), s.DiceCount)
}

// scoreboard lists players who finished their first round.
func scoreboard(s *Session) string {
	var parts []string
	for _, p := range s.Players {
		if s.Remaining(p) > 0 || len(s.Rolls[p]) == 0 {
			continue
		}
		name := html.EscapeString(s.Name(p))
		if s.IsEscaped(p) {
			parts = append(parts, name+":逃跑")
			continue
		}
		sc, _ := Score(s.Rolls[p])
		parts = append(parts, fmt.Sprintf("%s:%d点", name, sc))
	}
	return strings.Join(parts, " | ")
}

func nextTurnText(s *Session, next int64) string {
	return fmt.Sprintf("✅ 赛况（%s）：%s\n\n👉 轮到 %s 投掷 <b>%d</b> 颗！",
		s.tag(), scoreboard(s), s.mention(next), s.Remaining(next))
}

func tieNextText(s *Session, done, next int64, sameGroup bool) string {
	result := "被判定为 <b>逃跑</b>"
	if !s.IsEscaped(done) {
		sc, _ := Score(s.Rolls[done])
		result = fmt.Sprintf("得 <b>%d</b> 点", sc)
	}
	who := "下一组并列"
	if sameGroup {
		who = "同组并列"
	}
	return fmt.Sprintf("✅ %s 加赛%s！（%s）\n👉 %s：%s 补投！",
		html.EscapeString(s.Name(done)), result, s.tag(), who, s.mention(next))
}

func tiePanelText(s *Session, ties [][]int64) string {
	lines := []string{fmt.Sprintf("⚔️ <b>触发同分加赛！(比%s · %s/人)</b>", s.Direction.Label(), s.Wager)}
	for _, g := range ties {
		lines = append(lines, fmt.Sprintf("• <b>%d点并列</b>: %s", tieScore(s, g), s.mentions(g)))
	}
	lines = append(lines, fmt.Sprintf("\n👉 %s 强制进入加赛池投掷 <b>1</b> 颗骰子！", s.mention(ties[0][0])))
	return strings.Join(lines, "\n")
}

func finalBoardText(s *Session, ranking []PlayerResult, ceiling int) string {
	header := fmt.Sprintf("🎲 <b>终局结算单 (比%s · 押注%s/人)</b>", s.Direction.Label(), s.Wager)
	if s.TieRounds > 0 {
		header += fmt.Sprintf(" <i>(加赛%d轮)</i>", s.TieRounds)
	}
	if s.Forced {
		header += fmt.Sprintf("\n⚠️ <b>[已达%d颗极限强制平分清算]</b>", ceiling)
	}

	lines := []string{header}
	for _, r := range ranking {
		faces := s.Rolls[r.UserID]
		if r.Escaped || len(faces) == 0 {
			lines = append(lines, fmt.Sprintf("第%d名: %s | 🚫 逃跑弃权 | 盈亏: <b>%s</b>",
				r.Rank, s.mention(r.UserID), r.Profit.Signed()))
			continue
		}
		extra := ""
		if len(faces) > s.DiceCount {
			extra = fmt.Sprintf(" <i>(共投%d颗)</i>", len(faces))
		}
		score, detail := Score(faces)
		lines = append(lines, fmt.Sprintf("第%d名: %s%s | %s=%s ➡ <b>%d点</b> | 盈亏: <b>%s</b>",
			r.Rank, s.mention(r.UserID), extra, formatFaces(faces), detail, score, r.Profit.Signed()))
	}
	return strings.Join(lines, "\n")
}

func formatFaces(faces []int) string {
	parts := make([]string, len(faces))
	for i, f := range faces {
		parts[i] = fmt.Sprint(f)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func joinTimeoutText(s *Session) string {
	switch s.Mode {
	case ModeTargeted:
		return fmt.Sprintf("⏰ 对方 未在1分钟内应答，%s 的指定对战已自动销毁，押金退回。", s.mention(s.Initiator))
	case ModeExact:
		return fmt.Sprintf("⏰ %s 的发车未在规定时间内达到指定人数，对局作废，押金退回。", s.mention(s.Initiator))
	default:
		return fmt.Sprintf("💥 <b>发车超时/人员流失强制解散</b>\n%s\n押金已全额退回！", s.mentions(s.Players))
	}
}

func precisionAbortText(s *Session) string {
	return fmt.Sprintf("❌ <b>封车阻断：精度溢出</b>\n尾数为奇数分的金额 (%s) 在 %d 人局结算会导致残余死账。本局已作废并退款！",
		s.Wager, len(s.Players))
}

func escapeText(s *Session, player int64) string {
	return fmt.Sprintf("⏰ %s 投掷严重超时，已标记为逃跑并垫底！", s.mention(player))
}

func warnText(s *Session, player int64, left time.Duration) string {
	return fmt.Sprintf("⚠️ <b>催投警告 · 比%s · %s/人</b>\n%s 还有 <b>%d 秒</b>！请尽快投出剩余 <b>%d</b> 颗骰子，超时将被判负扣分！",
		s.Direction.Label(), s.Wager, s.mention(player), seconds(left), s.Remaining(player))
}

func stopText(s *Session) string {
	return fmt.Sprintf("🛑 管理员强制结束对局，%s 押金已退回。", s.mentions(s.Players))
}
