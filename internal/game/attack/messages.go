package attack

import (
	"fmt"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/callback"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

func panelText(a *store.Attack) string {
	c := contest.Mention(a.ChallengerID, a.ChallengerName)
	d := contest.Mention(a.DefenderID, a.DefenderName)
	return fmt.Sprintf("⚔️ %s 向 %s 发起了 <b>Attack！</b>\n\n"+
		"💥 %s：已投入 <b>%s</b> 积分\n"+
		"🛡 %s：已投入 <b>%s</b> 积分\n\n"+
		"⏱ 1分钟内可持续追加，时间到自动结算",
		c, d, c, a.ChallengerTotal, d, a.DefenderTotal)
}

func panelKeyboard(id string, step money.Cents) *contest.Keyboard {
	return &contest.Keyboard{Rows: [][]contest.Button{{
		{Text: fmt.Sprintf("💥 加大力度 (+%s)", step), Data: callback.Encode(callback.AttackAdd, id)},
		{Text: fmt.Sprintf("🛡 回手反击 (+%s)", step), Data: callback.Encode(callback.DefendAdd, id)},
	}}}
}

func refundText(a *store.Attack) string {
	return fmt.Sprintf("⚔️ %s，你向 %s 发起的攻击无人应战，已全额退回 <b>%s</b> 积分。",
		contest.Mention(a.ChallengerID, a.ChallengerName),
		contest.Mention(a.DefenderID, a.DefenderName),
		a.ChallengerTotal)
}

func resultText(a *store.Attack, out *Outcome, own money.Cents) string {
	c := contest.Mention(a.ChallengerID, a.ChallengerName)
	d := contest.Mention(a.DefenderID, a.DefenderName)
	w := d
	if out.WinnerID == a.ChallengerID {
		w = c
	}
	return fmt.Sprintf("⚔️ <b>Attack 结算！</b>\n"+
		"发起方：%s  vs  迎战方：%s\n\n"+
		"💥 %s：共投入 <b>%s</b> 积分\n"+
		"🛡 %s：共投入 <b>%s</b> 积分\n\n"+
		"🏆 %s <b>获胜！</b>\n"+
		"本金 <b>%s</b> + 缴获 <b>%s</b> = 共得 <b>%s</b> 积分",
		c, d, c, a.ChallengerTotal, d, a.DefenderTotal, w, own, out.Captured, out.Payout)
}
