package handler

import (
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
)

const helpText = `🎲 <b>骰子竞技场 · 指令与玩法指南</b> 🎲

🏷 <b>一、怎么发起对局？（4种实战姿势）</b>

<b>格式口诀：玩法金额 + 空格 + 骰子数</b>
（注：大小与金额可连打，数字之间必须用空格隔开。支持 1-5 颗，填 0 积分即为友谊赛）。

• <b>普通双人局</b>：发送 <code>大100 3</code>
（只等1人，有人点按钮立刻发车）

• <b>指定单挑局</b>：回复对手的消息发送 <code>大100 3</code>
（只准他接单，1分钟不理你自动退回积分；对方已在对局中则无法发起）

• <b>多人拼车局</b>：发送 <code>大100 3 多</code>
（2到5人都能玩。有人进就触发15秒倒计时，满5人瞬间发车）

• <b>定员死等局</b>：发送 <code>大100 3 多 4</code>
（结尾的 4 代表必须死等凑齐4人，少一个都不发车）

🏷 <b>二、连胜 / 连败奖惩</b>

• <b>乐善好施</b>：连赢 3 局（有积分加）→ 自动扣 200 积分，重置后循环计算
• <b>同舟共济</b>：连败 3 局（有积分扣）→ 自动补贴 +200 积分，重置后循环计算
（平局 ±0 重置计数；与名次无关，以实际盈亏符号判定）

🏷 <b>三、/attack 单挑对决</b>

回复某人的消息发 <code>/attack</code> 向其发起攻击！

• 发起时先扣 <b>1000 积分</b>，双方可在1分钟内反复追加（每次 +1000）
• 💥 <b>加大力度</b>：仅发起方可按   🛡 <b>回手反击</b>：仅迎战方可按
• 投入越多赢面越大（加权随机），每人最高投入 <b>20000</b> 积分
• 1分钟后自动结算：赢家取回本金 + 缴获对方 <b>90%</b> 投入（10% 销毁防刷）
• 对方未回应：全额退款，原面板自动销毁

🏷 <b>四、指令大全</b>

• <code>/checkin</code>：每日签到领积分。<b>连续签到5天白送两万！</b>
• <code>/bal</code>：查看自己的可用积分余额。
• <code>/gift 100</code>：回复某人的消息发送，直接赠送他100积分。
• <code>/redpack 1000 5</code>：发拼手气红包（总额1000，分5个包）。
• <code>/redpack_pw 100 2 芝麻开门</code>：发口令红包，打出"芝麻开门"才能抢。
• <code>/attack</code>：回复某人消息发起 Attack 对决。
• <code>/rank</code>：查看今日胜负榜（支持按钮切换净赚榜）。
• <code>/rank_week</code>：查看本周胜负榜。
• <code>/rank_month</code>：查看本月胜负榜。`

// HelpHandler answers /help and /start.
type HelpHandler struct {
	transport contest.Transport
}

// NewHelpHandler creates a new HelpHandler.
func NewHelpHandler(transport contest.Transport) *HelpHandler {
	return &HelpHandler{transport: transport}
}

// HandleHelp handles the /help command.
func (h *HelpHandler) HandleHelp(c tele.Context) error {
	return replyAndDelete(c, h.transport, helpText, promptLived)
}
