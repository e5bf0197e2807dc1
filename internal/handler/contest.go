package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/callback"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

// DiceEmoji is the only die that counts as a roll.
const DiceEmoji = "🎲"

// Balances reads balances for refusal messages.
type Balances interface {
	GetOrInitBalance(ctx context.Context, userID int64) (money.Cents, error)
}

// PasswordClaimer claims password envelopes with a chat message.
type PasswordClaimer interface {
	ClaimPassword(ctx context.Context, chatID int64, userID int64, name, text string) (money.Cents, error)
}

// ContestHandler handles bet commands, join and roll buttons, and dice
// thrown by hand.
type ContestHandler struct {
	engine    *contest.Engine
	accounts  Balances
	pending   *store.PendingStore
	claimer   PasswordClaimer
	transport contest.Transport
	animation time.Duration

	mu       sync.Mutex
	inFlight map[string]int // dice sent but not yet submitted, by session and player
}

// NewContestHandler creates a new ContestHandler.
func NewContestHandler(engine *contest.Engine, accounts Balances, pending *store.PendingStore, claimer PasswordClaimer, transport contest.Transport, animation time.Duration) *ContestHandler {
	return &ContestHandler{
		engine:    engine,
		accounts:  accounts,
		pending:   pending,
		claimer:   claimer,
		transport: transport,
		animation: animation,
		inFlight:  make(map[string]int),
	}
}

// HandleBet handles "大 100 2 多 4" style bet messages. It reports false
// when the text is not a bet so the caller can try other text handlers.
func (h *ContestHandler) HandleBet(c tele.Context) (bool, error) {
	ctx := context.Background()
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil {
		return false, nil
	}

	bet, err := contest.ParseBet(strings.TrimSpace(msg.Text), h.engine.Config())
	if errors.Is(err, contest.ErrNotBet) {
		return false, nil
	}

	if busy, perr := h.engine.PlayerSession(ctx, sender.ID); perr == nil && busy != "" {
		return true, replyAndDelete(c, h.transport, "❌ <b>分身乏术</b>\n请结算后再开启新局。", shortLived)
	}

	var betErr *contest.BetError
	if errors.As(err, &betErr) {
		return true, replyAndDelete(c, h.transport, betErr.Msg, shortLived)
	}
	if err != nil {
		return true, replyAndDelete(c, h.transport, "❌ 格式错误！请输入有效数字。", shortLived)
	}

	name := displayName(sender)
	req := contest.CreateRequest{
		ChatID:        msg.Chat.ID,
		ThreadID:      threadOf(msg),
		Initiator:     sender.ID,
		InitiatorName: name,
		Direction:     bet.Direction,
		Wager:         bet.Wager,
		DiceCount:     bet.DiceCount,
		TargetCount:   bet.TargetCount,
	}

	if target := replyTarget(msg); target != nil && !bet.Multi {
		switch {
		case target.ID == sender.ID:
			return true, replyAndDelete(c, h.transport, "❌ 禁止自娱自乐‼️", shortLived)
		case target.IsBot:
			return true, replyAndDelete(c, h.transport, "❌ 禁止与荷官谈笑风生👀", shortLived)
		}
		if busy, err := h.engine.PlayerSession(ctx, target.ID); err == nil && busy != "" {
			return true, replyAndDelete(c, h.transport, "❌ <b>对方正在对局中</b>\n等对方结算后再发起挑战。", shortLived)
		}
		req.TargetUser = target.ID
		req.TargetName = displayName(target)
	}
	req.Mode = bet.Mode(req.TargetUser != 0)

	if duel := h.waitingDuel(ctx, msg.Chat.ID, sender.ID); duel != nil {
		return true, h.promptDuel(c, duel, &store.PendingBet{
			ChatID:     req.ChatID,
			ThreadID:   req.ThreadID,
			Name:       name,
			Bet:        bet,
			TargetUser: req.TargetUser,
			TargetName: req.TargetName,
		})
	}

	deleteCommand(c, h.transport)
	return true, h.create(c, req)
}

// waitingDuel finds a targeted duel in the chat that waits for uid.
func (h *ContestHandler) waitingDuel(ctx context.Context, chatID, uid int64) *contest.Session {
	sessions, err := h.engine.ActiveSessions(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to list sessions")
		return nil
	}
	for _, s := range sessions {
		if s.Phase == contest.PhaseWaitingJoin && s.Mode == contest.ModeTargeted && s.TargetUser == uid {
			return s
		}
	}
	return nil
}

func (h *ContestHandler) promptDuel(c tele.Context, duel *contest.Session, p *store.PendingBet) error {
	ctx := context.Background()
	uid := c.Sender().ID
	if err := h.pending.Put(ctx, uid, p); err != nil {
		log.Error().Err(err).Int64("user_id", uid).Msg("Failed to store pending bet")
		return replyAndDelete(c, h.transport, "❌ 操作失败，请稍后重试", shortLived)
	}

	kb := &contest.Keyboard{Rows: [][]contest.Button{{
		{Text: "🆕 开新局", Data: callback.Encode(callback.NewDuel, callback.ID(uid))},
		{Text: "⚔️ 接决斗", Data: callback.Encode(callback.Join, duel.ID)},
	}}}
	text := fmt.Sprintf("⚠️ <b>%s</b> 正在向你发起决斗！\n你要无视对方开新局，还是接下决斗？",
		html.EscapeString(duel.Name(duel.Initiator)))
	return replyAndDelete(c, h.transport, text, promptLived, Markup(kb))
}

// create opens the session and explains a refusal in the chat.
func (h *ContestHandler) create(c tele.Context, req contest.CreateRequest) error {
	ctx := context.Background()
	_, err := h.engine.Create(ctx, req)
	if err == nil {
		return nil
	}

	var text string
	switch {
	case errors.Is(err, contest.ErrAlreadyInGame):
		text = "❌ <b>分身乏术</b>\n请结算后再开启新局。"
	case errors.Is(err, contest.ErrTargetInGame):
		text = "❌ <b>对方正在对局中</b>\n等对方结算后再发起挑战。"
	case errors.Is(err, contest.ErrInsufficientBalance):
		balance, _ := h.accounts.GetOrInitBalance(ctx, req.Initiator)
		text = fmt.Sprintf("❌ <b>余额不足</b>\n需要 %s，你仅有 %s。", req.Wager, balance)
	case errors.Is(err, contest.ErrInvalidRequest):
		text = "❌ 规则不符！"
	default:
		log.Error().Err(err).Int64("user_id", req.Initiator).Msg("Failed to create session")
		text = "❌ 发车失败，请稍后重试"
	}
	sent, serr := c.Bot().Send(tele.ChatID(req.ChatID), text, &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: req.ThreadID})
	if serr == nil {
		h.transport.Delete(ctx, req.ChatID, sent.ID, shortLived)
	}
	return nil
}

// HandleNewDuel starts the pending bet of a user who chose to ignore the
// duel waiting for them.
func (h *ContestHandler) HandleNewDuel(c tele.Context, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	owner, ok := callback.Int64(params, 0)
	if sender == nil || !ok {
		return nil
	}
	if sender.ID != owner {
		return alert(c, "⚠️ 还没轮到你操作！")
	}

	p, err := h.pending.Take(ctx, sender.ID)
	if err != nil || p == nil {
		return alert(c, "⚠️ 操作已过期")
	}
	if msg := c.Callback().Message; msg != nil {
		h.transport.Delete(ctx, msg.Chat.ID, msg.ID, 0)
	}
	_ = c.Respond()

	return h.create(c, contest.CreateRequest{
		ChatID:        p.ChatID,
		ThreadID:      p.ThreadID,
		Initiator:     sender.ID,
		InitiatorName: p.Name,
		Mode:          p.Bet.Mode(p.TargetUser != 0),
		Direction:     p.Bet.Direction,
		Wager:         p.Bet.Wager,
		DiceCount:     p.Bet.DiceCount,
		TargetCount:   p.Bet.TargetCount,
		TargetUser:    p.TargetUser,
		TargetName:    p.TargetName,
	})
}

// HandleJoin handles the join button.
func (h *ContestHandler) HandleJoin(c tele.Context, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil || len(params) == 0 {
		return nil
	}
	id := params[0]

	s, err := h.engine.Join(ctx, id, sender.ID, displayName(sender))
	switch {
	case err == nil:
		_ = h.pending.Drop(ctx, sender.ID)
		// A prompt offering this duel is obsolete once it is taken.
		if msg := c.Callback().Message; msg != nil && msg.ID != s.PanelMessageID {
			h.transport.Delete(ctx, msg.Chat.ID, msg.ID, 0)
		}
		return c.Respond()
	case errors.Is(err, contest.ErrAlreadyInGame):
		return alert(c, "已有进行中对局！")
	case errors.Is(err, contest.ErrAlreadyJoined):
		return alert(c, "你已在局内！")
	case errors.Is(err, contest.ErrNotTarget):
		return alert(c, "这是专属决斗！")
	case errors.Is(err, contest.ErrInsufficientBalance):
		balance, _ := h.accounts.GetOrInitBalance(ctx, sender.ID)
		wager := money.Cents(0)
		if s, gerr := h.engine.Get(ctx, id); gerr == nil {
			wager = s.Wager
		}
		return alert(c, fmt.Sprintf("❌ 余额不足\n需要 %s，你仅有 %s。", wager, balance))
	case errors.Is(err, contest.ErrNotJoinable), errors.Is(err, contest.ErrSessionNotFound):
		return alert(c, "⚠️ 对局已开启、结束或不存在。")
	default:
		log.Error().Err(err).Str("session_id", id).Int64("user_id", sender.ID).Msg("Failed to join session")
		return alert(c, "❌ 操作失败，请稍后重试")
	}
}

// HandleForceStart handles the exact-mode force start button.
func (h *ContestHandler) HandleForceStart(c tele.Context, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil || len(params) == 0 {
		return nil
	}
	if owner, ok := callback.Int64(params, 1); ok && owner != sender.ID {
		return alert(c, "⚠️ 只有发起人可以强行发车！")
	}

	_, err := h.engine.ForceStart(ctx, params[0], sender.ID)
	switch {
	case err == nil:
		return c.Respond()
	case errors.Is(err, contest.ErrNotInitiator):
		return alert(c, "⚠️ 只有发起人可以强行发车！")
	case errors.Is(err, contest.ErrNotEnoughPlayers):
		return alert(c, "⚠️ 至少需要 2 人才能发车！")
	case errors.Is(err, contest.ErrNotJoinable), errors.Is(err, contest.ErrSessionNotFound), errors.Is(err, contest.ErrNotExactMode):
		return alert(c, "⚠️ 对局已开启、结束或不存在。")
	default:
		log.Error().Err(err).Str("session_id", params[0]).Msg("Failed to force start session")
		return alert(c, "❌ 操作失败，请稍后重试")
	}
}

// HandleRoll handles the roll-one and roll-all buttons. Dice are thrown
// by the bot one at a time and submitted once their animation ends.
func (h *ContestHandler) HandleRoll(c tele.Context, all bool, params []string) error {
	ctx := context.Background()
	sender := c.Sender()
	cb := c.Callback()
	if sender == nil || cb == nil || cb.Message == nil || len(params) == 0 {
		return nil
	}
	id := params[0]
	if owner, ok := callback.Int64(params, 1); ok && owner != sender.ID {
		return alert(c, "⚠️ 这不是你的专属投掷按钮！")
	}

	s, err := h.engine.Get(ctx, id)
	if err != nil || !s.InPlay() {
		return alert(c, "⚠️ 对局已开启、结束或不存在。")
	}
	remaining := s.Remaining(sender.ID)
	if remaining == 0 {
		return alert(c, "✅ 你已经投完了！")
	}
	if cur, ok := s.Current(); !ok || cur != sender.ID {
		return alert(c, "⚠️ 还没轮到你投掷！")
	}

	key := inFlightKey(id, sender.ID)
	count := 1
	if all {
		count = remaining
	}
	reserved, exhausted := h.reserve(key, count, remaining, all)
	if !reserved {
		return alert(c, "⚠️ 点击过快，防止超投！")
	}
	if exhausted {
		if _, err := c.Bot().EditReplyMarkup(cb.Message, nil); err != nil {
			log.Debug().Err(err).Str("session_id", id).Msg("Failed to clear roll buttons")
		}
	}
	if err := toast(c, fmt.Sprintf("准备投 %d 颗...", count)); err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("Failed to answer roll callback")
	}

	chat := cb.Message.Chat.ID
	thread := s.ThreadID
	for i := 0; i < count; i++ {
		fresh, err := h.engine.Get(ctx, id)
		if err != nil {
			h.release(key, count-i)
			return nil
		}
		if cur, ok := fresh.Current(); !ok || cur != sender.ID || fresh.Remaining(sender.ID) == 0 {
			h.release(key, count-i)
			return nil
		}

		die, err := c.Bot().Send(tele.ChatID(chat), tele.Cube, &tele.SendOptions{ThreadID: thread})
		if err != nil || die.Dice == nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to throw die")
			h.release(key, count-i)
			return nil
		}
		time.Sleep(h.animation)
		h.release(key, 1)

		_, err = h.engine.SubmitRoll(ctx, contest.RollEvent{
			SessionID: id,
			Player:    sender.ID,
			Face:      die.Dice.Value,
			MessageID: die.ID,
		})
		if err != nil {
			if !errors.Is(err, contest.ErrTurnViolation) && !errors.Is(err, contest.ErrSessionNotFound) {
				log.Error().Err(err).Str("session_id", id).Msg("Failed to submit roll")
			}
			h.release(key, count-i-1)
			return nil
		}
	}
	return nil
}

// HandleDice handles a die thrown by hand. Players in a session roll with
// it, anyone else may claim a dice password envelope.
func (h *ContestHandler) HandleDice(c tele.Context) error {
	ctx := context.Background()
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil || msg.Dice == nil || msg.IsForwarded() {
		return nil
	}
	chat := msg.Chat.ID

	sessionID, err := h.engine.PlayerSession(ctx, sender.ID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", sender.ID).Msg("Failed to read player session")
		return nil
	}

	if sessionID == "" {
		claimed, err := h.claimer.ClaimPassword(ctx, chat, sender.ID, displayName(sender), string(msg.Dice.Type))
		if err != nil {
			log.Warn().Err(err).Int64("user_id", sender.ID).Msg("Failed to claim dice envelope")
		}
		if claimed > 0 {
			return nil
		}
		// Stray dice would confuse players waiting for their turn.
		if active, err := h.engine.ActiveSessions(ctx, chat); err == nil && len(active) > 0 {
			h.transport.Delete(ctx, chat, msg.ID, 0)
		}
		return nil
	}

	if msg.Dice.Type != DiceEmoji {
		h.transport.Delete(ctx, chat, msg.ID, 0)
		return nil
	}
	if h.pendingFor(inFlightKey(sessionID, sender.ID)) > 0 {
		h.transport.Delete(ctx, chat, msg.ID, 0)
		return nil
	}

	_, err = h.engine.SubmitRoll(ctx, contest.RollEvent{
		SessionID: sessionID,
		Player:    sender.ID,
		Face:      msg.Dice.Value,
		MessageID: msg.ID,
	})
	if err != nil && !errors.Is(err, contest.ErrTurnViolation) && !errors.Is(err, contest.ErrSessionNotFound) {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to submit manual roll")
	}
	return nil
}

func inFlightKey(sessionID string, player int64) string {
	return sessionID + ":" + callback.ID(player)
}

// reserve books n dice against the room a player has left. A roll-all
// booking is exclusive. exhausted reports that the booking used up the room.
func (h *ContestHandler) reserve(key string, n, room int, exclusive bool) (reserved, exhausted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.inFlight[key]
	if exclusive && cur > 0 {
		return false, false
	}
	if cur+n > room {
		return false, false
	}
	h.inFlight[key] = cur + n
	return true, cur+n >= room
}

func (h *ContestHandler) release(key string, n int) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	left := h.inFlight[key] - n
	if left <= 0 {
		delete(h.inFlight, key)
		return
	}
	h.inFlight[key] = left
}

func (h *ContestHandler) pendingFor(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight[key]
}
