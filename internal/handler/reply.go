// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
)

const (
	// shortLived is how long command replies stay in the chat.
	shortLived = 10 * time.Second
	// promptLived keeps interactive prompts around for their whole TTL.
	promptLived = 60 * time.Second
)

// displayName is the name shown in mentions and panels.
func displayName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

// replyAndDelete replies to the triggering message and removes both the
// command and the reply after delay.
func replyAndDelete(c tele.Context, transport contest.Transport, text string, delay time.Duration, opts ...interface{}) error {
	msg := c.Message()
	if msg == nil {
		return nil
	}
	opts = append(opts, tele.ModeHTML)
	sent, err := c.Bot().Reply(msg, text, opts...)
	if err != nil {
		log.Debug().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to reply")
		return nil
	}
	ctx := context.Background()
	transport.Delete(ctx, msg.Chat.ID, msg.ID, delay)
	transport.Delete(ctx, msg.Chat.ID, sent.ID, delay)
	return nil
}

// deleteCommand removes the triggering message right away.
func deleteCommand(c tele.Context, transport contest.Transport) {
	if msg := c.Message(); msg != nil {
		transport.Delete(context.Background(), msg.Chat.ID, msg.ID, 0)
	}
}

// alert answers a callback with a popup.
func alert(c tele.Context, text string) error {
	return c.Respond(&tele.CallbackResponse{Text: text, ShowAlert: true})
}

// toast answers a callback with a transient notice.
func toast(c tele.Context, text string) error {
	return c.Respond(&tele.CallbackResponse{Text: text})
}

// threadOf returns the forum topic a message belongs to.
func threadOf(m *tele.Message) int {
	if m == nil || !m.TopicMessage {
		return 0
	}
	return m.ThreadID
}

// replyTarget returns the user a message replies to, ignoring the implicit
// reply to a forum topic's root message.
func replyTarget(m *tele.Message) *tele.User {
	if m == nil || m.ReplyTo == nil || m.ReplyTo.Sender == nil {
		return nil
	}
	if m.ThreadID != 0 && m.ReplyTo.ID == m.ThreadID {
		return nil
	}
	return m.ReplyTo.Sender
}

// Markup converts an inline keyboard to telebot's form. A nil keyboard
// clears the markup.
func Markup(kb *contest.Keyboard) *tele.ReplyMarkup {
	if kb == nil {
		return &tele.ReplyMarkup{}
	}
	rows := make([][]tele.InlineButton, len(kb.Rows))
	for i, row := range kb.Rows {
		rows[i] = make([]tele.InlineButton, len(row))
		for j, b := range row {
			rows[i][j] = tele.InlineButton{Text: b.Text, Data: b.Data}
		}
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
