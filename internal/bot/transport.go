package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/handler"
)

// Messenger is the part of *tele.Bot the transport drives.
type Messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

// Transport delivers engine and game messages through telebot.
type Transport struct {
	client   Messenger
	threadID int

	root context.Context
	wg   sync.WaitGroup
}

var _ contest.Transport = (*Transport)(nil)

// NewTransport creates a Transport. threadID is used for messages that do
// not name a forum topic. Delayed deletes still pending when root is done
// are dropped.
func NewTransport(root context.Context, client Messenger, threadID int) *Transport {
	return &Transport{client: client, threadID: threadID, root: root}
}

// Send posts an HTML message and returns its id.
func (t *Transport) Send(ctx context.Context, msg contest.Outgoing) (int, error) {
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		ThreadID:              msg.ThreadID,
		DisableWebPagePreview: true,
	}
	if opts.ThreadID == 0 {
		opts.ThreadID = t.threadID
	}
	if msg.Keyboard != nil {
		opts.ReplyMarkup = handler.Markup(msg.Keyboard)
	}

	sent, err := t.client.Send(tele.ChatID(msg.ChatID), msg.Text, opts)
	if err != nil {
		return 0, err
	}
	return sent.ID, nil
}

// Edit replaces a message's text and keyboard. An edit that changes
// nothing is not an error.
func (t *Transport) Edit(ctx context.Context, chatID int64, msgID int, text string, kb *contest.Keyboard) error {
	_, err := t.client.Edit(stored(chatID, msgID), text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		ReplyMarkup:           handler.Markup(kb),
		DisableWebPagePreview: true,
	})
	if err != nil && isNotModified(err) {
		return nil
	}
	return err
}

// Delete removes a message after delay. Failures are logged only.
func (t *Transport) Delete(ctx context.Context, chatID int64, msgID int, delay time.Duration) {
	if msgID <= 0 {
		return
	}
	if delay <= 0 {
		t.delete(chatID, msgID)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-t.root.Done():
		case <-timer.C:
			t.delete(chatID, msgID)
		}
	}()
}

// Wait blocks until every delayed delete has run or been dropped.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) delete(chatID int64, msgID int) {
	if err := t.client.Delete(stored(chatID, msgID)); err != nil {
		log.Debug().Err(err).Int64("chat_id", chatID).Int("msg_id", msgID).Msg("Failed to delete message")
	}
}

func stored(chatID int64, msgID int) *tele.StoredMessage {
	return &tele.StoredMessage{MessageID: strconv.Itoa(msgID), ChatID: chatID}
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
