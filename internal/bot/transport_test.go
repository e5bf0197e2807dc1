package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
)

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	sent    []*tele.SendOptions
	deleted []string
	editErr error
}

func (f *fakeMessenger) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.sent = append(f.sent, so)
		}
	}
	return &tele.Message{ID: f.nextID}, nil
}

func (f *fakeMessenger) Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error) {
	return &tele.Message{}, f.editErr
}

func (f *fakeMessenger) Delete(msg tele.Editable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := msg.MessageSig()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeMessenger) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestTransportSendUsesThreadFallback(t *testing.T) {
	fake := &fakeMessenger{}
	tr := NewTransport(context.Background(), fake, 77)

	id, err := tr.Send(context.Background(), contest.Outgoing{ChatID: -100, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = tr.Send(context.Background(), contest.Outgoing{
		ChatID:   -100,
		ThreadID: 5,
		Text:     "hi",
		Keyboard: &contest.Keyboard{Rows: [][]contest.Button{{{Text: "a", Data: "jg:1"}}}},
	})
	require.NoError(t, err)

	require.Len(t, fake.sent, 2)
	assert.Equal(t, 77, fake.sent[0].ThreadID)
	assert.Nil(t, fake.sent[0].ReplyMarkup)
	assert.Equal(t, 5, fake.sent[1].ThreadID)
	require.NotNil(t, fake.sent[1].ReplyMarkup)
	assert.Equal(t, "jg:1", fake.sent[1].ReplyMarkup.InlineKeyboard[0][0].Data)
	assert.Equal(t, tele.ModeHTML, fake.sent[1].ParseMode)
}

func TestTransportEditIgnoresNotModified(t *testing.T) {
	fake := &fakeMessenger{editErr: errors.New("telegram: Bad Request: message is not modified (400)")}
	tr := NewTransport(context.Background(), fake, 0)
	assert.NoError(t, tr.Edit(context.Background(), -100, 3, "same", nil))

	fake.editErr = errors.New("telegram: Bad Request: message to edit not found (400)")
	assert.Error(t, tr.Edit(context.Background(), -100, 3, "same", nil))
}

func TestTransportDelete(t *testing.T) {
	fake := &fakeMessenger{}
	tr := NewTransport(context.Background(), fake, 0)

	tr.Delete(context.Background(), -100, 0, 0)
	tr.Delete(context.Background(), -100, 4, 0)
	tr.Delete(context.Background(), -100, 5, 10*time.Millisecond)
	tr.Wait()

	assert.Equal(t, []string{"4", "5"}, fake.deletedIDs())
}

func TestTransportDropsDelayedDeleteOnShutdown(t *testing.T) {
	fake := &fakeMessenger{}
	root, cancel := context.WithCancel(context.Background())
	tr := NewTransport(root, fake, 0)

	tr.Delete(context.Background(), -100, 9, time.Hour)
	cancel()
	tr.Wait()

	assert.Empty(t, fake.deletedIDs())
}
