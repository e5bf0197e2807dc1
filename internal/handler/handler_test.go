package handler

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/pkg/callback"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/service"
	"dice-arena-bot/internal/store"
)

func newTestContestHandler() *ContestHandler {
	return NewContestHandler(nil, nil, nil, nil, nil, 0)
}

func TestReserveRelease(t *testing.T) {
	h := newTestContestHandler()
	key := inFlightKey("s1", 42)
	assert.Equal(t, "s1:42", key)

	ok, exhausted := h.reserve(key, 1, 3, false)
	assert.True(t, ok)
	assert.False(t, exhausted)

	// Roll-all is refused while a single die is in the air.
	ok, _ = h.reserve(key, 2, 3, true)
	assert.False(t, ok)

	ok, exhausted = h.reserve(key, 2, 3, false)
	assert.True(t, ok)
	assert.True(t, exhausted)
	assert.Equal(t, 3, h.pendingFor(key))

	ok, _ = h.reserve(key, 1, 3, false)
	assert.False(t, ok, "booking past the room")

	h.release(key, 2)
	assert.Equal(t, 1, h.pendingFor(key))
	h.release(key, 5)
	assert.Zero(t, h.pendingFor(key))
	h.release(key, 0)
	assert.Zero(t, h.pendingFor(key))
}

func TestReserveConcurrent(t *testing.T) {
	h := newTestContestHandler()
	key := inFlightKey("s1", 7)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := h.reserve(key, 1, 5, false); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, 5, h.pendingFor(key))
}

func TestRankKeyboard(t *testing.T) {
	kb := rankKeyboard(store.Weekly, service.ViewNet, 99)
	require.Len(t, kb.Rows, 2)
	require.Len(t, kb.Rows[0], 3)
	require.Len(t, kb.Rows[1], 2)

	assert.Equal(t, "✅ 本周", kb.Rows[0][1].Text)
	assert.Equal(t, "今日", kb.Rows[0][0].Text)
	assert.Equal(t, "✅ 净胜负榜", kb.Rows[1][1].Text)
	assert.Equal(t, "胜负榜", kb.Rows[1][0].Text)

	action, params := callback.Decode(kb.Rows[0][2].Data)
	assert.Equal(t, callback.Rank, action)
	assert.Equal(t, []string{"monthly", "net", "99"}, params)

	_, params = callback.Decode(kb.Rows[1][0].Data)
	assert.Equal(t, []string{"weekly", "gross", "99"}, params)
}

func TestWriteEntries(t *testing.T) {
	var b strings.Builder
	writeEntries(&b, nil, "暂无数据。", nil)
	assert.Equal(t, "\n暂无数据。", b.String())

	b.Reset()
	entries := []store.RankEntry{{UserID: 1, Name: "<a>"}, {UserID: 2}}
	writeEntries(&b, entries, "", func(store.RankEntry) string { return "+1.00" })
	out := b.String()
	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, "2. ")
	assert.Contains(t, out, "未知玩家")
	assert.NotContains(t, out, "<a>")
	assert.Equal(t, 2, strings.Count(out, "| +1.00"))
}

func TestParsePositiveAmount(t *testing.T) {
	limit := money.FromPoints(100)

	amount, msg := parsePositiveAmount("12.5", limit, "金额")
	assert.Empty(t, msg)
	assert.Equal(t, money.MustParse("12.50"), amount)

	tests := []struct {
		in   string
		want string
	}{
		{"1.234", "精度"},
		{"abc", "格式"},
		{"0", "0.01 到 100"},
		{"-3", "之间"},
		{"100.01", "之间"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, msg := parsePositiveAmount(tt.in, limit, "金额")
			assert.Contains(t, msg, tt.want)
		})
	}
}

func TestMarkup(t *testing.T) {
	assert.Empty(t, Markup(nil).InlineKeyboard)

	kb := &contest.Keyboard{Rows: [][]contest.Button{
		{{Text: "a", Data: "x:1"}, {Text: "b", Data: "y"}},
		{{Text: "c", Data: "z"}},
	}}
	m := Markup(kb)
	require.Len(t, m.InlineKeyboard, 2)
	assert.Equal(t, tele.InlineButton{Text: "b", Data: "y"}, m.InlineKeyboard[0][1])
	assert.Equal(t, "z", m.InlineKeyboard[1][0].Data)
}

func TestReplyTarget(t *testing.T) {
	alice := &tele.User{ID: 5, FirstName: "Alice"}

	assert.Nil(t, replyTarget(nil))
	assert.Nil(t, replyTarget(&tele.Message{}))
	assert.Equal(t, alice, replyTarget(&tele.Message{ReplyTo: &tele.Message{ID: 3, Sender: alice}}))

	// The implicit reply to a topic's root message is not a target.
	topic := &tele.Message{ThreadID: 3, TopicMessage: true, ReplyTo: &tele.Message{ID: 3, Sender: alice}}
	assert.Nil(t, replyTarget(topic))
	assert.Equal(t, 3, threadOf(topic))
	assert.Zero(t, threadOf(&tele.Message{ThreadID: 3}))
}

func TestDisplayName(t *testing.T) {
	assert.Empty(t, displayName(nil))
	assert.Equal(t, "Bob", displayName(&tele.User{FirstName: "Bob", Username: "bobby"}))
	assert.Equal(t, "bobby", displayName(&tele.User{Username: "bobby"}))
}
