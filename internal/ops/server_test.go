package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/store"
)

type fakePinger struct{ err error }

func (f fakePinger) HealthCheck(context.Context) error { return f.err }

type fakeSessions struct {
	byChat map[int64][]*contest.Session
}

func (f fakeSessions) ActiveSessions(_ context.Context, chatID int64) ([]*contest.Session, error) {
	return f.byChat[chatID], nil
}

type fakeBoards struct {
	entries []store.RankEntry
	users   []*model.User
	gotN    int
	gotP    store.Period
}

func (f *fakeBoards) TopNet(_ context.Context, p store.Period, n int) ([]store.RankEntry, error) {
	f.gotN, f.gotP = n, p
	return f.entries, nil
}

func (f *fakeBoards) GetTopUsers(_ context.Context, limit int) ([]*model.User, error) {
	f.gotN = limit
	return f.users, nil
}

type fakeAccounts struct {
	txs      []*model.Transaction
	gotUser  int64
	gotLimit int
}

func (f *fakeAccounts) History(_ context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	f.gotUser, f.gotLimit = userID, limit
	return f.txs, nil
}

func serve(t *testing.T, deps Deps, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealth(t *testing.T) {
	w, body := serve(t, Deps{Postgres: fakePinger{}, Redis: fakePinger{}}, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])

	w, body = serve(t, Deps{Postgres: fakePinger{}, Redis: fakePinger{err: errors.New("down")}}, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "up", body["db"])
	assert.Equal(t, "down", body["redis"])
}

func TestChatSessions(t *testing.T) {
	sessions := fakeSessions{byChat: map[int64][]*contest.Session{
		-100: {{
			ID:        "ab12cd34",
			ChatID:    -100,
			Mode:      contest.ModeSingle,
			Direction: contest.High,
			Wager:     money.FromPoints(100),
			DiceCount: 3,
			Players:   []int64{1, 2},
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
	}}

	w, body := serve(t, Deps{Sessions: sessions}, "/api/chats/-100/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "ab12cd34", item["id"])
	assert.Equal(t, "100.00", item["wager"])
	assert.Equal(t, float64(2), item["players"])

	w, _ = serve(t, Deps{Sessions: sessions}, "/api/chats/abc/sessions")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLeaderboard(t *testing.T) {
	boards := &fakeBoards{entries: []store.RankEntry{{UserID: 7, Name: "alice", Score: 12345}}}

	w, body := serve(t, Deps{Leaderboards: boards}, "/api/leaderboard/week")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.Weekly, boards.gotP)
	assert.Equal(t, leaderboardSize, boards.gotN)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "123.45", items[0].(map[string]any)["amount"])

	w, _ = serve(t, Deps{Leaderboards: boards}, "/api/leaderboard/year")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTopBalances(t *testing.T) {
	boards := &fakeBoards{users: []*model.User{
		{TelegramID: 3, Username: "carol", Balance: money.MustParse("5000.5")},
		{TelegramID: 4, Username: "dave", Balance: money.FromPoints(20)},
	}}

	w, body := serve(t, Deps{Leaderboards: boards}, "/api/balances/top")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, leaderboardSize, boards.gotN)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, float64(1), first["rank"])
	assert.Equal(t, "carol", first["name"])
	assert.Equal(t, "5000.50", first["amount"])
}

func TestTransactionHistory(t *testing.T) {
	desc := "对局结算 s1"
	accounts := &fakeAccounts{txs: []*model.Transaction{
		{ID: 9, UserID: 42, Amount: money.FromPoints(-100), Type: model.TxTypeGameEscrow, Description: &desc,
			CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{ID: 8, UserID: 42, Amount: money.FromPoints(50), Type: model.TxTypeCheckin},
	}}

	w, body := serve(t, Deps{Accounts: accounts}, "/api/users/42/transactions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(42), accounts.gotUser)
	assert.Equal(t, historyDefault, accounts.gotLimit)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "-100.00", first["amount"])
	assert.Equal(t, desc, first["description"])
	assert.Equal(t, "2026-03-01T08:00:00Z", first["created_at"])
	assert.NotContains(t, items[1].(map[string]any), "description")

	_, _ = serve(t, Deps{Accounts: accounts}, "/api/users/42/transactions?limit=500")
	assert.Equal(t, historyMax, accounts.gotLimit)

	w, _ = serve(t, Deps{Accounts: accounts}, "/api/users/42/transactions?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = serve(t, Deps{Accounts: accounts}, "/api/users/x/transactions")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
