// Package ops serves the read-only operations HTTP API: health checks,
// live sessions per chat, leaderboards and balance history.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/store"
)

const (
	leaderboardSize = 10
	historyDefault  = 20
	historyMax      = 100
)

// Pinger checks one backing service.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Sessions lists the live contests of a chat.
type Sessions interface {
	ActiveSessions(ctx context.Context, chatID int64) ([]*contest.Session, error)
}

// Leaderboards reads ranked period totals and the richest players.
type Leaderboards interface {
	TopNet(ctx context.Context, p store.Period, n int) ([]store.RankEntry, error)
	GetTopUsers(ctx context.Context, limit int) ([]*model.User, error)
}

// Accounts reads a player's balance changes.
type Accounts interface {
	History(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error)
}

// Deps are the server's data sources.
type Deps struct {
	Postgres     Pinger
	Redis        Pinger
	Sessions     Sessions
	Leaderboards Leaderboards
	Accounts     Accounts
}

type sessionView struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"`
	Direction string `json:"direction"`
	Wager     string `json:"wager"`
	DiceCount int    `json:"dice_count"`
	Phase     string `json:"phase"`
	Players   int    `json:"players"`
	CreatedAt string `json:"created_at"`
}

type rankView struct {
	Rank   int    `json:"rank"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

type txView struct {
	ID          int64  `json:"id"`
	Amount      string `json:"amount"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// NewRouter builds the ops router.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestLogger())

	r.Get("/healthz", health(deps))
	r.Route("/api", func(r chi.Router) {
		r.Get("/chats/{chat_id}/sessions", chatSessions(deps.Sessions))
		r.Get("/leaderboard/{period}", leaderboard(deps.Leaderboards))
		r.Get("/balances/top", richest(deps.Leaderboards))
		r.Get("/users/{user_id}/transactions", history(deps.Accounts))
	})
	return r
}

// NewServer wraps the router in an http.Server listening on addr.
func NewServer(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func requestLogger() func(http.Handler) http.Handler {
	return httplog.RequestLogger(
		slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{})),
		&httplog.Options{
			Level:              slog.LevelInfo,
			Schema:             httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
			LogRequestBody:     func(*http.Request) bool { return false },
			LogResponseBody:    func(*http.Request) bool { return false },
			LogRequestHeaders:  []string{},
			LogResponseHeaders: []string{},
			LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
				route := req.URL.Path
				if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				return []slog.Attr{
					slog.String("request_id", chimw.GetReqID(req.Context())),
					slog.String("route", route),
				}
			},
		},
	)
}

func health(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"ok": true, "db": "up", "redis": "up"}
		code := http.StatusOK
		if deps.Postgres != nil {
			if err := deps.Postgres.HealthCheck(r.Context()); err != nil {
				log.Warn().Err(err).Msg("PostgreSQL health check failed")
				status["ok"], status["db"] = false, "down"
				code = http.StatusServiceUnavailable
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.HealthCheck(r.Context()); err != nil {
				log.Warn().Err(err).Msg("Redis health check failed")
				status["ok"], status["redis"] = false, "down"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, status)
	}
}

func chatSessions(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID, err := strconv.ParseInt(chi.URLParam(r, "chat_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chat_id")
			return
		}
		list, err := sessions.ActiveSessions(r.Context(), chatID)
		if err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to list sessions")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}

		items := make([]sessionView, 0, len(list))
		for _, s := range list {
			items = append(items, sessionView{
				ID:        s.ID,
				Mode:      string(s.Mode),
				Direction: string(s.Direction),
				Wager:     s.Wager.Fixed(),
				DiceCount: s.DiceCount,
				Phase:     string(s.Phase),
				Players:   len(s.Players),
				CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func leaderboard(boards Leaderboards) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := store.ParsePeriod(chi.URLParam(r, "period"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid period")
			return
		}
		entries, err := boards.TopNet(r.Context(), p, leaderboardSize)
		if err != nil {
			log.Error().Err(err).Str("period", string(p)).Msg("Failed to load leaderboard")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}

		items := make([]rankView, 0, len(entries))
		for i, e := range entries {
			items = append(items, rankView{Rank: i + 1, UserID: e.UserID, Name: e.Name, Amount: e.Amount().Fixed()})
		}
		writeJSON(w, http.StatusOK, map[string]any{"period": p, "items": items})
	}
}

func richest(boards Leaderboards) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := boards.GetTopUsers(r.Context(), leaderboardSize)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load top balances")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}

		items := make([]rankView, 0, len(users))
		for i, u := range users {
			items = append(items, rankView{Rank: i + 1, UserID: u.TelegramID, Name: u.Username, Amount: u.Balance.Fixed()})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func history(accounts Accounts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		limit := historyDefault
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, historyMax)
		}

		txs, err := accounts.History(r.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("Failed to load transactions")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}

		items := make([]txView, 0, len(txs))
		for _, tx := range txs {
			v := txView{
				ID:        tx.ID,
				Amount:    tx.Amount.Fixed(),
				Type:      tx.Type,
				CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339),
			}
			if tx.Description != nil {
				v.Description = *tx.Description
			}
			items = append(items, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "items": items})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
