package contest

import (
	"context"
	"time"

	"dice-arena-bot/internal/pkg/money"
)

// Ledger is the balance store used for escrow and payouts.
type Ledger interface {
	GetOrInitBalance(ctx context.Context, userID int64) (money.Cents, error)
	UpdateBalance(ctx context.Context, userID int64, delta money.Cents, txType, desc string) (money.Cents, error)
}

// Store persists sessions, the per-chat active set and player markers.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)

	AddToChat(ctx context.Context, chatID int64, id string) error
	RemoveFromChat(ctx context.Context, chatID int64, id string) (remaining int64, err error)
	ChatSessions(ctx context.Context, chatID int64) ([]string, error)

	// AcquirePlayer sets the player's marker unless one exists.
	AcquirePlayer(ctx context.Context, player int64, sessionID string) (bool, error)
	PlayerSession(ctx context.Context, player int64) (string, error)
	ReleasePlayers(ctx context.Context, players ...int64) error
}

// Button is one inline button.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard laid out in rows.
type Keyboard struct {
	Rows [][]Button
}

// Outgoing is a message to post in a chat. Text is HTML.
type Outgoing struct {
	ChatID   int64
	ThreadID int
	Text     string
	Keyboard *Keyboard
}

// Transport delivers chat messages. Failures never block a transition.
type Transport interface {
	Send(ctx context.Context, msg Outgoing) (int, error)
	Edit(ctx context.Context, chatID int64, msgID int, text string, kb *Keyboard) error
	Delete(ctx context.Context, chatID int64, msgID int, delay time.Duration)
}

// ActivityListener learns when a chat gains its first or loses its last
// active session.
type ActivityListener interface {
	GameActivityBegan(ctx context.Context, chatID int64)
	GameActivityEnded(ctx context.Context, chatID int64)
}

// PlayerResult is one line of a settlement.
type PlayerResult struct {
	UserID  int64
	Name    string
	Rank    int
	Profit  money.Cents
	Payout  money.Cents
	Escaped bool
}

// Settlement summarizes a settled session.
type Settlement struct {
	SessionID string
	ChatID    int64
	ThreadID  int
	Wager     money.Cents
	Results   []PlayerResult
	SettledAt time.Time
}

// StatsRecorder receives every settlement.
type StatsRecorder interface {
	RecordSettlement(ctx context.Context, st Settlement)
}
