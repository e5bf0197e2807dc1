package contest

import (
	"slices"
	"time"

	"dice-arena-bot/internal/pkg/money"
)

// Mode selects how a session fills up.
type Mode string

const (
	ModeSingle   Mode = "single"        // open duel, first joiner plays
	ModeTargeted Mode = "targeted"      // duel reserved for one opponent
	ModeDynamic  Mode = "multi_dynamic" // up to MaxPlayers, short grace after each join
	ModeExact    Mode = "multi_exact"   // waits for exactly TargetCount players
)

// Direction decides whether high or low scores win.
type Direction string

const (
	High Direction = "high"
	Low  Direction = "low"
)

// Label returns the chat form of the direction.
func (d Direction) Label() string {
	if d == Low {
		return "小"
	}
	return "大"
}

// Phase is the persisted lifecycle state of a session.
type Phase string

const (
	PhaseWaitingJoin Phase = "waiting_join"
	PhaseRolling     Phase = "rolling"
	PhaseTieBreak    Phase = "tie_break"
	// PhaseClosing holds pending credits while a terminal transition pays
	// out. A session found in this phase after a restart is resumed.
	PhaseClosing Phase = "closing"
)

// Outcome reports how a session ended. It is never persisted.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSettled   Outcome = "settled"
	OutcomeDestroyed Outcome = "destroyed"
	OutcomeAborted   Outcome = "aborted"
)

// EscapeFace is recorded for every roll an escaped player failed to make.
const EscapeFace = -1

// Session is the persisted state of one dice contest.
type Session struct {
	ID          string      `json:"id"`
	ChatID      int64       `json:"chat_id"`
	ThreadID    int         `json:"thread_id,omitempty"`
	Mode        Mode        `json:"mode"`
	Direction   Direction   `json:"direction"`
	Wager       money.Cents `json:"wager"`
	DiceCount   int         `json:"dice_count"`
	TargetCount int         `json:"target_count"`
	Initiator   int64       `json:"initiator"`
	TargetUser  int64       `json:"target_user,omitempty"`
	TargetName  string      `json:"target_name,omitempty"`

	Players []int64          `json:"players"`
	Names   map[int64]string `json:"names"`
	Phase   Phase            `json:"phase"`

	Queue     []int64         `json:"queue,omitempty"`
	Rolls     map[int64][]int `json:"rolls,omitempty"`
	Required  map[int64]int   `json:"required,omitempty"`
	Escaped   []int64         `json:"escaped,omitempty"`
	TieQueue  [][]int64       `json:"tie_queue,omitempty"`
	TieGroup  int             `json:"tie_group"`
	TieTurn   int             `json:"tie_turn"`
	TieRounds int             `json:"tie_rounds"`
	Forced    bool            `json:"forced,omitempty"`

	WarnedPlayer int64     `json:"warned_player,omitempty"`
	JoinDeadline time.Time `json:"join_deadline"`
	LastAction   time.Time `json:"last_action"`
	CreatedAt    time.Time `json:"created_at"`

	PanelMessageID int   `json:"panel_message_id,omitempty"`
	TiePanelID     int   `json:"tie_panel_id,omitempty"`
	MessageIDs     []int `json:"message_ids,omitempty"`

	// Pending credits of a closing session, keyed by player.
	Credits    map[int64]money.Cents `json:"credits,omitempty"`
	CreditType string                `json:"credit_type,omitempty"`
	Closing    Outcome               `json:"closing,omitempty"`

	Outcome Outcome `json:"-"`
}

// Name returns the display name recorded for a player.
func (s *Session) Name(player int64) string {
	if n, ok := s.Names[player]; ok && n != "" {
		return n
	}
	return "玩家"
}

// HasPlayer reports whether player has joined.
func (s *Session) HasPlayer(player int64) bool {
	return slices.Contains(s.Players, player)
}

// IsEscaped reports whether player has been marked as escaped.
func (s *Session) IsEscaped(player int64) bool {
	return slices.Contains(s.Escaped, player)
}

// Capacity is the player count at which the session starts on its own.
func (s *Session) Capacity(maxPlayers int) int {
	switch s.Mode {
	case ModeSingle, ModeTargeted:
		return 2
	case ModeExact:
		return s.TargetCount
	default:
		return maxPlayers
	}
}

// Current returns the player whose turn it is.
func (s *Session) Current() (int64, bool) {
	switch s.Phase {
	case PhaseRolling:
		if len(s.Queue) > 0 {
			return s.Queue[0], true
		}
	case PhaseTieBreak:
		if s.TieGroup < len(s.TieQueue) && s.TieTurn < len(s.TieQueue[s.TieGroup]) {
			return s.TieQueue[s.TieGroup][s.TieTurn], true
		}
	}
	return 0, false
}

// Remaining returns how many rolls player still owes.
func (s *Session) Remaining(player int64) int {
	n := s.Required[player] - len(s.Rolls[player])
	if n < 0 {
		return 0
	}
	return n
}

// InPlay reports whether dice are being thrown.
func (s *Session) InPlay() bool {
	return s.Phase == PhaseRolling || s.Phase == PhaseTieBreak
}

func (s *Session) trackMessage(id int) {
	if id > 0 {
		s.MessageIDs = append(s.MessageIDs, id)
	}
}
