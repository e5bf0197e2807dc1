package contest

import "errors"

// Errors returned by the engine. Handlers map them to chat replies.
var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrNotJoinable            = errors.New("session is not accepting players")
	ErrAlreadyJoined          = errors.New("player already joined")
	ErrNotTarget              = errors.New("player is not the designated opponent")
	ErrAlreadyInGame          = errors.New("player is already in a game")
	ErrTargetInGame           = errors.New("target is already in a game")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrTurnViolation          = errors.New("roll out of turn")
	ErrNotInitiator           = errors.New("only the initiator can force start")
	ErrNotExactMode           = errors.New("force start is only available in exact mode")
	ErrNotEnoughPlayers       = errors.New("not enough players")
	ErrInvalidRequest         = errors.New("invalid session request")
	ErrUnsupportedPlayerCount = errors.New("unsupported player count")
)
