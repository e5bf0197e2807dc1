package contest

import (
	"time"

	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/pkg/money"
)

// Config holds the engine's limits and timings.
type Config struct {
	MaxWager        money.Cents
	MaxDice         int
	MinExactPlayers int
	MaxPlayers      int
	RollCeiling     int

	SessionTTL      time.Duration
	JoinWindow      time.Duration
	ExactJoinWindow time.Duration
	DynamicGrace    time.Duration
	JoinPoll        time.Duration
	RollPoll        time.Duration
	WarnAfter       time.Duration
	EscapeAfter     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWager:        money.FromPoints(40000),
		MaxDice:         5,
		MinExactPlayers: 3,
		MaxPlayers:      5,
		RollCeiling:     20,
		SessionTTL:      time.Hour,
		JoinWindow:      60 * time.Second,
		ExactJoinWindow: 300 * time.Second,
		DynamicGrace:    15 * time.Second,
		JoinPoll:        2 * time.Second,
		RollPoll:        5 * time.Second,
		WarnAfter:       30 * time.Second,
		EscapeAfter:     60 * time.Second,
	}
}

// NewConfig converts the contest section of the application config.
// Zero values fall back to the defaults.
func NewConfig(c config.ContestConfig) Config {
	cfg := DefaultConfig()
	if c.MaxWager > 0 {
		cfg.MaxWager = money.FromPoints(c.MaxWager)
	}
	setInt(&cfg.MaxDice, c.MaxDice)
	setInt(&cfg.MinExactPlayers, c.MinExactPlayers)
	setInt(&cfg.MaxPlayers, c.MaxPlayers)
	setInt(&cfg.RollCeiling, c.RollCeiling)
	setDur(&cfg.SessionTTL, c.SessionTTL)
	setDur(&cfg.JoinWindow, c.JoinWindow)
	setDur(&cfg.ExactJoinWindow, c.ExactJoinWindow)
	setDur(&cfg.DynamicGrace, c.DynamicGrace)
	setDur(&cfg.JoinPoll, c.JoinPoll)
	setDur(&cfg.RollPoll, c.RollPoll)
	setDur(&cfg.WarnAfter, c.WarnAfter)
	setDur(&cfg.EscapeAfter, c.EscapeAfter)
	// Payout tables only exist for up to five players.
	cfg.MaxPlayers = min(cfg.MaxPlayers, 5)
	return cfg
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDur(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
