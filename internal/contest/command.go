package contest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"dice-arena-bot/internal/pkg/money"
)

// betPattern matches "大100", "小 50.5 3", "大100多", "大100 2 多4".
var betPattern = regexp.MustCompile(`^(大|小)\s*([+-]?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)(?:\s+([+-]?\d+))?\s*(多)?\s*([+-]?\d+)?$`)

// ErrNotBet is returned for text that is not a bet command at all.
var ErrNotBet = errors.New("not a bet command")

// BetError is a rejected bet. Msg is shown to the player.
type BetError struct {
	Msg string
}

func (e *BetError) Error() string {
	return e.Msg
}

// Bet is a parsed bet command.
type Bet struct {
	Direction   Direction   `json:"direction"`
	Wager       money.Cents `json:"wager"`
	DiceCount   int         `json:"dice_count"`
	Multi       bool        `json:"multi"`
	TargetCount int         `json:"target_count,omitempty"` // set only in exact mode
}

// Mode resolves the session mode. A reply to another user makes a
// non-multi bet a targeted duel.
func (b *Bet) Mode(targeted bool) Mode {
	switch {
	case b.Multi && b.TargetCount > 0:
		return ModeExact
	case b.Multi:
		return ModeDynamic
	case targeted:
		return ModeTargeted
	default:
		return ModeSingle
	}
}

// ParseBet parses a bet command against the engine limits.
func ParseBet(text string, cfg Config) (*Bet, error) {
	m := betPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrNotBet
	}

	wager, err := money.Parse(m[2])
	if errors.Is(err, money.ErrTooPrecise) {
		return nil, &BetError{Msg: "❌ 精度拦截！最多保留两位小数。"}
	}
	if err != nil {
		return nil, &BetError{Msg: "❌ 格式错误！请输入有效数字。"}
	}

	dice := 1
	if m[3] != "" {
		if dice, err = strconv.Atoi(m[3]); err != nil {
			return nil, &BetError{Msg: "❌ 格式错误！请输入有效数字。"}
		}
	}

	if wager < 0 || wager > cfg.MaxWager {
		return nil, &BetError{Msg: fmt.Sprintf("❌ 额度拦截！单局下注金额必须在 0 到 %s 之间。负数被禁止。", cfg.MaxWager)}
	}
	if dice < 1 || dice > cfg.MaxDice {
		return nil, &BetError{Msg: fmt.Sprintf("❌ 规则不符！骰子数量必须在 1-%d 颗之间。", cfg.MaxDice)}
	}

	bet := &Bet{Direction: High, Wager: wager, DiceCount: dice, Multi: m[4] != ""}
	if m[1] == "小" {
		bet.Direction = Low
	}

	if bet.Multi && m[5] != "" {
		n, err := strconv.Atoi(m[5])
		if err != nil || n < cfg.MinExactPlayers || n > cfg.MaxPlayers {
			return nil, &BetError{Msg: fmt.Sprintf("❌ 指定发车人数必须在 %d-%d 之间。", cfg.MinExactPlayers, cfg.MaxPlayers)}
		}
		bet.TargetCount = n
	}
	return bet, nil
}
