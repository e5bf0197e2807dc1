// Package money provides fixed-point amounts held in minor units (cents).
// All balances, wagers and payouts move through this type so that no
// float arithmetic ever reaches the ledger.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is an amount in hundredths of a point.
type Cents int64

// Scale is the number of cents in one point.
const Scale = 100

// Parsing errors.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more than two decimal places")
)

// Parse converts a decimal string such as "100", "0.5" or "1e3" into cents.
// Values with more than two decimal places are rejected rather than rounded.
func Parse(s string) (Cents, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if s == "" {
		return 0, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Round(2)) {
		return 0, ErrTooPrecise
	}
	return Cents(d.Shift(2).IntPart()), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// FromPoints converts a whole number of points.
func FromPoints(points int64) Cents {
	return Cents(points * Scale)
}

func (c Cents) decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String renders the amount without trailing zeros: 100, 100.5, 100.01.
func (c Cents) String() string {
	return c.decimal().String()
}

// Fixed renders the amount with exactly two decimals: 100.00.
func (c Cents) Fixed() string {
	return c.decimal().StringFixed(2)
}

// Signed renders the amount with two decimals and a leading + when positive.
func (c Cents) Signed() string {
	if c > 0 {
		return "+" + c.Fixed()
	}
	return c.Fixed()
}

// IsOdd reports whether the cent value is odd.
func (c Cents) IsOdd() bool {
	return c%2 != 0
}

// Min returns the smaller of two amounts.
func Min(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

// Sign returns -1, 0 or +1.
func (c Cents) Sign() int {
	switch {
	case c > 0:
		return 1
	case c < 0:
		return -1
	}
	return 0
}

// Points returns the whole points of the amount, truncated toward zero.
func (c Cents) Points() int64 {
	return int64(c) / 100
}
