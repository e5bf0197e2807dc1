package contest

import (
	"fmt"

	"dice-arena-bot/internal/pkg/money"
)

// baseProfits returns the profit of each rank slot for n players.
func baseProfits(w money.Cents, n int) ([]money.Cents, bool) {
	half := floorDiv(w, 2)
	negHalf := floorDiv(-w, 2)
	switch n {
	case 2:
		return []money.Cents{w, -w}, true
	case 3:
		return []money.Cents{w, 0, -w}, true
	case 4:
		return []money.Cents{w, half, negHalf, -w}, true
	case 5:
		return []money.Cents{w, half, 0, negHalf, -w}, true
	}
	return nil, false
}

// Allocate distributes profits over ranked groups, best group first.
//
// Each group shares the slots it occupies. The sum is split evenly with
// floor division and the first sum mod g members get one extra cent.
func Allocate(wager money.Cents, groups [][]int64) (map[int64]money.Cents, error) {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	slots, ok := baseProfits(wager, n)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPlayerCount, n)
	}

	profits := make(map[int64]money.Cents, n)
	rank := 0
	for _, g := range groups {
		size := money.Cents(len(g))
		var sum money.Cents
		for _, p := range slots[rank : rank+len(g)] {
			sum += p
		}
		share, rem := floorDiv(sum, size), floorMod(sum, size)
		for i, player := range g {
			profits[player] = share
			if money.Cents(i) < rem {
				profits[player]++
			}
		}
		rank += len(g)
	}
	return profits, nil
}

func floorDiv(a, b money.Cents) money.Cents {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b money.Cents) money.Cents {
	return a - floorDiv(a, b)*b
}
