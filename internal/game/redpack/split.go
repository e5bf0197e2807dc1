package redpack

import (
	"math/rand/v2"

	"dice-arena-bot/internal/pkg/money"
)

// Split divides total into count random shares of at least one cent.
// Each share but the last is drawn uniformly up to twice the average of
// what is left, the last takes the remainder, and the list is shuffled.
func Split(total money.Cents, count int, r *rand.Rand) []money.Cents {
	if count <= 0 || total < money.Cents(count) {
		return nil
	}
	shares := make([]money.Cents, 0, count)
	remaining := total
	for left := count; left > 1; left-- {
		hi := 2 * remaining / money.Cents(left)
		// Leave at least a cent for every share still to come.
		if limit := remaining - money.Cents(left-1); hi > limit {
			hi = limit
		}
		share := money.Cents(1)
		if hi > 1 {
			share += money.Cents(r.Int64N(int64(hi)))
		}
		shares = append(shares, share)
		remaining -= share
	}
	shares = append(shares, remaining)
	r.Shuffle(len(shares), func(i, j int) { shares[i], shares[j] = shares[j], shares[i] })
	return shares
}
