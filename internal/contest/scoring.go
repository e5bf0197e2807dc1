package contest

import (
	"fmt"
	"slices"
)

// Score computes the points of a dice sequence.
//
// The base is the face sum. Every face seen k >= 2 times adds k-1. Three or
// more distinct consecutive faces double the total. The score is the last
// digit of the total. Any escape face zeroes the sequence.
func Score(faces []int) (int, string) {
	if len(faces) == 0 {
		return 0, "无"
	}
	if slices.Contains(faces, EscapeFace) {
		return 0, "逃跑判负"
	}

	base := 0
	counts := make(map[int]int, len(faces))
	lo, hi := faces[0], faces[0]
	for _, f := range faces {
		base += f
		counts[f]++
		lo = min(lo, f)
		hi = max(hi, f)
	}

	pair := 0
	for _, c := range counts {
		if c >= 2 {
			pair += c - 1
		}
	}
	straight := len(counts) == len(faces) && len(faces) > 2 && hi-lo == len(faces)-1

	total := base + pair
	detail := fmt.Sprintf("底%d", base)
	if pair > 0 {
		detail += fmt.Sprintf("+同点%d", pair)
	}
	if straight {
		total *= 2
		detail = fmt.Sprintf("(%s)x顺2", detail)
	}

	return total % 10, detail
}
