package contest

import (
	"cmp"
	"slices"
)

// escapedScore stands in for any prefix that contains an escape face.
const escapedScore = -9999

// rankKey orders players. Higher keys rank better.
type rankKey struct {
	present   bool // false once the player escaped
	escapeIdx int  // position in the escape list, -1 when present
	scores    []int
}

func compareKeys(a, b rankKey) int {
	if a.present != b.present {
		if a.present {
			return 1
		}
		return -1
	}
	if c := cmp.Compare(a.escapeIdx, b.escapeIdx); c != 0 {
		return c
	}
	// A tuple that is a strict prefix of the other compares lower.
	return slices.Compare(a.scores, b.scores)
}

// prefixScore scores faces[:n] from the direction's point of view.
func prefixScore(faces []int, n int, dir Direction) int {
	prefix := faces[:n]
	if slices.Contains(prefix, EscapeFace) {
		return escapedScore
	}
	sc, _ := Score(prefix)
	if dir == Low {
		return -sc
	}
	return sc
}

func (s *Session) rankKey(player int64) rankKey {
	faces := s.Rolls[player]
	key := rankKey{present: true, escapeIdx: -1}
	if idx := slices.Index(s.Escaped, player); idx >= 0 {
		key.present = false
		key.escapeIdx = idx
	}

	if len(faces) >= s.DiceCount {
		key.scores = append(key.scores, prefixScore(faces, s.DiceCount, s.Direction))
	}
	for n := s.DiceCount + 1; n <= len(faces); n++ {
		key.scores = append(key.scores, prefixScore(faces, n, s.Direction))
	}
	if len(key.scores) == 0 {
		key.scores = []int{escapedScore}
	}
	return key
}

// Rank groups players with identical keys, best group first. Members of a
// group keep their join order.
func Rank(s *Session) [][]int64 {
	type group struct {
		key     rankKey
		members []int64
	}

	var groups []*group
	for _, p := range s.Players {
		k := s.rankKey(p)
		idx := slices.IndexFunc(groups, func(g *group) bool { return compareKeys(g.key, k) == 0 })
		if idx >= 0 {
			groups[idx].members = append(groups[idx].members, p)
			continue
		}
		groups = append(groups, &group{key: k, members: []int64{p}})
	}

	slices.SortStableFunc(groups, func(a, b *group) int { return compareKeys(b.key, a.key) })

	out := make([][]int64, len(groups))
	for i, g := range groups {
		out[i] = g.members
	}
	return out
}

// tieScore is the score shared by a tied group, as shown to players.
func tieScore(s *Session, group []int64) int {
	scores := s.rankKey(group[0]).scores
	last := scores[len(scores)-1]
	if s.Direction == Low && last != escapedScore {
		return -last
	}
	return last
}
