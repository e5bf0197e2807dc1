// Package callback encodes inline button payloads as colon separated
// fields, "action:param:param".
package callback

import (
	"strconv"
	"strings"
)

// Action names shared by button producers and the router.
const (
	Join        = "jg"
	ForceStart  = "fs"
	RollOne     = "r1"
	RollAll     = "ra"
	NewDuel     = "d_new"
	AttackAdd   = "atk_c"
	DefendAdd   = "atk_d"
	GrabRedpack = "grab_rp"
	Rank        = "rank"
)

// Encode joins an action and its parameters.
func Encode(action string, params ...string) string {
	if len(params) == 0 {
		return action
	}
	return action + ":" + strings.Join(params, ":")
}

// Decode splits callback data into its action and parameters. Telegram
// prefixes unique-tagged buttons with a form feed, which is dropped.
func Decode(data string) (action string, params []string) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	if data == "" {
		return "", nil
	}
	parts := strings.Split(data, ":")
	return parts[0], parts[1:]
}

// Int64 parses params[i] as a user or chat id.
func Int64(params []string, i int) (int64, bool) {
	if i >= len(params) {
		return 0, false
	}
	v, err := strconv.ParseInt(params[i], 10, 64)
	return v, err == nil
}

// ID formats an id parameter.
func ID(v int64) string {
	return strconv.FormatInt(v, 10)
}
