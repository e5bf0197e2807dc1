// Package ids generates identifiers for sessions, duels and red envelopes.
package ids

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces identifiers.
type Generator interface {
	// SessionID returns a short opaque token that fits in callback data.
	SessionID() string
	// NewID returns a sortable unique identifier.
	NewID() string
}

// Default is the production Generator.
type Default struct{}

// New returns the production Generator.
func New() Default {
	return Default{}
}

// SessionID returns the first 8 hex characters of a random UUID.
func (Default) SessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

var (
	ulidEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	ulidEntropyMu sync.Mutex
)

// NewID returns a monotonic ULID.
func (Default) NewID() string {
	ulidEntropyMu.Lock()
	defer ulidEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
