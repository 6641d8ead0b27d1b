// Package ids generates document identifiers and bearer tokens.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Token returns a fresh random bearer token (UUIDv4, canonical form).
func Token() string {
	return uuid.NewString()
}

// IsID reports whether s parses as an identifier produced by New.
func IsID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
