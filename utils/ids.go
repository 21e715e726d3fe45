package utils

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

// NewULID returns a lexicographically sortable identifier stamped with t.
// IDs generated in the same millisecond stay ordered.
func NewULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewUUID returns a random v4 UUID string.
func NewUUID() string {
	return uuid.NewString()
}
