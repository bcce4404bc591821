// Package ids generates the prefixed ULIDs used as entity identifiers.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixEvent      = "evt"
	PrefixAccount    = "acc"
	PrefixSession    = "ses"
	PrefixConstraint = "cst"
	PrefixVip        = "vip"
	PrefixAllocation = "alc"
	PrefixCommitment = "cmt"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a prefixed ULID such as "evt_01J8...". ULIDs are monotonic
// within a process, which keeps insertion order sortable.
func New(prefix string) string {
	mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy)
	mu.Unlock()
	return prefix + "_" + id.String()
}

// Valid reports whether s is a prefixed ULID with the given prefix.
func Valid(prefix, s string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}
