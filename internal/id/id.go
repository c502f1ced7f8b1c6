// Package id generates sortable, monotonically increasing identifiers for
// every entity in the data model (projects, sessions, messages, parts,
// todos, permission requests).
package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind prefixes an id with the entity type it identifies, matching the
// SDK-compatible id shapes used throughout the storage layer.
type Kind string

const (
	KindProject     Kind = "proj"
	KindSession     Kind = "ses"
	KindMessage     Kind = "msg"
	KindPart        Kind = "prt"
	KindTodo        Kind = "todo"
	KindPermission  Kind = "perm"
	KindShare       Kind = "shr"
	KindToolOutput  Kind = "tout"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new id of the given kind. Ids generated within the same
// process are strictly increasing by creation order, even when generated
// within the same millisecond, because the entropy source is monotonic.
func New(kind Kind) string {
	mu.Lock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	mu.Unlock()
	return string(kind) + "_" + u.String()
}

// Ascending reports whether a was generated before b, given both are ids of
// the same kind produced by New. It is a plain lexicographic comparison,
// since ULID's textual encoding preserves time order.
func Ascending(a, b string) bool {
	return a < b
}

// Time recovers the creation timestamp embedded in an id produced by New,
// letting a caller determine an entity's age without a separate stored
// timestamp (used by the tool-output spill GC sweep).
func Time(generated string) (time.Time, bool) {
	_, ulidPart, ok := strings.Cut(generated, "_")
	if !ok {
		return time.Time{}, false
	}
	u, err := ulid.ParseStrict(ulidPart)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
