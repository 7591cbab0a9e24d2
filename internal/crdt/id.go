// Package crdt implements the per-field conflict-free replicated data types
// that back a memory document: an RGA sequence for text, an add-wins
// observed-remove set for tags and a last-writer-wins map for metadata.
package crdt

import (
	"fmt"
	"math"
	"strings"

	"github.com/chirino/memory-sync/internal/model"
)

// MaxLamport bounds every Lamport value so that clock arithmetic cannot
// wrap and stamps survive a round trip through JSON numbers.
const MaxLamport uint64 = math.MaxInt64

// ID is a Lamport stamp qualified by the user that produced it. IDs are
// totally ordered: by Lamport value, then by user.
type ID struct {
	Lamport uint64 `json:"l"`
	User    string `json:"u"`
}

// Root is the virtual head of every sequence.
var Root = ID{}

func (a ID) IsRoot() bool { return a.Lamport == 0 && a.User == "" }

// Compare orders IDs by Lamport value and then by user.
func (a ID) Compare(b ID) int {
	switch {
	case a.Lamport < b.Lamport:
		return -1
	case a.Lamport > b.Lamport:
		return 1
	}
	return strings.Compare(a.User, b.User)
}

func (a ID) String() string {
	if a.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%d@%s", a.Lamport, a.User)
}

// checkStamps rejects stamps from outside the Lamport range.
func checkStamps(field string, ids ...ID) error {
	for _, id := range ids {
		if id.Lamport > MaxLamport {
			return model.NewValidationError(field, "lamport %d of %s exceeds %d", id.Lamport, id.User, MaxLamport)
		}
	}
	return nil
}

// lwwWins reports whether stamp a beats stamp b for last-writer-wins
// registers: the higher Lamport value wins and equal values go to the
// lexicographically smaller user.
func lwwWins(a, b ID) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	return a.User < b.User
}
