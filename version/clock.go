// Package version provides the explicit versioning primitive used by the
// replicated element store. Every field write is stamped with a Clock so the
// merge outcome can be verified independently of any particular CRDT library.
package version

import (
	"fmt"
	"sync"
)

// MaxReplicaIDLength is the maximum allowed length for a replica ID.
const MaxReplicaIDLength = 255

// Clock is a Lamport timestamp paired with the writing replica's ID.
//
// Two clocks are ordered by counter first; equal counters are broken by the
// replica ID lexicographically. The tie-break makes concurrent writes to the
// same field resolve to the same winner on every replica, which is what the
// store's convergence guarantee rests on.
type Clock struct {
	Counter uint64 `json:"c"`
	Replica string `json:"r"`
}

// Compare returns -1 if c is before other, 0 if equal, 1 if after.
// The ordering is total: concurrent writes are ordered deterministically by
// replica ID rather than reported as incomparable.
func (c Clock) Compare(other Clock) int {
	if c.Counter < other.Counter {
		return -1
	}
	if c.Counter > other.Counter {
		return 1
	}
	if c.Replica < other.Replica {
		return -1
	}
	if c.Replica > other.Replica {
		return 1
	}
	return 0
}

// Before reports whether c loses against other under the LWW ordering.
func (c Clock) Before(other Clock) bool {
	return c.Compare(other) < 0
}

// IsZero returns true if this is the zero/initial clock.
func (c Clock) IsZero() bool {
	return c.Counter == 0 && c.Replica == ""
}

func (c Clock) String() string {
	return fmt.Sprintf("%d@%s", c.Counter, c.Replica)
}

// Source issues clocks for one replica. It implements the standard Lamport
// rules: Tick before every local write, Observe on every remote clock so the
// next local write is ordered after everything this replica has seen.
type Source struct {
	mu      sync.Mutex
	replica string
	counter uint64
}

// NewSource creates a clock source for the given replica ID.
func NewSource(replica string) (*Source, error) {
	if replica == "" {
		return nil, fmt.Errorf("replica ID cannot be empty")
	}
	if len(replica) > MaxReplicaIDLength {
		return nil, fmt.Errorf("replica ID length exceeds maximum of %d characters", MaxReplicaIDLength)
	}
	return &Source{replica: replica}, nil
}

// Replica returns the replica ID this source stamps.
func (s *Source) Replica() string {
	return s.replica
}

// Tick advances the counter and returns a clock for a new local write.
func (s *Source) Tick() Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return Clock{Counter: s.counter, Replica: s.replica}
}

// Observe folds a remote clock into the source so subsequent Ticks are
// ordered after it.
func (s *Source) Observe(c Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Counter > s.counter {
		s.counter = c.Counter
	}
}

// Now returns the current counter value without advancing it.
func (s *Source) Now() Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Clock{Counter: s.counter, Replica: s.replica}
}
