package search

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// ErrSearchMissing is returned by claim attempts on a record that does not
// exist. Losing the claim race is NOT an error; it is a nil result.
var ErrSearchMissing = errors.New("search not found")

// PersistenceError wraps a storage failure. The store never retries; the
// caller decides whether to retry or fall back to a fresh search.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("search store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error { return &PersistenceError{Op: op, Err: err} }

// Search is a snapshot of one durable search record.
//
// UUID is immutable once assigned. LastReturned is monotonically
// non-decreasing per record. Mutating a snapshot has no effect on the store;
// writes must go back through the Store API.
type Search struct {
	UUID         string
	ResourceType string
	QueryString  string
	QueryHash    int64
	Created      time.Time
	LastReturned time.Time

	// In-progress marker: owner token plus claim timestamp. Set via CAS only.
	InProgressOwner string
	InProgressAt    time.Time

	// Payload is the cursor/results state, opaque to this package.
	Payload []byte

	// Version is the optimistic-concurrency counter used by claim CAS.
	Version int64
}

// InProgress reports whether the record currently carries a claim marker.
func (s *Search) InProgress() bool {
	return s != nil && s.InProgressOwner != ""
}

// HashQueryString computes the fast pre-filter hash stored alongside the
// query string. Collisions are acceptable; exact matching is the caller's
// job.
func HashQueryString(q string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(q))
	return int64(h.Sum64())
}

// Config holds the operational tuning knobs. The zero value gets documented
// defaults.
type Config struct {
	// Retention is how long an unused search survives (default 1h).
	Retention time.Duration
	// FlushInterval is the coalescing window for deferred last-returned
	// writes (default 10s).
	FlushInterval time.Duration
	// ClaimExpiry is the age after which an in-progress marker may be
	// re-claimed, so a crashed claimant cannot wedge a search (default 1m).
	ClaimExpiry time.Duration
	// ReapInterval is how often the stale-search sweep runs (default 10s).
	ReapInterval time.Duration
	// CandidateLimit bounds FindCandidatesForReuse results (default 20).
	CandidateLimit int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.ClaimExpiry <= 0 {
		c.ClaimExpiry = time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Second
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 20
	}
	return c
}
