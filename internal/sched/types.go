package sched

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MinFixedDelay is the smallest interval accepted by ScheduleFixedDelay.
const MinFixedDelay = 100 * time.Millisecond

var (
	// ErrInvalidArgument marks a malformed job registration. It is the
	// caller's bug; registrations failing with it must not be retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInitialization marks a scheduler backend construction failure at
	// startup. The process should not proceed past it.
	ErrInitialization = errors.New("scheduler initialization failed")

	// ErrNotStarted is returned when jobs are registered before Start().
	ErrNotStarted = errors.New("scheduler not started")
)

// JobDefinition describes one recurring job.
//
// ID must be unique and stable across restarts: it keys both the
// non-concurrency guard and, for clustered jobs, the shared claim row.
// Registering a second definition with the same ID replaces the first.
type JobDefinition struct {
	ID string

	// Data is an opaque payload handed to Run on every invocation.
	Data map[string]string

	// Run executes one firing. Long-running bodies should poll the service's
	// IsStopping flag (or ctx) and exit early during shutdown.
	Run func(ctx context.Context, data map[string]string) error
}

// Config controls both scheduler instances.
type Config struct {
	// Workers is the pool size per instance (default 4).
	Workers int
	// QueueSize bounds pending firings per instance (default 64).
	QueueSize int
	// Timezone is an IANA name for trigger computation ("" = local).
	Timezone string

	// NodeID identifies this process in the shared claim table.
	// Empty means a generated token.
	NodeID string
	// ClaimLease overrides the lease taken per clustered firing.
	// 0 means "the job's own interval", which lets the next tick re-claim.
	ClaimLease time.Duration

	// StartupSpread staggers first firings by a random fraction of the
	// interval so jobs registered together do not all fire together.
	StartupSpread bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// runGuard serializes executions of one job identifier.
//
// A firing that cannot acquire the guard is discarded: the job body is not
// reentrant and the next regular tick will try again.
type runGuard struct {
	mu      sync.Mutex
	running bool
}

func (g *runGuard) tryAcquire() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	return true
}

func (g *runGuard) release() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}
