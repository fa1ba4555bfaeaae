package eventbus

import (
	"sync"
	"time"
)

// Event types emitted by the scheduler instances.
const (
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	// TypeJobSkipped: the firing was dropped (overlap or full queue);
	// Detail carries the reason.
	TypeJobSkipped = "job.skipped"
	// TypeJobClaimLost: another node won the clustered firing window.
	TypeJobClaimLost = "job.claim_lost"
)

// JobEvent describes one firing of a scheduled job.
type JobEvent struct {
	JobID     string        `json:"job_id"`
	Scheduler string        `json:"scheduler"` // "local" or "clustered"
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	// Detail is the skip reason or failure text, empty otherwise.
	Detail string `json:"detail,omitempty"`
}

// Event is one job-lifecycle notification.
type Event struct {
	Type string
	Time time.Time
	Job  JobEvent
}

// Bus fans job events out to subscribers.
//
// Publish is called from scheduler tick and worker goroutines, so it must
// never block: a subscriber that falls behind loses events rather than
// slowing job dispatch.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &bus{subs: map[int]chan Event{}}
}

type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// Publish delivers e to every subscriber with buffer room. The lock is held
// across the sends; they are non-blocking, and holding it means a channel can
// never be closed by Unsubscribe mid-send.
func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
