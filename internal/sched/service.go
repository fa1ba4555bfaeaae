package sched

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"searchcoord/internal/eventbus"
	logx "searchcoord/pkg/logx"
)

// Service owns the two scheduler instances.
//
// Lifecycle: New -> Start (standby; jobs may be registered) -> OnProcessReady
// (triggers begin firing) -> Shutdown. Start fails rather than degrades: a
// misconfigured backend should stop process startup.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
	claims ClaimStore

	stopping atomic.Bool

	mu        sync.Mutex
	local     *instance
	clustered *instance
	started   bool
	ready     bool

	shutdownOnce sync.Once
}

func New(cfg Config, claims ClaimStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		claims: claims,
	}
}

// Start constructs both instances in standby mode. Triggers do not fire until
// OnProcessReady.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("%w: invalid timezone %q: %v", ErrInitialization, tz, err)
		}
		loc = l
	}
	if s.claims == nil {
		return fmt.Errorf("%w: clustered scheduler requires a claim store", ErrInitialization)
	}

	owner := strings.TrimSpace(s.cfg.NodeID)
	if owner == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "node"
		}
		owner = host + "-" + uuid.NewString()[:8]
	}

	s.local = newInstance("local", s.cfg, loc, nil, owner, &s.stopping, s.log, s.bus)
	s.clustered = newInstance("clustered", s.cfg, loc, s.claims, owner, &s.stopping, s.log, s.bus)
	s.started = true
	s.stopping.Store(false)

	s.log.Info("schedulers created in standby", logx.String("node", owner), logx.String("tz", loc.String()))
	return nil
}

// OnProcessReady transitions both instances from standby to running. Call it
// once, after all startup job registrations are done, so jobs never fire
// against a half-initialized collaborator graph. Repeat calls are no-ops.
func (s *Service) OnProcessReady(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.log.Warn("OnProcessReady before Start; ignoring")
		return
	}
	if s.ready {
		s.mu.Unlock()
		s.log.Warn("OnProcessReady called more than once; ignoring")
		return
	}
	s.ready = true
	local := s.local
	clustered := s.clustered
	s.mu.Unlock()

	local.start(ctx)
	clustered.start(ctx)
}

// ScheduleFixedDelay registers or replaces a recurring job. A definition with
// an already-registered ID atomically replaces the previous trigger.
func (s *Service) ScheduleFixedDelay(interval time.Duration, clustered bool, def JobDefinition) error {
	if interval < MinFixedDelay {
		return fmt.Errorf("%w: interval %s below minimum %s", ErrInvalidArgument, interval, MinFixedDelay)
	}
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidArgument)
	}
	if def.Run == nil {
		return fmt.Errorf("%w: job %q has no executable", ErrInvalidArgument, def.ID)
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	inst := s.local
	if clustered {
		inst = s.clustered
	}
	s.mu.Unlock()

	inst.schedule(interval, def)
	return nil
}

// Shutdown stops triggering, waits (bounded by ctx) for in-flight local jobs,
// and requests the clustered instance to stop as well. Idempotent.
func (s *Service) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.stopping.Store(true)
		s.log.Info("shutting down schedulers")

		s.mu.Lock()
		local := s.local
		clustered := s.clustered
		s.mu.Unlock()

		if local != nil {
			local.stop(ctx)
		}
		if clustered != nil {
			clustered.stop(ctx)
		}
	})
}

// IsStopping is a non-blocking flag read. Job bodies poll it to abort
// long-running work during shutdown.
func (s *Service) IsStopping() bool {
	return s.stopping.Load()
}

// JobIDs enumerates the registered job identifiers per instance.
func (s *Service) JobIDs() (local, clustered []string) {
	s.mu.Lock()
	l, c := s.local, s.clustered
	s.mu.Unlock()
	if l != nil {
		local = l.jobIDs()
	}
	if c != nil {
		clustered = c.jobIDs()
	}
	return local, clustered
}

// LogStatus logs the registered job identifiers of both instances.
func (s *Service) LogStatus() {
	local, clustered := s.JobIDs()
	s.log.Info("local scheduler jobs", logx.String("jobs", strings.Join(local, ", ")))
	s.log.Info("clustered scheduler jobs", logx.String("jobs", strings.Join(clustered, ", ")))
}

// PurgeAllJobsForTesting clears every registered trigger from both
// instances. Tests only.
func (s *Service) PurgeAllJobsForTesting() {
	s.mu.Lock()
	l, c := s.local, s.clustered
	s.mu.Unlock()
	if l != nil {
		l.purge()
	}
	if c != nil {
		c.purge()
	}
}
