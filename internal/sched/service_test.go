package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"searchcoord/internal/eventbus"
	logx "searchcoord/pkg/logx"
)

type claimFunc func(ctx context.Context, jobID, owner string, firedAt time.Time, lease time.Duration) (bool, error)

func (f claimFunc) TryClaim(ctx context.Context, jobID, owner string, firedAt time.Time, lease time.Duration) (bool, error) {
	return f(ctx, jobID, owner, firedAt, lease)
}

func alwaysWin(context.Context, string, string, time.Time, time.Duration) (bool, error) {
	return true, nil
}

func newTestService(t *testing.T, claims ClaimStore) *Service {
	t.Helper()
	if claims == nil {
		claims = claimFunc(alwaysWin)
	}
	s := New(Config{Workers: 2, QueueSize: 8, NodeID: "test-node"}, claims, logx.Nop(), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", d, what)
}

func TestScheduleFixedDelayValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	noop := func(context.Context, map[string]string) error { return nil }

	cases := []struct {
		name     string
		interval time.Duration
		def      JobDefinition
	}{
		{"interval below minimum", 99 * time.Millisecond, JobDefinition{ID: "a", Run: noop}},
		{"zero interval", 0, JobDefinition{ID: "a", Run: noop}},
		{"missing id", time.Second, JobDefinition{Run: noop}},
		{"blank id", time.Second, JobDefinition{ID: "   ", Run: noop}},
		{"nil run", time.Second, JobDefinition{ID: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.ScheduleFixedDelay(tc.interval, false, tc.def)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("got %v, want ErrInvalidArgument", err)
			}
		})
	}

	if err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{ID: "ok", Run: noop}); err != nil {
		t.Fatalf("minimum interval should be accepted: %v", err)
	}
}

func TestScheduleBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, claimFunc(alwaysWin), logx.Nop(), nil)
	err := s.ScheduleFixedDelay(time.Second, false, JobDefinition{
		ID:  "early",
		Run: func(context.Context, map[string]string) error { return nil },
	})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("got %v, want ErrNotStarted", err)
	}
}

func TestStartRequiresClaimStore(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	if err := s.Start(); !errors.Is(err, ErrInitialization) {
		t.Fatalf("got %v, want ErrInitialization", err)
	}
}

func TestStartRejectsBadTimezone(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Not/AZone"}, claimFunc(alwaysWin), logx.Nop(), nil)
	if err := s.Start(); !errors.Is(err, ErrInitialization) {
		t.Fatalf("got %v, want ErrInitialization", err)
	}
}

func TestStandbyUntilProcessReady(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID: "standby",
		Run: func(context.Context, map[string]string) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Fatalf("job ran %d times before OnProcessReady", n)
	}

	s.OnProcessReady(context.Background())
	waitFor(t, 3*time.Second, "first firing", func() bool { return runs.Load() > 0 })
}

func TestOnProcessReadyIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	s.OnProcessReady(context.Background())
	s.OnProcessReady(context.Background()) // must not panic or double-start workers
}

func TestNonConcurrentExecution(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var cur, peak, runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID: "slow",
		Run: func(context.Context, map[string]string) error {
			c := cur.Add(1)
			for {
				m := peak.Load()
				if c <= m || peak.CompareAndSwap(m, c) {
					break
				}
			}
			// Body runs well past the next tick, so overlapping firings must
			// be dropped for this to stay at one.
			time.Sleep(250 * time.Millisecond)
			cur.Add(-1)
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.OnProcessReady(context.Background())
	waitFor(t, 5*time.Second, "two sequential runs", func() bool { return runs.Load() >= 2 })

	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
}

func TestReplaceRegistration(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var oldRuns, newRuns atomic.Int32
	def := JobDefinition{ID: "job", Run: func(context.Context, map[string]string) error {
		oldRuns.Add(1)
		return nil
	}}
	if err := s.ScheduleFixedDelay(MinFixedDelay, false, def); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	def.Run = func(context.Context, map[string]string) error {
		newRuns.Add(1)
		return nil
	}
	if err := s.ScheduleFixedDelay(MinFixedDelay, false, def); err != nil {
		t.Fatalf("replace: %v", err)
	}

	local, _ := s.JobIDs()
	if len(local) != 1 || local[0] != "job" {
		t.Fatalf("local jobs = %v, want [job]", local)
	}

	s.OnProcessReady(context.Background())
	waitFor(t, 3*time.Second, "replacement firing", func() bool { return newRuns.Load() > 0 })
	if n := oldRuns.Load(); n != 0 {
		t.Fatalf("replaced definition ran %d times", n)
	}
}

func TestClusteredSkipsWhenClaimLost(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	s := newTestService(t, claimFunc(func(context.Context, string, string, time.Time, time.Duration) (bool, error) {
		attempts.Add(1)
		return false, nil
	}))

	var runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, true, JobDefinition{
		ID: "clustered",
		Run: func(context.Context, map[string]string) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.OnProcessReady(context.Background())

	waitFor(t, 3*time.Second, "claim attempt", func() bool { return attempts.Load() > 0 })
	time.Sleep(200 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Fatalf("body ran %d times despite losing every claim", n)
	}
}

func TestClusteredRunsWhenClaimWon(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil) // stub always wins

	var runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, true, JobDefinition{
		ID: "clustered",
		Run: func(context.Context, map[string]string) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.OnProcessReady(context.Background())
	waitFor(t, 3*time.Second, "clustered firing", func() bool { return runs.Load() > 0 })
}

func TestClaimErrorDoesNotRunJob(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	s := newTestService(t, claimFunc(func(context.Context, string, string, time.Time, time.Duration) (bool, error) {
		attempts.Add(1)
		return false, errors.New("store down")
	}))

	var runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, true, JobDefinition{
		ID: "clustered",
		Run: func(context.Context, map[string]string) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.OnProcessReady(context.Background())

	waitFor(t, 3*time.Second, "several claim attempts", func() bool { return attempts.Load() >= 2 })
	if n := runs.Load(); n != 0 {
		t.Fatalf("body ran %d times despite claim errors", n)
	}
}

func TestPanicDoesNotWedgeJob(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID: "panics",
		Run: func(context.Context, map[string]string) error {
			runs.Add(1)
			panic("boom")
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.OnProcessReady(context.Background())

	// The guard must be released after a panic or the second firing never happens.
	waitFor(t, 5*time.Second, "firing after panic", func() bool { return runs.Load() >= 2 })
}

func TestFailingJobDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var okRuns atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID:  "failing",
		Run: func(context.Context, map[string]string) error { return errors.New("always fails") },
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	err = s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID: "healthy",
		Run: func(context.Context, map[string]string) error {
			okRuns.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.OnProcessReady(context.Background())
	waitFor(t, 5*time.Second, "healthy job to keep running", func() bool { return okRuns.Load() >= 2 })
}

func TestShutdownStopsFiring(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var runs atomic.Int32
	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID: "job",
		Run: func(context.Context, map[string]string) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.OnProcessReady(context.Background())
	waitFor(t, 3*time.Second, "first firing", func() bool { return runs.Load() > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	if !s.IsStopping() {
		t.Fatal("IsStopping = false after Shutdown")
	}
	s.Shutdown(ctx) // idempotent

	n := runs.Load()
	time.Sleep(300 * time.Millisecond)
	if got := runs.Load(); got != n {
		t.Fatalf("jobs kept firing after Shutdown: %d -> %d", n, got)
	}
}

func TestPurgeAllJobsForTesting(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var runs atomic.Int32
	noop := func(context.Context, map[string]string) error {
		runs.Add(1)
		return nil
	}
	if err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{ID: "a", Run: noop}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.ScheduleFixedDelay(MinFixedDelay, true, JobDefinition{ID: "b", Run: noop}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.PurgeAllJobsForTesting()
	local, clustered := s.JobIDs()
	if len(local) != 0 || len(clustered) != 0 {
		t.Fatalf("jobs remain after purge: local=%v clustered=%v", local, clustered)
	}

	s.OnProcessReady(context.Background())
	time.Sleep(300 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Fatalf("purged job fired %d times", n)
	}
}

func TestJobIDsSorted(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	noop := func(context.Context, map[string]string) error { return nil }
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.ScheduleFixedDelay(time.Second, false, JobDefinition{ID: id, Run: noop}); err != nil {
			t.Fatalf("schedule %s: %v", id, err)
		}
	}
	if err := s.ScheduleFixedDelay(time.Second, true, JobDefinition{ID: "cluster-job", Run: noop}); err != nil {
		t.Fatalf("schedule clustered: %v", err)
	}

	local, clustered := s.JobIDs()
	want := []string{"alpha", "mid", "zeta"}
	if len(local) != len(want) {
		t.Fatalf("local = %v, want %v", local, want)
	}
	for i := range want {
		if local[i] != want[i] {
			t.Fatalf("local = %v, want %v", local, want)
		}
	}
	if len(clustered) != 1 || clustered[0] != "cluster-job" {
		t.Fatalf("clustered = %v, want [cluster-job]", clustered)
	}
}

func TestOverlapPublishesSkipEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(Config{Workers: 2, QueueSize: 8, NodeID: "test-node"}, claimFunc(alwaysWin), logx.Nop(), bus)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	events, unsub := bus.Subscribe(64)
	defer unsub()

	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID: "slow",
		Run: func(context.Context, map[string]string) error {
			time.Sleep(300 * time.Millisecond)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.OnProcessReady(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.TypeJobSkipped {
				continue
			}
			if e.Job.JobID != "slow" || e.Job.Scheduler != "local" || e.Job.Detail != "overlap" {
				t.Fatalf("skip event = %+v", e.Job)
			}
			return
		case <-deadline:
			t.Fatal("no skip event for an overlapping firing")
		}
	}
}

func TestJobDataIsolated(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	src := map[string]string{"key": "v1"}
	got := make(chan string, 1)
	err := s.ScheduleFixedDelay(MinFixedDelay, false, JobDefinition{
		ID:   "data",
		Data: src,
		Run: func(_ context.Context, data map[string]string) error {
			select {
			case got <- data["key"]:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Mutations after registration must not leak into the job.
	src["key"] = "mutated"

	s.OnProcessReady(context.Background())
	select {
	case v := <-got:
		if v != "v1" {
			t.Fatalf("job saw %q, want snapshot value v1", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}
}
