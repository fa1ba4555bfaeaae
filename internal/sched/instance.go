package sched

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"searchcoord/internal/eventbus"
	rtsup "searchcoord/internal/runtime/supervisor"
	logx "searchcoord/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// jobDef is the scheduler-side bookkeeping for one registered job.
type jobDef struct {
	id       string
	interval time.Duration
	data     map[string]string
	run      func(ctx context.Context, data map[string]string) error
	entryID  cron.EntryID
	guard    *runGuard
}

type firing struct {
	def *jobDef
	at  time.Time
}

// instance is one scheduler (local or clustered): a cron trigger engine plus
// a bounded worker pool. Job bodies always execute on pool workers, never on
// the cron goroutine.
type instance struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus
	cfg  Config

	// claims is nil for the local instance. When set, every firing must win
	// the shared lease before the body runs.
	claims ClaimStore
	owner  string

	stopping *atomic.Bool

	mu      sync.Mutex
	c       *cron.Cron
	defs    map[string]*jobDef
	running bool
	q       chan firing
	sup     *rtsup.Supervisor

	// Warn throttling so a hot job cannot flood the log.
	skipWarn  *rate.Limiter
	claimWarn *rate.Limiter
}

func newInstance(name string, cfg Config, loc *time.Location, claims ClaimStore, owner string, stopping *atomic.Bool, log logx.Logger, bus eventbus.Bus) *instance {
	return &instance{
		name:      name,
		log:       log.With(logx.String("scheduler", name)),
		bus:       bus,
		cfg:       cfg,
		claims:    claims,
		owner:     owner,
		stopping:  stopping,
		c:         cron.New(cron.WithLocation(loc)),
		defs:      map[string]*jobDef{},
		skipWarn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		claimWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// schedule registers or replaces a job. Safe in standby and while running;
// the trigger goes live once the instance starts.
func (i *instance) schedule(interval time.Duration, def JobDefinition) {
	i.mu.Lock()
	defer i.mu.Unlock()

	d := &jobDef{
		id:       def.ID,
		interval: interval,
		data:     cloneData(def.Data),
		run:      def.Run,
		guard:    &runGuard{},
	}
	if old, ok := i.defs[def.ID]; ok {
		if old.entryID != 0 {
			i.c.Remove(old.entryID)
		}
		// Keep the old guard so a replacement registered mid-run still cannot
		// overlap the run that is already in flight.
		d.guard = old.guard
	}
	i.defs[def.ID] = d
	d.entryID = i.c.Schedule(
		newFixedDelaySchedule(interval, i.cfg.StartupSpread, def.ID),
		cron.FuncJob(func() { i.onTick(d) }),
	)
	i.log.Debug("job registered", logx.String("job", def.ID), logx.Duration("interval", interval))
}

// start transitions standby -> running: spins up the worker pool and begins
// firing triggers. Idempotent.
func (i *instance) start(ctx context.Context) {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return
	}
	i.running = true
	i.q = make(chan firing, i.cfg.QueueSize)
	i.sup = rtsup.New(ctx, rtsup.WithLogger(i.log), rtsup.WithCancelOnError(false))
	q := i.q
	sup := i.sup
	jobs := len(i.defs)
	i.mu.Unlock()

	for w := 0; w < i.cfg.Workers; w++ {
		name := fmt.Sprintf("worker.%d", w)
		sup.Go(name, func(c context.Context) error {
			i.worker(c, q)
			return nil
		})
	}
	i.c.Start()
	i.log.Info("scheduler running", logx.Int("jobs", jobs), logx.Int("workers", i.cfg.Workers))
}

// stop halts triggering, then waits (bounded by ctx) for in-flight jobs.
func (i *instance) stop(ctx context.Context) {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	c := i.c
	sup := i.sup
	i.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
			i.log.Warn("scheduler stop timed out with jobs in flight",
				logx.Int64("active", sup.Active()), logx.Err(ctx.Err()))
			return
		}
	}
	i.log.Info("scheduler stopped")
}

// onTick runs on the cron goroutine: acquire the per-job guard and hand the
// firing to a worker. It never executes the body itself and never blocks.
func (i *instance) onTick(d *jobDef) {
	if i.stopping.Load() {
		return
	}
	i.mu.Lock()
	q := i.q
	running := i.running
	i.mu.Unlock()
	if !running || q == nil {
		return
	}

	if !d.guard.tryAcquire() {
		// Previous run still in flight: the firing is dropped, not queued.
		i.publish(eventbus.TypeJobSkipped, d.id, time.Now(), 0, "overlap")
		if i.skipWarn.Allow() {
			i.log.Debug("tick dropped: previous run still in flight", logx.String("job", d.id))
		}
		return
	}

	select {
	case q <- firing{def: d, at: time.Now()}:
	default:
		d.guard.release()
		i.publish(eventbus.TypeJobSkipped, d.id, time.Now(), 0, "queue_full")
		if i.skipWarn.Allow() {
			i.log.Warn("tick dropped: worker queue full", logx.String("job", d.id), logx.Int("queue_cap", cap(q)))
		}
	}
}

func (i *instance) worker(ctx context.Context, q chan firing) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q:
			i.execOne(ctx, f)
		}
	}
}

func (i *instance) execOne(ctx context.Context, f firing) {
	d := f.def
	defer d.guard.release()

	if i.claims != nil {
		lease := i.cfg.ClaimLease
		if lease <= 0 {
			lease = d.interval
		}
		won, err := i.claims.TryClaim(ctx, d.id, i.owner, f.at, lease)
		if err != nil {
			// Store faults are swallowed at the scheduler boundary; the next
			// tick retries naturally.
			if i.claimWarn.Allow() {
				i.log.Warn("job claim failed", logx.String("job", d.id), logx.Err(err))
			}
			return
		}
		if !won {
			i.publish(eventbus.TypeJobClaimLost, d.id, f.at, 0, "")
			i.log.Trace("firing claimed by another node", logx.String("job", d.id))
			return
		}
	}

	start := time.Now()
	i.publish(eventbus.TypeJobStarted, d.id, start, 0, "")
	i.log.Debug("job started", logx.String("job", d.id))

	err := i.runJob(ctx, d)
	dur := time.Since(start)
	if err != nil {
		// One failing job must never halt the others sharing the pool.
		i.log.Warn("job failed", logx.String("job", d.id), logx.Err(err), logx.Duration("dur", dur))
		i.publish(eventbus.TypeJobFailed, d.id, start, dur, err.Error())
		return
	}
	i.log.Debug("job completed", logx.String("job", d.id), logx.Duration("dur", dur))
	i.publish(eventbus.TypeJobCompleted, d.id, start, dur, "")
}

func (i *instance) runJob(ctx context.Context, d *jobDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			i.log.Error("job panicked", logx.String("job", d.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return d.run(ctx, d.data)
}

func (i *instance) jobIDs() []string {
	i.mu.Lock()
	ids := make([]string, 0, len(i.defs))
	for id := range i.defs {
		ids = append(ids, id)
	}
	i.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// purge removes every registered trigger. Test-only surface.
func (i *instance) purge() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, d := range i.defs {
		if d.entryID != 0 {
			i.c.Remove(d.entryID)
		}
	}
	i.defs = map[string]*jobDef{}
}

func (i *instance) publish(typ, jobID string, started time.Time, dur time.Duration, detail string) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(eventbus.Event{
		Type: typ,
		Job:  eventbus.JobEvent{JobID: jobID, Scheduler: i.name, Started: started, Duration: dur, Detail: detail},
	})
}

func cloneData(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// fixedDelaySchedule fires once shortly after the engine starts, then every
// `every` thereafter. Sub-second intervals are supported, which the stock
// cron schedules are not.
type fixedDelaySchedule struct {
	every time.Duration
	first time.Duration
	fired atomic.Bool
}

func (s *fixedDelaySchedule) Next(t time.Time) time.Time {
	if s.fired.CompareAndSwap(false, true) {
		return t.Add(s.first)
	}
	return t.Add(s.every)
}

var spreadSeq uint64

func newFixedDelaySchedule(every time.Duration, spread bool, tag string) cron.Schedule {
	first := time.Millisecond
	if spread {
		spreadMax := every
		if spreadMax > maxStartupSpread {
			spreadMax = maxStartupSpread
		}
		if spreadMax > 0 {
			seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
			rng := rand.New(rand.NewSource(seed))
			first += time.Duration(rng.Int63n(int64(spreadMax)))
		}
	}
	return &fixedDelaySchedule{every: every, first: first}
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
