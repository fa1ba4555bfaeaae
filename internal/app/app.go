package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"searchcoord/internal/config"
	"searchcoord/internal/eventbus"
	"searchcoord/internal/runtime/supervisor"
	"searchcoord/internal/sched"
	"searchcoord/internal/search"
	"searchcoord/internal/storage"
	logx "searchcoord/pkg/logx"
)

// App assembles the coordination daemon: config, logging, sqlite storage, the
// dual scheduler, the search store and its background jobs.
type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	sched  *sched.Service
	store  *search.Store
	finder *search.ReuseFinder
	reaper *search.StaleSearchReaper
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := cfg.SchedConfig()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	// One identity per process: the scheduler's clustered claims and the search
	// store's in-progress markers must agree on who "we" are.
	owner := nodeIdentity(schedCfg.NodeID)
	schedCfg.NodeID = owner

	claims := sched.NewClaimStore(db)
	schedSvc := sched.New(schedCfg, claims, log.With(logx.String("comp", "sched")), bus)

	searchCfg, err := cfg.SearchConfig()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	searchStore := search.NewStore(db, searchCfg, owner, log.With(logx.String("comp", "search")))
	finder := search.NewReuseFinder(searchStore, log.With(logx.String("comp", "reuse")))
	reaper := search.NewStaleSearchReaper(searchStore, log.With(logx.String("comp", "reaper")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		db:      db,
		sched:   schedSvc,
		store:   searchStore,
		finder:  finder,
		reaper:  reaper,
	}, nil
}

// nodeIdentity returns the configured node id, or a hostname-derived one.
func nodeIdentity(configured string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (a *App) Scheduler() *sched.Service   { return a.sched }
func (a *App) SearchStore() *search.Store  { return a.store }
func (a *App) Finder() *search.ReuseFinder { return a.finder }

// Done is closed when the app's run context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Scheduler.Workers < 0 {
			return fmt.Errorf("scheduler.workers must be >= 0")
		}
		if cfg.Scheduler.QueueSize < 0 {
			return fmt.Errorf("scheduler.queue_size must be >= 0")
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := cfg.StorageConfig(); err != nil {
			return err
		}
		if _, err := cfg.SchedConfig(); err != nil {
			return err
		}
		if _, err := cfg.SearchConfig(); err != nil {
			return err
		}
		return nil
	})

	if err := a.sched.Start(); err != nil {
		return err
	}

	if err := a.reaper.Register(a.sched); err != nil {
		return err
	}

	// Deferred last-returned writes are flushed on an interval; the loop does a
	// final drain on shutdown.
	a.sup.Go("search.flush", a.store.FlushLoop)

	// Debug visibility into job lifecycle events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Config hot reload: logging applies live; everything else needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(newCfg.LogxConfig())
				a.log.Info("logging config applied")
				a.log.Warn("scheduler/storage/search settings changed via reload take effect on restart")
			}
		}
	})

	// The watcher surfaces fsnotify breakage as an error; the supervisor
	// recreates it with backoff.
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// OnProcessReady moves the schedulers out of standby. Call it once the process
// is fully initialized.
func (a *App) OnProcessReady(ctx context.Context) {
	a.sched.OnProcessReady(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound every shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error {
		a.sched.Shutdown(c)
		return nil
	})
	// FlushLoop drains pending recency writes when its context ends; flush once
	// more in case the loop was never started (tests, partial startup).
	step("search.flush", 2*time.Second, a.store.FlushLastUpdated)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
