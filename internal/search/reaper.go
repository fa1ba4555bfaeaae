package search

import (
	"context"
	"time"

	"searchcoord/internal/sched"
	logx "searchcoord/pkg/logx"
)

// ReaperJobID is the stable scheduler identifier of the staleness sweep.
const ReaperJobID = "search-stale-reaper"

// StaleSearchReaper is the periodic sweep deleting expired search state.
// It registers as a clustered job: one node per firing runs the sweep.
type StaleSearchReaper struct {
	store *Store
	log   logx.Logger
}

func NewStaleSearchReaper(store *Store, log logx.Logger) *StaleSearchReaper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StaleSearchReaper{store: store, log: log}
}

// Register installs the reaper on the scheduler's clustered instance.
func (r *StaleSearchReaper) Register(s *sched.Service) error {
	return s.ScheduleFixedDelay(r.store.cfg.ReapInterval, true, sched.JobDefinition{
		ID:  ReaperJobID,
		Run: r.Run,
	})
}

// Run executes one sweep. Exposed for direct invocation from tests.
func (r *StaleSearchReaper) Run(ctx context.Context, _ map[string]string) error {
	start := time.Now()
	n, err := r.store.PollForStaleSearchesAndDeleteThem(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("reaped stale searches", logx.Int64("count", n), logx.Duration("took", time.Since(start)))
	}
	return nil
}
