package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"searchcoord/internal/storage"
	logx "searchcoord/pkg/logx"
)

const searchColumns = `uuid, resource_type, query_string, query_hash, created_at, last_returned,
	in_progress_owner, in_progress_at, payload, version`

// Store is the durable coordination store for search records.
//
// Snapshots returned from any method are fully loaded; callers may keep using
// them after the call returns. All writes go through Store methods.
type Store struct {
	db    *sql.DB
	log   logx.Logger
	cfg   Config
	owner string

	// pending coalesces last-returned updates; flushed on a timer and by
	// FlushLastUpdated. Guarded by pmu.
	pmu     sync.Mutex
	pending map[string]time.Time
}

// NewStore builds a Store on the shared database. owner is this node's claim
// token for in-progress markers.
func NewStore(db *storage.DB, cfg Config, owner string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "node-" + uuid.NewString()[:8]
	}
	return &Store{
		db:      db.SQL(),
		log:     log,
		cfg:     cfg.withDefaults(),
		owner:   owner,
		pending: map[string]time.Time{},
	}
}

// Owner returns the claim token this store marks searches with.
func (st *Store) Owner() string { return st.owner }

// Save upserts by UUID and returns the persisted snapshot. A record without
// a UUID gets one assigned; Created and LastReturned default to now. The
// record's stored Created is immutable across updates.
//
// The in-progress marker columns are written on insert only. On update they
// belong to the claim path (TryToMarkSearchAsInProgress / ClearInProgress),
// so saving a stale snapshot can never clear or overwrite a claim another
// node holds.
func (st *Store) Save(ctx context.Context, s *Search) (*Search, error) {
	if s == nil {
		return nil, persistErr("save", errors.New("nil search"))
	}
	cp := *s
	if strings.TrimSpace(cp.UUID) == "" {
		cp.UUID = uuid.NewString()
	}
	now := time.Now()
	if cp.Created.IsZero() {
		cp.Created = now
	}
	if cp.LastReturned.IsZero() {
		cp.LastReturned = cp.Created
	}

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO searches(`+searchColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,1)
		 ON CONFLICT(uuid) DO UPDATE SET
		   resource_type=excluded.resource_type,
		   query_string=excluded.query_string,
		   query_hash=excluded.query_hash,
		   last_returned=MAX(searches.last_returned, excluded.last_returned),
		   payload=excluded.payload,
		   version=searches.version+1`,
		cp.UUID, cp.ResourceType, cp.QueryString, cp.QueryHash,
		cp.Created.UnixMilli(), cp.LastReturned.UnixMilli(),
		nullStr(cp.InProgressOwner), nullMilli(cp.InProgressAt), cp.Payload,
	)
	if err != nil {
		return nil, persistErr("save", err)
	}
	saved, err := st.FetchByUUID(ctx, cp.UUID)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, persistErr("save", errors.New("record vanished after upsert"))
	}
	return saved, nil
}

// FetchByUUID returns the full snapshot, or (nil, nil) when absent.
func (st *Store) FetchByUUID(ctx context.Context, id string) (*Search, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE uuid = ?`, id)
	s, err := scanSearch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("fetch", err)
	}
	return s, nil
}

// TryToMarkSearchAsInProgress attempts the compare-and-set claim: the
// in-progress marker transitions from unset (or expired) to this node, using
// the snapshot's Version as the expected prior state.
//
// Exactly one of N racing callers wins and receives the updated snapshot.
// Losing returns (nil, nil) — a normal outcome, never an error. An error is
// returned only for genuine faults (record missing, storage unavailable).
func (st *Store) TryToMarkSearchAsInProgress(ctx context.Context, s *Search) (*Search, error) {
	if s == nil || strings.TrimSpace(s.UUID) == "" {
		return nil, persistErr("mark in progress", errors.New("search has no uuid"))
	}
	now := time.Now()
	expiredBefore := now.Add(-st.cfg.ClaimExpiry).UnixMilli()

	res, err := st.db.ExecContext(ctx,
		`UPDATE searches
		 SET in_progress_owner=?, in_progress_at=?, version=version+1
		 WHERE uuid=? AND version=?
		   AND (in_progress_owner IS NULL OR in_progress_at < ?)`,
		st.owner, now.UnixMilli(), s.UUID, s.Version, expiredBefore,
	)
	if err != nil {
		return nil, persistErr("mark in progress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, persistErr("mark in progress", err)
	}
	if n > 0 {
		return st.FetchByUUID(ctx, s.UUID)
	}

	// Lost the race, or the record is gone. Only the latter is an error.
	cur, err := st.FetchByUUID(ctx, s.UUID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("mark in progress %q: %w", s.UUID, ErrSearchMissing)
	}
	return nil, nil
}

// ClearInProgress releases this node's claim so other callers can advance the
// search again. Clearing a marker owned by someone else is a no-op.
func (st *Store) ClearInProgress(ctx context.Context, s *Search) error {
	if s == nil || strings.TrimSpace(s.UUID) == "" {
		return nil
	}
	_, err := st.db.ExecContext(ctx,
		`UPDATE searches
		 SET in_progress_owner=NULL, in_progress_at=NULL, version=version+1
		 WHERE uuid=? AND in_progress_owner=?`,
		s.UUID, st.owner,
	)
	if err != nil {
		return persistErr("clear in progress", err)
	}
	return nil
}

// FindCandidatesForReuse narrows by resource type (hard filter), query hash
// and creation cutoff (soft pre-filters). It may return false positives —
// hash collisions, borderline timestamps — by design; the caller validates
// exactly. It never returns a record of a different resource type.
func (st *Store) FindCandidatesForReuse(ctx context.Context, resourceType, queryString string, queryHash int64, createdAfter time.Time) ([]*Search, error) {
	_ = queryString // pre-filtered via queryHash only; exact match is the caller's job

	rows, err := st.db.QueryContext(ctx,
		`SELECT `+searchColumns+` FROM searches
		 WHERE resource_type = ? AND query_hash = ? AND created_at >= ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		resourceType, queryHash, createdAfter.UnixMilli(), st.cfg.CandidateLimit,
	)
	if err != nil {
		return nil, persistErr("find candidates", err)
	}
	defer rows.Close()

	var out []*Search
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			return nil, persistErr("find candidates", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("find candidates", err)
	}
	return out, nil
}

// UpdateSearchLastReturned records usage recency. Writes are coalesced: many
// updates to the same record within the flush window collapse into one UPDATE.
// The value is advisory (staleness decisions only), so deferral is safe.
func (st *Store) UpdateSearchLastReturned(s *Search, ts time.Time) {
	if s == nil || s.UUID == "" || ts.IsZero() {
		return
	}
	st.pmu.Lock()
	if prev, ok := st.pending[s.UUID]; !ok || ts.After(prev) {
		st.pending[s.UUID] = ts
	}
	st.pmu.Unlock()
}

// FlushLastUpdated forces any deferred recency writes to persist now. It
// exists so the asynchronous write path is deterministically observable.
func (st *Store) FlushLastUpdated(ctx context.Context) error {
	st.pmu.Lock()
	batch := st.pending
	st.pending = map[string]time.Time{}
	st.pmu.Unlock()

	var firstErr error
	for id, ts := range batch {
		// Guarded update keeps LastReturned monotonically non-decreasing.
		// Recency writes do not bump the version: they are advisory metadata
		// and must not invalidate concurrent claim CAS attempts.
		_, err := st.db.ExecContext(ctx,
			`UPDATE searches SET last_returned=? WHERE uuid=? AND last_returned < ?`,
			ts.UnixMilli(), id, ts.UnixMilli(),
		)
		if err != nil {
			if firstErr == nil {
				firstErr = persistErr("flush last returned", err)
			}
			st.log.Warn("recency write failed", logx.String("uuid", id), logx.Err(err))
		}
	}
	return firstErr
}

// FlushLoop periodically flushes deferred recency writes until ctx is done.
// Run it under a supervisor.
func (st *Store) FlushLoop(ctx context.Context) error {
	t := time.NewTicker(st.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final drain on shutdown.
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = st.FlushLastUpdated(fctx)
			cancel()
			return ctx.Err()
		case <-t.C:
			if err := st.FlushLastUpdated(ctx); err != nil {
				st.log.Warn("deferred recency flush failed", logx.Err(err))
			}
		}
	}
}

// PollForStaleSearchesAndDeleteThem deletes records whose last-returned
// timestamp fell out of the retention window. A live in-progress marker
// counts as recent use, so a claimed record is never deleted out from under
// its claimant.
func (st *Store) PollForStaleSearchesAndDeleteThem(ctx context.Context) (int64, error) {
	// Drain deferred recency writes first so recently-used searches are not
	// reaped on stale metadata.
	if err := st.FlushLastUpdated(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-st.cfg.Retention).UnixMilli()
	res, err := st.db.ExecContext(ctx,
		`DELETE FROM searches
		 WHERE last_returned < ?
		   AND (in_progress_at IS NULL OR in_progress_at < ?)`,
		cutoff, cutoff,
	)
	if err != nil {
		return 0, persistErr("reap stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("reap stale", err)
	}
	if n > 0 {
		st.log.Debug("stale searches deleted", logx.Int64("count", n))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSearch(r rowScanner) (*Search, error) {
	var (
		s          Search
		createdMS  int64
		returnedMS int64
		owner      sql.NullString
		claimedMS  sql.NullInt64
	)
	err := r.Scan(&s.UUID, &s.ResourceType, &s.QueryString, &s.QueryHash,
		&createdMS, &returnedMS, &owner, &claimedMS, &s.Payload, &s.Version)
	if err != nil {
		return nil, err
	}
	s.Created = time.UnixMilli(createdMS)
	s.LastReturned = time.UnixMilli(returnedMS)
	if owner.Valid {
		s.InProgressOwner = owner.String
	}
	if claimedMS.Valid {
		s.InProgressAt = time.UnixMilli(claimedMS.Int64)
	}
	return &s, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
