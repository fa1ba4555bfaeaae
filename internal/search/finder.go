package search

import (
	"context"
	"time"

	logx "searchcoord/pkg/logx"
)

// ReuseFinder proposes an existing search for a new query so identical result
// sets are not recomputed.
//
// The store's candidate lookup is a loose pre-filter; the finder applies the
// exact checks (query string equality, creation cutoff) and picks the newest
// match. Coordination faults degrade to "no reusable search" so the caller
// simply starts a fresh one.
type ReuseFinder struct {
	store *Store
	log   logx.Logger
}

func NewReuseFinder(store *Store, log logx.Logger) *ReuseFinder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReuseFinder{store: store, log: log}
}

// FindReusable returns the best matching previously-run search, or nil when
// none qualifies.
func (f *ReuseFinder) FindReusable(ctx context.Context, resourceType, queryString string, createdAfter time.Time) *Search {
	hash := HashQueryString(queryString)
	candidates, err := f.store.FindCandidatesForReuse(ctx, resourceType, queryString, hash, createdAfter)
	if err != nil {
		f.log.Warn("reuse lookup failed; starting fresh search", logx.String("type", resourceType), logx.Err(err))
		return nil
	}

	var best *Search
	for _, c := range candidates {
		// Hash matching in the store may return collisions; require the exact
		// query string here.
		if c.QueryString != queryString {
			continue
		}
		if c.Created.Before(createdAfter) {
			continue
		}
		if best == nil || c.Created.After(best.Created) {
			best = c
		}
	}
	if best != nil {
		f.log.Debug("reusing cached search", logx.String("uuid", best.UUID), logx.String("type", resourceType))
	}
	return best
}
