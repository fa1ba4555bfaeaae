package sched

import (
	"context"
	"database/sql"
	"time"

	"searchcoord/internal/storage"
)

// ClaimStore is the clustered execution-ownership backend.
//
// TryClaim reports whether this node won the firing for jobID. Among all
// nodes attempting the same firing window, at most one TryClaim returns true;
// losing is a normal outcome, not an error. The store is expected to provide
// this through an atomic conditional update, not through process-local
// locking.
type ClaimStore interface {
	TryClaim(ctx context.Context, jobID, owner string, firedAt time.Time, lease time.Duration) (bool, error)
}

type sqlClaims struct {
	db *sql.DB
}

// NewClaimStore returns a ClaimStore backed by the shared job_claims table.
func NewClaimStore(db *storage.DB) ClaimStore {
	return &sqlClaims{db: db.SQL()}
}

func (c *sqlClaims) TryClaim(ctx context.Context, jobID, owner string, firedAt time.Time, lease time.Duration) (bool, error) {
	fired := firedAt.UnixMilli()
	until := firedAt.Add(lease).UnixMilli()

	// The lease is taken for the whole firing window and is not released on
	// completion: an early release would let a slightly later tick from
	// another node win the same window.
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO job_claims(job_id, owner, fired_at, lease_until) VALUES(?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   owner=excluded.owner, fired_at=excluded.fired_at, lease_until=excluded.lease_until
		 WHERE job_claims.lease_until <= excluded.fired_at`,
		jobID, owner, fired, until,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
