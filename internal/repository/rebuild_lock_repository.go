package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// RebuildLockStatus is the externally visible state of a projection's
// rebuild lock.
type RebuildLockStatus struct {
	ProjectionName string     `json:"projection_name"`
	Locked         bool       `json:"locked"`
	Holder         string     `json:"holder,omitempty"`
	AcquiredAtUTC  *time.Time `json:"acquired_at_utc,omitempty"`
	ExpiresAtUTC   *time.Time `json:"expires_at_utc,omitempty"`
}

// RebuildLockRepo makes projection rebuilds mutually exclusive per
// projection name via an expiring lock row.  Expired rows are reclaimed
// on the next acquisition attempt; a crashed rebuilder therefore blocks
// others only until its lock expires.
type RebuildLockRepo struct {
	db *sql.DB
}

// NewRebuildLockRepo returns the lock repo bound to the database.
func NewRebuildLockRepo(db *sql.DB) *RebuildLockRepo { return &RebuildLockRepo{db: db} }

// TryAcquire attempts to take the rebuild lock for the projection.  It
// returns false when another holder owns a non-expired lock.
func (r *RebuildLockRepo) TryAcquire(ctx context.Context, projection, holder string, ttl time.Duration) (bool, error) {
	// Clear an expired row first so the insert below is the single
	// atomic claim.
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM projection_rebuild_locks WHERE projection_name = ? AND expires_at <= UTC_TIMESTAMP()`,
		projection); err != nil {
		return false, fmt.Errorf("rebuild lock: clear expired: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO projection_rebuild_locks (projection_name, holder, acquired_at, expires_at)
		 VALUES (?, ?, UTC_TIMESTAMP(), UTC_TIMESTAMP() + INTERVAL ? SECOND)`,
		projection, holder, int(ttl.Seconds()))
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == duplicateEntry {
			return false, nil
		}
		return false, fmt.Errorf("rebuild lock: acquire: %w", err)
	}
	return true, nil
}

// Release drops the lock if this holder still owns it.
func (r *RebuildLockRepo) Release(ctx context.Context, projection, holder string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM projection_rebuild_locks WHERE projection_name = ? AND holder = ?`,
		projection, holder)
	return err
}

// Status reports the current lock state for the projection.
func (r *RebuildLockRepo) Status(ctx context.Context, projection string) (RebuildLockStatus, error) {
	st := RebuildLockStatus{ProjectionName: projection}
	var holder string
	var acquiredAt, expiresAt time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT holder, acquired_at, expires_at FROM projection_rebuild_locks
		 WHERE projection_name = ? AND expires_at > UTC_TIMESTAMP()`,
		projection).Scan(&holder, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("rebuild lock: status: %w", err)
	}
	st.Locked = true
	st.Holder = holder
	a, e := acquiredAt.UTC(), expiresAt.UTC()
	st.AcquiredAtUTC = &a
	st.ExpiresAtUTC = &e
	return st, nil
}
