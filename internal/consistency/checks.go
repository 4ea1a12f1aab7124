// Package consistency runs advisory detectors over the read models and
// event streams.  Detectors only report: every finding becomes a
// ConsistencyAnomaly for operator review, and nothing here mutates
// state.
package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

// check names and codes surfaced on anomalies.
const (
	CheckOrphanedHardLocks = "orphaned_hard_locks"
	CheckStaleReservations = "stale_reservations"

	CodeOrphanedHardLock = "ORPHANED_HARD_LOCK"
	CodeStaleReservation = "STALE_RESERVATION"
)

// HardLockSource lists the active hard-lock rows.
// repository.ActiveHardLocksRepo satisfies it.
type HardLockSource interface {
	ListAll(ctx context.Context) ([]repository.HardLockRow, error)
}

// ReservationSource reads reservation state and last activity.
// repository.ReservationRepo satisfies it.
type ReservationSource interface {
	Load(ctx context.Context, reservationID string) (*model.Reservation, int, error)
	LastEventAt(ctx context.Context, reservationID string) (time.Time, error)
}

// Checker runs the detectors.  MaxAge bounds how long a reservation may
// sit in SOFT_ALLOCATED or HARD_LOCKED before it is reported stale.
type Checker struct {
	HardLocks    HardLockSource
	Reservations ReservationSource
	MaxAge       time.Duration
	Now          func() time.Time
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Checker) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return 24 * time.Hour
}

// Run executes every detector and returns all anomalies found.
func (c *Checker) Run(ctx context.Context) ([]model.ConsistencyAnomaly, error) {
	anomalies, err := c.OrphanedHardLocks(ctx)
	if err != nil {
		return nil, err
	}
	stale, err := c.StaleReservations(ctx)
	if err != nil {
		return anomalies, err
	}
	return append(anomalies, stale...), nil
}

// OrphanedHardLocks reports hard-lock rows whose owning reservation is
// no longer in HARD_LOCKED state.  The dead-letter path of the pick saga
// produces exactly this shape: movement committed, consumption never
// landed, lock rows left behind.
func (c *Checker) OrphanedHardLocks(ctx context.Context) ([]model.ConsistencyAnomaly, error) {
	rows, err := c.HardLocks.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency: list hard locks: %w", err)
	}
	var out []model.ConsistencyAnomaly
	seen := map[string]model.ReservationState{}
	for _, row := range rows {
		state, ok := seen[row.ReservationID]
		if !ok {
			res, _, err := c.Reservations.Load(ctx, row.ReservationID)
			if err != nil {
				state = ""
			} else {
				state = res.State
			}
			seen[row.ReservationID] = state
		}
		if state == model.ReservationHardLocked {
			continue
		}
		out = append(out, model.ConsistencyAnomaly{
			CheckName:   CheckOrphanedHardLocks,
			ErrorCode:   CodeOrphanedHardLock,
			Description: fmt.Sprintf("hard lock row for reservation %s but reservation state is %q", row.ReservationID, state),
			Metadata: map[string]string{
				"reservation_id":  row.ReservationID,
				"warehouse_id":    row.WarehouseID,
				"location":        row.Location,
				"sku":             row.SKU,
				"hard_locked_qty": row.HardLockedQty.String(),
				"state":           string(state),
			},
			DetectedAt: c.now(),
		})
	}
	return out, nil
}

// StaleReservations reports reservations that hold a SOFT or HARD lock
// with no stream activity for longer than MaxAge.  Candidates come from
// the hard-lock rows plus any ids the caller tracks separately; a
// HARD_LOCKED reservation always has rows, so the hard-lock table is a
// complete candidate source for that state.
func (c *Checker) StaleReservations(ctx context.Context) ([]model.ConsistencyAnomaly, error) {
	rows, err := c.HardLocks.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency: list hard locks: %w", err)
	}
	cutoff := c.now().Add(-c.maxAge())
	var out []model.ConsistencyAnomaly
	checked := map[string]bool{}
	for _, row := range rows {
		if checked[row.ReservationID] {
			continue
		}
		checked[row.ReservationID] = true
		res, _, err := c.Reservations.Load(ctx, row.ReservationID)
		if err != nil {
			continue // orphan check covers missing reservations
		}
		if res.State != model.ReservationSoftAllocated && res.State != model.ReservationHardLocked {
			continue
		}
		last, err := c.Reservations.LastEventAt(ctx, row.ReservationID)
		if err != nil || !last.Before(cutoff) {
			continue
		}
		out = append(out, model.ConsistencyAnomaly{
			CheckName:   CheckStaleReservations,
			ErrorCode:   CodeStaleReservation,
			Description: fmt.Sprintf("reservation %s stuck in %s since %s", row.ReservationID, res.State, last.Format(time.RFC3339)),
			Metadata: map[string]string{
				"reservation_id": row.ReservationID,
				"state":          string(res.State),
				"last_event_at":  last.Format(time.RFC3339),
			},
			DetectedAt: c.now(),
		})
	}
	return out, nil
}
