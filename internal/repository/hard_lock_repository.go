package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// HardLockRow is one row of the active_hard_locks read model: the
// quantity a reservation currently holds under HARD lock for one key.
type HardLockRow struct {
	ReservationID string
	WarehouseID   string
	Location      string
	SKU           string
	HardLockedQty decimal.Decimal
	UpdatedAt     time.Time
}

// ActiveHardLocksRepo is the read model summing currently HARD-locked
// quantity per (warehouse, location, sku).  Invariant checks query it
// while holding the balance guard lock for the key; the lock, not this
// table, provides the mutual exclusion.  The optional Redis client backs
// a short-TTL cache for advisory reads (consistency checks, status
// endpoints) that sit outside the locked path; a nil client disables
// caching, mirroring how the rest of the service degrades without Redis.
type ActiveHardLocksRepo struct {
	db       *sql.DB
	rdb      *redis.Client
	cacheTTL time.Duration
	table    string
}

// NewActiveHardLocksRepo returns the read model bound to the production
// table.  rdb may be nil.
func NewActiveHardLocksRepo(db *sql.DB, rdb *redis.Client) *ActiveHardLocksRepo {
	return &ActiveHardLocksRepo{db: db, rdb: rdb, cacheTTL: 5 * time.Second, table: "active_hard_locks"}
}

// HardLockedQty sums the hard-locked quantity for one ledger key.  Always
// reads the database; callers on the invariant path hold the balance
// guard lock for the key.
func (r *ActiveHardLocksRepo) HardLockedQty(ctx context.Context, warehouseID, location, sku string) (decimal.Decimal, error) {
	var sum string
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(hard_locked_qty), 0) FROM `+r.table+`
		 WHERE warehouse_id = ? AND location = ? AND sku = ?`,
		warehouseID, location, sku).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("hard locks: sum for %s/%s/%s: %w", warehouseID, location, sku, err)
	}
	return decimal.NewFromString(sum)
}

// CachedHardLockedQty is the advisory-read variant used outside the
// locked path.  Cache misses and Redis failures fall through to the
// database.
func (r *ActiveHardLocksRepo) CachedHardLockedQty(ctx context.Context, warehouseID, location, sku string) (decimal.Decimal, error) {
	key := fmt.Sprintf("hardlocks:%s:%s:%s", warehouseID, location, sku)
	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, key).Result(); err == nil {
			if qty, perr := decimal.NewFromString(cached); perr == nil {
				return qty, nil
			}
		}
	}
	qty, err := r.HardLockedQty(ctx, warehouseID, location, sku)
	if err != nil {
		return decimal.Zero, err
	}
	if r.rdb != nil {
		_ = r.rdb.Set(ctx, key, qty.String(), r.cacheTTL).Err()
	}
	return qty, nil
}

// ListAll returns every active hard-lock row.  Used by the orphaned-lock
// consistency check.
func (r *ActiveHardLocksRepo) ListAll(ctx context.Context) ([]HardLockRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT reservation_id, warehouse_id, location, sku, hard_locked_qty, updated_at
		 FROM `+r.table+` ORDER BY reservation_id, warehouse_id, location, sku`)
	if err != nil {
		return nil, fmt.Errorf("hard locks: list: %w", err)
	}
	defer rows.Close()
	var out []HardLockRow
	for rows.Next() {
		var h HardLockRow
		var qty string
		if err := rows.Scan(&h.ReservationID, &h.WarehouseID, &h.Location, &h.SKU, &qty, &h.UpdatedAt); err != nil {
			return nil, err
		}
		if h.HardLockedQty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertLines writes the hard-lock lines carried on a PickingStarted
// event.  Events are self-contained, so this never consults aggregate
// state.
func (r *ActiveHardLocksRepo) UpsertLines(ctx context.Context, reservationID string, lines []model.HardLockLine) error {
	if len(lines) == 0 {
		return nil
	}
	query := `INSERT INTO ` + r.table + ` (reservation_id, warehouse_id, location, sku, hard_locked_qty) VALUES `
	args := make([]interface{}, 0, len(lines)*5)
	for i, l := range lines {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?)"
		args = append(args, reservationID, l.WarehouseID, l.Location, l.SKU, l.HardLockedQty.String())
	}
	query += ` ON DUPLICATE KEY UPDATE hard_locked_qty = VALUES(hard_locked_qty)`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("hard locks: upsert for %s: %w", reservationID, err)
	}
	r.invalidate(ctx, lines)
	return nil
}

// ReleaseLines removes every hard-lock row for the reservation.  Called
// when a Consumed, Cancelled or Bumped event releases the lines.
func (r *ActiveHardLocksRepo) ReleaseLines(ctx context.Context, reservationID string, released []model.HardLockLine) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM `+r.table+` WHERE reservation_id = ?`, reservationID); err != nil {
		return fmt.Errorf("hard locks: release for %s: %w", reservationID, err)
	}
	r.invalidate(ctx, released)
	return nil
}

func (r *ActiveHardLocksRepo) invalidate(ctx context.Context, lines []model.HardLockLine) {
	if r.rdb == nil {
		return
	}
	for _, l := range lines {
		_ = r.rdb.Del(ctx, fmt.Sprintf("hardlocks:%s:%s:%s", l.WarehouseID, l.Location, l.SKU)).Err()
	}
}
