// Package handler implements the command handlers for the stock ledger
// service and the thin HTTP surface that feeds them.  Handlers depend on
// narrow interfaces so the orchestration logic is testable without a
// database or broker; the concrete repository, guard and queue types
// satisfy them.
package handler

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/warehouse-stock-ledger/internal/guard"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// LedgerStore is the slice of StockLedgerRepo the handlers use.
type LedgerStore interface {
	Load(ctx context.Context, warehouseID, location, sku string) (*model.StockLedger, int, error)
	Append(ctx context.Context, ev model.StockMoved, expectedVersion int) error
}

// ReservationStore is the slice of ReservationRepo the handlers use.
type ReservationStore interface {
	Load(ctx context.Context, reservationID string) (*model.Reservation, int, error)
	Append(ctx context.Context, reservationID string, ev interface{}, expectedVersion int) error
}

// HardLockView reads the hard-locked sum for conflict checks.  Callers on
// the invariant path hold the balance guard lock for the key while
// reading.
type HardLockView interface {
	HardLockedQty(ctx context.Context, warehouseID, location, sku string) (decimal.Decimal, error)
}

// HardLockWriter applies hard-lock lines to the read model inline, inside
// the guarded section, so the next serialized caller observes them.  The
// bus projector applies the same events idempotently for rebuilds and
// other instances.
type HardLockWriter interface {
	UpsertLines(ctx context.Context, reservationID string, lines []model.HardLockLine) error
	ReleaseLines(ctx context.Context, reservationID string, released []model.HardLockLine) error
}

// Guard is one held balance guard lock.  guard.BalanceGuard satisfies it.
type Guard interface {
	Acquire(ctx context.Context, sortedKeys []int64) error
	Commit(ctx context.Context) error
	Close()
}

// GuardFactory opens a fresh guard with its dedicated session.  In
// production this wraps guard.Create over the shared *sql.DB.
type GuardFactory func(ctx context.Context) (Guard, error)

var _ Guard = (*guard.BalanceGuard)(nil)
