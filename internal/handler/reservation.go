package handler

import (
	"context"
	"log"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/lockkey"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
)

// publishReservationEvent fans a reservation event out to the bus for
// projectors on other instances.  Failures are logged, not surfaced: the
// read model was already updated inline and a rebuild converges the rest.
func publishReservationEvent(ctx context.Context, pub queue.Publisher, correlationID, reservationID, eventType string, ev interface{}) {
	if pub == nil {
		return
	}
	msg := queue.ReservationEventMessage{
		CorrelationID: correlationID,
		ReservationID: reservationID,
		EventType:     eventType,
		Event:         ev,
	}
	if err := pub.Publish(ctx, queue.ReservationEventsQueue, msg); err != nil {
		log.Printf("reservation: publish %s: %v", eventType, err)
	}
}

// ReserveStockHandler creates a reservation and SOFT-allocates stock.
// SOFT allocation does not touch the hard-lock invariant, so no guard
// lock is taken.
type ReserveStockHandler struct {
	Reservations ReservationStore
	Publisher    queue.Publisher
	Now          func() time.Time
}

func (h *ReserveStockHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Handle implements command.Handler for ReserveStockCommand.
func (h *ReserveStockHandler) Handle(ctx context.Context, c model.Command) model.CommandResult {
	cmd, ok := c.(model.ReserveStockCommand)
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	created, err := model.NewReservationRequested(cmd.ReservationID, cmd.Priority, cmd.Requested, h.now())
	if err != nil {
		return model.FailureFor(err)
	}
	if err := h.Reservations.Append(ctx, cmd.ReservationID, created, 0); err != nil {
		return model.FailureFor(err)
	}
	res := &model.Reservation{}
	res.Apply(created)
	allocated, err := res.Allocate(cmd.Allocations, h.now())
	if err != nil {
		return model.FailureFor(err)
	}
	if err := h.Reservations.Append(ctx, cmd.ReservationID, allocated, 1); err != nil {
		return model.FailureFor(err)
	}
	meta := cmd.Meta()
	publishReservationEvent(ctx, h.Publisher, meta.CorrelationID, cmd.ReservationID, model.EventTypeReservationRequested, created)
	publishReservationEvent(ctx, h.Publisher, meta.CorrelationID, cmd.ReservationID, model.EventTypeStockAllocated, allocated)
	return model.Success(map[string]string{"reservation_id": cmd.ReservationID, "state": string(model.ReservationSoftAllocated)})
}

// StartPickingHandler transitions a reservation to HARD lock.  The
// headroom check and the PickingStarted append happen while holding the
// balance guard lock for every allocated key, which is what enforces the
// invariant that hard-locked quantity never exceeds ledger balance.
type StartPickingHandler struct {
	Reservations ReservationStore
	Ledger       LedgerStore
	HardLocks    HardLockView
	HardLockW    HardLockWriter
	NewGuard     GuardFactory
	Publisher    queue.Publisher
	Now          func() time.Time
}

func (h *StartPickingHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Handle implements command.Handler for StartPickingCommand.
func (h *StartPickingHandler) Handle(ctx context.Context, c model.Command) model.CommandResult {
	cmd, ok := c.(model.StartPickingCommand)
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	res, version, err := h.Reservations.Load(ctx, cmd.ReservationID)
	if err != nil {
		return model.FailureFor(err)
	}
	ev, err := res.StartPicking(h.now())
	if err != nil {
		return model.FailureFor(err)
	}

	ledgerKeys := make([]lockkey.LedgerKey, 0, len(ev.HardLockLines))
	for _, l := range ev.HardLockLines {
		ledgerKeys = append(ledgerKeys, lockkey.LedgerKey{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU})
	}
	g, err := h.NewGuard(ctx)
	if err != nil {
		return model.Failure(model.CodeInternalError)
	}
	defer g.Close()
	if err := g.Acquire(ctx, lockkey.ForLocations(ledgerKeys)); err != nil {
		return model.Failure(model.CodeInternalError)
	}

	// Headroom check per line: the projected hard-locked sum must stay
	// within the ledger balance.
	for _, l := range ev.HardLockLines {
		ledger, _, err := h.Ledger.Load(ctx, l.WarehouseID, l.Location, l.SKU)
		if err != nil {
			return model.FailureFor(err)
		}
		already, err := h.HardLocks.HardLockedQty(ctx, l.WarehouseID, l.Location, l.SKU)
		if err != nil {
			return model.Failure(model.CodeInternalError)
		}
		if already.Add(l.HardLockedQty).GreaterThan(ledger.Balance) {
			return model.Failure(model.CodeHardLockConflict)
		}
	}

	if err := h.Reservations.Append(ctx, cmd.ReservationID, ev, version); err != nil {
		return model.FailureFor(err)
	}
	if err := h.HardLockW.UpsertLines(ctx, cmd.ReservationID, ev.HardLockLines); err != nil {
		log.Printf("start-picking: inline read model update: %v", err)
	}
	if err := g.Commit(ctx); err != nil {
		log.Printf("start-picking: release guard: %v", err)
	}
	publishReservationEvent(ctx, h.Publisher, cmd.Meta().CorrelationID, cmd.ReservationID, model.EventTypePickingStarted, ev)
	return model.Success(map[string]string{"reservation_id": cmd.ReservationID, "state": string(model.ReservationHardLocked)})
}

// CancelReservationHandler cancels a reservation and releases its
// hard-locked lines.
type CancelReservationHandler struct {
	Reservations ReservationStore
	HardLockW    HardLockWriter
	Publisher    queue.Publisher
	Now          func() time.Time
}

func (h *CancelReservationHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Handle implements command.Handler for CancelReservationCommand.
func (h *CancelReservationHandler) Handle(ctx context.Context, c model.Command) model.CommandResult {
	cmd, ok := c.(model.CancelReservationCommand)
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	res, version, err := h.Reservations.Load(ctx, cmd.ReservationID)
	if err != nil {
		return model.FailureFor(err)
	}
	ev, err := res.Cancel(cmd.Reason, h.now())
	if err != nil {
		return model.FailureFor(err)
	}
	if err := h.Reservations.Append(ctx, cmd.ReservationID, ev, version); err != nil {
		return model.FailureFor(err)
	}
	if len(ev.ReleasedLines) > 0 {
		if err := h.HardLockW.ReleaseLines(ctx, cmd.ReservationID, ev.ReleasedLines); err != nil {
			log.Printf("cancel-reservation: inline read model update: %v", err)
		}
	}
	publishReservationEvent(ctx, h.Publisher, cmd.Meta().CorrelationID, cmd.ReservationID, model.EventTypeReservationCancelled, ev)
	return model.Success(map[string]string{"reservation_id": cmd.ReservationID, "state": string(model.ReservationCancelled)})
}

// BumpReservationHandler displaces a SOFT-allocated reservation in favor
// of a higher-priority one.
type BumpReservationHandler struct {
	Reservations ReservationStore
	Publisher    queue.Publisher
	Now          func() time.Time
}

func (h *BumpReservationHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Handle implements command.Handler for BumpReservationCommand.
func (h *BumpReservationHandler) Handle(ctx context.Context, c model.Command) model.CommandResult {
	cmd, ok := c.(model.BumpReservationCommand)
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	res, version, err := h.Reservations.Load(ctx, cmd.ReservationID)
	if err != nil {
		return model.FailureFor(err)
	}
	// The displacing reservation's stored priority is authoritative; the
	// command only names it.
	by, _, err := h.Reservations.Load(ctx, cmd.ByReservationID)
	if err != nil {
		return model.FailureFor(err)
	}
	ev, err := res.Bump(by.ID, by.Priority, h.now())
	if err != nil {
		return model.FailureFor(err)
	}
	if err := h.Reservations.Append(ctx, cmd.ReservationID, ev, version); err != nil {
		return model.FailureFor(err)
	}
	publishReservationEvent(ctx, h.Publisher, cmd.Meta().CorrelationID, cmd.ReservationID, model.EventTypeReservationBumped, ev)
	return model.Success(map[string]string{
		"reservation_id":    cmd.ReservationID,
		"by_reservation_id": cmd.ByReservationID,
		"state":             string(model.ReservationBumped),
	})
}
