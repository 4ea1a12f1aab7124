package handler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/lockkey"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
)

// ReservationConsumer performs the consumption step of a pick: loading a
// HARD-locked reservation, appending ReservationConsumed and releasing
// its hard-lock lines.  It is shared between PickStockHandler (inline
// attempt) and the pick saga (deferred retries), so both paths behave
// identically.
type ReservationConsumer struct {
	Reservations ReservationStore
	HardLockW    HardLockWriter
	Publisher    queue.Publisher
	Now          func() time.Time
}

func (c *ReservationConsumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Consume transitions the reservation to CONSUMED.  Idempotent per the
// at-least-once bus contract: a reservation already consumed returns nil
// so a redelivered message acks cleanly.
func (c *ReservationConsumer) Consume(ctx context.Context, correlationID, reservationID string) error {
	res, version, err := c.Reservations.Load(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.State == model.ReservationConsumed {
		return nil
	}
	ev, err := res.Consume(c.now())
	if err != nil {
		return err
	}
	if err := c.Reservations.Append(ctx, reservationID, ev, version); err != nil {
		return err
	}
	if err := c.HardLockW.ReleaseLines(ctx, reservationID, ev.ReleasedLines); err != nil {
		log.Printf("consume: inline read model update: %v", err)
	}
	publishReservationEvent(ctx, c.Publisher, correlationID, reservationID, model.EventTypeReservationConsumed, ev)
	return nil
}

// PickStockHandler executes the two-phase pick.  Phase one commits one
// PICK movement per hard-locked line under the balance guard lock; phase
// two consumes the reservation inline, or hands it to the saga when the
// inline attempt fails.  A pick never rolls back a committed movement:
// once phase one lands, the command reports MovementCommitted even when
// consumption is still pending.
type PickStockHandler struct {
	Reservations ReservationStore
	Ledger       LedgerStore
	NewGuard     GuardFactory
	Consumer     *ReservationConsumer
	Publisher    queue.Publisher
	Now          func() time.Time
}

func (h *PickStockHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Handle implements command.Handler for PickStockCommand.
func (h *PickStockHandler) Handle(ctx context.Context, c model.Command) model.CommandResult {
	cmd, ok := c.(model.PickStockCommand)
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	res, _, err := h.Reservations.Load(ctx, cmd.ReservationID)
	if err != nil {
		return model.FailureFor(err)
	}
	if res.State != model.ReservationHardLocked {
		return model.Failure(model.CodeReservationNotAllocated)
	}
	meta := cmd.Meta()

	if err := h.commitMovements(ctx, meta.CorrelationID, cmd.ReservationID, res.HardLocked); err != nil {
		return model.FailureFor(err)
	}

	if err := h.Consumer.Consume(ctx, meta.CorrelationID, cmd.ReservationID); err != nil {
		log.Printf("pick-stock: inline consumption for %s: %v", cmd.ReservationID, err)
		req := queue.ConsumptionRequested{
			CorrelationID: meta.CorrelationID,
			ReservationID: cmd.ReservationID,
			RetryCount:    0,
			RequestedAt:   h.now(),
		}
		if perr := h.Publisher.Publish(ctx, queue.PickConsumptionQueue, req); perr != nil {
			log.Printf("pick-stock: defer consumption for %s: %v", cmd.ReservationID, perr)
		}
		return model.CommandResult{
			OK:                 true,
			MovementCommitted:  true,
			ConsumptionPending: true,
			Payload:            map[string]string{"reservation_id": cmd.ReservationID},
		}
	}
	return model.CommandResult{
		OK:                true,
		MovementCommitted: true,
		Payload:           map[string]string{"reservation_id": cmd.ReservationID, "state": string(model.ReservationConsumed)},
	}
}

// commitMovements appends one PICK movement per hard-locked line while
// holding the guard lock across all affected keys.  The hard-locked sum
// is not rechecked here: the picked quantity consumes the reservation's
// own lock, which StartPicking already sized against the balance.
func (h *PickStockHandler) commitMovements(ctx context.Context, correlationID, reservationID string, lines []model.HardLockLine) error {
	keys := make([]lockkey.LedgerKey, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, lockkey.LedgerKey{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU})
	}
	g, err := h.NewGuard(ctx)
	if err != nil {
		return fmt.Errorf("open guard: %w", err)
	}
	defer g.Close()
	if err := g.Acquire(ctx, lockkey.ForLocations(keys)); err != nil {
		return fmt.Errorf("acquire guard: %w", err)
	}

	reference := "pick:" + reservationID
	events := make([]model.StockMoved, 0, len(lines))
	for _, l := range lines {
		ledger, version, err := h.Ledger.Load(ctx, l.WarehouseID, l.Location, l.SKU)
		if err != nil {
			return err
		}
		ev, err := ledger.Move(model.MovementPick, l.HardLockedQty, reference, h.now())
		if err != nil {
			return err
		}
		if err := h.Ledger.Append(ctx, ev, version); err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := g.Commit(ctx); err != nil {
		log.Printf("pick-stock: release guard: %v", err)
	}
	if h.Publisher != nil {
		for _, ev := range events {
			msg := queue.StockMovedMessage{CorrelationID: correlationID, Event: ev}
			if err := h.Publisher.Publish(ctx, queue.StockEventsQueue, msg); err != nil {
				log.Printf("pick-stock: publish movement: %v", err)
			}
		}
	}
	return nil
}
