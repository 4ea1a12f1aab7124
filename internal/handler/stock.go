package handler

import (
	"context"
	"log"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/lockkey"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
)

// MoveStockHandler records stock movements.  Inbound movements append
// directly; balance-decreasing movements run under the balance guard lock
// for their key and are additionally checked against the hard-locked sum,
// so a dispatch can never strand a HARD lock without stock behind it.
type MoveStockHandler struct {
	Ledger    LedgerStore
	HardLocks HardLockView
	NewGuard  GuardFactory
	Publisher queue.Publisher
	Now       func() time.Time
}

func (h *MoveStockHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Handle implements command.Handler for MoveStockCommand.
func (h *MoveStockHandler) Handle(ctx context.Context, c model.Command) model.CommandResult {
	cmd, ok := c.(model.MoveStockCommand)
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	if cmd.Movement.Inbound() {
		return h.applyInbound(ctx, cmd)
	}
	return h.applyDecreasing(ctx, cmd)
}

func (h *MoveStockHandler) applyInbound(ctx context.Context, cmd model.MoveStockCommand) model.CommandResult {
	ledger, version, err := h.Ledger.Load(ctx, cmd.WarehouseID, cmd.Location, cmd.SKU)
	if err != nil {
		return model.FailureFor(err)
	}
	ev, err := ledger.Move(cmd.Movement, cmd.Quantity, cmd.Reference, h.now())
	if err != nil {
		return model.FailureFor(err)
	}
	if err := h.Ledger.Append(ctx, ev, version); err != nil {
		return model.FailureFor(err)
	}
	h.publish(ctx, cmd.Meta().CorrelationID, ev)
	return model.Success(map[string]string{"balance": ledger.Balance.Add(ev.Effect).String()})
}

func (h *MoveStockHandler) applyDecreasing(ctx context.Context, cmd model.MoveStockCommand) model.CommandResult {
	g, err := h.NewGuard(ctx)
	if err != nil {
		return model.Failure(model.CodeInternalError)
	}
	defer g.Close()
	keys := lockkey.ForLocations([]lockkey.LedgerKey{
		{WarehouseID: cmd.WarehouseID, Location: cmd.Location, SKU: cmd.SKU},
	})
	if err := g.Acquire(ctx, keys); err != nil {
		return model.Failure(model.CodeInternalError)
	}

	ledger, version, err := h.Ledger.Load(ctx, cmd.WarehouseID, cmd.Location, cmd.SKU)
	if err != nil {
		return model.FailureFor(err)
	}
	ev, err := ledger.Move(cmd.Movement, cmd.Quantity, cmd.Reference, h.now())
	if err != nil {
		return model.FailureFor(err)
	}
	hardSum, err := h.HardLocks.HardLockedQty(ctx, cmd.WarehouseID, cmd.Location, cmd.SKU)
	if err != nil {
		return model.Failure(model.CodeInternalError)
	}
	if ledger.Balance.Add(ev.Effect).LessThan(hardSum) {
		return model.Failure(model.CodeHardLockConflict)
	}
	if err := h.Ledger.Append(ctx, ev, version); err != nil {
		return model.FailureFor(err)
	}
	if err := g.Commit(ctx); err != nil {
		log.Printf("move-stock: release guard: %v", err)
	}
	h.publish(ctx, cmd.Meta().CorrelationID, ev)
	return model.Success(map[string]string{"balance": ledger.Balance.Add(ev.Effect).String()})
}

func (h *MoveStockHandler) publish(ctx context.Context, correlationID string, ev model.StockMoved) {
	if h.Publisher == nil {
		return
	}
	msg := queue.StockMovedMessage{CorrelationID: correlationID, Event: ev}
	if err := h.Publisher.Publish(ctx, queue.StockEventsQueue, msg); err != nil {
		log.Printf("move-stock: publish event: %v", err)
	}
}
