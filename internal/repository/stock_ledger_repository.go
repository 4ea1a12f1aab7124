package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iliyamo/warehouse-stock-ledger/internal/eventstore"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// StockLedgerRepo loads and appends stock ledger streams.  A ledger is
// never created explicitly: the first event creates the stream, and a
// stream with no events loads as a zero-balance aggregate at version 0.
type StockLedgerRepo struct {
	store *eventstore.Store
}

// NewStockLedgerRepo returns a repo over the given event store.
func NewStockLedgerRepo(store *eventstore.Store) *StockLedgerRepo {
	return &StockLedgerRepo{store: store}
}

// Load replays the ledger stream for the key and returns the folded
// aggregate together with its current version.
func (r *StockLedgerRepo) Load(ctx context.Context, warehouseID, location, sku string) (*model.StockLedger, int, error) {
	streamID := model.LedgerStreamID(warehouseID, location, sku)
	records, err := r.store.Load(ctx, streamID)
	if err != nil {
		return nil, 0, err
	}
	ledger := model.NewStockLedger(warehouseID, location, sku)
	version := 0
	for _, rec := range records {
		var ev model.StockMoved
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return nil, 0, fmt.Errorf("ledger %s: decode event v%d: %w", streamID, rec.Version, err)
		}
		ledger.Apply(ev)
		version = rec.Version
	}
	return ledger, version, nil
}

// Append writes a StockMoved event iff the stream is still at
// expectedVersion.  Balance-decreasing appends must happen while the
// caller holds the balance guard lock for the key.
func (r *StockLedgerRepo) Append(ctx context.Context, ev model.StockMoved, expectedVersion int) error {
	streamID := model.LedgerStreamID(ev.WarehouseID, ev.Location, ev.SKU)
	return r.store.Append(ctx, streamID, expectedVersion,
		model.EventTypeStockMoved, ev, ev.SchemaVersion, ev.OccurredAt)
}

// ListMovements returns the full movement history for a key in stream
// order.  Used by the movement history query surface.
func (r *StockLedgerRepo) ListMovements(ctx context.Context, warehouseID, location, sku string) ([]model.StockMoved, error) {
	records, err := r.store.Load(ctx, model.LedgerStreamID(warehouseID, location, sku))
	if err != nil {
		return nil, err
	}
	out := make([]model.StockMoved, 0, len(records))
	for _, rec := range records {
		var ev model.StockMoved
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode movement v%d: %w", rec.Version, err)
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = rec.OccurredAt
		}
		out = append(out, ev)
	}
	return out, nil
}
