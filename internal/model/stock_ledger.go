package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType classifies a stock movement.  Inbound types add to the
// ledger balance; every other type decreases it and must run under the
// balance guard lock for its key.
type MovementType string

const (
	MovementReceipt       MovementType = "RECEIPT"
	MovementTransferIn    MovementType = "TRANSFER_IN"
	MovementAdjustmentIn  MovementType = "ADJUSTMENT_IN"
	MovementPick          MovementType = "PICK"
	MovementTransferOut   MovementType = "TRANSFER_OUT"
	MovementDispatch      MovementType = "DISPATCH"
	MovementAdjustmentOut MovementType = "ADJUSTMENT_OUT"
)

// Inbound reports whether the movement adds stock.
func (t MovementType) Inbound() bool {
	switch t {
	case MovementReceipt, MovementTransferIn, MovementAdjustmentIn:
		return true
	}
	return false
}

// Known reports whether the movement type is part of the taxonomy.
func (t MovementType) Known() bool {
	switch t {
	case MovementReceipt, MovementTransferIn, MovementAdjustmentIn,
		MovementPick, MovementTransferOut, MovementDispatch, MovementAdjustmentOut:
		return true
	}
	return false
}

// StockMovedSchemaVersion is stamped on every StockMoved payload so
// projectors can evolve the schema without re-reading aggregate state.
const StockMovedSchemaVersion = 1

// EventTypeStockMoved is the stored event type for ledger streams.
const EventTypeStockMoved = "StockMoved"

// StockMoved is the single event type of the stock ledger stream.  Effect
// is the signed quantity applied to the balance; it is carried on the
// event so replay never needs to re-derive movement semantics.
type StockMoved struct {
	WarehouseID   string          `json:"warehouse_id"`
	Location      string          `json:"location"`
	SKU           string          `json:"sku"`
	MovementType  MovementType    `json:"movement_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Effect        decimal.Decimal `json:"effect"`
	Reference     string          `json:"reference,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

const ledgerStreamPrefix = "stock-ledger:"

// LedgerStreamID builds the canonical stream id for a ledger key:
// "stock-ledger:{warehouseId}:{location}:{sku}".
func LedgerStreamID(warehouseID, location, sku string) string {
	return fmt.Sprintf("%s%s:%s:%s", ledgerStreamPrefix, warehouseID, location, sku)
}

// ParseLedgerStreamID splits a ledger stream id back into its key parts.
// Any other shape is rejected with ErrValidation.
func ParseLedgerStreamID(streamID string) (warehouseID, location, sku string, err error) {
	if !strings.HasPrefix(streamID, ledgerStreamPrefix) {
		return "", "", "", fmt.Errorf("%w: bad stream id %q", ErrValidation, streamID)
	}
	parts := strings.Split(strings.TrimPrefix(streamID, ledgerStreamPrefix), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: bad stream id %q", ErrValidation, streamID)
	}
	return parts[0], parts[1], parts[2], nil
}

// StockLedger is the event-sourced aggregate for a single
// (warehouse, location, sku) stream.  Its only state is the running
// balance, derived by folding StockMoved events in version order.  A
// fresh (never written) stream folds to a zero balance.
type StockLedger struct {
	WarehouseID string
	Location    string
	SKU         string
	Balance     decimal.Decimal
}

// NewStockLedger returns a zero-balance ledger for the given key.
func NewStockLedger(warehouseID, location, sku string) *StockLedger {
	return &StockLedger{
		WarehouseID: warehouseID,
		Location:    location,
		SKU:         sku,
		Balance:     decimal.Zero,
	}
}

// Apply folds a single event into the aggregate.  Replay is a plain fold
// over the stream with no hidden control flow.
func (l *StockLedger) Apply(ev StockMoved) {
	l.Balance = l.Balance.Add(ev.Effect)
}

// Move validates and produces a StockMoved event without mutating the
// aggregate.  Balance-decreasing movements that would take the balance
// below zero are rejected with ErrInsufficientBalance before any append
// happens.  Callers of balance-decreasing movements must hold the balance
// guard lock for this ledger's key.
func (l *StockLedger) Move(t MovementType, qty decimal.Decimal, reference string, now time.Time) (StockMoved, error) {
	if !t.Known() || !qty.IsPositive() {
		return StockMoved{}, ErrValidation
	}
	effect := qty
	if !t.Inbound() {
		effect = qty.Neg()
		if l.Balance.Add(effect).IsNegative() {
			return StockMoved{}, fmt.Errorf("%w: balance %s, movement %s %s",
				ErrInsufficientBalance, l.Balance, t, qty)
		}
	}
	return StockMoved{
		WarehouseID:   l.WarehouseID,
		Location:      l.Location,
		SKU:           l.SKU,
		MovementType:  t,
		Quantity:      qty,
		Effect:        effect,
		Reference:     reference,
		SchemaVersion: StockMovedSchemaVersion,
		OccurredAt:    now.UTC(),
	}, nil
}
