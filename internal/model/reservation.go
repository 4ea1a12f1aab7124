package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState enumerates the reservation lifecycle.
// Created -> SoftAllocated -> HardLocked -> {Consumed | Cancelled}.
// A SoftAllocated reservation may also be Cancelled or Bumped.  Consumed,
// Cancelled and Bumped accept no further transitions.
type ReservationState string

const (
	ReservationCreated       ReservationState = "CREATED"
	ReservationSoftAllocated ReservationState = "SOFT_ALLOCATED"
	ReservationHardLocked    ReservationState = "HARD_LOCKED"
	ReservationConsumed      ReservationState = "CONSUMED"
	ReservationCancelled     ReservationState = "CANCELLED"
	ReservationBumped        ReservationState = "BUMPED"
)

// Terminal reports whether the state accepts no further transitions.
func (s ReservationState) Terminal() bool {
	return s == ReservationConsumed || s == ReservationCancelled || s == ReservationBumped
}

// RequestedLine is a line of the original reservation request.
type RequestedLine struct {
	SKU      string          `json:"sku"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Allocation pins requested quantity to a concrete location, with the
// handling units contributing to it.
type Allocation struct {
	WarehouseID     string          `json:"warehouse_id"`
	Location        string          `json:"location"`
	SKU             string          `json:"sku"`
	Quantity        decimal.Decimal `json:"quantity"`
	HandlingUnitIDs []string        `json:"handling_unit_ids,omitempty"`
}

// HardLockLine is the quantity a reservation holds under HARD lock for
// one ledger key.  It is carried inline on every event that creates or
// releases hard locks so read models apply events without re-querying
// aggregate state.
type HardLockLine struct {
	WarehouseID   string          `json:"warehouse_id"`
	Location      string          `json:"location"`
	SKU           string          `json:"sku"`
	HardLockedQty decimal.Decimal `json:"hard_locked_qty"`
}

// ConsumedLine records the quantity actually consumed from one key.
type ConsumedLine struct {
	WarehouseID string          `json:"warehouse_id"`
	Location    string          `json:"location"`
	SKU         string          `json:"sku"`
	ConsumedQty decimal.Decimal `json:"consumed_qty"`
}

// Stored event types for reservation streams.
const (
	EventTypeReservationRequested = "ReservationRequested"
	EventTypeStockAllocated       = "StockAllocated"
	EventTypePickingStarted       = "PickingStarted"
	EventTypeReservationConsumed  = "ReservationConsumed"
	EventTypeReservationCancelled = "ReservationCancelled"
	EventTypeReservationBumped    = "ReservationBumped"
)

// LockTypeSoft marks an allocation that does not yet count against the
// hard-lock invariant.
const LockTypeSoft = "SOFT"

type ReservationRequested struct {
	ReservationID string          `json:"reservation_id"`
	Priority      int             `json:"priority"`
	Requested     []RequestedLine `json:"requested"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type StockAllocated struct {
	ReservationID string       `json:"reservation_id"`
	LockType      string       `json:"lock_type"`
	Allocations   []Allocation `json:"allocations"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

type PickingStarted struct {
	ReservationID string         `json:"reservation_id"`
	HardLockLines []HardLockLine `json:"hard_lock_lines"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

type ReservationConsumedEvent struct {
	ReservationID string         `json:"reservation_id"`
	Consumed      []ConsumedLine `json:"consumed"`
	ReleasedLines []HardLockLine `json:"released_lines"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

type ReservationCancelledEvent struct {
	ReservationID string         `json:"reservation_id"`
	Reason        string         `json:"reason"`
	ReleasedLines []HardLockLine `json:"released_lines"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

type ReservationBumpedEvent struct {
	ReservationID      string    `json:"reservation_id"`
	ByReservationID    string    `json:"by_reservation_id"`
	ByPriority         int       `json:"by_priority"`
	TransferredHUs     []string  `json:"transferred_handling_unit_ids,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// ReservationStreamID builds the stream id for a reservation aggregate.
func ReservationStreamID(reservationID string) string {
	return "reservation:" + reservationID
}

// Reservation is the event-sourced reservation aggregate.  All transition
// methods are pure in the event-sourcing sense: they validate against
// current state and return the event to append, leaving mutation to
// Apply during replay.
type Reservation struct {
	ID          string
	State       ReservationState
	Priority    int
	Requested   []RequestedLine
	Allocations []Allocation
	HardLocked  []HardLockLine
}

// NewReservationRequested produces the creation event for a reservation.
func NewReservationRequested(id string, priority int, requested []RequestedLine, now time.Time) (ReservationRequested, error) {
	if id == "" || len(requested) == 0 {
		return ReservationRequested{}, ErrValidation
	}
	return ReservationRequested{
		ReservationID: id,
		Priority:      priority,
		Requested:     requested,
		OccurredAt:    now.UTC(),
	}, nil
}

// Allocate SOFT-allocates stock for a freshly created reservation.
func (r *Reservation) Allocate(allocs []Allocation, now time.Time) (StockAllocated, error) {
	if r.State != ReservationCreated {
		return StockAllocated{}, fmt.Errorf("%w: allocate in state %s", ErrInvalidTransition, r.State)
	}
	if len(allocs) == 0 {
		return StockAllocated{}, ErrValidation
	}
	return StockAllocated{
		ReservationID: r.ID,
		LockType:      LockTypeSoft,
		Allocations:   allocs,
		OccurredAt:    now.UTC(),
	}, nil
}

// StartPicking transitions SoftAllocated to HardLocked.  The hard-lock
// lines are derived from the allocations and inlined on the event.  The
// caller must hold the balance guard lock for every line's key and must
// have validated headroom against the ledger balance first.
func (r *Reservation) StartPicking(now time.Time) (PickingStarted, error) {
	if r.State != ReservationSoftAllocated {
		return PickingStarted{}, fmt.Errorf("%w: start picking in state %s", ErrInvalidTransition, r.State)
	}
	lines := make([]HardLockLine, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		lines = append(lines, HardLockLine{
			WarehouseID:   a.WarehouseID,
			Location:      a.Location,
			SKU:           a.SKU,
			HardLockedQty: a.Quantity,
		})
	}
	return PickingStarted{
		ReservationID: r.ID,
		HardLockLines: lines,
		OccurredAt:    now.UTC(),
	}, nil
}

// Consume terminates a HardLocked reservation, recording the consumed
// quantities and releasing the hard-locked lines for read-model upkeep.
func (r *Reservation) Consume(now time.Time) (ReservationConsumedEvent, error) {
	if r.State != ReservationHardLocked {
		return ReservationConsumedEvent{}, fmt.Errorf("%w: consume in state %s", ErrInvalidTransition, r.State)
	}
	consumed := make([]ConsumedLine, 0, len(r.HardLocked))
	for _, l := range r.HardLocked {
		consumed = append(consumed, ConsumedLine{
			WarehouseID: l.WarehouseID,
			Location:    l.Location,
			SKU:         l.SKU,
			ConsumedQty: l.HardLockedQty,
		})
	}
	return ReservationConsumedEvent{
		ReservationID: r.ID,
		Consumed:      consumed,
		ReleasedLines: append([]HardLockLine(nil), r.HardLocked...),
		OccurredAt:    now.UTC(),
	}, nil
}

// Cancel terminates a SoftAllocated or HardLocked reservation, releasing
// any hard-locked lines.
func (r *Reservation) Cancel(reason string, now time.Time) (ReservationCancelledEvent, error) {
	if r.State != ReservationSoftAllocated && r.State != ReservationHardLocked {
		return ReservationCancelledEvent{}, fmt.Errorf("%w: cancel in state %s", ErrInvalidTransition, r.State)
	}
	return ReservationCancelledEvent{
		ReservationID: r.ID,
		Reason:        reason,
		ReleasedLines: append([]HardLockLine(nil), r.HardLocked...),
		OccurredAt:    now.UTC(),
	}, nil
}

// Bump displaces a SoftAllocated reservation in favor of a strictly
// higher-priority one, transferring its handling units.  The displaced
// reservation is terminal afterwards.
func (r *Reservation) Bump(byReservationID string, byPriority int, now time.Time) (ReservationBumpedEvent, error) {
	if r.State != ReservationSoftAllocated {
		return ReservationBumpedEvent{}, fmt.Errorf("%w: bump in state %s", ErrInvalidTransition, r.State)
	}
	if byReservationID == "" || byReservationID == r.ID {
		return ReservationBumpedEvent{}, ErrValidation
	}
	if byPriority <= r.Priority {
		return ReservationBumpedEvent{}, fmt.Errorf("%w: bump by priority %d does not exceed %d", ErrValidation, byPriority, r.Priority)
	}
	var hus []string
	for _, a := range r.Allocations {
		hus = append(hus, a.HandlingUnitIDs...)
	}
	return ReservationBumpedEvent{
		ReservationID:   r.ID,
		ByReservationID: byReservationID,
		ByPriority:      byPriority,
		TransferredHUs:  hus,
		OccurredAt:      now.UTC(),
	}, nil
}

// Apply folds one event into the aggregate.  The event must be one of the
// reservation event types; anything else is ignored, matching the
// tolerant-reader stance of the projectors.
func (r *Reservation) Apply(ev interface{}) {
	switch e := ev.(type) {
	case ReservationRequested:
		r.ID = e.ReservationID
		r.State = ReservationCreated
		r.Priority = e.Priority
		r.Requested = e.Requested
	case StockAllocated:
		r.State = ReservationSoftAllocated
		r.Allocations = e.Allocations
	case PickingStarted:
		r.State = ReservationHardLocked
		r.HardLocked = e.HardLockLines
	case ReservationConsumedEvent:
		r.State = ReservationConsumed
		r.HardLocked = nil
	case ReservationCancelledEvent:
		r.State = ReservationCancelled
		r.HardLocked = nil
	case ReservationBumpedEvent:
		r.State = ReservationBumped
		r.Allocations = nil
	}
}
