package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/eventstore"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// ReservationSchemaVersion stamps reservation event payloads.
const ReservationSchemaVersion = 1

// ReservationRepo loads and appends reservation streams.
type ReservationRepo struct {
	store *eventstore.Store
}

// NewReservationRepo returns a repo over the given event store.
func NewReservationRepo(store *eventstore.Store) *ReservationRepo {
	return &ReservationRepo{store: store}
}

// Load replays a reservation stream into the aggregate and returns it
// with its current version.  An unknown reservation returns ErrNotFound.
func (r *ReservationRepo) Load(ctx context.Context, reservationID string) (*model.Reservation, int, error) {
	records, err := r.store.Load(ctx, model.ReservationStreamID(reservationID))
	if err != nil {
		return nil, 0, err
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("reservation %s: %w", reservationID, ErrNotFound)
	}
	res := &model.Reservation{}
	version := 0
	for _, rec := range records {
		ev, err := DecodeReservationEvent(rec.EventType, rec.Payload)
		if err != nil {
			return nil, 0, fmt.Errorf("reservation %s: decode v%d: %w", reservationID, rec.Version, err)
		}
		res.Apply(ev)
		version = rec.Version
	}
	return res, version, nil
}

// LastEventAt returns the timestamp of the newest event on the stream.
// Used by the stale-reservation consistency check.
func (r *ReservationRepo) LastEventAt(ctx context.Context, reservationID string) (time.Time, error) {
	records, err := r.store.Load(ctx, model.ReservationStreamID(reservationID))
	if err != nil {
		return time.Time{}, err
	}
	if len(records) == 0 {
		return time.Time{}, fmt.Errorf("reservation %s: %w", reservationID, ErrNotFound)
	}
	return records[len(records)-1].OccurredAt, nil
}

// Append writes a reservation event with the optimistic version check.
// The event type is derived from the payload's concrete type.
func (r *ReservationRepo) Append(ctx context.Context, reservationID string, ev interface{}, expectedVersion int) error {
	eventType, occurredAt, err := reservationEventMeta(ev)
	if err != nil {
		return err
	}
	return r.store.Append(ctx, model.ReservationStreamID(reservationID), expectedVersion,
		eventType, ev, ReservationSchemaVersion, occurredAt)
}

func reservationEventMeta(ev interface{}) (string, time.Time, error) {
	switch e := ev.(type) {
	case model.ReservationRequested:
		return model.EventTypeReservationRequested, e.OccurredAt, nil
	case model.StockAllocated:
		return model.EventTypeStockAllocated, e.OccurredAt, nil
	case model.PickingStarted:
		return model.EventTypePickingStarted, e.OccurredAt, nil
	case model.ReservationConsumedEvent:
		return model.EventTypeReservationConsumed, e.OccurredAt, nil
	case model.ReservationCancelledEvent:
		return model.EventTypeReservationCancelled, e.OccurredAt, nil
	case model.ReservationBumpedEvent:
		return model.EventTypeReservationBumped, e.OccurredAt, nil
	default:
		return "", time.Time{}, fmt.Errorf("unknown reservation event %T", ev)
	}
}

// DecodeReservationEvent maps a stored record back to its typed event.
// Projectors and the rebuild service share this decoder so replay and
// inline application can never disagree on payload shape.
func DecodeReservationEvent(eventType string, payload json.RawMessage) (interface{}, error) {
	switch eventType {
	case model.EventTypeReservationRequested:
		var e model.ReservationRequested
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case model.EventTypeStockAllocated:
		var e model.StockAllocated
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case model.EventTypePickingStarted:
		var e model.PickingStarted
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case model.EventTypeReservationConsumed:
		var e model.ReservationConsumedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case model.EventTypeReservationCancelled:
		var e model.ReservationCancelledEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case model.EventTypeReservationBumped:
		var e model.ReservationBumpedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
