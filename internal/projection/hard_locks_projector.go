// Package projection maintains the active_hard_locks read model: a bus
// projector that keeps it current and a rebuild service that
// reconstructs it from the event streams with a checksum-verified shadow
// swap.
package projection

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

// HardLockWriter is the read-model slice the projector mutates.
// repository.ActiveHardLocksRepo satisfies it.
type HardLockWriter interface {
	UpsertLines(ctx context.Context, reservationID string, lines []model.HardLockLine) error
	ReleaseLines(ctx context.Context, reservationID string, released []model.HardLockLine) error
}

// HardLocksProjector consumes reservation.events and folds them into the
// active_hard_locks table.  Command handlers already apply these updates
// inline inside the guarded section; the projector re-applies them
// idempotently so other instances and recovered consumers converge.
type HardLocksProjector struct {
	Writer HardLockWriter
}

// HandleMessage applies one reservation event to the read model.
// Unknown event types ack cleanly; the bus carries events this
// projection does not care about.
func (p *HardLocksProjector) HandleMessage(body []byte) error {
	var msg struct {
		ReservationID string          `json:"reservation_id"`
		EventType     string          `json:"event_type"`
		Event         json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("hard-locks-projector: drop malformed message: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.apply(ctx, msg.ReservationID, msg.EventType, msg.Event)
}

func (p *HardLocksProjector) apply(ctx context.Context, reservationID, eventType string, payload json.RawMessage) error {
	decoded, err := repository.DecodeReservationEvent(eventType, payload)
	if err != nil {
		// Not a reservation stream event (e.g. ConsumptionFailed).
		return nil
	}
	switch ev := decoded.(type) {
	case model.PickingStarted:
		return p.Writer.UpsertLines(ctx, reservationID, ev.HardLockLines)
	case model.ReservationConsumedEvent:
		return p.Writer.ReleaseLines(ctx, reservationID, ev.ReleasedLines)
	case model.ReservationCancelledEvent:
		if len(ev.ReleasedLines) == 0 {
			return nil
		}
		return p.Writer.ReleaseLines(ctx, reservationID, ev.ReleasedLines)
	}
	return nil
}

// Start wires the projector to the reservation events queue with the
// shared reconnecting consumer.
func (p *HardLocksProjector) Start() {
	go func() {
		if err := queue.StartConsumer(queue.ReservationEventsQueue, p.HandleMessage); err != nil {
			log.Printf("hard-locks-projector: consumer stopped: %v", err)
		}
	}()
}
