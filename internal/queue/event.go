// Package queue defines the message contracts exchanged over the broker
// and the durable publish/consume primitives the service relies on.  The
// bus contract is at-least-once delivery with a per-message retry count;
// any broker satisfying that contract could replace the RabbitMQ
// implementation.
package queue

import (
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// Queue names.  All queues are durable and messages are persistent.
const (
	// StockEventsQueue carries StockMoved events for downstream read
	// models and integrations.
	StockEventsQueue = "stock.events"
	// ReservationEventsQueue carries reservation lifecycle events; the
	// hard-locks projector consumes it.
	ReservationEventsQueue = "reservation.events"
	// PickConsumptionQueue carries deferred consumption work for the
	// pick saga.
	PickConsumptionQueue = "pick.consumption"
	// PickConsumptionFailedQueue receives the single permanent-failure
	// message once the saga's retry budget is exhausted.
	PickConsumptionFailedQueue = "pick.consumption.failed"
)

// StockMovedMessage is published after a ledger append commits.
type StockMovedMessage struct {
	CorrelationID string           `json:"correlation_id"`
	Event         model.StockMoved `json:"event"`
}

// ReservationEventMessage wraps one reservation event with its stored
// type so consumers can decode the payload without querying the stream.
type ReservationEventMessage struct {
	CorrelationID string      `json:"correlation_id"`
	ReservationID string      `json:"reservation_id"`
	EventType     string      `json:"event_type"`
	Event         interface{} `json:"event"`
}

// ConsumptionRequested defers the consumption step of a pick whose
// movement already committed.  RetryCount is incremented on every failed
// attempt; the saga dead-letters at the retry budget.
type ConsumptionRequested struct {
	CorrelationID string    `json:"correlation_id"`
	ReservationID string    `json:"reservation_id"`
	RetryCount    int       `json:"retry_count"`
	RequestedAt   time.Time `json:"requested_at"`
}

// ConsumptionFailed reports one failed consumption attempt.
type ConsumptionFailed struct {
	CorrelationID string    `json:"correlation_id"`
	ReservationID string    `json:"reservation_id"`
	RetryCount    int       `json:"retry_count"`
	ErrorCode     string    `json:"error_code"`
	FailedAt      time.Time `json:"failed_at"`
}

// ConsumptionPermanentlyFailed is emitted exactly once when the saga
// exhausts its retries.  The orphaned HARD lock it leaves behind is
// surfaced by the consistency checks for manual remediation.
type ConsumptionPermanentlyFailed struct {
	CorrelationID string    `json:"correlation_id"`
	ReservationID string    `json:"reservation_id"`
	RetryCount    int       `json:"retry_count"`
	ErrorCode     string    `json:"error_code"`
	FailedAt      time.Time `json:"failed_at"`
}
