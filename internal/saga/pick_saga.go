// Package saga runs the deferred consumption step of a pick.  The pick
// handler commits stock movements synchronously; when the inline
// consumption attempt fails, it enqueues a ConsumptionRequested message
// and this saga drives the retries.
package saga

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
)

// attempt outcomes.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// decide maps one failed-or-successful attempt onto the saga's next
// step.  retryCount is the count carried by the incoming message, i.e.
// the number of failures before this attempt.
func decide(err error, retryCount, maxRetries int) outcome {
	if err == nil {
		return outcomeDone
	}
	if retryCount+1 >= maxRetries {
		return outcomeDeadLetter
	}
	return outcomeRetry
}

// ConsumptionExecutor is the consumption step itself.
// handler.ReservationConsumer satisfies it.
type ConsumptionExecutor interface {
	Consume(ctx context.Context, correlationID, reservationID string) error
}

// PickSaga consumes pick.consumption messages and retries the
// consumption step up to MaxRetries attempts in total.  On exhaustion it
// emits exactly one ConsumptionPermanentlyFailed message to the failed
// queue and stops; the orphaned HARD lock left behind is surfaced by the
// consistency checks.
type PickSaga struct {
	Executor   ConsumptionExecutor
	Publisher  queue.Publisher
	MaxRetries int
	Now        func() time.Time
}

func (s *PickSaga) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *PickSaga) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 3
}

// HandleMessage processes one ConsumptionRequested delivery.  It always
// returns nil so the broker acks: retries travel as fresh messages with
// an incremented count, never via broker redelivery, which keeps the
// retry budget exact under the at-least-once contract.
func (s *PickSaga) HandleMessage(body []byte) error {
	var req queue.ConsumptionRequested
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("pick-saga: drop malformed message: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.Executor.Consume(ctx, req.CorrelationID, req.ReservationID)
	switch decide(err, req.RetryCount, s.maxRetries()) {
	case outcomeDone:
		if req.RetryCount > 0 {
			log.Printf("pick-saga: consumed %s after %d retries", req.ReservationID, req.RetryCount)
		}
	case outcomeRetry:
		log.Printf("pick-saga: consumption of %s failed (attempt %d): %v", req.ReservationID, req.RetryCount+1, err)
		next := queue.ConsumptionRequested{
			CorrelationID: req.CorrelationID,
			ReservationID: req.ReservationID,
			RetryCount:    req.RetryCount + 1,
			RequestedAt:   s.now(),
		}
		if perr := s.Publisher.Publish(ctx, queue.PickConsumptionQueue, next); perr != nil {
			// Dropped retry chain; the stale-reservation check picks it up.
			log.Printf("pick-saga: requeue %s: %v", req.ReservationID, perr)
			return nil
		}
		fail := queue.ConsumptionFailed{
			CorrelationID: req.CorrelationID,
			ReservationID: req.ReservationID,
			RetryCount:    req.RetryCount + 1,
			ErrorCode:     model.CodeFor(err),
			FailedAt:      s.now(),
		}
		if perr := s.Publisher.Publish(ctx, queue.ReservationEventsQueue, queue.ReservationEventMessage{
			CorrelationID: req.CorrelationID,
			ReservationID: req.ReservationID,
			EventType:     "ConsumptionFailed",
			Event:         fail,
		}); perr != nil {
			log.Printf("pick-saga: publish failure event for %s: %v", req.ReservationID, perr)
		}
	case outcomeDeadLetter:
		log.Printf("pick-saga: consumption of %s permanently failed after %d attempts: %v", req.ReservationID, req.RetryCount+1, err)
		dead := queue.ConsumptionPermanentlyFailed{
			CorrelationID: req.CorrelationID,
			ReservationID: req.ReservationID,
			RetryCount:    req.RetryCount + 1,
			ErrorCode:     model.CodeFor(err),
			FailedAt:      s.now(),
		}
		if perr := s.Publisher.Publish(ctx, queue.PickConsumptionFailedQueue, dead); perr != nil {
			log.Printf("pick-saga: dead-letter %s: %v", req.ReservationID, perr)
		}
	}
	return nil
}
