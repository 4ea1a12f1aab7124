package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
)

type fakeExecutor struct {
	errs  []error
	calls int
}

func (f *fakeExecutor) Consume(ctx context.Context, correlationID, reservationID string) error {
	i := f.calls
	f.calls++
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

type published struct {
	queue   string
	payload interface{}
}

type fakePublisher struct {
	msgs []published
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, payload interface{}) error {
	f.msgs = append(f.msgs, published{queue: queueName, payload: payload})
	return nil
}

func (f *fakePublisher) byQueue(name string) []published {
	var out []published
	for _, m := range f.msgs {
		if m.queue == name {
			out = append(out, m)
		}
	}
	return out
}

func request(t *testing.T, retryCount int) []byte {
	t.Helper()
	body, err := json.Marshal(queue.ConsumptionRequested{
		CorrelationID: "corr-1",
		ReservationID: "res-1",
		RetryCount:    retryCount,
		RequestedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestDecide(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name       string
		err        error
		retryCount int
		want       outcome
	}{
		{"success", nil, 0, outcomeDone},
		{"success on last attempt", nil, 2, outcomeDone},
		{"first failure retries", boom, 0, outcomeRetry},
		{"second failure retries", boom, 1, outcomeRetry},
		{"third failure dead letters", boom, 2, outcomeDeadLetter},
		{"beyond budget dead letters", boom, 5, outcomeDeadLetter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := decide(tc.err, tc.retryCount, 3); got != tc.want {
				t.Fatalf("decide(%v, %d) = %v, want %v", tc.err, tc.retryCount, got, tc.want)
			}
		})
	}
}

func TestHandleMessageSuccessPublishesNothing(t *testing.T) {
	pub := &fakePublisher{}
	s := &PickSaga{Executor: &fakeExecutor{}, Publisher: pub, MaxRetries: 3}

	if err := s.HandleMessage(request(t, 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("expected no publishes, got %d", len(pub.msgs))
	}
}

func TestHandleMessageFailureRepublishesWithIncrementedCount(t *testing.T) {
	pub := &fakePublisher{}
	s := &PickSaga{
		Executor:   &fakeExecutor{errs: []error{errors.New("deadlock")}},
		Publisher:  pub,
		MaxRetries: 3,
	}

	if err := s.HandleMessage(request(t, 0)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	retries := pub.byQueue(queue.PickConsumptionQueue)
	if len(retries) != 1 {
		t.Fatalf("expected 1 retry message, got %d", len(retries))
	}
	next, ok := retries[0].payload.(queue.ConsumptionRequested)
	if !ok {
		t.Fatalf("unexpected payload type %T", retries[0].payload)
	}
	if next.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", next.RetryCount)
	}
	if next.ReservationID != "res-1" || next.CorrelationID != "corr-1" {
		t.Fatalf("retry message lost identifiers: %+v", next)
	}
	if dead := pub.byQueue(queue.PickConsumptionFailedQueue); len(dead) != 0 {
		t.Fatalf("dead-lettered before budget exhausted")
	}
}

func TestHandleMessageExhaustionDeadLettersExactlyOnce(t *testing.T) {
	pub := &fakePublisher{}
	s := &PickSaga{
		Executor:   &fakeExecutor{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}},
		Publisher:  pub,
		MaxRetries: 3,
	}

	// Drive the full chain the way the consumer would: each retry message
	// is fed back in until the saga stops producing them.
	body := request(t, 0)
	for i := 0; i < 10; i++ {
		if err := s.HandleMessage(body); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		retries := pub.byQueue(queue.PickConsumptionQueue)
		if len(retries) <= i {
			break
		}
		b, err := json.Marshal(retries[i].payload)
		if err != nil {
			t.Fatalf("marshal retry: %v", err)
		}
		body = b
	}

	if got := len(pub.byQueue(queue.PickConsumptionQueue)); got != 2 {
		t.Fatalf("expected 2 retry messages, got %d", got)
	}
	dead := pub.byQueue(queue.PickConsumptionFailedQueue)
	if len(dead) != 1 {
		t.Fatalf("expected exactly 1 dead letter, got %d", len(dead))
	}
	msg, ok := dead[0].payload.(queue.ConsumptionPermanentlyFailed)
	if !ok {
		t.Fatalf("unexpected payload type %T", dead[0].payload)
	}
	if msg.RetryCount != 3 {
		t.Fatalf("dead letter RetryCount = %d, want 3", msg.RetryCount)
	}
	if s.Executor.(*fakeExecutor).calls != 3 {
		t.Fatalf("executor called %d times, want 3", s.Executor.(*fakeExecutor).calls)
	}
}

func TestHandleMessageDropsMalformedBody(t *testing.T) {
	pub := &fakePublisher{}
	s := &PickSaga{Executor: &fakeExecutor{}, Publisher: pub, MaxRetries: 3}

	if err := s.HandleMessage([]byte("{not json")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("expected no publishes for malformed body")
	}
}
