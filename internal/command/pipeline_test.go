package command

import (
	"context"
	"sync"
	"testing"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

// fakeClaimStore mimics the insert-only claiming semantics of the
// processed-command table in memory.
type fakeClaimStore struct {
	mu      sync.Mutex
	records map[string]string // command id -> status
}

func newFakeClaimStore() *fakeClaimStore {
	return &fakeClaimStore{records: make(map[string]string)}
}

func (s *fakeClaimStore) TryStart(_ context.Context, commandID, _ string) (repository.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.records[commandID] {
	case "":
		s.records[commandID] = "IN_PROGRESS"
		return repository.ClaimStarted, nil
	case "SUCCESS":
		return repository.ClaimAlreadyCompleted, nil
	case "IN_PROGRESS":
		return repository.ClaimInProgress, nil
	case "FAILED":
		s.records[commandID] = "IN_PROGRESS"
		return repository.ClaimStarted, nil
	}
	return repository.ClaimInProgress, nil
}

func (s *fakeClaimStore) Complete(_ context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[commandID] = "SUCCESS"
	return nil
}

func (s *fakeClaimStore) Fail(_ context.Context, commandID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[commandID] = "FAILED"
	return nil
}

type testCommand struct {
	model.CommandMeta
	valid bool
}

func (c testCommand) CommandType() string { return "Test" }
func (c testCommand) Validate() error {
	if !c.valid {
		return model.ErrValidation
	}
	return nil
}

func cmd(id string) testCommand {
	return testCommand{CommandMeta: model.CommandMeta{CommandID: id}, valid: true}
}

func TestIdempotency_DuplicateWhileInProgress(t *testing.T) {
	store := newFakeClaimStore()
	release := make(chan struct{})
	started := make(chan struct{})
	h := Chain(HandlerFunc(func(ctx context.Context, c model.Command) model.CommandResult {
		close(started)
		<-release
		return model.Success(nil)
	}), Idempotency(store))

	var firstRes model.CommandResult
	done := make(chan struct{})
	go func() {
		firstRes = h.Handle(context.Background(), cmd("cmd-123"))
		close(done)
	}()
	<-started

	// Second submission with the same id while the first is in flight.
	second := h.Handle(context.Background(), cmd("cmd-123"))
	if second.OK || second.ErrorCode != model.CodeIdempotencyInProgress {
		t.Fatalf("expected IDEMPOTENCY_IN_PROGRESS, got %+v", second)
	}

	close(release)
	<-done
	if !firstRes.OK {
		t.Fatalf("first execution should succeed, got %+v", firstRes)
	}
}

func TestIdempotency_AlreadyCompletedShortCircuits(t *testing.T) {
	store := newFakeClaimStore()
	executions := 0
	h := Chain(HandlerFunc(func(ctx context.Context, c model.Command) model.CommandResult {
		executions++
		return model.Success(nil)
	}), Idempotency(store))

	first := h.Handle(context.Background(), cmd("cmd-1"))
	if !first.OK {
		t.Fatalf("first execution failed: %+v", first)
	}
	second := h.Handle(context.Background(), cmd("cmd-1"))
	if !second.OK || second.ErrorCode != model.CodeIdempotencyAlreadyProcessed {
		t.Fatalf("expected cached success, got %+v", second)
	}
	if executions != 1 {
		t.Fatalf("handler executed %d times, want 1", executions)
	}
}

func TestIdempotency_FailedRecordIsReclaimable(t *testing.T) {
	store := newFakeClaimStore()
	attempt := 0
	h := Chain(HandlerFunc(func(ctx context.Context, c model.Command) model.CommandResult {
		attempt++
		if attempt == 1 {
			return model.Failure(model.CodeConcurrencyConflict)
		}
		return model.Success(nil)
	}), Idempotency(store))

	first := h.Handle(context.Background(), cmd("cmd-2"))
	if first.OK {
		t.Fatalf("first attempt should fail")
	}
	second := h.Handle(context.Background(), cmd("cmd-2"))
	if !second.OK || second.ErrorCode != "" {
		t.Fatalf("retry after failure should execute and succeed, got %+v", second)
	}
	if attempt != 2 {
		t.Fatalf("handler executed %d times, want 2", attempt)
	}
}

func TestValidation_RejectsBeforeHandler(t *testing.T) {
	executed := false
	h := Chain(HandlerFunc(func(ctx context.Context, c model.Command) model.CommandResult {
		executed = true
		return model.Success(nil)
	}), Validation())

	bad := testCommand{CommandMeta: model.CommandMeta{CommandID: "x"}, valid: false}
	res := h.Handle(context.Background(), bad)
	if res.OK || res.ErrorCode != model.CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", res)
	}
	if executed {
		t.Fatal("handler must not run for invalid command")
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, c model.Command) model.CommandResult {
				order = append(order, name)
				return next.Handle(ctx, c)
			})
		}
	}
	h := Chain(HandlerFunc(func(ctx context.Context, c model.Command) model.CommandResult {
		order = append(order, "handler")
		return model.Success(nil)
	}), mk("outer"), mk("inner"))

	h.Handle(context.Background(), cmd("c"))
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d := NewDispatcher()
	res := d.Dispatch(context.Background(), cmd("c"))
	if res.OK || res.ErrorCode != model.CodeValidationError {
		t.Fatalf("expected validation error for unknown command, got %+v", res)
	}
}
