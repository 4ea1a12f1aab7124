// Package command wires the uniform handling pipeline every inbound
// command passes through: an ordered chain of decorators (idempotency,
// validation, logging) around the command's handler, each satisfying the
// same Handle(ctx, cmd) -> result capability.  The chain is composed
// explicitly at startup; there is no reflection-driven dispatch.
package command

import (
	"context"
	"log"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

// Handler is the uniform command handling capability.
type Handler interface {
	Handle(ctx context.Context, cmd model.Command) model.CommandResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd model.Command) model.CommandResult

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd model.Command) model.CommandResult {
	return f(ctx, cmd)
}

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain composes the middleware around h, first middleware outermost, so
// Chain(h, A, B) runs A -> B -> h.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// ClaimStore is the slice of the processed-command ledger the idempotency
// middleware needs.
type ClaimStore interface {
	TryStart(ctx context.Context, commandID, commandType string) (repository.ClaimOutcome, error)
	Complete(ctx context.Context, commandID string) error
	Fail(ctx context.Context, commandID, errorCode string) error
}

// Idempotency claims the command id before the handler runs and settles
// the claim afterwards.  A duplicate of a successful command
// short-circuits with the idempotent success; a concurrent duplicate is
// rejected without executing the handler.
func Idempotency(store ClaimStore) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd model.Command) model.CommandResult {
			meta := cmd.Meta()
			outcome, err := store.TryStart(ctx, meta.CommandID, cmd.CommandType())
			if err != nil {
				return model.Failure(model.CodeInternalError)
			}
			switch outcome {
			case repository.ClaimAlreadyCompleted:
				return model.CommandResult{OK: true, ErrorCode: model.CodeIdempotencyAlreadyProcessed}
			case repository.ClaimInProgress:
				return model.Failure(model.CodeIdempotencyInProgress)
			}

			res := next.Handle(ctx, cmd)
			if res.OK {
				if err := store.Complete(ctx, meta.CommandID); err != nil {
					log.Printf("pipeline: complete claim %s: %v", meta.CommandID, err)
				}
			} else {
				if err := store.Fail(ctx, meta.CommandID, res.ErrorCode); err != nil {
					log.Printf("pipeline: fail claim %s: %v", meta.CommandID, err)
				}
			}
			return res
		})
	}
}

// Validation rejects malformed commands before they reach the handler.
func Validation() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd model.Command) model.CommandResult {
			if err := cmd.Validate(); err != nil {
				return model.FailureFor(err)
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// Logging logs one line per command with its outcome and duration.
func Logging() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd model.Command) model.CommandResult {
			start := time.Now()
			res := next.Handle(ctx, cmd)
			meta := cmd.Meta()
			if res.OK {
				log.Printf("command: %s id=%s correlation=%s ok in %s",
					cmd.CommandType(), meta.CommandID, meta.CorrelationID, time.Since(start))
			} else {
				log.Printf("command: %s id=%s correlation=%s failed code=%s in %s",
					cmd.CommandType(), meta.CommandID, meta.CorrelationID, res.ErrorCode, time.Since(start))
			}
			return res
		})
	}
}

// Dispatcher routes commands to their registered handler through a shared
// middleware chain.
type Dispatcher struct {
	handlers map[string]Handler
	mw       []Middleware
}

// NewDispatcher returns a dispatcher applying the given middleware, in
// order, around every registered handler.
func NewDispatcher(mw ...Middleware) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), mw: mw}
}

// Register binds a handler to a command type.
func (d *Dispatcher) Register(commandType string, h Handler) {
	d.handlers[commandType] = Chain(h, d.mw...)
}

// Dispatch runs the command through its chain.  Unknown command types are
// a validation error.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.Command) model.CommandResult {
	h, ok := d.handlers[cmd.CommandType()]
	if !ok {
		return model.Failure(model.CodeValidationError)
	}
	return h.Handle(ctx, cmd)
}
