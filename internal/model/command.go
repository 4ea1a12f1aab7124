package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CommandMeta carries the identity fields every inbound command must
// supply.  CommandID is the deduplication key for idempotent claiming;
// CorrelationID groups every message produced on behalf of the original
// request (the saga correlates by it); CausationID names the message that
// directly caused this command.
type CommandMeta struct {
	CommandID     string `json:"command_id"`
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id"`
}

// Command is the uniform capability every command type satisfies so the
// pipeline middleware can claim, validate and log it without knowing the
// concrete type.
type Command interface {
	Meta() CommandMeta
	CommandType() string
	Validate() error
}

// Meta implements half of the Command interface for every command that
// embeds CommandMeta.
func (m CommandMeta) Meta() CommandMeta { return m }

func (m CommandMeta) validate() error {
	if strings.TrimSpace(m.CommandID) == "" {
		return ErrValidation
	}
	return nil
}

// CommandResult is the uniform outcome of command handling.  A failed
// result carries exactly one stable error code and never an internal
// message.  MovementCommitted/ConsumptionPending describe the partial
// success of a pick whose movement landed but whose consumption was
// deferred to the saga.
type CommandResult struct {
	OK                 bool        `json:"ok"`
	ErrorCode          string      `json:"error_code,omitempty"`
	MovementCommitted  bool        `json:"movement_committed,omitempty"`
	ConsumptionPending bool        `json:"consumption_pending,omitempty"`
	Payload            interface{} `json:"payload,omitempty"`
}

// Success returns a fully successful result carrying an optional payload.
func Success(payload interface{}) CommandResult {
	return CommandResult{OK: true, Payload: payload}
}

// Failure returns a failed result with the given stable error code.
func Failure(code string) CommandResult {
	return CommandResult{OK: false, ErrorCode: code}
}

// FailureFor translates a domain error into a failed result.
func FailureFor(err error) CommandResult { return Failure(CodeFor(err)) }

// ---- command types ----

// MoveStockCommand records a stock movement on a single ledger key.
// Inbound movement types add to the balance; all others decrease it and
// therefore run under the balance guard lock.
type MoveStockCommand struct {
	CommandMeta
	WarehouseID string          `json:"warehouse_id"`
	Location    string          `json:"location"`
	SKU         string          `json:"sku"`
	Movement    MovementType    `json:"movement_type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reference   string          `json:"reference,omitempty"`
}

func (c MoveStockCommand) CommandType() string { return "MoveStock" }

func (c MoveStockCommand) Validate() error {
	if err := c.CommandMeta.validate(); err != nil {
		return err
	}
	if c.WarehouseID == "" || c.Location == "" || c.SKU == "" {
		return ErrValidation
	}
	if !c.Movement.Known() {
		return ErrValidation
	}
	if !c.Quantity.IsPositive() {
		return ErrValidation
	}
	return nil
}

// ReserveStockCommand creates a reservation and SOFT-allocates stock
// against concrete locations.
type ReserveStockCommand struct {
	CommandMeta
	ReservationID string          `json:"reservation_id"`
	Priority      int             `json:"priority"`
	Requested     []RequestedLine `json:"requested"`
	Allocations   []Allocation    `json:"allocations"`
}

func (c ReserveStockCommand) CommandType() string { return "ReserveStock" }

func (c ReserveStockCommand) Validate() error {
	if err := c.CommandMeta.validate(); err != nil {
		return err
	}
	if c.ReservationID == "" || len(c.Requested) == 0 || len(c.Allocations) == 0 {
		return ErrValidation
	}
	for _, l := range c.Requested {
		if l.SKU == "" || !l.Quantity.IsPositive() {
			return ErrValidation
		}
	}
	for _, a := range c.Allocations {
		if a.WarehouseID == "" || a.Location == "" || a.SKU == "" || !a.Quantity.IsPositive() {
			return ErrValidation
		}
	}
	return nil
}

// StartPickingCommand transitions a reservation from SOFT to HARD lock.
// The handler validates headroom against the ledger balance while holding
// the balance guard lock for every allocated (location, sku) pair.
type StartPickingCommand struct {
	CommandMeta
	ReservationID string `json:"reservation_id"`
}

func (c StartPickingCommand) CommandType() string { return "StartPicking" }

func (c StartPickingCommand) Validate() error {
	if err := c.CommandMeta.validate(); err != nil {
		return err
	}
	if c.ReservationID == "" {
		return ErrValidation
	}
	return nil
}

// PickStockCommand commits the pick movement for a HARD-locked
// reservation and consumes it.  Consumption may be deferred to the saga.
type PickStockCommand struct {
	CommandMeta
	ReservationID string `json:"reservation_id"`
}

func (c PickStockCommand) CommandType() string { return "PickStock" }

func (c PickStockCommand) Validate() error {
	if err := c.CommandMeta.validate(); err != nil {
		return err
	}
	if c.ReservationID == "" {
		return ErrValidation
	}
	return nil
}

// CancelReservationCommand cancels a SOFT- or HARD-locked reservation and
// releases any hard-locked lines.
type CancelReservationCommand struct {
	CommandMeta
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason"`
}

func (c CancelReservationCommand) CommandType() string { return "CancelReservation" }

func (c CancelReservationCommand) Validate() error {
	if err := c.CommandMeta.validate(); err != nil {
		return err
	}
	if c.ReservationID == "" {
		return ErrValidation
	}
	return nil
}

// BumpReservationCommand displaces a SOFT-allocated reservation in favor
// of a strictly higher-priority one, transferring its handling units.
// The displacing reservation's priority is read from its own stream, not
// trusted from the caller.
type BumpReservationCommand struct {
	CommandMeta
	ReservationID   string `json:"reservation_id"`
	ByReservationID string `json:"by_reservation_id"`
}

func (c BumpReservationCommand) CommandType() string { return "BumpReservation" }

func (c BumpReservationCommand) Validate() error {
	if err := c.CommandMeta.validate(); err != nil {
		return err
	}
	if c.ReservationID == "" || c.ByReservationID == "" || c.ReservationID == c.ByReservationID {
		return ErrValidation
	}
	return nil
}
