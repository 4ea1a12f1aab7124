// Package repository provides data access for the stock ledger service:
// event-sourced aggregate repositories over the event store, the
// processed-command claim ledger, the active-hard-locks read model and
// the projection rebuild lock.  Sentinel errors defined here let higher
// layers distinguish failure scenarios without string matching.
package repository

import (
	"errors"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// ErrNotFound is returned when a requested aggregate stream holds no
// events, in contexts where a fresh empty aggregate is not an acceptable
// answer (e.g. picking against an unknown reservation).  It aliases the
// model sentinel so the command boundary maps it to a stable code.
var ErrNotFound = model.ErrNotFound

// ErrEmailExists is returned when registering a user whose email is
// already taken.
var ErrEmailExists = errors.New("email already exists")
