package handler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

func TestReserveStockSoftAllocates(t *testing.T) {
	store := newFakeReservations()
	h := &ReserveStockHandler{
		Reservations: store,
		Publisher:    &fakePublisher{},
		Now:          func() time.Time { return testNow },
	}

	res := h.Handle(context.Background(), model.ReserveStockCommand{
		CommandMeta:   meta("c1"),
		ReservationID: "res-1",
		Priority:      5,
		Requested:     []model.RequestedLine{{SKU: "SKU-001", Quantity: qty("10")}},
		Allocations: []model.Allocation{{
			WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001", Quantity: qty("10"),
		}},
	})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	loaded, version, err := store.Load(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != model.ReservationSoftAllocated || version != 2 {
		t.Fatalf("state=%s version=%d", loaded.State, version)
	}
}

func TestStartPickingHappyPath(t *testing.T) {
	store := newFakeReservations()
	seedReservation(t, store, "res-1", model.ReservationSoftAllocated)
	ledger := newFakeLedger()
	ledger.seed("WH1", "LOC-A", "SKU-001", qty("10"))
	writer := newFakeHardLockWriter()
	tracker := &guardTracker{}
	pub := &fakePublisher{}
	h := &StartPickingHandler{
		Reservations: store,
		Ledger:       ledger,
		HardLocks:    &fakeHardLockView{},
		HardLockW:    writer,
		NewGuard:     tracker.factory(),
		Publisher:    pub,
		Now:          func() time.Time { return testNow },
	}

	res := h.Handle(context.Background(), model.StartPickingCommand{CommandMeta: meta("c1"), ReservationID: "res-1"})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	loaded, _, _ := store.Load(context.Background(), "res-1")
	if loaded.State != model.ReservationHardLocked {
		t.Fatalf("state = %s", loaded.State)
	}
	if len(writer.upserts["res-1"]) != 1 {
		t.Fatalf("read model not updated inline: %+v", writer.upserts)
	}
	g := tracker.guards[0]
	if len(g.acquired) != 1 || !g.committed || !g.closed {
		t.Fatalf("guard misuse: %+v", g)
	}
}

func TestStartPickingHeadroomConflict(t *testing.T) {
	store := newFakeReservations()
	seedReservation(t, store, "res-1", model.ReservationSoftAllocated)
	ledger := newFakeLedger()
	ledger.seed("WH1", "LOC-A", "SKU-001", qty("12"))
	writer := newFakeHardLockWriter()
	tracker := &guardTracker{}
	h := &StartPickingHandler{
		Reservations: store,
		Ledger:       ledger,
		HardLocks: &fakeHardLockView{sums: map[string]decimal.Decimal{
			// 5 already hard locked elsewhere + 10 requested > 12 balance.
			ledgerKey("WH1", "LOC-A", "SKU-001"): qty("5"),
		}},
		HardLockW: writer,
		NewGuard:  tracker.factory(),
		Publisher: &fakePublisher{},
		Now:       func() time.Time { return testNow },
	}

	res := h.Handle(context.Background(), model.StartPickingCommand{CommandMeta: meta("c1"), ReservationID: "res-1"})
	if res.OK || res.ErrorCode != model.CodeHardLockConflict {
		t.Fatalf("result = %+v, want HARD_LOCK_CONFLICT", res)
	}
	loaded, _, _ := store.Load(context.Background(), "res-1")
	if loaded.State != model.ReservationSoftAllocated {
		t.Fatalf("reservation transitioned despite conflict: %s", loaded.State)
	}
	if len(writer.upserts) != 0 {
		t.Fatalf("read model touched despite conflict")
	}
	if !tracker.guards[0].closed {
		t.Fatalf("guard leaked")
	}
}

func TestStartPickingRequiresSoftAllocated(t *testing.T) {
	store := newFakeReservations()
	seedReservation(t, store, "res-1", model.ReservationCreated)
	h := &StartPickingHandler{
		Reservations: store,
		Ledger:       newFakeLedger(),
		HardLocks:    &fakeHardLockView{},
		HardLockW:    newFakeHardLockWriter(),
		NewGuard:     (&guardTracker{}).factory(),
		Publisher:    &fakePublisher{},
		Now:          func() time.Time { return testNow },
	}

	res := h.Handle(context.Background(), model.StartPickingCommand{CommandMeta: meta("c1"), ReservationID: "res-1"})
	if res.OK || res.ErrorCode != model.CodeValidationError {
		t.Fatalf("result = %+v, want VALIDATION_ERROR", res)
	}
}

func TestCancelReleasesReadModel(t *testing.T) {
	store := newFakeReservations()
	seedReservation(t, store, "res-1", model.ReservationHardLocked)
	writer := newFakeHardLockWriter()
	h := &CancelReservationHandler{
		Reservations: store,
		HardLockW:    writer,
		Publisher:    &fakePublisher{},
		Now:          func() time.Time { return testNow },
	}

	res := h.Handle(context.Background(), model.CancelReservationCommand{
		CommandMeta: meta("c1"), ReservationID: "res-1", Reason: "operator abort",
	})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(writer.releases) != 1 || writer.releases[0] != "res-1" {
		t.Fatalf("releases = %v", writer.releases)
	}
	loaded, _, _ := store.Load(context.Background(), "res-1")
	if loaded.State != model.ReservationCancelled {
		t.Fatalf("state = %s", loaded.State)
	}
}

func TestBumpOnlyFromSoftAllocated(t *testing.T) {
	store := newFakeReservations()
	seedReservation(t, store, "res-1", model.ReservationSoftAllocated)
	seedCreatedWithPriority(t, store, "res-2", 9)
	seedCreatedWithPriority(t, store, "res-3", 9)
	h := &BumpReservationHandler{
		Reservations: store,
		Publisher:    &fakePublisher{},
		Now:          func() time.Time { return testNow },
	}

	res := h.Handle(context.Background(), model.BumpReservationCommand{
		CommandMeta: meta("c1"), ReservationID: "res-1", ByReservationID: "res-2",
	})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	loaded, _, _ := store.Load(context.Background(), "res-1")
	if loaded.State != model.ReservationBumped {
		t.Fatalf("state = %s", loaded.State)
	}

	// A second bump is an invalid transition.
	res = h.Handle(context.Background(), model.BumpReservationCommand{
		CommandMeta: meta("c2"), ReservationID: "res-1", ByReservationID: "res-3",
	})
	if res.OK || res.ErrorCode != model.CodeValidationError {
		t.Fatalf("second bump = %+v", res)
	}
}

func TestBumpRequiresHigherPriorityDisplacer(t *testing.T) {
	store := newFakeReservations()
	seedSoftAllocatedWithPriority(t, store, "res-high", 100)
	seedCreatedWithPriority(t, store, "res-low", 1)
	h := &BumpReservationHandler{
		Reservations: store,
		Publisher:    &fakePublisher{},
		Now:          func() time.Time { return testNow },
	}

	// A low-priority reservation cannot displace a high-priority one.
	res := h.Handle(context.Background(), model.BumpReservationCommand{
		CommandMeta: meta("c1"), ReservationID: "res-high", ByReservationID: "res-low",
	})
	if res.OK || res.ErrorCode != model.CodeValidationError {
		t.Fatalf("result = %+v, want VALIDATION_ERROR", res)
	}
	loaded, _, _ := store.Load(context.Background(), "res-high")
	if loaded.State != model.ReservationSoftAllocated {
		t.Fatalf("state = %s, want SOFT_ALLOCATED", loaded.State)
	}

	// The displacing reservation must exist; its stored priority is the
	// one that counts.
	res = h.Handle(context.Background(), model.BumpReservationCommand{
		CommandMeta: meta("c2"), ReservationID: "res-high", ByReservationID: "res-missing",
	})
	if res.OK || res.ErrorCode != model.CodeNotFound {
		t.Fatalf("result = %+v, want NOT_FOUND", res)
	}
}
