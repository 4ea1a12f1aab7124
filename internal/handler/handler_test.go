package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func qty(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func meta(id string) model.CommandMeta {
	return model.CommandMeta{CommandID: id, CorrelationID: "corr-" + id}
}

// ----- fakes -----

type fakeLedger struct {
	balances map[string]decimal.Decimal
	versions map[string]int
	appended []model.StockMoved
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: map[string]decimal.Decimal{},
		versions: map[string]int{},
	}
}

func ledgerKey(wh, loc, sku string) string { return wh + "|" + loc + "|" + sku }

func (f *fakeLedger) seed(wh, loc, sku string, balance decimal.Decimal) {
	f.balances[ledgerKey(wh, loc, sku)] = balance
	f.versions[ledgerKey(wh, loc, sku)] = 1
}

func (f *fakeLedger) Load(ctx context.Context, wh, loc, sku string) (*model.StockLedger, int, error) {
	l := model.NewStockLedger(wh, loc, sku)
	key := ledgerKey(wh, loc, sku)
	if b, ok := f.balances[key]; ok {
		l.Balance = b
	}
	return l, f.versions[key], nil
}

func (f *fakeLedger) Append(ctx context.Context, ev model.StockMoved, expectedVersion int) error {
	key := ledgerKey(ev.WarehouseID, ev.Location, ev.SKU)
	if f.versions[key] != expectedVersion {
		return model.ErrConcurrencyConflict
	}
	f.balances[key] = f.balances[key].Add(ev.Effect)
	f.versions[key] = expectedVersion + 1
	f.appended = append(f.appended, ev)
	return nil
}

type fakeReservations struct {
	events      map[string][]interface{}
	failConsume bool
}

func newFakeReservations() *fakeReservations {
	return &fakeReservations{events: map[string][]interface{}{}}
}

func (f *fakeReservations) Load(ctx context.Context, id string) (*model.Reservation, int, error) {
	evs, ok := f.events[id]
	if !ok {
		return nil, 0, repository.ErrNotFound
	}
	r := &model.Reservation{}
	for _, ev := range evs {
		r.Apply(ev)
	}
	return r, len(evs), nil
}

func (f *fakeReservations) Append(ctx context.Context, id string, ev interface{}, expectedVersion int) error {
	if _, isConsume := ev.(model.ReservationConsumedEvent); isConsume && f.failConsume {
		return errors.New("append timeout")
	}
	if len(f.events[id]) != expectedVersion {
		return model.ErrConcurrencyConflict
	}
	f.events[id] = append(f.events[id], ev)
	return nil
}

type fakeHardLockView struct {
	sums map[string]decimal.Decimal
}

func (f *fakeHardLockView) HardLockedQty(ctx context.Context, wh, loc, sku string) (decimal.Decimal, error) {
	if s, ok := f.sums[ledgerKey(wh, loc, sku)]; ok {
		return s, nil
	}
	return decimal.Zero, nil
}

type fakeHardLockWriter struct {
	upserts  map[string][]model.HardLockLine
	releases []string
}

func newFakeHardLockWriter() *fakeHardLockWriter {
	return &fakeHardLockWriter{upserts: map[string][]model.HardLockLine{}}
}

func (f *fakeHardLockWriter) UpsertLines(ctx context.Context, id string, lines []model.HardLockLine) error {
	f.upserts[id] = lines
	return nil
}

func (f *fakeHardLockWriter) ReleaseLines(ctx context.Context, id string, released []model.HardLockLine) error {
	f.releases = append(f.releases, id)
	return nil
}

type fakeGuard struct {
	acquired  [][]int64
	committed bool
	closed    bool
}

func (g *fakeGuard) Acquire(ctx context.Context, keys []int64) error {
	g.acquired = append(g.acquired, keys)
	return nil
}
func (g *fakeGuard) Commit(ctx context.Context) error { g.committed = true; return nil }
func (g *fakeGuard) Close()                           { g.closed = true }

type guardTracker struct {
	guards []*fakeGuard
}

func (t *guardTracker) factory() GuardFactory {
	return func(ctx context.Context) (Guard, error) {
		g := &fakeGuard{}
		t.guards = append(t.guards, g)
		return g, nil
	}
}

type recordedPublish struct {
	queue   string
	payload interface{}
}

type fakePublisher struct {
	msgs []recordedPublish
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, payload interface{}) error {
	f.msgs = append(f.msgs, recordedPublish{queue: queueName, payload: payload})
	return nil
}

// seedReservation folds a reservation up to the given state into the
// fake store.
func seedReservation(t *testing.T, store *fakeReservations, id string, state model.ReservationState) {
	t.Helper()
	r := &model.Reservation{}
	created, err := model.NewReservationRequested(id, 1, []model.RequestedLine{{SKU: "SKU-001", Quantity: qty("10")}}, testNow)
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	store.events[id] = append(store.events[id], created)
	r.Apply(created)
	if state == model.ReservationCreated {
		return
	}
	allocated, err := r.Allocate([]model.Allocation{{
		WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001", Quantity: qty("10"),
	}}, testNow)
	if err != nil {
		t.Fatalf("seed allocate: %v", err)
	}
	store.events[id] = append(store.events[id], allocated)
	r.Apply(allocated)
	if state == model.ReservationSoftAllocated {
		return
	}
	picking, err := r.StartPicking(testNow)
	if err != nil {
		t.Fatalf("seed start picking: %v", err)
	}
	store.events[id] = append(store.events[id], picking)
}

func seedCreatedWithPriority(t *testing.T, store *fakeReservations, id string, priority int) {
	t.Helper()
	created, err := model.NewReservationRequested(id, priority, []model.RequestedLine{{SKU: "SKU-001", Quantity: qty("10")}}, testNow)
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	store.events[id] = append(store.events[id], created)
}

func seedSoftAllocatedWithPriority(t *testing.T, store *fakeReservations, id string, priority int) {
	t.Helper()
	r := &model.Reservation{}
	created, err := model.NewReservationRequested(id, priority, []model.RequestedLine{{SKU: "SKU-001", Quantity: qty("10")}}, testNow)
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	store.events[id] = append(store.events[id], created)
	r.Apply(created)
	allocated, err := r.Allocate([]model.Allocation{{
		WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001", Quantity: qty("10"),
	}}, testNow)
	if err != nil {
		t.Fatalf("seed allocate: %v", err)
	}
	store.events[id] = append(store.events[id], allocated)
}
