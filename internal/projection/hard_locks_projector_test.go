package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

type fakeWriter struct {
	upserts  map[string][]model.HardLockLine
	releases map[string][]model.HardLockLine
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		upserts:  map[string][]model.HardLockLine{},
		releases: map[string][]model.HardLockLine{},
	}
}

func (f *fakeWriter) UpsertLines(_ context.Context, reservationID string, lines []model.HardLockLine) error {
	f.upserts[reservationID] = lines
	return nil
}

func (f *fakeWriter) ReleaseLines(_ context.Context, reservationID string, released []model.HardLockLine) error {
	f.releases[reservationID] = released
	return nil
}

func envelope(t *testing.T, reservationID, eventType string, ev interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"reservation_id": reservationID,
		"event_type":     eventType,
		"event":          json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestProjectorAppliesLifecycleEvents(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	lines := []model.HardLockLine{{
		WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001",
		HardLockedQty: decimal.RequireFromString("4"),
	}}

	w := newFakeWriter()
	p := &HardLocksProjector{Writer: w}

	started := envelope(t, "res-1", model.EventTypePickingStarted, model.PickingStarted{
		ReservationID: "res-1", HardLockLines: lines, OccurredAt: now,
	})
	if err := p.HandleMessage(started); err != nil {
		t.Fatalf("picking started: %v", err)
	}
	if got := w.upserts["res-1"]; len(got) != 1 || !got[0].HardLockedQty.Equal(lines[0].HardLockedQty) {
		t.Fatalf("upserts = %+v", w.upserts)
	}

	consumed := envelope(t, "res-1", model.EventTypeReservationConsumed, model.ReservationConsumedEvent{
		ReservationID: "res-1", ReleasedLines: lines, OccurredAt: now,
	})
	if err := p.HandleMessage(consumed); err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if got := w.releases["res-1"]; len(got) != 1 {
		t.Fatalf("releases = %+v", w.releases)
	}
}

func TestProjectorCancelledWithoutHardLocksTouchesNothing(t *testing.T) {
	w := newFakeWriter()
	p := &HardLocksProjector{Writer: w}

	// Soft cancels carry no released lines.
	body := envelope(t, "res-2", model.EventTypeReservationCancelled, model.ReservationCancelledEvent{
		ReservationID: "res-2", Reason: "customer", OccurredAt: time.Now().UTC(),
	})
	if err := p.HandleMessage(body); err != nil {
		t.Fatalf("cancelled: %v", err)
	}
	if len(w.releases) != 0 || len(w.upserts) != 0 {
		t.Fatalf("writer touched: %+v %+v", w.upserts, w.releases)
	}
}

func TestProjectorAcksForeignAndMalformedMessages(t *testing.T) {
	w := newFakeWriter()
	p := &HardLocksProjector{Writer: w}

	cases := [][]byte{
		envelope(t, "res-3", "ConsumptionFailed", map[string]string{"reason": "timeout"}),
		[]byte("not json"),
	}
	for _, body := range cases {
		if err := p.HandleMessage(body); err != nil {
			t.Fatalf("HandleMessage(%q) = %v, want nil ack", body, err)
		}
	}
	if len(w.upserts) != 0 || len(w.releases) != 0 {
		t.Fatalf("writer touched: %+v %+v", w.upserts, w.releases)
	}
}
