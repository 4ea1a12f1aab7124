package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/warehouse-stock-ledger/internal/eventstore"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

var rebuildNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newMockRebuild(t *testing.T) (*RebuildService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := &RebuildService{
		DB:     db,
		Events: eventstore.New(db),
		Locks:  repository.NewRebuildLockRepo(db),
		Holder: "test-holder",
		Now:    func() time.Time { return rebuildNow },
	}
	return s, mock
}

func payload(t *testing.T, ev interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// hardLockedStreamRows is one reservation stream that folds to
// HARD_LOCKED, so replay writes its lines into the shadow table.
func hardLockedStreamRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	qty := decimal.RequireFromString("5")
	rows := sqlmock.NewRows([]string{"stream_id", "version", "event_type", "payload", "schema_version", "occurred_at"})
	rows.AddRow("reservation:res-1", 1, model.EventTypeReservationRequested, payload(t, model.ReservationRequested{
		ReservationID: "res-1", Priority: 5,
		Requested:  []model.RequestedLine{{SKU: "SKU-001", Quantity: qty}},
		OccurredAt: rebuildNow,
	}), 1, rebuildNow)
	rows.AddRow("reservation:res-1", 2, model.EventTypeStockAllocated, payload(t, model.StockAllocated{
		ReservationID: "res-1", LockType: model.LockTypeSoft,
		Allocations: []model.Allocation{{WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001", Quantity: qty}},
		OccurredAt:  rebuildNow,
	}), 1, rebuildNow)
	rows.AddRow("reservation:res-1", 3, model.EventTypePickingStarted, payload(t, model.PickingStarted{
		ReservationID: "res-1",
		HardLockLines: []model.HardLockLine{{WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001", HardLockedQty: qty}},
		OccurredAt:    rebuildNow,
	}), 1, rebuildNow)
	return rows
}

// expectThroughShadow sets up the lock acquisition, shadow reset and
// replay every rebuild run shares.
func expectThroughShadow(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	mock.ExpectExec(`DELETE FROM projection_rebuild_locks WHERE projection_name = \? AND expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO projection_rebuild_locks`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DROP TABLE IF EXISTS active_hard_locks_shadow`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE active_hard_locks_shadow LIKE active_hard_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM events WHERE stream_id LIKE`).
		WithArgs("reservation:").
		WillReturnRows(hardLockedStreamRows(t))
	mock.ExpectExec(`INSERT INTO active_hard_locks_shadow`).
		WithArgs("res-1", "WH1", "LOC-A", "SKU-001", "5").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectRelease(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`DELETE FROM projection_rebuild_locks WHERE projection_name = \? AND holder = \?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRebuildChecksumMismatchRefusesSwap(t *testing.T) {
	s, mock := newMockRebuild(t)
	expectThroughShadow(t, mock)
	checksumCols := []string{"checksum"}
	mock.ExpectQuery(`SELECT MD5\(GROUP_CONCAT`).
		WillReturnRows(sqlmock.NewRows(checksumCols).AddRow("prod-digest"))
	mock.ExpectQuery(`SELECT MD5\(GROUP_CONCAT`).
		WillReturnRows(sqlmock.NewRows(checksumCols).AddRow("shadow-digest"))
	diffCols := []string{"reservation_id", "warehouse_id", "location", "sku", "hard_locked_qty"}
	mock.ExpectQuery(`FROM active_hard_locks$`).
		WillReturnRows(sqlmock.NewRows(diffCols).AddRow("res-1", "WH1", "LOC-A", "SKU-001", "9"))
	mock.ExpectQuery(`FROM active_hard_locks_shadow`).
		WillReturnRows(sqlmock.NewRows(diffCols).AddRow("res-1", "WH1", "LOC-A", "SKU-001", "5"))
	expectRelease(mock)

	report, err := s.Rebuild(context.Background(), HardLocksProjection, true, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Swapped {
		t.Fatal("swapped despite checksum mismatch")
	}
	if report.ChecksumMatch || report.ProdChecksum != "prod-digest" || report.ShadowChecksum != "shadow-digest" {
		t.Fatalf("report = %+v", report)
	}
	if report.Diff == nil || report.Diff.RowsWithDifferences != 1 {
		t.Fatalf("diff = %+v", report.Diff)
	}
	if report.EventsReplayed != 3 || report.RowsWritten != 1 {
		t.Fatalf("replayed %d rows %d", report.EventsReplayed, report.RowsWritten)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRebuildChecksumMatchSwaps(t *testing.T) {
	s, mock := newMockRebuild(t)
	expectThroughShadow(t, mock)
	checksumCols := []string{"checksum"}
	mock.ExpectQuery(`SELECT MD5\(GROUP_CONCAT`).
		WillReturnRows(sqlmock.NewRows(checksumCols).AddRow("same-digest"))
	mock.ExpectQuery(`SELECT MD5\(GROUP_CONCAT`).
		WillReturnRows(sqlmock.NewRows(checksumCols).AddRow("same-digest"))
	mock.ExpectExec(`DROP TABLE IF EXISTS active_hard_locks_old`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`RENAME TABLE active_hard_locks TO active_hard_locks_old, active_hard_locks_shadow TO active_hard_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP TABLE active_hard_locks_old`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectRelease(mock)

	report, err := s.Rebuild(context.Background(), HardLocksProjection, true, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !report.Swapped || !report.ChecksumMatch {
		t.Fatalf("report = %+v", report)
	}
	if report.Diff != nil {
		t.Fatalf("diff attached on a clean run: %+v", report.Diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRebuildSkipsGateWhenVerifyOff(t *testing.T) {
	s, mock := newMockRebuild(t)
	expectThroughShadow(t, mock)
	mock.ExpectExec(`DROP TABLE IF EXISTS active_hard_locks_old`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`RENAME TABLE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP TABLE active_hard_locks_old`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectRelease(mock)

	report, err := s.Rebuild(context.Background(), HardLocksProjection, false, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !report.Swapped || report.Verified {
		t.Fatalf("report = %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRebuildHeldLockReportsInProgress(t *testing.T) {
	s, mock := newMockRebuild(t)
	mock.ExpectExec(`DELETE FROM projection_rebuild_locks WHERE projection_name = \? AND expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO projection_rebuild_locks`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	_, err := s.Rebuild(context.Background(), HardLocksProjection, true, false)
	if err != model.ErrRebuildInProgress {
		t.Fatalf("err = %v, want ErrRebuildInProgress", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
