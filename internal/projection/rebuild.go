package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/iliyamo/warehouse-stock-ledger/internal/eventstore"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

// HardLocksProjection is the only rebuildable projection this service
// knows about.
const HardLocksProjection = "active_hard_locks"

const defaultLockTTL = 15 * time.Minute

// RebuildReport summarizes one rebuild run.
type RebuildReport struct {
	Projection     string      `json:"projection"`
	EventsReplayed int         `json:"events_replayed"`
	RowsWritten    int         `json:"rows_written"`
	Verified       bool        `json:"verified"`
	ChecksumMatch  bool        `json:"checksum_match"`
	Swapped        bool        `json:"swapped"`
	ShadowChecksum string      `json:"shadow_checksum,omitempty"`
	ProdChecksum   string      `json:"prod_checksum,omitempty"`
	Diff           *DiffReport `json:"diff,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
}

// DiffSample is one differing row in human-readable form.
type DiffSample struct {
	Where string `json:"where"` // "production_only" | "shadow_only" | "differs"
	Row   string `json:"row"`
}

// DiffReport describes how the shadow table deviates from production.
type DiffReport struct {
	Projection           string       `json:"projection"`
	RowsOnlyInProduction int          `json:"rows_only_in_production"`
	RowsOnlyInShadow     int          `json:"rows_only_in_shadow"`
	RowsWithDifferences  int          `json:"rows_with_differences"`
	Samples              []DiffSample `json:"samples,omitempty"`
	GeneratedAt          time.Time    `json:"generated_at"`
}

const diffSampleLimit = 20

// RebuildService reconstructs the active_hard_locks read model from the
// reservation event streams.  Replay is strictly per-stream version
// ordered and never queries aggregate state: every event carries the
// lines its projector needs.  The rebuilt rows land in a shadow table
// and only reach production through a checksum-gated RENAME swap.
type RebuildService struct {
	DB      *sql.DB
	Events  *eventstore.Store
	Locks   *repository.RebuildLockRepo
	Holder  string
	LockTTL time.Duration
	Now     func() time.Time
}

func (s *RebuildService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *RebuildService) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return defaultLockTTL
}

// Rebuild replays the reservation streams into the shadow table and,
// when the checksum gate passes (or verify is false), swaps it into
// production.  Concurrent rebuilds of the same projection get
// model.ErrRebuildInProgress.
//
// resetProgress is accepted for contract compatibility; every rebuild
// already starts from an empty shadow table, so there is no incremental
// progress to discard and the flag has no effect.
func (s *RebuildService) Rebuild(ctx context.Context, projection string, verify, resetProgress bool) (RebuildReport, error) {
	_ = resetProgress
	if projection != HardLocksProjection {
		return RebuildReport{}, fmt.Errorf("%w: unknown projection %q", model.ErrValidation, projection)
	}
	ok, err := s.Locks.TryAcquire(ctx, projection, s.Holder, s.lockTTL())
	if err != nil {
		return RebuildReport{}, fmt.Errorf("rebuild: acquire lock: %w", err)
	}
	if !ok {
		return RebuildReport{}, model.ErrRebuildInProgress
	}
	defer func() {
		if err := s.Locks.Release(context.WithoutCancel(ctx), projection, s.Holder); err != nil {
			log.Printf("rebuild: release lock for %s: %v", projection, err)
		}
	}()

	report := RebuildReport{Projection: projection, Verified: verify, StartedAt: s.now()}
	shadow := projection + "_shadow"

	if err := s.resetShadow(ctx, projection, shadow); err != nil {
		return report, err
	}
	replayed, rows, err := s.replayIntoShadow(ctx, shadow)
	if err != nil {
		return report, err
	}
	report.EventsReplayed = replayed
	report.RowsWritten = rows

	if verify {
		prodSum, err := s.checksum(ctx, projection)
		if err != nil {
			return report, err
		}
		shadowSum, err := s.checksum(ctx, shadow)
		if err != nil {
			return report, err
		}
		report.ProdChecksum = prodSum
		report.ShadowChecksum = shadowSum
		report.ChecksumMatch = prodSum == shadowSum
		if !report.ChecksumMatch {
			diff, derr := s.GenerateDiffReport(ctx, projection)
			if derr != nil {
				log.Printf("rebuild: diff report for %s: %v", projection, derr)
			} else {
				report.Diff = &diff
			}
			report.FinishedAt = s.now()
			log.Printf("rebuild: %s checksum mismatch, swap refused (prod=%s shadow=%s)", projection, prodSum, shadowSum)
			return report, nil
		}
	}

	if err := s.swap(ctx, projection, shadow); err != nil {
		return report, err
	}
	report.Swapped = true
	report.FinishedAt = s.now()
	log.Printf("rebuild: %s swapped (%d events, %d rows)", projection, replayed, rows)
	return report, nil
}

// GetRebuildStatus exposes the projection's lock row.
func (s *RebuildService) GetRebuildStatus(ctx context.Context, projection string) (repository.RebuildLockStatus, error) {
	return s.Locks.Status(ctx, projection)
}

func (s *RebuildService) resetShadow(ctx context.Context, projection, shadow string) error {
	if _, err := s.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+shadow); err != nil {
		return fmt.Errorf("rebuild: drop shadow: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE "+shadow+" LIKE "+projection); err != nil {
		return fmt.Errorf("rebuild: create shadow: %w", err)
	}
	return nil
}

// replayIntoShadow folds every reservation stream in per-stream version
// order and writes the hard-lock lines of reservations that finish the
// fold in HARD_LOCKED state.
func (s *RebuildService) replayIntoShadow(ctx context.Context, shadow string) (int, int, error) {
	records, err := s.Events.LoadByPrefix(ctx, "reservation:")
	if err != nil {
		return 0, 0, fmt.Errorf("rebuild: load streams: %w", err)
	}
	rows := 0
	current := ""
	res := &model.Reservation{}
	flush := func() error {
		if current == "" || res.State != model.ReservationHardLocked {
			return nil
		}
		n, err := s.insertShadowRows(ctx, shadow, res.ID, res.HardLocked)
		rows += n
		return err
	}
	for _, rec := range records {
		if rec.StreamID != current {
			if err := flush(); err != nil {
				return len(records), rows, err
			}
			current = rec.StreamID
			res = &model.Reservation{}
		}
		ev, err := repository.DecodeReservationEvent(rec.EventType, rec.Payload)
		if err != nil {
			return len(records), rows, fmt.Errorf("rebuild: decode %s v%d: %w", rec.StreamID, rec.Version, err)
		}
		res.Apply(ev)
	}
	if err := flush(); err != nil {
		return len(records), rows, err
	}
	return len(records), rows, nil
}

func (s *RebuildService) insertShadowRows(ctx context.Context, shadow, reservationID string, lines []model.HardLockLine) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	query := "INSERT INTO " + shadow + " (reservation_id, warehouse_id, location, sku, hard_locked_qty) VALUES "
	args := make([]interface{}, 0, len(lines)*5)
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, "(?, ?, ?, ?, ?)")
		args = append(args, reservationID, l.WarehouseID, l.Location, l.SKU, l.HardLockedQty.String())
	}
	query += strings.Join(parts, ",")
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("rebuild: shadow insert for %s: %w", reservationID, err)
	}
	return len(lines), nil
}

// checksum computes a stable digest of one table's identity and quantity
// columns.  The ORDER BY inside GROUP_CONCAT pins the row order so the
// digest only depends on content.
func (s *RebuildService) checksum(ctx context.Context, table string) (string, error) {
	var sum sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT MD5(GROUP_CONCAT(
		    CONCAT_WS('|', reservation_id, warehouse_id, location, sku, hard_locked_qty)
		    ORDER BY reservation_id, warehouse_id, location, sku SEPARATOR '\n'))
		 FROM `+table).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("rebuild: checksum %s: %w", table, err)
	}
	if !sum.Valid {
		return "empty", nil
	}
	return sum.String, nil
}

// swap renames the shadow into production in one atomic statement, then
// drops the displaced table.
func (s *RebuildService) swap(ctx context.Context, projection, shadow string) error {
	old := projection + "_old"
	if _, err := s.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+old); err != nil {
		return fmt.Errorf("rebuild: drop old: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		"RENAME TABLE "+projection+" TO "+old+", "+shadow+" TO "+projection); err != nil {
		return fmt.Errorf("rebuild: swap: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, "DROP TABLE "+old); err != nil {
		log.Printf("rebuild: drop displaced table %s: %v", old, err)
	}
	return nil
}

// GenerateDiffReport compares production against the current shadow
// table row by row on the (reservation_id, warehouse_id, location, sku)
// key.
func (s *RebuildService) GenerateDiffReport(ctx context.Context, projection string) (DiffReport, error) {
	if projection != HardLocksProjection {
		return DiffReport{}, fmt.Errorf("%w: unknown projection %q", model.ErrValidation, projection)
	}
	shadow := projection + "_shadow"
	report := DiffReport{Projection: projection, GeneratedAt: s.now()}

	prod, err := s.loadRows(ctx, projection)
	if err != nil {
		return report, err
	}
	shad, err := s.loadRows(ctx, shadow)
	if err != nil {
		return report, err
	}

	sample := func(where, row string) {
		if len(report.Samples) < diffSampleLimit {
			report.Samples = append(report.Samples, DiffSample{Where: where, Row: row})
		}
	}
	for key, qty := range prod {
		sqty, ok := shad[key]
		switch {
		case !ok:
			report.RowsOnlyInProduction++
			sample("production_only", key+"|"+qty)
		case sqty != qty:
			report.RowsWithDifferences++
			sample("differs", key+"|prod="+qty+"|shadow="+sqty)
		}
	}
	for key, qty := range shad {
		if _, ok := prod[key]; !ok {
			report.RowsOnlyInShadow++
			sample("shadow_only", key+"|"+qty)
		}
	}
	return report, nil
}

// loadRows maps "reservation|wh|loc|sku" to the stored quantity string.
func (s *RebuildService) loadRows(ctx context.Context, table string) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT reservation_id, warehouse_id, location, sku, hard_locked_qty FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("rebuild: read %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var res, wh, loc, sku, qty string
		if err := rows.Scan(&res, &wh, &loc, &sku, &qty); err != nil {
			return nil, err
		}
		out[strings.Join([]string{res, wh, loc, sku}, "|")] = qty
	}
	return out, rows.Err()
}
