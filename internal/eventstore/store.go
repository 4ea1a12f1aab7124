// Package eventstore persists append-only event streams in MySQL.
// Appends are optimistic: the insert is conditional on the stream head
// matching the expected version, backed by the (stream_id, version)
// primary key, so a stale expected version is rejected, never merged.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

// Record is one stored event.  Payloads are JSON and self-contained:
// every field a projector needs is on the event, so replay never issues
// side queries.
type Record struct {
	StreamID      string
	Version       int
	EventType     string
	Payload       json.RawMessage
	SchemaVersion int
	OccurredAt    time.Time
}

// Store provides stream reads and optimistic appends.
type Store struct {
	db *sql.DB
}

// New returns a Store bound to the given database.
func New(db *sql.DB) *Store { return &Store{db: db} }

const mysqlDuplicateEntry = 1062

// Append writes one event at expectedVersion+1.  The insert is gated on
// the stream head matching expectedVersion exactly, so a stale expected
// version is rejected whether it trails the head (primary-key collision)
// or runs ahead of it (a gap the fold would silently replay across).
// Either way model.ErrConcurrencyConflict is returned, never a merge.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int, eventType string, payload interface{}, schemaVersion int, occurredAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal %s: %w", eventType, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (stream_id, version, event_type, payload, schema_version, occurred_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 FROM DUAL
		 WHERE (SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?) = ?`,
		streamID, expectedVersion+1, eventType, body, schemaVersion, occurredAt.UTC(),
		streamID, expectedVersion)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return fmt.Errorf("%w: stream %s at version %d",
				model.ErrConcurrencyConflict, streamID, expectedVersion)
		}
		return fmt.Errorf("eventstore: append to %s: %w", streamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("eventstore: append to %s: %w", streamID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: stream %s at version %d",
			model.ErrConcurrencyConflict, streamID, expectedVersion)
	}
	return nil
}

// Load reads one stream in strict version order.  A non-existent stream
// returns an empty slice, which callers fold into a fresh aggregate at
// version 0.
func (s *Store) Load(ctx context.Context, streamID string) ([]Record, error) {
	const q = `SELECT stream_id, version, event_type, payload, schema_version, occurred_at
	           FROM events WHERE stream_id = ? ORDER BY version`
	rows, err := s.db.QueryContext(ctx, q, streamID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load %s: %w", streamID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LoadByPrefix reads every stream whose id starts with prefix, ordered by
// stream id then version.  Rebuilds replay per-stream sequence order and
// never wall-clock order; timestamps are not monotonic across concurrent
// writers.
func (s *Store) LoadByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	const q = `SELECT stream_id, version, event_type, payload, schema_version, occurred_at
	           FROM events WHERE stream_id LIKE CONCAT(?, '%') ORDER BY stream_id, version`
	rows, err := s.db.QueryContext(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load prefix %s: %w", prefix, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.StreamID, &r.Version, &r.EventType, &r.Payload, &r.SchemaVersion, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
