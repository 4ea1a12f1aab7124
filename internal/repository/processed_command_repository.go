package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Claim outcomes for ProcessedCommandRepo.TryStart.
type ClaimOutcome int

const (
	// ClaimStarted means the caller owns the command and must execute it,
	// then call Complete or Fail.
	ClaimStarted ClaimOutcome = iota
	// ClaimAlreadyCompleted means a previous submission succeeded; the
	// caller short-circuits with the idempotent success.
	ClaimAlreadyCompleted
	// ClaimInProgress means another execution currently owns the command;
	// the caller reports a conflict and must not execute concurrently.
	ClaimInProgress
)

// Processed command statuses as stored.
const (
	statusInProgress = "IN_PROGRESS"
	statusSuccess    = "SUCCESS"
	statusFailed     = "FAILED"
)

// retentionWindow bounds how long terminal records are kept before the
// sweep deletes them.  The sweep is not safety-critical and can run on
// any cadence.
const retentionWindow = 30 * 24 * time.Hour

// ProcessedCommandRepo is the atomic command-claim ledger.  The insert
// with command_id as primary key is the claim: at most one record per
// command id is ever IN_PROGRESS, so at most one execution runs
// concurrently and at most one ever succeeds, regardless of retried or
// duplicated submissions.  FAILED records are reclaimable; retry policy
// beyond that belongs to each caller.
type ProcessedCommandRepo struct {
	db *sql.DB
}

// NewProcessedCommandRepo returns the claim ledger bound to the database.
func NewProcessedCommandRepo(db *sql.DB) *ProcessedCommandRepo {
	return &ProcessedCommandRepo{db: db}
}

const duplicateEntry = 1062

// TryStart performs the insert-only claim for the command id.
func (r *ProcessedCommandRepo) TryStart(ctx context.Context, commandID, commandType string) (ClaimOutcome, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_commands (command_id, command_type, status, created_at)
		 VALUES (?, ?, ?, UTC_TIMESTAMP())`,
		commandID, commandType, statusInProgress)
	if err == nil {
		return ClaimStarted, nil
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != duplicateEntry {
		return ClaimInProgress, fmt.Errorf("claim %s: %w", commandID, err)
	}

	// A record exists; its status decides the outcome.
	var status string
	if err := r.db.QueryRowContext(ctx,
		`SELECT status FROM processed_commands WHERE command_id = ?`, commandID).Scan(&status); err != nil {
		return ClaimInProgress, fmt.Errorf("claim %s: read status: %w", commandID, err)
	}
	switch status {
	case statusSuccess:
		return ClaimAlreadyCompleted, nil
	case statusInProgress:
		return ClaimInProgress, nil
	case statusFailed:
		// Atomically reclaim the failed record for a retry.  The status
		// predicate makes concurrent reclaims race safely: exactly one
		// UPDATE matches.
		res, err := r.db.ExecContext(ctx,
			`UPDATE processed_commands
			 SET status = ?, error_code = NULL, created_at = UTC_TIMESTAMP(), completed_at = NULL
			 WHERE command_id = ? AND status = ?`,
			statusInProgress, commandID, statusFailed)
		if err != nil {
			return ClaimInProgress, fmt.Errorf("claim %s: reclaim: %w", commandID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return ClaimStarted, nil
		}
		return ClaimInProgress, nil
	default:
		return ClaimInProgress, fmt.Errorf("claim %s: unknown status %q", commandID, status)
	}
}

// Complete transitions a claimed record to SUCCESS, making the command
// permanently idempotent.
func (r *ProcessedCommandRepo) Complete(ctx context.Context, commandID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_commands SET status = ?, completed_at = UTC_TIMESTAMP()
		 WHERE command_id = ? AND status = ?`,
		statusSuccess, commandID, statusInProgress)
	return err
}

// Fail transitions a claimed record to FAILED with the stable error code,
// leaving it reclaimable for retry.
func (r *ProcessedCommandRepo) Fail(ctx context.Context, commandID, errorCode string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_commands SET status = ?, error_code = ?, completed_at = UTC_TIMESTAMP()
		 WHERE command_id = ? AND status = ?`,
		statusFailed, errorCode, commandID, statusInProgress)
	return err
}

// Sweep deletes terminal records older than the retention window and
// returns the number removed.
func (r *ProcessedCommandRepo) Sweep(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_commands
		 WHERE status IN (?, ?) AND created_at < UTC_TIMESTAMP() - INTERVAL ? DAY`,
		statusSuccess, statusFailed, int(retentionWindow.Hours()/24))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartSweeper runs Sweep on the given cadence until the context is
// cancelled.  Run it from main as a background goroutine.
func (r *ProcessedCommandRepo) StartSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Printf("command-sweep: %v", err)
			} else if n > 0 {
				log.Printf("command-sweep: removed %d records", n)
			}
		}
	}
}
