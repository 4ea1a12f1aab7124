// Package guard implements the balance guard lock: a set of MySQL
// advisory locks held on a dedicated connection for the duration of a
// balance-affecting operation.  Advisory locks are session-scoped, so the
// guard pins one *sql.Conn from the pool and releases it together with
// the locks.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultAcquireTimeout bounds how long a single GET_LOCK call blocks
// waiting for a contended key.
const DefaultAcquireTimeout = 10 * time.Second

// BalanceGuard holds a sorted set of advisory locks on a dedicated
// database session.  The zero value is not usable; construct with Create.
//
// Usage pattern:
//
//	g, err := guard.Create(ctx, db)
//	...
//	defer g.Close()
//	if err := g.Acquire(ctx, keys); err != nil { ... }
//	... balance check + event append ...
//	return g.Commit(ctx)
//
// Close is safe to call after Commit; the deferred call guarantees the
// locks and the session are released on every exit path.  A leaked
// advisory lock would permanently serialize future operations on its key,
// so release-on-all-paths is part of the contract, not a nicety.
type BalanceGuard struct {
	conn    *sql.Conn
	held    []int64
	timeout time.Duration
}

// Create opens a dedicated connection for a new guard.  No locks are held
// yet.
func Create(ctx context.Context, db *sql.DB) (*BalanceGuard, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard: open connection: %w", err)
	}
	return &BalanceGuard{conn: conn, timeout: DefaultAcquireTimeout}, nil
}

// Acquire blocks until every key in the given order is locked.  Keys must
// arrive already sorted ascending (lockkey.ForLocations produces that
// order); out-of-order input is rejected because it would reintroduce the
// circular-wait deadlock the sort exists to prevent.
func (g *BalanceGuard) Acquire(ctx context.Context, sortedKeys []int64) error {
	if g.conn == nil {
		return fmt.Errorf("guard: acquire on released guard")
	}
	for i := 1; i < len(sortedKeys); i++ {
		if sortedKeys[i] <= sortedKeys[i-1] {
			return fmt.Errorf("guard: keys must be sorted ascending and unique")
		}
	}
	for _, key := range sortedKeys {
		var got sql.NullInt64
		name := lockName(key)
		err := g.conn.QueryRowContext(ctx,
			"SELECT GET_LOCK(?, ?)", name, int64(g.timeout/time.Second),
		).Scan(&got)
		if err != nil {
			g.release(context.WithoutCancel(ctx))
			return fmt.Errorf("guard: get lock %s: %w", name, err)
		}
		if !got.Valid || got.Int64 != 1 {
			g.release(context.WithoutCancel(ctx))
			return fmt.Errorf("guard: timed out waiting for lock %s", name)
		}
		g.held = append(g.held, key)
	}
	return nil
}

// Commit releases the locks and returns the session to the pool.  It is
// called after the caller's primary transaction has committed so the next
// serialized caller observes fully committed state.
func (g *BalanceGuard) Commit(ctx context.Context) error {
	if g.conn == nil {
		return nil
	}
	g.release(ctx)
	return nil
}

// Close releases everything still held.  Safe to call repeatedly and
// after Commit; intended for defer.
func (g *BalanceGuard) Close() {
	if g.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.release(ctx)
}

// release drops locks in reverse acquisition order, then closes the
// session.  Closing the connection would release the locks server-side
// anyway, but releasing explicitly keeps the session reusable by the pool
// on the happy path.
func (g *BalanceGuard) release(ctx context.Context) {
	for i := len(g.held) - 1; i >= 0; i-- {
		var released sql.NullInt64
		_ = g.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", lockName(g.held[i])).Scan(&released)
	}
	g.held = nil
	_ = g.conn.Close()
	g.conn = nil
}

func lockName(key int64) string { return fmt.Sprintf("stock-guard:%d", key) }
