package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgsentinel/pgsentinel/internal/pgerr"
)

const (
	queryMaxAttempts = 3
	queryRetryDelay  = 5 * time.Second
)

// connect lazily opens the persistent query-channel connection: one
// connection, autocommit always on (database/sql's default, no
// explicit transaction ever opened here).
func (d *Database) connect() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db, nil
	}
	db, err := sql.Open("pgx", d.superUserConnInfo())
	if err != nil {
		return nil, fmt.Errorf("opening query channel: %w", err)
	}
	db.SetMaxOpenConns(1)
	d.db = db
	return db, nil
}

func (d *Database) closeConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		_ = d.db.Close()
		d.db = nil
	}
}

// query runs queryFn against the persistent connection, retrying up to
// queryMaxAttempts times with queryRetryDelay between attempts when the
// failure is classified Transient (the connection is definitely dead);
// a Fatal classification (the server replied with an error on an open
// connection) is surfaced immediately without retrying.
func (d *Database) query(ctx context.Context, queryFn func(*sql.DB, context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= queryMaxAttempts; attempt++ {
		db, err := d.connect()
		if err != nil {
			lastErr = err
		} else {
			qctx, cancel := withStatementTimeout(ctx)
			lastErr = queryFn(db, qctx)
			cancel()
			if lastErr == nil {
				return nil
			}
		}

		kind := pgerr.Classify(lastErr)
		if kind != pgerr.Transient {
			return lastErr
		}

		// The connection is definitely dead: drop it so the next
		// attempt reconnects from scratch.
		d.closeConn()

		if attempt == queryMaxAttempts {
			break
		}
		select {
		case <-time.After(queryRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("query channel exhausted %d attempts: %w", queryMaxAttempts, lastErr)
}

// IsHealthy reports true iff the server is running and accepting
// connections.
func (d *Database) IsHealthy(ctx context.Context) (bool, error) {
	var pingErr error
	err := d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		pingErr = db.PingContext(qctx)
		return pingErr
	})
	if err != nil {
		if pgerr.Classify(err) == pgerr.Transient {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsLeader runs SELECT pg_is_in_recovery(); primary iff false. Clears
// the internal promoted flag once in_recovery is observed false.
func (d *Database) IsLeader(ctx context.Context) (bool, error) {
	var inRecovery bool
	err := d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		return db.QueryRowContext(qctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery)
	})
	if err != nil {
		return false, err
	}
	if !inRecovery {
		d.mu.Lock()
		d.promoted = false
		d.mu.Unlock()
	}
	return !inRecovery, nil
}

// XlogPosition returns the current primary WAL position if primary,
// else the last replay position, as an integer LSN difference from
// '0/0'.
func (d *Database) XlogPosition(ctx context.Context) (int64, error) {
	isLeader, err := d.IsLeader(ctx)
	if err != nil {
		return 0, err
	}

	var lsnExpr string
	if isLeader {
		lsnExpr = "pg_current_wal_lsn()"
	} else {
		lsnExpr = "pg_last_wal_replay_lsn()"
	}

	var position int64
	err = d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		return db.QueryRowContext(qctx,
			fmt.Sprintf("SELECT %s - '0/0'", lsnExpr)).Scan(&position)
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

// LocalState reads a full point-in-time snapshot of this node's
// PostgreSQL state in one pass.
func (d *Database) LocalState(ctx context.Context) (LocalState, error) {
	healthy, err := d.IsHealthy(ctx)
	if err != nil || !healthy {
		return LocalState{IsRunning: healthy}, err
	}
	inRecovery, err := d.inRecoveryRaw(ctx)
	if err != nil {
		return LocalState{IsRunning: true}, err
	}
	xlog, err := d.XlogPosition(ctx)
	if err != nil {
		return LocalState{IsRunning: true, InRecovery: inRecovery}, err
	}

	d.mu.Lock()
	slots := make(map[string]bool, len(d.knownSlots))
	for k, v := range d.knownSlots {
		slots[k] = v
	}
	d.mu.Unlock()

	return LocalState{
		IsRunning:    true,
		InRecovery:   inRecovery,
		XlogPosition: xlog,
		KnownSlots:   slots,
	}, nil
}

func (d *Database) inRecoveryRaw(ctx context.Context) (bool, error) {
	var inRecovery bool
	err := d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		return db.QueryRowContext(qctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery)
	})
	return inRecovery, err
}
