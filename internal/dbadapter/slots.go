package dbadapter

import (
	"context"
	"database/sql"
)

// LoadKnownSlots refreshes knownSlots from the server's catalog. Called
// after Start/Restart (via rehydrateKnownSlots) and by the supervisor
// on startup against an already-running instance, so the first
// SyncReplicationSlots call of a process's lifetime reconciles against
// the real catalog instead of an empty map.
func (d *Database) LoadKnownSlots(ctx context.Context) error {
	names, err := d.listPhysicalSlots(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.knownSlots = names
	d.mu.Unlock()
	return nil
}

// rehydrateKnownSlots is LoadKnownSlots's best-effort form: errors are
// swallowed since the next tick's SyncReplicationSlots call will
// reconcile from whatever it finds.
func (d *Database) rehydrateKnownSlots(ctx context.Context) {
	_ = d.LoadKnownSlots(ctx)
}

func (d *Database) listPhysicalSlots(ctx context.Context) (map[string]bool, error) {
	names := make(map[string]bool)
	err := d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		rows, qerr := db.QueryContext(qctx,
			"SELECT slot_name FROM pg_replication_slots WHERE slot_type = 'physical'")
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if scanErr := rows.Scan(&name); scanErr != nil {
				return scanErr
			}
			names[name] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// SyncReplicationSlots drops slots in known\expected (guarded by
// EXISTS), creates slots in expected\known (guarded by NOT EXISTS), then
// sets known_slots := expected. Grounded on a Kubernetes
// operator's replication-slot reconciler, which computes the same set
// difference against the PostgreSQL catalog before issuing guarded DDL.
func (d *Database) SyncReplicationSlots(ctx context.Context, expectedNames map[string]bool) error {
	d.mu.Lock()
	known := make(map[string]bool, len(d.knownSlots))
	for k, v := range d.knownSlots {
		known[k] = v
	}
	d.mu.Unlock()

	for name := range known {
		if expectedNames[name] {
			continue
		}
		if err := d.dropSlotIfExists(ctx, name); err != nil {
			return err
		}
	}
	for name := range expectedNames {
		if known[name] {
			continue
		}
		if err := d.createSlotIfMissing(ctx, name); err != nil {
			return err
		}
	}

	next := make(map[string]bool, len(expectedNames))
	for name := range expectedNames {
		next[name] = true
	}
	d.mu.Lock()
	d.knownSlots = next
	d.mu.Unlock()

	return nil
}

func (d *Database) dropSlotIfExists(ctx context.Context, name string) error {
	return d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		_, err := db.ExecContext(qctx,
			`SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots
			 WHERE slot_name = $1 AND slot_type = 'physical'`, name)
		return err
	})
}

func (d *Database) createSlotIfMissing(ctx context.Context, name string) error {
	return d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		_, err := db.ExecContext(qctx,
			`SELECT pg_create_physical_replication_slot($1)
			 WHERE NOT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, name)
		return err
	})
}

// ExpectedSlotNames computes expected ≡ {peer names} \ {self}, the
// input SyncReplicationSlots is always called with.
func ExpectedSlotNames(memberNames []string, self string) map[string]bool {
	expected := make(map[string]bool, len(memberNames))
	for _, name := range memberNames {
		if name == self {
			continue
		}
		expected[name] = true
	}
	return expected
}
