package dbadapter

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestExpectedSlotNames_ExcludesSelf(t *testing.T) {
	got := ExpectedSlotNames([]string{"node-a", "node-b", "node-c"}, "node-b")
	want := map[string]bool{"node-a": true, "node-c": true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for name := range want {
		if !got[name] {
			t.Fatalf("expected %q in %v", name, got)
		}
	}
	if got["node-b"] {
		t.Fatalf("self must never appear in its own expected slot set")
	}
}

// TestSyncReplicationSlots_DropsStaleAndCreatesMissing checks the set
// difference drives exactly one drop and one create, and that a slot
// already in both known and expected is left untouched.
func TestSyncReplicationSlots_DropsStaleAndCreatesMissing(t *testing.T) {
	d, mock := openMockedDatabase(t)
	d.knownSlots = map[string]bool{"node-stale": true, "node-keep": true}

	mock.ExpectExec("pg_drop_replication_slot").
		WithArgs("node-stale").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("pg_create_physical_replication_slot").
		WithArgs("node-new").
		WillReturnResult(sqlmock.NewResult(0, 0))

	expected := map[string]bool{"node-keep": true, "node-new": true}
	if err := d.SyncReplicationSlots(context.Background(), expected); err != nil {
		t.Fatalf("SyncReplicationSlots: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if len(d.knownSlots) != 2 || !d.knownSlots["node-keep"] || !d.knownSlots["node-new"] {
		t.Fatalf("expected knownSlots to become exactly the expected set, got %v", d.knownSlots)
	}
}

// TestSyncReplicationSlots_NoOpWhenAlreadyConverged checks that a
// second call against the same expected set issues no queries at all,
// matching spec's idempotency requirement.
func TestSyncReplicationSlots_NoOpWhenAlreadyConverged(t *testing.T) {
	d, mock := openMockedDatabase(t)
	d.knownSlots = map[string]bool{"node-b": true}

	if err := d.SyncReplicationSlots(context.Background(), map[string]bool{"node-b": true}); err != nil {
		t.Fatalf("SyncReplicationSlots: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query issued on a converged slot set: %v", err)
	}
}
