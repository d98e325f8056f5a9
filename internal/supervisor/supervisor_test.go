package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/pgsentinel/pgsentinel/internal/config"
	"github.com/pgsentinel/pgsentinel/internal/kvstore/kvstoretest"
	"github.com/pgsentinel/pgsentinel/internal/logging"
)

func newTestConfig() *config.Config {
	return &config.Config{
		LoopWait: 1,
		Etcd:     config.Etcd{Host: "http://127.0.0.1:2379", Scope: "/service/pg", TTL: 30, MemberTTL: 2},
		Postgresql: config.Postgresql{
			Name:           "node-a",
			ConnectAddress: "10.0.0.1:5432",
			DataDir:        "/var/lib/postgresql/data",
			Replication:    config.Auth{Username: "repl", Password: "replpw"},
		},
	}
}

// TestInitializeWinsRace checks that a node winning race_init on an
// empty data directory bootstraps itself as the initial leader: initdb,
// acquire the lease, start, create roles.
func TestInitializeWinsRace(t *testing.T) {
	store := kvstoretest.New()
	db := &fakeDB{dataDirEmpty: true}
	s := New(newTestConfig(), store, db, logging.Get(), nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if db.initializeCalls != 1 {
		t.Fatalf("expected one Initialize (initdb) call, got %d", db.initializeCalls)
	}
	if db.startCalls != 1 {
		t.Fatalf("expected one Start call, got %d", db.startCalls)
	}
	if db.createUsersCalls != 1 {
		t.Fatalf("expected one CreateUsers call, got %d", db.createUsersCalls)
	}
	if store.CurrentLeader() != "node-a" {
		t.Fatalf("expected node-a to hold the initial leader lease, got %q", store.CurrentLeader())
	}
}

// TestInitializeForceLeaderSkipsRace checks that --force-leader seizes
// the lease on an empty data directory without ever calling race_init.
func TestInitializeForceLeaderSkipsRace(t *testing.T) {
	store := kvstoretest.New()
	// Pre-seed the initialize race as already won by another node; a
	// normal (non-forced) node would lose it and go sync instead.
	store.RaceInit(context.Background(), "someone-else")

	cfg := newTestConfig()
	cfg.ForceLeader = true
	db := &fakeDB{dataDirEmpty: true}
	s := New(cfg, store, db, logging.Get(), nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if db.initializeCalls != 1 {
		t.Fatalf("expected force-leader to bootstrap despite losing the race, got %d initdb calls", db.initializeCalls)
	}
	if store.CurrentLeader() != "node-a" {
		t.Fatalf("expected node-a to seize the lease, got %q", store.CurrentLeader())
	}
}

// TestInitializeLosesRaceSyncsFromLeader checks that a node losing
// race_init on an empty data directory clones from whoever the lease
// names, once that lease exists.
func TestInitializeLosesRaceSyncsFromLeader(t *testing.T) {
	store := kvstoretest.New()
	store.RaceInit(context.Background(), "node-b") // node-b wins the race
	store.TouchMember(context.Background(), "node-b", "postgres://node-b")
	store.AttemptAcquireLeader(context.Background(), "node-b")

	db := &fakeDB{dataDirEmpty: true}
	s := New(newTestConfig(), store, db, logging.Get(), nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(db.syncFromLeaderCalls) != 1 || db.syncFromLeaderCalls[0].Name != "node-b" {
		t.Fatalf("expected exactly one SyncFromLeader(node-b) call, got %+v", db.syncFromLeaderCalls)
	}
	if db.startCalls != 1 {
		t.Fatalf("expected the clone branch to start the new standby, got %d", db.startCalls)
	}
	if db.initializeCalls != 0 {
		t.Fatalf("expected no initdb call on the losing side, got %d", db.initializeCalls)
	}
}

// TestInitializeNonEmptyDataDirSkipsInitCluster checks that a non-empty
// data directory never runs InitCluster, whether or not postgres is
// already running.
func TestInitializeNonEmptyDataDirSkipsInitCluster(t *testing.T) {
	store := kvstoretest.New()
	db := &fakeDB{dataDirEmpty: false, healthy: true}
	s := New(newTestConfig(), store, db, logging.Get(), nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if db.initializeCalls != 0 || db.syncFromLeaderCalls != nil {
		t.Fatalf("expected InitCluster to be entirely skipped for a non-empty data directory")
	}
}

// TestInitializeHealthyExistingInstanceLoadsKnownSlots checks that a
// non-empty data directory with postgresql already running loads
// existing replication slots from the catalog, so the first
// SyncReplicationSlots call of this process's lifetime reconciles
// against reality instead of an empty map.
func TestInitializeHealthyExistingInstanceLoadsKnownSlots(t *testing.T) {
	store := kvstoretest.New()
	db := &fakeDB{dataDirEmpty: false, healthy: true}
	s := New(newTestConfig(), store, db, logging.Get(), nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if db.loadKnownSlotsCalls != 1 {
		t.Fatalf("expected exactly one LoadKnownSlots call, got %d", db.loadKnownSlotsCalls)
	}
}

// TestInitializeUnhealthyExistingInstanceSkipsLoadingSlots checks that
// an instance believed not yet running never attempts to load slot
// state from a catalog it cannot reach.
func TestInitializeUnhealthyExistingInstanceSkipsLoadingSlots(t *testing.T) {
	store := kvstoretest.New()
	db := &fakeDB{dataDirEmpty: false, healthy: false}
	s := New(newTestConfig(), store, db, logging.Get(), nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if db.loadKnownSlotsCalls != 0 {
		t.Fatalf("expected no LoadKnownSlots call when the instance isn't healthy yet, got %d", db.loadKnownSlotsCalls)
	}
}

// TestCleanupIgnoresCompareFailed checks that Cleanup tolerates a
// release-leader CAS that fails because this node never held it (or
// already lost it), as spec §4.4 requires.
func TestCleanupIgnoresCompareFailed(t *testing.T) {
	store := kvstoretest.New()
	store.TouchMember(context.Background(), "node-a", "postgres://node-a")
	store.AttemptAcquireLeader(context.Background(), "node-b") // someone else holds it

	db := &fakeDB{}
	s := New(newTestConfig(), store, db, logging.Get(), nil)

	s.Cleanup(context.Background())

	if db.stopCalls != 1 {
		t.Fatalf("expected Stop to be called once, got %d", db.stopCalls)
	}
	if store.CurrentLeader() != "node-b" {
		t.Fatalf("expected node-b's lease to be left alone by node-a's cleanup, got %q", store.CurrentLeader())
	}
}

// TestLoopTicksAtLeastOnceThenStops checks that Loop runs an immediate
// tick before its first sleep and returns promptly once done closes.
func TestLoopTicksAtLeastOnceThenStops(t *testing.T) {
	store := kvstoretest.New()
	db := &fakeDB{}
	cfg := newTestConfig()
	cfg.LoopWait = 3600 // long enough that only the immediate tick fires
	s := New(cfg, store, db, logging.Get(), nil)

	done := make(chan struct{})
	loopDone := make(chan struct{})
	go func() {
		s.Loop(context.Background(), done)
		close(loopDone)
	}()

	time.Sleep(50 * time.Millisecond)
	close(done)

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not return after done was closed")
	}

	view, err := store.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := view.Members["node-a"]; !ok {
		t.Fatalf("expected node-a to have been touched by at least one tick")
	}
}
