package supervisor

import (
	"context"
	"sync"

	"github.com/pgsentinel/pgsentinel/internal/dbadapter"
	"github.com/pgsentinel/pgsentinel/internal/kvstore"
)

// fakeDB implements the Database interface this package needs without
// touching a real PostgreSQL instance, recording calls for assertions.
type fakeDB struct {
	mu sync.Mutex

	dataDirEmpty    bool
	dataDirEmptyErr error
	healthy         bool
	healthyErr      error
	isLeader        bool

	initializeErr     error
	startErr          error
	createUsersErr    error
	syncFromLeaderErr error
	writeRecoveryErr  error
	stopErr           error
	loadKnownSlotsErr error

	initializeCalls     int
	startCalls          int
	createUsersCalls    int
	syncFromLeaderCalls []dbadapter.Leader
	writeRecoveryCalls  []*dbadapter.Leader
	stopCalls           int
	loadKnownSlotsCalls int
}

func (f *fakeDB) LoadKnownSlots(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadKnownSlotsCalls++
	return f.loadKnownSlotsErr
}

func (f *fakeDB) DataDirectoryEmpty() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dataDirEmpty, f.dataDirEmptyErr
}

func (f *fakeDB) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initializeCalls++
	return f.initializeErr
}

func (f *fakeDB) CreateUsers(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createUsersCalls++
	return f.createUsersErr
}

func (f *fakeDB) SyncFromLeader(ctx context.Context, leader dbadapter.Leader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncFromLeaderCalls = append(f.syncFromLeaderCalls, leader)
	return f.syncFromLeaderErr
}

func (f *fakeDB) WriteRecoveryConf(leader *dbadapter.Leader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeRecoveryCalls = append(f.writeRecoveryCalls, leader)
	return f.writeRecoveryErr
}

func (f *fakeDB) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeDB) LocalState(ctx context.Context) (dbadapter.LocalState, error) {
	return dbadapter.LocalState{IsRunning: true}, nil
}

func (f *fakeDB) IsLeader(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLeader, nil
}

func (f *fakeDB) IsHealthy(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, f.healthyErr
}

func (f *fakeDB) IsHealthiestNode(ctx context.Context, view kvstore.ClusterView) (bool, error) {
	return true, nil
}

func (f *fakeDB) XlogPosition(ctx context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeDB) Promote(ctx context.Context) error {
	return nil
}

func (f *fakeDB) Start(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr == nil, f.startErr
}

func (f *fakeDB) FollowTheLeader(ctx context.Context, leader *dbadapter.Leader) error {
	return nil
}

func (f *fakeDB) SyncReplicationSlots(ctx context.Context, expected map[string]bool) error {
	return nil
}
