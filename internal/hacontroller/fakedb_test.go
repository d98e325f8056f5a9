package hacontroller

import (
	"context"
	"sync"

	"github.com/pgsentinel/pgsentinel/internal/dbadapter"
	"github.com/pgsentinel/pgsentinel/internal/kvstore"
)

// fakeDB is a Database double driven entirely by canned return values,
// recording every call it receives for assertions — the same shape as
// kvstoretest.Fake, but for the database side of a cycle.
type fakeDB struct {
	mu sync.Mutex

	state      dbadapter.LocalState
	stateErr   error
	isLeader   bool
	isLeaderErr error
	healthiest bool
	healthiestErr error
	xlog       int64
	xlogErr    error

	promoteErr error
	startErr   error
	followErr  error
	syncErr    error

	promoteCalls int
	startCalls   int
	followCalls  []*dbadapter.Leader
	syncCalls    []map[string]bool
}

func (f *fakeDB) LocalState(ctx context.Context) (dbadapter.LocalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakeDB) IsLeader(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLeader, f.isLeaderErr
}

func (f *fakeDB) IsHealthiestNode(ctx context.Context, view kvstore.ClusterView) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthiest, f.healthiestErr
}

func (f *fakeDB) XlogPosition(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.xlog, f.xlogErr
}

func (f *fakeDB) Promote(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoteCalls++
	return f.promoteErr
}

func (f *fakeDB) Start(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr == nil, f.startErr
}

func (f *fakeDB) FollowTheLeader(ctx context.Context, leader *dbadapter.Leader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followCalls = append(f.followCalls, leader)
	return f.followErr
}

func (f *fakeDB) SyncReplicationSlots(ctx context.Context, expected map[string]bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, expected)
	return f.syncErr
}

func (f *fakeDB) followCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.followCalls)
}

func (f *fakeDB) lastFollow() *dbadapter.Leader {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.followCalls) == 0 {
		return nil
	}
	return f.followCalls[len(f.followCalls)-1]
}

func newRunningFakeDB() *fakeDB {
	return &fakeDB{state: dbadapter.LocalState{IsRunning: true}}
}
