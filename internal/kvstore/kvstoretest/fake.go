// Package kvstoretest provides an in-memory kvstore.KV fake for tests in
// other packages (hacontroller, supervisor), the same way a Kubernetes
// controller's tests substitute a fake ctrl.Client rather than talking
// to a live API server.
package kvstoretest

import (
	"context"
	"sync"

	"github.com/pgsentinel/pgsentinel/internal/kvstore"
)

// Fake is an in-memory kvstore.KV. It is safe for concurrent use by a
// single test goroutine driving a single supervisor; it does not model
// TTL expiry unless ExpireLeader/ExpireMember is called explicitly.
type Fake struct {
	mu sync.Mutex

	members map[string]kvstore.Member
	leader  string
	optime  int64
	init    string

	// TransportErr, when set, makes every subsequent call return a
	// TransportFailed outcome (or error from Refresh) until cleared.
	TransportErr error
}

// New returns an empty Fake store.
func New() *Fake {
	return &Fake{members: make(map[string]kvstore.Member)}
}

func (f *Fake) transportResult() (kvstore.Result, bool) {
	if f.TransportErr != nil {
		return kvstore.Result{Outcome: kvstore.TransportFailed, Err: f.TransportErr}, true
	}
	return kvstore.Result{}, false
}

func (f *Fake) Refresh(ctx context.Context) (kvstore.ClusterView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransportErr != nil {
		return kvstore.ClusterView{}, f.TransportErr
	}

	view := kvstore.ClusterView{
		Members:          make(map[string]kvstore.Member, len(f.members)),
		LeaderName:       f.leader,
		LastLeaderOptime: f.optime,
	}
	for k, v := range f.members {
		view.Members[k] = v
	}
	if view.LeaderName != "" {
		if _, ok := view.Members[view.LeaderName]; !ok {
			// self-heal, matching decode rule 4
			f.leader = ""
			view.LeaderName = ""
		}
	}
	return view, nil
}

func (f *Fake) TouchMember(ctx context.Context, name, connStr string) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	f.members[name] = kvstore.Member{Name: name, ConnectionString: connStr}
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) RaceInit(ctx context.Context, name string) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	if f.init != "" {
		return kvstore.Result{Outcome: kvstore.CompareFailed}
	}
	f.init = name
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) AttemptAcquireLeader(ctx context.Context, name string) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	if f.leader != "" {
		return kvstore.Result{Outcome: kvstore.CompareFailed}
	}
	f.leader = name
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) RenewLeader(ctx context.Context, name string) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	if f.leader != name {
		return kvstore.Result{Outcome: kvstore.CompareFailed}
	}
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) WriteOptime(ctx context.Context, n int64) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	f.optime = n
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) ReleaseLeader(ctx context.Context, name string) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	if f.leader != name {
		return kvstore.Result{Outcome: kvstore.CompareFailed}
	}
	f.leader = ""
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) DeleteMember(ctx context.Context, name string) kvstore.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, transport := f.transportResult(); transport {
		return r
	}
	delete(f.members, name)
	return kvstore.Result{Outcome: kvstore.Ok}
}

func (f *Fake) Close() error { return nil }

// ExpireLeader simulates TTL expiry of the leader lease, as would
// happen naturally after leader_ttl seconds without a renewal.
func (f *Fake) ExpireLeader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = ""
}

// ExpireMember simulates TTL expiry of a member key.
func (f *Fake) ExpireMember(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, name)
}

// SeedLeaderOptime lets a test set up the leader/optime state directly
// without going through the CAS API.
func (f *Fake) SeedLeaderOptime(leader string, optime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = leader
	f.optime = optime
}

// CurrentLeader returns the raw leader value for assertions.
func (f *Fake) CurrentLeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}
