package kvstore

import "context"

// KV is the narrow consensus-store contract the rest of pgsentinel
// depends on. Any linearizable CAS+TTL store implements it; the only
// shipped implementation is the etcd one in etcd.go. HA and Supervisor
// code never talks to etcd directly.
type KV interface {
	// Refresh performs one recursive read of the scope and decodes it
	// into a ClusterView. An empty/absent scope yields a zero-value
	// ClusterView with an initialized empty Members map, not an error.
	Refresh(ctx context.Context) (ClusterView, error)

	// TouchMember upserts members/<name> with the given connection
	// string and a TTL of member_ttl.
	TouchMember(ctx context.Context, name, connStr string) Result

	// RaceInit performs a CAS-absent write on the `initialize` key.
	// Succeeded() is true iff this call won the one-shot bootstrap race.
	RaceInit(ctx context.Context, name string) Result

	// AttemptAcquireLeader performs a CAS-absent write on `leader` with
	// a TTL of leader_ttl. Succeeded() is true iff this call won the
	// lease.
	AttemptAcquireLeader(ctx context.Context, name string) Result

	// RenewLeader performs a CAS write on `leader` asserting the prior
	// value equals name, refreshing its TTL to leader_ttl.
	RenewLeader(ctx context.Context, name string) Result

	// WriteOptime performs an unconditional put of n on optime/leader.
	WriteOptime(ctx context.Context, n int64) Result

	// ReleaseLeader performs a CAS delete of `leader` asserting the
	// prior value equals name.
	ReleaseLeader(ctx context.Context, name string) Result

	// DeleteMember deletes members/<name> unconditionally.
	DeleteMember(ctx context.Context, name string) Result

	// Close releases the underlying transport.
	Close() error
}
