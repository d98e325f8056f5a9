// Package kvstore adapts a remote linearizable key-value store to a
// narrow CAS/TTL contract, plus the decoder that turns one recursive
// read into a ClusterView.
//
// Grounded on other_examples/7c2edaf6_CeresDB-ceresmeta__server-member-member.go
// (an etcd-backed leader-election/membership module of the same shape)
// and on the common pattern of a thin, mockable client interface in
// front of a remote control plane.
package kvstore

// Member is the identity of a node participating in the cluster.
type Member struct {
	Name             string `json:"name"`
	ConnectionString string `json:"connection_string"`
	// TTL is the remaining lease seconds for this member's key, a
	// read-only view of the store's TTL — not meaningful except when
	// freshly read from Refresh.
	TTL int64 `json:"-"`
}

// ClusterView is the snapshot composed from one recursive read of the
// store subtree.
type ClusterView struct {
	Members          map[string]Member
	LeaderName       string
	LastLeaderOptime int64
}

// LeaderMember resolves LeaderName against Members. The second return
// value is false when the leader lease names a member that does not
// currently exist — a self-healing condition the decoder already acts
// on (see decode.go), but callers must still tolerate it because a
// concurrent expiry can race the decode itself.
func (v ClusterView) LeaderMember() (Member, bool) {
	if v.LeaderName == "" {
		return Member{}, false
	}
	m, ok := v.Members[v.LeaderName]
	return m, ok
}

// IsUnlocked reports whether the cluster currently has no live leader:
// either the leader name is absent, or it names a member that isn't.
func (v ClusterView) IsUnlocked() bool {
	_, ok := v.LeaderMember()
	return !ok
}
