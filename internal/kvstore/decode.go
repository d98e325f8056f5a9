package kvstore

import (
	"strconv"
	"strings"

	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"
)

// ttlLookup resolves a lease ID to its remaining TTL in seconds. Kept as
// an injectable function so decodeView can be unit tested without a
// live etcd server.
type ttlLookup func(leaseID int64) int64

// decodeView parses one recursive read's key-value pairs into a
// ClusterView: members, the current leader name, and the leader's last
// reported optime. The stale-leader self-heal (deleting a leader key
// whose member entry has already expired) is applied by the caller
// after decodeView returns, since it is a side effect rather than part
// of decoding.
func decodeView(scope string, kvs []*mvccpb.KeyValue, lookupTTL ttlLookup) (view ClusterView, leaderValue string) {
	view = ClusterView{Members: make(map[string]Member)}

	prefix := scope + "/"
	for _, kv := range kvs {
		rel := strings.TrimPrefix(string(kv.Key), prefix)
		switch {
		case rel == keyLeader:
			leaderValue = string(kv.Value)
		case rel == keyOptimeLeader:
			if n, err := strconv.ParseInt(string(kv.Value), 10, 64); err == nil {
				view.LastLeaderOptime = n
			}
		case strings.HasPrefix(rel, prefixMembers):
			name := strings.TrimPrefix(rel, prefixMembers)
			if name == "" {
				continue
			}
			m := Member{Name: name, ConnectionString: string(kv.Value)}
			if kv.Lease != 0 && lookupTTL != nil {
				m.TTL = lookupTTL(kv.Lease)
			}
			view.Members[name] = m
		}
	}

	view.LeaderName = leaderValue
	if leaderValue != "" {
		if _, exists := view.Members[leaderValue]; !exists {
			// Rule 4 deferred: caller CAS-deletes the stale lease and the
			// view is treated as leaderless either way.
			view.LeaderName = ""
		}
	}

	return view, leaderValue
}
