package kvstore

import (
	"testing"

	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"
)

func kv(key, value string, lease int64) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value), Lease: lease}
}

func TestDecodeView_EmptyScope(t *testing.T) {
	view, leaderValue := decodeView("/service/pg", nil, nil)
	if len(view.Members) != 0 {
		t.Fatalf("expected no members, got %v", view.Members)
	}
	if view.LeaderName != "" || leaderValue != "" {
		t.Fatalf("expected no leader")
	}
	if !view.IsUnlocked() {
		t.Fatalf("empty view must be unlocked")
	}
}

func TestDecodeView_MembersAndLeaderAndOptime(t *testing.T) {
	kvs := []*mvccpb.KeyValue{
		kv("/service/pg/members/a", "postgres://a", 100),
		kv("/service/pg/members/b", "postgres://b", 101),
		kv("/service/pg/leader", "a", 0),
		kv("/service/pg/optime/leader", "4242", 0),
	}
	ttl := func(lease int64) int64 { return lease - 90 }

	view, leaderValue := decodeView("/service/pg", kvs, ttl)

	if leaderValue != "a" {
		t.Fatalf("expected raw leader value 'a', got %q", leaderValue)
	}
	if view.LeaderName != "a" {
		t.Fatalf("expected decoded leader 'a', got %q", view.LeaderName)
	}
	if view.LastLeaderOptime != 4242 {
		t.Fatalf("expected optime 4242, got %d", view.LastLeaderOptime)
	}
	if len(view.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(view.Members))
	}
	if view.Members["a"].TTL != 10 {
		t.Fatalf("expected TTL 10, got %d", view.Members["a"].TTL)
	}
	if view.IsUnlocked() {
		t.Fatalf("view with a live leader member must be locked")
	}
}

func TestDecodeView_StaleLeaderSelfHeals(t *testing.T) {
	// Rule 4: leader names a member that isn't present in this read —
	// decodeView must report the view as leaderless even though it
	// still hands the raw stale value back to the caller so it can
	// issue the best-effort CAS-delete.
	kvs := []*mvccpb.KeyValue{
		kv("/service/pg/members/b", "postgres://b", 0),
		kv("/service/pg/leader", "x", 0),
	}

	view, leaderValue := decodeView("/service/pg", kvs, nil)

	if leaderValue != "x" {
		t.Fatalf("expected raw stale leader value 'x', got %q", leaderValue)
	}
	if view.LeaderName != "" {
		t.Fatalf("expected decoded view to be leaderless, got %q", view.LeaderName)
	}
	if !view.IsUnlocked() {
		t.Fatalf("view with a stale leader must be unlocked")
	}
}

func TestDecodeView_OptimeAbsentDefaultsZero(t *testing.T) {
	view, _ := decodeView("/service/pg", []*mvccpb.KeyValue{
		kv("/service/pg/members/a", "postgres://a", 0),
	}, nil)
	if view.LastLeaderOptime != 0 {
		t.Fatalf("expected optime 0, got %d", view.LastLeaderOptime)
	}
}
