package kvstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pgsentinel/pgsentinel/internal/logging"
)

const (
	keyInitialize   = "initialize"
	keyLeader       = "leader"
	keyOptimeLeader = "optime/leader"
	prefixMembers   = "members/"
)

// EtcdStore is the shipped KV implementation, backed by an etcd v3
// client. Grounded on other_examples/7c2edaf6_CeresDB-ceresmeta
// (clientv3.Txn-based CAS, clientv3.Lease-based TTL) — the same pattern
// used there for etcd-backed leader election.
type EtcdStore struct {
	cli       *clientv3.Client
	scope     string
	leaderTTL time.Duration
	memberTTL time.Duration
	log       *logging.Logger
}

// TLSConfig bundles the client certificate material needed when the
// etcd endpoint uses https.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// NewEtcdStore dials the etcd endpoint described by host (scheme://host:port)
// and returns a KV rooted at scope.
func NewEtcdStore(
	ctx context.Context,
	host, scope string,
	leaderTTL, memberTTL time.Duration,
	tlsCfg *TLSConfig,
) (*EtcdStore, error) {
	cfg := clientv3.Config{
		Endpoints:   []string{host},
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	}

	if tlsCfg != nil {
		tc, err := buildTLSConfig(*tlsCfg)
		if err != nil {
			return nil, err
		}
		cfg.TLS = tc
	}

	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing etcd at %s: %w", host, err)
	}

	return &EtcdStore{
		cli:       cli,
		scope:     strings.Trim(scope, "/"),
		leaderTTL: leaderTTL,
		memberTTL: memberTTL,
		log:       logging.Get().WithName("kvstore"),
	}, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (s *EtcdStore) key(parts ...string) string {
	return path.Join(append([]string{s.scope}, parts...)...)
}

// Close releases the underlying gRPC connection.
func (s *EtcdStore) Close() error {
	return s.cli.Close()
}

// Refresh implements KV.Refresh by decoding one recursive read of scope,
// then self-healing a stale leader key whose member entry has expired.
func (s *EtcdStore) Refresh(ctx context.Context) (ClusterView, error) {
	resp, err := s.cli.Get(ctx, s.scope+"/", clientv3.WithPrefix())
	if err != nil {
		return ClusterView{}, fmt.Errorf("store unavailable: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return ClusterView{Members: make(map[string]Member)}, nil
	}

	lookupTTL := func(leaseID int64) int64 {
		ttlResp, err := s.cli.TimeToLive(ctx, clientv3.LeaseID(leaseID))
		if err != nil {
			return 0
		}
		return ttlResp.TTL
	}

	view, leaderValue := decodeView(s.scope, resp.Kvs, lookupTTL)

	if leaderValue != "" && view.LeaderName == "" {
		// Decode rule 4: self-heal a stale lease whose member has
		// already expired. Best-effort — a failure here just means
		// the next Refresh tries again.
		s.bestEffortDeleteStaleLeader(ctx, leaderValue)
	}

	return view, nil
}

func (s *EtcdStore) bestEffortDeleteStaleLeader(ctx context.Context, staleValue string) {
	leaderKey := s.key(keyLeader)
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(leaderKey), "=", staleValue)).
		Then(clientv3.OpDelete(leaderKey))
	if _, err := txn.Commit(); err != nil {
		s.log.Debug("best-effort stale leader delete failed", "error", err)
	}
}

func (s *EtcdStore) grantLease(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	lease, err := s.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return 0, err
	}
	return lease.ID, nil
}

// TouchMember implements KV.TouchMember.
func (s *EtcdStore) TouchMember(ctx context.Context, name, connStr string) Result {
	leaseID, err := s.grantLease(ctx, s.memberTTL)
	if err != nil {
		return transportFailed(err)
	}
	_, err = s.cli.Put(ctx, s.key(prefixMembers+name), connStr, clientv3.WithLease(leaseID))
	if err != nil {
		return transportFailed(err)
	}
	return ok()
}

// RaceInit implements KV.RaceInit: CAS-absent on `initialize`.
func (s *EtcdStore) RaceInit(ctx context.Context, name string) Result {
	k := s.key(keyInitialize)
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, name))
	resp, err := txn.Commit()
	if err != nil {
		return transportFailed(err)
	}
	if !resp.Succeeded {
		return compareFailed()
	}
	return ok()
}

// AttemptAcquireLeader implements KV.AttemptAcquireLeader: CAS-absent
// with a leader_ttl lease. This is the ONLY takeover path — a stale
// lease is never forcibly seized, it must expire first.
func (s *EtcdStore) AttemptAcquireLeader(ctx context.Context, name string) Result {
	leaseID, err := s.grantLease(ctx, s.leaderTTL)
	if err != nil {
		return transportFailed(err)
	}
	k := s.key(keyLeader)
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, name, clientv3.WithLease(leaseID)))
	resp, err := txn.Commit()
	if err != nil {
		return transportFailed(err)
	}
	if !resp.Succeeded {
		return compareFailed()
	}
	return ok()
}

// RenewLeader implements KV.RenewLeader: CAS prev-value==name.
func (s *EtcdStore) RenewLeader(ctx context.Context, name string) Result {
	leaseID, err := s.grantLease(ctx, s.leaderTTL)
	if err != nil {
		return transportFailed(err)
	}
	k := s.key(keyLeader)
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", name)).
		Then(clientv3.OpPut(k, name, clientv3.WithLease(leaseID)))
	resp, err := txn.Commit()
	if err != nil {
		return transportFailed(err)
	}
	if !resp.Succeeded {
		return compareFailed()
	}
	return ok()
}

// WriteOptime implements KV.WriteOptime: an unconditional put.
func (s *EtcdStore) WriteOptime(ctx context.Context, n int64) Result {
	_, err := s.cli.Put(ctx, s.key(keyOptimeLeader), strconv.FormatInt(n, 10))
	if err != nil {
		return transportFailed(err)
	}
	return ok()
}

// ReleaseLeader implements KV.ReleaseLeader: CAS delete prev-value==name.
func (s *EtcdStore) ReleaseLeader(ctx context.Context, name string) Result {
	k := s.key(keyLeader)
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", name)).
		Then(clientv3.OpDelete(k))
	resp, err := txn.Commit()
	if err != nil {
		return transportFailed(err)
	}
	if !resp.Succeeded {
		return compareFailed()
	}
	return ok()
}

// DeleteMember implements KV.DeleteMember.
func (s *EtcdStore) DeleteMember(ctx context.Context, name string) Result {
	_, err := s.cli.Delete(ctx, s.key(prefixMembers+name))
	if err != nil {
		return transportFailed(err)
	}
	return ok()
}
