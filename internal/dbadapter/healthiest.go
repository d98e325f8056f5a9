package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/pgsentinel/pgsentinel/internal/kvstore"
	"github.com/pgsentinel/pgsentinel/internal/logging"
)

const peerProbeTimeout = 3 * time.Second

// IsHealthiestNode decides whether this node should be allowed to take
// over leadership, given the cluster view:
//
//  1. If the local DB is a primary, it is healthiest (short-circuit).
//  2. Else if view.last_leader_optime - local.xlog_position exceeds
//     maximum_lag_on_failover, it is NOT healthiest.
//  3. Else, probe every other live, reachable member concurrently; if
//     any reachable peer is also a standby and has replayed at least as
//     far as this node, this node is NOT the healthiest. Unreachable
//     peers are skipped (non-disqualifying). Ties are broken
//     pessimistically: strictly-greater replay wins, equal does not
//     disqualify.
func (d *Database) IsHealthiestNode(ctx context.Context, view kvstore.ClusterView) (bool, error) {
	local, err := d.LocalState(ctx)
	if err != nil {
		return false, err
	}

	if !local.InRecovery {
		return true, nil
	}

	if view.LastLeaderOptime-local.XlogPosition > d.cfg.MaximumLagOnFailover {
		return false, nil
	}

	disqualified, probeErr := d.anyPeerHealthier(ctx, view, local.XlogPosition)
	if probeErr != nil {
		// Healthiest-member-determination failure: return "not
		// healthiest" defensively.
		return false, probeErr
	}
	return !disqualified, nil
}

// anyPeerHealthier probes every member other than self concurrently and
// reports whether at least one reachable peer is a standby that has
// replayed at least as far as selfLSN.
func (d *Database) anyPeerHealthier(ctx context.Context, view kvstore.ClusterView, selfLSN int64) (bool, error) {
	type probeResult struct {
		disqualifying bool
		err           error
	}

	results := make(chan probeResult, len(view.Members))
	var wg sync.WaitGroup
	log := logging.FromContext(ctx).WithName("healthiest-probe")

	for name, member := range view.Members {
		if name == d.cfg.SelfName {
			continue
		}
		wg.Add(1)
		go func(m kvstore.Member) {
			defer wg.Done()
			disqualifying, err := probePeer(ctx, m, selfLSN)
			if err != nil {
				results <- probeResult{err: fmt.Errorf("peer %s: %w", m.Name, err)}
				return
			}
			results <- probeResult{disqualifying: disqualifying}
		}(member)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var aggErr error
	disqualified := false
	for r := range results {
		if r.err != nil {
			aggErr = multierr.Append(aggErr, r.err)
			continue // unreachable peers are skipped, never disqualifying
		}
		if r.disqualifying {
			disqualified = true
		}
	}
	if aggErr != nil {
		log.Debug("skipping unreachable peers during healthiest check", "error", aggErr)
	}
	return disqualified, nil
}

// probePeer opens a short-lived read connection to member and asks
// SELECT pg_is_in_recovery(), <self_lsn> - pg_last_wal_replay_lsn().
// It returns disqualifying=true iff the peer is itself a standby
// (in_recovery) that has replayed at least as far as selfLSN
// (lag_diff >= 0).
func probePeer(ctx context.Context, member kvstore.Member, selfLSN int64) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, peerProbeTimeout)
	defer cancel()

	db, err := sql.Open("pgx", member.ConnectionString)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var inRecovery bool
	var lagDiff int64
	err = db.QueryRowContext(pctx,
		"SELECT pg_is_in_recovery(), $1 - pg_last_wal_replay_lsn()", selfLSN).
		Scan(&inRecovery, &lagDiff)
	if err != nil {
		return false, err
	}

	return inRecovery && lagDiff >= 0, nil
}
