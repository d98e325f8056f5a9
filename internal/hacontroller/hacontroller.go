// Package hacontroller implements the failover state machine: a
// (ClusterView, local database state) -> action-plan function that
// encodes the election, fencing, and follow/promote rules of the
// cluster's high-availability control loop.
//
// Grounded on the decision-table shape of a Kubernetes operator's
// reconcile loop (teacher's internal/management/controller package),
// adapted from "desired state vs. observed state -> Kubernetes API
// calls" into "cluster view vs. local postgres state -> store CAS
// writes and database commands".
package hacontroller

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pgsentinel/pgsentinel/internal/dbadapter"
	"github.com/pgsentinel/pgsentinel/internal/kvstore"
	"github.com/pgsentinel/pgsentinel/internal/logging"
)

// Store is the subset of kvstore.KV the controller drives directly.
type Store interface {
	Refresh(ctx context.Context) (kvstore.ClusterView, error)
	AttemptAcquireLeader(ctx context.Context, name string) kvstore.Result
	RenewLeader(ctx context.Context, name string) kvstore.Result
	WriteOptime(ctx context.Context, n int64) kvstore.Result
}

// Database is the subset of *dbadapter.Database the controller drives
// directly. Kept as an interface so cycle logic can be exercised
// against a fake instead of a real PostgreSQL instance.
type Database interface {
	LocalState(ctx context.Context) (dbadapter.LocalState, error)
	IsLeader(ctx context.Context) (bool, error)
	IsHealthiestNode(ctx context.Context, view kvstore.ClusterView) (bool, error)
	XlogPosition(ctx context.Context) (int64, error)
	Promote(ctx context.Context) error
	Start(ctx context.Context) (bool, error)
	FollowTheLeader(ctx context.Context, leader *dbadapter.Leader) error
	SyncReplicationSlots(ctx context.Context, expected map[string]bool) error
}

// Config is the controller's own knobs, sourced from postgresql.name.
type Config struct {
	SelfName string
}

// Controller is the HA Controller of spec §4.3.
type Controller struct {
	cfg   Config
	store Store
	db    Database
	log   *logging.Logger
}

// New builds a Controller over store and db for the named self node.
func New(cfg Config, store Store, db Database, log *logging.Logger) *Controller {
	return &Controller{cfg: cfg, store: store, db: db, log: log.WithName("hacontroller")}
}

// RunCycle runs exactly one HA cycle and returns the single advisory
// message it decided on (spec §7: "every cycle emits exactly one log
// line describing its decision"). Unhandled panics from within a cycle
// are caught here so the loop never dies.
func (c *Controller) RunCycle(ctx context.Context) (msg string) {
	log := c.log.WithValues("cycle_id", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("%v", r), "recovered from panic inside ha cycle")
			msg = "no action: recovered from an internal error"
		}
	}()

	view, err := c.store.Refresh(ctx)
	if err != nil {
		return c.handleStoreUnreachable(ctx, log, err)
	}

	view, recovered, err := c.runRecoverHook(ctx, log, view)
	if err != nil {
		log.Error(err, "recover hook failed")
		return "no action: recover hook failed"
	}
	if recovered && view.LeaderName != c.cfg.SelfName {
		log.Info("started as secondary")
		return "started as secondary"
	}

	isLeader, err := c.db.IsLeader(ctx)
	if err != nil {
		log.Error(err, "database query failed checking local leader state")
		return "no action: database query failed"
	}

	if view.IsUnlocked() {
		return c.handleUnlocked(ctx, log, view, isLeader)
	}
	return c.handleLocked(ctx, log, view, isLeader)
}

// runRecoverHook implements the "Recover hook" of spec §4.3: if the
// local database isn't running, start it — as a bare read-only
// follower of no one if this node currently owns the lease, otherwise
// as a follower of the current leader — then re-refresh the view so
// the rest of the cycle acts on fresh state.
func (c *Controller) runRecoverHook(ctx context.Context, log *logging.Logger, view kvstore.ClusterView) (kvstore.ClusterView, bool, error) {
	local, err := c.db.LocalState(ctx)
	if err != nil {
		return view, false, err
	}
	if local.IsRunning {
		return view, false, nil
	}

	log.Info("local database is not running, attempting recovery")

	var leader *dbadapter.Leader
	if view.LeaderName != c.cfg.SelfName {
		leader = leaderTarget(view)
	}
	if err := c.db.FollowTheLeader(ctx, leader); err != nil {
		return view, false, fmt.Errorf("writing recovery configuration during recover: %w", err)
	}
	if _, err := c.db.Start(ctx); err != nil {
		return view, false, fmt.Errorf("starting database during recover: %w", err)
	}

	refreshed, err := c.store.Refresh(ctx)
	if err != nil {
		log.Error(err, "re-refresh after recovery failed, reusing prior view")
		return view, true, nil
	}
	return refreshed, true, nil
}

// handleUnlocked implements the four "cluster unlocked" rows of §4.3's
// decision table.
func (c *Controller) handleUnlocked(ctx context.Context, log *logging.Logger, view kvstore.ClusterView, isLeader bool) string {
	healthiest, err := c.db.IsHealthiestNode(ctx, view)
	if err != nil {
		log.Error(err, "failed to determine healthiest node")
		return "no action: could not determine healthiest node"
	}
	if !healthiest {
		return c.demoteOrFollow(ctx, log, view, isLeader, "because i am not the healthiest node")
	}

	acquired := c.store.AttemptAcquireLeader(ctx, c.cfg.SelfName)
	if acquired.Succeeded() {
		if isLeader {
			const msg = "acquired session lock as a leader"
			log.Info(msg)
			return msg
		}
		if err := c.db.Promote(ctx); err != nil {
			log.Error(err, "promote failed after acquiring session lock")
			return "no action: promote failed after acquiring session lock"
		}
		const msg = "promoted self to leader by acquiring session lock"
		log.Info(msg)
		return msg
	}

	// Lost the race for the lease: someone else took it between our
	// Refresh and this CAS. Re-refresh so the demote/follow decision
	// below acts on who actually holds it now.
	freshView, err := c.store.Refresh(ctx)
	if err != nil {
		return c.handleStoreUnreachable(ctx, log, err)
	}
	return c.demoteOrFollow(ctx, log, freshView, isLeader, "after trying and failing to obtain lock")
}

// handleLocked implements the two "cluster locked" rows of §4.3's
// decision table.
func (c *Controller) handleLocked(ctx context.Context, log *logging.Logger, view kvstore.ClusterView, isLeader bool) string {
	if view.LeaderName != c.cfg.SelfName {
		return c.demoteOrFollow(ctx, log, view, isLeader, reasonNoLock)
	}

	renewed := c.store.RenewLeader(ctx, c.cfg.SelfName)
	if !renewed.Succeeded() {
		return c.demoteOrFollow(ctx, log, view, isLeader, reasonNoLock)
	}

	xlog, err := c.db.XlogPosition(ctx)
	if err != nil {
		log.Error(err, "failed to read local xlog position")
		return "no action: database query failed"
	}
	if result := c.store.WriteOptime(ctx, xlog); result.Transient() {
		log.Error(result, "failed to write optime after renewing the session lock")
	}

	// Post-lease-renewal side effect: reconcile replication slots for
	// every current member except self.
	expected := expectedSlotNames(view, c.cfg.SelfName)
	if err := c.db.SyncReplicationSlots(ctx, expected); err != nil {
		log.Error(err, "failed to sync replication slots")
	}

	if isLeader {
		const msg = "no action. i am the leader with the lock"
		log.Info(msg)
		return msg
	}
	if err := c.db.Promote(ctx); err != nil {
		log.Error(err, "promote failed while holding the session lock")
		return "no action: promote failed while holding the session lock"
	}
	const msg = "promoted self to leader because i had the session lock"
	log.Info(msg)
	return msg
}

// reasonNoLock is the reason the "cluster locked" rows pass to
// demoteOrFollow; a standby following for this reason reports no action.
const reasonNoLock = "because i do not have the lock"

// demoteOrFollow applies demote() ≡ follow_the_leader(current leader)
// when the local database is a primary, or a plain follow when it
// already is a standby, and returns the matching advisory message. Both
// messages carry reason, except a standby following because it does not
// hold the lock, which reports "no action. i am a secondary and i am
// following a leader".
func (c *Controller) demoteOrFollow(ctx context.Context, log *logging.Logger, view kvstore.ClusterView, isLeader bool, reason string) string {
	leader := leaderTarget(view)
	if err := c.db.FollowTheLeader(ctx, leader); err != nil {
		log.Error(err, "follow_the_leader failed")
		return "no action: follow_the_leader failed " + reason
	}
	if isLeader {
		msg := "demoting self " + reason
		log.Info(msg)
		return msg
	}
	msg := "following a leader " + reason
	if reason == reasonNoLock {
		msg = "no action. i am a secondary and i am following a leader"
	}
	log.Info(msg)
	return msg
}

// handleStoreUnreachable implements the store-unreachable exception
// branch of spec §4.3/§7: if local is primary, isolate to read-only by
// following no one; the lease is never released here — it expires
// naturally.
func (c *Controller) handleStoreUnreachable(ctx context.Context, log *logging.Logger, storeErr error) string {
	log.Error(storeErr, "consensus store unreachable during ha cycle")

	isLeader, err := c.db.IsLeader(ctx)
	if err != nil {
		log.Error(err, "database query failed while isolating from an unreachable store")
		return "no action: database query failed"
	}
	if !isLeader {
		const msg = "no action. etcd is not accessible"
		log.Info(msg)
		return msg
	}

	if err := c.db.FollowTheLeader(ctx, nil); err != nil {
		log.Error(err, "failed to demote to read-only after losing the consensus store")
		return "no action: failed to demote after losing etcd"
	}
	const msg = "demoted self because etcd is not accessible and i was a leader"
	log.Info(msg)
	return msg
}

// leaderTarget resolves view's current leader member, if any, into the
// dbadapter.Leader shape FollowTheLeader expects.
func leaderTarget(view kvstore.ClusterView) *dbadapter.Leader {
	m, ok := view.LeaderMember()
	if !ok {
		return nil
	}
	return &dbadapter.Leader{Name: m.Name, ConnectionString: m.ConnectionString}
}

// expectedSlotNames computes expected ≡ {peer names} \ {self} from the
// cluster view, the input SyncReplicationSlots is always called with.
func expectedSlotNames(view kvstore.ClusterView, self string) map[string]bool {
	names := make([]string, 0, len(view.Members))
	for name := range view.Members {
		names = append(names, name)
	}
	return dbadapter.ExpectedSlotNames(names, self)
}
