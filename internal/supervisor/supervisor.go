// Package supervisor drives the periodic tick that ties the consensus
// store, the HA controller, and the local PostgreSQL instance together:
// startup/initialization, the steady-state loop, and shutdown cleanup.
//
// Grounded on the teacher's instance-run command (run/cmd.go) and its
// lifecycle manager (run/lifecycle/lifecycle.go), which drive a
// not-dissimilar "reconcile on a timer, clean up deterministically on
// shutdown" shape around a single local PostgreSQL instance — adapted
// here from a controller-runtime manager.Runnable into a bare ticker
// loop, since there is no Kubernetes API server to reconcile against.
package supervisor

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pgsentinel/pgsentinel/internal/config"
	"github.com/pgsentinel/pgsentinel/internal/dbadapter"
	"github.com/pgsentinel/pgsentinel/internal/hacontroller"
	"github.com/pgsentinel/pgsentinel/internal/kvstore"
	"github.com/pgsentinel/pgsentinel/internal/logging"
	"github.com/pgsentinel/pgsentinel/internal/metrics"
)

// storeRetryDelay is the 5-second backoff spec §4.4/§9 mandates for the
// store-connect retry loop and the sync-from-leader retry loop.
const storeRetryDelay = 5 * time.Second

// Database is the subset of *dbadapter.Database the Supervisor drives
// directly, in addition to everything hacontroller.Database needs —
// kept as an interface so startup/cleanup can be unit tested without a
// real PostgreSQL instance.
type Database interface {
	hacontroller.Database

	DataDirectoryEmpty() (bool, error)
	Initialize(ctx context.Context) error
	IsHealthy(ctx context.Context) (bool, error)
	LoadKnownSlots(ctx context.Context) error
	CreateUsers(ctx context.Context) error
	SyncFromLeader(ctx context.Context, leader dbadapter.Leader) error
	WriteRecoveryConf(leader *dbadapter.Leader) error
	Stop(ctx context.Context) error
}

// Supervisor is the per-node process described by spec §4.4.
type Supervisor struct {
	cfg   *config.Config
	store kvstore.KV
	db    Database
	ha    *hacontroller.Controller
	log   *logging.Logger
	rec   *metrics.Recorder

	connStr string
}

// New builds a Supervisor. rec may be nil, in which case cycle metrics
// are simply not recorded.
func New(cfg *config.Config, store kvstore.KV, db Database, log *logging.Logger, rec *metrics.Recorder) *Supervisor {
	log = log.WithName("supervisor")
	ha := hacontroller.New(hacontroller.Config{SelfName: cfg.Postgresql.Name}, store, db, log)
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		db:      db,
		ha:      ha,
		log:     log,
		rec:     rec,
		connStr: selfConnectionString(cfg),
	}
}

// selfConnectionString builds the URL this node advertises to peers:
// the replication credentials plus the advertised connect_address, per
// spec §3's Member.connection_string.
func selfConnectionString(cfg *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Postgresql.Replication.Username, cfg.Postgresql.Replication.Password),
		Host:   cfg.Postgresql.ConnectAddress,
		Path:   "/postgres",
	}
	return u.String()
}

// Initialize runs the startup sequence of spec §4.4: connect to the
// store (retrying every 5s), touch this node's member key, then either
// skip (data directory already populated) or run InitCluster.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.touchMemberWithRetry(ctx); err != nil {
		return err
	}

	empty, err := s.db.DataDirectoryEmpty()
	if err != nil {
		return fmt.Errorf("checking data directory: %w", err)
	}

	if !empty {
		healthy, err := s.db.IsHealthy(ctx)
		if err != nil {
			s.log.Error(err, "checking existing instance health during startup")
			return nil
		}
		if healthy {
			s.log.Info("data directory is non-empty and postgresql is already running")
			if err := s.db.LoadKnownSlots(ctx); err != nil {
				s.log.Error(err, "failed to load existing replication slots from the running instance")
			}
		} else {
			s.log.Info("data directory is non-empty; assuming a normal start at the next cycle")
		}
		return nil
	}

	return s.initCluster(ctx)
}

func (s *Supervisor) touchMemberWithRetry(ctx context.Context) error {
	return retry.Do(
		func() error {
			result := s.store.TouchMember(ctx, s.cfg.Postgresql.Name, s.connStr)
			if result.Transient() {
				return result
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(storeRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			s.log.Error(err, "store unreachable during startup, retrying", "attempt", n)
		}),
	)
}

// initCluster implements spec §4.4 step 4: race (or, with
// --force-leader, skip the race and) bootstrap as leader on a win,
// otherwise clone from whoever wins it.
func (s *Supervisor) initCluster(ctx context.Context) error {
	if s.cfg.ForceLeader {
		s.log.Info("force-leader set on an empty data directory, skipping the init race")
		return s.bootstrapAsLeader(ctx)
	}

	race := s.store.RaceInit(ctx, s.cfg.Postgresql.Name)
	if race.Transient() {
		return fmt.Errorf("race_init: %w", race)
	}
	if race.Succeeded() {
		s.log.Info("won the initialization race, bootstrapping as the first leader")
		return s.bootstrapAsLeader(ctx)
	}

	s.log.Info("lost the initialization race, syncing from whoever wins the leader lease")
	return s.syncFromLeaderUntilSuccess(ctx)
}

func (s *Supervisor) bootstrapAsLeader(ctx context.Context) error {
	if err := s.db.Initialize(ctx); err != nil {
		return fmt.Errorf("initdb: %w", err)
	}
	if result := s.store.AttemptAcquireLeader(ctx, s.cfg.Postgresql.Name); result.Transient() {
		return fmt.Errorf("acquiring initial leader lease: %w", result)
	}
	if _, err := s.db.Start(ctx); err != nil {
		return fmt.Errorf("starting freshly initialized database: %w", err)
	}
	if err := s.db.CreateUsers(ctx); err != nil {
		return fmt.Errorf("creating roles: %w", err)
	}
	return nil
}

// syncFromLeaderUntilSuccess implements spec §4.4 step 5 / §9 open
// question 3: retry every 5s, indefinitely, only within this startup
// branch.
func (s *Supervisor) syncFromLeaderUntilSuccess(ctx context.Context) error {
	return retry.Do(
		func() error {
			view, err := s.store.Refresh(ctx)
			if err != nil {
				return err
			}
			leaderMember, ok := view.LeaderMember()
			if !ok {
				return fmt.Errorf("no leader known yet")
			}
			leader := dbadapter.Leader{Name: leaderMember.Name, ConnectionString: leaderMember.ConnectionString}

			if err := s.db.SyncFromLeader(ctx, leader); err != nil {
				return fmt.Errorf("pg_basebackup from %s: %w", leader.Name, err)
			}
			if err := s.db.WriteRecoveryConf(&leader); err != nil {
				return err
			}
			if _, err := s.db.Start(ctx); err != nil {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(storeRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			s.log.Error(err, "could not sync from leader yet, retrying", "attempt", n)
		}),
	)
}

// Loop drives the steady-state tick of spec §4.4: touch_member, one HA
// cycle, sleep loop_wait. It returns when done is closed or ctx is
// canceled.
func (s *Supervisor) Loop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.LoopWaitDuration())
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	if result := s.store.TouchMember(ctx, s.cfg.Postgresql.Name, s.connStr); result.Transient() {
		s.log.Error(result, "touch_member failed this tick")
	}

	start := time.Now()
	msg := s.ha.RunCycle(ctx)

	if s.rec != nil {
		s.rec.ObserveCycle(time.Since(start), msg)
		if isLeader, err := s.db.IsLeader(ctx); err == nil {
			s.rec.SetIsLeader(isLeader)
		}
	}
}

// Cleanup implements spec §4.4's shutdown sequence: stop the database,
// delete the member key, and CAS-delete the leader key, ignoring
// compare-failed/not-found on both store calls.
func (s *Supervisor) Cleanup(ctx context.Context) {
	if err := s.db.Stop(ctx); err != nil {
		s.log.Error(err, "failed to stop database during cleanup")
	}
	if result := s.store.DeleteMember(ctx, s.cfg.Postgresql.Name); result.Transient() {
		s.log.Error(result, "failed to delete member key during cleanup")
	}
	if result := s.store.ReleaseLeader(ctx, s.cfg.Postgresql.Name); result.Transient() {
		s.log.Error(result, "failed to release leader lease during cleanup")
	}
}
