// Command pgsentinel is the per-node high-availability supervisor of
// spec.md: it elects a leader PostgreSQL instance through etcd,
// initializes followers by physical base backup, and continuously
// converges the local instance's primary/standby state.
//
// Grounded on the teacher's "instance run" subcommand
// (internal/cmd/manager/instance/run/cmd.go), adapted from a Kubernetes
// sidecar invocation into a standalone cobra root command that takes a
// YAML config path directly, per spec §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pgsentinel/pgsentinel/internal/config"
	"github.com/pgsentinel/pgsentinel/internal/dbadapter"
	"github.com/pgsentinel/pgsentinel/internal/kvstore"
	"github.com/pgsentinel/pgsentinel/internal/logging"
	"github.com/pgsentinel/pgsentinel/internal/metrics"
	"github.com/pgsentinel/pgsentinel/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type overrides struct {
	forceLeader         bool
	advertiseURL        string
	etcdURL             string
	allowClientNet      string
	allowReplicationNet string
	caFile              string
	certFile            string
	keyFile             string
	devLogging          bool
}

func newRootCmd() *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "pgsentinel <config.yaml>",
		Short: "Per-node PostgreSQL high-availability supervisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], o)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.BoolVar(&o.forceLeader, "force-leader", false,
		"skip the init race and seize the leader lease unconditionally on an empty data directory")
	flags.StringVar(&o.advertiseURL, "advertise-url", "", "override postgresql.connect_address")
	flags.StringVar(&o.etcdURL, "etcd-url", "", "override etcd.host")
	flags.StringVar(&o.allowClientNet, "allow-client-net", "", "override postgresql.auth.network")
	flags.StringVar(&o.allowReplicationNet, "allow-replication-net", "", "override postgresql.replication.network")
	flags.StringVar(&o.caFile, "ca-file", "", "override etcd.ca_file")
	flags.StringVar(&o.certFile, "cert-file", "", "override etcd.cert_file")
	flags.StringVar(&o.keyFile, "key-file", "", "override etcd.key_file")
	flags.BoolVar(&o.devLogging, "dev-logging", false, "use human-readable development logging instead of JSON")

	return cmd
}

func run(ctx context.Context, configPath string, o overrides) error {
	if o.devLogging {
		logging.SetDevelopment()
	}
	log := logging.Get().WithName("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyOverrides(cfg, o)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connecting to consensus store: %w", err)
	}
	defer store.Close()

	runner := dbadapter.NewExecRunner(log.WithName("postgres"))
	db := dbadapter.New(dbToDatabaseConfig(cfg), runner, log.WithName("postgres"))

	var rec *metrics.Recorder
	if cfg.Metrics.Listen != "" {
		var reg *prometheus.Registry
		rec, reg = metrics.NewRecorder()
		go metrics.Serve(ctx, cfg.Metrics.Listen, reg, log)
	}

	sup := supervisor.New(cfg, store, db, log, rec)

	if err := sup.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	done := make(chan struct{})
	loopDone := make(chan struct{})
	go func() {
		sup.Loop(ctx, done)
		close(loopDone)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	close(done)

	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		log.Info("timed out waiting for in-flight cycle to finish")
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sup.Cleanup(cleanupCtx)

	log.Sync()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (kvstore.KV, error) {
	var tlsCfg *kvstore.TLSConfig
	if cfg.Etcd.CAFile != "" {
		tlsCfg = &kvstore.TLSConfig{CAFile: cfg.Etcd.CAFile, CertFile: cfg.Etcd.CertFile, KeyFile: cfg.Etcd.KeyFile}
	}
	return kvstore.NewEtcdStore(ctx, cfg.Etcd.Host, cfg.Etcd.Scope,
		cfg.LeaderTTLDuration(), cfg.MemberTTLDuration(), tlsCfg)
}

func dbToDatabaseConfig(cfg *config.Config) dbadapter.Config {
	return dbadapter.Config{
		SelfName:             cfg.Postgresql.Name,
		DataDir:              cfg.Postgresql.DataDir,
		Listen:               cfg.Postgresql.Listen,
		ConnectAddress:       cfg.Postgresql.ConnectAddress,
		MaximumLagOnFailover: cfg.Postgresql.MaximumLagOnFailover,
		Auth: dbadapter.AuthConfig{
			Username: cfg.Postgresql.Auth.Username,
			Password: cfg.Postgresql.Auth.Password,
			Dbname:   cfg.Postgresql.Auth.Dbname,
			Network:  cfg.Postgresql.Auth.Network,
		},
		Replication: dbadapter.AuthConfig{
			Username: cfg.Postgresql.Replication.Username,
			Password: cfg.Postgresql.Replication.Password,
			Network:  cfg.Postgresql.Replication.Network,
		},
		Parameters:        cfg.Postgresql.Parameters,
		RecoveryConfExtra: cfg.Postgresql.RecoveryConf,
	}
}

func applyOverrides(cfg *config.Config, o overrides) {
	cfg.ForceLeader = o.forceLeader
	if o.advertiseURL != "" {
		cfg.Postgresql.ConnectAddress = o.advertiseURL
	}
	if o.etcdURL != "" {
		cfg.Etcd.Host = o.etcdURL
	}
	if o.allowClientNet != "" {
		cfg.Postgresql.Auth.Network = o.allowClientNet
	}
	if o.allowReplicationNet != "" {
		cfg.Postgresql.Replication.Network = o.allowReplicationNet
	}
	if o.caFile != "" {
		cfg.Etcd.CAFile = o.caFile
	}
	if o.certFile != "" {
		cfg.Etcd.CertFile = o.certFile
	}
	if o.keyFile != "" {
		cfg.Etcd.KeyFile = o.keyFile
	}
}
