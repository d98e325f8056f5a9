// Package dbadapter owns the local PostgreSQL data directory and
// process, and exposes idempotent, reportable operations over it.
//
// Grounded on the pkg/management/postgres package (initdb.go, join.go,
// probes.go, conninfo.go), adapted from a Kubernetes sidecar that
// manages one pod's instance into a standalone supervisor that manages
// the local instance directly via os/exec and database/sql.
package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql.DB driver

	"github.com/pgsentinel/pgsentinel/internal/logging"
)

// AuthConfig describes one role to create/maintain and the pg_hba.conf
// network it is allowed to connect from.
type AuthConfig struct {
	Username string
	Password string
	Dbname   string
	Network  string
}

// Config is everything the adapter needs to know about this node's
// intended PostgreSQL instance, sourced from the postgresql.*
// configuration keys.
type Config struct {
	SelfName             string
	DataDir              string
	Listen               string // host[,host...]:port
	ConnectAddress        string // advertised host:port
	MaximumLagOnFailover  int64
	Auth                  AuthConfig
	Replication           AuthConfig
	Parameters            map[string]string
	RecoveryConfExtra     []string
}

// LocalState is the computed-on-demand snapshot of this node's
// PostgreSQL state.
type LocalState struct {
	IsRunning    bool
	InRecovery   bool
	XlogPosition int64
	KnownSlots   map[string]bool
}

// Database is the Database Adapter: the supervisor's sole interface to
// the local PostgreSQL instance.
type Database struct {
	cfg    Config
	runner CommandRunner
	log    *logging.Logger

	mu         sync.Mutex
	db         *sql.DB
	promoted   bool
	knownSlots map[string]bool
}

// New constructs a Database adapter for cfg, using runner to invoke
// initdb/pg_ctl/pg_basebackup and log to route their streamed output.
func New(cfg Config, runner CommandRunner, log *logging.Logger) *Database {
	return &Database{
		cfg:        cfg,
		runner:     runner,
		log:        log,
		knownSlots: make(map[string]bool),
	}
}

// superUserConnInfo builds the libpq connection string for the local
// superuser query channel.
func (d *Database) superUserConnInfo() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=postgres sslmode=disable connect_timeout=5",
		d.listenHost(), d.listenPort(), d.cfg.Auth.Username,
	)
}

func (d *Database) listenHost() string {
	host, _ := splitListen(d.cfg.Listen)
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

func (d *Database) listenPort() string {
	_, port := splitListen(d.cfg.Listen)
	if port == "" {
		return "5432"
	}
	return port
}

// splitListen parses "host[,host...]:port" into its first host and its
// port.
func splitListen(listen string) (host, port string) {
	if listen == "" {
		return "", ""
	}
	idx := lastIndexByte(listen, ':')
	if idx < 0 {
		return listen, ""
	}
	hosts := listen[:idx]
	port = listen[idx+1:]
	if comma := indexByte(hosts, ','); comma >= 0 {
		hosts = hosts[:comma]
	}
	return hosts, port
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// withStatementTimeout bounds a query-channel operation to a 2s
// statement timeout, on top of the connection's own ~3-5s connect
// timeout baked into superUserConnInfo.
func withStatementTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2*time.Second)
}
