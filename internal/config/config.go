// Package config loads and validates the node's YAML configuration file.
// CLI flag overrides are applied by the caller after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Etcd holds the consensus store connection settings.
type Etcd struct {
	Host      string `yaml:"host"`
	Scope     string `yaml:"scope"`
	TTL       int    `yaml:"ttl"`
	MemberTTL int    `yaml:"member_ttl"`
	CAFile    string `yaml:"ca_file"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// Auth describes a PostgreSQL role to be created/maintained plus the
// pg_hba.conf network it is allowed to connect from.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Dbname   string `yaml:"dbname"`
	Network  string `yaml:"network"`
}

// Postgresql holds every postgresql.* configuration key.
type Postgresql struct {
	Name                 string            `yaml:"name"`
	Listen               string            `yaml:"listen"`
	ConnectAddress       string            `yaml:"connect_address"`
	DataDir              string            `yaml:"data_dir"`
	MaximumLagOnFailover int64             `yaml:"maximum_lag_on_failover"`
	Auth                 Auth              `yaml:"auth"`
	Replication          Auth              `yaml:"replication"`
	Parameters           map[string]string `yaml:"parameters"`
	RecoveryConf         []string          `yaml:"recovery_conf"`
}

// Metrics is an ambient, optional observability surface for the
// supervisor process itself.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Config is the fully parsed and defaulted configuration.
type Config struct {
	LoopWait   int        `yaml:"loop_wait"`
	Etcd       Etcd       `yaml:"etcd"`
	Postgresql Postgresql `yaml:"postgresql"`
	Metrics    Metrics    `yaml:"metrics"`

	// ForceLeader mirrors the --force-leader CLI flag; it is not a YAML
	// key, only ever set by the caller after Load returns.
	ForceLeader bool `yaml:"-"`
}

// Load reads and validates the configuration file at path, applying
// defaults for any key left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LoopWait <= 0 {
		c.LoopWait = 10
	}
	if c.Etcd.MemberTTL <= 0 {
		c.Etcd.MemberTTL = 2 * c.LoopWait
	}
	if c.Etcd.TTL <= 0 {
		c.Etcd.TTL = 30
	}
	if c.Postgresql.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Postgresql.Name = host
		}
	}
	if c.Postgresql.DataDir == "" {
		if pgdata := os.Getenv("PGDATA"); pgdata != "" {
			c.Postgresql.DataDir = pgdata
		}
	}
}

func (c *Config) validate() error {
	if c.Etcd.Host == "" {
		return fmt.Errorf("etcd.host is required")
	}
	if c.Etcd.Scope == "" {
		return fmt.Errorf("etcd.scope is required")
	}
	if c.Postgresql.DataDir == "" {
		return fmt.Errorf("postgresql.data_dir is required (or set PGDATA)")
	}
	if c.Postgresql.ConnectAddress == "" {
		return fmt.Errorf("postgresql.connect_address is required")
	}
	usingTLS := c.Etcd.CAFile != "" || c.Etcd.CertFile != "" || c.Etcd.KeyFile != ""
	allTLS := c.Etcd.CAFile != "" && c.Etcd.CertFile != "" && c.Etcd.KeyFile != ""
	if usingTLS && !allTLS {
		return fmt.Errorf("etcd.ca_file, cert_file and key_file must all be set together")
	}
	return nil
}

// LoopWaitDuration returns LoopWait as a time.Duration.
func (c *Config) LoopWaitDuration() time.Duration {
	return time.Duration(c.LoopWait) * time.Second
}

// MemberTTLDuration returns Etcd.MemberTTL as a time.Duration.
func (c *Config) MemberTTLDuration() time.Duration {
	return time.Duration(c.Etcd.MemberTTL) * time.Second
}

// LeaderTTLDuration returns Etcd.TTL as a time.Duration.
func (c *Config) LeaderTTLDuration() time.Duration {
	return time.Duration(c.Etcd.TTL) * time.Second
}
