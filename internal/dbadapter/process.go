package dbadapter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/shlex"
	ps "github.com/mitchellh/go-ps"
)

const (
	hbaFileName = "pg_hba.conf"
	pidFileName = "postmaster.pid"
)

// DataDirectoryEmpty reports true iff path is absent or has an empty
// listing.
func (d *Database) DataDirectoryEmpty() (bool, error) {
	entries, err := os.ReadDir(d.cfg.DataDir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading data directory: %w", err)
	}
	return len(entries) == 0, nil
}

// Initialize runs initdb, then writes pg_hba.conf with the client and
// replication subnets from config.
func (d *Database) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	pwFile, err := writeTempPasswordFile(d.cfg.Auth.Password)
	if err != nil {
		return err
	}
	defer os.Remove(pwFile)

	args := []string{
		"-D", d.cfg.DataDir,
		"--username", d.cfg.Auth.Username,
		"--pwfile", pwFile,
		"--auth", "md5",
	}

	if err := d.runner.RunStreaming(ctx, nil, "initdb", args...); err != nil {
		return fmt.Errorf("initdb failed: %w", err)
	}

	return d.writeHBAConf()
}

func writeTempPasswordFile(password string) (string, error) {
	f, err := os.CreateTemp("", "pgsentinel-initdb-pw-")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(password + "\n"); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// writeHBAConf writes pg_hba.conf: local socket trust, one client line
// per client subnet, one replication line per replication subnet.
func (d *Database) writeHBAConf() error {
	var b strings.Builder
	b.WriteString("local all all trust\n")
	if d.cfg.Auth.Network != "" {
		fmt.Fprintf(&b, "host %s %s %s md5\n", d.cfg.Auth.Dbname, d.cfg.Auth.Username, d.cfg.Auth.Network)
	}
	if d.cfg.Replication.Network != "" {
		fmt.Fprintf(&b, "host replication %s %s md5\n", d.cfg.Replication.Username, d.cfg.Replication.Network)
	}
	path := filepath.Join(d.cfg.DataDir, hbaFileName)
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// buildServerArgs turns postgresql.parameters into "--setting=value"
// flags, tokenizing any value containing embedded whitespace with
// shlex first so quoted values survive the shell round-trip intact.
func (d *Database) buildServerArgs() ([]string, error) {
	args := []string{"-D", d.cfg.DataDir}
	for key, value := range d.cfg.Parameters {
		tokens, err := shlex.Split(value)
		if err != nil || len(tokens) <= 1 {
			args = append(args, fmt.Sprintf("--%s=%s", key, value))
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", key, strings.Join(tokens, " ")))
	}
	if d.cfg.Listen != "" {
		host, port := splitListen(d.cfg.Listen)
		if host != "" {
			args = append(args, "--listen_addresses="+host)
		}
		if port != "" {
			args = append(args, "--port="+port)
		}
	}
	return args, nil
}

// Start is idempotent: it guards against an already-running server,
// clears a stale pidfile, then runs pg_ctl start.
func (d *Database) Start(ctx context.Context) (bool, error) {
	running, err := d.IsHealthy(ctx)
	if err != nil {
		return false, err
	}
	if running {
		d.rehydrateKnownSlots(ctx)
		return false, nil
	}

	if err := d.removeStalePidFile(); err != nil {
		return false, err
	}

	args, err := d.buildServerArgs()
	if err != nil {
		return false, err
	}
	ctlArgs := append([]string{"start", "-D", d.cfg.DataDir, "-w", "-o", strings.Join(args[2:], " ")})

	if err := d.runner.RunStreaming(ctx, nil, "pg_ctl", ctlArgs...); err != nil {
		return false, fmt.Errorf("pg_ctl start failed: %w", err)
	}

	d.rehydrateKnownSlots(ctx)
	return true, nil
}

// removeStalePidFile removes a postmaster.pid left behind by a process
// that is no longer running.
func (d *Database) removeStalePidFile() error {
	pidPath := filepath.Join(d.cfg.DataDir, pidFileName)
	f, err := os.Open(pidPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", pidFileName, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return os.Remove(pidPath)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return os.Remove(pidPath)
	}

	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		return os.Remove(pidPath)
	}

	// A process with this pid exists but is not postgres: still stale.
	name := strings.ToLower(proc.Executable())
	if !strings.Contains(name, "postgres") {
		return os.Remove(pidPath)
	}
	return nil
}

// Stop runs a fast shutdown.
func (d *Database) Stop(ctx context.Context) error {
	if err := d.runner.RunStreaming(ctx, nil, "pg_ctl", "stop", "-D", d.cfg.DataDir, "-m", "fast", "-w"); err != nil {
		return fmt.Errorf("pg_ctl stop failed: %w", err)
	}
	d.closeConn()
	return nil
}

// Restart runs a fast restart.
func (d *Database) Restart(ctx context.Context) error {
	args, err := d.buildServerArgs()
	if err != nil {
		return err
	}
	ctlArgs := []string{"restart", "-D", d.cfg.DataDir, "-m", "fast", "-w", "-o", strings.Join(args[2:], " ")}
	if err := d.runner.RunStreaming(ctx, nil, "pg_ctl", ctlArgs...); err != nil {
		return fmt.Errorf("pg_ctl restart failed: %w", err)
	}
	d.closeConn()
	d.rehydrateKnownSlots(ctx)
	return nil
}

// Reload sends SIGHUP via pg_ctl.
func (d *Database) Reload(ctx context.Context) error {
	if err := d.runner.RunStreaming(ctx, nil, "pg_ctl", "reload", "-D", d.cfg.DataDir); err != nil {
		return fmt.Errorf("pg_ctl reload failed: %w", err)
	}
	return nil
}

// Promote issues promote, marking internal promoted=true on success.
// promoted is cleared the next time IsLeader observes
// in_recovery=false (see query.go).
func (d *Database) Promote(ctx context.Context) error {
	if err := d.runner.RunStreaming(ctx, nil, "pg_ctl", "promote", "-D", d.cfg.DataDir, "-w"); err != nil {
		return fmt.Errorf("pg_ctl promote failed: %w", err)
	}
	d.mu.Lock()
	d.promoted = true
	d.mu.Unlock()
	return nil
}
