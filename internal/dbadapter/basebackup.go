package dbadapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SyncFromLeader parses the leader's connection string, writes a
// .pgpass-equivalent with mode 0600, runs pg_basebackup -R against it
// with PGPASSFILE pointed at via the environment, then chmods the data
// directory 0700. The -R flag instructs pg_basebackup to write a
// minimal recovery.conf itself.
func (d *Database) SyncFromLeader(ctx context.Context, leader Leader) error {
	host, port, user, password, err := connParts(leader.ConnectionString)
	if err != nil {
		return err
	}

	pgpassPath, err := d.writePgpass(host, port, user, password)
	if err != nil {
		return err
	}
	defer os.Remove(pgpassPath)

	if err := os.RemoveAll(d.cfg.DataDir); err != nil {
		return fmt.Errorf("clearing data directory before clone: %w", err)
	}
	if err := os.MkdirAll(d.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("recreating data directory: %w", err)
	}

	args := []string{
		"-R", "-P",
		"-D", d.cfg.DataDir,
		"--host", host,
		"--port", port,
		"-U", user,
	}
	env := []string{"PGPASSFILE=" + pgpassPath}

	if err := d.runner.RunStreaming(ctx, env, "pg_basebackup", args...); err != nil {
		return fmt.Errorf("pg_basebackup failed: %w", err)
	}

	if err := os.Chmod(d.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("chmod data directory: %w", err)
	}

	return nil
}

func (d *Database) writePgpass(host, port, user, password string) (string, error) {
	f, err := os.CreateTemp("", "pgsentinel-pgpass-")
	if err != nil {
		return "", err
	}
	defer f.Close()

	line := fmt.Sprintf("%s:%s:*:%s:%s\n", host, port, user, password)
	if _, err := f.WriteString(line); err != nil {
		return "", err
	}
	if err := f.Chmod(0o600); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// pgpassPath returns a .pgpass location inside the data directory.
// SyncFromLeader does not use it: it writes its password file to a
// temporary file and points PGPASSFILE at that.
func (d *Database) pgpassPath() string {
	return filepath.Join(d.cfg.DataDir, ".pgpass")
}
