package dbadapter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sethvargo/go-password/password"
)

// CreateUsers creates (or ALTERs, when the client user already is
// postgres) the client superuser and the replication user, each with an
// encrypted password. Any role left without a configured password gets
// one generated here.
func (d *Database) CreateUsers(ctx context.Context) error {
	clientPassword, err := ensurePassword(d.cfg.Auth.Password)
	if err != nil {
		return err
	}
	if err := d.upsertRole(ctx, d.cfg.Auth.Username, clientPassword, true); err != nil {
		return fmt.Errorf("creating client role %q: %w", d.cfg.Auth.Username, err)
	}

	replPassword, err := ensurePassword(d.cfg.Replication.Password)
	if err != nil {
		return err
	}
	if err := d.upsertReplicationRole(ctx, d.cfg.Replication.Username, replPassword); err != nil {
		return fmt.Errorf("creating replication role %q: %w", d.cfg.Replication.Username, err)
	}

	return nil
}

func ensurePassword(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return password.Generate(32, 10, 0, false, false)
}

// upsertRole creates the client role, or — when it is named "postgres",
// the bootstrap superuser initdb already created — alters its password
// instead.
func (d *Database) upsertRole(ctx context.Context, name, pass string, superuser bool) error {
	return d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		if name == "postgres" {
			_, err := db.ExecContext(qctx,
				fmt.Sprintf("ALTER USER %s WITH ENCRYPTED PASSWORD '%s'", quoteIdent(name), pass))
			return err
		}
		var exists bool
		if err := db.QueryRowContext(qctx,
			"SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname = $1)", name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			_, err := db.ExecContext(qctx,
				fmt.Sprintf("ALTER USER %s WITH ENCRYPTED PASSWORD '%s'", quoteIdent(name), pass))
			return err
		}
		option := "LOGIN"
		if superuser {
			option = "SUPERUSER LOGIN"
		}
		_, err := db.ExecContext(qctx,
			fmt.Sprintf("CREATE USER %s WITH %s ENCRYPTED PASSWORD '%s'", quoteIdent(name), option, pass))
		return err
	})
}

func (d *Database) upsertReplicationRole(ctx context.Context, name, pass string) error {
	return d.query(ctx, func(db *sql.DB, qctx context.Context) error {
		var exists bool
		if err := db.QueryRowContext(qctx,
			"SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname = $1)", name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			_, err := db.ExecContext(qctx,
				fmt.Sprintf("ALTER USER %s WITH REPLICATION ENCRYPTED PASSWORD '%s'", quoteIdent(name), pass))
			return err
		}
		_, err := db.ExecContext(qctx,
			fmt.Sprintf("CREATE USER %s WITH REPLICATION LOGIN ENCRYPTED PASSWORD '%s'", quoteIdent(name), pass))
		return err
	})
}

// quoteIdent double-quotes a PostgreSQL identifier, escaping embedded
// quotes. Role names come from trusted local configuration, not user
// input, but quoting keeps the statement well-formed regardless.
func quoteIdent(name string) string {
	return `"` + escapeQuotes(name) + `"`
}

func escapeQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
