// Package pgerr classifies errors coming back from the PostgreSQL query
// channel into a small taxonomy: a transient failure meaning the
// connection is dead or unreachable (reconnect and retry) versus the server replying with an
// error on a connection that is still perfectly usable (surface
// immediately). An explicit classifier replaces a bare truthiness check
// on a closed-connection flag.
package pgerr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the error taxonomy used to decide retry behavior.
type Kind int

const (
	// Unknown is returned only for a nil error; an error that does not
	// fit Transient is classified Fatal.
	Unknown Kind = iota
	// Transient means the connection itself is dead or unreachable:
	// reconnect and retry.
	Transient
	// Fatal means the server replied with an error over a connection
	// that is still open and usable: surface immediately, do not retry.
	Fatal
)

// Classify inspects err and returns its Kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	// A query-level error from a live connection (syntax error,
	// constraint violation, etc.) carries *pgconn.PgError and the
	// connection survives it.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Fatal
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	// pgx wraps connection-dead conditions (broken pipe, reset, etc.) in
	// *pgconn.ConnectError/writeError-ish strings without always giving
	// us a typed sentinel; fall back to substring classification for
	// the common OS-level failures, matching the source's distinction
	// between "the connection is definitely dead" and a live-connection
	// server error.
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"broken pipe",
		"connection reset",
		"connection refused",
		"use of closed network connection",
		"server closed the connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, substr) {
			return Transient
		}
	}

	return Fatal
}

// IsTransient is a convenience wrapper around Classify.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}
