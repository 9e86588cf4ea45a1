// Package conn provides the physical database connections the pool
// multiplexes, plus a synchronous fallback pool for code running outside the
// pool's event loop.
package conn

import (
	"context"
	"strings"
)

// Outcome is what one statement produced on the server.
type Outcome struct {
	// Rows is set for statements that return a result set.
	Rows         []map[string]any
	AffectedRows int64
	InsertID     int64
}

// Conn is one live database session. Exec is never called concurrently on
// the same Conn by the pool.
type Conn interface {
	// Exec runs a single statement and returns its outcome.
	Exec(ctx context.Context, query string, args []any) (*Outcome, error)
	// OnClose registers fn to be called once when the transport is observed
	// closed, either by Close or by a failed operation.
	OnClose(fn func())
	// Close closes the session. It is safe to call more than once.
	Close() error
}

// Connector dials new sessions.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ReturnsRows reports whether a statement produces a result set and should be
// run as a query rather than an exec.
func ReturnsRows(query string) bool {
	s := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESC", "EXPLAIN", "WITH", "PRAGMA", "VALUES", "TABLE "} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return strings.Contains(s, " RETURNING ")
}
