package conn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// SQLConnector dials sessions through a database/sql driver. The underlying
// *sql.DB keeps no idle connections of its own: every Connect opens a fresh
// physical session and Close on that session really closes it, so the
// lifecycle stays with the caller.
type SQLConnector struct {
	db   *sql.DB
	lost func(error) bool
}

// NewSQLConnector opens a connector for driverName/dsn. lost classifies errors
// that mean the session is gone (see dialect.Dialect.IsConnLost); nil treats
// no error as fatal to the session.
func NewSQLConnector(driverName, dsn string, lost func(error) bool) (*SQLConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(-1)
	db.SetMaxOpenConns(0)
	if lost == nil {
		lost = func(error) bool { return false }
	}
	return &SQLConnector{db: db, lost: lost}, nil
}

// Connect opens and pings one session.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	sc, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := sc.PingContext(ctx); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return &sqlConn{conn: sc, lost: c.lost}, nil
}

// Close releases the driver handle. Sessions already handed out stay open
// until they are closed themselves.
func (c *SQLConnector) Close() error {
	return c.db.Close()
}

type sqlConn struct {
	conn *sql.Conn
	lost func(error) bool

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (s *sqlConn) OnClose(fn func()) {
	s.mu.Lock()
	closed := s.closed
	s.onClose = fn
	s.mu.Unlock()
	if closed && fn != nil {
		fn()
	}
}

func (s *sqlConn) Close() error {
	err := s.conn.Close()
	s.markClosed()
	if err == sql.ErrConnDone {
		return nil
	}
	return err
}

func (s *sqlConn) markClosed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *sqlConn) Exec(ctx context.Context, query string, args []any) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)
	if ReturnsRows(query) {
		out, err = s.query(ctx, query, args)
	} else {
		out, err = s.exec(ctx, query, args)
	}
	if err != nil && s.lost(err) {
		s.markClosed()
	}
	return out, err
}

func (s *sqlConn) exec(ctx context.Context, query string, args []any) (*Outcome, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := &Outcome{}
	// drivers without support (lib/pq for LastInsertId) leave these at zero
	if n, err := res.RowsAffected(); err == nil {
		out.AffectedRows = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.InsertID = id
	}
	return out, nil
}

func (s *sqlConn) query(ctx context.Context, query string, args []any) (*Outcome, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Outcome{Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			// text protocols hand back []byte; keep rows printable and JSON friendly
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.AffectedRows = int64(len(out.Rows))
	return out, nil
}
