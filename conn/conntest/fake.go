// Package conntest provides a scriptable in-memory connector for pool tests.
package conntest

import (
	"context"
	"database/sql/driver"
	"strings"
	"sync"

	"github.com/shrek82/asynpool/conn"
)

// Handler answers one statement on a fake connection.
type Handler func(c *Conn, query string, args []any) (*conn.Outcome, error)

// Connector hands out fake connections. The zero value is not usable; call New.
type Connector struct {
	mu       sync.Mutex
	attempts int
	fail     error
	gate     chan struct{}
	handler  Handler
	conns    []*Conn
	insertID int64
}

// New returns a connector whose connections accept every statement: INSERTs
// affect one row with an increasing insert id, row-returning statements yield
// a single row {"1": 1}, everything else succeeds with no rows.
func New() *Connector {
	c := &Connector{}
	c.handler = c.defaultHandler
	return c
}

func (c *Connector) defaultHandler(_ *Conn, query string, _ []any) (*conn.Outcome, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT") {
		c.mu.Lock()
		c.insertID++
		id := c.insertID
		c.mu.Unlock()
		return &conn.Outcome{AffectedRows: 1, InsertID: id}, nil
	}
	if conn.ReturnsRows(query) {
		return &conn.Outcome{Rows: []map[string]any{{"1": int64(1)}}, AffectedRows: 1}, nil
	}
	return &conn.Outcome{}, nil
}

// Handle replaces the statement handler. A nil handler restores the default.
func (c *Connector) Handle(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		h = c.defaultHandler
	}
	c.handler = h
}

// FailWith makes every following Connect fail with err; nil lets them succeed again.
func (c *Connector) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// Hold blocks following Connect calls until Release.
func (c *Connector) Hold() {
	c.mu.Lock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
	c.mu.Unlock()
}

// Release unblocks connects waiting since Hold.
func (c *Connector) Release() {
	c.mu.Lock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
	c.mu.Unlock()
}

// Attempts counts Connect calls, failed ones included.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Conns returns the connections handed out so far, oldest first.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// Statements returns every statement executed on any connection, in order of
// connection then execution.
func (c *Connector) Statements() []string {
	var out []string
	for _, k := range c.Conns() {
		out = append(out, k.Statements()...)
	}
	return out
}

func (c *Connector) Connect(ctx context.Context) (conn.Conn, error) {
	c.mu.Lock()
	c.attempts++
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	k := &Conn{owner: c, ID: len(c.conns) + 1}
	c.conns = append(c.conns, k)
	return k, nil
}

// Conn is one fake session.
type Conn struct {
	// ID numbers connections in the order the connector created them, from 1.
	ID int

	owner *Connector

	mu       sync.Mutex
	closed   bool
	onClose  func()
	failNext error
	stmts    []string
}

// Exec records the statement and runs the connector's handler. Once the
// connection is closed every statement fails with driver.ErrBadConn.
func (k *Conn) Exec(_ context.Context, query string, args []any) (*conn.Outcome, error) {
	k.mu.Lock()
	k.stmts = append(k.stmts, query)
	if k.closed {
		k.mu.Unlock()
		return nil, driver.ErrBadConn
	}
	if err := k.failNext; err != nil {
		k.failNext = nil
		k.mu.Unlock()
		return nil, err
	}
	k.mu.Unlock()

	k.owner.mu.Lock()
	h := k.owner.handler
	k.owner.mu.Unlock()
	return h(k, query, args)
}

// FailNext makes the next statement on this connection fail with err.
func (k *Conn) FailNext(err error) {
	k.mu.Lock()
	k.failNext = err
	k.mu.Unlock()
}

// Kill drops the transport as the server would: the connection is marked
// closed and the close notification fires.
func (k *Conn) Kill() {
	_ = k.Close()
}

func (k *Conn) OnClose(fn func()) {
	k.mu.Lock()
	closed := k.closed
	k.onClose = fn
	k.mu.Unlock()
	if closed && fn != nil {
		fn()
	}
}

func (k *Conn) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	fn := k.onClose
	k.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Closed reports whether the connection has been closed or killed.
func (k *Conn) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// Statements returns the statements executed on this connection.
func (k *Conn) Statements() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.stmts...)
}
