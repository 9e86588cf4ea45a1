package core

import (
	"context"
	"time"

	"github.com/shrek82/asynpool/conn"
)

// connection is the pool's record of one physical session. It is owned by
// the event loop and never handed out.
type connection struct {
	// id is assigned on the first successful connect and never changes.
	id        int64
	createdAt time.Time
	// closed is set when the transport reports it went away. It is only
	// looked at when the connection is taken from the idle pool.
	closed bool
	raw    conn.Conn
	// bound is the transaction handle holding this connection, if any.
	bound   string
	busy    bool
	idle    bool
	backlog []*Command
}

// closeRaw closes the transport off the loop; close notifications post back
// to the loop and must not be raised from it.
func (c *connection) closeRaw() {
	if c.raw == nil {
		return
	}
	raw := c.raw
	c.raw = nil
	c.closed = true
	go func() { _ = raw.Close() }()
}

// connect starts one new connection unless a connect limit holds it back.
func (p *Pool) connect() {
	if limit := p.tuning.MaxConnecting; limit > 0 && p.connecting >= limit {
		p.log.Debug("connect deferred: %d connects in flight", p.connecting)
		return
	}
	if !p.breaker.allow(p.now()) {
		p.log.Debug("connect suppressed: %v", ErrBreakerOpen)
		return
	}
	p.reconnect(nil)
}

// reconnect dials a session for c, or for a new record when c is nil. The
// old transport of c, if any, is discarded.
func (p *Pool) reconnect(c *connection) {
	p.connecting++
	if c == nil {
		c = &connection{createdAt: p.now()}
	}
	c.closeRaw()

	timeout := p.tuning.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()
		raw, err := p.connector.Connect(ctx)
		if !p.post(func() { p.onConnect(c, raw, err) }) && raw != nil {
			_ = raw.Close()
		}
	}()
}

func (p *Pool) onConnect(c *connection, raw conn.Conn, err error) {
	p.connecting--
	if err != nil {
		p.breaker.failure(p.now())
		p.log.Error("%v with %s %s", err, p.profile.Addr(), p.name)
		if c.id != 0 {
			// the record had a live session before; it is gone now
			p.active--
		}
		return
	}
	p.breaker.success()

	c.raw = raw
	c.closed = false
	raw.OnClose(func() {
		go p.post(func() { p.onClose(c, raw) })
	})
	if c.id == 0 {
		p.nextID++
		c.id = p.nextID
		p.active++
		p.log.Debug("connection %d established", c.id)
	}
	p.pushToPool(c)
}

// onClose marks c closed if raw is still its transport; notifications from
// a replaced transport are ignored.
func (p *Pool) onClose(c *connection, raw conn.Conn) {
	if c.raw == raw {
		c.closed = true
	}
}

// release recycles an unbound connection after a statement, or closes it
// when it is both old and over the soft cap.
func (p *Pool) release(c *connection) {
	young := p.now().Sub(c.createdAt) < p.tuning.MaxAge
	if young || p.active+p.connecting <= p.tuning.SoftCap {
		p.pushToPool(c)
		return
	}
	p.log.Debug("closing connection %d: age %v, %d open", c.id, p.now().Sub(c.createdAt), p.active+p.connecting)
	p.active--
	c.closeRaw()
}

func (p *Pool) pushToPool(c *connection) {
	if c.idle || c.bound != "" {
		return
	}
	c.idle = true
	p.idle = append(p.idle, c)
}

// popIdle takes the oldest idle connection.
func (p *Pool) popIdle() *connection {
	if len(p.idle) == 0 {
		return nil
	}
	c := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	c.idle = false
	return c
}
