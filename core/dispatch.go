package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shrek82/asynpool/conn"
)

// dispatch runs cmd and reports a rejection to its submitter.
func (p *Pool) dispatch(cmd *Command) {
	if cmd.Abandon {
		p.abandon(cmd.Tx)
		return
	}
	if err := p.execute(cmd); err != nil {
		p.log.Debug("reject %q on %s: %v", cmd.SQL, cmd.Tx, err)
		p.deliver(cmd, &Reply{Token: cmd.Token, Handle: cmd.Tx, Reject: RejectTransactionNotStarted})
	}
}

// execute resolves a connection for cmd and issues it. Without an idle
// connection the command goes to the back of the queue and one connect is
// started.
func (p *Pool) execute(cmd *Command) error {
	var c *connection
	if cmd.Tx != "" {
		c = p.bindings[cmd.Tx]
		if c == nil && !cmd.isBegin() {
			return ErrTransactionNotStarted
		}
	}

	if c == nil {
		if len(p.idle) == 0 {
			p.connect()
			p.pending.PushBack(cmd)
			return nil
		}
		c = p.popIdle()
		if c.closed {
			p.reconnect(c)
			p.pending.PushBack(cmd)
			return nil
		}
		if cmd.Tx != "" {
			c.bound = cmd.Tx
			p.bindings[cmd.Tx] = c
		}
	}

	p.issue(c, cmd)
	if cmd.isBegin() && p.abandoned[cmd.Tx] {
		delete(p.abandoned, cmd.Tx)
		p.issue(c, p.rollbackFor(cmd))
	}
	return nil
}

// ready reports whether the head of the queue can make progress now.
func (p *Pool) ready(cmd *Command) bool {
	if cmd.Tx != "" {
		if _, ok := p.bindings[cmd.Tx]; ok || !cmd.isBegin() {
			return true
		}
	}
	return len(p.idle) > 0
}

// drain dispatches queued commands while they can make progress.
func (p *Pool) drain() {
	for {
		cmd, ok := p.pending.Front()
		if !ok || !p.ready(cmd) {
			return
		}
		p.pending.PopFront()
		p.dispatch(cmd)
	}
}

// issue runs cmd on c. Statements for a connection that is already running
// one wait in its backlog.
func (p *Pool) issue(c *connection, cmd *Command) {
	if c.busy {
		c.backlog = append(c.backlog, cmd)
		return
	}
	c.busy = true
	p.busy++

	raw := c.raw
	timeout := p.tuning.StatementTimeout
	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		out, err := raw.Exec(ctx, cmd.SQL, cmd.Args)
		elapsed := time.Since(start)
		if !p.post(func() { p.onResult(c, cmd, out, err, elapsed) }) {
			_ = raw.Close()
		}
	}()
}

// next issues the first statement of c's backlog.
func (p *Pool) next(c *connection) {
	if len(c.backlog) == 0 {
		return
	}
	cmd := c.backlog[0]
	c.backlog[0] = nil
	c.backlog = c.backlog[1:]
	p.issue(c, cmd)
}

func (p *Pool) requeueFront(cmds []*Command) {
	for i := len(cmds) - 1; i >= 0; i-- {
		p.pending.PushFront(cmds[i])
	}
}

// rollbackFor synthesizes a token-less rollback on cmd's handle.
func (p *Pool) rollbackFor(cmd *Command) *Command {
	return &Command{SQL: "rollback", Tx: cmd.Tx, WorkerID: cmd.WorkerID, internal: true}
}

func (p *Pool) formatError(err error, cmd *Command) string {
	return fmt.Sprintf("[%s]:%v[sql]:%s", p.dialect.Name(), err, cmd.SQL)
}

func (p *Pool) onResult(c *connection, cmd *Command, out *conn.Outcome, err error, elapsed time.Duration) {
	c.busy = false
	p.busy--

	p.log.SQL(c.id, cmd.SQL, elapsed, err)
	if t := p.tuning.SlowThreshold; t > 0 && elapsed > t {
		p.log.Warn("slow statement on connection %d took %v: %s", c.id, elapsed, cmd.SQL)
	}

	if err != nil && p.dialect.IsConnLost(err) {
		p.log.Warn("connection %d lost: %v", c.id, err)
		tx := c.bound
		if tx == "" {
			p.reconnect(c)
			p.pending.PushFront(cmd)
			return
		}
		// the transaction died with the session
		delete(p.bindings, tx)
		c.bound = ""
		p.requeueFront(c.backlog)
		c.backlog = nil
		p.reconnect(c)
		p.deliver(cmd, p.normalize(c, cmd, nil, err))
		return
	}

	if err != nil && c.bound != "" && !cmd.endsTx() {
		c.backlog = append([]*Command{p.rollbackFor(cmd)}, c.backlog...)
	}
	p.deliver(cmd, p.normalize(c, cmd, out, err))

	switch {
	case c.bound == "":
		p.release(c)
	case cmd.endsTx():
		p.freeBind(c.bound)
	default:
		p.next(c)
	}
}

// normalize shapes the reply to cmd. The reply to "begin" carries the
// transaction handle rather than the driver's result.
func (p *Pool) normalize(c *connection, cmd *Command, out *conn.Outcome, err error) *Reply {
	reply := &Reply{Token: cmd.Token}
	if err != nil {
		reply.Error = p.formatError(err, cmd)
	}
	if cmd.isBegin() {
		reply.Handle = cmd.Tx
		return reply
	}
	res := &Result{ClientID: c.id, OK: err == nil}
	if out != nil {
		res.Rows = out.Rows
		res.AffectedRows = out.AffectedRows
		res.InsertID = out.InsertID
	}
	reply.Result = res
	return reply
}

func (p *Pool) deliver(cmd *Command, reply *Reply) {
	if cmd.Token == 0 {
		if cmd.internal && reply.Error != "" {
			p.log.Warn("automatic rollback of %s failed: %s", cmd.Tx, reply.Error)
		}
		return
	}
	if err := p.messenger.Deliver(context.Background(), cmd.WorkerID, reply); err != nil {
		p.log.Warn("deliver reply %d to worker %s: %v", cmd.Token, cmd.WorkerID, err)
	}
}
