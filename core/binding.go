package core

import (
	"context"
	"errors"
	"fmt"
)

// Bind issues a new transaction handle. Handles are "<worker id>#<n>" with n
// strictly increasing for the life of the pool.
func (p *Pool) Bind() string {
	return fmt.Sprintf("%s#%d", p.worker, p.seq.Add(1))
}

// Begin binds a new handle and submits "begin" on it. The handle is returned
// at once; cb receives the reply once the transaction is open. Statements on
// the handle must not be submitted before that reply arrives: until "begin"
// has run the handle is unbound and they are rejected with
// ErrTransactionNotStarted.
func (p *Pool) Begin(cb Callback) (string, error) {
	tx := p.Bind()
	if err := p.Query(cb, tx, "begin"); err != nil {
		return "", err
	}
	return tx, nil
}

// Commit submits "commit" on tx.
func (p *Pool) Commit(cb Callback, tx string) error {
	return p.Query(cb, tx, "commit")
}

// Rollback submits "rollback" on tx.
func (p *Pool) Rollback(cb Callback, tx string) error {
	return p.Query(cb, tx, "rollback")
}

// BeginContext opens a transaction and waits until the database confirmed it.
// When ctx ends first, the transaction is rolled back and its connection
// released as soon as "begin" has run.
func (p *Pool) BeginContext(ctx context.Context) (string, error) {
	tx := p.Bind()
	reply, err := p.QueryContext(ctx, tx, "begin")
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			p.abandonAsync(tx)
		}
		return "", err
	}
	if err := reply.Err(); err != nil {
		return "", err
	}
	return tx, nil
}

// abandonAsync tells the owning pool nobody holds tx.
func (p *Pool) abandonAsync(tx string) {
	cmd := &Command{SQL: "rollback", Tx: tx, WorkerID: p.worker, Abandon: true}
	if err := p.messenger.Forward(context.Background(), p.name, cmd); err != nil {
		p.log.Warn("abandon %s: %v", tx, err)
	}
}

// CommitContext commits tx and waits for the outcome.
func (p *Pool) CommitContext(ctx context.Context, tx string) error {
	return p.finish(ctx, tx, "commit")
}

// RollbackContext rolls tx back and waits for the outcome.
func (p *Pool) RollbackContext(ctx context.Context, tx string) error {
	return p.finish(ctx, tx, "rollback")
}

func (p *Pool) finish(ctx context.Context, tx, stmt string) error {
	reply, err := p.QueryContext(ctx, tx, stmt)
	if err != nil {
		return err
	}
	return reply.Err()
}

// FreeBind releases the connection held by tx without ending the
// transaction on the server. Statements still queued on that connection go
// back to the front of the pool queue. Freeing an unknown handle does
// nothing.
func (p *Pool) FreeBind(tx string) error {
	if !p.post(func() { p.freeBind(tx) }) {
		return ErrPoolClosed
	}
	return nil
}

func (p *Pool) freeBind(tx string) {
	c, ok := p.bindings[tx]
	if !ok {
		return
	}
	delete(p.bindings, tx)
	c.bound = ""
	p.requeueFront(c.backlog)
	c.backlog = nil
	// a running statement releases the connection when it completes
	if !c.busy {
		p.pushToPool(c)
	}
}

// abandon rolls back tx and frees its connection. A "begin" still waiting in
// the queue is marked so the rollback follows it once it binds.
func (p *Pool) abandon(tx string) {
	if c, ok := p.bindings[tx]; ok {
		p.issue(c, &Command{SQL: "rollback", Tx: tx, WorkerID: p.worker, internal: true})
		return
	}
	p.pending.Each(func(cmd *Command) {
		if cmd.Tx == tx && cmd.isBegin() {
			p.abandoned[tx] = true
		}
	})
}
