package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Query submits one statement. tx is the transaction handle, empty outside a
// transaction. cb receives the reply on its own goroutine; a nil cb submits
// without asking for a reply. Query never blocks on the database.
func (p *Pool) Query(cb Callback, tx, sql string, args ...any) error {
	var resolve func(*Reply)
	if cb != nil {
		resolve = func(r *Reply) { go cb(r) }
	}
	return p.submit(tx, sql, args, resolve)
}

// QueryContext submits one statement and waits for its reply. Rejections are
// returned as errors; a statement that failed on the server is reported in
// the reply (see Reply.Err). Cancelling ctx stops the wait only: the
// statement still runs.
func (p *Pool) QueryContext(ctx context.Context, tx, sql string, args ...any) (*Reply, error) {
	ch := make(chan *Reply, 1)
	if err := p.submit(tx, sql, args, func(r *Reply) { ch <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		if r.Reject != "" {
			return r, r.Err()
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) submit(tx, sql string, args []any, resolve func(*Reply)) error {
	if strings.TrimSpace(sql) == "" {
		return ErrEmptyStatement
	}
	if p.closed.Load() {
		return ErrPoolClosed
	}
	cmd := &Command{
		SQL:      sql,
		Args:     args,
		Tx:       tx,
		WorkerID: p.worker,
	}
	if resolve != nil {
		cmd.Token = p.tokens.add(resolve)
	}
	if err := p.messenger.Forward(context.Background(), p.name, cmd); err != nil {
		p.tokens.take(cmd.Token)
		return fmt.Errorf("forward to pool %s: %w", p.name, err)
	}
	return nil
}

// Resolve hands a reply to the continuation registered under its token. It
// implements Sink.
func (p *Pool) Resolve(reply *Reply) {
	if fn := p.tokens.take(reply.Token); fn != nil {
		fn(reply)
	}
}

// tokenTable maps continuation tokens to the functions resolving them.
// Tokens start at 1; 0 means nobody is waiting.
type tokenTable struct {
	mu      sync.Mutex
	next    uint64
	waiting map[uint64]func(*Reply)
}

func (t *tokenTable) init() {
	t.waiting = make(map[uint64]func(*Reply))
}

func (t *tokenTable) add(fn func(*Reply)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.waiting[t.next] = fn
	return t.next
}

func (t *tokenTable) take(token uint64) func(*Reply) {
	if token == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn := t.waiting[token]
	delete(t.waiting, token)
	return fn
}

func (t *tokenTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

// failAll resolves every waiting continuation with a pool-closed rejection.
func (t *tokenTable) failAll() {
	t.mu.Lock()
	waiting := t.waiting
	t.waiting = make(map[uint64]func(*Reply))
	t.mu.Unlock()
	for token, fn := range waiting {
		fn(&Reply{Token: token, Reject: RejectPoolClosed})
	}
}
