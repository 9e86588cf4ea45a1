package core

import (
	"context"
	"fmt"
	"sync"
)

// Sink is the side of a pool a messenger talks to.
type Sink interface {
	// Enqueue hands a command to the pool's event loop.
	Enqueue(cmd *Command) error
	// Resolve hands a reply to the continuation waiting for it.
	Resolve(reply *Reply)
}

// Messenger moves commands from submitters to the pool that owns the
// connections, and replies back to the submitting worker.
type Messenger interface {
	// Attach registers a pool. Its sink receives replies addressed to worker and,
	// when owner is true, commands addressed to pool. The returned func detaches.
	Attach(pool, worker string, sink Sink, owner bool) (detach func(), err error)
	// Forward delivers cmd to the owner of pool.
	Forward(ctx context.Context, pool string, cmd *Command) error
	// Deliver sends reply to worker. It is called from the event loop and must not block.
	Deliver(ctx context.Context, worker string, reply *Reply) error
}

// Loopback is an in-process Messenger. Pools sharing one Loopback can submit
// to each other by pool name.
type Loopback struct {
	mu      sync.RWMutex
	pools   map[string]Sink
	workers map[string]Sink
}

// NewLoopback returns an empty in-process messenger.
func NewLoopback() *Loopback {
	return &Loopback{
		pools:   make(map[string]Sink),
		workers: make(map[string]Sink),
	}
}

func (l *Loopback) Attach(pool, worker string, sink Sink, owner bool) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workers[worker]; ok {
		return nil, fmt.Errorf("worker %q already attached", worker)
	}
	if owner {
		if _, ok := l.pools[pool]; ok {
			return nil, fmt.Errorf("pool %q already has an owner", pool)
		}
		l.pools[pool] = sink
	}
	l.workers[worker] = sink

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.workers, worker)
			if owner && l.pools[pool] == sink {
				delete(l.pools, pool)
			}
		})
	}, nil
}

func (l *Loopback) Forward(_ context.Context, pool string, cmd *Command) error {
	l.mu.RLock()
	sink, ok := l.pools[pool]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no owner for pool %q", pool)
	}
	return sink.Enqueue(cmd)
}

func (l *Loopback) Deliver(_ context.Context, worker string, reply *Reply) error {
	l.mu.RLock()
	sink, ok := l.workers[worker]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no worker %q attached", worker)
	}
	sink.Resolve(reply)
	return nil
}
