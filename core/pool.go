package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shrek82/asynpool/config"
	"github.com/shrek82/asynpool/conn"
	"github.com/shrek82/asynpool/dialect"
	"github.com/shrek82/asynpool/logger"
)

// Options defines the configuration of a Pool.
type Options struct {
	// Name is the active pool name commands are addressed to. Defaults to config.DefaultActive.
	Name string
	// WorkerID identifies this pool's submitter in handles and reply addresses.
	// Defaults to a random UUID.
	WorkerID string
	Profile  config.Profile
	Tuning   config.PoolConfig

	// Connector dials sessions. When nil, one is opened from Profile through its dialect.
	Connector conn.Connector
	// Dialect defaults to the dialect registered for Profile.Driver.
	Dialect dialect.Dialect
	// Messenger defaults to a private Loopback.
	Messenger Messenger
	Logger    logger.Logger
	// SubmitOnly pools forward commands but never consume them; another
	// process attached to the same messenger owns the connections.
	SubmitOnly bool

	// Now is the clock used for connection age. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig builds options for the active pool of cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	p, err := cfg.ActiveProfile()
	if err != nil {
		return Options{}, err
	}
	log := logger.NewStdLogger()
	log.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.Format != "" {
		log.SetFormat(logger.LogFormat(cfg.Log.Format))
	}
	return Options{
		Name:     cfg.Active,
		WorkerID: cfg.WorkerID,
		Profile:  p,
		Tuning:   cfg.Pool,
		Logger:   log,
	}, nil
}

// Pool multiplexes commands from many submitters over a small set of
// database connections. All connection state is owned by one event-loop
// goroutine; submitters talk to it through the messenger.
type Pool struct {
	name      string
	worker    string
	profile   config.Profile
	tuning    config.PoolConfig
	dialect   dialect.Dialect
	connector conn.Connector
	owned     io.Closer
	messenger Messenger
	log       logger.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	detach    func()

	// owned by the event loop
	idle       []*connection
	pending    deque[*Command]
	bindings   map[string]*connection
	// abandoned holds handles whose "begin" is still queued but whose
	// submitter gave up waiting.
	abandoned  map[string]bool
	active     int
	connecting int
	busy       int
	nextID     int64
	breaker    *breaker

	seq    atomic.Uint64
	tokens tokenTable

	syncMu sync.Mutex
	sync   *conn.SyncPool
}

// Open starts a pool and attaches it to its messenger.
func Open(opts Options) (*Pool, error) {
	p, err := newPool(opts)
	if err != nil {
		return nil, err
	}
	p.started.Store(true)
	go p.run()

	detach, err := p.messenger.Attach(p.name, p.worker, p, !opts.SubmitOnly)
	if err != nil {
		_ = p.shutdown()
		return nil, fmt.Errorf("attach messenger: %w", err)
	}
	p.detach = detach
	p.log.Info("pool %s started (driver %s, submit only %v)", p.name, p.dialect.Name(), opts.SubmitOnly)
	return p, nil
}

func newPool(opts Options) (*Pool, error) {
	if opts.Name == "" {
		opts.Name = config.DefaultActive
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.Tuning.MaxAge <= 0 {
		opts.Tuning.MaxAge = config.DefaultMaxAge
	}
	if opts.Tuning.SoftCap <= 0 {
		opts.Tuning.SoftCap = config.DefaultSoftCap
	}
	if opts.Tuning.ConnectTimeout <= 0 {
		opts.Tuning.ConnectTimeout = config.DefaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewStdLogger()
	}
	if opts.Messenger == nil {
		opts.Messenger = NewLoopback()
	}

	d := opts.Dialect
	if d == nil {
		var ok bool
		if d, ok = dialect.Get(opts.Profile.Driver); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, opts.Profile.Driver)
		}
	}

	p := &Pool{
		name:      opts.Name,
		worker:    opts.WorkerID,
		profile:   opts.Profile,
		tuning:    opts.Tuning,
		dialect:   d,
		connector: opts.Connector,
		messenger: opts.Messenger,
		log:       opts.Logger.WithFields(map[string]any{"pool": opts.Name, "worker": opts.WorkerID}),
		now:       opts.Now,
		events:    make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		bindings:  make(map[string]*connection),
		abandoned: make(map[string]bool),
		breaker:   newBreaker(opts.Tuning.BreakerThreshold, opts.Tuning.BreakerReset),
	}
	p.tokens.init()

	if p.connector == nil && !opts.SubmitOnly {
		dsn, err := d.DSN(opts.Profile)
		if err != nil {
			return nil, fmt.Errorf("build dsn for pool %s: %w", opts.Name, err)
		}
		sc, err := conn.NewSQLConnector(d.DriverName(), dsn, d.IsConnLost)
		if err != nil {
			return nil, fmt.Errorf("open connector for pool %s: %w", opts.Name, err)
		}
		p.connector = sc
		p.owned = sc
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Name returns the active pool name.
func (p *Pool) Name() string {
	return p.name
}

// WorkerID returns the id replies to this pool's submissions are addressed to.
func (p *Pool) WorkerID() string {
	return p.worker
}

// Dialect returns the pool's dialect.
func (p *Pool) Dialect() dialect.Dialect {
	return p.dialect
}

func (p *Pool) run() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.events:
			fn()
			p.drain()
		case <-p.quit:
			return
		}
	}
}

// post runs fn on the event loop. It reports false once the pool is shut down.
func (p *Pool) post(fn func()) bool {
	select {
	case p.events <- fn:
		return true
	case <-p.quit:
		return false
	}
}

// Enqueue hands cmd to the event loop. It implements Sink.
func (p *Pool) Enqueue(cmd *Command) error {
	if !p.post(func() { p.dispatch(cmd) }) {
		return ErrPoolClosed
	}
	return nil
}

// Stats is a snapshot of the pool's loop state.
type Stats struct {
	Name       string `json:"name"`
	WorkerID   string `json:"worker_id"`
	Idle       int    `json:"idle"`
	Pending    int    `json:"pending"`
	Bindings   int    `json:"bindings"`
	Active     int    `json:"active"`
	Connecting int    `json:"connecting"`
	Busy       int    `json:"busy"`
	Breaker    string `json:"breaker"`
}

func (p *Pool) snapshot() Stats {
	return Stats{
		Name:       p.name,
		WorkerID:   p.worker,
		Idle:       len(p.idle),
		Pending:    p.pending.Len(),
		Bindings:   len(p.bindings),
		Active:     p.active,
		Connecting: p.connecting,
		Busy:       p.busy,
		Breaker:    p.breaker.state.String(),
	}
}

// Stats returns a snapshot taken on the event loop.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	ch := make(chan Stats, 1)
	if !p.post(func() { ch <- p.snapshot() }) {
		return Stats{}, ErrPoolClosed
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Sync returns a blocking *sql.DB for the same profile, for use outside the
// event loop. It is opened on first use and closed with the pool.
func (p *Pool) Sync(ctx context.Context) (*conn.SyncPool, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	if p.sync != nil {
		return p.sync, nil
	}
	dsn, err := p.dialect.DSN(p.profile)
	if err != nil {
		return nil, fmt.Errorf("build dsn for pool %s: %w", p.name, err)
	}
	sp, err := conn.OpenSync(ctx, p.dialect.DriverName(), dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("open sync pool %s: %w", p.name, err)
	}
	p.sync = sp
	return sp, nil
}

// Close detaches the pool from its messenger, stops the event loop, closes
// every connection it holds and fails continuations still waiting with
// ErrPoolClosed.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.shutdown()
	})
	return err
}

func (p *Pool) shutdown() error {
	p.closed.Store(true)
	close(p.quit)
	p.cancel()
	if p.started.Load() {
		<-p.done
	}

	// the loop has exited; its state is ours now
	for _, c := range p.idle {
		c.closeRaw()
	}
	p.idle = nil
	for tx, c := range p.bindings {
		c.closeRaw()
		delete(p.bindings, tx)
	}
	p.pending.Each(func(cmd *Command) {
		if cmd.Token == 0 || cmd.WorkerID == p.worker {
			return
		}
		reply := &Reply{Token: cmd.Token, Reject: RejectPoolClosed}
		if err := p.messenger.Deliver(context.Background(), cmd.WorkerID, reply); err != nil {
			p.log.Warn("reject pending command of worker %s: %v", cmd.WorkerID, err)
		}
	})
	p.pending = deque[*Command]{}

	if p.detach != nil {
		p.detach()
	}
	p.tokens.failAll()

	var firstErr error
	p.syncMu.Lock()
	if p.sync != nil {
		firstErr = p.sync.Close()
		p.sync = nil
	}
	p.syncMu.Unlock()
	if p.owned != nil {
		if err := p.owned.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.log.Info("pool %s closed", p.name)
	return firstErr
}
