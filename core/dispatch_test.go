package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/asynpool/config"
	"github.com/shrek82/asynpool/conn"
	"github.com/shrek82/asynpool/conn/conntest"
	"github.com/shrek82/asynpool/logger"
)

// recorder is a Messenger that keeps every delivered reply.
type recorder struct {
	mu      sync.Mutex
	replies []*Reply
}

func (r *recorder) Attach(string, string, Sink, bool) (func(), error) { return func() {}, nil }

func (r *recorder) Forward(context.Context, string, *Command) error { return nil }

func (r *recorder) Deliver(_ context.Context, _ string, reply *Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return nil
}

func (r *recorder) all() []*Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Reply(nil), r.replies...)
}

// harness drives a pool's loop state from the test goroutine: nothing runs
// the event loop except until.
type harness struct {
	t     *testing.T
	p     *Pool
	fc    *conntest.Connector
	rec   *recorder
	clock time.Time
}

func newHarness(t *testing.T, tuning config.PoolConfig) *harness {
	h := &harness{
		t:     t,
		fc:    conntest.New(),
		rec:   &recorder{},
		clock: time.Unix(1_700_000_000, 0),
	}
	p, err := newPool(Options{
		WorkerID:  "obj-1",
		Profile:   config.Profile{Driver: "mysql", Host: "db", Port: 3306},
		Tuning:    tuning,
		Connector: h.fc,
		Messenger: h.rec,
		Logger:    logger.Discard(),
		Now:       func() time.Time { return h.clock },
	})
	require.NoError(t, err)
	h.p = p
	t.Cleanup(func() {
		close(p.quit)
		p.cancel()
	})
	return h
}

// until runs loop events until cond holds.
func (h *harness) until(cond func() bool) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case fn := <-h.p.events:
			fn()
			h.p.drain()
		case <-deadline:
			h.t.Fatal("condition not reached")
		}
	}
}

// submit feeds cmd to the dispatcher as an arriving command would be.
func (h *harness) submit(cmd *Command) {
	h.p.dispatch(cmd)
	h.p.drain()
}

// idleConn opens one connection and leaves it in the idle pool.
func (h *harness) idleConn() *connection {
	h.t.Helper()
	h.p.connect()
	h.until(func() bool { return len(h.p.idle) > 0 })
	return h.p.idle[len(h.p.idle)-1]
}

// bound opens a transaction on a fresh connection.
func (h *harness) bound(tx string) *connection {
	h.t.Helper()
	c := h.idleConn()
	h.submit(newCmd("begin", tx, 0))
	h.until(func() bool { return !c.busy })
	require.Same(h.t, c, h.p.bindings[tx])
	return c
}

func (h *harness) replyFor(token uint64) *Reply {
	for _, r := range h.rec.all() {
		if r.Token == token {
			return r
		}
	}
	return nil
}

func (h *harness) pendingSQL() []string {
	var out []string
	h.p.pending.Each(func(cmd *Command) { out = append(out, cmd.SQL) })
	return out
}

func fake(c *connection) *conntest.Conn {
	return c.raw.(*conntest.Conn)
}

func newCmd(sql, tx string, token uint64) *Command {
	return &Command{SQL: sql, Tx: tx, Token: token, WorkerID: "obj-1"}
}

func TestExecuteEmptyPoolConnectsOnceAndRequeues(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	first := newCmd("SELECT 1", "", 1)
	h.p.pending.PushBack(newCmd("SELECT 0", "", 0))

	require.NoError(t, h.p.execute(first))

	assert.Equal(t, 1, h.p.connecting)
	var queued []*Command
	h.p.pending.Each(func(cmd *Command) { queued = append(queued, cmd) })
	require.Len(t, queued, 2)
	assert.Same(t, first, queued[1], "requeued at the back, unchanged")
	assert.Equal(t, "SELECT 1", first.SQL)

	h.until(func() bool { return h.p.connecting == 0 })
	assert.Equal(t, 1, h.fc.Attempts())
	assert.Equal(t, 1, h.p.active)
}

func TestEmptyPoolSelectDeliveredOnce(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	h.submit(newCmd("SELECT 1", "", 7))
	assert.Equal(t, 1, h.p.pending.Len())

	h.until(func() bool { return len(h.rec.all()) == 1 && h.p.busy == 0 })

	r := h.replyFor(7)
	require.NotNil(t, r)
	require.NotNil(t, r.Result)
	assert.True(t, r.Result.OK)
	assert.EqualValues(t, 1, r.Result.ClientID)
	assert.Len(t, r.Result.Rows, 1)
	assert.Equal(t, 1, h.fc.Attempts())
	assert.Zero(t, h.p.pending.Len())
	assert.Len(t, h.p.idle, 1)
	assert.Len(t, h.rec.all(), 1)
}

func TestUnknownHandleRejectedBeforeAnyConnection(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})

	err := h.p.execute(newCmd("INSERT INTO t VALUES (1)", "obj-1#9", 3))
	assert.ErrorIs(t, err, ErrTransactionNotStarted)
	assert.Zero(t, h.p.connecting)
	assert.Zero(t, h.p.pending.Len())

	h.submit(newCmd("commit", "obj-1#9", 4))
	r := h.replyFor(4)
	require.NotNil(t, r)
	assert.Equal(t, RejectTransactionNotStarted, r.Reject)
	assert.ErrorIs(t, r.Err(), ErrTransactionNotStarted)
	assert.Zero(t, h.fc.Attempts())
}

func TestBeginReplyCarriesHandle(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.idleConn()

	h.submit(newCmd("BEGIN", "obj-1#1", 5))
	h.until(func() bool { return h.replyFor(5) != nil })

	r := h.replyFor(5)
	assert.Equal(t, "obj-1#1", r.Handle)
	assert.Nil(t, r.Result)
	assert.Same(t, c, h.p.bindings["obj-1#1"])
	assert.Empty(t, h.p.idle)
}

func TestTransportFailureRequeuesAtFront(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.idleConn()
	fake(c).FailNext(driver.ErrBadConn)

	h.submit(newCmd("SELECT 1", "", 1))
	require.True(t, c.busy)
	h.p.pending.PushBack(newCmd("SELECT 2", "", 2))

	h.until(func() bool { return !c.busy })

	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, h.pendingSQL())
	assert.Empty(t, h.rec.all(), "transport failure is not delivered")
	assert.Equal(t, 1, h.p.connecting, "exactly one reconnect")

	h.until(func() bool { return len(h.rec.all()) == 2 })
	assert.Equal(t, 2, h.fc.Attempts())
	assert.True(t, h.replyFor(1).Result.OK)
	assert.EqualValues(t, 1, h.replyFor(1).Result.ClientID, "reconnect keeps the record")
	assert.Equal(t, 1, h.p.active)
	assert.False(t, fake(c).Closed())
	assert.Eventually(t, h.fc.Conns()[0].Closed, time.Second, 5*time.Millisecond)
}

func TestTransportFailureInTransactionDropsBinding(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.bound("obj-1#1")
	fake(c).FailNext(driver.ErrBadConn)

	h.submit(newCmd("INSERT INTO t VALUES (1)", "obj-1#1", 1))
	h.submit(newCmd("INSERT INTO t VALUES (2)", "obj-1#1", 2))
	require.Len(t, c.backlog, 1)

	h.until(func() bool { return len(h.rec.all()) == 2 })

	assert.NotContains(t, h.p.bindings, "obj-1#1")
	r1 := h.replyFor(1)
	assert.Contains(t, r1.Error, "[mysql]:")
	assert.Contains(t, r1.Error, "[sql]:INSERT INTO t VALUES (1)")
	assert.Equal(t, RejectTransactionNotStarted, h.replyFor(2).Reject)

	h.until(func() bool { return h.p.connecting == 0 })
	assert.Equal(t, 1, h.p.active)
	assert.Len(t, h.p.idle, 1)
}

func TestStatementFailureRollsBackTransaction(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	h.fc.Handle(func(_ *conntest.Conn, query string, _ []any) (*conn.Outcome, error) {
		if query == "INSERT INTO t VALUES (1)" {
			return nil, errors.New("Duplicate entry '1' for key 'PRIMARY'")
		}
		return &conn.Outcome{}, nil
	})
	c := h.bound("obj-1#1")

	h.submit(newCmd("INSERT INTO t VALUES (1)", "obj-1#1", 1))
	h.until(func() bool { return len(h.p.bindings) == 0 })

	r := h.replyFor(1)
	require.NotNil(t, r)
	assert.Equal(t, "[mysql]:Duplicate entry '1' for key 'PRIMARY'[sql]:INSERT INTO t VALUES (1)", r.Error)
	assert.False(t, r.Result.OK)
	var se *StatementError
	assert.ErrorAs(t, r.Err(), &se)

	assert.Equal(t, []string{"begin", "INSERT INTO t VALUES (1)", "rollback"}, fake(c).Statements())
	assert.Equal(t, []*connection{c}, h.p.idle)
	assert.Len(t, h.rec.all(), 1, "the automatic rollback is not delivered")
}

func TestFailedCommitDoesNotRollBackAgain(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	h.fc.Handle(func(_ *conntest.Conn, query string, _ []any) (*conn.Outcome, error) {
		if query == "commit" {
			return nil, errors.New("deadlock")
		}
		return &conn.Outcome{}, nil
	})
	c := h.bound("obj-1#1")

	h.submit(newCmd("commit", "obj-1#1", 1))
	h.until(func() bool { return h.replyFor(1) != nil })

	assert.Equal(t, []string{"begin", "commit"}, fake(c).Statements())
	assert.Empty(t, h.p.bindings)
}

func TestStatementsOfOneHandleRunInOrder(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.bound("obj-1#1")

	for i := 1; i <= 3; i++ {
		h.submit(newCmd(fmt.Sprintf("INSERT INTO t VALUES (%d)", i), "obj-1#1", uint64(i)))
	}
	h.submit(newCmd("commit", "obj-1#1", 4))
	h.until(func() bool { return h.replyFor(4) != nil })

	assert.Equal(t, []string{
		"begin",
		"INSERT INTO t VALUES (1)",
		"INSERT INTO t VALUES (2)",
		"INSERT INTO t VALUES (3)",
		"commit",
	}, fake(c).Statements())
	for i := 1; i <= 3; i++ {
		assert.EqualValues(t, 1, h.replyFor(uint64(i)).Result.AffectedRows)
	}
	assert.Empty(t, h.p.bindings)
	assert.Equal(t, []*connection{c}, h.p.idle)
}

func TestRecyclePolicy(t *testing.T) {
	cases := []struct {
		name       string
		age        time.Duration
		active     int
		connecting int
		recycled   bool
	}{
		{"young under cap", 10 * time.Minute, 1, 0, true},
		{"young over cap", 10 * time.Minute, 2, 1, true},
		{"old under cap", 2 * time.Hour, 1, 1, true},
		{"old over cap", 2 * time.Hour, 2, 1, false},
		{"exactly max age over cap", time.Hour, 3, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, config.PoolConfig{MaxAge: time.Hour, SoftCap: 2})
			raw, err := h.fc.Connect(context.Background())
			require.NoError(t, err)
			c := &connection{id: 1, createdAt: h.clock.Add(-tc.age), raw: raw}
			h.p.active = tc.active
			h.p.connecting = tc.connecting

			h.p.release(c)

			if tc.recycled {
				assert.Equal(t, []*connection{c}, h.p.idle)
				assert.Equal(t, tc.active, h.p.active)
				return
			}
			assert.Empty(t, h.p.idle)
			assert.Equal(t, tc.active-1, h.p.active)
			assert.Eventually(t, raw.(*conntest.Conn).Closed, time.Second, 5*time.Millisecond)
		})
	}
}

func TestClosedIdleConnectionIsReconnected(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.idleConn()
	fake(c).Kill()
	h.until(func() bool { return c.closed })
	assert.Equal(t, []*connection{c}, h.p.idle, "closed connections stay idle until taken")

	h.submit(newCmd("SELECT 1", "", 1))
	assert.Equal(t, 1, h.p.connecting)
	assert.Equal(t, 1, h.p.pending.Len())

	h.until(func() bool { return h.replyFor(1) != nil })
	assert.EqualValues(t, 1, h.replyFor(1).Result.ClientID)
	assert.Equal(t, 1, h.p.active)
	assert.Equal(t, 2, h.fc.Attempts())
}

func TestStaleCloseNotificationIgnored(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.idleConn()
	old, err := h.fc.Connect(context.Background())
	require.NoError(t, err)

	h.p.onClose(c, old)
	assert.False(t, c.closed)
	h.p.onClose(c, c.raw)
	assert.True(t, c.closed)
}

func TestConnectFailureLeavesCommandQueued(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	h.fc.FailWith(errors.New("connection refused"))

	h.submit(newCmd("SELECT 1", "", 1))
	h.until(func() bool { return h.p.connecting == 0 })
	assert.Zero(t, h.p.active)
	assert.Equal(t, 1, h.p.pending.Len())
	assert.Empty(t, h.rec.all())

	h.fc.FailWith(nil)
	h.submit(newCmd("SELECT 2", "", 2))
	h.until(func() bool { return len(h.rec.all()) == 2 })
	assert.Equal(t, 2, h.fc.Attempts())
}

func TestFailedReconnectDropsRecord(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.idleConn()
	fake(c).FailNext(driver.ErrBadConn)
	h.fc.FailWith(errors.New("connection refused"))

	h.submit(newCmd("SELECT 1", "", 1))
	h.until(func() bool { return !c.busy && h.p.connecting == 0 })

	assert.Zero(t, h.p.active)
	assert.Empty(t, h.p.idle)
	assert.Equal(t, []string{"SELECT 1"}, h.pendingSQL())
}

func TestMaxConnectingLimitsConnects(t *testing.T) {
	h := newHarness(t, config.PoolConfig{MaxConnecting: 1})
	h.fc.Hold()

	for i := 1; i <= 3; i++ {
		h.submit(newCmd("SELECT 1", "", uint64(i)))
	}
	assert.Equal(t, 1, h.p.connecting)
	assert.Equal(t, 3, h.p.pending.Len())

	h.fc.Release()
	h.until(func() bool { return len(h.rec.all()) == 3 })
	assert.Equal(t, 1, h.fc.Attempts())
	assert.Equal(t, 1, h.p.active)
}

func TestBreakerSuppressesConnects(t *testing.T) {
	h := newHarness(t, config.PoolConfig{BreakerThreshold: 1, BreakerReset: time.Minute})
	h.fc.FailWith(errors.New("connection refused"))

	h.submit(newCmd("SELECT 1", "", 1))
	h.until(func() bool { return h.p.connecting == 0 })
	assert.Equal(t, breakerOpen, h.p.breaker.state)

	h.submit(newCmd("SELECT 2", "", 2))
	assert.Zero(t, h.p.connecting)
	assert.Equal(t, 1, h.fc.Attempts())

	h.fc.FailWith(nil)
	h.clock = h.clock.Add(2 * time.Minute)
	h.submit(newCmd("SELECT 3", "", 3))
	h.until(func() bool { return len(h.rec.all()) == 3 })
	assert.Equal(t, breakerClosed, h.p.breaker.state)
}

func TestBindHandlesAreUnique(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	assert.Equal(t, "obj-1#1", h.p.Bind())
	assert.Equal(t, "obj-1#2", h.p.Bind())

	other := newHarness(t, config.PoolConfig{})
	other.p.worker = "obj-2"
	assert.Equal(t, "obj-2#1", other.p.Bind())

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tx := h.p.Bind()
				mu.Lock()
				seen[tx] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}

func TestFreeBind(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.bound("obj-1#1")

	h.p.freeBind("obj-1#1")
	assert.NotContains(t, h.p.bindings, "obj-1#1")
	assert.Equal(t, []*connection{c}, h.p.idle)
	assert.Empty(t, c.bound)

	h.p.freeBind("obj-1#1")
	assert.Equal(t, []*connection{c}, h.p.idle)
}

func TestFreeBindWhileBusyReleasesOnCompletion(t *testing.T) {
	h := newHarness(t, config.PoolConfig{})
	c := h.bound("obj-1#1")

	h.submit(newCmd("INSERT INTO t VALUES (1)", "obj-1#1", 1))
	h.submit(newCmd("INSERT INTO t VALUES (2)", "obj-1#1", 2))
	require.True(t, c.busy)

	h.p.freeBind("obj-1#1")
	assert.Empty(t, h.p.idle)
	assert.Equal(t, []string{"INSERT INTO t VALUES (2)"}, h.pendingSQL())

	h.until(func() bool { return len(h.rec.all()) == 2 })
	assert.True(t, h.replyFor(1).Result.OK)
	assert.Equal(t, RejectTransactionNotStarted, h.replyFor(2).Reject)
	assert.Equal(t, []*connection{c}, h.p.idle)
}

func TestAbandon(t *testing.T) {
	t.Run("UnknownHandle", func(t *testing.T) {
		h := newHarness(t, config.PoolConfig{})
		h.submit(&Command{SQL: "rollback", Tx: "obj-1#9", WorkerID: "obj-1", Abandon: true})
		assert.Empty(t, h.p.abandoned)
		assert.Zero(t, h.p.pending.Len())
		assert.Empty(t, h.rec.all())
	})

	t.Run("QueuedBegin", func(t *testing.T) {
		h := newHarness(t, config.PoolConfig{})
		h.submit(newCmd("begin", "obj-1#1", 1))
		h.submit(&Command{SQL: "rollback", Tx: "obj-1#1", WorkerID: "obj-1", Abandon: true})
		assert.True(t, h.p.abandoned["obj-1#1"])

		h.until(func() bool { return len(h.p.idle) == 1 && h.p.busy == 0 })
		assert.Empty(t, h.p.abandoned)
		assert.Empty(t, h.p.bindings)
		assert.Equal(t, []string{"begin", "rollback"}, h.fc.Statements())
	})

	t.Run("BoundIdle", func(t *testing.T) {
		h := newHarness(t, config.PoolConfig{})
		c := h.bound("obj-1#1")
		h.submit(&Command{SQL: "rollback", Tx: "obj-1#1", WorkerID: "obj-1", Abandon: true})
		h.until(func() bool { return !c.busy })
		assert.Empty(t, h.p.bindings)
		assert.Equal(t, []*connection{c}, h.p.idle)
		assert.Equal(t, []string{"begin", "rollback"}, fake(c).Statements())
	})
}
