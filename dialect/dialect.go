package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"syscall"

	"github.com/shrek82/asynpool/config"
)

// Dialect carries the database-specific knowledge the pool needs: how to reach
// the server, how to write a statement for it and how to tell a dead
// connection from a failed statement.
type Dialect interface {
	// Name is the label used in delivered error strings, e.g. "mysql" in "[mysql]:...".
	Name() string
	// DriverName is the database/sql driver the dialect opens connections with.
	DriverName() string
	// DSN builds the driver data source name for a profile.
	DSN(p config.Profile) (string, error)
	// Quote wraps a name (table or column) in database-specific quotes
	Quote(name string) string
	// Placeholder returns the bind placeholder for the 1-based argument index.
	Placeholder(index int) string
	// IsConnLost reports whether err means the connection is gone and the
	// statement may be retried on a fresh one.
	IsConnLost(err error) bool
}

var (
	mu       sync.RWMutex
	dialects = make(map[string]Dialect)
)

// Register registers a new dialect for a given driver name
func Register(name string, d Dialect) {
	mu.Lock()
	defer mu.Unlock()
	dialects[name] = d
}

// Get retrieves a registered dialect by driver name
func Get(name string) (Dialect, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := dialects[name]
	return d, ok
}

// Names lists the registered driver names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// transportLost covers the failures every database/sql driver reports the same way.
func transportLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// a statement timeout is not a dead connection
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
