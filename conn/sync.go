package conn

import (
	"context"
	"database/sql"
	"time"
)

// SyncOptions configures the synchronous fallback pool.
type SyncOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SyncPool is a blocking *sql.DB for startup, migration and other code that
// runs outside the asynchronous pool. It shares nothing with it.
type SyncPool struct {
	*sql.DB
}

// OpenSync opens and pings a SyncPool.
func OpenSync(ctx context.Context, driverName, dsn string, opts *SyncOptions) (*SyncPool, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if opts != nil {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SyncPool{db}, nil
}
