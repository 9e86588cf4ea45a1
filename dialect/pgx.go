package dialect

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/shrek82/asynpool/config"
)

func init() {
	Register("pgx", &pgxDialect{})
}

// PostgreSQL through the pgx stdlib driver
type pgxDialect struct{}

func (d *pgxDialect) Name() string {
	return "postgres"
}

func (d *pgxDialect) DriverName() string {
	return "pgx"
}

func (d *pgxDialect) DSN(p config.Profile) (string, error) {
	dsn, err := postgresURL(p)
	if err != nil {
		return "", err
	}
	if _, err := pgconn.ParseConfig(dsn); err != nil {
		return "", err
	}
	return dsn, nil
}

func (d *pgxDialect) Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *pgxDialect) Placeholder(index int) string {
	return "$" + strconv.Itoa(index)
}

func (d *pgxDialect) IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return sessionGone(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	// SafeToRetry is set when nothing reached the server
	if pgconn.SafeToRetry(err) {
		return true
	}
	return transportLost(err)
}
