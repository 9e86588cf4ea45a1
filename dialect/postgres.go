package dialect

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/shrek82/asynpool/config"
)

func init() {
	Register("postgres", &postgres{})
}

// PostgreSQL dialect implementation on lib/pq
type postgres struct{}

func (d *postgres) Name() string {
	return "postgres"
}

func (d *postgres) DriverName() string {
	return "postgres"
}

func (d *postgres) DSN(p config.Profile) (string, error) {
	return postgresURL(p)
}

func (d *postgres) Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *postgres) Placeholder(index int) string {
	return "$" + strconv.Itoa(index)
}

func (d *postgres) IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return sessionGone(string(pqErr.Code))
	}
	return transportLost(err)
}

// sessionGone matches SQLSTATE class 08 (connection exception) and the
// 57P0x operator intervention codes that terminate the backend.
func sessionGone(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "57P01", "57P02", "57P03":
		return true
	}
	return false
}

// postgresURL builds a postgres:// URL shared by the pq and pgx dialects.
func postgresURL(p config.Profile) (string, error) {
	if p.DSN != "" {
		return p.DSN, nil
	}
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	if p.Database == "" {
		return "", fmt.Errorf("postgres profile for %s has no database", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	q := url.Values{}
	for k, v := range p.Params {
		q.Set(k, v)
	}
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
