package dialect

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/shrek82/asynpool/config"
)

// MySQL client and server error numbers that mean the session is gone.
const (
	erServerShutdown      = 1053 // ER_SERVER_SHUTDOWN
	erConnectionKilled    = 1927 // ER_CONNECTION_KILLED
	crServerGoneError     = 2006 // CR_SERVER_GONE_ERROR
	crServerLost          = 2013 // CR_SERVER_LOST
	erClientInteractionTO = 4031 // ER_CLIENT_INTERACTION_TIMEOUT
)

func init() {
	Register("mysql", &mysqlDialect{})
}

// MySQL dialect implementation
type mysqlDialect struct{}

func (d *mysqlDialect) Name() string {
	return "mysql"
}

func (d *mysqlDialect) DriverName() string {
	return "mysql"
}

func (d *mysqlDialect) DSN(p config.Profile) (string, error) {
	if p.DSN != "" {
		if _, err := mysql.ParseDSN(p.DSN); err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		return p.DSN, nil
	}
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	port := p.Port
	if port == 0 {
		port = 3306
	}
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = p.Database
	if len(p.Params) > 0 {
		cfg.Params = make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN(), nil
}

func (d *mysqlDialect) Quote(name string) string {
	return fmt.Sprintf("`%s`", name)
}

func (d *mysqlDialect) Placeholder(index int) string {
	return "?"
}

func (d *mysqlDialect) IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case crServerGoneError, crServerLost, erServerShutdown, erConnectionKilled, erClientInteractionTO:
			return true
		}
		return false
	}
	return transportLost(err)
}
