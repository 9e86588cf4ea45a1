package dialect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/shrek82/asynpool/config"
)

func init() {
	Register("sqlite3", &sqlite{})
}

// SQLite dialect implementation
type sqlite struct{}

func (d *sqlite) Name() string {
	return "sqlite"
}

func (d *sqlite) DriverName() string {
	return "sqlite3"
}

// DSN uses Database as the file path; Params become URI query parameters.
func (d *sqlite) DSN(p config.Profile) (string, error) {
	if p.DSN != "" {
		return p.DSN, nil
	}
	if p.Database == "" {
		return "", fmt.Errorf("sqlite profile has no database path")
	}
	if len(p.Params) == 0 {
		return p.Database, nil
	}
	q := url.Values{}
	for k, v := range p.Params {
		q.Set(k, v)
	}
	sep := "?"
	if strings.Contains(p.Database, "?") {
		sep = "&"
	}
	return p.Database + sep + q.Encode(), nil
}

func (d *sqlite) Quote(name string) string {
	return fmt.Sprintf(`"%s"`, name)
}

func (d *sqlite) Placeholder(index int) string {
	return "?"
}

func (d *sqlite) IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	// SQLITE_MISUSE is what a closed handle reports
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrMisuse
	}
	return transportLost(err)
}
