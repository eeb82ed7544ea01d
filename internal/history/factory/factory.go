// Package factory selects a history backend from a DSN scheme.
package factory

import (
	"fmt"
	"strings"

	"github.com/loykin/devstack/internal/history"
	"github.com/loykin/devstack/internal/history/clickhouse"
	"github.com/loykin/devstack/internal/history/opensearch"
	"github.com/loykin/devstack/internal/history/postgres"
	"github.com/loykin/devstack/internal/history/sqlite"
)

// NewSinkFromDSN opens the sink named by the DSN scheme:
//
//	clickhouse://[user:pass@]host:port[/db][?table=name]
//	opensearch://[user:pass@]host:port[/index]   (elasticsearch:// alias)
//	postgres://... or postgresql://...
//	sqlite:///path/to/file.db, sqlite://:memory:
//	/path/to/file.db                              (no scheme: SQLite)
func NewSinkFromDSN(dsn string) (history.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty history DSN")
	}
	scheme, _, found := strings.Cut(dsn, "://")
	if !found {
		return sqlite.New(dsn)
	}
	switch strings.ToLower(scheme) {
	case "sqlite":
		return sqlite.New(dsn)
	case "postgres", "postgresql":
		return postgres.New(dsn)
	case "clickhouse":
		o, err := clickhouse.ParseDSN(dsn)
		if err != nil {
			return nil, err
		}
		return clickhouse.New(o)
	case "opensearch", "elasticsearch":
		o, err := opensearch.ParseDSN(dsn)
		if err != nil {
			return nil, err
		}
		return opensearch.New(o), nil
	}
	return nil, fmt.Errorf("unsupported history DSN scheme %q", scheme)
}
