// Package clickhouse stores lifecycle events in a MergeTree table.
package clickhouse

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/devstack/internal/history"
)

// Options selects the server, credentials and destination table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	Timeout  time.Duration
}

// ParseDSN reads clickhouse://[user[:pass]@]host[:port][/database][?table=name].
func ParseDSN(dsn string) (Options, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return Options{}, err
	}
	o := Options{
		Addr:     u.Host,
		Database: strings.Trim(u.Path, "/"),
		Table:    u.Query().Get("table"),
	}
	if u.User != nil {
		o.Username = u.User.Username()
		o.Password, _ = u.User.Password()
	}
	return o, nil
}

func (o *Options) defaults() {
	if o.Addr == "" {
		o.Addr = "localhost:9000"
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "service_history"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

// Sink appends events through the native ClickHouse protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table when missing.
func New(o Options) (*Sink, error) {
	o.defaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{o.Addr},
		Auth:        clickhouse.Auth{Database: o.Database, Username: o.Username, Password: o.Password},
		DialTimeout: o.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.Timeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", o.Addr, err)
	}
	s := &Sink{conn: conn, table: o.Table}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(3),
		event LowCardinality(String),
		service LowCardinality(String),
		pid Int64,
		exit_code Nullable(Int32),
		detail String
	) ENGINE = MergeTree() ORDER BY (service, occurred_at)`, s.table)
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return s, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return err
	}
	var code *int32
	if e.ExitCode != nil {
		c := int32(*e.ExitCode)
		code = &c
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	if err := batch.Append(occurred.UTC(), string(e.Type), e.Service, int64(e.PID), code, e.Detail); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

// Count returns the number of stored events for service.
func (s *Sink) Count(ctx context.Context, service string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table+" WHERE service = ?", service).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.conn.Close() }
