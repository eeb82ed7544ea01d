package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name      string
	TimeType  string // column type for occurred_at
	IDColumn  string // auto-increment primary key definition
	Numbered  bool   // $1 placeholders instead of ?
	TableName string
}

var (
	SQLite = Dialect{
		Name:      "sqlite",
		TimeType:  "TIMESTAMP",
		IDColumn:  "id INTEGER PRIMARY KEY AUTOINCREMENT",
		TableName: "service_history",
	}
	Postgres = Dialect{
		Name:      "postgres",
		TimeType:  "TIMESTAMPTZ",
		IDColumn:  "id BIGSERIAL PRIMARY KEY",
		Numbered:  true,
		TableName: "service_history",
	}
)

// bind rewrites ? placeholders to $n for numbered dialects.
func (d Dialect) bind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLSink appends events to a relational table. The schema is created on
// open; rows are never updated.
type SQLSink struct {
	db *sql.DB
	d  Dialect
}

// OpenSQL wraps an open database handle and ensures the schema exists.
// The handle is closed when schema creation fails.
func OpenSQL(db *sql.DB, d Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, d: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s history schema: %w", d.Name, err)
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			%s,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NULL,
			detail TEXT NULL
		);`, s.d.TableName, s.d.IDColumn, s.d.TimeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_service ON %s(service);`, s.d.TableName, s.d.TableName),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var code any
	if e.ExitCode != nil {
		code = *e.ExitCode
	}
	var detail any
	if e.Detail != "" {
		detail = e.Detail
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	q := s.d.bind(fmt.Sprintf(`INSERT INTO %s(occurred_at, event, service, pid, exit_code, detail) VALUES(?, ?, ?, ?, ?, ?);`, s.d.TableName))
	_, err := s.db.ExecContext(ctx, q, occurred.UTC(), string(e.Type), e.Service, e.PID, code, detail)
	return err
}

// Count returns the number of stored events for service, or all events when
// service is empty.
func (s *SQLSink) Count(ctx context.Context, service string) (int, error) {
	var n int
	if service == "" {
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.d.TableName)).Scan(&n)
		return n, err
	}
	q := s.d.bind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE service = ?`, s.d.TableName))
	err := s.db.QueryRowContext(ctx, q, service).Scan(&n)
	return n, err
}

// Recent returns up to limit events of service, newest first.
func (s *SQLSink) Recent(ctx context.Context, service string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.d.bind(fmt.Sprintf(`SELECT occurred_at, event, service, pid, exit_code, detail FROM %s WHERE service = ? ORDER BY id DESC LIMIT ?`, s.d.TableName))
	rows, err := s.db.QueryContext(ctx, q, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			typ    string
			code   sql.NullInt64
			detail sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Service, &e.PID, &code, &detail); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if code.Valid {
			c := int(code.Int64)
			e.ExitCode = &c
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
