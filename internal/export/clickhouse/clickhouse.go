// Package clickhouse exports transition events over the ClickHouse native
// protocol using the official Go client.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kodegen/kodegend/internal/export"
)

type Options struct {
	Addr     string
	Database string
	Table    string
	Username string
	Password string
}

type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and ensures the events table exists.
func New(o Options) (*Sink, error) {
	if o.Addr == "" {
		o.Addr = "localhost:9000"
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Table == "" {
		o.Table = "kodegen_events"
	}
	if o.Username == "" {
		o.Username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		at DateTime64(3),
		service String,
		category String,
		from_state String,
		to_state String,
		pid Int32,
		restart_count UInt32,
		reason String
	) ENGINE = MergeTree ORDER BY (service, at)`, s.table)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create clickhouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e export.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (at, service, category, from_state, to_state, pid, restart_count, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		e.At,
		e.Service,
		e.Category,
		e.From,
		e.To,
		int32(e.PID),
		e.RestartCount,
		e.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert event into clickhouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
