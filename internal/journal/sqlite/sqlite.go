// Package sqlite keeps the lifecycle journal in a SQLite database via the
// pure-Go modernc driver, so the default daemon install needs no cgo and no
// external database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kodegen/kodegend/internal/journal"
)

type Journal struct {
	db *sql.DB
}

// New opens (creating if needed) the journal database.
// DSN formats:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" or ":memory:" (without prefix)
func New(dsn string) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty sqlite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// The journal is written by exactly one goroutine; a second connection
	// would only win "database is locked" errors.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	// at is unix milliseconds UTC; scanning portable integers avoids
	// driver-specific timestamp parsing.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_events(
			id INTEGER PRIMARY KEY,
			at BIGINT NOT NULL,
			service TEXT NOT NULL,
			category TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			restart_count INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS service_events_service_at
			ON service_events(service, at);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Record(ctx context.Context, e journal.Entry) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO service_events(at, service, category, from_state, to_state, pid, restart_count, reason)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.At.UTC().UnixMilli(), e.Service, e.Category, e.From, e.To, e.PID, e.RestartCount, e.Reason)
	return err
}

func (j *Journal) Recent(ctx context.Context, service string, limit int) ([]journal.Entry, error) {
	limit = journal.ClampLimit(limit)
	rows, err := j.db.QueryContext(ctx, `
		SELECT at, service, category, from_state, to_state, pid, restart_count, reason
		FROM service_events
		WHERE (? = '' OR service = ?)
		ORDER BY at DESC, id DESC
		LIMIT ?;`,
		service, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]journal.Entry, 0, limit)
	for rows.Next() {
		var e journal.Entry
		var at int64
		if err := rows.Scan(&at, &e.Service, &e.Category, &e.From, &e.To, &e.PID, &e.RestartCount, &e.Reason); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
