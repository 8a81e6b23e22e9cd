// Package sqlsink stores history events in a database/sql table. The
// postgres and sqlite sinks are thin dialects over it.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/patchgate/internal/history"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string
	// TimeColumn is the column type for occurred_at.
	TimeColumn string
	// Bind returns the placeholder for the n-th (1-based) argument.
	Bind func(n int) string
	// MaxConns caps open connections; 0 leaves the pool default.
	MaxConns int
}

// Question binds every argument as "?".
func Question(int) string { return "?" }

// Dollar binds arguments as "$1", "$2", ...
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

var columns = []string{"occurred_at", "patch_id", "status", "summary", "command", "detail"}

// Sink writes one row per history event.
type Sink struct {
	db      *sql.DB
	d       Dialect
	insert  string
	byPatch string
}

// Open connects with d.Driver and creates the table and its index when
// missing.
func Open(ctx context.Context, d Dialect, dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty %s DSN", d.Driver)
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.MaxConns > 0 {
		db.SetMaxOpenConns(d.MaxConns)
	}
	binds := make([]string, len(columns))
	for i := range binds {
		binds[i] = d.Bind(i + 1)
	}
	s := &Sink{
		db: db,
		d:  d,
		insert: "INSERT INTO " + history.Table + " (" + strings.Join(columns, ", ") +
			") VALUES (" + strings.Join(binds, ", ") + ")",
		byPatch: "SELECT " + strings.Join(columns, ", ") + " FROM " + history.Table +
			" WHERE patch_id = " + d.Bind(1) + " ORDER BY occurred_at",
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s schema: %w", d.Driver, err)
	}
	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + ` (
			occurred_at ` + s.d.TimeColumn + ` NOT NULL,
			patch_id TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT,
			command TEXT,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + history.Table + `_patch_id ON ` + history.Table + ` (patch_id)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), e.PatchID, string(e.Type), e.Summary, e.Command, e.Detail)
	return err
}

// Events returns the stored events of patchID, oldest first.
func (s *Sink) Events(ctx context.Context, patchID string) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.byPatch, patchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e                        history.Event
			status                   string
			summary, command, detail sql.NullString
			at                       time.Time
		)
		if err := rows.Scan(&at, &e.PatchID, &status, &summary, &command, &detail); err != nil {
			return nil, err
		}
		e.OccurredAt, e.Type = at.UTC(), history.EventType(status)
		e.Summary, e.Command, e.Detail = summary.String, command.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored events for patchID.
func (s *Sink) Count(ctx context.Context, patchID string) (int, error) {
	var n int
	q := "SELECT COUNT(*) FROM " + history.Table + " WHERE patch_id = " + s.d.Bind(1)
	err := s.db.QueryRowContext(ctx, q, patchID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
