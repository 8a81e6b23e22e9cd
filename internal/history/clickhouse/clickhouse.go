package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/patchgate/internal/history"
)

// Options locates the ClickHouse server and table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func (o Options) withDefaults() Options {
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
		o.Table = history.Table
	}
	return o
}

// Sink appends events over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// Schema returns the DDL for a table compatible with Send. Rows are
// partitioned by month and ordered for per-patch lookups.
func Schema(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		occurred_at DateTime64(6, 'UTC'),
		patch_id String,
		status LowCardinality(String),
		summary String,
		command String,
		detail String
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (patch_id, occurred_at)`
}

// New connects and pings the server. The table is not created; call
// EnsureTable.
func New(opts Options) (*Sink, error) {
	opts = opts.withDefaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %s: %w", opts.Addr, err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the sink table if it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, Schema(s.table))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	q := `INSERT INTO ` + s.table + ` (occurred_at, patch_id, status, summary, command, detail) VALUES (?, ?, ?, ?, ?, ?)`
	if err := s.conn.Exec(ctx, q, e.OccurredAt.UTC(), e.PatchID, string(e.Type), e.Summary, e.Command, e.Detail); err != nil {
		return fmt.Errorf("clickhouse insert %s: %w", e.PatchID, err)
	}
	return nil
}

// Count returns the number of stored events for patchID.
func (s *Sink) Count(ctx context.Context, patchID string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM `+s.table+` WHERE patch_id = ?`, patchID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
