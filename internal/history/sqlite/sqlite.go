package sqlite

import (
	"context"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/patchgate/internal/history/sqlsink"
)

// Dialect targets the pure-Go modernc driver. A second connection to
// ":memory:" would see an empty database, so the pool holds one.
var Dialect = sqlsink.Dialect{
	Driver:     "sqlite",
	TimeColumn: "TIMESTAMP",
	Bind:       sqlsink.Question,
	MaxConns:   1,
}

// Sink is a history sink backed by a SQLite file or in-memory database.
type Sink struct {
	*sqlsink.Sink
}

// New accepts "sqlite:///path/file.db", "sqlite://:memory:", a bare path
// or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	s, err := sqlsink.Open(context.Background(), Dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &Sink{Sink: s}, nil
}
