package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/patchgate/internal/history"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	c, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("patchgate"),
		tcpostgres.WithUsername("agent"),
		tcpostgres.WithPassword("agent"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSinkAgainstPostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	sink, err := New(dsn)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	at := time.Date(2026, 10, 4, 7, 30, 0, 0, time.UTC)
	require.NoError(t, sink.Send(ctx, history.Event{Type: "queued", OccurredAt: at, PatchID: "pg-1"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: "apply_failed", OccurredAt: at.Add(time.Minute), PatchID: "pg-1", Detail: "x"}))

	events, err := sink.Events(ctx, "pg-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, at.Equal(events[0].OccurredAt))
	assert.Equal(t, "x", events[1].Detail)

	// a second sink on the same database reuses the table
	again, err := New(dsn)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	n, err := again.Count(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.EqualError(t, err, "empty pgx DSN")
}
