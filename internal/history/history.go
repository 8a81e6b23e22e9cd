package history

import (
	"context"
	"time"
)

// EventType mirrors the audit status of the transition being exported.
type EventType string

// Event is one patch transition exported to an external analytics system.
// The audit log stays the source of truth; sinks receive a best-effort copy.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PatchID    string    `json:"patch_id"`
	Summary    string    `json:"summary,omitempty"`
	Command    string    `json:"command,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the relational table name used by the SQL sinks.
const Table = "patch_history"
