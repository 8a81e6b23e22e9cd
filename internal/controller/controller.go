// Package controller owns the runtime state of the agent: the pause gate,
// the periodic work loop and the patch operations that are only allowed
// while the loop is paused.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/patchgate/internal/audit"
	"github.com/loykin/patchgate/internal/executor"
	"github.com/loykin/patchgate/internal/metrics"
	"github.com/loykin/patchgate/internal/patch"
	"github.com/loykin/patchgate/internal/workcycle"
)

// DefaultLoopInterval is used when Options.LoopInterval is not positive.
const DefaultLoopInterval = 10 * time.Second

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("runtime loop already running")

// PatchExecutor applies and rolls back a local artifact.
type PatchExecutor interface {
	Apply(ctx context.Context, artifactPath string) executor.Result
	Rollback(ctx context.Context, artifactPath string) executor.Result
}

// Options configures a Controller. Store and Audit are required.
type Options struct {
	Store        *patch.Store
	Audit        *audit.Log
	Executor     PatchExecutor
	Cycle        workcycle.Cycle
	LoopInterval time.Duration
	StartPaused  bool
}

// AppliedPatch is a patch whose apply succeeded. Applied patches are kept in
// memory only; after a restart their history lives in the audit log.
type AppliedPatch struct {
	patch.Patch
	AppliedAt time.Time `json:"applied_at"`
	Command   string    `json:"command"`
	Detail    string    `json:"detail"`
}

// Controller gates patch mutations behind the pause state and runs the
// work loop. A single work mutex serialises loop iterations and every patch
// mutation, so an apply never overlaps an in-flight iteration.
type Controller struct {
	store    *patch.Store
	audit    *audit.Log
	exec     PatchExecutor
	cycle    workcycle.Cycle
	interval time.Duration

	paused atomic.Bool
	work   sync.Mutex

	mu            sync.RWMutex
	running       bool
	loopCount     uint64
	lastPlan      *workcycle.Plan
	lastScheduled *workcycle.Task
	lastExecution *workcycle.Execution
	lastError     string
	applied       []AppliedPatch
	retired       map[string]struct{}

	loopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

// New builds a controller. Ids rolled back in a previous run are read back
// from the audit log so they stay unavailable for resubmission.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Audit == nil {
		return nil, errors.New("controller: store and audit log are required")
	}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.Config{})
	}
	if opts.Cycle.Planner == nil || opts.Cycle.Scheduler == nil || opts.Cycle.Runner == nil {
		opts.Cycle = workcycle.Default()
	}
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = DefaultLoopInterval
	}
	c := &Controller{
		store:    opts.Store,
		audit:    opts.Audit,
		exec:     opts.Executor,
		cycle:    opts.Cycle,
		interval: opts.LoopInterval,
		retired:  make(map[string]struct{}),
	}
	recs, err := opts.Audit.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("controller: read audit log: %w", err)
	}
	for _, r := range recs {
		if r.Status == audit.StatusRollbackSuccess {
			c.retired[r.PatchID] = struct{}{}
		}
	}
	c.paused.Store(opts.StartPaused)
	metrics.SetPaused(opts.StartPaused)
	return c, nil
}

// Pause stops new loop iterations from doing work. An iteration already in
// progress finishes normally. Idempotent.
func (c *Controller) Pause() {
	if !c.paused.Swap(true) {
		slog.Info("Runtime paused")
	}
	metrics.SetPaused(true)
}

// Resume lets the loop perform work again. Idempotent.
func (c *Controller) Resume() {
	if c.paused.Swap(false) {
		slog.Info("Runtime resumed")
	}
	metrics.SetPaused(false)
}

// Paused reports the current pause state.
func (c *Controller) Paused() bool { return c.paused.Load() }

// LoopInterval returns the sleep between loop iterations.
func (c *Controller) LoopInterval() time.Duration { return c.interval }
