package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/patchgate/internal/metrics"
	"github.com/loykin/patchgate/internal/patch"
	"github.com/loykin/patchgate/internal/workcycle"
)

// Snapshot is a point-in-time copy of the runtime state. Building it only
// reads memory.
type Snapshot struct {
	Running             bool                 `json:"running"`
	Paused              bool                 `json:"paused"`
	LoopCount           uint64               `json:"loop_count"`
	LoopIntervalSeconds float64              `json:"loop_interval_seconds"`
	LastPlan            *workcycle.Plan      `json:"last_plan"`
	LastScheduled       *workcycle.Task      `json:"last_scheduled"`
	LastExecution       *workcycle.Execution `json:"last_execution"`
	LastError           string               `json:"last_error,omitempty"`
	PendingPatches      []patch.Patch        `json:"pending_patches"`
	AppliedPatches      []AppliedPatch       `json:"applied_patches"`
	PatchDir            string               `json:"patch_dir"`
}

// Snapshot returns the current runtime state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	s := Snapshot{
		Running:             c.running,
		Paused:              c.Paused(),
		LoopCount:           c.loopCount,
		LoopIntervalSeconds: c.interval.Seconds(),
		LastPlan:            c.lastPlan,
		LastScheduled:       c.lastScheduled,
		LastExecution:       c.lastExecution,
		LastError:           c.lastError,
		AppliedPatches:      append([]AppliedPatch{}, c.applied...),
		PatchDir:            c.store.Dir(),
	}
	c.mu.RUnlock()
	s.PendingPatches = c.store.List()
	return s
}

// Run drives the work loop until ctx is cancelled. While paused each tick
// only sleeps. Iteration failures and panics are logged and recorded as
// last_error; the loop keeps going.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	slog.Info("Runtime loop start", "interval", c.interval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Runtime loop stopped")
			return nil
		case <-timer.C:
		}
		if !c.Paused() {
			c.iterate(ctx)
		}
		timer.Reset(c.interval)
	}
}

// Start runs the loop in a background goroutine until Stop is called.
// Calling Start twice without Stop is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stop, c.done = cancel, done
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			slog.Error("Runtime loop exited", "error", err)
		}
	}()
}

// Stop cancels the loop started by Start and waits for it to exit,
// including any iteration in progress.
func (c *Controller) Stop() {
	c.loopMu.Lock()
	cancel, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) iterate(ctx context.Context) {
	c.work.Lock()
	defer c.work.Unlock()
	// pause may have landed while waiting for a patch operation
	if c.Paused() || ctx.Err() != nil {
		return
	}
	out, err := c.safeIterate(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastError = err.Error()
		metrics.IncLoopError()
		slog.Error("Work cycle iteration failed", "error", err)
		return
	}
	c.lastPlan = &out.Plan
	c.lastScheduled = &out.Task
	c.lastExecution = &out.Execution
	c.lastError = ""
	c.loopCount++
	metrics.IncLoopIteration()
	slog.Debug("Work cycle iteration done", "loop_count", c.loopCount, "status", out.Execution.Status)
}

func (c *Controller) safeIterate(ctx context.Context) (out workcycle.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work cycle panic: %v", r)
		}
	}()
	return c.cycle.Iterate(ctx)
}
