package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/patchgate/internal/audit"
	"github.com/loykin/patchgate/internal/executor"
	"github.com/loykin/patchgate/internal/patch"
)

// Result statuses reported by Apply and Rollback.
const (
	StatusApplied        = "applied"
	StatusFailed         = "failed"
	StatusRolledBack     = "rolled_back"
	StatusRollbackFailed = "rollback_failed"
)

// Result is the outcome of Apply or Rollback.
type Result struct {
	PatchID string `json:"patch_id"`
	Status  string `json:"status"`
	executor.Result
}

func (c *Controller) requirePaused(op string) error {
	if !c.Paused() {
		return fmt.Errorf("%w: runtime must be paused to %s", patch.ErrConflict, op)
	}
	return nil
}

// Submit queues p. The runtime must be paused and p.ID must be neither
// pending nor previously rolled back.
func (c *Controller) Submit(p patch.Patch) (string, error) {
	c.work.Lock()
	defer c.work.Unlock()
	if err := c.requirePaused("submit patches"); err != nil {
		return "", err
	}
	c.mu.RLock()
	_, gone := c.retired[p.ID]
	c.mu.RUnlock()
	if gone {
		return "", fmt.Errorf("%w: patch %q was rolled back", patch.ErrConflict, p.ID)
	}
	if err := c.store.Enqueue(p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// Apply fetches the artifact of pending patch id and runs the executor.
// On success the patch leaves the pending set; on failure it stays pending
// and may be retried. The executor's verdict is returned with a nil error;
// errors are reserved for refusals and fetch failures.
func (c *Controller) Apply(ctx context.Context, id string) (Result, error) {
	c.work.Lock()
	defer c.work.Unlock()
	if err := c.requirePaused("apply patches"); err != nil {
		return Result{}, err
	}
	if _, ok := c.store.Get(id); !ok {
		return Result{}, fmt.Errorf("%w: patch %q is not pending", patch.ErrNotFound, id)
	}
	p, err := c.store.FetchArtifact(id)
	if err != nil {
		slog.Warn("Artifact fetch failed", "patch_id", id, "error", err)
		return Result{}, err
	}

	res := c.exec.Apply(ctx, p.ArtifactPath)
	rec := audit.Record{PatchID: id, Summary: p.Summary, Command: res.Command, Detail: res.Detail}
	if !res.OK {
		rec.Status = audit.StatusApplyFailed
		c.audit.Append(rec)
		slog.Warn("Patch apply failed", "patch_id", id, "detail", res.Detail)
		return Result{PatchID: id, Status: StatusFailed, Result: res}, nil
	}

	c.store.Remove(id)
	c.mu.Lock()
	c.applied = append(c.applied, AppliedPatch{Patch: p, AppliedAt: time.Now().UTC(), Command: res.Command, Detail: res.Detail})
	c.mu.Unlock()
	rec.Status = audit.StatusApplySuccess
	c.audit.Append(rec)
	slog.Info("Patch applied", "patch_id", id, "command", res.Command)
	return Result{PatchID: id, Status: StatusApplied, Result: res}, nil
}

// Rollback runs the rollback mechanism for a pending patch, typically one
// whose apply failed. On success the patch leaves the pending set and its id
// cannot be submitted again. Applied or unknown ids yield ErrNotFound.
func (c *Controller) Rollback(ctx context.Context, id string) (Result, error) {
	c.work.Lock()
	defer c.work.Unlock()
	if err := c.requirePaused("roll back patches"); err != nil {
		return Result{}, err
	}
	p, ok := c.store.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: patch %q is not pending", patch.ErrNotFound, id)
	}
	if p.ArtifactPath == "" {
		fetched, err := c.store.FetchArtifact(id)
		if err != nil {
			return Result{}, err
		}
		p = fetched
	}

	res := c.exec.Rollback(ctx, p.ArtifactPath)
	rec := audit.Record{PatchID: id, Summary: p.Summary, Command: res.Command, Detail: res.Detail}
	if !res.OK {
		rec.Status = audit.StatusRollbackFailed
		c.audit.Append(rec)
		slog.Warn("Patch rollback failed", "patch_id", id, "detail", res.Detail)
		return Result{PatchID: id, Status: StatusRollbackFailed, Result: res}, nil
	}

	c.store.Remove(id)
	c.mu.Lock()
	c.retired[id] = struct{}{}
	c.mu.Unlock()
	rec.Status = audit.StatusRollbackSuccess
	c.audit.Append(rec)
	slog.Info("Patch rolled back", "patch_id", id, "command", res.Command)
	return Result{PatchID: id, Status: StatusRolledBack, Result: res}, nil
}

// ListPatches returns the pending patches.
func (c *Controller) ListPatches() []patch.Patch { return c.store.List() }

// GetPatch returns pending patch id.
func (c *Controller) GetPatch(id string) (patch.Patch, error) {
	p, ok := c.store.Get(id)
	if !ok {
		return patch.Patch{}, fmt.Errorf("%w: patch %q", patch.ErrNotFound, id)
	}
	return p, nil
}

// ListApplied returns patches applied since the process started.
func (c *Controller) ListApplied() []AppliedPatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]AppliedPatch{}, c.applied...)
}

// AuditLog returns every well-formed audit record in append order.
func (c *Controller) AuditLog() ([]audit.Record, error) { return c.audit.ReadAll() }
