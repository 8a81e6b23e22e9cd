// Package executor runs the mechanism that applies or rolls back a fetched
// patch artifact: an external hook command when one is configured, a
// simulated outcome otherwise.
package executor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/patchgate/internal/env"
	"github.com/loykin/patchgate/internal/metrics"
)

// Simulation modes.
const (
	ModeNoop = "noop"
	ModeFail = "fail"
)

// DefaultHookTimeout bounds a hook invocation unless configured otherwise.
const DefaultHookTimeout = 5 * time.Minute

// Result is the outcome of one apply or rollback.
type Result struct {
	OK      bool   `json:"ok"`
	Detail  string `json:"detail"`
	Command string `json:"command"`
}

// Runner performs a single action against an artifact path.
type Runner interface {
	Run(ctx context.Context, artifactPath string) Result
}

// Config selects the runner for each action.
type Config struct {
	ApplyHook    string
	RollbackHook string
	ApplyMode    string
	RollbackMode string
	Workspace    string
	// HookTimeout <= 0 disables the timeout.
	HookTimeout time.Duration
	// Output, when set, receives the combined output of every hook run.
	Output io.Writer
	// Env holds extra "K=V" entries for hooks, layered over the process
	// environment.
	Env []string
}

// Executor applies and rolls back artifacts.
type Executor struct {
	apply    Runner
	rollback Runner
}

// New picks a Hook for each action whose command is configured, and a
// Simulated runner otherwise.
func New(cfg Config) *Executor {
	return &Executor{
		apply:    pick(cfg, cfg.ApplyHook, "apply", cfg.ApplyMode),
		rollback: pick(cfg, cfg.RollbackHook, "rollback", cfg.RollbackMode),
	}
}

func pick(cfg Config, hook, action, mode string) Runner {
	if strings.TrimSpace(hook) != "" {
		return &Hook{
			Command:   strings.TrimSpace(hook),
			Action:    action,
			Workspace: cfg.Workspace,
			Timeout:   cfg.HookTimeout,
			Output:    cfg.Output,
			Env:       env.FromOS().WithPairs(cfg.Env),
		}
	}
	return Simulated{Action: action, Mode: mode}
}

// Apply runs the apply action.
func (e *Executor) Apply(ctx context.Context, artifactPath string) Result {
	return run(ctx, "apply", e.apply, artifactPath)
}

// Rollback runs the rollback action.
func (e *Executor) Rollback(ctx context.Context, artifactPath string) Result {
	return run(ctx, "rollback", e.rollback, artifactPath)
}

func run(ctx context.Context, action string, r Runner, path string) Result {
	start := time.Now()
	res := r.Run(ctx, path)
	metrics.ObserveExecutor(action, res.OK, time.Since(start).Seconds())
	slog.Info("Executor finished", "action", action, "command", res.Command, "ok", res.OK, "artifact", path)
	return res
}
