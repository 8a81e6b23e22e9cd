package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/patchgate/internal/env"
)

const hookPlaceholder = "hook executed"

// Hook invokes an external command with the artifact path as its only
// argument, inside Workspace. The command also sees PATCHGATE_ACTION and
// PATCHGATE_ARTIFACT in its environment.
type Hook struct {
	Command   string
	Action    string
	Workspace string
	// Env is the base environment; nil means the process environment.
	Env *env.Env
	Timeout   time.Duration
	Output    io.Writer

	outMu sync.Mutex
}

// Run implements Runner. OK is true only when the command exits with 0.
// Detail is the trimmed stdout, else the trimmed stderr, else a placeholder.
func (h *Hook) Run(ctx context.Context, artifactPath string) Result {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, h.Command, artifactPath)
	cmd.Dir = h.Workspace
	cmd.Env = h.environ(artifactPath)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	h.record(artifactPath, stdout.Bytes(), stderr.Bytes(), err)

	detail := strings.TrimSpace(stdout.String())
	if detail == "" {
		detail = strings.TrimSpace(stderr.String())
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			detail = joinDetail(detail, fmt.Sprintf("hook timed out after %s", h.Timeout))
		case errors.Is(ctx.Err(), context.Canceled):
			detail = joinDetail(detail, "hook cancelled")
		case !errors.As(err, &exitErr):
			detail = joinDetail(detail, err.Error())
		}
	}
	if detail == "" {
		detail = hookPlaceholder
	}
	return Result{OK: err == nil, Detail: detail, Command: h.Command}
}

func (h *Hook) environ(artifactPath string) []string {
	base := h.Env
	if base == nil {
		base = env.FromOS()
	}
	return base.Merge([]string{
		"PATCHGATE_ACTION=" + h.Action,
		"PATCHGATE_ARTIFACT=" + artifactPath,
	})
}

func (h *Hook) record(path string, stdout, stderr []byte, err error) {
	if h.Output == nil {
		return
	}
	h.outMu.Lock()
	defer h.outMu.Unlock()
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	_, _ = fmt.Fprintf(h.Output, "%s %s %s: %s\n", time.Now().UTC().Format(time.RFC3339), h.Command, path, status)
	_, _ = h.Output.Write(stdout)
	_, _ = h.Output.Write(stderr)
}

func joinDetail(out, reason string) string {
	if out == "" {
		return reason
	}
	return out + "\n" + reason
}
