package executor

import (
	"context"
	"strings"
)

// Simulated returns a fixed outcome without touching the workspace.
// Mode "fail" reports failure; any other value, including empty, succeeds.
type Simulated struct {
	Action string
	Mode   string
}

// Run implements Runner.
func (s Simulated) Run(_ context.Context, _ string) Result {
	if strings.ToLower(strings.TrimSpace(s.Mode)) == ModeFail {
		return Result{OK: false, Detail: s.failure(), Command: ModeNoop}
	}
	return Result{OK: true, Detail: s.success(), Command: ModeNoop}
}

func (s Simulated) success() string {
	if s.Action == "rollback" {
		return "Simulated rollback success"
	}
	return "Simulated apply success"
}

func (s Simulated) failure() string {
	if s.Action == "rollback" {
		return "Simulated rollback failure (PATCH_ROLLBACK_MODE=fail)"
	}
	return "Simulated failure (PATCH_APPLY_MODE=fail)"
}
