package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SubmitRequest is the body of POST /patches.
type SubmitRequest struct {
	PatchID       string `json:"patch_id"`
	Summary       string `json:"summary"`
	Author        string `json:"author"`
	CreatedAt     string `json:"created_at"`
	ArtifactURI   string `json:"artifact_uri"`
	TestReportURI string `json:"test_report_uri,omitempty"`
	Notes         string `json:"notes,omitempty"`
	DiffPreview   string `json:"diff_preview,omitempty"`
}

// SubmitResponse acknowledges a queued patch.
type SubmitResponse struct {
	PatchID string `json:"patch_id"`
	Status  string `json:"status"`
}

// DiffStats summarises a unified-diff artifact.
type DiffStats struct {
	Files     int `json:"files"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Patch is a pending patch as reported by the agent.
type Patch struct {
	PatchID       string     `json:"patch_id" yaml:"patch_id"`
	Summary       string     `json:"summary" yaml:"summary"`
	Author        string     `json:"author" yaml:"author"`
	CreatedAt     string     `json:"created_at" yaml:"created_at"`
	ArtifactURI   string     `json:"artifact_uri" yaml:"artifact_uri"`
	TestReportURI string     `json:"test_report_uri,omitempty" yaml:"test_report_uri,omitempty"`
	Notes         string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	ArtifactPath  string     `json:"artifact_local_path,omitempty" yaml:"artifact_local_path,omitempty"`
	DiffStats     *DiffStats `json:"diff_stats,omitempty" yaml:"diff_stats,omitempty"`
	QueuedAt      time.Time  `json:"queued_at,omitzero" yaml:"queued_at,omitempty"`
}

// AppliedPatch is a patch applied since the agent started.
type AppliedPatch struct {
	Patch     `yaml:",inline"`
	AppliedAt time.Time `json:"applied_at" yaml:"applied_at"`
	Command   string    `json:"command" yaml:"command"`
	Detail    string    `json:"detail" yaml:"detail"`
}

// AuditRecord is one line of the agent's audit log.
type AuditRecord struct {
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	PatchID      string    `json:"patch_id" yaml:"patch_id"`
	Status       string    `json:"status" yaml:"status"`
	Summary      string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	ArtifactURI  string    `json:"artifact_uri,omitempty" yaml:"artifact_uri,omitempty"`
	ArtifactPath string    `json:"artifact_local_path,omitempty" yaml:"artifact_local_path,omitempty"`
	Command      string    `json:"command,omitempty" yaml:"command,omitempty"`
	Detail       string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Files        int       `json:"files,omitempty" yaml:"files,omitempty"`
	Additions    int       `json:"additions,omitempty" yaml:"additions,omitempty"`
	Deletions    int       `json:"deletions,omitempty" yaml:"deletions,omitempty"`
}

// Result is the outcome of an apply or rollback request.
type Result struct {
	PatchID string `json:"patch_id" yaml:"patch_id"`
	Status  string `json:"status" yaml:"status"`
	OK      bool   `json:"ok" yaml:"ok"`
	Detail  string `json:"detail" yaml:"detail"`
	Command string `json:"command" yaml:"command"`
}

// Plan mirrors the work loop's last plan.
type Plan struct {
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Summary   string    `json:"summary" yaml:"summary"`
}

// Task mirrors the work loop's last scheduled task.
type Task struct {
	Plan     Plan `json:"plan" yaml:"plan"`
	Priority int  `json:"priority" yaml:"priority"`
}

// Execution mirrors the work loop's last execution.
type Execution struct {
	CompletedAt time.Time `json:"completed_at" yaml:"completed_at"`
	Status      string    `json:"status" yaml:"status"`
	Detail      string    `json:"detail" yaml:"detail"`
}

// Status is the runtime snapshot returned by GET /status.
type Status struct {
	Running             bool           `json:"running" yaml:"running"`
	Paused              bool           `json:"paused" yaml:"paused"`
	LoopCount           uint64         `json:"loop_count" yaml:"loop_count"`
	LoopIntervalSeconds float64        `json:"loop_interval_seconds" yaml:"loop_interval_seconds"`
	LastPlan            *Plan          `json:"last_plan" yaml:"last_plan"`
	LastScheduled       *Task          `json:"last_scheduled" yaml:"last_scheduled"`
	LastExecution       *Execution     `json:"last_execution" yaml:"last_execution"`
	LastError           string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	PendingPatches      []Patch        `json:"pending_patches" yaml:"pending_patches"`
	AppliedPatches      []AppliedPatch `json:"applied_patches" yaml:"applied_patches"`
	PatchDir            string         `json:"patch_dir" yaml:"patch_dir"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the agent, e.g. a mutation
// while the runtime is not paused.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsNotFound reports whether err is a 404 from the agent.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized reports whether the agent rejected the token (401) or the
// token's role (403).
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized) || hasStatus(err, http.StatusForbidden)
}

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
