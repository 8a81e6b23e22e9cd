package audit

import "time"

// Status is the transition a Record captures.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusArtifactCopied  Status = "artifact_copied"
	StatusApplySuccess    Status = "apply_success"
	StatusApplyFailed     Status = "apply_failed"
	StatusRollbackSuccess Status = "rollback_success"
	StatusRollbackFailed  Status = "rollback_failed"
)

// Record is one line of the audit log. Records are immutable once appended.
// Fields after Summary are status specific and omitted when empty.
type Record struct {
	PatchID   string    `json:"patch_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`

	ArtifactURI  string `json:"artifact_uri,omitempty"`
	ArtifactPath string `json:"artifact_local_path,omitempty"`
	Command      string `json:"command,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Files        int    `json:"files,omitempty"`
	Additions    int    `json:"additions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
}
