package patch

import (
	"strings"
	"time"
)

// DiffStats summarises an artifact parsed as a unified diff.
type DiffStats struct {
	Files     int `json:"files"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Patch is a pending code change submitted by a staging process.
// ID is caller assigned and doubles as the on-disk file name.
type Patch struct {
	ID            string     `json:"patch_id"`
	Summary       string     `json:"summary"`
	Author        string     `json:"author"`
	CreatedAt     string     `json:"created_at"`
	ArtifactURI   string     `json:"artifact_uri"`
	TestReportURI string     `json:"test_report_uri,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ArtifactPath  string     `json:"artifact_local_path,omitempty"`
	DiffStats     *DiffStats `json:"diff_stats,omitempty"`
	// QueuedAt is stamped by the store and orders the pending list.
	QueuedAt time.Time `json:"queued_at,omitzero"`
}

// reservedIDs collide with static routes under /patches/.
var reservedIDs = map[string]bool{"applied": true, "audit": true}

// ValidID reports whether id is safe to use as a file name and as a
// /patches/<id> path segment.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidID(id string) bool {
	if id == "" || id == "." || reservedIDs[id] {
		return false
	}
	if strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
