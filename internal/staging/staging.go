// Package staging implements a demo staging worker: it writes a unified diff
// that appends a note to a text file and pushes it through the agent API.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/loykin/patchgate/internal/patch"
	"github.com/loykin/patchgate/pkg/client"
)

const (
	DefaultAuthor = "staging-worker"
	DefaultNotes  = "auto-generated"

	contextLines = 3
)

// API is the subset of the agent client the worker drives.
type API interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Submit(ctx context.Context, req client.SubmitRequest) (client.SubmitResponse, error)
	Apply(ctx context.Context, id string) (client.Result, error)
}

// Options configures Run. Target is required.
type Options struct {
	Target  string
	PatchID string
	Author  string
	Notes   string
	Resume  bool
	Now     func() time.Time
}

// Outcome reports what Run submitted and how the apply went.
type Outcome struct {
	PatchID      string
	ArtifactPath string
	Apply        client.Result
}

// PatchID returns the default id for a patch built at now.
func PatchID(now time.Time) string {
	return fmt.Sprintf("auto-%d", now.Unix())
}

// BuildNotePatch writes a unified diff that appends a timestamped note line
// to target. The diff is stored as <patchID>.diff in a fresh temp directory
// whose path is returned.
func BuildNotePatch(target, patchID string, now time.Time) (string, error) {
	data, err := os.ReadFile(target) // #nosec G304 operator supplied path
	if err != nil {
		return "", fmt.Errorf("read target: %w", err)
	}
	note := "- staging worker note " + now.UTC().Format(time.RFC3339)
	out, err := diff.PrintFileDiff(appendLineDiff(filepath.Base(target), data, note))
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	dir, err := os.MkdirTemp("", "patchgate-staging-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(dir, patchID+".diff")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write diff: %w", err)
	}
	return path, nil
}

// appendLineDiff builds the single-hunk diff of adding line at the end of
// content, with up to three lines of leading context.
func appendLineDiff(name string, content []byte, line string) *diff.FileDiff {
	var lines []string
	if len(content) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	}
	tail := lines
	if len(tail) > contextLines {
		tail = tail[len(tail)-contextLines:]
	}
	var body strings.Builder
	for _, l := range tail {
		body.WriteString(" " + l + "\n")
	}
	body.WriteString("+" + line + "\n")

	start := int32(len(lines) - len(tail) + 1)
	origStart := start
	if len(tail) == 0 {
		origStart = 0
	}
	return &diff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		Hunks: []*diff.Hunk{{
			OrigStartLine: origStart,
			OrigLines:     int32(len(tail)),
			NewStartLine:  start,
			NewLines:      int32(len(tail) + 1),
			Body:          []byte(body.String()),
		}},
	}
}

// Run pauses the agent, submits a note patch for opts.Target, applies it and
// optionally resumes the agent. An apply whose executor fails is reported in
// Outcome.Apply with a nil error.
func Run(ctx context.Context, api API, opts Options) (Outcome, error) {
	if opts.Target == "" {
		return Outcome{}, errors.New("staging: target file is required")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := now().UTC()
	id := opts.PatchID
	if id == "" {
		id = PatchID(ts)
	}
	author := opts.Author
	if author == "" {
		author = DefaultAuthor
	}
	notes := opts.Notes
	if notes == "" {
		notes = DefaultNotes
	}

	path, err := BuildNotePatch(opts.Target, id, ts)
	if err != nil {
		return Outcome{}, err
	}
	preview, err := os.ReadFile(path) // #nosec G304 file written above
	if err != nil {
		return Outcome{}, fmt.Errorf("read diff: %w", err)
	}
	out := Outcome{PatchID: id, ArtifactPath: path}

	if err := api.Pause(ctx); err != nil {
		return out, fmt.Errorf("pause: %w", err)
	}
	if _, err := api.Submit(ctx, client.SubmitRequest{
		PatchID:     id,
		Summary:     "Auto note " + id,
		Author:      author,
		CreatedAt:   ts.Format(time.RFC3339),
		ArtifactURI: patch.FileURI(path),
		Notes:       notes,
		DiffPreview: string(preview),
	}); err != nil {
		return out, fmt.Errorf("submit: %w", err)
	}
	slog.Info("Staging patch submitted", "patch_id", id, "artifact", path)

	res, err := api.Apply(ctx, id)
	if err != nil {
		return out, fmt.Errorf("apply: %w", err)
	}
	out.Apply = res
	slog.Info("Staging patch applied", "patch_id", id, "status", res.Status)

	if opts.Resume {
		if err := api.Resume(ctx); err != nil {
			return out, fmt.Errorf("resume: %w", err)
		}
	}
	return out, nil
}
