package patch

import (
	"bytes"
	"log/slog"
	"os"

	"github.com/sourcegraph/go-diff/diff"
)

// inspectDiff parses path as a unified diff. Artifacts that are not diffs
// are accepted as-is; they simply carry no stats.
func inspectDiff(path string) *DiffStats {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("Artifact not readable for diff stats", "path", path, "error", err)
		return nil
	}
	files, err := diff.NewMultiFileDiffReader(bytes.NewReader(data)).ReadAllFiles()
	if err != nil || len(files) == 0 {
		slog.Debug("Artifact is not a unified diff", "path", path, "error", err)
		return nil
	}
	return statFiles(files)
}

func statFiles(files []*diff.FileDiff) *DiffStats {
	st := &DiffStats{Files: len(files)}
	for _, fd := range files {
		for _, h := range fd.Hunks {
			for _, line := range bytes.Split(h.Body, []byte("\n")) {
				switch {
				case bytes.HasPrefix(line, []byte("+")):
					st.Additions++
				case bytes.HasPrefix(line, []byte("-")):
					st.Deletions++
				}
			}
		}
	}
	return st
}
