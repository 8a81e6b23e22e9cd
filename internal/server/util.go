package server

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/patchgate/internal/patch"
)

// sanitizeBase normalises a mount prefix to "" or "/seg[/seg...]".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// checkArtifactURI reports whether uri may be queued. Non-file schemes pass
// through and are rejected at fetch time. A file:// URI must name an
// absolute path that filepath.Clean leaves unchanged.
func checkArtifactURI(uri string) bool {
	p, err := patch.FilePath(uri)
	if errors.Is(err, patch.ErrUnsupportedScheme) {
		return true
	}
	if err != nil || !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean == p || clean == strings.TrimRight(p, string(filepath.Separator))
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
