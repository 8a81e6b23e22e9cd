package patch

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// FilePath returns the local path named by a file:// URI. Any other scheme,
// or a URI that does not parse, fails with ErrUnsupportedScheme.
func FilePath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnsupportedScheme, uri, err)
	}
	if !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path in %q", ErrFetch, uri)
	}
	// file:///C:/x parses to "/C:/x"; VolumeName is empty off Windows.
	if len(p) > 1 && p[0] == '/' && filepath.VolumeName(p[1:]) != "" {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}

// FileURI is the inverse of FilePath for an absolute path.
func FileURI(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + p
}
