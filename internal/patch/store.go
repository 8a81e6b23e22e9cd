package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loykin/patchgate/internal/audit"
	"github.com/loykin/patchgate/internal/metrics"
)

const (
	metaExt     = ".json"
	artifactExt = ".artifact"
)

// Store is the pending patch index. Every entry is mirrored by
// <dir>/<patch_id>.json; the files are the source of truth and the index is
// rebuilt from them by Open.
type Store struct {
	dir   string
	audit *audit.Log

	mu      sync.RWMutex
	pending map[string]*Patch
	order   []string
	// last QueuedAt handed out; stamps strictly increase
	lastQueued time.Time
}

// Open creates (if needed) dir and loads every pending patch file found there.
// A relative dir is resolved against the current working directory.
func Open(dir string, log *audit.Log) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("patch: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("patch: mkdir %q: %w", abs, err)
	}
	s := &Store{dir: abs, audit: log, pending: make(map[string]*Patch)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the absolute storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+metaExt) }

func (s *Store) artifactPath(id string) string { return filepath.Join(s.dir, id+artifactExt) }

func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("patch: list %q: %w", s.dir, err)
	}
	type loaded struct {
		p     *Patch
		queue time.Time
	}
	var found []loaded
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != metaExt {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable patch file", "path", path, "error", err)
			continue
		}
		var p Patch
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Warn("Skipping malformed patch file", "path", path, "error", err)
			continue
		}
		if p.ID != strings.TrimSuffix(e.Name(), metaExt) || !ValidID(p.ID) {
			slog.Warn("Skipping patch file with mismatched id", "path", path, "patch_id", p.ID)
			continue
		}
		queue := p.QueuedAt
		if queue.IsZero() {
			// files written without queued_at fall back to mtime
			if info, err := e.Info(); err == nil {
				queue = info.ModTime()
			}
		}
		found = append(found, loaded{p: &p, queue: queue})
	}
	slices.SortStableFunc(found, func(a, b loaded) int { return a.queue.Compare(b.queue) })
	for _, l := range found {
		s.pending[l.p.ID] = l.p
		s.order = append(s.order, l.p.ID)
		if l.p.QueuedAt.After(s.lastQueued) {
			s.lastQueued = l.p.QueuedAt
		}
	}
	metrics.SetPending(len(s.pending))
	if len(s.pending) > 0 {
		slog.Info("Reloaded pending patches", "dir", s.dir, "count", len(s.pending))
	}
	return nil
}

// Enqueue indexes p, writes its file and audits "queued".
// A failed file write is logged; the patch stays indexed until restart.
func (s *Store) Enqueue(p Patch) error {
	if !ValidID(p.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, p.ID)
	}
	p.ArtifactPath = ""
	p.DiffStats = nil

	s.mu.Lock()
	if _, ok := s.pending[p.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: patch %q already pending", ErrConflict, p.ID)
	}
	p.QueuedAt = time.Now().UTC()
	if !p.QueuedAt.After(s.lastQueued) {
		p.QueuedAt = s.lastQueued.Add(time.Nanosecond)
	}
	s.lastQueued = p.QueuedAt
	stored := p
	s.pending[p.ID] = &stored
	s.order = append(s.order, p.ID)
	n := len(s.pending)
	s.mu.Unlock()

	if err := s.persist(p); err != nil {
		slog.Error("Failed to persist patch file", "patch_id", p.ID, "error", err)
	}
	metrics.SetPending(n)
	s.audit.Append(audit.Record{
		PatchID:     p.ID,
		Status:      audit.StatusQueued,
		Summary:     p.Summary,
		ArtifactURI: p.ArtifactURI,
	})
	slog.Info("Patch queued", "patch_id", p.ID, "artifact_uri", p.ArtifactURI)
	return nil
}

// Get returns a copy of the pending patch with the given id.
func (s *Store) Get(id string) (Patch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	if !ok {
		return Patch{}, false
	}
	return *p, true
}

// List returns copies of all pending patches in submission order, which
// survives a reload through QueuedAt.
func (s *Store) List() []Patch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Patch, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.pending[id])
	}
	return out
}

// Len returns the number of pending patches.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// FetchArtifact copies the artifact of pending patch id into the storage
// directory, records the local path (and diff stats when the artifact is a
// unified diff), re-persists the patch and audits "artifact_copied".
// Only file:// URIs are supported.
func (s *Store) FetchArtifact(id string) (Patch, error) {
	p, ok := s.Get(id)
	if !ok {
		return Patch{}, fmt.Errorf("%w: patch %q", ErrNotFound, id)
	}
	src, err := FilePath(p.ArtifactURI)
	if err != nil {
		return Patch{}, err
	}
	dst := s.artifactPath(id)
	if err := copyFile(src, dst); err != nil {
		return Patch{}, err
	}
	p.ArtifactPath = dst
	p.DiffStats = inspectDiff(dst)

	s.mu.Lock()
	if cur, ok := s.pending[id]; ok {
		cur.ArtifactPath = p.ArtifactPath
		cur.DiffStats = p.DiffStats
	}
	s.mu.Unlock()

	if err := s.persist(p); err != nil {
		slog.Error("Failed to persist patch file", "patch_id", id, "error", err)
	}
	rec := audit.Record{
		PatchID:      id,
		Status:       audit.StatusArtifactCopied,
		Summary:      p.Summary,
		ArtifactURI:  p.ArtifactURI,
		ArtifactPath: dst,
	}
	if p.DiffStats != nil {
		rec.Files, rec.Additions, rec.Deletions = p.DiffStats.Files, p.DiffStats.Additions, p.DiffStats.Deletions
	}
	s.audit.Append(rec)
	return p, nil
}

// Remove drops id from the index and deletes its file and fetched artifact.
// It reports false when id was not pending.
func (s *Store) Remove(id string) (Patch, bool) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	if !ok {
		return Patch{}, false
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to delete patch file", "patch_id", id, "error", err)
	}
	if err := os.Remove(s.artifactPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to delete artifact copy", "patch_id", id, "error", err)
	}
	metrics.SetPending(n)
	return *p, true
}

// persist writes p through a temp file and rename so reload never sees a
// partially written document.
func (s *Store) persist(p Patch) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode patch %q: %w", p.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".patch-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write patch %q: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close patch %q: %w", p.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.metaPath(p.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("finalize patch %q: %w", p.ID, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w: %s", ErrFetch, ErrNotFound, src)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer func() { _ = in.Close() }()
	if fi, err := in.Stat(); err == nil && fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrFetch, src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: copy %s: %v", ErrFetch, src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return nil
}
