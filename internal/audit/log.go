package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/patchgate/internal/history"
	"github.com/loykin/patchgate/internal/metrics"
)

// FileName is the name of the audit log inside the patch directory.
const FileName = "audit.log"

const (
	mirrorQueueSize   = 256
	mirrorSendTimeout = 5 * time.Second
)

// Log is an append-only JSONL record sink. Every line is one Record.
// The file is never rewritten, truncated or rotated by this package.
//
// Append never returns an error: a failed write is logged and the caller's
// operation proceeds. Records are optionally mirrored to history sinks in
// append order by a single background goroutine.
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time

	mirrorMu sync.Mutex
	mirror   chan history.Event
	done     chan struct{}
	sinks    []history.Sink
}

// Open prepares the audit log at dir/audit.log. dir is created if missing;
// the file itself is created lazily on first Append.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: mkdir %q: %w", dir, err)
	}
	return &Log{path: filepath.Join(dir, FileName), now: time.Now}, nil
}

// Path returns the absolute location of the log file.
func (l *Log) Path() string { return l.path }

// SetSinks starts mirroring appended records to the given sinks.
// Calling it again replaces the sink list; passing none stops mirroring.
func (l *Log) SetSinks(sinks ...history.Sink) {
	l.stopMirror()
	if len(sinks) == 0 {
		return
	}
	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()
	l.sinks = append([]history.Sink(nil), sinks...)
	l.mirror = make(chan history.Event, mirrorQueueSize)
	l.done = make(chan struct{})
	go l.runMirror(l.mirror, l.done, l.sinks)
}

// Close flushes pending mirror events. The log stays usable for Append and
// ReadAll; only mirroring stops.
func (l *Log) Close() error {
	l.stopMirror()
	return nil
}

// Append writes rec as a single JSON line and fsyncs the file. A zero
// Timestamp is filled with the current UTC time.
func (l *Log) Append(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("Failed to encode audit record", "patch_id", rec.PatchID, "status", rec.Status, "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	err = l.write(data)
	l.mu.Unlock()
	if err != nil {
		slog.Error("Failed to append audit record", "path", l.path, "patch_id", rec.PatchID, "status", rec.Status, "error", err)
		return
	}
	metrics.IncTransition(string(rec.Status))
	l.enqueueMirror(rec)
}

func (l *Log) write(data []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadAll returns every well-formed record in file order. Malformed lines
// are logged and skipped. A missing file yields an empty result.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	out := make([]Record, 0)
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				slog.Warn("Skipping malformed audit line", "path", l.path, "line", lineNo, "error", err)
			} else {
				out = append(out, rec)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return out, fmt.Errorf("audit: read %q: %w", l.path, readErr)
		}
	}
	return out, nil
}

func (l *Log) enqueueMirror(rec Record) {
	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()
	if l.mirror == nil {
		return
	}
	select {
	case l.mirror <- toEvent(rec):
	default:
		slog.Warn("History mirror queue full, dropping event", "patch_id", rec.PatchID, "status", rec.Status)
	}
}

func (l *Log) stopMirror() {
	l.mirrorMu.Lock()
	ch, done := l.mirror, l.done
	l.mirror, l.done, l.sinks = nil, nil, nil
	l.mirrorMu.Unlock()
	if ch == nil {
		return
	}
	close(ch)
	<-done
}

func (l *Log) runMirror(ch <-chan history.Event, done chan<- struct{}, sinks []history.Sink) {
	defer close(done)
	for evt := range ch {
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorSendTimeout)
			if err := s.Send(ctx, evt); err != nil {
				slog.Warn("History sink send failed", "patch_id", evt.PatchID, "type", evt.Type, "error", err)
			}
			cancel()
		}
	}
}

func toEvent(rec Record) history.Event {
	return history.Event{
		Type:       history.EventType(rec.Status),
		OccurredAt: rec.Timestamp,
		PatchID:    rec.PatchID,
		Summary:    rec.Summary,
		Command:    rec.Command,
		Detail:     rec.Detail,
	}
}
