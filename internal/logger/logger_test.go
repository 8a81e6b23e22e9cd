package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestFileWriter_Defaults(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer when Path is empty")
	}
	w := FileConfig{Path: "x"}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 || l.Compress {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriter_Overrides(t *testing.T) {
	w := FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchgate.log")
	l, closer, err := Config{Format: FormatJSON, File: FileConfig{Path: path}}.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("Patch queued", "patch_id", "p1")
	closeIf(closer)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), `"patch_id":"p1"`) {
		t.Fatalf("unexpected log content: %s", data)
	}
}

func TestHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	h, err := Config{Level: "warn"}.Handler(&buf)
	if err != nil {
		t.Fatal(err)
	}
	l := slog.New(h)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("level filtering failed: %q", out)
	}
}

func TestHandler_InvalidSettings(t *testing.T) {
	if _, err := (Config{Level: "loud"}).Handler(io.Discard); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := (Config{Format: "xml"}).Handler(io.Discard); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("component", "loop")
	l.Error("iteration failed")
	l.Warn("slow")
	out := buf.String()
	if !strings.Contains(out, "\x1b[31;1mERROR\x1b[0m msg=\"iteration failed\"") {
		t.Fatalf("missing colour prefix: %q", out)
	}
	if !strings.Contains(out, "\x1b[33mWARN \x1b[0m msg=slow") {
		t.Fatalf("missing padded warn prefix: %q", out)
	}
	if !strings.Contains(out, "component=loop") {
		t.Fatalf("attrs lost: %q", out)
	}
	if strings.Contains(out, "time=") || strings.Contains(out, "level=") {
		t.Fatalf("time and level should be hidden: %q", out)
	}
}
