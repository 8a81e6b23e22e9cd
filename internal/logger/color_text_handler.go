package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// ColorTextHandler writes a coloured level column followed by the usual
// slog text output. The level attribute itself is dropped.
type ColorTextHandler struct {
	inner   *slog.TextHandler
	w       io.Writer
	mu      *sync.Mutex
	palette map[slog.Level]*color.Color
}

func newPalette() map[slog.Level]*color.Color {
	p := map[slog.Level]*color.Color{
		slog.LevelDebug: color.New(color.FgCyan),
		slog.LevelInfo:  color.New(color.FgGreen),
		slog.LevelWarn:  color.New(color.FgYellow),
		slog.LevelError: color.New(color.FgRed, color.Bold),
	}
	// the handler is only chosen for format "color", so colour even when
	// fatih/color has detected a non-terminal
	for _, c := range p {
		c.EnableColor()
	}
	return p
}

// NewColorTextHandler creates a new ColorTextHandler. With showTime false
// the time attribute is dropped, which keeps interactive output short.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	return &ColorTextHandler{
		inner:   slog.NewTextHandler(w, &o),
		w:       w,
		mu:      &sync.Mutex{},
		palette: newPalette(),
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	level := fmt.Sprintf("%-5s", r.Level.String())
	if c, ok := h.palette[r.Level]; ok {
		level = c.Sprint(level)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, level+" "); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs).(*slog.TextHandler)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name).(*slog.TextHandler)
	return &c
}
