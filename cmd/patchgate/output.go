package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	infoColor = color.New(color.FgCyan)
	dimColor  = color.New(color.Faint)
)

// printer renders command results in the format chosen with --output.
type printer struct {
	out    io.Writer
	format string
}

// structured prints v as JSON or YAML and reports true, or reports false
// when the caller should render text itself.
func (p printer) structured(v any) (bool, error) {
	switch strings.ToLower(p.format) {
	case "", outputText:
		return false, nil
	case outputJSON:
		return true, printJSON(p.out, v)
	case outputYAML:
		return true, printYAML(p.out, v)
	default:
		return true, fmt.Errorf("unknown output format %q (want text, json or yaml)", p.format)
	}
}

func (p printer) text() bool {
	f := strings.ToLower(p.format)
	return f == "" || f == outputText
}

func (p printer) linef(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// statusColor picks the colour for a patch or audit status.
func statusColor(status string) *color.Color {
	switch {
	case strings.HasSuffix(status, "failed"):
		return failColor
	case status == "applied", status == "rolled_back", strings.HasSuffix(status, "success"):
		return okColor
	default:
		return infoColor
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
