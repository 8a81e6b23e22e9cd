package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestPrinterFormats(t *testing.T) {
	v := map[string]int{"a": 1}
	var buf bytes.Buffer
	ok, err := printer{out: &buf, format: "JSON"}.structured(v)
	if !ok || err != nil || strings.TrimSpace(buf.String()) != "{\n  \"a\": 1\n}" {
		t.Fatalf("json: %v %v %q", ok, err, buf.String())
	}
	buf.Reset()
	ok, err = printer{out: &buf, format: "yaml"}.structured(v)
	if !ok || err != nil || buf.String() != "a: 1\n" {
		t.Fatalf("yaml: %v %v %q", ok, err, buf.String())
	}
	buf.Reset()
	p := printer{out: &buf}
	if ok, err := p.structured(v); ok || err != nil || !p.text() {
		t.Fatalf("text should fall through: %v %v", ok, err)
	}
	if ok, err := (printer{out: &buf, format: "toml"}).structured(v); !ok || err == nil {
		t.Fatalf("unknown format should error")
	}
}

func TestStatusColor(t *testing.T) {
	cases := map[string]*color.Color{
		"apply_failed":     failColor,
		"rollback_failed":  failColor,
		"failed":           failColor,
		"applied":          okColor,
		"rolled_back":      okColor,
		"rollback_success": okColor,
		"queued":           infoColor,
		"artifact_copied":  infoColor,
	}
	for status, want := range cases {
		if got := statusColor(status); got != want {
			t.Errorf("statusColor(%q) wrong colour", status)
		}
	}
	if yesNo(true) != "yes" || yesNo(false) != "no" {
		t.Fatal("yesNo")
	}
}
