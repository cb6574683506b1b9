package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/posnorm/ingest/internal/render"
)

func TestResolveFormatFlagOverridesConfig(t *testing.T) {
	globalFlags.Format = "jsonl"
	t.Cleanup(func() { globalFlags.Format = "" })

	if got := resolveFormat("table"); got != "jsonl" {
		t.Fatalf("expected flag to win, got %q", got)
	}
}

func TestResolveFormatFallsBackToConfig(t *testing.T) {
	globalFlags.Format = ""
	if got := resolveFormat("json"); got != "json" {
		t.Fatalf("expected config format, got %q", got)
	}
}

func TestResolveFormatDefaultsToTable(t *testing.T) {
	globalFlags.Format = ""
	if got := resolveFormat(""); got != render.FormatTable {
		t.Fatalf("expected default %q, got %q", render.FormatTable, got)
	}
}

func TestPrintSimpleTableRendersHeadersAndRows(t *testing.T) {
	var buf bytes.Buffer
	printSimpleTable(&buf, []string{"NAMESPACE", "COUNT"}, func(add func(...string)) {
		add("item_mapping", "3")
		add("note_mods", "1")
	})

	out := buf.String()
	if !strings.Contains(out, "NAMESPACE") || !strings.Contains(out, "COUNT") {
		t.Fatalf("expected headers in output, got %q", out)
	}
	if !strings.Contains(out, "item_mapping") || !strings.Contains(out, "3") {
		t.Fatalf("expected first row in output, got %q", out)
	}
	if !strings.Contains(out, "note_mods") || !strings.Contains(out, "1") {
		t.Fatalf("expected second row in output, got %q", out)
	}
}

func TestPrintSimpleTableEmptyFillStillRendersHeaders(t *testing.T) {
	var buf bytes.Buffer
	printSimpleTable(&buf, []string{"KEY", "VALUE"}, func(add func(...string)) {})

	if !strings.Contains(buf.String(), "KEY") {
		t.Fatalf("expected headers even with no rows, got %q", buf.String())
	}
}
