package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestInfoFormatsComponentAndFields(t *testing.T) {
	out := capture(t, func() {
		Info("router", "signal ingested", "tenant", "agency-1", "source", "webhook")
	})
	if !strings.Contains(out, "[ROUTER] signal ingested tenant=agency-1 source=webhook") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestErrorPrefix(t *testing.T) {
	out := capture(t, func() {
		Error("engine", "action failed", "code", "upstream_failure")
	})
	if !strings.Contains(out, "[ENGINE] ERROR action failed code=upstream_failure") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestOddFieldCountPadded(t *testing.T) {
	out := capture(t, func() {
		Warn("quota", "ceiling reached", "tenant")
	})
	if !strings.Contains(out, "tenant=(missing)") {
		t.Fatalf("expected padded field, got %q", out)
	}
}

func TestFieldValuesFlattened(t *testing.T) {
	out := capture(t, func() {
		Info("bus", "payload", "body", "line1\nline2\tend")
	})
	if strings.Contains(strings.TrimSuffix(out, "\n"), "\n") && strings.Count(out, "\n") > 1 {
		t.Fatalf("expected flattened value, got %q", out)
	}
	if strings.Contains(out, "\t") {
		t.Fatalf("expected tabs stripped, got %q", out)
	}
}
