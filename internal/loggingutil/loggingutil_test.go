package loggingutil

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	if got := Subsystem("lease", "", ". ", "manager."); got != "lease.manager" {
		t.Fatalf("Subsystem = %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("Subsystem() = %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := WithSubsystem(pslog.NewStructured(&buf), "halt.coordinator")
	logger.Info("halt.acquire.success", "path", "/tmp/db")
	out := buf.String()
	if !strings.Contains(out, "halt.coordinator") {
		t.Fatalf("expected subsystem in output, got %q", out)
	}
}

func TestEnsureLoggerFallsBackToNoop(t *testing.T) {
	t.Parallel()

	if EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger")
	}
	WithSubsystem(nil, "x").Info("discarded")
}
