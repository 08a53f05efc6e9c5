package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/litehalt"
	"pkt.systems/litehalt/internal/version"
)

func newTestRoot(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("LITEHALT_CONFIG_DIR", t.TempDir())
	root := newRootCommand(pslog.NewStructured(io.Discard))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	return root, &out
}

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("same-process halt observation needs open file description locks")
	}
}

func TestFlagsAndEnvBindConfig(t *testing.T) {
	root, _ := newTestRoot(t)
	t.Setenv("LITEHALT_MAX_HOLD", "90s")
	if err := root.PersistentFlags().Parse([]string{"--lock-suffix", ".halt", "--lock-mode", "0640", "--watch-lock-file"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.LockSuffix != ".halt" || cfg.LockMode != 0o640 || !cfg.WatchLockFile {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.MaxHold != 90*time.Second {
		t.Fatalf("env not applied: max hold %s", cfg.MaxHold)
	}
	if cfg.HaltOffset != litehalt.DefaultHaltOffset || cfg.AcquireTimeout != 0 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestBindConfigRejectsBadLockMode(t *testing.T) {
	root, _ := newTestRoot(t)
	if err := root.PersistentFlags().Parse([]string{"--lock-mode", "rw-rw-rw-"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := bindConfig(); err == nil {
		t.Fatal("expected lock-mode parse error")
	}
}

func TestConfigFileFromConfigDir(t *testing.T) {
	newTestRoot(t)
	dir := os.Getenv("LITEHALT_CONFIG_DIR")
	data := []byte("max-hold: 2m\nsnapshot:\n  prefix: nightly\n")
	if err := os.WriteFile(filepath.Join(dir, litehalt.DefaultConfigFileName), data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	path, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if filepath.Base(path) != litehalt.DefaultConfigFileName {
		t.Fatalf("unexpected config path %q", path)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.MaxHold != 2*time.Minute {
		t.Fatalf("max hold %s, want 2m", cfg.MaxHold)
	}
	if got := viper.GetString("snapshot.prefix"); got != "nightly" {
		t.Fatalf("snapshot.prefix=%q", got)
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	root, _ := newTestRoot(t)
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "version"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected missing config error")
	}
}

func TestConfigGenRoundTrip(t *testing.T) {
	root, out := newTestRoot(t)
	target := filepath.Join(t.TempDir(), "litehalt.yaml")
	root.SetArgs([]string{"config", "gen", "--out", target})
	if err := root.Execute(); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(out.String(), target) {
		t.Fatalf("unexpected output %q", out.String())
	}

	root, _ = newTestRoot(t)
	root.SetArgs([]string{"config", "gen", "--out", target})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}

	newTestRoot(t)
	viper.Set("config", target)
	if _, err := loadConfigFile(); err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind generated config: %v", err)
	}
	want := litehalt.DefaultConfig()
	if cfg.LockSuffix != want.LockSuffix || cfg.LockMode != want.LockMode || cfg.HaltOffset != want.HaltOffset || cfg.MaxHold != want.MaxHold {
		t.Fatalf("generated config %+v differs from defaults %+v", cfg, want)
	}
}

func TestRunPropagatesExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root, _ := newTestRoot(t)
	db := filepath.Join(t.TempDir(), "app.db")
	root.SetArgs([]string{"run", db, "--", "sh", "-c", "exit 7"})
	err := root.Execute()
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit code error, got %v", err)
	}
	if exitErr.code != 7 || exitErr.err != nil {
		t.Fatalf("unexpected exit %+v", exitErr)
	}
	if _, err := os.Stat(db + litehalt.DefaultLockSuffix); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
}

func TestRunRequiresCommandAfterDash(t *testing.T) {
	root, _ := newTestRoot(t)
	root.SetArgs([]string{"run", filepath.Join(t.TempDir(), "app.db"), "true"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected usage error without --")
	}
}

func TestCommandExit(t *testing.T) {
	if err := commandExit(nil); err != nil {
		t.Fatalf("nil: %v", err)
	}
	busy := &litehalt.HaltError{Phase: litehalt.PhaseAcquire, Path: "/db", Err: litehalt.ErrHaltBusy}
	var exitErr *exitCodeError
	if !errors.As(commandExit(busy), &exitErr) || exitErr.code != exitBusy {
		t.Fatalf("busy: %v", exitErr)
	}
	plain := errors.New("boom")
	if got := commandExit(plain); got != plain {
		t.Fatalf("plain error rewritten: %v", got)
	}
}

func TestHoldUntilCancelled(t *testing.T) {
	requireLinux(t)
	root, out := newTestRoot(t)
	db := filepath.Join(t.TempDir(), "app.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetArgs([]string{"hold", db})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	waitHalted(t, db, true)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("hold: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hold did not return after cancel")
	}
	if !strings.Contains(out.String(), "released") {
		t.Fatalf("unexpected output %q", out.String())
	}
	waitHalted(t, db, false)
}

func TestHoldFor(t *testing.T) {
	root, out := newTestRoot(t)
	db := filepath.Join(t.TempDir(), "app.db")
	root.SetArgs([]string{"hold", db, "--for", "20ms"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !strings.Contains(out.String(), "halted "+db) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestStatus(t *testing.T) {
	requireLinux(t)
	db := filepath.Join(t.TempDir(), "app.db")

	root, out := newTestRoot(t)
	root.SetArgs([]string{"status", db})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "running") || !strings.Contains(out.String(), "never") {
		t.Fatalf("unexpected idle status %q", out.String())
	}

	hc, err := litehalt.NewCoordinator(litehalt.Config{})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	held := make(chan struct{})
	releaseHalt := make(chan struct{})
	go func() {
		_ = hc.WithHalt(context.Background(), db, func(context.Context) error {
			close(held)
			<-releaseHalt
			return nil
		})
	}()
	<-held
	defer close(releaseHalt)

	root, out = newTestRoot(t)
	root.SetArgs([]string{"status", db, "--holders"})
	err = root.Execute()
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) || exitErr.code != exitHalted {
		t.Fatalf("expected halted exit status, got %v", err)
	}
	if !strings.Contains(out.String(), "halted") || !strings.Contains(out.String(), "this process") {
		t.Fatalf("unexpected halted status %q", out.String())
	}
}

func TestSnapshotToDisk(t *testing.T) {
	root, out := newTestRoot(t)
	db := filepath.Join(t.TempDir(), "app.db")
	if err := os.WriteFile(db, []byte("sqlite"), 0o644); err != nil {
		t.Fatalf("write db: %v", err)
	}
	dest := t.TempDir()
	root.SetArgs([]string{"snapshot", db, "--to", "file://" + dest, "--prefix", "nightly"})
	if err := root.Execute(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dest, "nightly", "app.db", "*.snapshot"))
	if len(matches) != 1 {
		t.Fatalf("expected one snapshot object, got %v (output %q)", matches, out.String())
	}
}

func TestSnapshotRequiresDestination(t *testing.T) {
	root, _ := newTestRoot(t)
	t.Setenv("LITEHALT_SNAPSHOT_TO", "")
	root.SetArgs([]string{"snapshot", filepath.Join(t.TempDir(), "app.db")})
	if err := root.Execute(); err == nil {
		t.Fatal("expected missing --to error")
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	info := version.Info{Module: "pkt.systems/litehalt", Version: "v1.0.0", Revision: "abc", Modified: true, GoVersion: "go1.25.0"}
	if err := printVersion(&buf, info, true); err != nil {
		t.Fatalf("print: %v", err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "pkt.systems/litehalt v1.0.0\n") || !strings.Contains(got, "abc (modified)") {
		t.Fatalf("unexpected output %q", got)
	}
}

func waitHalted(t *testing.T, db string, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := litehalt.Probe(db, litehalt.Config{})
		if err == nil && status.Halted == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("database halted=%v never observed (last %+v, err %v)", want, status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotVerify(t *testing.T) {
	root, out := newTestRoot(t)
	root.SetArgs([]string{"snapshot", "verify", "--to", "file://" + t.TempDir()})
	if err := root.Execute(); err != nil {
		t.Fatalf("verify: %v (output %q)", err, out.String())
	}
	if strings.Count(out.String(), " ok") != 2 {
		t.Fatalf("unexpected output %q", out.String())
	}
}
