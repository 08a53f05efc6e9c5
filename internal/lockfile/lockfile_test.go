package lockfile

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const helperEnv = "LITEHALT_LOCKFILE_HELPER"

func requireOFD(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("same-process lock conflicts require open file description locks")
	}
}

func openTemp(t *testing.T) (string, *Handle) {
	t.Helper()
	path := Path(filepath.Join(t.TempDir(), "db"), "")
	h, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return path, h
}

func TestPathAppendsSuffix(t *testing.T) {
	t.Parallel()

	if got := Path("/litefs/my.db", ""); got != "/litefs/my.db-lock" {
		t.Fatalf("Path default = %q", got)
	}
	if got := Path("/litefs/my.db", ".halt"); got != "/litefs/my.db.halt" {
		t.Fatalf("Path custom = %q", got)
	}
}

func TestOpenCreatesWorldWritableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful")
	}
	path, _ := openTemp(t)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != DefaultMode {
		t.Fatalf("expected mode %v, got %v", DefaultMode, perm)
	}
}

func TestOpenReusesExistingFile(t *testing.T) {
	path, h := openTemp(t)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if again.Path() != path {
		t.Fatalf("unexpected path %q", again.Path())
	}
}

func TestOpenMissingDirectoryIsUnavailable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "db-lock")
	_, err := Open(path, Options{})
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable, got %v", err)
	}
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected wrapped *os.PathError, got %T", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	_, h := openTemp(t)
	if err := h.Release(); err != nil {
		t.Fatalf("release before acquire: %v", err)
	}
	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !h.Held() {
		t.Fatal("expected handle to hold lock")
	}
	for i := 0; i < 3; i++ {
		if err := h.Release(); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if h.Held() {
		t.Fatal("expected lock released")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("release after close: %v", err)
	}
	if err := h.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTryAcquireReportsContention(t *testing.T) {
	requireOFD(t)
	path, first := openTemp(t)
	if err := first.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()
	ok, err := second.TryAcquire()
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if ok {
		t.Fatal("expected contention while first handle holds the lock")
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = second.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("expected lock after release, ok=%v err=%v", ok, err)
	}
}

func TestAcquireBlocksUntilHolderCloses(t *testing.T) {
	requireOFD(t)
	path, first := openTemp(t)
	if err := first.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()

	acquired := make(chan error, 1)
	go func() { acquired <- second.Acquire(context.Background()) }()

	select {
	case err := <-acquired:
		t.Fatalf("acquire returned while lock held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close holder: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("acquire after close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not complete after holder closed")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	requireOFD(t)
	path, first := openTemp(t)
	if err := first.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := second.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close abandoned handle: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	third, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open third: %v", err)
	}
	defer third.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := third.Acquire(waitCtx); err != nil {
		t.Fatalf("abandoned waiter must not keep the lock: %v", err)
	}
}

func TestCancelledAcquiresLeaveNoWaiters(t *testing.T) {
	requireOFD(t)
	path, holder := openTemp(t)
	if err := holder.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		h, err := Open(path, Options{})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err = h.Acquire(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("acquire %d: expected deadline exceeded, got %v", i, err)
		}
		if errors.Is(err, ErrLock) {
			t.Fatalf("contention reported as ErrLock: %v", err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	after := runtime.NumGoroutine()
	for after > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		after = runtime.NumGoroutine()
	}
	if after > before {
		t.Fatalf("cancelled acquires left goroutines behind: before=%d after=%d", before, after)
	}
	if !holder.Held() {
		t.Fatal("holder lost the lock")
	}
	status, err := Probe(path, Options{})
	if err != nil || !status.Halted {
		t.Fatalf("expected halt still held, status=%+v err=%v", status, err)
	}
}

func TestOSFailureIsErrLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix advisory locks")
	}
	_, h := openTemp(t)
	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Pull the descriptor out from under the handle.
	if err := h.f.Close(); err != nil {
		t.Fatalf("close descriptor: %v", err)
	}
	if err := h.Release(); !errors.Is(err, ErrLock) {
		t.Fatalf("release on dead descriptor: expected ErrLock, got %v", err)
	}
	if !h.Held() {
		t.Fatal("failed release must not report the lock as dropped")
	}

	_, fresh := openTemp(t)
	if err := fresh.f.Close(); err != nil {
		t.Fatalf("close descriptor: %v", err)
	}
	if _, err := fresh.TryAcquire(); !errors.Is(err, ErrLock) {
		t.Fatalf("try acquire on dead descriptor: expected ErrLock, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fresh.Acquire(ctx); !errors.Is(err, ErrLock) {
		t.Fatalf("acquire on dead descriptor: expected ErrLock, got %v", err)
	}
	if fresh.Held() {
		t.Fatal("failed acquire must not mark the handle held")
	}
}

func TestProbe(t *testing.T) {
	requireOFD(t)
	dir := t.TempDir()
	path := Path(filepath.Join(dir, "db"), "")

	status, err := Probe(path, Options{})
	if err != nil {
		t.Fatalf("probe missing: %v", err)
	}
	if status.Exists || status.Halted {
		t.Fatalf("unexpected status for missing file: %+v", status)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("probe must not create the lock file: %v", err)
	}

	h, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	if status, err = Probe(path, Options{}); err != nil || status.Halted {
		t.Fatalf("expected not halted, status=%+v err=%v", status, err)
	}
	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	status, err = Probe(path, Options{})
	if err != nil {
		t.Fatalf("probe held: %v", err)
	}
	if !status.Exists || !status.Halted {
		t.Fatalf("expected halted status, got %+v", status)
	}
	// A different byte in the same file is not the HALT lock.
	if status, err = Probe(path, Options{Offset: HaltByte + 1}); err != nil || status.Halted {
		t.Fatalf("expected neighbouring byte free, status=%+v err=%v", status, err)
	}
}

func TestVerifyDetectsReplacedFile(t *testing.T) {
	path, h := openTemp(t)
	if err := h.Verify(); err != nil {
		t.Fatalf("verify fresh handle: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := h.Verify(); !errors.Is(err, ErrLockFileReplaced) {
		t.Fatalf("expected ErrLockFileReplaced after remove, got %v", err)
	}
	if err := os.WriteFile(path, nil, 0o666); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if err := h.Verify(); !errors.Is(err, ErrLockFileReplaced) {
		t.Fatalf("expected ErrLockFileReplaced after recreate, got %v", err)
	}
}

// TestHelperProcess holds the lock on behalf of TestCrashedHolderReleasesLock.
// It never returns on its own; the parent kills it.
func TestHelperProcess(t *testing.T) {
	path := os.Getenv(helperEnv)
	if path == "" {
		t.Skip("helper process only")
	}
	h, err := Open(path, Options{})
	if err != nil {
		os.Stdout.WriteString("error " + err.Error() + "\n")
		os.Exit(2)
	}
	if err := h.Acquire(context.Background()); err != nil {
		os.Stdout.WriteString("error " + err.Error() + "\n")
		os.Exit(2)
	}
	os.Stdout.WriteString("held\n")
	select {}
}

func TestCrashedHolderReleasesLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix advisory locks")
	}
	path := Path(filepath.Join(t.TempDir(), "db"), "")
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"="+path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()
	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read helper: %v", err)
	}
	if strings.TrimSpace(line) != "held" {
		t.Fatalf("helper failed: %q", line)
	}

	h, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	ok, err := h.TryAcquire()
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if ok {
		t.Fatal("expected helper to hold the lock")
	}
	status, err := Probe(path, Options{})
	if err != nil || !status.Halted {
		t.Fatalf("expected probe to see helper halt, status=%+v err=%v", status, err)
	}

	if err := cmd.Process.Kill(); err != nil {
		t.Fatalf("kill helper: %v", err)
	}
	_ = cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Acquire(ctx); err != nil {
		t.Fatalf("acquire after holder died: %v", err)
	}
}
