// Package lockfile implements the OS advisory lock that marks a database as
// halted. The lock is a one-byte exclusive fcntl lock on a sidecar file next to
// the database; the kernel drops it when the descriptor is closed, including
// when the owning process dies.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultSuffix is appended to the database path to locate the lock file.
	DefaultSuffix = "-lock"
	// DefaultMode is applied to lock files created by this package.
	DefaultMode os.FileMode = 0o666
	// HaltByte is the offset of the HALT lock inside the lock file.
	HaltByte int64 = 72
)

// Options tune how lock files are created and which byte is locked.
type Options struct {
	Mode   os.FileMode
	Offset int64
}

func (o Options) withDefaults() Options {
	if o.Mode == 0 {
		o.Mode = DefaultMode
	}
	if o.Offset <= 0 {
		o.Offset = HaltByte
	}
	return o
}

// Path returns the lock file path for databasePath.
func Path(databasePath, suffix string) string {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return databasePath + suffix
}

// Handle is one open descriptor on a lock file. A Handle is safe for
// concurrent use, but only one goroutine should drive Acquire at a time. The
// raw descriptor is only used with mu held, so Close never races a lock call.
type Handle struct {
	path   string
	offset int64

	mu     sync.Mutex
	f      *os.File
	held   bool
	closed bool
}

// Open opens path, creating it when missing. Newly created files get
// opts.Mode regardless of the process umask so every cooperating process can
// open them for writing.
func Open(path string, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, opts.Mode)
	switch {
	case err == nil:
		if cerr := f.Chmod(opts.Mode); cerr != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: chmod %s: %w", ErrResourceUnavailable, path, cerr)
		}
	case errors.Is(err, os.ErrExist):
		f, err = os.OpenFile(path, os.O_RDWR, opts.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
		}
	default:
		return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	return &Handle{path: path, offset: opts.Offset, f: f}, nil
}

// Path returns the lock file path this handle was opened on.
func (h *Handle) Path() string { return h.path }

// Held reports whether this handle currently owns the lock.
func (h *Handle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held
}

// Acquire blocks until the exclusive lock is held. Contention never fails the
// call; only OS-level failures do (wrapped in ErrLock).
//
// Without a cancellable ctx Acquire waits in the kernel. Otherwise it polls
// with TryAcquire so that nothing is left waiting on the descriptor once ctx
// ends; the handle can be closed as soon as Acquire returns.
func (h *Handle) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctx.Done() == nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return ErrClosed
		}
		return h.finishAcquireLocked(setLock(h.f.Fd(), true, h.offset))
	}
	return h.pollAcquire(ctx)
}

const (
	pollInitialInterval = 2 * time.Millisecond
	pollMaxInterval     = 100 * time.Millisecond
)

func (h *Handle) pollAcquire(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInitialInterval
	b.MaxInterval = pollMaxInterval
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.2
	b.Reset()
	timer := time.NewTimer(pollMaxInterval)
	timer.Stop()
	defer timer.Stop()
	for {
		ok, err := h.TryAcquire()
		if err != nil || ok {
			return err
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			next = pollMaxInterval
		}
		timer.Reset(next)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAcquire attempts the lock without waiting. It returns false, nil when
// another descriptor holds it.
func (h *Handle) TryAcquire() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, ErrClosed
	}
	err := setLock(h.f.Fd(), false, h.offset)
	if isContended(err) {
		return false, nil
	}
	if err := h.finishAcquireLocked(err); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Handle) finishAcquireLocked(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLock, h.path, err)
	}
	h.held = true
	return nil
}

// Release drops the lock. Releasing a handle that does not hold the lock, or
// one that is already closed, is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.held {
		return nil
	}
	if err := unlock(h.f.Fd(), h.offset); err != nil {
		return fmt.Errorf("%w: unlock %s: %w", ErrLock, h.path, err)
	}
	h.held = false
	return nil
}

// Close closes the descriptor, which also drops the lock. Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.held = false
	if err := h.f.Close(); err != nil {
		return fmt.Errorf("lockfile: close %s: %w", h.path, err)
	}
	return nil
}

// Verify reports ErrLockFileReplaced when the path no longer names the file
// this handle has open (removed or swapped while the lock was awaited).
func (h *Handle) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	held, err := h.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: fstat %s: %w", ErrLock, h.path, err)
	}
	current, err := os.Stat(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLockFileReplaced, h.path)
		}
		return fmt.Errorf("%w: stat %s: %w", ErrLock, h.path, err)
	}
	if !os.SameFile(held, current) {
		return fmt.Errorf("%w: %s", ErrLockFileReplaced, h.path)
	}
	return nil
}

// Status describes the observed state of a lock file.
type Status struct {
	Path    string
	Exists  bool
	Halted  bool
	ModTime time.Time
}

// Probe reports whether some descriptor currently holds the HALT byte of the
// lock file at path. A missing lock file means nobody is halted and is not
// created.
//
// On platforms without open file description locks, closing the probe
// descriptor drops every lock the calling process holds on the file, so Probe
// must not be called from a process that is itself holding a halt there.
func Probe(path string, opts Options) (Status, error) {
	opts = opts.withDefaults()
	status := Status{Path: path}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return status, nil
		}
		return status, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	defer f.Close()
	status.Exists = true
	if info, err := f.Stat(); err == nil {
		status.ModTime = info.ModTime()
	}
	halted, err := testLock(f.Fd(), opts.Offset)
	if err != nil {
		return status, fmt.Errorf("%w: probe %s: %w", ErrLock, path, err)
	}
	status.Halted = halted
	return status, nil
}
