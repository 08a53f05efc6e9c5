package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/litehalt/internal/clock"
	"pkt.systems/litehalt/internal/lockfile"
)

const (
	reasonReleased = "released"
	reasonExpired  = "expired"
	reasonReplaced = "replaced"
)

type tokenState int

const (
	tokenHeld tokenState = iota
	tokenForced
	tokenReleased
)

// Token represents a held halt lease.
type Token struct {
	id         string
	identity   Identity
	lockPath   string
	acquiredAt time.Time
	maxHold    time.Duration

	m *Manager
	e *entry
	h *lockfile.Handle

	mu    sync.Mutex
	state tokenState
	cause error
	done  chan struct{}
	stop  func()
}

// ID returns a unique identifier for the lease, used in logs.
func (t *Token) ID() string { return t.id }

// Identity returns the database identity the lease covers.
func (t *Token) Identity() Identity { return t.identity }

// LockPath returns the path of the locked file.
func (t *Token) LockPath() string { return t.lockPath }

// AcquiredAt returns when the lease was granted.
func (t *Token) AcquiredAt() time.Time { return t.acquiredAt }

// Deadline returns the forced-release time, if a maximum hold is set.
func (t *Token) Deadline() (time.Time, bool) {
	if t.maxHold <= 0 {
		return time.Time{}, false
	}
	return t.acquiredAt.Add(t.maxHold), true
}

// Done is closed once the lease ends, whether released or forced.
func (t *Token) Done() <-chan struct{} { return t.done }

// Err returns nil while the lease is held. After a forced release it returns
// the reason (ErrLeaseExpired or lockfile.ErrLockFileReplaced); after an
// explicit release it returns ErrLeaseAlreadyReleased.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case tokenForced:
		return t.cause
	case tokenReleased:
		if t.cause != nil {
			return t.cause
		}
		return ErrLeaseAlreadyReleased
	default:
		return nil
	}
}

// Held reports whether the lease is still in effect.
func (t *Token) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == tokenHeld
}

// Context returns a context derived from parent that is cancelled, with the
// lease's Err as cause, when the lease ends.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancel(t.Err())
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// Release ends the lease. The first call after a forced release returns the
// reason the lease was forced (ErrLeaseExpired); any later call returns
// ErrLeaseAlreadyReleased. Errors from the lock primitive are returned after
// the descriptor was closed, so the lease is gone either way.
func (t *Token) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case tokenReleased:
		return ErrLeaseAlreadyReleased
	case tokenForced:
		t.state = tokenReleased
		return t.cause
	}
	t.state = tokenReleased
	t.finishLocked()
	return t.m.teardown(t, reasonReleased)
}

// force releases the lease on behalf of the manager.
func (t *Token) force(cause error, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tokenHeld {
		return
	}
	t.state = tokenForced
	t.cause = cause
	t.finishLocked()
	err := t.m.teardown(t, reason)
	if err != nil {
		t.cause = errors.Join(cause, err)
	}
	t.m.logger.Warn("lease.forced_release",
		"db", string(t.identity),
		"lease", t.id,
		"reason", reason,
		"held", t.m.clock.Now().Sub(t.acquiredAt),
	)
}

func (t *Token) finishLocked() {
	if t.stop != nil {
		t.stop()
	}
	close(t.done)
}

func (t *Token) armDeadline(timer clock.Timer) {
	if !t.addStop(func() { timer.Stop() }) {
		timer.Stop()
		return
	}
	go func() {
		select {
		case <-timer.C():
			t.force(ErrLeaseExpired, reasonExpired)
		case <-t.done:
		}
	}()
}

// addStop registers fn to run when the lease ends. It reports false, without
// registering, when the lease already ended.
func (t *Token) addStop(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tokenHeld {
		return false
	}
	prev := t.stop
	t.stop = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	return true
}
