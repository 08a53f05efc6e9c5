package litehalt

import (
	"errors"
	"fmt"

	"pkt.systems/litehalt/internal/lease"
	"pkt.systems/litehalt/internal/lockfile"
)

var (
	// ErrResourceUnavailable reports that the lock file could not be opened or
	// created.
	ErrResourceUnavailable = lockfile.ErrResourceUnavailable
	// ErrLock reports an OS failure of the lock primitive.
	ErrLock = lockfile.ErrLock
	// ErrUnsupported is returned on platforms without advisory file locks.
	ErrUnsupported = lockfile.ErrUnsupported
	// ErrLockFileReplaced reports that the lock file was removed or replaced
	// while a halt was taken or held.
	ErrLockFileReplaced = lockfile.ErrLockFileReplaced
	// ErrLeaseExpired reports that a halt outlived Config.MaxHold and was
	// force-released.
	ErrLeaseExpired = lease.ErrLeaseExpired
	// ErrLeaseAlreadyReleased is returned when a released lease is used again.
	ErrLeaseAlreadyReleased = lease.ErrLeaseAlreadyReleased
	// ErrHaltBusy is returned by TryWithHalt when another holder has the halt.
	ErrHaltBusy = lease.ErrBusy
)

// Phase names the step of a halt an error belongs to.
type Phase string

const (
	// PhaseAcquire covers opening the lock file and waiting for the lock.
	PhaseAcquire Phase = "acquire"
	// PhaseRun is the operation. A run error carries any release failure in
	// Suppressed.
	PhaseRun Phase = "run"
	// PhaseHold means the operation succeeded but the halt was force-released
	// before it returned.
	PhaseHold Phase = "hold"
	// PhaseRelease means the operation succeeded but releasing failed.
	PhaseRelease Phase = "release"
)

// HaltError attributes a failure to the phase of a halt it happened in.
type HaltError struct {
	Phase Phase
	Path  string
	Err   error
	// Suppressed holds a release or expiry failure that happened after the
	// operation itself failed.
	Suppressed error
}

func (e *HaltError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("litehalt: %s %s: %v", e.Phase, e.Path, e.Err)
	if e.Suppressed != nil {
		msg += fmt.Sprintf(" (suppressed: %v)", e.Suppressed)
	}
	return msg
}

// Unwrap exposes both the primary and the suppressed error to errors.Is and
// errors.As.
func (e *HaltError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Suppressed != nil {
		errs = append(errs, e.Suppressed)
	}
	return errs
}

// IsAcquireError reports whether err means the halt was never taken, so the
// operation did not run.
func IsAcquireError(err error) bool {
	var herr *HaltError
	return errors.As(err, &herr) && herr.Phase == PhaseAcquire
}

// IsLeaseExpired reports whether the halt was force-released because it
// outlived its maximum hold.
func IsLeaseExpired(err error) bool {
	return errors.Is(err, ErrLeaseExpired)
}

func forcedRelease(err error) bool {
	return errors.Is(err, ErrLeaseExpired) || errors.Is(err, ErrLockFileReplaced)
}
