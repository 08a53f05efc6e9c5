package lockfile

import "errors"

var (
	// ErrResourceUnavailable reports that the lock file could not be created
	// or opened.
	ErrResourceUnavailable = errors.New("lock resource unavailable")
	// ErrLock reports an OS-level failure of the lock primitive. Contention is
	// never reported as ErrLock.
	ErrLock = errors.New("lock error")
	// ErrUnsupported is returned on platforms without kernel advisory locks.
	ErrUnsupported = errors.New("advisory file locks unsupported on this platform")
	// ErrLockFileReplaced reports that the lock file path now refers to a
	// different file than the locked descriptor.
	ErrLockFileReplaced = errors.New("lock file replaced")
	// ErrClosed is returned when a closed handle is used to lock.
	ErrClosed = errors.New("lock handle closed")
)
