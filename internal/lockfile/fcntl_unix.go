//go:build unix

package lockfile

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

func rangeLock(typ int16, offset int64) unix.Flock_t {
	return unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  offset,
		Len:    1,
	}
}

// setLock takes an exclusive lock on the byte at offset. When wait is set the
// call blocks until the lock is granted.
func setLock(fd uintptr, wait bool, offset int64) error {
	cmd := cmdSetLock
	if wait {
		cmd = cmdSetLockWait
	}
	flock := rangeLock(unix.F_WRLCK, offset)
	for {
		err := unix.FcntlFlock(fd, cmd, &flock)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func unlock(fd uintptr, offset int64) error {
	flock := rangeLock(unix.F_UNLCK, offset)
	for {
		err := unix.FcntlFlock(fd, cmdSetLock, &flock)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// testLock reports whether a conflicting lock is held on the byte at offset.
func testLock(fd uintptr, offset int64) (bool, error) {
	flock := rangeLock(unix.F_WRLCK, offset)
	if err := unix.FcntlFlock(fd, cmdGetLock, &flock); err != nil {
		return false, err
	}
	return flock.Type != unix.F_UNLCK, nil
}

func isContended(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}
