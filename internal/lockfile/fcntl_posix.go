//go:build unix && !linux

package lockfile

import "golang.org/x/sys/unix"

// Classic POSIX record locks. They are owned by the process, so callers in the
// same process must serialize above this package.
const (
	cmdSetLock     = unix.F_SETLK
	cmdSetLockWait = unix.F_SETLKW
	cmdGetLock     = unix.F_GETLK
)

const PerDescriptor = false
