//go:build linux

package lockfile

import "golang.org/x/sys/unix"

// Open file description locks conflict between descriptors of the same
// process and are released only when the last descriptor of the description
// is closed.
const (
	cmdSetLock     = unix.F_OFD_SETLK
	cmdSetLockWait = unix.F_OFD_SETLKW
	cmdGetLock     = unix.F_OFD_GETLK
)

// PerDescriptor reports that a lock belongs to the descriptor that took it,
// so closing another descriptor on the same file leaves it in place.
const PerDescriptor = true
