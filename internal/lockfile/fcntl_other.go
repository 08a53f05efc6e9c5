//go:build !unix

package lockfile

// Kernel advisory locks are required for crash safety; there is no emulation.

func setLock(fd uintptr, wait bool, offset int64) error { return ErrUnsupported }

func unlock(fd uintptr, offset int64) error { return ErrUnsupported }

func testLock(fd uintptr, offset int64) (bool, error) { return false, ErrUnsupported }

func isContended(err error) bool { return false }

const PerDescriptor = false
