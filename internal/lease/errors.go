package lease

import "errors"

var (
	// ErrLeaseExpired is reported to the holder after the maximum hold
	// duration elapsed and the lease was force-released.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrLeaseAlreadyReleased is returned when a released token is used.
	ErrLeaseAlreadyReleased = errors.New("lease already released")
	// ErrBusy is returned by TryRequest when another holder has the lease.
	ErrBusy = errors.New("lease busy")
)
