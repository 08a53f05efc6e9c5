package lease

import (
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/litehalt/internal/lockfile"
)

// State is the lease state of a database identity within one Manager.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateHeld
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateReleasing:
		return "releasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Identity is the absolute, cleaned path of a database.
type Identity string

// ResolveIdentity maps a database path to its Identity.
func ResolveIdentity(databasePath string) (Identity, error) {
	if strings.TrimSpace(databasePath) == "" {
		return "", fmt.Errorf("%w: empty database path", lockfile.ErrResourceUnavailable)
	}
	abs, err := filepath.Abs(databasePath)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %w", lockfile.ErrResourceUnavailable, databasePath, err)
	}
	return Identity(filepath.Clean(abs)), nil
}
