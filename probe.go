package litehalt

import (
	"time"

	"pkt.systems/litehalt/internal/lease"
	"pkt.systems/litehalt/internal/lockfile"
)

// Status describes whether replication of a database is currently halted.
type Status struct {
	Database string
	LockPath string
	// Exists is false when no halt was ever taken on the database.
	Exists bool
	// Halted reports that some descriptor, in this or another process, holds
	// the halt byte.
	Halted  bool
	ModTime time.Time
	// Local is the halt state of the probing coordinator. It is StateIdle for
	// the package-level Probe.
	Local State
}

// Probe reports whether databasePath is halted. It never creates the lock
// file.
//
// On systems without open file description locks (anything but Linux),
// probing from a process that itself holds a halt on the same database
// releases that halt; use Coordinator.Probe there.
func Probe(databasePath string, cfg Config) (Status, error) {
	if err := cfg.Validate(); err != nil {
		return Status{}, err
	}
	id, err := lease.ResolveIdentity(databasePath)
	if err != nil {
		return Status{}, err
	}
	return probe(string(id), cfg)
}

// Probe reports whether databasePath is halted. A halt held by this
// coordinator is reported without touching the lock file.
//
// Where closing the probe descriptor would drop this process's own lock, the
// probe holds the coordinator's slot for the database while the descriptor is
// open. A TryWithHalt racing such a probe may then report ErrHaltBusy.
func (c *Coordinator) Probe(databasePath string) (Status, error) {
	id, err := lease.ResolveIdentity(databasePath)
	if err != nil {
		return Status{}, err
	}
	database := string(id)
	if !c.serializeProbe {
		local := c.leases.State(database)
		if local == StateHeld || local == StateReleasing {
			return c.ownHalt(database, local), nil
		}
		status, err := probe(database, c.cfg)
		status.Local = local
		return status, err
	}
	var status Status
	local, ran, err := c.leases.Exclusive(database, func() error {
		var perr error
		status, perr = probe(database, c.cfg)
		return perr
	})
	if !ran {
		if err != nil {
			return Status{}, err
		}
		// Held here, or a request of ours is taking the lock right now.
		return c.ownHalt(database, local), nil
	}
	status.Local = local
	return status, err
}

func (c *Coordinator) ownHalt(database string, local State) Status {
	return Status{
		Database: database,
		LockPath: lockfile.Path(database, c.cfg.LockSuffix),
		Exists:   true,
		Halted:   true,
		Local:    local,
	}
}

func probe(database string, cfg Config) (Status, error) {
	path := lockfile.Path(database, cfg.LockSuffix)
	st, err := lockfile.Probe(path, cfg.lockOptions())
	return Status{
		Database: database,
		LockPath: path,
		Exists:   st.Exists,
		Halted:   st.Halted,
		ModTime:  st.ModTime,
	}, err
}
