// Package litehalt pauses write replication of a LiteFS-style database while
// an operation runs against a consistent on-disk state, then resumes it.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Halting
//
// A halt is an exclusive advisory lock on one byte (offset 72) of the
// database's sidecar lock file, <database>-lock. The replication engine
// watches the same byte and holds back writes while it is locked. Because the
// lock lives in the kernel and is tied to an open descriptor, a process that
// dies mid-operation releases its halt without cooperation.
//
//	err := litehalt.WithHalt(ctx, "/litefs/app.db", func(ctx context.Context) error {
//	    return copyDatabase(ctx, "/litefs/app.db", "/backups/app.db")
//	})
//
// Halts on the same database are mutually exclusive across processes and
// across goroutines of one process; a second caller waits until the first
// returns. On Linux open file description locks are used, so two descriptors
// in the same process conflict as they would across processes. Other Unix
// systems fall back to classic POSIX record locks and rely on the in-process
// queue for exclusion inside one process. Windows is not supported.
//
// # Coordinators
//
// The package-level WithHalt uses a coordinator with the default
// configuration. Construct one to bound hold and wait times:
//
//	hc, err := litehalt.NewCoordinator(litehalt.Config{
//	    MaxHold:        30 * time.Second,
//	    AcquireTimeout: 5 * time.Second,
//	})
//	if err != nil { log.Fatal(err) }
//	n, err := litehalt.Do(ctx, hc, "/litefs/app.db", func(ctx context.Context) (int64, error) {
//	    return snapshot(ctx)
//	})
//
// When MaxHold elapses the halt is force-released and the operation's context
// is cancelled with ErrLeaseExpired as cause. The operation keeps running
// until it notices; replication is already resumed by then.
//
// # Errors
//
// An error returned by the operation is passed through unchanged when the
// release succeeded. Anything else is a *HaltError whose Phase tells whether
// the halt was never taken (PhaseAcquire), expired while held (PhaseHold),
// failed to release (PhaseRelease) or failed on both the operation and the
// release (PhaseRun, with the release failure in Suppressed). errors.Is sees
// through HaltError to both errors:
//
//	if litehalt.IsAcquireError(err) {
//	    // the operation never ran
//	}
//	if litehalt.IsLeaseExpired(err) {
//	    // replication may have resumed while the operation was running
//	}
//
// # Observing
//
// Probe reports whether a database is halted without creating its lock file.
// The litehalt command (cmd/litehalt) wraps the package for shell use: run a
// command under a halt, hold a halt until interrupted, inspect the state and
// take snapshots to disk or object storage.
package litehalt
