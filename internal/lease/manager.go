// Package lease turns the halt lock file into leases: per-database mutual
// exclusion with request queueing, an optional maximum hold duration and
// release that is safe to call from any exit path.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/litehalt/internal/clock"
	"pkt.systems/litehalt/internal/lockfile"
	"pkt.systems/litehalt/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	// DefaultIdleEntries caps how many idle per-database entries a Manager
	// keeps around.
	DefaultIdleEntries = 64

	// maxReplacedRetries bounds how often Request reopens a lock file that was
	// swapped out underneath a waiter.
	maxReplacedRetries = 3
)

// Config controls lock file placement and manager bookkeeping.
type Config struct {
	Suffix        string
	Mode          os.FileMode
	Offset        int64
	IdleEntries   int
	WatchLockFile bool
}

// RequestOptions tune a single lease request.
type RequestOptions struct {
	// MaxHold force-releases the lease once exceeded. Zero holds until
	// released.
	MaxHold time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the clock used for hold deadlines.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMeterProvider selects the meter provider for lease metrics. The global
// provider is used when unset.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Manager) {
		m.meterProvider = provider
	}
}

// Manager grants halt leases. The zero value is not usable; construct with
// NewManager.
type Manager struct {
	cfg           Config
	logger        pslog.Logger
	clock         clock.Clock
	meterProvider metric.MeterProvider
	metrics       *leaseMetrics
	reg           *registry
}

// NewManager constructs a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.IdleEntries == 0 {
		cfg.IdleEntries = DefaultIdleEntries
	}
	m := &Manager{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = loggingutil.WithSubsystem(m.logger, "lease.manager")
	m.clock = clock.Or(m.clock)
	m.metrics = newLeaseMetrics(m.meterProvider, m.logger)
	m.reg = newRegistry(cfg.IdleEntries)
	return m
}

// Close stops reporting the manager's gauges. Outstanding leases are not
// affected and the manager stays usable; only its metrics callback is
// detached. Close is idempotent.
func (m *Manager) Close() error {
	if err := m.metrics.unregister(); err != nil {
		return fmt.Errorf("lease: unregister metrics: %w", err)
	}
	return nil
}

// LockPath returns the lock file path used for databasePath.
func (m *Manager) LockPath(databasePath string) (string, error) {
	id, err := ResolveIdentity(databasePath)
	if err != nil {
		return "", err
	}
	return lockfile.Path(string(id), m.cfg.Suffix), nil
}

// State reports the in-process lease state for databasePath.
func (m *Manager) State(databasePath string) State {
	id, err := ResolveIdentity(databasePath)
	if err != nil {
		return StateIdle
	}
	state, _ := m.reg.state(id)
	return state
}

// Waiters reports how many requests in this process wait for databasePath.
func (m *Manager) Waiters(databasePath string) int {
	id, err := ResolveIdentity(databasePath)
	if err != nil {
		return 0
	}
	_, waiting := m.reg.state(id)
	return waiting
}

// Exclusive runs fn while holding the in-process slot for databasePath, so no
// request of this manager takes the kernel lock until fn returns. Concurrent
// Exclusive calls queue behind each other, so when the slot is taken it is
// taken by a request; fn is then not called and ran is false. state is the
// in-process state observed when the slot was tried.
func (m *Manager) Exclusive(databasePath string, fn func() error) (state State, ran bool, err error) {
	id, err := ResolveIdentity(databasePath)
	if err != nil {
		return StateIdle, false, err
	}
	e := m.reg.acquire(id)
	defer m.reg.release(e)
	e.exclusive.Lock()
	defer e.exclusive.Unlock()
	select {
	case e.sem <- struct{}{}:
	default:
		state, _ = m.reg.state(id)
		return state, false, nil
	}
	defer func() { <-e.sem }()
	state, _ = m.reg.state(id)
	return state, true, fn()
}

// Request blocks until the caller holds the halt lease for databasePath or
// ctx ends. The returned token must be released.
func (m *Manager) Request(ctx context.Context, databasePath string, opts RequestOptions) (*Token, error) {
	return m.request(ctx, databasePath, opts, true)
}

// TryRequest is the non-blocking variant of Request. It returns ErrBusy when
// the lease is held elsewhere.
func (m *Manager) TryRequest(ctx context.Context, databasePath string, opts RequestOptions) (*Token, error) {
	return m.request(ctx, databasePath, opts, false)
}

func (m *Manager) request(ctx context.Context, databasePath string, opts RequestOptions, wait bool) (*Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := ResolveIdentity(databasePath)
	if err != nil {
		return nil, err
	}
	begin := m.clock.Now()
	logger := m.logger.With("db", string(id))
	e := m.reg.acquire(id)
	m.reg.update(e, func(e *entry) { e.waiting++ })
	m.metrics.addWaiting(1)

	h, err := m.lock(ctx, e, wait)

	m.metrics.addWaiting(-1)
	m.reg.update(e, func(e *entry) {
		e.waiting--
		if err == nil {
			e.held = true
		}
	})
	m.metrics.recordAcquire(ctx, m.clock.Now().Sub(begin), err)
	if err != nil {
		m.reg.release(e)
		if errors.Is(err, ErrBusy) {
			logger.Debug("lease.acquire.busy")
		} else {
			logger.Debug("lease.acquire.error", "error", err)
		}
		return nil, err
	}

	t := &Token{
		id:         xid.New().String(),
		identity:   id,
		lockPath:   h.Path(),
		acquiredAt: m.clock.Now(),
		maxHold:    opts.MaxHold,
		m:          m,
		e:          e,
		h:          h,
		done:       make(chan struct{}),
	}
	m.metrics.addActive(1)
	if opts.MaxHold > 0 {
		t.armDeadline(m.clock.NewTimer(opts.MaxHold))
	}
	if m.cfg.WatchLockFile {
		if err := t.watchLockFile(); err != nil {
			logger.Warn("lease.watch.unavailable", "lock", t.lockPath, "error", err)
		}
	}
	logger.Debug("lease.acquire.success",
		"lease", t.id,
		"lock", t.lockPath,
		"waited", t.acquiredAt.Sub(begin),
		"max_hold", opts.MaxHold,
	)
	return t, nil
}

// lock takes the in-process slot and then the kernel lock. Every failure path
// returns the slot and closes any descriptor it opened.
func (m *Manager) lock(ctx context.Context, e *entry, wait bool) (*lockfile.Handle, error) {
	if wait {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case e.sem <- struct{}{}:
		default:
			return nil, ErrBusy
		}
	}
	path := lockfile.Path(string(e.id), m.cfg.Suffix)
	lockOpts := lockfile.Options{Mode: m.cfg.Mode, Offset: m.cfg.Offset}
	for attempt := 0; ; attempt++ {
		h, err := m.lockOnce(ctx, path, lockOpts, wait)
		if err == nil {
			return h, nil
		}
		if errors.Is(err, lockfile.ErrLockFileReplaced) && attempt < maxReplacedRetries {
			m.logger.Info("lease.acquire.lock_file_replaced", "lock", path, "attempt", attempt+1)
			continue
		}
		<-e.sem
		return nil, err
	}
}

func (m *Manager) lockOnce(ctx context.Context, path string, opts lockfile.Options, wait bool) (*lockfile.Handle, error) {
	h, err := lockfile.Open(path, opts)
	if err != nil {
		return nil, err
	}
	if wait {
		err = h.Acquire(ctx)
	} else {
		var ok bool
		ok, err = h.TryAcquire()
		if err == nil && !ok {
			err = ErrBusy
		}
	}
	if err == nil {
		err = h.Verify()
	}
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			m.logger.Warn("lease.acquire.close_failed", "lock", path, "error", cerr)
		}
		return nil, err
	}
	return h, nil
}

// Release ends the lease held by t. See Token.Release.
func (m *Manager) Release(t *Token) error {
	if t == nil {
		return fmt.Errorf("lease: nil token: %w", ErrLeaseAlreadyReleased)
	}
	return t.Release()
}

// teardown drops the kernel lock, closes the descriptor and frees the
// in-process slot. It runs exactly once per token.
func (m *Manager) teardown(t *Token, reason string) error {
	m.reg.update(t.e, func(e *entry) { e.releasing = true })
	var errs []error
	if err := t.h.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := t.h.Close(); err != nil {
		errs = append(errs, err)
	}
	m.reg.update(t.e, func(e *entry) {
		e.releasing = false
		e.held = false
	})
	<-t.e.sem
	m.reg.release(t.e)
	m.metrics.addActive(-1)
	err := errors.Join(errs...)
	held := m.clock.Now().Sub(t.acquiredAt)
	m.metrics.recordRelease(held, reason, err)
	logger := m.logger.With("db", string(t.identity), "lease", t.id)
	if err != nil {
		logger.Warn("lease.release.error", "reason", reason, "held", held, "error", err)
	} else {
		logger.Debug("lease.release.success", "reason", reason, "held", held)
	}
	return err
}
