package litehalt

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/litehalt/internal/clock"
	"pkt.systems/litehalt/internal/lease"
	"pkt.systems/litehalt/internal/lockfile"
	"pkt.systems/litehalt/internal/loggingutil"
)

// State is the in-process halt state of a database.
type State = lease.State

// Halt states, as reported by Coordinator.State.
const (
	StateIdle      = lease.StateIdle
	StateAcquiring = lease.StateAcquiring
	StateHeld      = lease.StateHeld
	StateReleasing = lease.StateReleasing
)

// Coordinator runs operations while replication of a database is halted.
// A Coordinator is safe for concurrent use; halts on the same database are
// serialised, halts on different databases proceed independently.
type Coordinator struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	leases *lease.Manager
	tracer trace.Tracer

	serializeProbe bool
}

// NewCoordinator constructs a Coordinator according to cfg.
// Example:
//
//	hc, err := litehalt.NewCoordinator(litehalt.Config{MaxHold: time.Minute})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer hc.Close()
//	err = hc.WithHalt(ctx, "/litefs/app.db", func(ctx context.Context) error {
//	    return backup(ctx)
//	})
func NewCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := loggingutil.WithSubsystem(o.Logger, "halt.coordinator")
	clk := clock.Or(o.Clock)
	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		leases: lease.NewManager(cfg.leaseConfig(),
			lease.WithLogger(loggingutil.EnsureLogger(o.Logger)),
			lease.WithClock(clk),
			lease.WithMeterProvider(o.MeterProvider),
		),
		tracer:         otel.Tracer("pkt.systems/litehalt"),
		serializeProbe: !lockfile.PerDescriptor,
	}, nil
}

// Close detaches the coordinator's metrics from the meter provider. Halts in
// progress are unaffected and the coordinator remains usable, but a
// coordinator that is dropped without Close stays reachable from the meter.
func (c *Coordinator) Close() error {
	return c.leases.Close()
}

// Config returns the validated configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// LockPath returns the lock file used to halt databasePath.
func (c *Coordinator) LockPath(databasePath string) (string, error) {
	return c.leases.LockPath(databasePath)
}

// State reports the in-process halt state for databasePath.
func (c *Coordinator) State(databasePath string) State {
	return c.leases.State(databasePath)
}

// Waiters reports how many callers in this process wait to halt databasePath.
func (c *Coordinator) Waiters(databasePath string) int {
	return c.leases.Waiters(databasePath)
}

// WithHalt halts replication of databasePath, runs op and resumes
// replication. The halt is released whether op returns, fails or panics; a
// panic continues after the release.
//
// An error from op is returned as is when the release succeeds. Every other
// failure is a *HaltError naming the phase it happened in.
func (c *Coordinator) WithHalt(ctx context.Context, databasePath string, op func(context.Context) error) error {
	_, err := run(ctx, c, databasePath, true, unit(op))
	return err
}

// TryWithHalt is WithHalt without waiting: when the halt is held elsewhere it
// returns an acquire *HaltError wrapping ErrHaltBusy and op does not run.
func (c *Coordinator) TryWithHalt(ctx context.Context, databasePath string, op func(context.Context) error) error {
	_, err := run(ctx, c, databasePath, false, unit(op))
	return err
}

// Do is WithHalt for operations that produce a value. When the operation
// succeeds but the halt expired before it returned, the value is returned
// together with a PhaseHold *HaltError.
func Do[T any](ctx context.Context, c *Coordinator, databasePath string, op func(context.Context) (T, error)) (T, error) {
	return run(ctx, c, databasePath, true, op)
}

func unit(op func(context.Context) error) func(context.Context) (struct{}, error) {
	if op == nil {
		return nil
	}
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}
}

var defaultCoordinator = sync.OnceValues(func() (*Coordinator, error) {
	return NewCoordinator(Config{})
})

// WithHalt runs op under a halt of databasePath using a coordinator with the
// default configuration.
func WithHalt(ctx context.Context, databasePath string, op func(context.Context) error) error {
	c, err := defaultCoordinator()
	if err != nil {
		return &HaltError{Phase: PhaseAcquire, Path: databasePath, Err: err}
	}
	return c.WithHalt(ctx, databasePath, op)
}

func run[T any](ctx context.Context, c *Coordinator, databasePath string, wait bool, op func(context.Context) (T, error)) (result T, err error) {
	if c == nil {
		if c, err = defaultCoordinator(); err != nil {
			return result, &HaltError{Phase: PhaseAcquire, Path: databasePath, Err: err}
		}
	}
	if op == nil {
		return result, &HaltError{Phase: PhaseRun, Path: databasePath, Err: errors.New("nil operation")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "litehalt.halt", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("litehalt.db", databasePath),
		attribute.Bool("litehalt.wait", wait),
	)
	logger := c.logger.With("db", databasePath)
	begin := c.clock.Now()

	tok, err := c.acquire(ctx, databasePath, wait)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire_error")
		if errors.Is(err, ErrHaltBusy) {
			logger.Debug("halt.acquire.busy")
		} else {
			logger.Warn("halt.acquire.error", "error", err, "elapsed", c.clock.Now().Sub(begin))
		}
		return result, &HaltError{Phase: PhaseAcquire, Path: databasePath, Err: err}
	}
	span.AddEvent("litehalt.halt.acquired", trace.WithAttributes(
		attribute.String("litehalt.lease", tok.ID()),
		attribute.Int64("litehalt.wait_ms", c.clock.Now().Sub(begin).Milliseconds()),
	))
	logger = logger.With("lease", tok.ID())
	logger.Debug("halt.acquire.success", "lock", tok.LockPath())

	opCtx, cancel := tok.Context(ctx)
	released := false
	defer func() {
		if released {
			return
		}
		cancel()
		if rerr := tok.Release(); rerr != nil && !errors.Is(rerr, ErrLeaseAlreadyReleased) {
			logger.Warn("halt.release.after_panic_error", "error", rerr)
		} else {
			logger.Warn("halt.release.after_panic")
		}
	}()

	runBegin := c.clock.Now()
	result, opErr := op(opCtx)
	cancel()
	relErr := tok.Release()
	released = true

	held := c.clock.Now().Sub(runBegin)
	span.AddEvent("litehalt.halt.released", trace.WithAttributes(
		attribute.Int64("litehalt.held_ms", held.Milliseconds()),
	))
	err = outcome(databasePath, opErr, relErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(phaseOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	switch {
	case opErr != nil && relErr != nil:
		logger.Warn("halt.release.suppressed", "error", opErr, "suppressed", relErr, "held", held)
	case relErr != nil:
		logger.Warn("halt.release.error", "error", relErr, "held", held)
	case opErr != nil:
		logger.Debug("halt.run.error", "error", opErr, "held", held)
	default:
		logger.Debug("halt.run.success", "held", held)
	}
	return result, err
}

func (c *Coordinator) acquire(ctx context.Context, databasePath string, wait bool) (*lease.Token, error) {
	opts := lease.RequestOptions{MaxHold: c.cfg.MaxHold}
	if !wait {
		return c.leases.TryRequest(ctx, databasePath, opts)
	}
	if c.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		defer cancel()
	}
	return c.leases.Request(ctx, databasePath, opts)
}

// outcome decides what the caller sees once the operation returned and the
// halt was released.
func outcome(path string, opErr, relErr error) error {
	switch {
	case relErr == nil:
		return opErr
	case opErr != nil:
		return &HaltError{Phase: PhaseRun, Path: path, Err: opErr, Suppressed: relErr}
	case forcedRelease(relErr):
		return &HaltError{Phase: PhaseHold, Path: path, Err: relErr}
	default:
		return &HaltError{Phase: PhaseRelease, Path: path, Err: relErr}
	}
}

func phaseOf(err error) Phase {
	var herr *HaltError
	if errors.As(err, &herr) {
		return herr.Phase
	}
	return PhaseRun
}

