// Package snapshot copies a database while replication is halted and uploads
// the copy to a sink chosen by URL.
//
// The halt only covers the local copy into a spool file. Uploading, which may
// be slow and is retried, happens after replication has resumed.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/litehalt/internal/clock"
	"pkt.systems/litehalt/internal/loggingutil"
)

// ObjectSuffix is appended to every snapshot object name.
const ObjectSuffix = ".snapshot"

// Halter runs an operation while replication of a database is halted.
type Halter interface {
	WithHalt(ctx context.Context, databasePath string, op func(context.Context) error) error
}

// Sink stores snapshot objects.
type Sink interface {
	// Put stores size bytes from body under key. body is rewound by the
	// caller before every attempt.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// String describes the destination for logs, without credentials.
	String() string
}

// Options tune Take.
type Options struct {
	// Prefix is prepended to object keys.
	Prefix string
	// SpoolDir holds the local copy. Empty uses the directory of the database
	// so the copy stays on the same filesystem.
	SpoolDir string
	Retry    RetryConfig
	Logger   pslog.Logger
	Clock    clock.Clock
}

// Result describes an uploaded snapshot.
type Result struct {
	Key       string
	Size      int64
	SHA256    string
	TakenAt   time.Time
	HaltedFor time.Duration
	Attempts  int
	Sink      string
}

// ObjectKey names the snapshot of databasePath. UUIDv7 keeps keys for the
// same database in creation order.
func ObjectKey(prefix, databasePath string) string {
	return path.Join(strings.Trim(prefix, "/"), filepath.Base(databasePath), uuid.Must(uuid.NewV7()).String()+ObjectSuffix)
}

var tracer = otel.Tracer("pkt.systems/litehalt/snapshot")

// Take copies databasePath under a halt and uploads the copy to sink.
func Take(ctx context.Context, h Halter, sink Sink, databasePath string, opts Options) (res Result, err error) {
	if h == nil || sink == nil {
		return Result{}, errors.New("snapshot: halter and sink are required")
	}
	ctx, span := tracer.Start(ctx, "litehalt.snapshot", trace.WithAttributes(
		attribute.String("litehalt.db", databasePath),
		attribute.String("litehalt.sink", sink.String()),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("litehalt.snapshot.bytes", res.Size), attribute.Int("litehalt.snapshot.attempts", res.Attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "snapshot_error")
		}
		span.End()
	}()
	logger := loggingutil.WithSubsystem(opts.Logger, "snapshot").With("db", databasePath, "sink", sink.String())
	clk := clock.Or(opts.Clock)
	spoolDir := opts.SpoolDir
	if spoolDir == "" {
		spoolDir = filepath.Dir(databasePath)
	}
	spool, err := os.CreateTemp(spoolDir, ".litehalt-snapshot-*")
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: create spool: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	res = Result{Key: ObjectKey(opts.Prefix, databasePath), Sink: sink.String()}
	hash := sha256.New()
	err = h.WithHalt(ctx, databasePath, func(ctx context.Context) error {
		begin := clk.Now()
		res.TakenAt = begin
		defer func() { res.HaltedFor = clk.Now().Sub(begin) }()
		src, err := os.Open(databasePath)
		if err != nil {
			return fmt.Errorf("snapshot: open database: %w", err)
		}
		defer src.Close()
		n, err := io.Copy(io.MultiWriter(spool, hash), contextReader{ctx: ctx, r: src})
		if err != nil {
			return fmt.Errorf("snapshot: copy database: %w", err)
		}
		res.Size = n
		return spool.Sync()
	})
	if err != nil {
		logger.Warn("snapshot.copy.error", "error", err)
		return res, err
	}
	res.SHA256 = hex.EncodeToString(hash.Sum(nil))
	logger.Info("snapshot.copy.success", "bytes", res.Size, "halted", res.HaltedFor)

	res.Attempts, err = withRetry(ctx, logger, clk, opts.Retry, func(ctx context.Context) error {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("snapshot: rewind spool: %w", err)
		}
		return sink.Put(ctx, res.Key, spool, res.Size)
	})
	if err != nil {
		logger.Warn("snapshot.upload.error", "key", res.Key, "attempts", res.Attempts, "error", err)
		return res, fmt.Errorf("snapshot: upload %s: %w", res.Key, err)
	}
	logger.Info("snapshot.upload.success", "key", res.Key, "attempts", res.Attempts, "sha256", res.SHA256)
	return res, nil
}

// contextReader stops a copy once the halt's context ends, which happens when
// the halt is force-released.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, context.Cause(c.ctx)
	}
	return c.r.Read(p)
}
