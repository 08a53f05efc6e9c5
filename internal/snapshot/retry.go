package snapshot

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	smithy "github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"pkt.systems/pslog"

	"pkt.systems/litehalt/internal/clock"
)

const (
	// DefaultRetryMaxAttempts bounds upload attempts.
	DefaultRetryMaxAttempts = 5
	// DefaultRetryBaseDelay is the delay after the first failed attempt.
	DefaultRetryBaseDelay = 200 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff between attempts.
	DefaultRetryMaxDelay = 5 * time.Second
	// DefaultRetryMultiplier grows the delay between attempts.
	DefaultRetryMultiplier = 2.0
)

// RetryConfig controls upload retries. Only transient failures are retried.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultRetryBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultRetryMultiplier
	}
	return c
}

func withRetry(ctx context.Context, logger pslog.Logger, clk clock.Clock, cfg RetryConfig, fn func(context.Context) error) (int, error) {
	cfg = cfg.withDefaults()
	delay := cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= cfg.MaxAttempts || !isTransient(err) {
			return attempt, err
		}
		logger.Warn("snapshot.upload.transient_error",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		timer := clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C():
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return retryableStatus(minioErr.StatusCode) || minioErr.Code == "SlowDown"
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return retryableStatus(respErr.StatusCode)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
			return true
		}
	}
	var transient interface{ Transient() bool }
	return errors.As(err, &transient) && transient.Transient()
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
