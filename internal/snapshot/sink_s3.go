package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// S3Config addresses an S3-compatible bucket through minio-go.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// Creds overrides the default chain (LITEHALT_S3_* env, AWS env, MinIO
	// env, AWS credentials file, IAM).
	Creds *credentials.Credentials
}

// S3Sink uploads snapshots with minio-go.
type S3Sink struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Sink constructs an S3Sink.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Endpoint == "" {
		if cfg.Region != "" {
			cfg.Endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			cfg.Endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.Creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: defaultTransport(),
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Sink{client: client, cfg: cfg}, nil
}

func (s *S3Sink) String() string {
	return "s3://" + path.Join(s.cfg.Endpoint, s.cfg.Bucket, s.cfg.Prefix)
}

// Client exposes the minio client (for verification in tooling and tests).
func (s *S3Sink) Client() *minio.Client { return s.client }

// Bucket returns the target bucket.
func (s *S3Sink) Bucket() string { return s.cfg.Bucket }

// ObjectName maps a snapshot key to the object name inside the bucket.
func (s *S3Sink) ObjectName(key string) string {
	return path.Join(s.cfg.Prefix, key)
}

func (s *S3Sink) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.ObjectName(key), body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

const contentType = "application/vnd.sqlite3"

func (s *S3Sink) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.ObjectName(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3: remove object: %w", err)
	}
	return nil
}

// defaultTransport is shared by the object store sinks. Requests are traced
// through otelhttp so uploads show up under the snapshot span.
func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return otelhttp.NewTransport(&http.Transport{})
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = time.Second
	}
	return otelhttp.NewTransport(clone)
}
