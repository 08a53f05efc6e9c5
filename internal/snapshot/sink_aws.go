package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AWSConfig addresses an AWS S3 bucket through the AWS SDK. Credentials come
// from the SDK's default chain.
type AWSConfig struct {
	Region         string
	Bucket         string
	Prefix         string
	Endpoint       string
	Insecure       bool
	ForcePathStyle bool
}

// AWSSink uploads snapshots with aws-sdk-go-v2.
type AWSSink struct {
	client *s3.Client
	cfg    AWSConfig
}

// NewAWSSink constructs an AWSSink.
func NewAWSSink(ctx context.Context, cfg AWSConfig) (*AWSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport()}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &AWSSink{client: client, cfg: cfg}, nil
}

func (s *AWSSink) String() string {
	return "aws://" + path.Join(s.cfg.Bucket, s.cfg.Prefix) + "?region=" + s.cfg.Region
}

func (s *AWSSink) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(path.Join(s.cfg.Prefix, key)),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("aws: put object: %w", err)
	}
	return nil
}

func (s *AWSSink) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path.Join(s.cfg.Prefix, key)),
	})
	if err != nil {
		return fmt.Errorf("aws: delete object: %w", err)
	}
	return nil
}
