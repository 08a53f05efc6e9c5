package snapshot

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Open builds the sink addressed by rawURL:
//
//	file:///var/backups           local directory (disk:// is an alias)
//	s3://host[:port]/bucket[/prefix]?insecure=true&path-style=true
//	aws://bucket[/prefix]?region=eu-north-1[&endpoint=host]
//	azure://account/container[/prefix][?endpoint=...&sas=...]
//
// A bare path is treated as a local directory.
func Open(ctx context.Context, rawURL string) (Sink, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("snapshot: destination is required")
	}
	if !strings.Contains(rawURL, "://") {
		return NewDiskSink(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse destination: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "disk":
		root := u.Path
		if u.Host != "" {
			root = u.Host + root
		}
		if root == "" {
			return nil, fmt.Errorf("snapshot: %s destination missing path", u.Scheme)
		}
		return NewDiskSink(root)
	case "s3":
		cfg, err := parseS3URL(u)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(cfg)
	case "aws":
		cfg, err := parseAWSURL(u)
		if err != nil {
			return nil, err
		}
		return NewAWSSink(ctx, cfg)
	case "azure":
		cfg, err := parseAzureURL(u)
		if err != nil {
			return nil, err
		}
		return NewAzureSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("snapshot: destination scheme %q not supported", u.Scheme)
	}
}

func parseS3URL(u *url.URL) (S3Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3Config{}, fmt.Errorf("s3 destination missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return S3Config{}, fmt.Errorf("s3 destination missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	cfg := S3Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       strings.EqualFold(query.Get("scheme"), "http") || boolParam(query, "insecure"),
		ForcePathStyle: boolParam(query, "path-style"),
	}
	creds, err := staticS3Credentials()
	if err != nil {
		return S3Config{}, err
	}
	cfg.Creds = creds
	return cfg, nil
}

// staticS3Credentials reads LITEHALT_S3_ACCESS_KEY_ID and friends. Nil means
// fall back to the default chain.
func staticS3Credentials() (*credentials.Credentials, error) {
	access := strings.TrimSpace(os.Getenv("LITEHALT_S3_ACCESS_KEY_ID"))
	secret := os.Getenv("LITEHALT_S3_SECRET_ACCESS_KEY")
	token := os.Getenv("LITEHALT_S3_SESSION_TOKEN")
	if access == "" && secret == "" && token == "" {
		return nil, nil
	}
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 credentials incomplete (need LITEHALT_S3_ACCESS_KEY_ID and LITEHALT_S3_SECRET_ACCESS_KEY)")
	}
	return credentials.NewStaticV4(access, secret, token), nil
}

func parseAWSURL(u *url.URL) (AWSConfig, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return AWSConfig{}, fmt.Errorf("aws destination missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = firstEnv("LITEHALT_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return AWSConfig{}, fmt.Errorf("aws destination requires region (?region= or AWS_REGION)")
	}
	return AWSConfig{
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Insecure:       boolParam(query, "insecure"),
		ForcePathStyle: boolParam(query, "path-style"),
	}, nil
}

func parseAzureURL(u *url.URL) (AzureConfig, error) {
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return AzureConfig{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return AzureConfig{}, fmt.Errorf("azure destination missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("LITEHALT_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	return AzureConfig{
		Account:    account,
		AccountKey: firstEnv("LITEHALT_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY"),
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucket(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func boolParam(query url.Values, name string) bool {
	v := query.Get(name)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
