package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureConfig addresses an Azure Blob container.
type AzureConfig struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// AzureSink uploads snapshots to Azure Blob Storage.
type AzureSink struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// NewAzureSink constructs an AzureSink and makes sure the container exists.
func NewAzureSink(ctx context.Context, cfg AzureConfig) (*AzureSink, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	client, endpoint, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &AzureSink{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func newAzureClient(cfg AzureConfig) (*azblob.Client, string, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{
		Transport: &http.Client{Transport: defaultTransport()},
	}}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	if cfg.SASToken != "" {
		withSAS, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, "", err
		}
		client, err := azblob.NewClientWithNoCredential(withSAS, opts)
		if err != nil {
			return nil, "", fmt.Errorf("azure: create client: %w", err)
		}
		return client, endpoint, nil
	}
	if cfg.AccountKey == "" {
		return nil, "", fmt.Errorf("azure: account key or SAS token required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, "", fmt.Errorf("azure: build credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, "", fmt.Errorf("azure: create client: %w", err)
	}
	return client, endpoint, nil
}

func (s *AzureSink) String() string {
	return "azure://" + path.Join(strings.TrimPrefix(strings.TrimPrefix(s.endpoint, "https://"), "http://"), s.container, s.prefix)
}

func (s *AzureSink) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.UploadStream(ctx, s.container, path.Join(s.prefix, key), body, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return fmt.Errorf("azure: upload: %w", err)
	}
	return nil
}

func (s *AzureSink) Remove(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, path.Join(s.prefix, key), nil); err != nil {
		return fmt.Errorf("azure: delete blob: %w", err)
	}
	return nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}
