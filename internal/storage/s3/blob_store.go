// Package s3 provides a BlobStore backed by Amazon S3 or any S3-compatible
// service such as MinIO.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const awsEndpoint = "s3.amazonaws.com"

// Config captures the connection parameters for the bucket.
type Config struct {
	// Endpoint is host[:port] or a URL; empty means AWS S3.
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	// PathStyle forces path-style bucket addressing (MinIO, test servers).
	PathStyle bool
	// PublicBaseURL overrides the returned object location prefix.
	PublicBaseURL string
}

// BlobStore uploads objects with minio-go.
type BlobStore struct {
	client *minio.Client
	cfg    Config
}

// New builds a BlobStore. Credentials fall back to the environment chain when
// no static keys are configured.
func New(cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "ap-northeast-2"
	}
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	cfg.Endpoint = endpoint
	cfg.UseSSL = secure

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.IAM{},
	})
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &BlobStore{client: client, cfg: cfg}, nil
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	if raw == "" {
		return awsEndpoint, true, nil
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid s3 endpoint %q", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

// PutObject uploads the object and returns its public URL.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	key := strings.TrimLeft(path, "/")
	if strings.TrimSpace(key) == "" {
		return "", errors.New("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return s.ObjectURL(key), nil
}

// ObjectURL returns the URL an uploaded key is served from.
func (s *BlobStore) ObjectURL(key string) string {
	key = strings.TrimLeft(key, "/")
	switch {
	case s.cfg.PublicBaseURL != "":
		return s.cfg.PublicBaseURL + "/" + key
	case s.cfg.Endpoint == awsEndpoint:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	default:
		scheme := "http"
		if s.cfg.UseSSL {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Endpoint, s.cfg.Bucket, key)
	}
}
