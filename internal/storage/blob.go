// Package storage selects and builds the blob store product images are
// uploaded to.
package storage

import (
	"context"
	"fmt"

	gcstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
	"github.com/JakeFAU/product-discovery/internal/storage/gcs"
	"github.com/JakeFAU/product-discovery/internal/storage/local"
	"github.com/JakeFAU/product-discovery/internal/storage/memory"
	"github.com/JakeFAU/product-discovery/internal/storage/s3"
)

// Supported backends.
const (
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Config selects a backend and carries the settings of each.
type Config struct {
	Backend string
	GCS     gcs.Config
	S3      s3.Config
	Local   local.Config
	// CheckBucket verifies GCS bucket access at startup.
	CheckBucket bool
}

// NewBlobStore builds the configured backend. The returned close function is
// never nil.
func NewBlobStore(ctx context.Context, cfg Config) (pipeline.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case BackendMemory, "":
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		store, err := local.New(cfg.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("local blob store: %w", err)
		}
		return store, noop, nil
	case BackendS3:
		store, err := s3.New(cfg.S3)
		if err != nil {
			return nil, noop, fmt.Errorf("s3 blob store: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, cfg.GCS)
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("gcs blob store: %w", err)
		}
		if cfg.CheckBucket {
			if err := store.CheckBucket(ctx); err != nil {
				_ = store.Close()
				return nil, noop, err
			}
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
