package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-discovery/internal/storage/local"
	"github.com/JakeFAU/product-discovery/internal/storage/memory"
	"github.com/JakeFAU/product-discovery/internal/storage/s3"
)

func TestNewBlobStoreBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, closeFn, err := NewBlobStore(ctx, Config{})
	require.NoError(t, err)
	require.IsType(t, &memory.BlobStore{}, store)
	require.NoError(t, closeFn())

	store, _, err = NewBlobStore(ctx, Config{Backend: BackendLocal, Local: local.Config{BaseDir: t.TempDir()}})
	require.NoError(t, err)
	require.IsType(t, &local.BlobStore{}, store)

	store, _, err = NewBlobStore(ctx, Config{Backend: BackendS3, S3: s3.Config{Bucket: "images"}})
	require.NoError(t, err)
	require.IsType(t, &s3.BlobStore{}, store)
}

func TestNewBlobStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []Config{
		{Backend: "ftp"},
		{Backend: BackendLocal},
		{Backend: BackendS3},
	}
	for _, cfg := range tests {
		_, closeFn, err := NewBlobStore(ctx, cfg)
		require.Error(t, err, cfg.Backend)
		require.NotNil(t, closeFn)
	}
}
