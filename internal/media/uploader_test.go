package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/hash/sha256"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
	"github.com/JakeFAU/product-discovery/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	status map[string]int
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return pipeline.FetchResponse{}, err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return pipeline.FetchResponse{}, errors.New("connection refused")
	}
	status := 200
	if s, ok := f.status[req.URL]; ok {
		status = s
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: status, Body: body}, nil
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

var stamp = time.Date(2025, 9, 1, 12, 30, 45, 0, time.UTC)

func newUploader(t *testing.T, fetcher pipeline.Fetcher, store pipeline.BlobStore, cfg Config) *Uploader {
	t.Helper()
	u, err := New(cfg, fetcher, store, fixedClock{stamp}, sha256.New(), nil)
	require.NoError(t, err)
	return u
}

func TestUploadWritesImagesUnderProductFolder(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://cdn.example.com/a.png":         []byte("png-bytes"),
		"https://cdn.example.com/b.webp?w=100":  []byte("webp-bytes"),
		"https://cdn.example.com/c":             []byte("jpeg-bytes"),
		"https://cdn.example.com/missing.jpg":   nil,
		"https://cdn.example.com/forbidden.gif": []byte("nope"),
	}, status: map[string]int{"https://cdn.example.com/forbidden.gif": 403}}
	delete(fetcher.bodies, "https://cdn.example.com/missing.jpg")

	store := memory.NewBlobStore()
	u := newUploader(t, fetcher, store, Config{Concurrency: 2})

	product := detail.ProductDetail{
		URL:   "https://ssadagu.kr/shop/view.php?platform=1688&num_iid=1",
		Title: "여름 원피스 / 린넨 소재 롱 드레스 무료배송 특가 상품",
		Images: []string{
			"https://cdn.example.com/a.png",
			"https://cdn.example.com/b.webp?w=100",
			"https://cdn.example.com/c",
			"https://cdn.example.com/missing.jpg",
			"https://cdn.example.com/forbidden.gif",
		},
	}
	result, err := u.Upload(context.Background(), "run-1", 0, product)
	require.NoError(t, err)

	folder := "product/20250901_123045_product_0_" + SafeTitle(product.Title)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, folder, result.Folder)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 2, result.FailCount)

	require.Len(t, result.Uploaded, 3)
	assert.Equal(t, folder+"/image_001.png", result.Uploaded[0].Key)
	assert.Equal(t, "image/png", result.Uploaded[0].ContentType)
	assert.Equal(t, folder+"/image_002.webp", result.Uploaded[1].Key)
	assert.Equal(t, folder+"/image_003.jpg", result.Uploaded[2].Key)
	assert.Equal(t, "memory://"+folder+"/image_003.jpg", result.Uploaded[2].URL)
	assert.Len(t, result.Uploaded[0].Checksum, 64)
	assert.Equal(t, len("png-bytes"), result.Uploaded[0].Size)

	require.Len(t, result.Failed, 2)
	assert.Equal(t, 4, result.Failed[0].Index)
	assert.Contains(t, result.Failed[0].Error, "download failed")
	assert.Equal(t, 5, result.Failed[1].Index)
	assert.Contains(t, result.Failed[1].Error, "403")

	obj, ok := store.Get(folder + "/image_002.webp")
	require.True(t, ok)
	assert.Equal(t, "image/webp", obj.ContentType)
	assert.Equal(t, "webp-bytes", string(obj.Data))
	assert.Len(t, store.Keys(), 3)
}

func TestUploadNoImages(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	u := newUploader(t, fetcher, memory.NewBlobStore(), Config{})
	result, err := u.Upload(context.Background(), "run-1", 2, detail.ProductDetail{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusNoImages, result.Status)
	assert.Empty(t, result.Folder)
	assert.Zero(t, fetcher.calls)
}

func TestUploadMaxImages(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://x/1.jpg": []byte("1"),
		"https://x/2.jpg": []byte("2"),
		"https://x/3.jpg": []byte("3"),
	}}
	u := newUploader(t, fetcher, memory.NewBlobStore(), Config{MaxImages: 2, BaseFolder: "/images/"})
	result, err := u.Upload(context.Background(), "run-1", 1, detail.ProductDetail{
		Title:  "t",
		Images: []string{"https://x/1.jpg", "https://x/2.jpg", "https://x/3.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, "images/20250901_123045_product_1_t", result.Folder)
}

func TestUploadStoreFailureIsReported(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://x/1.jpg": []byte("1")}}
	u := newUploader(t, fetcher, failingStore{}, Config{})
	result, err := u.Upload(context.Background(), "run-1", 0, detail.ProductDetail{Images: []string{"https://x/1.jpg", ""}})
	require.NoError(t, err)
	assert.Zero(t, result.SuccessCount)
	require.Len(t, result.Failed, 2)
	assert.Contains(t, result.Failed[0].Error, "bucket gone")
	assert.Equal(t, "missing url", result.Failed[1].Error)
	assert.Empty(t, result.Folder)
}

func TestUploadCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://x/1.jpg": []byte("1")}}
	u := newUploader(t, fetcher, memory.NewBlobStore(), Config{})
	_, err := u.Upload(ctx, "run-1", 0, detail.ProductDetail{Images: []string{"https://x/1.jpg"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	clock := fixedClock{stamp}
	_, err := New(Config{}, nil, memory.NewBlobStore(), clock, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, &fakeFetcher{}, nil, clock, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, &fakeFetcher{}, memory.NewBlobStore(), nil, nil, nil)
	require.Error(t, err)
}

func TestDetectType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url, ext, contentType string
	}{
		{"https://x/a.JPG", ".jpg", "image/jpeg"},
		{"https://x/a.jpeg", ".jpeg", "image/jpeg"},
		{"https://x/a.png?x=.gif", ".png", "image/png"},
		{"https://x/a.gif", ".gif", "image/gif"},
		{"https://x/a.webp", ".webp", "image/webp"},
		{"https://x/a.bmp", ".jpg", "image/jpeg"},
		{"https://x/img", ".jpg", "image/jpeg"},
	}
	for _, tc := range tests {
		ext, ct := DetectType(tc.url)
		assert.Equal(t, tc.ext, ext, tc.url)
		assert.Equal(t, tc.contentType, ct, tc.url)
	}
}

func TestSafeTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a-b-c_d", SafeTitle(`a/b\c d`))
	assert.Equal(t, "_", SafeTitle(".."))
	long := SafeTitle("가나다라마바사아자차카타파하가나다라마바사아자차카타파하가나다라마바사")
	assert.Equal(t, 30, len([]rune(long)))
}
