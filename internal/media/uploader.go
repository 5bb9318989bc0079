// Package media copies a crawled product's images into a blob store.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/metrics"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// Upload statuses.
const (
	StatusCompleted = "completed"
	StatusNoImages  = "no_images"
)

const (
	defaultBaseFolder  = "product"
	defaultConcurrency = 4
	maxTitleRunes      = 30
	timestampLayout    = "20060102_150405"
)

var extensions = []struct {
	ext         string
	contentType string
}{
	{".jpg", "image/jpeg"},
	{".jpeg", "image/jpeg"},
	{".png", "image/png"},
	{".gif", "image/gif"},
	{".webp", "image/webp"},
}

// Hasher digests image bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config controls the uploader.
type Config struct {
	BaseFolder  string
	Concurrency int
	// MaxImages caps uploads per product; zero uploads all.
	MaxImages int
}

// ImageResult is the outcome for a single image.
type ImageResult struct {
	Index       int    `json:"index"`
	OriginalURL string `json:"original_url"`
	Key         string `json:"key,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int    `json:"file_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Checksum    string `json:"sha256,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UploadResult summarizes one product's uploads.
type UploadResult struct {
	ProductIndex int           `json:"product_index"`
	ProductTitle string        `json:"product_title"`
	ProductURL   string        `json:"product_url"`
	Status       string        `json:"status"`
	Folder       string        `json:"upload_folder,omitempty"`
	Uploaded     []ImageResult `json:"uploaded_images"`
	Failed       []ImageResult `json:"failed_images"`
	SuccessCount int           `json:"success_count"`
	FailCount    int           `json:"fail_count"`
}

// Uploader downloads images through a Fetcher and writes them to a BlobStore.
type Uploader struct {
	cfg     Config
	fetcher pipeline.Fetcher
	store   pipeline.BlobStore
	clock   pipeline.Clock
	hasher  Hasher
	logger  *zap.Logger
}

// New builds an Uploader. The hasher is optional.
func New(
	cfg Config,
	fetcher pipeline.Fetcher,
	store pipeline.BlobStore,
	clock pipeline.Clock,
	hasher Hasher,
	logger *zap.Logger,
) (*Uploader, error) {
	switch {
	case fetcher == nil:
		return nil, errors.New("media: fetcher is required")
	case store == nil:
		return nil, errors.New("media: blob store is required")
	case clock == nil:
		return nil, errors.New("media: clock is required")
	}
	if cfg.BaseFolder == "" {
		cfg.BaseFolder = defaultBaseFolder
	}
	cfg.BaseFolder = strings.Trim(cfg.BaseFolder, "/")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		clock:   clock,
		hasher:  hasher,
		logger:  logger.Named("media"),
	}, nil
}

// Upload copies every image of product into the store. Per-image failures are
// reported in the result; only cancellation returns an error.
func (u *Uploader) Upload(ctx context.Context, runID string, index int, product detail.ProductDetail) (UploadResult, error) {
	result := UploadResult{
		ProductIndex: index,
		ProductTitle: product.Title,
		ProductURL:   product.URL,
		Status:       StatusCompleted,
		Uploaded:     []ImageResult{},
		Failed:       []ImageResult{},
	}
	images := product.Images
	if u.cfg.MaxImages > 0 && len(images) > u.cfg.MaxImages {
		images = images[:u.cfg.MaxImages]
	}
	if len(images) == 0 {
		result.Status = StatusNoImages
		u.logger.Warn("no images to upload", zap.Int("product_index", index), zap.String("url", product.URL))
		return result, nil
	}

	folder := u.Folder(index, product.Title)
	outcomes := make([]ImageResult, len(images))

	var g errgroup.Group
	g.SetLimit(u.cfg.Concurrency)
	for i, imageURL := range images {
		g.Go(func() error {
			outcomes[i] = u.uploadOne(ctx, runID, folder, i+1, imageURL)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("upload canceled: %w", err)
	}

	for _, outcome := range outcomes {
		if outcome.Error != "" {
			result.Failed = append(result.Failed, outcome)
			continue
		}
		result.Uploaded = append(result.Uploaded, outcome)
	}
	result.SuccessCount = len(result.Uploaded)
	result.FailCount = len(result.Failed)
	if result.SuccessCount > 0 {
		result.Folder = folder
	}
	u.logger.Info("product images uploaded",
		zap.Int("product_index", index),
		zap.Int("uploaded", result.SuccessCount),
		zap.Int("failed", result.FailCount),
	)
	return result, nil
}

// Folder returns the object prefix for a product's images.
func (u *Uploader) Folder(index int, title string) string {
	stamp := u.clock.Now().Format(timestampLayout)
	return fmt.Sprintf("%s/%s_product_%d_%s", u.cfg.BaseFolder, stamp, index, SafeTitle(title))
}

func (u *Uploader) uploadOne(ctx context.Context, runID, folder string, n int, imageURL string) ImageResult {
	out := ImageResult{Index: n, OriginalURL: imageURL}
	fail := func(msg string, err error) ImageResult {
		out.Error = msg
		if err != nil {
			out.Error = fmt.Sprintf("%s: %v", msg, err)
		}
		metrics.ObserveImage("error")
		u.logger.Warn("image upload failed", zap.Int("image", n), zap.String("url", imageURL), zap.String("error", out.Error))
		return out
	}
	if strings.TrimSpace(imageURL) == "" {
		return fail("missing url", nil)
	}

	resp, err := u.fetcher.Fetch(ctx, pipeline.FetchRequest{RunID: runID, URL: imageURL})
	if err != nil {
		return fail("download failed", err)
	}
	if resp.StatusCode != 0 && resp.StatusCode != 200 {
		return fail(fmt.Sprintf("download status %d", resp.StatusCode), nil)
	}
	if len(resp.Body) == 0 {
		return fail("empty image", nil)
	}

	ext, contentType := DetectType(imageURL)
	key := fmt.Sprintf("%s/image_%03d%s", folder, n, ext)
	uri, err := u.store.PutObject(ctx, key, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return fail("store failed", err)
	}
	if u.hasher != nil {
		sum, err := u.hasher.Hash(resp.Body)
		if err == nil {
			out.Checksum = sum
		}
	}
	out.Key = key
	out.URL = uri
	out.Size = len(resp.Body)
	out.ContentType = contentType
	metrics.ObserveImage("success")
	return out
}

// DetectType maps the URL path's extension to a file extension and MIME type,
// defaulting to JPEG.
func DetectType(imageURL string) (string, string) {
	p := imageURL
	if parsed, err := url.Parse(imageURL); err == nil {
		p = parsed.Path
	}
	p = strings.ToLower(p)
	for _, e := range extensions {
		if strings.Contains(p, e.ext) {
			return e.ext, e.contentType
		}
	}
	return ".jpg", "image/jpeg"
}

var titleReplacer = strings.NewReplacer("/", "-", `\`, "-", " ", "_")

// SafeTitle makes a title usable as a path segment, truncated to 30 runes.
func SafeTitle(title string) string {
	safe := titleReplacer.Replace(title)
	if r := []rune(safe); len(r) > maxTitleRunes {
		safe = string(r[:maxTitleRunes])
	}
	if safe == "." || safe == ".." {
		return "_"
	}
	return safe
}
