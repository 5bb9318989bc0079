// Package embedding builds the text embedder used by the ranker.
package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/embedding/onnx"
	"github.com/JakeFAU/product-discovery/internal/embedding/remote"
	"github.com/JakeFAU/product-discovery/internal/metrics"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// Backend names accepted by New.
const (
	BackendONNX = "onnx"
	BackendHTTP = "http"
)

// Config selects and configures an embedding backend.
type Config struct {
	Backend               string
	LibraryPath           string
	ModelPath             string
	TokenizerPath         string
	FallbackModelPath     string
	FallbackTokenizerPath string
	MaxSeqLen             int
	Endpoint              string
	Model                 string
	Timeout               time.Duration
}

// loaders are swapped in tests.
type loaders struct {
	onnx   func(onnx.Config) (pipeline.Embedder, error)
	remote func(endpoint, model string, timeout time.Duration) (pipeline.Embedder, error)
}

var defaultLoaders = loaders{
	onnx: func(cfg onnx.Config) (pipeline.Embedder, error) {
		enc, err := onnx.New(cfg)
		if err != nil {
			return nil, err
		}
		return enc, nil
	},
	remote: func(endpoint, model string, timeout time.Duration) (pipeline.Embedder, error) {
		c, err := remote.New(endpoint, model, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
}

// New loads the configured backend and wraps it with metrics. Failure to load
// any model wraps pipeline.ErrEmbedderUnavailable.
func New(cfg Config, logger *zap.Logger) (pipeline.Embedder, error) {
	return newWith(cfg, logger, defaultLoaders)
}

func newWith(cfg Config, logger *zap.Logger, l loaders) (pipeline.Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		emb pipeline.Embedder
		err error
	)
	switch cfg.Backend {
	case BackendONNX, "":
		emb, err = loadONNX(cfg, logger, l)
	case BackendHTTP:
		emb, err = l.remote(cfg.Endpoint, cfg.Model, cfg.Timeout)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrEmbedderUnavailable, err)
	}
	logger.Info("embedder ready", zap.String("backend", cfg.Backend), zap.String("model", emb.ModelID()))
	return Instrument(emb), nil
}

func loadONNX(cfg Config, logger *zap.Logger, l loaders) (pipeline.Embedder, error) {
	emb, err := l.onnx(onnx.Config{
		LibraryPath:   cfg.LibraryPath,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		MaxSeqLen:     cfg.MaxSeqLen,
	})
	if err == nil {
		return emb, nil
	}
	if cfg.FallbackModelPath == "" {
		return nil, err
	}
	logger.Warn("primary embedding model failed to load, using fallback",
		zap.String("model_path", cfg.ModelPath),
		zap.String("fallback_model_path", cfg.FallbackModelPath),
		zap.Error(err),
	)
	fallback, ferr := l.onnx(onnx.Config{
		LibraryPath:   cfg.LibraryPath,
		ModelPath:     cfg.FallbackModelPath,
		TokenizerPath: cfg.FallbackTokenizerPath,
		MaxSeqLen:     cfg.MaxSeqLen,
	})
	if ferr != nil {
		return nil, fmt.Errorf("primary: %v; fallback: %w", err, ferr)
	}
	return fallback, nil
}

// Instrument records call counts and latency for every Embed call.
func Instrument(next pipeline.Embedder) pipeline.Embedder {
	if _, ok := next.(*instrumented); ok {
		return next
	}
	return &instrumented{next: next}
}

type instrumented struct {
	next pipeline.Embedder
}

func (i *instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := i.next.Embed(ctx, text)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ObserveEmbedding(i.next.ModelID(), status, time.Since(start))
	return vec, err
}

func (i *instrumented) ModelID() string { return i.next.ModelID() }

func (i *instrumented) Close() error { return i.next.Close() }
