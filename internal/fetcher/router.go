// Package fetcher routes fetch requests between the plain HTTP fetcher and the
// headless browser.
package fetcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// Router sends UseHeadless requests to the headless fetcher when one is
// configured and everything else to the HTTP fetcher.
type Router struct {
	http     pipeline.Fetcher
	headless pipeline.Fetcher
	logger   *zap.Logger
}

// NewRouter builds a Router. headless may be nil.
func NewRouter(httpFetcher, headless pipeline.Fetcher, logger *zap.Logger) (*Router, error) {
	if httpFetcher == nil {
		return nil, errors.New("http fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{http: httpFetcher, headless: headless, logger: logger}, nil
}

// Fetch implements pipeline.Fetcher.
func (r *Router) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if req.UseHeadless {
		if r.headless != nil {
			return r.headless.Fetch(ctx, req)
		}
		r.logger.Debug("headless fetch requested but not configured, using http",
			zap.String("url", req.URL),
			zap.String("run_id", req.RunID),
		)
	}
	return r.http.Fetch(ctx, req)
}
