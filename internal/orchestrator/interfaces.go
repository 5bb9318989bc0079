package orchestrator

import (
	"context"

	"github.com/JakeFAU/product-discovery/internal/content"
	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/keywords"
	"github.com/JakeFAU/product-discovery/internal/media"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// KeywordSource supplies a trending keyword.
type KeywordSource interface {
	Search(ctx context.Context, req keywords.Request) (keywords.Result, error)
}

// ProductSearcher turns a keyword into candidates.
type ProductSearcher interface {
	Search(ctx context.Context, keyword string) ([]pipeline.Candidate, error)
}

// Matcher filters candidates by keyword relevance.
type Matcher interface {
	Match(ctx context.Context, keyword string, candidates []pipeline.Candidate) ([]pipeline.MatchedCandidate, error)
}

// Ranker picks the product to promote.
type Ranker interface {
	Select(
		ctx context.Context,
		keyword string,
		matched []pipeline.MatchedCandidate,
		searchResults []pipeline.Candidate,
	) (pipeline.SelectionOutcome, error)
	SelectTopN(
		ctx context.Context,
		keyword string,
		matched []pipeline.MatchedCandidate,
		searchResults []pipeline.Candidate,
		n int,
	) (pipeline.SelectionOutcome, error)
}

// DetailCrawler scrapes a product page.
type DetailCrawler interface {
	Crawl(ctx context.Context, url string) (detail.ProductDetail, error)
}

// ImageUploader copies product images to blob storage.
type ImageUploader interface {
	Upload(ctx context.Context, runID string, index int, product detail.ProductDetail) (media.UploadResult, error)
}

// ContentGenerator writes the blog post.
type ContentGenerator interface {
	Generate(ctx context.Context, req content.Request) (content.BlogContent, error)
}
