// Package search finds candidate products for a keyword on the shopping site.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

const (
	// DefaultBaseURL is the shopping site searched by default.
	DefaultBaseURL = "https://ssadagu.kr"
	// MaxResults caps the candidates returned by one search.
	MaxResults = 40
)

// Config controls the product search.
type Config struct {
	BaseURL     string
	MaxResults  int
	UseHeadless bool
}

// Searcher queries the shopping site through a pipeline.Fetcher.
type Searcher struct {
	cfg     Config
	base    *url.URL
	fetcher pipeline.Fetcher
	logger  *zap.Logger
}

// New builds a Searcher.
func New(cfg Config, fetcher pipeline.Fetcher, logger *zap.Logger) (*Searcher, error) {
	if fetcher == nil {
		return nil, errors.New("search: fetcher is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > MaxResults {
		cfg.MaxResults = MaxResults
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("search: invalid base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{cfg: cfg, base: base, fetcher: fetcher, logger: logger}, nil
}

// SearchURL returns the site search URL for keyword.
func (s *Searcher) SearchURL(keyword string) string {
	return s.base.String() + "/shop/search.php?ss_tx=" + url.QueryEscape(keyword)
}

// Search returns up to MaxResults unique candidates for keyword. Candidates
// whose title is missing are resolved through FetchTitle or dropped. An empty
// slice is a valid result.
func (s *Searcher) Search(ctx context.Context, keyword string) ([]pipeline.Candidate, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("%w: empty keyword", pipeline.ErrInvalidInput)
	}
	searchURL := s.SearchURL(keyword)
	resp, err := s.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: searchURL, UseHeadless: s.cfg.UseHeadless})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSearchUnavailable, err)
	}
	found, err := s.parseResults(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSearchUnavailable, err)
	}

	out := make([]pipeline.Candidate, 0, len(found))
	for _, c := range found {
		if c.HasTitle() {
			out = append(out, c)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		title, ok, err := s.FetchTitle(ctx, c.URL)
		if err != nil || !ok {
			s.logger.Debug("dropping candidate without title", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		c.Title = title
		out = append(out, c)
	}
	s.logger.Info("product search complete",
		zap.String("keyword", keyword),
		zap.Int("found", len(found)),
		zap.Int("returned", len(out)),
	)
	return out, nil
}

// parseResults extracts product anchors in document order, deduplicated by URL.
func (s *Searcher) parseResults(body []byte) ([]pipeline.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	seen := make(map[string]struct{})
	var out []pipeline.Candidate
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if !isProductLink(href) {
			return true
		}
		full := s.resolve(href)
		if _, dup := seen[full]; dup {
			return true
		}
		seen[full] = struct{}{}
		out = append(out, pipeline.Candidate{URL: full, Title: anchorTitle(a)})
		return len(out) < s.cfg.MaxResults
	})
	return out, nil
}

func isProductLink(href string) bool {
	return strings.Contains(href, "view.php") &&
		(strings.Contains(href, "platform=1688") || strings.Contains(href, "num_iid"))
}

func anchorTitle(a *goquery.Selection) string {
	if title := strings.TrimSpace(a.AttrOr("title", "")); title != "" {
		return title
	}
	if text := strings.TrimSpace(a.Text()); text != "" {
		return strings.Join(strings.Fields(text), " ")
	}
	return pipeline.UnknownTitle
}

func (s *Searcher) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return s.base.ResolveReference(ref).String()
}

// FetchTitle loads a product page and reads its h1#kakaotitle heading. The
// bool is false when the page has no usable title.
func (s *Searcher) FetchTitle(ctx context.Context, productURL string) (string, bool, error) {
	resp, err := s.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: productURL, UseHeadless: s.cfg.UseHeadless})
	if err != nil {
		return "", false, fmt.Errorf("fetch title: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return "", false, fmt.Errorf("parse product page: %w", err)
	}
	title := strings.TrimSpace(doc.Find("h1#kakaotitle").First().Text())
	if title == "" {
		return "", false, nil
	}
	return title, true, nil
}
