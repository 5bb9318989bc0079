// Package keywords fetches trending shopping keywords from the Naver DataLab
// category ranking and samples one for a pipeline run.
package keywords

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// Provider tags accepted by Search.
const (
	TagNaver      = "naver"
	TagNaverStore = "naver_store"

	// DefaultEndpoint is the DataLab shopping insight category keyword ranking.
	DefaultEndpoint = "https://datalab.naver.com/shoppingInsight/getCategoryKeywordRank.naver"
	// DefaultCategory is the fashion clothing top-level category id.
	DefaultCategory = "50000000"

	dateLayout = "2006-01-02"
	referer    = "https://datalab.naver.com/shoppingInsight/sCategory.naver"
)

// Config controls the DataLab client.
type Config struct {
	Endpoint        string
	DefaultCategory string
	Count           int
	UserAgent       string
	Timeout         time.Duration
}

// Request selects the ranking to sample from. Dates are YYYY-MM-DD.
type Request struct {
	Tag       string `json:"tag"`
	Category  string `json:"category"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Result is the sampled keyword plus the ranking it came from.
type Result struct {
	Keyword       string         `json:"keyword"`
	Rank          int            `json:"rank"`
	Category      string         `json:"category"`
	TotalKeywords map[int]string `json:"total_keyword"`
}

// Option customizes a Source.
type Option func(*Source)

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.http = c
		}
	}
}

// WithRand sets the random source used by Sample.
func WithRand(r *rand.Rand) Option {
	return func(s *Source) {
		if r != nil {
			s.rnd = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Source is the DataLab-backed keyword source.
type Source struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

type rankResponse struct {
	StatusCode int    `json:"statusCode"`
	ReturnCode int    `json:"returnCode"`
	Message    string `json:"message"`
	Ranks      []struct {
		Rank    int    `json:"rank"`
		Keyword string `json:"keyword"`
	} `json:"ranks"`
}

// New builds a Source.
func New(cfg Config, opts ...Option) *Source {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = DefaultCategory
	}
	if cfg.Count <= 0 {
		cfg.Count = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Source{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zap.NewNop(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // sampling, not security
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search validates the request, fetches the ranking and samples one keyword.
func (s *Source) Search(ctx context.Context, req Request) (Result, error) {
	category, err := s.resolveCategory(req)
	if err != nil {
		return Result{}, err
	}
	if err := ValidateDates(req.StartDate, req.EndDate); err != nil {
		return Result{}, err
	}
	ranks, err := s.FetchTrendingKeywords(ctx, category, req.StartDate, req.EndDate)
	if err != nil {
		return Result{}, err
	}
	rank, keyword := s.Sample(ranks)
	s.logger.Info("trending keyword sampled",
		zap.String("tag", req.Tag),
		zap.String("category", category),
		zap.Int("rank", rank),
		zap.String("keyword", keyword),
		zap.Int("total", len(ranks)),
	)
	return Result{Keyword: keyword, Rank: rank, Category: category, TotalKeywords: ranks}, nil
}

func (s *Source) resolveCategory(req Request) (string, error) {
	category := strings.TrimSpace(req.Category)
	switch req.Tag {
	case TagNaver, "":
		if category == "" {
			return "", fmt.Errorf("%w: category is required for tag %q", pipeline.ErrInvalidInput, TagNaver)
		}
	case TagNaverStore:
		if category == "" {
			category = s.cfg.DefaultCategory
		}
	default:
		return "", fmt.Errorf("%w: unknown tag %q", pipeline.ErrInvalidInput, req.Tag)
	}
	return category, nil
}

// ValidateDates checks both dates parse as YYYY-MM-DD and start <= end.
func ValidateDates(start, end string) error {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return fmt.Errorf("%w: start date %q: want YYYY-MM-DD", pipeline.ErrInvalidInput, start)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return fmt.Errorf("%w: end date %q: want YYYY-MM-DD", pipeline.ErrInvalidInput, end)
	}
	if from.After(to) {
		return fmt.Errorf("%w: start date %s is after end date %s", pipeline.ErrInvalidInput, start, end)
	}
	return nil
}

// FetchTrendingKeywords returns rank -> keyword for the category and period.
// Transport, decode and empty-ranking failures wrap pipeline.ErrSourceUnavailable.
func (s *Source) FetchTrendingKeywords(ctx context.Context, category, startDate, endDate string) (map[int]string, error) {
	form := url.Values{}
	form.Set("cid", category)
	form.Set("timeUnit", "date")
	form.Set("startDate", startDate)
	form.Set("endDate", endDate)
	form.Set("age", "")
	form.Set("gender", "")
	form.Set("device", "")
	form.Set("page", "1")
	form.Set("count", strconv.Itoa(s.cfg.Count))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", pipeline.ErrSourceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Referer", referer)
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", pipeline.ErrSourceUnavailable, resp.StatusCode)
	}
	var body rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode ranking: %v", pipeline.ErrSourceUnavailable, err)
	}
	ranks := make(map[int]string, len(body.Ranks))
	for _, r := range body.Ranks {
		kw := strings.TrimSpace(r.Keyword)
		if kw == "" || r.Rank <= 0 {
			continue
		}
		ranks[r.Rank] = kw
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("%w: empty ranking for category %s (%s)", pipeline.ErrSourceUnavailable, category, body.Message)
	}
	return ranks, nil
}

// Sample picks one entry uniformly. It returns (0, "") for an empty map.
func (s *Source) Sample(ranks map[int]string) (int, string) {
	if len(ranks) == 0 {
		return 0, ""
	}
	keys := make([]int, 0, len(ranks))
	for k := range ranks {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	s.mu.Lock()
	idx := s.rnd.Intn(len(keys))
	s.mu.Unlock()
	return keys[idx], ranks[keys[idx]]
}
