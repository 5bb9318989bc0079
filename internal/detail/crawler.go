// Package detail crawls a selected product's page for price, options, material
// facts and image URLs.
package detail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// NoTitle is used when the page has no product heading.
const NoTitle = "제목 없음"

var (
	priceSelectors = []string{
		"span.price.gsItemPriceKWR",
		".pdt_price span.price",
		"span.price",
		".price",
	}
	ratingSelectors = []string{
		"a.start",
		"div[class*=star], div[class*=rating]",
		`a[href="#reviews_wrap"]`,
	}
	digitsRe = regexp.MustCompile(`\d+`)
	stockRe  = regexp.MustCompile(`재고\s*:\s*(\d+)`)
)

// Option is one purchasable variant.
type Option struct {
	Name     string `json:"name"`
	Stock    int    `json:"stock"`
	ImageURL string `json:"image_url,omitempty"`
}

// ProductDetail is everything scraped from a product page.
type ProductDetail struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Price     int               `json:"price"`
	Rating    float64           `json:"rating"`
	Options   []Option          `json:"options"`
	Material  map[string]string `json:"material_info"`
	Images    []string          `json:"product_images"`
	CrawledAt time.Time         `json:"crawled_at"`
}

// Config controls the detail crawler.
type Config struct {
	BaseURL     string
	UseHeadless bool
}

// Crawler fetches and parses product pages.
type Crawler struct {
	cfg     Config
	base    *url.URL
	fetcher pipeline.Fetcher
	clock   pipeline.Clock
	logger  *zap.Logger
}

// New builds a Crawler. BaseURL is used to absolutize root-relative image paths.
func New(cfg Config, fetcher pipeline.Fetcher, clock pipeline.Clock, logger *zap.Logger) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("detail: fetcher is required")
	}
	if clock == nil {
		return nil, errors.New("detail: clock is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://ssadagu.kr"
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("detail: invalid base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{cfg: cfg, base: base, fetcher: fetcher, clock: clock, logger: logger}, nil
}

// Crawl fetches productURL and extracts its details. Missing fields take zero
// values; only fetch and parse failures are errors.
func (c *Crawler) Crawl(ctx context.Context, productURL string) (ProductDetail, error) {
	if strings.TrimSpace(productURL) == "" {
		return ProductDetail{}, fmt.Errorf("%w: empty product url", pipeline.ErrInvalidInput)
	}
	resp, err := c.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: productURL, UseHeadless: c.cfg.UseHeadless})
	if err != nil {
		return ProductDetail{}, fmt.Errorf("%w: %v", pipeline.ErrDetailUnavailable, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return ProductDetail{}, fmt.Errorf("%w: parse: %v", pipeline.ErrDetailUnavailable, err)
	}

	d := ProductDetail{
		URL:       productURL,
		Title:     extractTitle(doc),
		Price:     extractPrice(doc),
		Rating:    extractRating(doc),
		Options:   c.extractOptions(doc),
		Material:  extractMaterial(doc),
		CrawledAt: c.clock.Now().UTC(),
	}
	d.Images = mergeImages(c.extractImages(doc), d.Options)

	c.logger.Info("product detail crawled",
		zap.String("url", productURL),
		zap.String("title", truncate(d.Title, 50)),
		zap.Int("price", d.Price),
		zap.Float64("rating", d.Rating),
		zap.Int("options", len(d.Options)),
		zap.Int("images", len(d.Images)),
	)
	return d, nil
}

func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("h1#kakaotitle").First().Text()); t != "" {
		return t
	}
	return NoTitle
}

func extractPrice(doc *goquery.Document) int {
	for _, sel := range priceSelectors {
		el := doc.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		text := strings.NewReplacer(",", "", "원", "").Replace(strings.TrimSpace(el.Text()))
		if m := digitsRe.FindString(text); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				return n
			}
		}
	}
	return 0
}

// extractRating counts full and half star icons in the first container that has any.
func extractRating(doc *goquery.Document) float64 {
	for _, sel := range ratingSelectors {
		cont := doc.Find(sel).First()
		if cont.Length() == 0 {
			continue
		}
		var rating float64
		cont.Find("img").Each(func(_ int, img *goquery.Selection) {
			src := img.AttrOr("src", "")
			switch {
			case strings.Contains(src, "icon_star.svg"):
				rating++
			case strings.Contains(src, "icon_star_half.svg"):
				rating += 0.5
			}
		})
		if rating > 0 {
			return rating
		}
	}
	return 0
}

func (c *Crawler) extractOptions(doc *goquery.Document) []Option {
	var opts []Option
	doc.Find("ul#skubox li.imgWrapper").Each(func(_ int, li *goquery.Selection) {
		name := strings.TrimSpace(li.Find("a[title]").First().AttrOr("title", ""))
		if name == "" {
			return
		}
		opt := Option{Name: name}
		if m := stockRe.FindStringSubmatch(li.Text()); m != nil {
			opt.Stock, _ = strconv.Atoi(m[1])
		}
		if src := li.Find("img.colorSpec_hashPic").First().AttrOr("src", ""); src != "" {
			opt.ImageURL = c.absolute(src)
		}
		opts = append(opts, opt)
	})
	return opts
}

func extractMaterial(doc *goquery.Document) map[string]string {
	out := make(map[string]string)
	doc.Find("div.pro-info-item").Each(func(_ int, item *goquery.Selection) {
		title := item.Find(".pro-info-title").First()
		info := item.Find(".pro-info-info").First()
		if title.Length() == 0 || info.Length() == 0 {
			return
		}
		out[strings.TrimSpace(title.Text())] = strings.TrimSpace(info.Text())
	})
	return out
}

func (c *Crawler) extractImages(doc *goquery.Document) []string {
	var out []string
	doc.Find("img[id^=img_translate_]").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		if src == "" {
			return
		}
		out = append(out, c.absolute(src))
	})
	return out
}

func (c *Crawler) absolute(src string) string {
	switch {
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	case strings.HasPrefix(src, "/"):
		return c.base.String() + src
	default:
		return src
	}
}

// mergeImages appends option images to page images, keeping first occurrences.
func mergeImages(page []string, opts []Option) []string {
	seen := make(map[string]struct{}, len(page)+len(opts))
	out := make([]string, 0, len(page)+len(opts))
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range page {
		add(u)
	}
	for _, o := range opts {
		add(o.ImageURL)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
