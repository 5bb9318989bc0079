package detail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type pageFetcher struct {
	body string
	err  error
}

func (p pageFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if p.err != nil {
		return pipeline.FetchResponse{}, p.err
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(p.body)}, nil
}

const productPage = `<html><body>
<h1 id="kakaotitle"> 여름 린넨 원피스 </h1>
<div class="pdt_price"><span class="price">12,900원</span></div>
<div class="review-star-box">
  <img src="/img/icon_star.svg"><img src="/img/icon_star.svg"><img src="/img/icon_star.svg">
  <img src="/img/icon_star.svg"><img src="/img/icon_star_half.svg">
</div>
<ul id="skubox">
  <li class="imgWrapper"><a title="블랙 M">블랙</a><span>재고 : 12</span><img class="colorSpec_hashPic" src="//cdn.example/black.jpg"></li>
  <li class="imgWrapper"><a title="화이트 L">화이트</a><span>품절</span></li>
  <li class="imgWrapper"><a>no title</a></li>
</ul>
<div class="pro-info-item"><div class="pro-info-title">소재</div><div class="pro-info-info">린넨 100%</div></div>
<div class="pro-info-item"><div class="pro-info-title">두께</div></div>
<img id="img_translate_0" src="//cdn.example/detail0.jpg">
<img id="img_translate_1" data-src="/upload/detail1.png">
<img id="img_translate_2">
<img id="other" src="//cdn.example/logo.png">
<img id="img_translate_3" src="//cdn.example/black.jpg">
</body></html>`

func TestCrawlExtractsDetail(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	c, err := New(Config{BaseURL: "https://shop.example"}, pageFetcher{body: productPage}, fixedClock{t: now}, nil)
	require.NoError(t, err)

	d, err := c.Crawl(context.Background(), "https://shop.example/view.php?num_iid=1")
	require.NoError(t, err)
	require.Equal(t, "여름 린넨 원피스", d.Title)
	require.Equal(t, 12900, d.Price)
	require.InDelta(t, 4.5, d.Rating, 1e-9)
	require.Equal(t, []Option{
		{Name: "블랙 M", Stock: 12, ImageURL: "https://cdn.example/black.jpg"},
		{Name: "화이트 L"},
	}, d.Options)
	require.Equal(t, map[string]string{"소재": "린넨 100%"}, d.Material)
	require.Equal(t, []string{
		"https://cdn.example/detail0.jpg",
		"https://shop.example/upload/detail1.png",
		"https://cdn.example/black.jpg",
	}, d.Images)
	require.Equal(t, now, d.CrawledAt)
}

func TestCrawlDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(Config{}, pageFetcher{body: "<html><p>empty</p></html>"}, fixedClock{}, nil)
	require.NoError(t, err)

	d, err := c.Crawl(context.Background(), "https://shop.example/p")
	require.NoError(t, err)
	require.Equal(t, NoTitle, d.Title)
	require.Zero(t, d.Price)
	require.Zero(t, d.Rating)
	require.Empty(t, d.Options)
	require.Empty(t, d.Material)
	require.Empty(t, d.Images)
}

func TestPriceSelectorPriority(t *testing.T) {
	t.Parallel()

	page := `<span class="price">999</span><span class="price gsItemPriceKWR">45,000원</span>`
	c, err := New(Config{}, pageFetcher{body: page}, fixedClock{}, nil)
	require.NoError(t, err)

	d, err := c.Crawl(context.Background(), "https://shop.example/p")
	require.NoError(t, err)
	require.Equal(t, 45000, d.Price)
}

func TestCrawlErrors(t *testing.T) {
	t.Parallel()

	c, err := New(Config{}, pageFetcher{err: errors.New("503")}, fixedClock{}, nil)
	require.NoError(t, err)

	_, err = c.Crawl(context.Background(), "https://shop.example/p")
	require.ErrorIs(t, err, pipeline.ErrDetailUnavailable)

	_, err = c.Crawl(context.Background(), " ")
	require.ErrorIs(t, err, pipeline.ErrInvalidInput)

	_, err = New(Config{}, nil, fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(Config{}, pageFetcher{}, nil, nil)
	require.Error(t, err)
}
