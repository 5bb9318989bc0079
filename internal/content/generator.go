// Package content writes a blog post about the selected product using an
// OpenAI-compatible chat completions API.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/detail"
)

// Defaults for the chat completions call.
const (
	DefaultEndpoint    = "https://api.openai.com/v1/chat/completions"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
	DefaultLength      = 1200

	defaultTitle = "블로그 포스트"
	maxTags      = 10
	maxTagRunes  = 20
	maxOptions   = 5
)

const systemPrompt = "당신은 전문적인 블로그 콘텐츠 작성자입니다. " +
	"상품 리뷰와 정보성 콘텐츠를 매력적이고 SEO 친화적으로 작성합니다."

var defaultTags = []string{"상품정보", "리뷰"}

// categoryTags adds tags when any trigger word appears in the product title.
var categoryTags = []struct {
	triggers []string
	tags     []string
}{
	{[]string{"iphone", "아이폰", "phone"}, []string{"아이폰", "스마트폰"}},
	{[]string{"필름", "보호", "강화"}, []string{"보호필름", "강화필름"}},
	{[]string{"케이스", "커버"}, []string{"폰케이스", "액세서리"}},
	{[]string{"노트북", "laptop"}, []string{"노트북", "컴퓨터"}},
	{[]string{"마우스", "키보드"}, []string{"컴퓨터용품", "PC액세서리"}},
}

// Config controls the generator.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Request describes the post to write. Product is optional.
type Request struct {
	Keyword      string                `json:"keyword"`
	Product      *detail.ProductDetail `json:"product_info,omitempty"`
	ContentType  string                `json:"content_type,omitempty"`
	TargetLength int                   `json:"target_length,omitempty"`
}

// BlogContent is the generated post.
type BlogContent struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	Fallback bool     `json:"fallback"`
}

// Generator calls the chat completions endpoint.
type Generator struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// New builds a Generator. A nil client gets an instrumented default.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Generator {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, http: client, logger: logger.Named("content")}
}

// Generate writes a post. A missing API key or a failed call yields template
// content; only cancellation of ctx is returned as an error.
func (g *Generator) Generate(ctx context.Context, req Request) (BlogContent, error) {
	if g.cfg.APIKey == "" {
		g.logger.Warn("no api key configured, using fallback content")
		return Fallback(req), nil
	}
	text, err := g.complete(ctx, BuildPrompt(req))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return BlogContent{}, fmt.Errorf("generate content: %w", ctxErr)
		}
		g.logger.Error("content generation failed", zap.Error(err), zap.String("keyword", req.Keyword))
		return Fallback(req), nil
	}
	return BlogContent{
		Title:   ExtractTitle(text, req),
		Content: text,
		Tags:    Tags(req),
	}, nil
}

func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", errors.New("chat response has no content")
	}
	return decoded.Choices[0].Message.Content, nil
}

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) string {
	length := req.TargetLength
	if length <= 0 {
		length = DefaultLength
	}
	var b strings.Builder
	b.WriteString("다음 정보를 바탕으로 매력적인 블로그 포스트를 작성해주세요.\n\n정보:\n")
	b.WriteString(productContext(req))
	b.WriteString("\n\n작성 가이드라인:\n")
	b.WriteString("- 스타일: 친근하면서도 신뢰할 수 있는, 정보 제공 중심\n")
	if req.ContentType != "" {
		fmt.Fprintf(&b, "- 글 유형: %s\n", req.ContentType)
	}
	fmt.Fprintf(&b, "- 길이: %d자 내외의 적당한 길이\n", length)
	b.WriteString("- 톤: 독자의 관심을 끄는 자연스러운 어조\n\n")
	b.WriteString("작성 요구사항:\n")
	b.WriteString("1. SEO 친화적이고 클릭하고 싶은 매력적인 제목\n")
	b.WriteString("2. 독자의 관심을 끄는 도입부\n")
	b.WriteString("3. 핵심 특징과 장점을 구체적으로 설명\n")
	b.WriteString("4. 실제 사용 시나리오나 활용 팁\n")
	b.WriteString("5. 구매 결정에 도움이 되는 정보\n\n")
	b.WriteString("주의:\n")
	b.WriteString("- 마지막에 자기 평가 문장을 추가하지 마세요.\n")
	b.WriteString("- 코드 블록 구문을 포함하지 마세요.\n")
	b.WriteString("- 오직 HTML 태그(<h2>, <h3>, <p>, <ul>, <li> 등)만 사용하여 구조화된 콘텐츠를 작성해주세요.\n")
	return b.String()
}

func productContext(req Request) string {
	var parts []string
	if req.Keyword != "" {
		parts = append(parts, "주요 키워드: "+req.Keyword)
	}
	if p := req.Product; p != nil {
		parts = append(parts, "\n상품 정보:")
		if p.Title != "" {
			parts = append(parts, "- 상품명: "+p.Title)
		}
		if p.Price > 0 {
			parts = append(parts, "- 가격: "+FormatWon(p.Price))
		}
		if p.Rating > 0 {
			parts = append(parts, fmt.Sprintf("- 평점: %s/5.0", strconv.FormatFloat(p.Rating, 'f', -1, 64)))
		}
		if len(p.Material) > 0 {
			parts = append(parts, "- 주요 사양:")
			for _, k := range sortedKeys(p.Material) {
				parts = append(parts, fmt.Sprintf("  * %s: %s", k, p.Material[k]))
			}
		}
		if len(p.Options) > 0 {
			parts = append(parts, fmt.Sprintf("- 구매 옵션 (%d개):", len(p.Options)))
			for i, opt := range p.Options {
				if i == maxOptions {
					break
				}
				name := opt.Name
				if name == "" {
					name = fmt.Sprintf("옵션 %d", i+1)
				}
				parts = append(parts, fmt.Sprintf("  %d. %s", i+1, name))
			}
		}
		if p.URL != "" {
			parts = append(parts, "- 구매 링크: "+p.URL)
		}
	}
	if len(parts) == 0 {
		return "키워드 기반 콘텐츠 생성"
	}
	return strings.Join(parts, "\n")
}

var titleStripper = strings.NewReplacer("#", "", "<h1>", "", "</h1>", "", "<h2>", "", "</h2>", "")

// ExtractTitle picks the post title from the first ten lines of text. When the
// keyword is missing from it, a guide-style title is built instead.
func ExtractTitle(text string, req Request) string {
	title := defaultTitle
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > 10 {
		lines = lines[:10]
	}
	for _, line := range lines {
		clean := strings.TrimSpace(titleStripper.Replace(strings.TrimSpace(line)))
		if n := utf8.RuneCountInString(clean); n > 5 && n < 100 {
			title = clean
			break
		}
	}
	if req.Keyword != "" && !strings.Contains(title, req.Keyword) {
		if req.Product != nil && req.Product.Title != "" {
			return fmt.Sprintf("%s - %s 완벽 가이드", req.Product.Title, req.Keyword)
		}
		return req.Keyword + " - 완벽 가이드"
	}
	return title
}

// Tags derives up to ten unique tags from the keyword and product.
func Tags(req Request) []string {
	var tags []string
	if req.Keyword != "" {
		tags = append(tags, req.Keyword)
	}
	if p := req.Product; p != nil {
		if p.Title != "" {
			lower := strings.ToLower(p.Title)
			for _, c := range categoryTags {
				for _, trigger := range c.triggers {
					if strings.Contains(lower, trigger) {
						tags = append(tags, c.tags...)
						break
					}
				}
			}
		}
		for _, k := range sortedKeys(p.Material) {
			v := strings.TrimSpace(p.Material[k])
			if v != "" && utf8.RuneCountInString(v) <= maxTagRunes {
				tags = append(tags, v)
			}
		}
	}
	if len(tags) == 0 {
		tags = append(tags, defaultTags...)
	}
	seen := make(map[string]struct{}, len(tags))
	unique := make([]string, 0, maxTags)
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		unique = append(unique, tag)
		if len(unique) == maxTags {
			break
		}
	}
	return unique
}

// Fallback builds template HTML from whatever product facts are known.
func Fallback(req Request) BlogContent {
	title := "상품 정보 및 구매 가이드"
	name := "상품"
	switch {
	case req.Product != nil && req.Product.Title != "":
		title = req.Product.Title + " - 상품 정보 및 구매 가이드"
		name = req.Product.Title
	case req.Keyword != "":
		title = req.Keyword + " - 완벽 가이드"
		name = req.Keyword
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<h1>%s</h1>\n\n", html.EscapeString(title))
	b.WriteString("<h2>상품 소개</h2>\n")
	fmt.Fprintf(&b, "<p>%s에 대한 상세한 정보를 소개합니다.</p>\n\n", html.EscapeString(name))
	b.WriteString("<h2>주요 특징</h2>\n<ul>\n")
	b.WriteString("<li>고품질의 제품으로 신뢰할 수 있는 브랜드입니다</li>\n")
	b.WriteString("<li>합리적인 가격으로 가성비가 뛰어납니다</li>\n")
	b.WriteString("<li>사용자 친화적인 디자인과 기능을 제공합니다</li>\n</ul>\n")
	if p := req.Product; p != nil {
		if p.Price > 0 {
			fmt.Fprintf(&b, "<h2>가격 정보</h2>\n<p>판매가: <strong>%s</strong></p>\n", FormatWon(p.Price))
		}
		if len(p.Material) > 0 {
			b.WriteString("<h2>상품 사양</h2>\n<ul>\n")
			for _, k := range sortedKeys(p.Material) {
				fmt.Fprintf(&b, "<li><strong>%s:</strong> %s</li>\n", html.EscapeString(k), html.EscapeString(p.Material[k]))
			}
			b.WriteString("</ul>\n")
		}
	}
	b.WriteString("<h2>구매 안내</h2>\n<p>신중한 검토를 통해 만족스러운 구매 결정을 내리시기 바랍니다.</p>\n")

	return BlogContent{Title: title, Content: b.String(), Tags: Tags(req), Fallback: true}
}

// FormatWon renders a price with thousands separators, e.g. "12,900원".
func FormatWon(price int) string {
	s := strconv.Itoa(price)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + "원"
	if neg {
		return "-" + out
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
