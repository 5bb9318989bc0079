// Package matcher scores product titles against a keyword using exact,
// morphological and whitespace-word overlap tiers.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// Default acceptance thresholds per tier.
const (
	DefaultMorphThreshold  = 0.4
	DefaultSimpleThreshold = 0.3
	minTokenRunes          = 2
	reasonTitleRunes       = 50
)

// Option customizes a Matcher.
type Option func(*Matcher)

// WithThresholds overrides the morphological and simple acceptance ratios.
func WithThresholds(morph, simple float64) Option {
	return func(m *Matcher) {
		if morph > 0 {
			m.morphThreshold = morph
		}
		if simple > 0 {
			m.simpleThreshold = simple
		}
	}
}

// WithLogger sets the matcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Matcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Matcher applies the three matching tiers. The first tier that accepts wins.
type Matcher struct {
	tokenizer       pipeline.Tokenizer
	morphThreshold  float64
	simpleThreshold float64
	logger          *zap.Logger
}

// New builds a Matcher around the tokenizer chosen at startup.
func New(tokenizer pipeline.Tokenizer, opts ...Option) *Matcher {
	if tokenizer == nil {
		tokenizer = WhitespaceTokenizer{}
	}
	m := &Matcher{
		tokenizer:       tokenizer,
		morphThreshold:  DefaultMorphThreshold,
		simpleThreshold: DefaultSimpleThreshold,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the accepted candidates sorted by score descending. Candidates
// with empty or placeholder titles are skipped; candidates whose scoring fails are logged and
// excluded. If scoring failed for every attempted candidate the error wraps
// pipeline.ErrMatchingUnavailable.
func (m *Matcher) Match(
	ctx context.Context,
	keyword string,
	candidates []pipeline.Candidate,
) ([]pipeline.MatchedCandidate, error) {
	kw, err := m.prepareKeyword(keyword)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.MatchedCandidate, 0, len(candidates))
	attempted, failed := 0, 0
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("match canceled: %w", err)
		}
		if !cand.HasTitle() {
			m.logger.Debug("skipping candidate without title", zap.Int("index", i), zap.String("url", cand.URL))
			continue
		}
		attempted++
		res, err := m.evaluate(kw, cand.Title)
		if err != nil {
			failed++
			m.logger.Warn("candidate matching failed",
				zap.Int("index", i),
				zap.String("title", cand.Title),
				zap.Error(err),
			)
			continue
		}
		if !res.IsMatch {
			m.logger.Debug("candidate rejected", zap.String("title", cand.Title), zap.String("reason", res.Reason))
			continue
		}
		match := res
		out = append(out, pipeline.MatchedCandidate{Candidate: cand, Match: &match})
	}
	if attempted > 0 && failed == attempted {
		return nil, fmt.Errorf("%w: all %d candidates failed", pipeline.ErrMatchingUnavailable, failed)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Match.Score > out[j].Match.Score
	})
	m.logger.Info("keyword matching finished",
		zap.String("keyword", keyword),
		zap.Int("candidates", len(candidates)),
		zap.Int("matched", len(out)),
		zap.Int("failed", failed),
	)
	return out, nil
}

// analyze scores a single title. Non-matches are returned with IsMatch false.
func (m *Matcher) analyze(keyword, title string) (pipeline.MatchResult, error) {
	kw, err := m.prepareKeyword(keyword)
	if err != nil {
		return pipeline.MatchResult{}, err
	}
	return m.evaluate(kw, title)
}

type preparedKeyword struct {
	raw    string
	folded string
	morphs []string
	words  []string
}

func (m *Matcher) prepareKeyword(keyword string) (preparedKeyword, error) {
	trimmed := strings.TrimSpace(keyword)
	if trimmed == "" {
		return preparedKeyword{}, fmt.Errorf("%w: keyword is required", pipeline.ErrInvalidInput)
	}
	kw := preparedKeyword{
		raw:    trimmed,
		folded: fold(trimmed),
	}
	kw.words = strings.Fields(kw.folded)
	if m.tokenizer.Morphological() {
		morphs, err := m.tokenizer.Tokenize(kw.folded)
		if err != nil {
			return preparedKeyword{}, fmt.Errorf("%w: tokenize keyword: %v", pipeline.ErrMatchingUnavailable, err)
		}
		kw.morphs = morphs
	}
	return kw, nil
}

func (m *Matcher) evaluate(kw preparedKeyword, title string) (pipeline.MatchResult, error) {
	folded := fold(strings.TrimSpace(title))
	if strings.Contains(folded, kw.folded) {
		return pipeline.MatchResult{
			IsMatch: true,
			Type:    pipeline.MatchExact,
			Score:   1.0,
			Reason:  fmt.Sprintf("완전 포함: '%s' in '%s'", kw.raw, truncateRunes(title, reasonTitleRunes)),
		}, nil
	}

	if m.tokenizer.Morphological() {
		titleMorphs, err := m.tokenizer.Tokenize(folded)
		if err != nil {
			return pipeline.MatchResult{}, err
		}
		matched, ratio := overlap(kw.morphs, titleMorphs)
		if ratio >= m.morphThreshold {
			return pipeline.MatchResult{
				IsMatch: true,
				Type:    pipeline.MatchMorphological,
				Score:   ratio,
				Reason:  fmt.Sprintf("형태소 매칭: %d/%d = %.3f", matched, len(kw.morphs), ratio),
			}, nil
		}
	}

	matched, ratio := overlap(kw.words, strings.Fields(folded))
	if ratio >= m.simpleThreshold {
		return pipeline.MatchResult{
			IsMatch: true,
			Type:    pipeline.MatchSimple,
			Score:   ratio,
			Reason:  fmt.Sprintf("규칙 기반 매칭: %d/%d = %.3f", matched, len(kw.words), ratio),
		}, nil
	}
	return pipeline.MatchResult{
		IsMatch: false,
		Type:    pipeline.MatchSimple,
		Score:   ratio,
		Reason: fmt.Sprintf("규칙 기반 미달: %d/%d = %.3f < %g",
			matched, len(kw.words), ratio, m.simpleThreshold),
	}, nil
}

// overlap counts keyword tokens of at least two runes that equal, contain or
// are contained by some title token. The ratio is over all keyword tokens.
func overlap(keywordTokens, titleTokens []string) (int, float64) {
	if len(keywordTokens) == 0 {
		return 0, 0
	}
	matched := 0
	for _, kw := range keywordTokens {
		if utf8.RuneCountInString(kw) < minTokenRunes {
			continue
		}
		for _, tw := range titleTokens {
			if strings.Contains(tw, kw) || strings.Contains(kw, tw) {
				matched++
				break
			}
		}
	}
	return matched, float64(matched) / float64(len(keywordTokens))
}

func fold(s string) string {
	return cases.Fold().String(s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
