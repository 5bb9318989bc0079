package matcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

func TestMatchExactScenario(t *testing.T) {
	t.Parallel()

	m := New(WhitespaceTokenizer{})
	out, err := m.Match(context.Background(), "반지", []pipeline.Candidate{
		{URL: "https://example.com/1", Title: "925 실버 반지 여성용"},
		{URL: "https://example.com/2", Title: "골드 목걸이 체인"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "https://example.com/1", out[0].URL)
	require.Equal(t, pipeline.MatchExact, out[0].Match.Type)
	require.InDelta(t, 1.0, out[0].Match.Score, 1e-9)
}

func TestMatchExactIsCaseInsensitiveAndWinsOverOtherTiers(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{morph: true, split: map[string][]string{}}
	m := New(tok)
	res, err := m.analyze("  iPhone ", "Apple IPHONE 15 case")
	require.NoError(t, err)
	require.True(t, res.IsMatch)
	require.Equal(t, pipeline.MatchExact, res.Type)
	require.InDelta(t, 1.0, res.Score, 1e-9)
	require.Equal(t, 1, tok.calls, "only the keyword is tokenized when the exact tier accepts")
}

func TestMatchMorphologicalTier(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{
		morph: true,
		split: map[string][]string{
			"실버반지": {"실버", "반지"},
		},
	}
	m := New(tok)
	res, err := m.analyze("실버반지", "골드 반지 세트")
	require.NoError(t, err)
	require.True(t, res.IsMatch)
	require.Equal(t, pipeline.MatchMorphological, res.Type)
	require.InDelta(t, 0.5, res.Score, 1e-9)
	require.Contains(t, res.Reason, "1/2")
}

func TestMatchMorphologicalSkipsShortMorphemes(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{
		morph: true,
		split: map[string][]string{
			"예쁜반지들": {"예쁜", "반지", "들"},
			"반지함":   {"반지", "함"},
		},
	}
	m := New(tok)
	// "들" is a single rune and never counts; 1/3 < 0.4 so tier 2 rejects,
	// and the whitespace tier sees no overlap between the unsplit words.
	res, err := m.analyze("예쁜반지들", "반지함")
	require.NoError(t, err)
	require.False(t, res.IsMatch)
	require.Contains(t, res.Reason, "규칙 기반 미달")
}

func TestMatchSimpleTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		keyword string
		title   string
		match   bool
		score   float64
	}{
		{name: "one of three words", keyword: "여성 실버 목걸이", title: "실버 반지 세트", match: true, score: 1.0 / 3.0},
		{name: "one of four words", keyword: "여성 실버 목걸이 체인", title: "실버 반지", match: false, score: 0.25},
		{name: "word contained in title word", keyword: "스마트 워치", title: "스마트폰 거치대", match: true, score: 0.5},
		{name: "single rune words ignored", keyword: "a b", title: "b a c", match: false, score: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(WhitespaceTokenizer{})
			res, err := m.analyze(tt.keyword, tt.title)
			require.NoError(t, err)
			require.Equal(t, tt.match, res.IsMatch)
			require.InDelta(t, tt.score, res.Score, 1e-9)
			if tt.match {
				require.Equal(t, pipeline.MatchSimple, res.Type)
			}
		})
	}
}

func TestMatchThresholdsAreConfigurable(t *testing.T) {
	t.Parallel()

	m := New(WhitespaceTokenizer{}, WithThresholds(0.9, 0.5))
	res, err := m.analyze("여성 실버 목걸이", "실버 반지 세트")
	require.NoError(t, err)
	require.False(t, res.IsMatch)
}

func TestMatchNeverAcceptsBelowThreshold(t *testing.T) {
	t.Parallel()

	m := New(WhitespaceTokenizer{})
	titles := []string{
		"실버 반지", "골드 목걸이", "여성 가방", "남성 시계 가죽", "반지 케이스", "목걸이 체인 실버",
		"귀걸이", "팔찌 세트", "실버", "가죽 지갑 남성",
	}
	keywords := []string{"실버 목걸이 여성 선물", "남성 가죽 시계", "반지", "팔찌 귀걸이 세트 골드"}
	for _, kw := range keywords {
		cands := make([]pipeline.Candidate, 0, len(titles))
		for _, title := range titles {
			cands = append(cands, pipeline.Candidate{URL: title, Title: title})
		}
		out, err := m.Match(context.Background(), kw, cands)
		require.NoError(t, err)
		for _, mc := range out {
			switch mc.Match.Type {
			case pipeline.MatchExact:
				require.InDelta(t, 1.0, mc.Match.Score, 1e-9)
			case pipeline.MatchSimple:
				require.GreaterOrEqual(t, mc.Match.Score, DefaultSimpleThreshold)
			default:
				t.Fatalf("unexpected match type %q", mc.Match.Type)
			}
		}
	}
}

func TestMatchSortsByScoreStable(t *testing.T) {
	t.Parallel()

	m := New(WhitespaceTokenizer{})
	out, err := m.Match(context.Background(), "실버 반지 여성", []pipeline.Candidate{
		{URL: "simple-a", Title: "실버 목걸이"},
		{URL: "exact", Title: "고급 실버 반지 여성 선물"},
		{URL: "simple-b", Title: "여성 가방"},
		{URL: "simple-c", Title: "반지 실버"},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, "exact", out[0].URL)
	require.Equal(t, "simple-c", out[1].URL)
	require.Equal(t, "simple-a", out[2].URL)
	require.Equal(t, "simple-b", out[3].URL)
}

func TestMatchEmptyInputs(t *testing.T) {
	t.Parallel()

	m := New(WhitespaceTokenizer{})
	out, err := m.Match(context.Background(), "반지", nil)
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = m.Match(context.Background(), "반지", []pipeline.Candidate{{URL: "a", Title: "  "}})
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = m.Match(context.Background(), "  ", []pipeline.Candidate{{URL: "a", Title: "반지"}})
	require.ErrorIs(t, err, pipeline.ErrInvalidInput)
}

func TestMatchSkipsPlaceholderTitles(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{morph: true, split: map[string][]string{}}
	m := New(tok)
	out, err := m.Match(context.Background(), "title", []pipeline.Candidate{
		{URL: "placeholder", Title: pipeline.UnknownTitle},
		{URL: "padded", Title: "  " + pipeline.UnknownTitle + " "},
		{URL: "real", Title: "title case for phone"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "real", out[0].URL)

	out, err = m.Match(context.Background(), "unknown", []pipeline.Candidate{
		{URL: "placeholder", Title: pipeline.UnknownTitle},
	})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, 2, tok.calls, "only the keywords are tokenized")
}

func TestMatchExcludesFailingCandidates(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{morph: true, split: map[string][]string{}, failOn: "boom"}
	m := New(tok)
	out, err := m.Match(context.Background(), "목걸이", []pipeline.Candidate{
		{URL: "bad", Title: "boom 체인"},
		{URL: "good", Title: "실버 목걸이"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "good", out[0].URL)
}

func TestMatchTotalFailureIsDeclared(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{morph: true, split: map[string][]string{}, failOn: "boom"}
	m := New(tok)
	_, err := m.Match(context.Background(), "목걸이", []pipeline.Candidate{
		{URL: "a", Title: "boom 체인"},
		{URL: "b", Title: "boom 팔찌"},
	})
	require.ErrorIs(t, err, pipeline.ErrMatchingUnavailable)
}

func TestMatchKeywordTokenizeFailureIsDeclared(t *testing.T) {
	t.Parallel()

	tok := &fakeTokenizer{morph: true, split: map[string][]string{}, failOn: "boom"}
	m := New(tok)
	_, err := m.Match(context.Background(), "boom", []pipeline.Candidate{{URL: "a", Title: "반지"}})
	require.ErrorIs(t, err, pipeline.ErrMatchingUnavailable)
}

func TestMatchHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(WhitespaceTokenizer{})
	_, err := m.Match(ctx, "반지", []pipeline.Candidate{{URL: "a", Title: "반지"}})
	require.ErrorIs(t, err, context.Canceled)
}

type fakeTokenizer struct {
	morph  bool
	split  map[string][]string
	failOn string
	calls  int
}

func (f *fakeTokenizer) Tokenize(text string) ([]string, error) {
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("analyzer crashed")
	}
	f.calls++
	var out []string
	for _, word := range strings.Fields(text) {
		if parts, ok := f.split[word]; ok {
			out = append(out, parts...)
			continue
		}
		out = append(out, word)
	}
	return out, nil
}

func (f *fakeTokenizer) Morphological() bool { return f.morph }
