package ranker

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

const testKeyword = "실버 반지"

func TestNewRequiresEmbedder(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, pipeline.ErrEmbedderUnavailable)
}

func TestRejectsEmptyKeyword(t *testing.T) {
	t.Parallel()

	r := mustRanker(t, newFakeEmbedder(nil))
	_, err := r.Select(context.Background(), " ", nil, nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidInput)
	_, err = r.Similarities(context.Background(), "", []string{"a"})
	require.ErrorIs(t, err, pipeline.ErrInvalidInput)
}

func TestRankWithoutCandidates(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(nil)
	r := mustRanker(t, emb)
	out, err := r.Rank(context.Background(), testKeyword, nil, pipeline.ModeMatched)
	require.NoError(t, err)
	require.Nil(t, out.SelectedProduct)
	require.Equal(t, "후보 상품이 없음", out.Reason)
	require.Zero(t, emb.Calls())
}

func TestSelectBothInputsEmpty(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(nil)
	r := mustRanker(t, emb)
	out, err := r.Select(context.Background(), testKeyword, nil, nil)
	require.NoError(t, err)
	require.Nil(t, out.SelectedProduct)
	require.Contains(t, out.Reason, "검색 결과가 모두 없음")
	require.Equal(t, pipeline.ModeFallback, out.AnalysisMode)
	require.Zero(t, emb.Calls())
}

func TestSelectFallbackSingleBelowFloor(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{"가죽 지갑": 0.15})
	r := mustRanker(t, emb)
	out, err := r.Select(context.Background(), testKeyword, nil, []pipeline.Candidate{
		{URL: "https://shop.example/1", Title: "가죽 지갑"},
	})
	require.NoError(t, err)
	require.Nil(t, out.SelectedProduct)
	require.Equal(t, pipeline.ModeFallback, out.AnalysisMode)
	require.Contains(t, out.Reason, "0.1500")
	require.Contains(t, out.Reason, "0.3")
}

func TestSelectFallbackSingleAboveFloor(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{"실버 링": 0.8})
	r := mustRanker(t, emb)
	out, err := r.Select(context.Background(), testKeyword, nil, []pipeline.Candidate{
		{URL: "https://shop.example/1", Title: "실버 링"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.SelectedProduct)
	require.Equal(t, pipeline.AnalysisSingle, out.SelectedProduct.Similarity.AnalysisType)
	require.InDelta(t, 0.8, out.SelectedProduct.Similarity.SimilarityScore, 1e-6)
	require.Nil(t, out.SelectedProduct.Similarity.MatchScore)
}

func TestFallbackFloorIsConfigurable(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{"가죽 지갑": 0.15})
	r := mustRanker(t, emb, WithFallbackFloor(0.1))
	out, err := r.Select(context.Background(), testKeyword, nil, []pipeline.Candidate{
		{URL: "https://shop.example/1", Title: "가죽 지갑"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.SelectedProduct)
}

func TestRankMatchedSingleHasNoFloor(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{"반지 케이스": 0.05})
	r := mustRanker(t, emb)
	out, err := r.Rank(context.Background(), testKeyword, []pipeline.MatchedCandidate{
		matched("https://shop.example/1", "반지 케이스", 0.5),
	}, pipeline.ModeMatched)
	require.NoError(t, err)
	require.NotNil(t, out.SelectedProduct)
	require.Equal(t, pipeline.ModeMatched, out.SelectedProduct.Similarity.AnalysisMode)
	require.NotNil(t, out.SelectedProduct.Similarity.MatchScore)
	require.InDelta(t, 0.5, *out.SelectedProduct.Similarity.MatchScore, 1e-9)
	require.Contains(t, out.Reason, "단일 매칭 상품 선택")
}

func TestRankSingleEmbedFailure(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{})
	emb.fail["broken"] = true
	r := mustRanker(t, emb)
	_, err := r.Rank(context.Background(), testKeyword, []pipeline.MatchedCandidate{
		matched("u", "broken", 1.0),
	}, pipeline.ModeMatched)
	require.ErrorIs(t, err, pipeline.ErrRankingUnavailable)
}

func TestRankMatchedUsesFusedScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sims    map[string]float64
		cands   []pipeline.MatchedCandidate
		wantURL string
		final   float64
	}{
		{
			name: "similarity outweighs match",
			sims: map[string]float64{"a": 0.2, "b": 0.9},
			cands: []pipeline.MatchedCandidate{
				matched("A", "a", 1.0),
				matched("B", "b", 0.5),
			},
			wantURL: "B",
			final:   0.5*0.4 + 0.9*0.6,
		},
		{
			name: "match outweighs similarity",
			sims: map[string]float64{"a": 0.6, "b": 0.7},
			cands: []pipeline.MatchedCandidate{
				matched("A", "a", 1.0),
				matched("B", "b", 0.4),
			},
			wantURL: "A",
			final:   1.0*0.4 + 0.6*0.6,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := mustRanker(t, newFakeEmbedder(tt.sims))
			out, err := r.Rank(context.Background(), testKeyword, tt.cands, pipeline.ModeMatched)
			require.NoError(t, err)
			require.NotNil(t, out.SelectedProduct)
			require.Equal(t, tt.wantURL, out.SelectedProduct.URL)
			info := out.SelectedProduct.Similarity
			require.Equal(t, pipeline.AnalysisBatch, info.AnalysisType)
			require.NotNil(t, info.FinalScore)
			require.InDelta(t, tt.final, *info.FinalScore, 1e-6)
			require.Equal(t, 2, info.TotalCandidates)
			require.Contains(t, out.Reason, "종합 점수")
		})
	}
}

func TestRankFallbackBatch(t *testing.T) {
	t.Parallel()

	sims := map[string]float64{"a": 0.25, "b": 0.45, "c": 0.35}
	cands := pipeline.Unmatched([]pipeline.Candidate{
		{URL: "A", Title: "a"}, {URL: "B", Title: "b"}, {URL: "C", Title: "c"},
	})
	r := mustRanker(t, newFakeEmbedder(sims))
	out, err := r.Rank(context.Background(), testKeyword, cands, pipeline.ModeFallback)
	require.NoError(t, err)
	require.NotNil(t, out.SelectedProduct)
	require.Equal(t, "B", out.SelectedProduct.URL)
	require.Equal(t, 1, out.SelectedProduct.Similarity.Rank)
	require.Nil(t, out.SelectedProduct.Similarity.FinalScore)

	low := map[string]float64{"a": 0.1, "b": 0.2}
	r = mustRanker(t, newFakeEmbedder(low))
	out, err = r.Rank(context.Background(), testKeyword, cands[:2], pipeline.ModeFallback)
	require.NoError(t, err)
	require.Nil(t, out.SelectedProduct)
	require.Contains(t, out.Reason, "0.2000")
	require.Contains(t, out.Reason, "0.3")
}

func TestSimilaritiesScoresFailedTitlesZero(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{"a": 0.5, "c": 0.7})
	emb.fail["b"] = true
	r := mustRanker(t, emb)
	out, err := r.Similarities(context.Background(), testKeyword, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, 2, out[0].Index)
	require.Equal(t, 0, out[1].Index)
	require.Equal(t, 1, out[2].Index)
	require.Zero(t, out[2].Similarity)
}

func TestSimilaritiesTotalFailure(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(nil)
	emb.fail["a"] = true
	emb.fail["b"] = true
	r := mustRanker(t, emb)
	_, err := r.Similarities(context.Background(), testKeyword, []string{"a", "b"})
	require.ErrorIs(t, err, pipeline.ErrRankingUnavailable)

	emb = newFakeEmbedder(map[string]float64{"a": 0.5})
	emb.fail[testKeyword] = true
	r = mustRanker(t, emb)
	_, err = r.Rank(context.Background(), testKeyword, pipeline.Unmatched([]pipeline.Candidate{
		{URL: "A", Title: "a"}, {URL: "B", Title: "a"},
	}), pipeline.ModeFallback)
	require.ErrorIs(t, err, pipeline.ErrRankingUnavailable)
}

func TestSimilaritiesHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := mustRanker(t, newFakeEmbedder(map[string]float64{"a": 0.5, "b": 0.4}))
	_, err := r.Similarities(ctx, testKeyword, []string{"a", "b"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSelectTopNShortCircuit(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(nil)
	r := mustRanker(t, emb)
	out, err := r.SelectTopN(context.Background(), testKeyword, []pipeline.MatchedCandidate{
		matched("low", "x", 0.3),
		matched("high", "y", 1.0),
		matched("mid", "z", 0.5),
	}, nil, 10)
	require.NoError(t, err)
	require.Zero(t, emb.Calls())
	require.Len(t, out.Ranked, 3)
	require.Equal(t, "high", out.Ranked[0].URL)
	require.Equal(t, "mid", out.Ranked[1].URL)
	require.Equal(t, "low", out.Ranked[2].URL)
	require.Equal(t, pipeline.AnalysisMatchOnly, out.Ranked[0].Similarity.AnalysisType)
	require.Equal(t, 3, out.Ranked[2].Similarity.Rank)
	require.Equal(t, "high", out.SelectedProduct.URL)
}

func TestSelectTopNOverQuota(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{"a": 0.9, "b": 0.1, "c": 0.5, "d": 0.3})
	r := mustRanker(t, emb)
	out, err := r.SelectTopN(context.Background(), testKeyword, []pipeline.MatchedCandidate{
		matched("A", "a", 0.4), // 0.70
		matched("B", "b", 1.0), // 0.46
		matched("C", "c", 0.8), // 0.62
		matched("D", "d", 0.3), // 0.30
	}, nil, 2)
	require.NoError(t, err)
	require.Equal(t, 5, emb.Calls())
	require.Len(t, out.Ranked, 2)
	require.Equal(t, "A", out.Ranked[0].URL)
	require.Equal(t, "C", out.Ranked[1].URL)
	require.Equal(t, 2, out.Ranked[1].Similarity.Rank)
	require.Equal(t, 4, out.Ranked[1].Similarity.TotalCandidates)
}

func TestSelectTopNWithoutMatchesFallsBack(t *testing.T) {
	t.Parallel()

	r := mustRanker(t, newFakeEmbedder(map[string]float64{"a": 0.6}))
	out, err := r.SelectTopN(context.Background(), testKeyword, nil, []pipeline.Candidate{{URL: "A", Title: "a"}}, 0)
	require.NoError(t, err)
	require.Equal(t, pipeline.ModeFallback, out.AnalysisMode)
	require.NotNil(t, out.SelectedProduct)
}

func TestSelectIsDeterministic(t *testing.T) {
	t.Parallel()

	sims := map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5}
	cands := []pipeline.MatchedCandidate{
		matched("A", "a", 0.5), matched("B", "b", 0.5), matched("C", "c", 0.5),
	}
	r := mustRanker(t, newFakeEmbedder(sims))
	first, err := r.Select(context.Background(), testKeyword, cands, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Select(context.Background(), testKeyword, cands, nil)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Equal(t, "A", first.SelectedProduct.URL)
}

func TestSelectDropsPlaceholderTitles(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{pipeline.UnknownTitle: 0.9, "a": 0.6})
	r := mustRanker(t, emb)

	out, err := r.Select(context.Background(), testKeyword, nil, []pipeline.Candidate{
		{URL: "u", Title: pipeline.UnknownTitle},
	})
	require.NoError(t, err)
	require.Nil(t, out.SelectedProduct)
	require.Contains(t, out.Reason, "모두 없음")
	require.Zero(t, emb.Calls())

	out, err = r.Select(context.Background(), testKeyword, nil, []pipeline.Candidate{
		{URL: "u", Title: pipeline.UnknownTitle},
		{URL: "A", Title: "a"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.SelectedProduct)
	require.Equal(t, "A", out.SelectedProduct.URL)
	require.Equal(t, 1, out.SelectedProduct.Similarity.TotalCandidates)
	require.Equal(t, 2, emb.Calls())
}

func TestSelectFallsBackWhenMatchedTitlesAreUnusable(t *testing.T) {
	t.Parallel()

	r := mustRanker(t, newFakeEmbedder(map[string]float64{"a": 0.6}))
	out, err := r.Select(context.Background(), testKeyword,
		[]pipeline.MatchedCandidate{matched("P", pipeline.UnknownTitle, 1.0)},
		[]pipeline.Candidate{{URL: "A", Title: "a"}},
	)
	require.NoError(t, err)
	require.Equal(t, pipeline.ModeFallback, out.AnalysisMode)
	require.NotNil(t, out.SelectedProduct)
	require.Equal(t, "A", out.SelectedProduct.URL)
}

func TestRankWithOnlyUntitledCandidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		title string
	}{
		{name: "blank", title: "  "},
		{name: "placeholder", title: pipeline.UnknownTitle},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			emb := newFakeEmbedder(nil)
			r := mustRanker(t, emb)
			out, err := r.Rank(context.Background(), testKeyword, []pipeline.MatchedCandidate{
				matched("u", tt.title, 1.0),
			}, pipeline.ModeMatched)
			require.NoError(t, err)
			require.Nil(t, out.SelectedProduct)
			require.Contains(t, out.Reason, "제목이 있는 후보 상품이 없음")
			require.Zero(t, emb.Calls())
		})
	}
}

func TestSelectTopNDropsPlaceholderTitles(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(nil)
	r := mustRanker(t, emb)
	out, err := r.SelectTopN(context.Background(), testKeyword, []pipeline.MatchedCandidate{
		matched("P", pipeline.UnknownTitle, 1.0),
		matched("A", "a", 0.5),
	}, nil, 10)
	require.NoError(t, err)
	require.Len(t, out.Ranked, 1)
	require.Equal(t, "A", out.SelectedProduct.URL)
	require.Zero(t, emb.Calls())
}

func TestSimilaritiesScoresPlaceholderTitleZero(t *testing.T) {
	t.Parallel()

	emb := newFakeEmbedder(map[string]float64{pipeline.UnknownTitle: 0.9, "a": 0.5})
	r := mustRanker(t, emb)
	out, err := r.Similarities(context.Background(), testKeyword, []string{pipeline.UnknownTitle, "a"})
	require.NoError(t, err)
	require.Equal(t, 1, out[0].Index)
	require.Zero(t, out[1].Similarity)
	require.Equal(t, 2, emb.Calls(), "keyword and one title")
}

func TestRankMatchedFusesOnlyWhenTopCarriesMatch(t *testing.T) {
	t.Parallel()

	unmatched := pipeline.MatchedCandidate{Candidate: pipeline.Candidate{URL: "B", Title: "b"}}

	r := mustRanker(t, newFakeEmbedder(map[string]float64{"a": 0.5, "b": 0.9}))
	out, err := r.Rank(context.Background(), testKeyword,
		[]pipeline.MatchedCandidate{matched("A", "a", 1.0), unmatched}, pipeline.ModeMatched)
	require.NoError(t, err)
	require.Equal(t, "B", out.SelectedProduct.URL)
	require.Nil(t, out.SelectedProduct.Similarity.FinalScore)
	require.Contains(t, out.Reason, "유사도 기반 선택")

	r = mustRanker(t, newFakeEmbedder(map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7}))
	out, err = r.Rank(context.Background(), testKeyword, []pipeline.MatchedCandidate{
		matched("A", "a", 0.2), unmatched, matched("C", "c", 1.0),
	}, pipeline.ModeMatched)
	require.NoError(t, err)
	require.Equal(t, "C", out.SelectedProduct.URL)
	require.NotNil(t, out.SelectedProduct.Similarity.FinalScore)
	require.InDelta(t, 1.0*0.4+0.7*0.6, *out.SelectedProduct.Similarity.FinalScore, 1e-6)
}

func mustRanker(t *testing.T, emb pipeline.Embedder, opts ...Option) *Ranker {
	t.Helper()
	r, err := New(emb, opts...)
	require.NoError(t, err)
	return r
}

func matched(url, title string, score float64) pipeline.MatchedCandidate {
	return pipeline.MatchedCandidate{
		Candidate: pipeline.Candidate{URL: url, Title: title},
		Match:     &pipeline.MatchResult{IsMatch: true, Type: pipeline.MatchSimple, Score: score},
	}
}

// fakeEmbedder maps the keyword to (1, 0) and each known title to a unit
// vector whose cosine with the keyword is the configured similarity.
type fakeEmbedder struct {
	mu    sync.Mutex
	sims  map[string]float64
	fail  map[string]bool
	calls int
}

func newFakeEmbedder(sims map[string]float64) *fakeEmbedder {
	if sims == nil {
		sims = map[string]float64{}
	}
	return &fakeEmbedder{sims: sims, fail: map[string]bool{}}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[text] {
		return nil, errors.New("encoder exploded")
	}
	if text == testKeyword {
		return []float32{1, 0}, nil
	}
	s, ok := f.sims[text]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEmbedder) ModelID() string { return "fake" }

func (f *fakeEmbedder) Close() error { return nil }
