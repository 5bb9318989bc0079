// Package ranker selects products by embedding similarity between the keyword
// and candidate titles, optionally fused with the keyword match score.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// Defaults for selection thresholds and weights.
const (
	DefaultFallbackFloor    = 0.3
	DefaultMatchWeight      = 0.4
	DefaultSimilarityWeight = 0.6
	DefaultTopN             = 10
)

// Option customizes a Ranker.
type Option func(*Ranker)

// WithFallbackFloor sets the minimum similarity accepted in fallback mode.
func WithFallbackFloor(floor float64) Option {
	return func(r *Ranker) {
		r.fallbackFloor = floor
	}
}

// WithWeights sets the fusion weights for match and similarity scores.
func WithWeights(match, similarity float64) Option {
	return func(r *Ranker) {
		if match >= 0 && similarity >= 0 && match+similarity > 0 {
			r.matchWeight = match
			r.similarityWeight = similarity
		}
	}
}

// WithTopN sets the default quota for SelectTopN.
func WithTopN(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.topN = n
		}
	}
}

// WithLogger sets the ranker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Ranker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Ranker scores candidates against a keyword. It holds no per-call state and
// may be shared across goroutines if the embedder allows it.
type Ranker struct {
	embedder         pipeline.Embedder
	fallbackFloor    float64
	matchWeight      float64
	similarityWeight float64
	topN             int
	logger           *zap.Logger
}

// New builds a Ranker. The embedder must already be loaded.
func New(embedder pipeline.Embedder, opts ...Option) (*Ranker, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", pipeline.ErrEmbedderUnavailable)
	}
	r := &Ranker{
		embedder:         embedder,
		fallbackFloor:    DefaultFallbackFloor,
		matchWeight:      DefaultMatchWeight,
		similarityWeight: DefaultSimilarityWeight,
		topN:             DefaultTopN,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// TopN returns the configured quota for SelectTopN.
func (r *Ranker) TopN() int {
	return r.topN
}

// Select ranks matched candidates when there are any and falls back to the raw
// search results otherwise. Candidates without a usable title are dropped from
// both lists first.
func (r *Ranker) Select(
	ctx context.Context,
	keyword string,
	matched []pipeline.MatchedCandidate,
	searchResults []pipeline.Candidate,
) (pipeline.SelectionOutcome, error) {
	if err := validateKeyword(keyword); err != nil {
		return pipeline.SelectionOutcome{}, err
	}
	matched = r.titled(matched)
	if len(matched) > 0 {
		return r.Rank(ctx, keyword, matched, pipeline.ModeMatched)
	}
	searchResults = r.titledResults(searchResults)
	if len(searchResults) == 0 {
		return pipeline.SelectionOutcome{
			Keyword:      keyword,
			Reason:       "매칭된 상품과 검색 결과가 모두 없음",
			AnalysisMode: pipeline.ModeFallback,
		}, nil
	}
	r.logger.Info("no matched products, ranking raw search results",
		zap.String("keyword", keyword),
		zap.Int("search_results", len(searchResults)),
	)
	return r.Rank(ctx, keyword, pipeline.Unmatched(searchResults), pipeline.ModeFallback)
}

// Rank selects the single best candidate for the given mode. A nil selected
// product is a valid outcome; errors are reserved for structural failures.
// Candidates without a usable title never reach the embedder.
func (r *Ranker) Rank(
	ctx context.Context,
	keyword string,
	candidates []pipeline.MatchedCandidate,
	mode pipeline.AnalysisMode,
) (pipeline.SelectionOutcome, error) {
	if err := validateKeyword(keyword); err != nil {
		return pipeline.SelectionOutcome{}, err
	}
	outcome := pipeline.SelectionOutcome{Keyword: keyword, AnalysisMode: mode}
	usable := r.titled(candidates)
	if dropped := len(candidates) - len(usable); len(usable) == 0 && dropped > 0 {
		outcome.Reason = fmt.Sprintf("제목이 있는 후보 상품이 없음 (제외 %d개)", dropped)
		return outcome, nil
	}
	candidates = usable
	switch len(candidates) {
	case 0:
		outcome.Reason = "후보 상품이 없음"
		return outcome, nil
	case 1:
		return r.rankSingle(ctx, outcome, candidates[0])
	default:
		return r.rankBatch(ctx, outcome, candidates)
	}
}

// SelectTopN returns up to n candidates. When there are no more matched
// candidates than n, the similarity stage is skipped and the candidates are
// ordered by match score alone. Without matched candidates it behaves like
// Select over the search results.
func (r *Ranker) SelectTopN(
	ctx context.Context,
	keyword string,
	matched []pipeline.MatchedCandidate,
	searchResults []pipeline.Candidate,
	n int,
) (pipeline.SelectionOutcome, error) {
	if err := validateKeyword(keyword); err != nil {
		return pipeline.SelectionOutcome{}, err
	}
	if n <= 0 {
		n = r.topN
	}
	matched = r.titled(matched)
	if len(matched) == 0 {
		return r.Select(ctx, keyword, nil, searchResults)
	}
	outcome := pipeline.SelectionOutcome{Keyword: keyword, AnalysisMode: pipeline.ModeMatched}
	if len(matched) <= n {
		ordered := append([]pipeline.MatchedCandidate(nil), matched...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return matchScore(ordered[i]) > matchScore(ordered[j])
		})
		for i, mc := range ordered {
			info := pipeline.SimilarityInfo{
				AnalysisMode:    pipeline.ModeMatched,
				AnalysisType:    pipeline.AnalysisMatchOnly,
				Rank:            i + 1,
				TotalCandidates: len(ordered),
			}
			if mc.Match != nil {
				info.MatchScore = floatPtr(mc.Match.Score)
			}
			outcome.Ranked = append(outcome.Ranked, selected(mc, info))
		}
		outcome.SelectedProduct = &outcome.Ranked[0]
		outcome.Reason = fmt.Sprintf("매칭 상품 %d개 ≤ %d, 매칭 점수 순 반환", len(ordered), n)
		return outcome, nil
	}

	scores, err := r.score(ctx, keyword, matched)
	if err != nil {
		return pipeline.SelectionOutcome{}, err
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].final > scores[j].final
	})
	for i, s := range scores[:n] {
		info := s.info(pipeline.ModeMatched, pipeline.AnalysisBatch, len(scores))
		info.Rank = i + 1
		outcome.Ranked = append(outcome.Ranked, selected(s.candidate, info))
	}
	outcome.SelectedProduct = &outcome.Ranked[0]
	outcome.Reason = fmt.Sprintf("종합 점수 상위 %d개 선택 (후보 %d개)", n, len(scores))
	return outcome, nil
}

// Similarities embeds the keyword once and each title independently, returning
// results sorted by similarity descending. A title that fails to embed scores
// 0.0; if every title fails the error wraps pipeline.ErrRankingUnavailable.
func (r *Ranker) Similarities(ctx context.Context, keyword string, titles []string) ([]pipeline.SimilarityResult, error) {
	if err := validateKeyword(keyword); err != nil {
		return nil, err
	}
	if len(titles) == 0 {
		return nil, nil
	}
	kwVec, err := r.embedder.Embed(ctx, keyword)
	if err != nil {
		return nil, fmt.Errorf("%w: embed keyword: %v", pipeline.ErrRankingUnavailable, err)
	}
	results := make([]pipeline.SimilarityResult, 0, len(titles))
	failed := 0
	for i, title := range titles {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("similarity canceled: %w", err)
		}
		sim, err := r.similarityTo(ctx, kwVec, title)
		if err != nil {
			failed++
			r.logger.Warn("title similarity failed, scoring 0",
				zap.Int("index", i),
				zap.String("title", title),
				zap.Error(err),
			)
			sim = 0
		}
		results = append(results, pipeline.SimilarityResult{Index: i, Title: title, Similarity: sim})
	}
	if failed == len(titles) {
		return nil, fmt.Errorf("%w: all %d titles failed to embed", pipeline.ErrRankingUnavailable, failed)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	r.logger.Debug("batch similarity finished",
		zap.String("keyword", keyword),
		zap.Int("titles", len(titles)),
		zap.Int("failed", failed),
		zap.Float64("best", results[0].Similarity),
	)
	return results, nil
}

func (r *Ranker) rankSingle(
	ctx context.Context,
	outcome pipeline.SelectionOutcome,
	cand pipeline.MatchedCandidate,
) (pipeline.SelectionOutcome, error) {
	kwVec, err := r.embedder.Embed(ctx, outcome.Keyword)
	if err != nil {
		return pipeline.SelectionOutcome{}, fmt.Errorf("%w: embed keyword: %v", pipeline.ErrRankingUnavailable, err)
	}
	sim, err := r.similarityTo(ctx, kwVec, cand.Title)
	if err != nil {
		return pipeline.SelectionOutcome{}, fmt.Errorf("%w: embed title: %v", pipeline.ErrRankingUnavailable, err)
	}
	if outcome.AnalysisMode == pipeline.ModeFallback && sim < r.fallbackFloor {
		outcome.Reason = fmt.Sprintf("단일 상품 유사도(%.4f) < 기준(%g)", sim, r.fallbackFloor)
		return outcome, nil
	}
	info := pipeline.SimilarityInfo{
		SimilarityScore: sim,
		AnalysisMode:    outcome.AnalysisMode,
		AnalysisType:    pipeline.AnalysisSingle,
		Rank:            1,
		TotalCandidates: 1,
	}
	if cand.Match != nil {
		info.MatchScore = floatPtr(cand.Match.Score)
	}
	product := selected(cand, info)
	outcome.SelectedProduct = &product
	if outcome.AnalysisMode == pipeline.ModeFallback {
		outcome.Reason = fmt.Sprintf("단일 상품 유사도 기준 통과 (유사도: %.4f)", sim)
	} else {
		outcome.Reason = fmt.Sprintf("단일 매칭 상품 선택 (유사도: %.4f)", sim)
	}
	return outcome, nil
}

func (r *Ranker) rankBatch(
	ctx context.Context,
	outcome pipeline.SelectionOutcome,
	candidates []pipeline.MatchedCandidate,
) (pipeline.SelectionOutcome, error) {
	scores, err := r.score(ctx, outcome.Keyword, candidates)
	if err != nil {
		return pipeline.SelectionOutcome{}, err
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].similarity > scores[j].similarity
	})
	top := scores[0]

	if outcome.AnalysisMode == pipeline.ModeFallback {
		if top.similarity < r.fallbackFloor {
			outcome.Reason = fmt.Sprintf("최고 유사도(%.4f) < 기준(%g)", top.similarity, r.fallbackFloor)
			return outcome, nil
		}
		product := selected(top.candidate, top.info(outcome.AnalysisMode, pipeline.AnalysisBatch, len(scores)))
		outcome.SelectedProduct = &product
		outcome.Reason = fmt.Sprintf("유사도 기반 선택 (유사도: %.4f)", top.similarity)
		return outcome, nil
	}

	// Fusion applies only when the most similar candidate carries a match score.
	if !top.hasMatch {
		product := selected(top.candidate, top.info(outcome.AnalysisMode, pipeline.AnalysisBatch, len(scores)))
		outcome.SelectedProduct = &product
		outcome.Reason = fmt.Sprintf("유사도 기반 선택 (유사도: %.4f)", top.similarity)
		return outcome, nil
	}
	top = bestFused(scores)
	product := selected(top.candidate, top.info(outcome.AnalysisMode, pipeline.AnalysisBatch, len(scores)))
	outcome.SelectedProduct = &product
	outcome.Reason = fmt.Sprintf(
		"매칭+유사도 종합 점수 선택 (최종: %.4f = 매칭 %.4f×%g + 유사도 %.4f×%g)",
		top.final, top.candidate.Match.Score, r.matchWeight, top.similarity, r.similarityWeight,
	)
	return outcome, nil
}

type scored struct {
	candidate  pipeline.MatchedCandidate
	similarity float64
	final      float64
	hasMatch   bool
	rank       int
}

func (s scored) info(mode pipeline.AnalysisMode, kind pipeline.AnalysisType, total int) pipeline.SimilarityInfo {
	info := pipeline.SimilarityInfo{
		SimilarityScore: s.similarity,
		AnalysisMode:    mode,
		AnalysisType:    kind,
		Rank:            s.rank,
		TotalCandidates: total,
	}
	if s.hasMatch {
		info.MatchScore = floatPtr(s.candidate.Match.Score)
		info.FinalScore = floatPtr(s.final)
	}
	return info
}

// score computes similarity for every candidate and the fused score for those
// that carry a match score. rank is the similarity rank (1-based).
func (r *Ranker) score(ctx context.Context, keyword string, candidates []pipeline.MatchedCandidate) ([]scored, error) {
	titles := make([]string, len(candidates))
	for i, c := range candidates {
		titles[i] = c.Title
	}
	sims, err := r.Similarities(ctx, keyword, titles)
	if err != nil {
		return nil, err
	}
	out := make([]scored, 0, len(sims))
	for rank, sim := range sims {
		cand := candidates[sim.Index]
		s := scored{candidate: cand, similarity: sim.Similarity, final: sim.Similarity, rank: rank + 1}
		if cand.Match != nil {
			s.hasMatch = true
			s.final = r.Fuse(cand.Match.Score, sim.Similarity)
		}
		out = append(out, s)
	}
	return out, nil
}

// Fuse combines a match score and a similarity score.
func (r *Ranker) Fuse(match, similarity float64) float64 {
	return match*r.matchWeight + similarity*r.similarityWeight
}

func (r *Ranker) similarityTo(ctx context.Context, kwVec []float32, title string) (float64, error) {
	if !(pipeline.Candidate{Title: title}).HasTitle() {
		return 0, errors.New("missing title")
	}
	vec, err := r.embedder.Embed(ctx, title)
	if err != nil {
		return 0, fmt.Errorf("embed title: %w", err)
	}
	return Cosine(kwVec, vec)
}

// bestFused returns the candidate with the highest fused score among those
// carrying a match score, keeping similarity order on ties. scores[0] must
// carry a match score.
func bestFused(scores []scored) scored {
	best := scores[0]
	for _, s := range scores[1:] {
		if s.hasMatch && s.final > best.final {
			best = s
		}
	}
	return best
}

// titled drops candidates whose title is empty or the search placeholder.
func (r *Ranker) titled(candidates []pipeline.MatchedCandidate) []pipeline.MatchedCandidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.HasTitle() {
			out = append(out, c)
		}
	}
	if dropped := len(candidates) - len(out); dropped > 0 {
		r.logger.Debug("dropped candidates without title", zap.Int("dropped", dropped))
	}
	return out
}

func (r *Ranker) titledResults(candidates []pipeline.Candidate) []pipeline.Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.HasTitle() {
			out = append(out, c)
		}
	}
	if dropped := len(candidates) - len(out); dropped > 0 {
		r.logger.Debug("dropped search results without title", zap.Int("dropped", dropped))
	}
	return out
}

func validateKeyword(keyword string) error {
	if strings.TrimSpace(keyword) == "" {
		return fmt.Errorf("%w: keyword is required", pipeline.ErrInvalidInput)
	}
	return nil
}

func selected(mc pipeline.MatchedCandidate, info pipeline.SimilarityInfo) pipeline.SelectedProduct {
	return pipeline.SelectedProduct{
		Candidate:  mc.Candidate,
		Match:      mc.Match,
		Similarity: info,
	}
}

func matchScore(mc pipeline.MatchedCandidate) float64 {
	if mc.Match == nil {
		return 0
	}
	return mc.Match.Score
}

func floatPtr(v float64) *float64 {
	return &v
}
