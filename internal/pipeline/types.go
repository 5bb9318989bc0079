// Package pipeline defines the records and contracts shared by the candidate-selection stages.
package pipeline

import (
	"net/http"
	"strings"
	"time"
)

// UnknownTitle is the placeholder used when search markup exposes no title.
const UnknownTitle = "Unknown Title"

// Candidate is a scraped product awaiting evaluation.
type Candidate struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// HasTitle reports whether the candidate carries a usable title.
func (c Candidate) HasTitle() bool {
	t := strings.TrimSpace(c.Title)
	return t != "" && t != UnknownTitle
}

// MatchType identifies which matching tier accepted a candidate.
type MatchType string

// Matching tiers in priority order.
const (
	MatchExact         MatchType = "exact"
	MatchMorphological MatchType = "morphological"
	MatchSimple        MatchType = "simple"
)

// MatchResult is the per-candidate outcome of keyword matching.
type MatchResult struct {
	IsMatch bool      `json:"is_match"`
	Type    MatchType `json:"match_type"`
	Score   float64   `json:"match_score"`
	Reason  string    `json:"match_reason"`
}

// MatchedCandidate pairs a candidate with its match annotation. Match is nil
// for raw search results ranked in fallback mode.
type MatchedCandidate struct {
	Candidate
	Match *MatchResult `json:"match_info,omitempty"`
}

// Unmatched wraps raw search results for fallback ranking.
func Unmatched(candidates []Candidate) []MatchedCandidate {
	out := make([]MatchedCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, MatchedCandidate{Candidate: c})
	}
	return out
}

// SimilarityResult is one keyword/title cosine score.
type SimilarityResult struct {
	Index      int     `json:"index"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// AnalysisMode records which candidate pool the ranker used.
type AnalysisMode string

// Ranking modes.
const (
	ModeMatched  AnalysisMode = "matched_products"
	ModeFallback AnalysisMode = "fallback_similarity_only"
)

// AnalysisType records which ranking path produced a selection.
type AnalysisType string

// Ranking paths.
const (
	AnalysisSingle    AnalysisType = "single_candidate"
	AnalysisBatch     AnalysisType = "batch_similarity"
	AnalysisMatchOnly AnalysisType = "match_score_only"
)

// SimilarityInfo is attached to every selected product.
type SimilarityInfo struct {
	SimilarityScore float64      `json:"similarity_score"`
	AnalysisMode    AnalysisMode `json:"analysis_mode"`
	AnalysisType    AnalysisType `json:"analysis_type"`
	MatchScore      *float64     `json:"match_score,omitempty"`
	FinalScore      *float64     `json:"final_score,omitempty"`
	Rank            int          `json:"rank"`
	TotalCandidates int          `json:"total_candidates"`
}

// SelectedProduct is a candidate that cleared ranking.
type SelectedProduct struct {
	Candidate
	Match      *MatchResult   `json:"match_info,omitempty"`
	Similarity SimilarityInfo `json:"similarity_info"`
}

// SelectionOutcome is the terminal record of the candidate-selection core.
// SelectedProduct is nil when nothing cleared the applicable threshold.
type SelectionOutcome struct {
	Keyword         string            `json:"keyword"`
	SelectedProduct *SelectedProduct  `json:"selected_product"`
	Reason          string            `json:"reason"`
	AnalysisMode    AnalysisMode      `json:"analysis_mode"`
	Ranked          []SelectedProduct `json:"ranked,omitempty"`
}

// Selected reports whether a product was chosen.
func (o SelectionOutcome) Selected() bool {
	return o.SelectedProduct != nil
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RunID       string
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the raw result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
