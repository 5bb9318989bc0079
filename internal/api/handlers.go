package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/content"
	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/dispatcher"
	"github.com/JakeFAU/product-discovery/internal/keywords"
	"github.com/JakeFAU/product-discovery/internal/media"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
	"github.com/JakeFAU/product-discovery/internal/runs"
)

const (
	statusSuccess = "success"
	statusQueued  = "queued"
	statusError   = "error"
)

// maxBodyBytes caps request bodies; upload requests carry image lists.
const maxBodyBytes = 4 << 20

var errNotConfigured = errors.New("stage not configured")

type responseBase struct {
	runs.Envelope
	Status string `json:"status"`
}

func success(env runs.Envelope) responseBase {
	return responseBase{Envelope: env, Status: statusSuccess}
}

type errorResponse struct {
	responseBase
	Error string `json:"error"`
}

type keywordSearchRequest struct {
	runs.Envelope
	keywords.Request
}

type keywordSearchResponse struct {
	responseBase
	keywords.Result
}

type productSearchRequest struct {
	runs.Envelope
	Keyword string `json:"keyword"`
}

type productSearchResponse struct {
	responseBase
	Keyword       string               `json:"keyword"`
	SearchResults []pipeline.Candidate `json:"search_results"`
}

type matchRequest struct {
	runs.Envelope
	Keyword       string               `json:"keyword"`
	SearchResults []pipeline.Candidate `json:"search_results"`
}

type matchResponse struct {
	responseBase
	Keyword         string                      `json:"keyword"`
	MatchedProducts []pipeline.MatchedCandidate `json:"matched_products"`
}

type similarityRequest struct {
	runs.Envelope
	Keyword         string                      `json:"keyword"`
	MatchedProducts []pipeline.MatchedCandidate `json:"matched_products"`
	SearchResults   []pipeline.Candidate        `json:"search_results"`
	TopN            int                         `json:"top_n"`
}

type similarityResponse struct {
	responseBase
	pipeline.SelectionOutcome
}

type crawlRequest struct {
	runs.Envelope
	ProductURL string `json:"product_url"`
}

type crawlResponse struct {
	responseBase
	ProductURL    string               `json:"product_url"`
	ProductDetail detail.ProductDetail `json:"product_detail"`
}

type uploadRequest struct {
	runs.Envelope
	ProductIndex  int                  `json:"product_index"`
	ProductDetail detail.ProductDetail `json:"product_detail"`
}

type uploadResponse struct {
	responseBase
	Upload media.UploadResult `json:"upload_result"`
}

type contentRequest struct {
	runs.Envelope
	content.Request
}

type contentResponse struct {
	responseBase
	content.BlogContent
}

type runRequest struct {
	runs.Request
	Async bool `json:"async"`
}

type runResponse struct {
	responseBase
	RunID  string       `json:"run_id"`
	Result *runs.Result `json:"result,omitempty"`
}

type runStatusResponse struct {
	responseBase
	Run runs.Run `json:"run"`
}

func (s *Server) searchKeywords(w http.ResponseWriter, r *http.Request) {
	var req keywordSearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Keywords == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	res, err := s.svc.Keywords.Search(r.Context(), req.Request)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	writeJSON(w, http.StatusOK, keywordSearchResponse{responseBase: success(req.Envelope), Result: res})
}

func (s *Server) searchProducts(w http.ResponseWriter, r *http.Request) {
	var req productSearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Search == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	results, err := s.svc.Search.Search(r.Context(), req.Keyword)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	if results == nil {
		results = []pipeline.Candidate{}
	}
	writeJSON(w, http.StatusOK, productSearchResponse{
		responseBase:  success(req.Envelope),
		Keyword:       req.Keyword,
		SearchResults: results,
	})
}

func (s *Server) matchProducts(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Matcher == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	matched, err := s.svc.Matcher.Match(r.Context(), req.Keyword, req.SearchResults)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	if matched == nil {
		matched = []pipeline.MatchedCandidate{}
	}
	writeJSON(w, http.StatusOK, matchResponse{
		responseBase:    success(req.Envelope),
		Keyword:         req.Keyword,
		MatchedProducts: matched,
	})
}

func (s *Server) selectProduct(w http.ResponseWriter, r *http.Request) {
	var req similarityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Ranker == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	if req.TopN < 0 {
		s.fail(w, r, req.Envelope, fmt.Errorf("%w: top_n must be >= 0", pipeline.ErrInvalidInput))
		return
	}
	var (
		outcome pipeline.SelectionOutcome
		err     error
	)
	if req.TopN > 0 {
		outcome, err = s.svc.Ranker.SelectTopN(r.Context(), req.Keyword, req.MatchedProducts, req.SearchResults, req.TopN)
	} else {
		outcome, err = s.svc.Ranker.Select(r.Context(), req.Keyword, req.MatchedProducts, req.SearchResults)
	}
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	writeJSON(w, http.StatusOK, similarityResponse{responseBase: success(req.Envelope), SelectionOutcome: outcome})
}

func (s *Server) crawlProduct(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Detail == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	d, err := s.svc.Detail.Crawl(r.Context(), req.ProductURL)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	writeJSON(w, http.StatusOK, crawlResponse{
		responseBase:  success(req.Envelope),
		ProductURL:    req.ProductURL,
		ProductDetail: d,
	})
}

func (s *Server) uploadImages(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Uploader == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	res, err := s.svc.Uploader.Upload(r.Context(), RequestID(r.Context()), req.ProductIndex, req.ProductDetail)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{responseBase: success(req.Envelope), Upload: res})
}

func (s *Server) generateContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Content == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	if strings.TrimSpace(req.Keyword) == "" && req.Product == nil {
		s.fail(w, r, req.Envelope, fmt.Errorf("%w: keyword or product_info is required", pipeline.ErrInvalidInput))
		return
	}
	blog, err := s.svc.Content.Generate(r.Context(), req.Request)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{responseBase: success(req.Envelope), BlogContent: blog})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TopN < 0 {
		s.fail(w, r, req.Envelope, fmt.Errorf("%w: top_n must be >= 0", pipeline.ErrInvalidInput))
		return
	}
	if req.Async {
		if s.svc.Async == nil {
			s.fail(w, r, req.Envelope, errNotConfigured)
			return
		}
		runID, err := s.svc.Async.Submit(r.Context(), req.Request)
		if err != nil {
			s.fail(w, r, req.Envelope, err)
			return
		}
		writeJSON(w, http.StatusAccepted, runResponse{
			responseBase: responseBase{Envelope: req.Envelope, Status: statusQueued},
			RunID:        runID,
		})
		return
	}
	if s.svc.Runner == nil {
		s.fail(w, r, req.Envelope, errNotConfigured)
		return
	}
	res, err := s.svc.Runner.Run(r.Context(), req.Request)
	if err != nil {
		s.fail(w, r, req.Envelope, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{responseBase: success(req.Envelope), RunID: res.RunID, Result: &res})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Runs == nil {
		s.fail(w, r, runs.Envelope{}, errNotConfigured)
		return
	}
	run, err := s.svc.Runs.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.fail(w, r, runs.Envelope{}, err)
		return
	}
	writeJSON(w, http.StatusOK, runStatusResponse{responseBase: success(run.Request.Envelope), Run: run})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			responseBase: responseBase{Status: statusError},
			Error:        "invalid JSON",
		})
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, env runs.Envelope, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{
		responseBase: responseBase{Envelope: env, Status: statusError},
		Error:        err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, runs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrSourceUnavailable),
		errors.Is(err, pipeline.ErrSearchUnavailable),
		errors.Is(err, pipeline.ErrDetailUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrMatchingUnavailable),
		errors.Is(err, pipeline.ErrRankingUnavailable),
		errors.Is(err, pipeline.ErrEmbedderUnavailable),
		errors.Is(err, dispatcher.ErrBusy),
		errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
