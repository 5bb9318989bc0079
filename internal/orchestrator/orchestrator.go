// Package orchestrator runs the discovery pipeline end to end: keyword,
// product search, matching, selection and the optional downstream steps.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/audit"
	"github.com/JakeFAU/product-discovery/internal/content"
	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/keywords"
	"github.com/JakeFAU/product-discovery/internal/media"
	"github.com/JakeFAU/product-discovery/internal/metrics"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
	"github.com/JakeFAU/product-discovery/internal/runs"
)

const (
	tracerName = "github.com/JakeFAU/product-discovery/internal/orchestrator"
	dateLayout = "2006-01-02"
)

// Deps are the collaborators of a run. Keywords, Detail, Uploader, Content
// and Publisher may be nil; a run that needs a missing one fails.
type Deps struct {
	Keywords  KeywordSource
	Search    ProductSearcher
	Matcher   Matcher
	Ranker    Ranker
	Detail    DetailCrawler
	Uploader  ImageUploader
	Content   ContentGenerator
	Publisher pipeline.Publisher
	Audit     audit.Emitter
	Store     runs.Store
	IDs       pipeline.IDGenerator
	Clock     pipeline.Clock
	Logger    *zap.Logger
}

// Config controls the orchestrator.
type Config struct {
	// Topic receives the handoff message when a run publishes.
	Topic string
}

// HandoffMessage is published for downstream blog posting.
type HandoffMessage struct {
	runs.Envelope
	RunID        string                    `json:"run_id"`
	Keyword      string                    `json:"keyword"`
	Selected     *pipeline.SelectedProduct `json:"selected_product"`
	Reason       string                    `json:"reason"`
	AnalysisMode pipeline.AnalysisMode     `json:"analysis_mode"`
	Detail       *detail.ProductDetail     `json:"product_detail,omitempty"`
	ImageFolder  string                    `json:"image_folder,omitempty"`
	ImageURLs    []string                  `json:"image_urls,omitempty"`
	Blog         *content.BlogContent      `json:"blog_content,omitempty"`
	PublishedAt  time.Time                 `json:"published_at"`
}

// Orchestrator executes pipeline runs and records them in the run store.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates the required collaborators and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Search == nil:
		return nil, errors.New("orchestrator: product search is required")
	case deps.Matcher == nil:
		return nil, errors.New("orchestrator: matcher is required")
	case deps.Ranker == nil:
		return nil, errors.New("orchestrator: ranker is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: run store is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer(tracerName),
		logger: logger.Named("orchestrator"),
	}, nil
}

// Run executes a pipeline synchronously and stores the outcome.
func (o *Orchestrator) Run(ctx context.Context, req runs.Request) (runs.Result, error) {
	id, err := o.Submit(ctx, req)
	if err != nil {
		return runs.Result{}, err
	}
	return o.Execute(ctx, id, req)
}

// Submit records a queued run and returns its id without executing it.
func (o *Orchestrator) Submit(ctx context.Context, req runs.Request) (string, error) {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	run := runs.Run{ID: id, Status: runs.StatusQueued, Request: req, Created: o.deps.Clock.Now()}
	if err := o.deps.Store.Create(ctx, run); err != nil {
		return "", fmt.Errorf("store run: %w", err)
	}
	return id, nil
}

// Execute runs a previously submitted run.
func (o *Orchestrator) Execute(ctx context.Context, runID string, req runs.Request) (runs.Result, error) {
	storeCtx := context.WithoutCancel(ctx)
	if err := o.deps.Store.MarkRunning(storeCtx, runID); err != nil {
		o.logger.Warn("mark run running failed", zap.String("run_id", runID), zap.Error(err))
	}
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	ctx, span := o.tracer.Start(ctx, "discovery.run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	start := o.deps.Clock.Now()
	o.emit(ctx, audit.Record{RunID: runID, Stage: audit.StageRun, Status: audit.StatusStart, Payload: runPayload(req)})

	result, err := o.execute(ctx, runID, req)

	rec := audit.Record{
		RunID:    runID,
		Stage:    audit.StageRun,
		Status:   audit.StatusSuccess,
		Duration: o.since(start),
		Payload:  runPayload(req),
	}
	rec.Payload["keyword"] = result.Keyword
	rec.Payload["selected"] = result.Selection.Selected()
	if err != nil {
		rec.Status = audit.StatusError
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("run failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		o.logger.Info("run finished",
			zap.String("run_id", runID),
			zap.String("keyword", result.Keyword),
			zap.Bool("selected", result.Selection.Selected()),
			zap.Duration("duration", rec.Duration),
		)
	}
	o.emit(ctx, rec)

	if storeErr := o.deps.Store.Finish(storeCtx, runID, &result, err); storeErr != nil {
		o.logger.Warn("store run result failed", zap.String("run_id", runID), zap.Error(storeErr))
	}
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, runID string, req runs.Request) (runs.Result, error) {
	result := runs.Result{
		RunID:         runID,
		Keyword:       req.Keyword,
		SearchResults: []pipeline.Candidate{},
		Matched:       []pipeline.MatchedCandidate{},
	}
	env := req.Envelope.Fields()

	if result.Keyword == "" {
		if o.deps.Keywords == nil {
			return result, fmt.Errorf("%w: keyword is required when no keyword source is configured", pipeline.ErrInvalidInput)
		}
		kwReq := o.keywordRequest(req)
		err := o.stage(ctx, runID, audit.StageKeywordSearch, merge(env, map[string]any{
			"tag": kwReq.Tag, "category": kwReq.Category, "start_date": kwReq.StartDate, "end_date": kwReq.EndDate,
		}), func(ctx context.Context) (map[string]any, error) {
			kw, err := o.deps.Keywords.Search(ctx, kwReq)
			if err != nil {
				return nil, err
			}
			result.Keyword = kw.Keyword
			result.KeywordSource = &kw
			return map[string]any{"keyword": kw.Keyword, "rank": kw.Rank, "total_keywords": len(kw.TotalKeywords)}, nil
		})
		if err != nil {
			return result, err
		}
	} else {
		o.skip(ctx, runID, audit.StageKeywordSearch, &result, "keyword provided")
	}

	err := o.stage(ctx, runID, audit.StageProductSearch, merge(env, map[string]any{"keyword": result.Keyword}),
		func(ctx context.Context) (map[string]any, error) {
			found, err := o.deps.Search.Search(ctx, result.Keyword)
			if err != nil {
				return nil, err
			}
			result.SearchResults = found
			return map[string]any{"search_results": len(found)}, nil
		})
	if err != nil {
		return result, err
	}

	err = o.stage(ctx, runID, audit.StageMatch, merge(env, map[string]any{"candidates": len(result.SearchResults)}),
		func(ctx context.Context) (map[string]any, error) {
			matched, err := o.deps.Matcher.Match(ctx, result.Keyword, result.SearchResults)
			if err != nil {
				return nil, err
			}
			result.Matched = matched
			return map[string]any{"matched_products": len(matched)}, nil
		})
	if err != nil {
		return result, err
	}

	err = o.stage(ctx, runID, audit.StageSimilarity, merge(env, map[string]any{"matched_products": len(result.Matched), "top_n": req.TopN}),
		func(ctx context.Context) (map[string]any, error) {
			var (
				outcome pipeline.SelectionOutcome
				err     error
			)
			if req.TopN > 0 {
				outcome, err = o.deps.Ranker.SelectTopN(ctx, result.Keyword, result.Matched, result.SearchResults, req.TopN)
			} else {
				outcome, err = o.deps.Ranker.Select(ctx, result.Keyword, result.Matched, result.SearchResults)
			}
			if err != nil {
				return nil, err
			}
			result.Selection = outcome
			metrics.ObserveSelection(string(outcome.AnalysisMode), outcome.Selected())
			out := map[string]any{
				"selected":      outcome.Selected(),
				"reason":        outcome.Reason,
				"analysis_mode": string(outcome.AnalysisMode),
			}
			if outcome.Selected() {
				out["url"] = outcome.SelectedProduct.URL
				out["title"] = outcome.SelectedProduct.Title
			}
			return out, nil
		})
	if err != nil {
		return result, err
	}

	return result, o.downstream(ctx, runID, req, env, &result)
}

func (o *Orchestrator) downstream(ctx context.Context, runID string, req runs.Request, env map[string]any, result *runs.Result) error {
	selected := result.Selection.SelectedProduct
	needDetail := req.Detail || req.Upload
	if selected == nil {
		for _, step := range []struct {
			on    bool
			stage audit.Stage
		}{
			{needDetail, audit.StageDetail},
			{req.Upload, audit.StageUpload},
			{req.Content, audit.StageContent},
			{req.Publish, audit.StagePublish},
		} {
			if step.on {
				o.skip(ctx, runID, step.stage, result, pipeline.ErrNoSelection.Error())
			}
		}
		return nil
	}

	if needDetail {
		if o.deps.Detail == nil {
			return errors.New("detail crawler is not configured")
		}
		err := o.stage(ctx, runID, audit.StageDetail, merge(env, map[string]any{"url": selected.URL}),
			func(ctx context.Context) (map[string]any, error) {
				d, err := o.deps.Detail.Crawl(ctx, selected.URL)
				if err != nil {
					return nil, err
				}
				result.Detail = &d
				return map[string]any{
					"title": d.Title, "price": d.Price, "rating": d.Rating,
					"options": len(d.Options), "images": len(d.Images),
				}, nil
			})
		if err != nil {
			return err
		}
	}

	if req.Upload {
		if o.deps.Uploader == nil {
			return errors.New("image uploader is not configured")
		}
		err := o.stage(ctx, runID, audit.StageUpload, merge(env, map[string]any{"images": len(result.Detail.Images)}),
			func(ctx context.Context) (map[string]any, error) {
				up, err := o.deps.Uploader.Upload(ctx, runID, 0, *result.Detail)
				if err != nil {
					return nil, err
				}
				result.Upload = &up
				return map[string]any{
					"status": up.Status, "success_count": up.SuccessCount,
					"fail_count": up.FailCount, "upload_folder": up.Folder,
				}, nil
			})
		if err != nil {
			return err
		}
	}

	if req.Content {
		if o.deps.Content == nil {
			return errors.New("content generator is not configured")
		}
		err := o.stage(ctx, runID, audit.StageContent, merge(env, map[string]any{"keyword": result.Keyword}),
			func(ctx context.Context) (map[string]any, error) {
				blog, err := o.deps.Content.Generate(ctx, content.Request{Keyword: result.Keyword, Product: result.Detail})
				if err != nil {
					return nil, err
				}
				result.Content = &blog
				return map[string]any{"title": blog.Title, "tags": blog.Tags, "fallback": blog.Fallback}, nil
			})
		if err != nil {
			return err
		}
	}

	if req.Publish {
		return o.publish(ctx, runID, req, env, result)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, runID string, req runs.Request, env map[string]any, result *runs.Result) error {
	if o.deps.Publisher == nil {
		return errors.New("publisher is not configured")
	}
	return o.stage(ctx, runID, audit.StagePublish, merge(env, map[string]any{"topic": o.cfg.Topic}),
		func(ctx context.Context) (map[string]any, error) {
			msg := HandoffMessage{
				Envelope:     req.Envelope,
				RunID:        runID,
				Keyword:      result.Keyword,
				Selected:     result.Selection.SelectedProduct,
				Reason:       result.Selection.Reason,
				AnalysisMode: result.Selection.AnalysisMode,
				Detail:       result.Detail,
				Blog:         result.Content,
				PublishedAt:  o.deps.Clock.Now().UTC(),
			}
			if up := result.Upload; up != nil {
				msg.ImageFolder = up.Folder
				msg.ImageURLs = uploadedURLs(up)
			}
			id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, msg)
			if err != nil {
				return nil, err
			}
			result.MessageID = id
			return map[string]any{"message_id": id}, nil
		})
}

// stage wraps fn with a span, stage metrics and start/terminal audit records.
func (o *Orchestrator) stage(
	ctx context.Context,
	runID string,
	stage audit.Stage,
	payload map[string]any,
	fn func(context.Context) (map[string]any, error),
) error {
	ctx, span := o.tracer.Start(ctx, "discovery."+string(stage), trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("stage", string(stage)),
	))
	defer span.End()

	start := o.deps.Clock.Now()
	o.emit(ctx, audit.Record{RunID: runID, Stage: stage, Status: audit.StatusStart, Payload: payload})

	out, err := fn(ctx)
	duration := o.since(start)
	if err != nil {
		metrics.ObserveStage(string(stage), string(audit.StatusError), duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.emit(ctx, audit.Record{
			RunID: runID, Stage: stage, Status: audit.StatusError,
			Payload: payload, Duration: duration, Error: err.Error(),
		})
		return fmt.Errorf("%s: %w", stage, err)
	}
	metrics.ObserveStage(string(stage), string(audit.StatusSuccess), duration)
	o.emit(ctx, audit.Record{
		RunID: runID, Stage: stage, Status: audit.StatusSuccess,
		Payload: merge(payload, out), Duration: duration,
	})
	return nil
}

func (o *Orchestrator) skip(ctx context.Context, runID string, stage audit.Stage, result *runs.Result, reason string) {
	result.Skipped = append(result.Skipped, string(stage))
	metrics.ObserveStage(string(stage), string(audit.StatusSkipped), 0)
	o.emit(ctx, audit.Record{
		RunID: runID, Stage: stage, Status: audit.StatusSkipped,
		Payload: map[string]any{"reason": reason},
	})
}

func (o *Orchestrator) emit(ctx context.Context, rec audit.Record) {
	if o.deps.Audit == nil {
		return
	}
	if rec.TS.IsZero() {
		rec.TS = o.deps.Clock.Now().UTC()
	}
	o.deps.Audit.Emit(rec.WithSpan(ctx))
}

func (o *Orchestrator) since(start time.Time) time.Duration {
	d := o.deps.Clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// keywordRequest fills in a one-day window ending yesterday when no dates are
// given; the ranking for the current day is incomplete.
func (o *Orchestrator) keywordRequest(req runs.Request) keywords.Request {
	kw := keywords.Request{Tag: req.Tag, Category: req.Category, StartDate: req.StartDate, EndDate: req.EndDate}
	if kw.Tag == "" {
		kw.Tag = keywords.TagNaverStore
	}
	if kw.StartDate == "" && kw.EndDate == "" {
		day := o.deps.Clock.Now().AddDate(0, 0, -1).Format(dateLayout)
		kw.StartDate, kw.EndDate = day, day
	}
	return kw
}

func runPayload(req runs.Request) map[string]any {
	return merge(req.Envelope.Fields(), map[string]any{
		"keyword": req.Keyword,
		"detail":  req.Detail,
		"upload":  req.Upload,
		"content": req.Content,
		"publish": req.Publish,
		"top_n":   req.TopN,
	})
}

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func uploadedURLs(up *media.UploadResult) []string {
	urls := make([]string, 0, len(up.Uploaded))
	for _, img := range up.Uploaded {
		urls = append(urls, img.URL)
	}
	return urls
}
