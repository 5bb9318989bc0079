package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Stage names the pipeline step a Record describes.
type Stage string

// Pipeline stages.
const (
	StageRun           Stage = "run"
	StageKeywordSearch Stage = "keyword_search"
	StageProductSearch Stage = "product_search"
	StageMatch         Stage = "product_match"
	StageSimilarity    Stage = "product_similarity"
	StageDetail        Stage = "product_crawl"
	StageUpload        Stage = "image_upload"
	StageContent       Stage = "blog_content"
	StagePublish       Stage = "publish"
)

// Status is the outcome carried by a Record.
type Status string

// Record statuses.
const (
	StatusStart   Status = "start"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Record is one (stage, status, payload) execution log entry.
type Record struct {
	RunID    string         `json:"run_id"`
	Stage    Stage          `json:"stage"`
	Status   Status         `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	SpanID   string         `json:"span_id,omitempty"`
	TS       time.Time      `json:"ts"`
}

// Validate performs coarse validation on Record payloads.
func (r Record) Validate() error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	if r.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if r.Stage == "" {
		return errors.New("stage is required")
	}
	switch r.Status {
	case StatusStart, StatusSuccess, StatusSkipped:
	case StatusError:
		if r.Error == "" {
			return errors.New("error record requires error text")
		}
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the record closes its stage.
func (r Record) Terminal() bool {
	return r.Status != StatusStart
}

// WithSpan copies the trace and span ids of the active span in ctx.
func (r Record) WithSpan(ctx context.Context) Record {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		r.TraceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		r.SpanID = sc.SpanID().String()
	}
	return r
}
