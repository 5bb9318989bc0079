// Package runs defines pipeline run records and the store that tracks them.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/product-discovery/internal/content"
	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/keywords"
	"github.com/JakeFAU/product-discovery/internal/media"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Status enumerates run lifecycle states.
type Status string

// Run states.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Envelope carries the scheduler identifiers echoed in responses and audit
// payloads.
type Envelope struct {
	JobID         string `json:"job_id,omitempty"`
	ScheduleID    string `json:"schedule_id,omitempty"`
	ScheduleHisID string `json:"schedule_his_id,omitempty"`
}

// Fields returns the non-empty identifiers as an audit payload fragment.
func (e Envelope) Fields() map[string]any {
	out := map[string]any{}
	if e.JobID != "" {
		out["job_id"] = e.JobID
	}
	if e.ScheduleID != "" {
		out["schedule_id"] = e.ScheduleID
	}
	if e.ScheduleHisID != "" {
		out["schedule_his_id"] = e.ScheduleHisID
	}
	return out
}

// Request configures one pipeline run. An empty Keyword is sourced from the
// trending ranking selected by Tag and Category.
type Request struct {
	Envelope
	Keyword   string `json:"keyword,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Category  string `json:"category,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	TopN      int    `json:"top_n,omitempty"`
	Detail    bool   `json:"detail"`
	Upload    bool   `json:"upload"`
	Content   bool   `json:"content"`
	Publish   bool   `json:"publish"`
}

// Result is everything a run produced.
type Result struct {
	RunID         string                      `json:"run_id"`
	Keyword       string                      `json:"keyword"`
	KeywordSource *keywords.Result            `json:"keyword_source,omitempty"`
	SearchResults []pipeline.Candidate        `json:"search_results"`
	Matched       []pipeline.MatchedCandidate `json:"matched_products"`
	Selection     pipeline.SelectionOutcome   `json:"selection"`
	Detail        *detail.ProductDetail       `json:"product_detail,omitempty"`
	Upload        *media.UploadResult         `json:"upload,omitempty"`
	Content       *content.BlogContent        `json:"blog_content,omitempty"`
	MessageID     string                      `json:"message_id,omitempty"`
	Skipped       []string                    `json:"skipped_stages,omitempty"`
}

// Run is the stored record of a run.
type Run struct {
	ID       string     `json:"run_id"`
	Status   Status     `json:"status"`
	Request  Request    `json:"request"`
	Result   *Result    `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Created  time.Time  `json:"created_at"`
	Started  *time.Time `json:"started_at,omitempty"`
	Finished *time.Time `json:"finished_at,omitempty"`
}

// Store persists runs.
type Store interface {
	Create(ctx context.Context, run Run) error
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, result *Result, runErr error) error
	Get(ctx context.Context, id string) (Run, error)
}
