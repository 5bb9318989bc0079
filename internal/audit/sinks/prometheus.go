package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-discovery/internal/audit"
)

// PrometheusSink exports run lifecycle metrics derived from audit records:
// runs started, completed and in flight, run runtime and per-stage outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	stageOutcomes *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_runs_started_total",
			Help: "Total pipeline runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_runs_completed_total",
			Help: "Total pipeline runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_runs_running",
			Help: "Current number of pipeline runs in flight.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_run_runtime_seconds",
			Help:    "Wall time per completed pipeline run.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_audit_stage_outcomes_total",
			Help: "Terminal audit records partitioned by stage and status.",
		}, []string{"stage", "status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.stageOutcomes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register audit collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []audit.Record) error {
	for _, rec := range batch {
		if rec.Stage == audit.StageRun {
			s.handleRun(rec)
			continue
		}
		if rec.Terminal() {
			s.stageOutcomes.WithLabelValues(string(rec.Stage), string(rec.Status)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleRun(rec audit.Record) {
	if rec.Status == audit.StatusStart {
		s.runsStarted.Inc()
		if s.tracker.start(rec.RunID) {
			s.runsRunning.Inc()
		}
		return
	}
	result := "success"
	if rec.Status == audit.StatusError {
		result = "error"
	}
	s.runsCompleted.WithLabelValues(result).Inc()
	if rec.Duration > 0 {
		s.runRuntime.WithLabelValues(result).Observe(rec.Duration.Seconds())
	}
	if s.tracker.complete(rec.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
