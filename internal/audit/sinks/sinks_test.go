package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/product-discovery/internal/audit"
)

func runBatch(now time.Time) []audit.Record {
	return []audit.Record{
		{RunID: "run-1", Stage: audit.StageRun, Status: audit.StatusStart, TS: now},
		{RunID: "run-1", Stage: audit.StageProductSearch, Status: audit.StatusStart, TS: now},
		{RunID: "run-1", Stage: audit.StageProductSearch, Status: audit.StatusSuccess, TS: now, Duration: time.Second},
		{RunID: "run-1", Stage: audit.StageDetail, Status: audit.StatusError, Error: "timeout", TS: now},
		{RunID: "run-1", Stage: audit.StageRun, Status: audit.StatusSuccess, TS: now, Duration: 3 * time.Second},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), runBatch(time.Now())))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageOutcomes.WithLabelValues("product_search", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageOutcomes.WithLabelValues("product_crawl", "error")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "discovery_run_runtime_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

type fakeWriter struct {
	rows [][]audit.Record
	err  error
}

func (f *fakeWriter) InsertRecords(_ context.Context, records []audit.Record) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, records)
	return nil
}

func TestStoreSinkPersistsTerminalRecords(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	sink := NewStoreSink(w, nil)
	require.NoError(t, sink.Consume(context.Background(), runBatch(time.Now())))
	require.Len(t, w.rows, 1)
	require.Len(t, w.rows[0], 3)
	for _, rec := range w.rows[0] {
		require.NotEqual(t, audit.StatusStart, rec.Status)
	}

	require.NoError(t, sink.Consume(context.Background(), runBatch(time.Now())[:2]))
	require.Len(t, w.rows, 1)
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeWriter{err: errors.New("db down")}, nil)
	err := sink.Consume(context.Background(), runBatch(time.Now()))
	require.ErrorContains(t, err, "db down")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), runBatch(time.Now())))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), runBatch(time.Now())))
	require.NoError(t, sink.Close(context.Background()))

	require.Equal(t, 5, logs.Len())
	errs := logs.FilterLevelExact(zap.ErrorLevel).All()
	require.Len(t, errs, 1)
	require.Equal(t, "timeout", errs[0].ContextMap()["error"])
}
