package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/product-discovery/internal/config"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

func newEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Texts))
		for i := range out {
			out[i] = []float32{1, 0, 0}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Audit.PrometheusSink = true
	cfg.Audit.LogSink = true
	return cfg
}

func TestBuildWiresHTTPServer(t *testing.T) {
	embed := newEmbedServer(t)
	cfg := testConfig(t)
	cfg.Embedding.Backend = "http"
	cfg.Embedding.Endpoint = embed.URL

	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildFailsWithoutEmbedder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Backend = "http"
	cfg.Embedding.Endpoint = ""

	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.Nil(t, app)
	require.ErrorIs(t, err, pipeline.ErrEmbedderUnavailable)
}

func TestBuildLogsStageSetup(t *testing.T) {
	embed := newEmbedServer(t)
	cfg := testConfig(t)
	cfg.Embedding.Backend = "http"
	cfg.Embedding.Endpoint = embed.URL
	cfg.Ranker.TopN = 7

	core, logs := observer.New(zapcore.InfoLevel)
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.New(core)),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	matcherLogs := logs.FilterMessage("keyword matcher ready").All()
	require.Len(t, matcherLogs, 1)
	require.Equal(t, false, matcherLogs[0].ContextMap()["morphological"])

	rankerLogs := logs.FilterMessage("similarity ranker ready").All()
	require.Len(t, rankerLogs, 1)
	require.EqualValues(t, 7, rankerLogs[0].ContextMap()["top_n"])
}
