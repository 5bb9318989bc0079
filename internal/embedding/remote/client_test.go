package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmbedBatch(t *testing.T) {
	t.Parallel()

	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		out := embedResponse{}
		for i := range got.Texts {
			out.Embeddings = append(out.Embeddings, []float32{float32(i), 1})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", "ko-sbert", time.Second)
	require.NoError(t, err)
	vecs, err := c.EmbedBatch(context.Background(), []string{"반지", "목걸이"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0, 1}, {1, 1}}, vecs)
	require.Equal(t, []string{"반지", "목걸이"}, got.Texts)
	require.Equal(t, "ko-sbert", got.Model)
	require.Equal(t, "ko-sbert", c.ModelID())

	vec, err := c.Embed(context.Background(), "반지")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1}, vec)
	require.NoError(t, c.Close())
}

func TestEmbedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			want: "status 503",
		},
		{
			name: "count mismatch",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"embeddings":[]}`))
			},
			want: "got 0 vectors",
		},
		{
			name: "empty vector",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"embeddings":[[]]}`))
			},
			want: "empty vector",
		},
		{
			name: "bad json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{`))
			},
			want: "decode response",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)
			c, err := New(srv.URL, "", time.Second)
			require.NoError(t, err)
			_, err = c.Embed(context.Background(), "반지")
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New("  ", "m", 0)
	require.Error(t, err)

	c, err := New("http://embedder:8080", "", 0)
	require.NoError(t, err)
	require.Equal(t, "http://embedder:8080", c.ModelID())
}
