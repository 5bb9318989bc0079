package runs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(0)
	ctx := context.Background()
	run := Run{ID: "run-1", Request: Request{Keyword: "원피스"}}

	require.NoError(t, store.Create(ctx, run))
	require.Error(t, store.Create(ctx, run))
	require.Error(t, store.Create(ctx, Run{}))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.False(t, got.Created.IsZero())
	require.Nil(t, got.Started)

	require.NoError(t, store.MarkRunning(ctx, "run-1"))
	got, _ = store.Get(ctx, "run-1")
	require.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.Started)

	result := &Result{RunID: "run-1", Keyword: "원피스"}
	require.NoError(t, store.Finish(ctx, "run-1", result, nil))
	got, _ = store.Get(ctx, "run-1")
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, result, got.Result)
	require.NotNil(t, got.Finished)
}

func TestMemoryStoreFailureAndMissing(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(10)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Run{ID: "run-1"}))
	require.NoError(t, store.Finish(ctx, "run-1", nil, errors.New("search unavailable")))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "search unavailable", got.Error)
	require.NotNil(t, got.Started)

	_, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.MarkRunning(ctx, "nope"), ErrNotFound)
	require.ErrorIs(t, store.Finish(ctx, "nope", nil, nil), ErrNotFound)
}

func TestMemoryStoreEvictsOldestFinished(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(2)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Run{ID: "a"}))
	require.NoError(t, store.Finish(ctx, "a", nil, nil))
	require.NoError(t, store.Create(ctx, Run{ID: "b"}))
	require.NoError(t, store.Create(ctx, Run{ID: "c"}))

	require.Equal(t, 2, store.Len())
	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	// Unfinished runs are never evicted.
	require.NoError(t, store.Create(ctx, Run{ID: "d"}))
	require.Equal(t, 3, store.Len())
}
