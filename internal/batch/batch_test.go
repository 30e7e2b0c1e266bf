package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/speakexam/internal/model"
)

func TestRunAccountsForEveryItem(t *testing.T) {
	ids := []int64{10, 20, 30, 40, 50}
	var (
		called   []int64
		progress []model.BatchProgress
	)
	rep := Run(context.Background(), ids, Options{Name: "test", Progress: func(p model.BatchProgress) {
		progress = append(progress, p)
	}}, func(_ context.Context, id int64) (string, error) {
		called = append(called, id)
		if id == 20 || id == 40 {
			return "", fmt.Errorf("item %d rejected", id)
		}
		return fmt.Sprint(id), nil
	})

	require.Equal(t, ids, called)
	require.Equal(t, 5, rep.Processed)
	require.Equal(t, 3, rep.SuccessCount)
	require.Equal(t, 2, rep.FailureCount)
	require.Len(t, rep.Items, 5)
	for i, item := range rep.Items {
		require.Equal(t, ids[i], item.ID)
	}
	require.False(t, rep.Items[1].Success)
	require.Equal(t, "item 20 rejected", rep.Items[1].Error)
	require.Error(t, rep.Items[1].Err())
	require.Equal(t, "30", rep.Items[2].Value)

	require.Len(t, progress, 5)
	require.Equal(t, model.BatchProgress{Total: 5, Current: 2, SuccessCount: 1, FailedCount: 1}, progress[1])
	require.Equal(t, model.BatchProgress{Total: 5, Current: 5, SuccessCount: 3, FailedCount: 2}, progress[4])
}

func TestRunEmpty(t *testing.T) {
	rep := Run(context.Background(), nil, Options{}, func(context.Context, int64) (int, error) {
		t.Fatal("fn must not be called")
		return 0, nil
	})
	require.Zero(t, rep.Processed)
	require.Empty(t, rep.Items)
}

func TestRunCancelledStillTallies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	rep := Run(ctx, []int64{1, 2, 3}, Options{}, func(context.Context, int64) (bool, error) {
		calls++
		cancel()
		return true, nil
	})

	require.Equal(t, 1, calls)
	require.Equal(t, 3, rep.Processed)
	require.Equal(t, 1, rep.SuccessCount)
	require.Equal(t, 2, rep.FailureCount)
	require.True(t, errors.Is(rep.Items[2].Err(), context.Canceled))
}
