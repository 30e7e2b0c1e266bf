package grading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/speakexam/internal/client"
	"github.com/pavelanni/speakexam/internal/clock"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/retry"
)

func gradingServer(t *testing.T, seen *[]int64, reject map[int64]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/grade", r.URL.Path)
		var req model.GradeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "letmein", req.GradingCode)
		require.Equal(t, "strict", req.PromptID)
		*seen = append(*seen, req.SessionID)

		w.Header().Set("Content-Type", "application/json")
		if status, ok := reject[req.SessionID]; ok {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not completed"})
			return
		}
		_ = json.NewEncoder(w).Encode(model.GradeRecord{SessionID: req.SessionID, PromptID: req.PromptID, Score: 7, MaxScore: 10})
	}))
}

func newClient(url string) *client.Client {
	p := retry.Default("api", nil)
	p.Clock = clock.NewFake(time.Unix(0, 0))
	return client.New(url, client.WithPolicy(p))
}

func TestRunCountsNon2xxAsFailures(t *testing.T) {
	var seen []int64
	srv := gradingServer(t, &seen, map[int64]int{3: http.StatusConflict, 5: http.StatusBadGateway})
	defer srv.Close()

	refreshed := 0
	o := New(newClient(srv.URL), "letmein", WithPrompt("strict"), WithRefresh(func(context.Context) error {
		refreshed++
		return nil
	}))
	ids := []int64{4, 3, 1, 5, 2}
	o.Select(ids...)
	o.Select(3) // duplicates keep their first position

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)

	require.Equal(t, ids, seen)
	require.Equal(t, 2, rep.FailureCount)
	require.Equal(t, 3, rep.SuccessCount)
	require.Equal(t, len(ids), rep.SuccessCount+rep.FailureCount)
	for i, item := range rep.Items {
		require.Equal(t, ids[i], item.ID)
	}

	var itemErr *ItemError
	require.True(t, errors.As(rep.Items[1].Err(), &itemErr))
	require.Equal(t, FailureCollaborator, itemErr.Kind)
	require.Equal(t, http.StatusConflict, itemErr.Status)
	require.Equal(t, "session 3: session not completed", rep.Items[1].Error)
	require.Equal(t, 7.0, rep.Items[0].Value.Score)

	require.Empty(t, o.Selected())
	require.Equal(t, 1, refreshed)
	require.Equal(t, model.BatchProgress{Total: 5, Current: 5, SuccessCount: 3, FailedCount: 2}, o.Progress())
	require.Same(t, rep, o.Results())
}

func TestRunTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := New(newClient(url), "letmein")
	o.Select(1, 2)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.FailureCount)

	var itemErr *ItemError
	require.True(t, errors.As(rep.Items[0].Err(), &itemErr))
	require.Equal(t, FailureTransport, itemErr.Kind)
	require.ErrorIs(t, rep.Items[0].Err(), client.ErrUnreachable)
}

func TestRunWithEmptySelectionSurfacesNothing(t *testing.T) {
	refreshed := 0
	o := New(newClient("http://127.0.0.1:1"), "x", WithRefresh(func(context.Context) error {
		refreshed++
		return errors.New("list failed")
	}))

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, rep)
	require.Nil(t, o.Results())
	require.Equal(t, 1, refreshed)
}

func TestDeselect(t *testing.T) {
	o := New(nil, "")
	o.Select(1, 2, 3, 4)
	o.Deselect(2, 4)
	require.Equal(t, []int64{1, 3}, o.Selected())
}
