package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/transcribe"
)

func TestTranscribeRunsOneSessionAtATime(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case "/api/transcription/health":
			_ = json.NewEncoder(w).Encode(transcribe.Health{Status: "ok", Model: "base", Ready: true})
		case "/api/sessions/1/transcribe":
			_ = json.NewEncoder(w).Encode(model.TranscriptionReport{SessionID: 1, Processed: 2, SuccessCount: 2})
		case "/api/sessions/2/transcribe":
			http.Error(w, `{"error":"engine crashed"}`, http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"transcribe", "--server", srv.URL, "--session", "1,2", "--log-level", "error"})
	require.NoError(t, root.Execute())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"GET /api/transcription/health",
		"POST /api/sessions/1/transcribe",
		"POST /api/sessions/2/transcribe",
	}, paths)
	require.Contains(t, out.String(), "session 1: 2/2 answers transcribed")
	require.Contains(t, out.String(), "session 2: engine crashed")
	require.Contains(t, out.String(), "2 sessions processed.")
	require.Contains(t, out.String(), "Succeeded: 1, failed: 1.")
}
