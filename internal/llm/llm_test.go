package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/speakexam/internal/llm/prompts"
	"github.com/pavelanni/speakexam/internal/model"
)

func questions() []model.Question {
	return []model.Question{
		{ID: 11, Position: 1, Text: "Describe your home town.", MaxPoints: 10},
		{ID: 12, Position: 2, Text: "Summarize the clip.", MaxPoints: 5},
	}
}

func TestParseGrade(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantScore  float64
		wantFirst  float64
		wantSecond float64
	}{
		{"in range", `{"items":[{"question_id":11,"score":7.5},{"question_id":12,"score":4}],"feedback":"ok"}`, 11.5, 7.5, 4},
		{"clamped", `{"items":[{"question_id":11,"score":15},{"question_id":12,"score":-2}]}`, 10, 10, 0},
		{"missing item", `{"items":[{"question_id":12,"score":3}]}`, 3, 0, 3},
		{"unknown id ignored", `{"items":[{"question_id":99,"score":5}]}`, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseGrade(tt.raw, questions())
			if err != nil {
				t.Fatalf("parseGrade: %v", err)
			}
			if rec.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", rec.Score, tt.wantScore)
			}
			if rec.MaxScore != 15 {
				t.Errorf("MaxScore = %d, want 15", rec.MaxScore)
			}
			if len(rec.Items) != 2 {
				t.Fatalf("got %d items, want 2", len(rec.Items))
			}
			if rec.Items[0].Score != tt.wantFirst || rec.Items[1].Score != tt.wantSecond {
				t.Errorf("item scores = %v/%v, want %v/%v", rec.Items[0].Score, rec.Items[1].Score, tt.wantFirst, tt.wantSecond)
			}
		})
	}

	if _, err := parseGrade("not json", questions()); err == nil {
		t.Error("expected error for malformed response")
	}
}

func fakeChat(t *testing.T, content string, captured *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) > 0 && captured != nil {
			*captured = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   req.Model,
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGradeSession(t *testing.T) {
	if err := prompts.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text := "My town is small."
	view := model.SessionView{
		Session:   model.ExamSession{ID: 3},
		Exam:      model.Exam{Title: "Speaking"},
		Questions: questions(),
		Answers:   []model.Answer{{QuestionID: 11, Transcription: &text}},
	}

	var prompt string
	srv := fakeChat(t, `{"items":[{"question_id":11,"score":6,"feedback":"short"},{"question_id":12,"score":0}],"feedback":"needs detail"}`, &prompt)

	c := New(srv.URL+"/v1", "test", "test-model")
	rec, err := c.GradeSession(context.Background(), prompts.PromptStrict, view)
	if err != nil {
		t.Fatalf("GradeSession: %v", err)
	}
	if rec.SessionID != 3 || rec.PromptID != "strict" {
		t.Errorf("got session %d prompt %q", rec.SessionID, rec.PromptID)
	}
	if rec.Score != 6 || rec.MaxScore != 15 || rec.Feedback != "needs detail" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !strings.Contains(prompt, text) {
		t.Error("prompt sent to the model should contain the transcript")
	}
}

func TestGradeSessionUpstreamError(t *testing.T) {
	if err := prompts.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1", "test", "test-model")
	_, err := c.GradeSession(context.Background(), prompts.PromptStandard, model.SessionView{Questions: questions()})
	if err == nil {
		t.Fatal("expected error from failing upstream")
	}
}
