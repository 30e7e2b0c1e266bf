package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/speakexam/internal/llm/prompts"
	"github.com/pavelanni/speakexam/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoChoices is returned when the model answers with an empty choice list.
var ErrNoChoices = errors.New("LLM returned no choices")

// gradeResponse is the JSON object the grading prompt asks for.
type gradeResponse struct {
	Items []struct {
		QuestionID int64   `json:"question_id"`
		Score      float64 `json:"score"`
		Feedback   string  `json:"feedback"`
	} `json:"items"`
	Feedback string `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// GradeSession asks the model to grade every transcribed answer of a session
// and returns the result as a GradeRecord. Scores are clamped to each
// question's maximum; questions the model skipped score zero.
func (c *Client) GradeSession(ctx context.Context, variant prompts.PromptVariant, view model.SessionView) (model.GradeRecord, error) {
	prompt, err := prompts.BuildGradePrompt(variant, view)
	if err != nil {
		return model.GradeRecord{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return model.GradeRecord{}, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.GradeRecord{}, ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "session_id", view.Session.ID, "raw", raw)

	rec, err := parseGrade(raw, view.Questions)
	if err != nil {
		return model.GradeRecord{}, err
	}
	rec.SessionID = view.Session.ID
	rec.PromptID = string(variant)
	return rec, nil
}

func parseGrade(raw string, questions []model.Question) (model.GradeRecord, error) {
	var resp gradeResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return model.GradeRecord{}, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}

	byID := make(map[int64]int, len(resp.Items))
	for i, it := range resp.Items {
		byID[it.QuestionID] = i
	}

	rec := model.GradeRecord{
		Feedback: resp.Feedback,
		Items:    make([]model.QuestionGrade, 0, len(questions)),
	}
	for _, q := range questions {
		g := model.QuestionGrade{QuestionID: q.ID, MaxPoints: q.MaxPoints}
		if i, ok := byID[q.ID]; ok {
			g.Score = clamp(resp.Items[i].Score, q.MaxPoints)
			g.Feedback = resp.Items[i].Feedback
		}
		rec.Items = append(rec.Items, g)
		rec.Score += g.Score
		rec.MaxScore += q.MaxPoints
	}
	return rec, nil
}

func clamp(score float64, maxPoints int) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	return math.Min(score, float64(maxPoints))
}
