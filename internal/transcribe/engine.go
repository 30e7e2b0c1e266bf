package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is the model name the Whisper server expects.
const DefaultModel = openai.Whisper1

// Audio is one payload sent to an engine.
type Audio struct {
	Name string
	Data []byte
}

// Health is the engine's readiness report.
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
	Ready  bool   `json:"ready"`
}

// Engine converts speech to text.
type Engine interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
	Health(ctx context.Context) (Health, error)
}

// WhisperEngine talks to an OpenAI-compatible transcription server.
type WhisperEngine struct {
	api      *openai.Client
	baseURL  string
	http     *http.Client
	model    string
	language string
}

// NewWhisperEngine returns an engine for the server at baseURL, e.g.
// "http://localhost:8000". An empty modelName selects DefaultModel; an empty
// language lets the server detect it.
func NewWhisperEngine(baseURL, apiKey, modelName, language string) *WhisperEngine {
	baseURL = strings.TrimRight(baseURL, "/")
	if modelName == "" {
		modelName = DefaultModel
	}
	hc := &http.Client{}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	config.HTTPClient = hc

	return &WhisperEngine{
		api:      openai.NewClientWithConfig(config),
		baseURL:  baseURL,
		http:     hc,
		model:    modelName,
		language: language,
	}
}

// Transcribe posts audio to /v1/audio/transcriptions and returns the text.
func (e *WhisperEngine) Transcribe(ctx context.Context, audio Audio) (string, error) {
	resp, err := e.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: audio.Name,
		Reader:   bytes.NewReader(audio.Data),
		Language: e.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classifyEngineErr(err)
	}
	return resp.Text, nil
}

// Health queries GET /health.
func (e *WhisperEngine) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return Health{}, classifyEngineErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Health{}, fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Health{}, &EngineError{Status: resp.StatusCode, Message: detail(body)}
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return Health{}, fmt.Errorf("decode health response: %w", err)
	}
	return h, nil
}

func classifyEngineErr(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &EngineError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := detail(reqErr.Body)
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &EngineError{Status: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}

// detail extracts the message from {"detail": "..."} or {"error": "..."} bodies.
func detail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
