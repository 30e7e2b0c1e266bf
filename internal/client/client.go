// Package client is a typed client for the speakexam HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/speakexam/internal/batch"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/retry"
	"github.com/pavelanni/speakexam/internal/transcribe"
)

var (
	// ErrUnreachable wraps failures to connect to the server at all. Only
	// these are retried: the request never reached a handler.
	ErrUnreachable = errors.New("server unreachable")
	// ErrTimeout means the server accepted the request but did not answer in
	// time. It is not retried, since the request may still be running.
	ErrTimeout = errors.New("server did not respond in time")
)

// APIError is a non-2xx response carrying the server's error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client calls the API at one base URL.
type Client struct {
	base   string
	http   *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client with its 5 minute timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPolicy replaces the retry policy for unreachable-server failures.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func unreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// New returns a Client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 5 * time.Minute},
		policy: retry.Default("api", unreachable),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Retryable = unreachable
	if c.policy.Logger == nil {
		c.policy.Logger = c.logger
	}
	return c
}

// UploadURL is the media upload endpoint for upload.New.
func (c *Client) UploadURL() string {
	return c.base + "/api/upload"
}

// MediaURL turns a stored reference into an absolute URL.
func (c *Client) MediaURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return c.base + "/" + strings.TrimLeft(ref, "/")
}

// Exams lists the exams available to start.
func (c *Client) Exams(ctx context.Context) ([]model.Exam, error) {
	var out []model.Exam
	err := c.do(ctx, http.MethodGet, "/api/exams", nil, &out)
	return out, err
}

// StartSession opens a session on examID for studentName.
func (c *Client) StartSession(ctx context.Context, examID int64, studentName string) (model.SessionView, error) {
	var out model.SessionView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/exams/%d/sessions", examID),
		model.StartSessionRequest{StudentName: studentName}, &out)
	return out, err
}

// Session returns a session with its questions, answers and grades.
func (c *Client) Session(ctx context.Context, id int64) (model.SessionView, error) {
	var out model.SessionView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%d", id), nil, &out)
	return out, err
}

// Sessions lists all sessions, newest first.
func (c *Client) Sessions(ctx context.Context) ([]model.ExamSession, error) {
	var out []model.ExamSession
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// SaveAnswer upserts the answer for in's (session, question) pair.
func (c *Client) SaveAnswer(ctx context.Context, in model.AnswerInput) (model.Answer, error) {
	var out model.SavedAnswer
	if err := c.do(ctx, http.MethodPost, "/api/answers", in, &out); err != nil {
		return model.Answer{}, err
	}
	return out.Answer, nil
}

// CompleteSession marks the session finished.
func (c *Client) CompleteSession(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%d/complete", id), nil, nil)
}

// TranscribeSession runs the server-side transcription for one session.
func (c *Client) TranscribeSession(ctx context.Context, id int64) (model.TranscriptionReport, error) {
	var out model.TranscriptionReport
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%d/transcribe", id), nil, &out)
	return out, err
}

// TranscribeSessions runs server-side transcription over several sessions.
func (c *Client) TranscribeSessions(ctx context.Context, ids []int64) (batch.Report[model.TranscriptionReport], error) {
	var out batch.Report[model.TranscriptionReport]
	err := c.do(ctx, http.MethodPost, "/api/admin/transcribe", model.TranscribeRequest{SessionIDs: ids}, &out)
	return out, err
}

// Grade asks the grading collaborator to grade one session.
func (c *Client) Grade(ctx context.Context, req model.GradeRequest) (model.GradeRecord, error) {
	var out model.GradeRecord
	err := c.do(ctx, http.MethodPost, "/api/grade", req, &out)
	return out, err
}

// ManualGrade records a reviewer's score.
func (c *Client) ManualGrade(ctx context.Context, id int64, req model.ManualGradeRequest) (model.ManualGrade, error) {
	var out model.ManualGrade
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%d/manual-grade", id), req, &out)
	return out, err
}

// TranscriptionHealth reports the speech engine's readiness via the server.
func (c *Client) TranscriptionHealth(ctx context.Context) (transcribe.Health, error) {
	var out transcribe.Health
	err := c.do(ctx, http.MethodGet, "/api/transcription/health", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	_, err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, c.once(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError(method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return transportError(method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// transportError classifies a failed round trip. Dial failures are
// ErrUnreachable; timeouts are ErrTimeout; anything else is returned as is.
func transportError(method, path string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrTimeout, err)
	}
	return fmt.Errorf("%s %s: %w", method, path, err)
}

func errorMessage(raw []byte, status string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) <= 200 {
		return s
	}
	return status
}
