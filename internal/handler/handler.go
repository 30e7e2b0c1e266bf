// Package handler exposes the exam API over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/llm/prompts"
	"github.com/pavelanni/speakexam/internal/media"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/retry"
	"github.com/pavelanni/speakexam/internal/store"
	"github.com/pavelanni/speakexam/internal/transcribe"
)

// maxJSONBody bounds every JSON request body.
const maxJSONBody = 1 << 20

// SessionGrader grades one completed session.
type SessionGrader interface {
	GradeSession(ctx context.Context, variant prompts.PromptVariant, view model.SessionView) (model.GradeRecord, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	storage  *media.Storage
	grader   SessionGrader
	engine   transcribe.Engine
	orch     *transcribe.Orchestrator
	validate *validator.Validate
	config   model.ServerConfig
}

// New creates a new Handler. grader may be nil when no LLM is configured;
// grading requests then fail with 503.
func New(s *store.Store, storage *media.Storage, grader SessionGrader, engine transcribe.Engine, cfg model.ServerConfig) (*Handler, error) {
	if cfg.PromptVariant == "" {
		cfg.PromptVariant = string(prompts.PromptStandard)
	}
	if !prompts.IsValidVariant(cfg.PromptVariant) {
		return nil, fmt.Errorf("invalid prompt variant %q", cfg.PromptVariant)
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "/media"
	}
	cfg.PublicURL = "/" + strings.Trim(cfg.PublicURL, "/")

	policy := retry.Default("transcribe", transcribe.Retryable)
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	fwdOpts := []transcribe.Option{transcribe.WithPolicy(policy)}
	if cfg.TranscribeTimeout > 0 {
		fwdOpts = append(fwdOpts, transcribe.WithTimeout(cfg.TranscribeTimeout))
	}
	fwd := transcribe.NewForwarder(storage, engine, fwdOpts...)

	return &Handler{
		store:    s,
		storage:  storage,
		grader:   grader,
		engine:   engine,
		orch:     transcribe.NewOrchestrator(s, fwd, slog.Default()),
		validate: newValidator(),
		config:   cfg,
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Router builds the chi router with middleware and all routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/upload", h.handleUpload)
	r.Get(h.config.PublicURL+"/*", h.handleMedia)
	r.Head(h.config.PublicURL+"/*", h.handleMedia)

	r.Get("/api/exams", h.handleListExams)
	r.Post("/api/exams/{examID}/sessions", h.handleStartSession)
	r.Get("/api/sessions", h.handleListSessions)
	r.Get("/api/sessions/{sessionID}", h.handleGetSession)
	r.Post("/api/sessions/{sessionID}/complete", h.handleCompleteSession)
	r.Post("/api/answers", h.handleSaveAnswer)

	r.Post("/api/sessions/{sessionID}/transcribe", h.handleTranscribeSession)
	r.Post("/api/admin/transcribe", h.handleTranscribeSessions)
	r.Get("/api/transcription/health", h.handleTranscriptionHealth)

	r.Post("/api/grade", h.handleGrade)
	r.Post("/api/sessions/{sessionID}/manual-grade", h.handleManualGrade)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into dst and validates it. On failure the 400
// response has already been written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "InvalidRequest", map[string]any{"Reason": err.Error()}))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "InvalidRequest", map[string]any{"Reason": validationMessage(err)}))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "InvalidRequest", map[string]any{"Reason": "invalid " + name}))
		return 0, false
	}
	return id, true
}

// storeError maps store sentinels to a response.
func storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrExamNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrQuestionNotFound),
		errors.Is(err, store.ErrAnswerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("store error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
