package handler

import (
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/llm/prompts"
	"github.com/pavelanni/speakexam/internal/model"
)

// MetaPromptVariant is the metadata key holding the server's default prompt variant.
const MetaPromptVariant = "prompt_variant"

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req model.GradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ok, err := h.store.CheckGradingCode(req.GradingCode)
	if err != nil {
		storeError(w, r, err)
		return
	}
	if !ok {
		slog.Warn("grading code rejected", "session_id", req.SessionID)
		writeError(w, http.StatusForbidden, appI18n.T(ctx, "GradingCodeInvalid"))
		return
	}

	view, err := h.store.GetSessionView(req.SessionID)
	if err != nil {
		storeError(w, r, err)
		return
	}
	if !view.Session.Completed() {
		writeError(w, http.StatusConflict, appI18n.Td(ctx, "SessionNotCompleted", map[string]any{"ID": req.SessionID}))
		return
	}
	if h.grader == nil {
		writeError(w, http.StatusServiceUnavailable, appI18n.T(ctx, "GradingUnavailable"))
		return
	}

	variant, err := h.promptVariant(req.PromptID)
	if err != nil {
		storeError(w, r, err)
		return
	}
	rec, err := h.grader.GradeSession(ctx, variant, *view)
	if err != nil {
		slog.Error("AI grading failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, appI18n.Td(ctx, "GradingFailed", map[string]any{"Reason": err.Error()}))
		return
	}

	saved, err := h.store.SaveGrade(rec)
	if err != nil {
		storeError(w, r, err)
		return
	}
	slog.Info("session graded", "session_id", req.SessionID, "prompt", variant,
		"score", saved.Score, "max_score", saved.MaxScore)
	writeJSON(w, http.StatusOK, saved)
}

// promptVariant picks the request's variant, then the stored default, then
// the configured one.
func (h *Handler) promptVariant(requested string) (prompts.PromptVariant, error) {
	if requested != "" {
		return prompts.PromptVariant(requested), nil
	}
	stored, err := h.store.GetMetadata(MetaPromptVariant)
	if err != nil {
		return "", err
	}
	if prompts.IsValidVariant(stored) {
		return prompts.PromptVariant(stored), nil
	}
	return prompts.PromptVariant(h.config.PromptVariant), nil
}

func (h *Handler) handleManualGrade(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	var req model.ManualGradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	mg, err := h.store.SaveManualGrade(model.ManualGrade{SessionID: id, Score: req.Score, Comment: req.Comment})
	if err != nil {
		storeError(w, r, err)
		return
	}
	slog.Info("manual grade saved", "session_id", id, "score", mg.Score)
	writeJSON(w, http.StatusOK, mg)
}
