package handler

import (
	"errors"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/transcribe"
)

func (h *Handler) handleTranscribeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	rep, err := h.orch.TranscribeSession(r.Context(), id)
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleTranscribeSessions(w http.ResponseWriter, r *http.Request) {
	var req model.TranscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	rep := h.orch.TranscribeSessions(r.Context(), req.SessionIDs, func(p model.BatchProgress) {
		slog.Info("bulk transcription progress", "current", p.Current, "total", p.Total,
			"succeeded", p.SuccessCount, "failed", p.FailedCount)
	})
	writeJSON(w, http.StatusOK, rep)
}

// handleTranscriptionHealth reports the engine's own health when it answers
// at all, so "still loading" shows up as ready=false with 200.
func (h *Handler) handleTranscriptionHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.engine.Health(r.Context())
	if err != nil {
		if errors.Is(err, transcribe.ErrEngineUnavailable) {
			writeError(w, http.StatusServiceUnavailable, appI18n.T(r.Context(), "EngineNotRunning"))
			return
		}
		slog.Warn("speech engine health check failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}
