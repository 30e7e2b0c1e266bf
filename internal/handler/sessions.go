package handler

import (
	"log/slog"
	"net/http"

	"github.com/pavelanni/speakexam/internal/model"
)

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams()
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	examID, ok := h.pathID(w, r, "examID")
	if !ok {
		return
	}
	var req model.StartSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.store.CreateSession(examID, req.StudentName)
	if err != nil {
		storeError(w, r, err)
		return
	}
	view, err := h.store.GetSessionView(sess.ID)
	if err != nil {
		storeError(w, r, err)
		return
	}
	slog.Info("session started", "session_id", sess.ID, "exam_id", examID, "questions", len(view.Questions))
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	view, err := h.store.GetSessionView(id)
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	sess, err := h.store.CompleteSession(id)
	if err != nil {
		storeError(w, r, err)
		return
	}
	slog.Info("session completed", "session_id", id)
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSaveAnswer(w http.ResponseWriter, r *http.Request) {
	var in model.AnswerInput
	if !h.decode(w, r, &in) {
		return
	}

	answer, created, err := h.store.SaveAnswer(in)
	if err != nil {
		storeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	slog.Info("answer saved", "session_id", in.SessionID, "question_id", in.QuestionID,
		"created", created, "has_audio", answer.AudioURL != nil)
	writeJSON(w, status, model.SavedAnswer{Answer: answer, Created: created})
}
