package store

import (
	"fmt"

	"github.com/pavelanni/speakexam/internal/model"
)

// ExportAllSessions builds export-ready results from all sessions, oldest first.
func (s *Store) ExportAllSessions() ([]model.SessionResult, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	results := make([]model.SessionResult, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		view, err := s.GetSessionView(sessions[i].ID)
		if err != nil {
			return nil, fmt.Errorf("get session %d: %w", sessions[i].ID, err)
		}

		answers := make(map[int64]model.Answer, len(view.Answers))
		for _, a := range view.Answers {
			answers[a.QuestionID] = a
		}

		questions := make([]model.QuestionResult, 0, len(view.Questions))
		for _, q := range view.Questions {
			qr := model.QuestionResult{Position: q.Position, Format: q.Format, Text: q.Text}
			if a, ok := answers[q.ID]; ok {
				qr.AudioURL = a.AudioURL
				qr.Transcription = a.Transcription
				qr.Duration = a.Duration
			}
			questions = append(questions, qr)
		}

		res := model.SessionResult{
			SessionID:      view.Session.ID,
			ExamTitle:      view.Exam.Title,
			StudentName:    view.Session.StudentName,
			StartedAt:      view.Session.StartedAt,
			CompletedAt:    view.Session.CompletedAt,
			AIGraded:       view.Session.AIGraded,
			ManuallyGraded: view.Session.ManuallyGraded,
			Questions:      questions,
		}
		if view.Grade != nil {
			score := view.Grade.Score
			res.AIScore = &score
		}
		if view.Manual != nil {
			score := view.Manual.Score
			res.ManualScore = &score
		}
		results = append(results, res)
	}
	return results, nil
}
