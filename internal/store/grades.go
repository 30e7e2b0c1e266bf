package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/speakexam/internal/model"

	"golang.org/x/crypto/bcrypt"
)

// AddGradingCode stores a bcrypt hash of code under label.
func (s *Store) AddGradingCode(label, code string) error {
	if code == "" {
		return fmt.Errorf("grading code must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash grading code: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO grading_codes (label, code_hash, created_at) VALUES (?, ?, ?)`,
		label, string(hash), s.now().UTC())
	if err != nil {
		return err
	}
	slog.Info("grading code added", "label", label)
	return nil
}

// CheckGradingCode reports whether code matches any stored grading code.
func (s *Store) CheckGradingCode(code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	rows, err := s.db.Query(`SELECT code_hash FROM grading_codes`)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return false, err
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// GradingCodeCount returns the number of stored grading codes.
func (s *Store) GradingCodeCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM grading_codes`).Scan(&count)
	return count, err
}

// SaveGrade upserts the AI grade for a session and marks it AI-graded.
func (s *Store) SaveGrade(g model.GradeRecord) (*model.GradeRecord, error) {
	items, err := json.Marshal(g.Items)
	if err != nil {
		return nil, fmt.Errorf("encode grade items: %w", err)
	}
	if g.GradedAt.IsZero() {
		g.GradedAt = s.now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO grades (session_id, prompt_id, score, max_score, feedback, items, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			prompt_id = excluded.prompt_id, score = excluded.score, max_score = excluded.max_score,
			feedback = excluded.feedback, items = excluded.items, graded_at = excluded.graded_at`,
		g.SessionID, g.PromptID, g.Score, g.MaxScore, g.Feedback, string(items), g.GradedAt,
	)
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(`UPDATE exam_sessions SET ai_graded = 1 WHERE id = ?`, g.SessionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetGrade(g.SessionID)
}

// GetGrade returns the AI grade for a session, or nil if there is none.
func (s *Store) GetGrade(sessionID int64) (*model.GradeRecord, error) {
	var (
		g     model.GradeRecord
		items string
	)
	err := s.db.QueryRow(
		`SELECT id, session_id, prompt_id, score, max_score, feedback, items, graded_at
		 FROM grades WHERE session_id = ?`, sessionID,
	).Scan(&g.ID, &g.SessionID, &g.PromptID, &g.Score, &g.MaxScore, &g.Feedback, &items, &g.GradedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &g.Items); err != nil {
		return nil, fmt.Errorf("decode grade items: %w", err)
	}
	return &g, nil
}

// SaveManualGrade records a reviewer's score and marks the session manually graded.
func (s *Store) SaveManualGrade(m model.ManualGrade) (*model.ManualGrade, error) {
	if m.GradedAt.IsZero() {
		m.GradedAt = s.now().UTC()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE exam_sessions SET manually_graded = 1 WHERE id = ?`, m.SessionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSessionNotFound
	}
	_, err = tx.Exec(
		`INSERT INTO manual_grades (session_id, score, comment, graded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET score = ?, comment = ?, graded_at = ?`,
		m.SessionID, m.Score, m.Comment, m.GradedAt, m.Score, m.Comment, m.GradedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetManualGrade(m.SessionID)
}

// GetManualGrade returns the reviewer's grade for a session, or nil.
func (s *Store) GetManualGrade(sessionID int64) (*model.ManualGrade, error) {
	var m model.ManualGrade
	err := s.db.QueryRow(
		`SELECT session_id, score, comment, graded_at FROM manual_grades WHERE session_id = ?`, sessionID,
	).Scan(&m.SessionID, &m.Score, &m.Comment, &m.GradedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}
