package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/speakexam/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const answerColumns = `a.id, a.session_id, a.question_id, a.audio_url, a.transcription, a.duration, a.recorded_at`

func scanAnswer(row scanner) (model.Answer, error) {
	var a model.Answer
	var audio, text sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.QuestionID, &audio, &text, &a.Duration, &a.RecordedAt)
	if audio.Valid {
		a.AudioURL = &audio.String
	}
	if text.Valid {
		a.Transcription = &text.String
	}
	return a, err
}

// SaveAnswer creates or merges the single answer for the input's (session,
// question) pair. Nil input fields keep the stored values, so a save without
// audio never clears an earlier upload. New audio clears a transcript that
// belonged to the previous recording. The bool reports whether a row was created.
func (s *Store) SaveAnswer(in model.AnswerInput) (model.Answer, bool, error) {
	sess, err := s.GetSession(in.SessionID)
	if err != nil {
		return model.Answer{}, false, err
	}
	q, err := s.GetQuestion(in.QuestionID)
	if err != nil {
		return model.Answer{}, false, err
	}
	if q.ExamID != sess.ExamID {
		return model.Answer{}, false, fmt.Errorf("%w in exam %d", ErrQuestionNotFound, sess.ExamID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return model.Answer{}, false, err
	}
	defer tx.Rollback()

	var (
		id       int64
		oldAudio sql.NullString
	)
	err = tx.QueryRow(`SELECT id, audio_url FROM answers WHERE session_id = ? AND question_id = ?`,
		in.SessionID, in.QuestionID).Scan(&id, &oldAudio)
	created := errors.Is(err, sql.ErrNoRows)
	now := s.now().UTC()

	switch {
	case created:
		duration := 0
		if in.Duration != nil {
			duration = *in.Duration
		}
		res, err := tx.Exec(
			`INSERT INTO answers (session_id, question_id, audio_url, transcription, duration, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			in.SessionID, in.QuestionID, in.AudioURL, in.Transcription, duration, now,
		)
		if isUniqueViolation(err) {
			return model.Answer{}, false, ErrConflict
		}
		if err != nil {
			return model.Answer{}, false, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return model.Answer{}, false, err
		}
	case err != nil:
		return model.Answer{}, false, err
	default:
		newRecording := in.AudioURL != nil && (!oldAudio.Valid || oldAudio.String != *in.AudioURL)
		_, err = tx.Exec(
			`UPDATE answers SET
				audio_url = COALESCE(?, audio_url),
				transcription = CASE WHEN ? IS NOT NULL THEN ? WHEN ? THEN NULL ELSE transcription END,
				duration = COALESCE(?, duration),
				recorded_at = ?
			 WHERE id = ?`,
			in.AudioURL, in.Transcription, in.Transcription, newRecording, in.Duration, now, id,
		)
		if err != nil {
			return model.Answer{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Answer{}, false, err
	}

	slog.Debug("answer saved", "session_id", in.SessionID, "question_id", in.QuestionID,
		"answer_id", id, "created", created)
	a, err := s.GetAnswer(id)
	return a, created, err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		(se.Code() == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
}

// GetAnswer returns an answer by ID.
func (s *Store) GetAnswer(id int64) (model.Answer, error) {
	a, err := scanAnswer(s.db.QueryRow(`SELECT `+answerColumns+` FROM answers a WHERE a.id = ?`, id))
	if err == sql.ErrNoRows {
		return a, ErrAnswerNotFound
	}
	return a, err
}

// ListAnswers returns a session's answers in question order.
func (s *Store) ListAnswers(sessionID int64) ([]model.Answer, error) {
	return s.queryAnswers(
		`SELECT `+answerColumns+` FROM answers a JOIN questions q ON q.id = a.question_id
		 WHERE a.session_id = ? ORDER BY q.position, q.id`, sessionID)
}

// PendingTranscriptions returns the session's answers that have audio and no
// transcript, in question order.
func (s *Store) PendingTranscriptions(sessionID int64) ([]model.Answer, error) {
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}
	return s.queryAnswers(
		`SELECT `+answerColumns+` FROM answers a JOIN questions q ON q.id = a.question_id
		 WHERE a.session_id = ? AND a.audio_url IS NOT NULL AND a.audio_url != '' AND a.transcription IS NULL
		 ORDER BY q.position, q.id`, sessionID)
}

func (s *Store) queryAnswers(query string, args ...any) ([]model.Answer, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	answers := []model.Answer{}
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// SetTranscription stores the transcript for an answer.
func (s *Store) SetTranscription(answerID int64, text string) error {
	res, err := s.db.Exec(`UPDATE answers SET transcription = ? WHERE id = ?`, text, answerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAnswerNotFound
	}
	return nil
}
