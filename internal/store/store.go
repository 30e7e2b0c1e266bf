package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/speakexam/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrAnswerNotFound   = errors.New("answer not found")
	// ErrConflict means a concurrent writer created the same answer first.
	ErrConflict = errors.New("answer already exists")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		format TEXT NOT NULL,
		text TEXT NOT NULL,
		stimulus_url TEXT NOT NULL DEFAULT '',
		reading_time INTEGER NOT NULL DEFAULT 0,
		answering_time INTEGER NOT NULL DEFAULT 0,
		max_points INTEGER NOT NULL DEFAULT 10,
		rubric TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS exam_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_name TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		ai_graded INTEGER NOT NULL DEFAULT 0,
		manually_graded INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		audio_url TEXT,
		transcription TEXT,
		duration INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL,
		UNIQUE (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES exam_sessions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS grading_codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL UNIQUE,
		prompt_id TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		max_score INTEGER NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		items TEXT NOT NULL DEFAULT '[]',
		graded_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES exam_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS manual_grades (
		session_id INTEGER PRIMARY KEY,
		score REAL NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		graded_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES exam_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExam stores an exam and returns its ID.
func (s *Store) CreateExam(e model.Exam) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO exams (title, description) VALUES (?, ?)`, e.Title, e.Description)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(id int64) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRow(`SELECT id, title, description FROM exams WHERE id = ?`, id).
		Scan(&e.ID, &e.Title, &e.Description)
	if err == sql.ErrNoRows {
		return e, ErrExamNotFound
	}
	return e, err
}

// ListExams returns all exams.
func (s *Store) ListExams() ([]model.Exam, error) {
	rows, err := s.db.Query(`SELECT id, title, description FROM exams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	exams := []model.Exam{}
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.Description); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	return insertQuestion(s.db, q)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertQuestion(db execer, q model.Question) (int64, error) {
	if !q.Format.Valid() {
		return 0, fmt.Errorf("invalid question format %q", q.Format)
	}
	res, err := db.Exec(
		`INSERT INTO questions (exam_id, position, format, text, stimulus_url, reading_time, answering_time, max_points, rubric)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ExamID, q.Position, q.Format, q.Text, q.StimulusURL, q.ReadingTime, q.AnsweringTime, q.MaxPoints, q.Rubric,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const questionColumns = `id, exam_id, position, format, text, stimulus_url, reading_time, answering_time, max_points, rubric`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (model.Question, error) {
	var q model.Question
	err := row.Scan(&q.ID, &q.ExamID, &q.Position, &q.Format, &q.Text, &q.StimulusURL,
		&q.ReadingTime, &q.AnsweringTime, &q.MaxPoints, &q.Rubric)
	return q, err
}

// ListQuestions returns an exam's questions in presentation order.
func (s *Store) ListQuestions(examID int64) ([]model.Question, error) {
	rows, err := s.db.Query(`SELECT `+questionColumns+` FROM questions WHERE exam_id = ? ORDER BY position, id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	questions := []model.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRow(`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return q, ErrQuestionNotFound
	}
	return q, err
}

// ImportExam stores an exam and its questions in one transaction. Questions
// are positioned in file order.
func (s *Store) ImportExam(in model.ExamImport) (int64, error) {
	if strings.TrimSpace(in.Title) == "" {
		return 0, fmt.Errorf("exam title is required")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO exams (title, description) VALUES (?, ?)`, in.Title, in.Description)
	if err != nil {
		return 0, err
	}
	examID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, qi := range in.Questions {
		maxPoints := qi.MaxPoints
		if maxPoints <= 0 {
			maxPoints = 10
		}
		q := model.Question{
			ExamID:        examID,
			Position:      i + 1,
			Format:        qi.Format,
			Text:          qi.Text,
			StimulusURL:   qi.StimulusURL,
			ReadingTime:   qi.ReadingTime,
			AnsweringTime: qi.AnsweringTime,
			MaxPoints:     maxPoints,
			Rubric:        qi.Rubric,
		}
		if _, err := insertQuestion(tx, q); err != nil {
			return 0, fmt.Errorf("question %d: %w", i+1, err)
		}
	}
	return examID, tx.Commit()
}

const sessionColumns = `id, exam_id, student_name, started_at, completed_at, ai_graded, manually_graded`

func scanSession(row scanner) (model.ExamSession, error) {
	var sess model.ExamSession
	err := row.Scan(&sess.ID, &sess.ExamID, &sess.StudentName, &sess.StartedAt, &sess.CompletedAt,
		&sess.AIGraded, &sess.ManuallyGraded)
	return sess, err
}

// CreateSession starts a session on an exam.
func (s *Store) CreateSession(examID int64, studentName string) (model.ExamSession, error) {
	if _, err := s.GetExam(examID); err != nil {
		return model.ExamSession{}, err
	}
	res, err := s.db.Exec(
		`INSERT INTO exam_sessions (exam_id, student_name, started_at) VALUES (?, ?, ?)`,
		examID, studentName, s.now().UTC(),
	)
	if err != nil {
		return model.ExamSession{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ExamSession{}, err
	}
	return s.GetSession(id)
}

// GetSession returns a session by ID.
func (s *Store) GetSession(id int64) (model.ExamSession, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return sess, ErrSessionNotFound
	}
	return sess, err
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]model.ExamSession, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM exam_sessions ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions := []model.ExamSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CompleteSession sets the completion time. Completing twice keeps the first time.
func (s *Store) CompleteSession(id int64) (model.ExamSession, error) {
	res, err := s.db.Exec(
		`UPDATE exam_sessions SET completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		s.now().UTC(), id,
	)
	if err != nil {
		return model.ExamSession{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ExamSession{}, ErrSessionNotFound
	}
	return s.GetSession(id)
}

// GetSessionView builds a full view of a session with questions, answers and grades.
func (s *Store) GetSessionView(sessionID int64) (*model.SessionView, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	exam, err := s.GetExam(sess.ExamID)
	if err != nil {
		return nil, err
	}
	questions, err := s.ListQuestions(sess.ExamID)
	if err != nil {
		return nil, err
	}
	answers, err := s.ListAnswers(sessionID)
	if err != nil {
		return nil, err
	}
	grade, err := s.GetGrade(sessionID)
	if err != nil {
		return nil, err
	}
	manual, err := s.GetManualGrade(sessionID)
	if err != nil {
		return nil, err
	}
	return &model.SessionView{
		Session:   sess,
		Exam:      exam,
		Questions: questions,
		Answers:   answers,
		Grade:     grade,
		Manual:    manual,
	}, nil
}
