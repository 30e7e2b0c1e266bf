package model

import "time"

// ExamExport is the top-level JSON structure for session export.
type ExamExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionResult `json:"sessions"`
}

// SessionResult holds one student's session data for export.
type SessionResult struct {
	SessionID      int64            `json:"session_id"`
	ExamTitle      string           `json:"exam_title"`
	StudentName    string           `json:"student_name"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	AIGraded       bool             `json:"ai_graded"`
	ManuallyGraded bool             `json:"manually_graded"`
	Questions      []QuestionResult `json:"questions"`
	AIScore        *float64         `json:"ai_score,omitempty"`
	ManualScore    *float64         `json:"manual_score,omitempty"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Position      int     `json:"position"`
	Format        Format  `json:"format"`
	Text          string  `json:"text"`
	AudioURL      *string `json:"audio_url,omitempty"`
	Transcription *string `json:"transcription,omitempty"`
	Duration      int     `json:"duration"`
}
