package model

import (
	"time"
)

// Format is the presentation variant of a question.
type Format string

const (
	FormatTextOnly    Format = "TEXT_ONLY"
	FormatPictureText Format = "PICTURE_TEXT"
	FormatAudioOnly   Format = "AUDIO_ONLY"
	FormatVideo       Format = "VIDEO"
)

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	switch f {
	case FormatTextOnly, FormatPictureText, FormatAudioOnly, FormatVideo:
		return true
	}
	return false
}

const (
	// DefaultReadingTime applies when a question has no reading budget.
	DefaultReadingTime = 5
	// DefaultAnsweringTime applies when a question has no answering budget.
	DefaultAnsweringTime = 30
)

// NoSpeechPlaceholder is stored as the transcript when the speech engine
// recognizes nothing in an otherwise valid recording.
const NoSpeechPlaceholder = "[No speech detected]"

// Exam groups an ordered list of questions.
type Exam struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Question is one timed prompt within an exam.
type Question struct {
	ID            int64  `json:"id"`
	ExamID        int64  `json:"examId"`
	Position      int    `json:"position"`
	Format        Format `json:"format"`
	Text          string `json:"text"`
	StimulusURL   string `json:"stimulusUrl,omitempty"`
	ReadingTime   int    `json:"readingTimeLimit"`
	AnsweringTime int    `json:"answeringTimeLimit"`
	MaxPoints     int    `json:"maxPoints"`
	Rubric        string `json:"rubric,omitempty"`
}

// ReadingSeconds returns the reading budget, falling back to the default when unset.
func (q Question) ReadingSeconds() int {
	if q.ReadingTime <= 0 {
		return DefaultReadingTime
	}
	return q.ReadingTime
}

// AnsweringSeconds returns the answering budget, falling back to the default when unset.
func (q Question) AnsweringSeconds() int {
	if q.AnsweringTime <= 0 {
		return DefaultAnsweringTime
	}
	return q.AnsweringTime
}

// NeedsPlayback reports whether the stimulus must play before answering.
func (q Question) NeedsPlayback() bool {
	switch q.Format {
	case FormatVideo:
		return true
	case FormatAudioOnly:
		return q.StimulusURL != ""
	}
	return false
}

// ExamSession is one student's sitting of an exam.
type ExamSession struct {
	ID             int64      `json:"id"`
	ExamID         int64      `json:"examId"`
	StudentName    string     `json:"studentName"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	AIGraded       bool       `json:"aiGraded"`
	ManuallyGraded bool       `json:"manuallyGraded"`
}

// Completed reports whether the session has a completion timestamp.
func (s ExamSession) Completed() bool {
	return s.CompletedAt != nil
}

// Answer is the single live answer for a (session, question) pair.
type Answer struct {
	ID            int64     `json:"id"`
	SessionID     int64     `json:"sessionId"`
	QuestionID    int64     `json:"questionId"`
	AudioURL      *string   `json:"audioUrl"`
	Transcription *string   `json:"transcription"`
	Duration      int       `json:"duration"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// NeedsTranscription reports whether the answer has audio but no transcript yet.
func (a Answer) NeedsTranscription() bool {
	return a.AudioURL != nil && *a.AudioURL != "" && a.Transcription == nil
}

// AnswerInput is a save-answer request. Nil fields leave stored values untouched.
type AnswerInput struct {
	SessionID     int64   `json:"sessionId" validate:"required,gt=0"`
	QuestionID    int64   `json:"questionId" validate:"required,gt=0"`
	AudioURL      *string `json:"audioUrl,omitempty"`
	Transcription *string `json:"transcription,omitempty"`
	Duration      *int    `json:"duration,omitempty" validate:"omitempty,gte=0"`
}

// GradeRecord is the AI grading result for a session.
type GradeRecord struct {
	ID        int64           `json:"id"`
	SessionID int64           `json:"sessionId"`
	PromptID  string          `json:"promptId"`
	Score     float64         `json:"score"`
	MaxScore  int             `json:"maxScore"`
	Feedback  string          `json:"feedback"`
	Items     []QuestionGrade `json:"items"`
	GradedAt  time.Time       `json:"gradedAt"`
}

// QuestionGrade is the per-question part of a GradeRecord.
type QuestionGrade struct {
	QuestionID int64   `json:"questionId"`
	Score      float64 `json:"score"`
	MaxPoints  int     `json:"maxPoints"`
	Feedback   string  `json:"feedback"`
}

// ManualGrade holds a reviewer's score for a session.
type ManualGrade struct {
	SessionID int64     `json:"sessionId"`
	Score     float64   `json:"score"`
	Comment   string    `json:"comment"`
	GradedAt  time.Time `json:"gradedAt"`
}

// SessionView combines a session with its exam, questions and answers.
type SessionView struct {
	Session   ExamSession  `json:"session"`
	Exam      Exam         `json:"exam"`
	Questions []Question   `json:"questions"`
	Answers   []Answer     `json:"answers"`
	Grade     *GradeRecord `json:"grade,omitempty"`
	Manual    *ManualGrade `json:"manualGrade,omitempty"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	MediaRoot         string        // directory for stored uploads
	PublicURL         string        // prefix for returned media URLs, e.g. "/media"
	PromptVariant     string        // default grading prompt variant
	TranscribeTimeout time.Duration // per attempt
	MaxAttempts       int
}

// ExamImport is used for loading exams from JSON.
type ExamImport struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Questions   []QuestionImport `json:"questions"`
}

// QuestionImport is one question inside an ExamImport.
type QuestionImport struct {
	Format        Format `json:"format"`
	Text          string `json:"text"`
	StimulusURL   string `json:"stimulus_url"`
	ReadingTime   int    `json:"reading_time"`
	AnsweringTime int    `json:"answering_time"`
	MaxPoints     int    `json:"max_points"`
	Rubric        string `json:"rubric"`
}

// SavedAnswer is the save-answer response.
type SavedAnswer struct {
	Answer  Answer `json:"answer"`
	Created bool   `json:"created"`
}

// StartSessionRequest opens a session for a student.
type StartSessionRequest struct {
	StudentName string `json:"studentName" validate:"required,max=200"`
}

// GradeRequest asks the grading collaborator to grade one session.
type GradeRequest struct {
	SessionID   int64  `json:"sessionId" validate:"required,gt=0"`
	GradingCode string `json:"gradingCode" validate:"required"`
	PromptID    string `json:"promptId,omitempty" validate:"omitempty,oneof=strict standard lenient"`
}

// ManualGradeRequest records a reviewer's score.
type ManualGradeRequest struct {
	Score   float64 `json:"score" validate:"gte=0"`
	Comment string  `json:"comment" validate:"max=4000"`
}

// TranscribeRequest selects sessions for bulk transcription.
type TranscribeRequest struct {
	SessionIDs []int64 `json:"sessionIds" validate:"required,min=1,dive,gt=0"`
}
