package model

// Phase is the presentation stage of the question currently on screen.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseReading   Phase = "reading"
	PhaseWatching  Phase = "watching"
	PhaseAnswering Phase = "answering"
	// PhaseSaving is idle while the answer is being persisted.
	PhaseSaving Phase = "saving"
	// PhaseBlocked waits for the student to retry or skip after a failure.
	PhaseBlocked  Phase = "blocked"
	PhaseComplete Phase = "complete"
)

// TranscriptionOutcome is the result of transcribing one answer.
type TranscriptionOutcome struct {
	Success       bool   `json:"success"`
	AnswerID      int64  `json:"answerId"`
	QuestionID    int64  `json:"questionId"`
	Transcription string `json:"transcription,omitempty"`
	Error         string `json:"error,omitempty"`
}

// TranscriptionReport aggregates one session transcription run.
type TranscriptionReport struct {
	SessionID    int64                  `json:"sessionId"`
	Processed    int                    `json:"processed"`
	SuccessCount int                    `json:"successCount"`
	FailureCount int                    `json:"failureCount"`
	Results      []TranscriptionOutcome `json:"results"`
}

// BatchProgress tracks a running batch. It is not persisted.
type BatchProgress struct {
	Total        int `json:"total"`
	Current      int `json:"current"`
	SuccessCount int `json:"successCount"`
	FailedCount  int `json:"failedCount"`
}
