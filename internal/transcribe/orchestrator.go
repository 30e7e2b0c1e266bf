package transcribe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/speakexam/internal/batch"
	"github.com/pavelanni/speakexam/internal/model"
)

// AnswerStore is the persistence the orchestrator needs. *store.Store satisfies it.
type AnswerStore interface {
	PendingTranscriptions(sessionID int64) ([]model.Answer, error)
	SetTranscription(answerID int64, text string) error
}

// Transcriber converts one answer. *Forwarder satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, answer model.Answer) (string, error)
}

// Orchestrator brings sessions' transcripts up to date.
type Orchestrator struct {
	store  AnswerStore
	fwd    Transcriber
	logger *slog.Logger
}

// NewOrchestrator returns an Orchestrator. A nil logger uses slog.Default.
func NewOrchestrator(store AnswerStore, fwd Transcriber, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, fwd: fwd, logger: logger}
}

// TranscribeSession transcribes every answer in the session that has audio
// and no transcript. The eligible set is chosen once up front and processed
// in order, one answer at a time. Item failures are reported in the result;
// only a failure to select answers is returned as an error.
func (o *Orchestrator) TranscribeSession(ctx context.Context, sessionID int64) (model.TranscriptionReport, error) {
	rep := model.TranscriptionReport{SessionID: sessionID, Results: []model.TranscriptionOutcome{}}

	answers, err := o.store.PendingTranscriptions(sessionID)
	if err != nil {
		return rep, fmt.Errorf("select answers for session %d: %w", sessionID, err)
	}
	logger := o.logger.With("session_id", sessionID)
	if len(answers) == 0 {
		logger.Info("no answers need transcription")
		return rep, nil
	}
	logger.Info("transcribing session", "answers", len(answers))

	for _, a := range answers {
		outcome := model.TranscriptionOutcome{AnswerID: a.ID, QuestionID: a.QuestionID}
		text, err := o.fwd.Transcribe(ctx, a)
		if err == nil {
			if err = o.store.SetTranscription(a.ID, text); err != nil {
				err = fmt.Errorf("save transcription: %w", err)
			}
		}
		if err != nil {
			outcome.Error = err.Error()
			rep.FailureCount++
			logger.Warn("transcription failed", "answer_id", a.ID, "question_id", a.QuestionID, "error", err)
		} else {
			outcome.Success = true
			outcome.Transcription = text
			rep.SuccessCount++
			logger.Info("answer transcribed", "answer_id", a.ID, "chars", len(text))
		}
		rep.Results = append(rep.Results, outcome)
		rep.Processed++
	}
	return rep, nil
}

// TranscribeSessions runs TranscribeSession for each session in order.
func (o *Orchestrator) TranscribeSessions(ctx context.Context, sessionIDs []int64, progress func(model.BatchProgress)) batch.Report[model.TranscriptionReport] {
	return batch.Run(ctx, sessionIDs, batch.Options{Name: "transcribe", Logger: o.logger, Progress: progress},
		o.TranscribeSession)
}
