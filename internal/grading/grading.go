// Package grading drives AI grading over an administrator's selection of
// sessions.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/pavelanni/speakexam/internal/batch"
	"github.com/pavelanni/speakexam/internal/client"
	"github.com/pavelanni/speakexam/internal/model"
)

// FailureKind separates errors reported by the grading collaborator from
// failures to reach it.
type FailureKind string

const (
	FailureCollaborator FailureKind = "collaborator"
	FailureTransport    FailureKind = "transport"
)

// ItemError is the failure recorded for one session.
type ItemError struct {
	SessionID int64
	Kind      FailureKind
	Status    int
	Message   string
	Err       error
}

func (e *ItemError) Error() string {
	if e.Kind == FailureCollaborator {
		return fmt.Sprintf("session %d: %s", e.SessionID, e.Message)
	}
	return fmt.Sprintf("session %d: grading service unreachable: %s", e.SessionID, e.Message)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Grader grades one session. *client.Client satisfies it.
type Grader interface {
	Grade(ctx context.Context, req model.GradeRequest) (model.GradeRecord, error)
}

// Orchestrator holds the selection and runs batches over it.
type Orchestrator struct {
	grader   Grader
	code     string
	promptID string
	refresh  func(ctx context.Context) error
	logger   *slog.Logger

	mu       sync.Mutex
	selected []int64
	running  bool
	progress model.BatchProgress
	results  *batch.Report[model.GradeRecord]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPrompt selects the grading prompt variant sent with every request.
func WithPrompt(id string) Option {
	return func(o *Orchestrator) { o.promptID = id }
}

// WithRefresh sets the callback that reloads the session list after a run.
func WithRefresh(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.refresh = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New returns an Orchestrator that authorizes every request with code.
func New(grader Grader, code string, opts ...Option) *Orchestrator {
	o := &Orchestrator{grader: grader, code: code, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Select adds ids to the selection, keeping first-selection order.
func (o *Orchestrator) Select(ids ...int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if !slices.Contains(o.selected, id) {
			o.selected = append(o.selected, id)
		}
	}
}

// Deselect removes ids from the selection.
func (o *Orchestrator) Deselect(ids ...int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.selected[:0]
	for _, id := range o.selected {
		if !slices.Contains(ids, id) {
			kept = append(kept, id)
		}
	}
	o.selected = kept
}

// Selected returns the current selection in order.
func (o *Orchestrator) Selected() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int64(nil), o.selected...)
}

// Progress returns the tally of the running or last batch.
func (o *Orchestrator) Progress() model.BatchProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Results returns the last surfaced report, or nil.
func (o *Orchestrator) Results() *batch.Report[model.GradeRecord] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results
}

// ErrRunning is returned when Run is called during a run.
var ErrRunning = errors.New("grading batch already running")

// Run grades the selected sessions one at a time, in selection order. Every
// session is accounted for in the report whether it succeeds or not. The
// report is returned and kept for Results only when at least one session was
// processed. The selection is cleared and the refresh callback runs afterwards.
func (o *Orchestrator) Run(ctx context.Context) (*batch.Report[model.GradeRecord], error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrRunning
	}
	o.running = true
	ids := append([]int64(nil), o.selected...)
	o.progress = model.BatchProgress{Total: len(ids)}
	o.mu.Unlock()

	rep := batch.Run(ctx, ids, batch.Options{
		Name:   "grade",
		Logger: o.logger,
		Progress: func(p model.BatchProgress) {
			o.mu.Lock()
			o.progress = p
			o.mu.Unlock()
		},
	}, o.gradeOne)

	o.mu.Lock()
	o.running = false
	o.selected = nil
	var surfaced *batch.Report[model.GradeRecord]
	if rep.Processed > 0 {
		surfaced = &rep
		o.results = surfaced
	}
	o.mu.Unlock()

	if o.refresh != nil {
		if err := o.refresh(ctx); err != nil {
			o.logger.Warn("refresh session list", "error", err)
		}
	}
	return surfaced, nil
}

func (o *Orchestrator) gradeOne(ctx context.Context, id int64) (model.GradeRecord, error) {
	rec, err := o.grader.Grade(ctx, model.GradeRequest{SessionID: id, GradingCode: o.code, PromptID: o.promptID})
	if err != nil {
		return model.GradeRecord{}, classify(id, err)
	}
	return rec, nil
}

func classify(id int64, err error) *ItemError {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return &ItemError{SessionID: id, Kind: FailureCollaborator, Status: apiErr.Status, Message: apiErr.Message, Err: err}
	}
	return &ItemError{SessionID: id, Kind: FailureTransport, Message: err.Error(), Err: err}
}
