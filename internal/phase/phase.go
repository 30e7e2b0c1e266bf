// Package phase sequences the questions of a live exam session: reading,
// optional stimulus playback, the timed answer capture, and persistence.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pavelanni/speakexam/internal/capture"
	"github.com/pavelanni/speakexam/internal/clock"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/upload"
)

// ErrWrongPhase is returned for an action that does not apply to the current phase.
var ErrWrongPhase = errors.New("action not valid in current phase")

// Recorder is the capture side of the controller. *capture.Recorder satisfies it.
type Recorder interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() (capture.Clip, error)
	Abort()
}

// Uploader stores a finished clip. *upload.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, slot string, data []byte, filename, mimeType string, progress func(int)) (upload.Result, error)
}

// Persister saves answers and marks the session complete.
type Persister interface {
	SaveAnswer(ctx context.Context, in model.AnswerInput) (model.Answer, error)
	CompleteSession(ctx context.Context, sessionID int64) error
}

// Transition is reported to observers on every phase change.
type Transition struct {
	Index      int
	QuestionID int64
	From       model.Phase
	To         model.Phase
	At         time.Time
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	Phase      model.Phase
	Index      int
	Total      int
	Question   model.Question
	Remaining  int
	Uploading  int
	Err        error
	CanSkip    bool
	Recording  bool
	Completed  bool
	SessionID  int64
	LastAnswer *model.Answer
}

type blockReason int

const (
	blockNone blockReason = iota
	blockCapture
	blockSave
	blockComplete
)

// Controller drives one exam session. Methods serialize on an internal lock;
// Run is the usual driver.
type Controller struct {
	sessionID int64
	questions []model.Question
	rec       Recorder
	up        Uploader
	store     Persister
	clock     clock.Clock
	logger    *slog.Logger
	observers []func(Transition)

	progress atomic.Int32

	mu        sync.Mutex
	phase     model.Phase
	index     int
	remaining int
	played    bool
	recording bool
	reason    blockReason
	pending   model.AnswerInput
	err       error
	last      *model.Answer
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithObserver registers fn to receive every phase transition.
func WithObserver(fn func(Transition)) Option {
	return func(ctl *Controller) { ctl.observers = append(ctl.observers, fn) }
}

// New returns a Controller for the session's questions, ordered by position.
// up may be nil, in which case answers are saved without media.
func New(sessionID int64, questions []model.Question, rec Recorder, up Uploader, store Persister, opts ...Option) *Controller {
	qs := append([]model.Question(nil), questions...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Position < qs[j].Position })

	c := &Controller{
		sessionID: sessionID,
		questions: qs,
		rec:       rec,
		up:        up,
		store:     store,
		clock:     clock.Real{},
		logger:    slog.Default(),
		phase:     model.PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session_id", sessionID)
	return c
}

// Phase returns the current phase.
func (c *Controller) Phase() model.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Remaining returns the seconds left on the active countdown.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Index returns the zero-based position of the current question.
func (c *Controller) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Err returns the failure that put the controller in PhaseBlocked.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Snapshot returns a consistent copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Phase:      c.phase,
		Index:      c.index,
		Total:      len(c.questions),
		Remaining:  c.remaining,
		Uploading:  int(c.progress.Load()),
		Err:        c.err,
		CanSkip:    c.phase == model.PhaseBlocked && c.reason == blockCapture,
		Recording:  c.recording,
		Completed:  c.phase == model.PhaseComplete,
		SessionID:  c.sessionID,
		LastAnswer: c.last,
	}
	if c.index < len(c.questions) {
		s.Question = c.questions[c.index]
	}
	return s
}

// Start enters reading for the first question.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseIdle {
		return ErrWrongPhase
	}
	if len(c.questions) == 0 {
		c.complete(ctx)
		return nil
	}
	c.index = 0
	c.enterReading()
	return nil
}

// Tick advances the active countdown by one second. It has no effect outside
// reading and answering. Reaching zero fires the phase's transition once.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != model.PhaseReading && c.phase != model.PhaseAnswering {
		return
	}
	c.remaining--
	if c.remaining > 0 {
		return
	}
	c.remaining = 0

	switch c.phase {
	case model.PhaseReading:
		c.endReading(ctx)
	case model.PhaseAnswering:
		c.logger.Debug("answering time expired", "question_id", c.current().ID)
		c.finishAnswer(ctx)
	}
}

// Ready ends reading early at the student's request.
func (c *Controller) Ready(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseReading {
		return ErrWrongPhase
	}
	c.remaining = 0
	c.endReading(ctx)
	return nil
}

// StimulusEnded reports that stimulus playback finished.
func (c *Controller) StimulusEnded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseWatching {
		return ErrWrongPhase
	}
	c.played = true
	c.enterAnswering(ctx)
	return nil
}

// Stop ends answering early, with the same effect as the countdown expiring.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseAnswering {
		return ErrWrongPhase
	}
	c.finishAnswer(ctx)
	return nil
}

// Retry repeats the step that blocked the controller.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseBlocked {
		return ErrWrongPhase
	}
	reason := c.reason
	c.clearBlock()

	switch reason {
	case blockCapture:
		c.enterAnswering(ctx)
	case blockSave:
		c.setPhase(model.PhaseSaving)
		c.persist(ctx, c.pending)
	case blockComplete:
		c.complete(ctx)
	}
	return nil
}

// Skip records the current question as attempted without audio. It is only
// offered when capture could not start.
func (c *Controller) Skip(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseBlocked || c.reason != blockCapture {
		return ErrWrongPhase
	}
	c.clearBlock()

	q := c.current()
	c.logger.Info("question skipped", "question_id", q.ID)
	zero := 0
	c.setPhase(model.PhaseSaving)
	c.persist(ctx, model.AnswerInput{SessionID: c.sessionID, QuestionID: q.ID, Duration: &zero})
	return nil
}

// Abort releases the capture device. The controller is left as is.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		c.rec.Abort()
		c.recording = false
	}
}

func (c *Controller) current() model.Question {
	return c.questions[c.index]
}

func (c *Controller) setPhase(to model.Phase) {
	from := c.phase
	if from == to {
		return
	}
	c.phase = to

	t := Transition{Index: c.index, From: from, To: to, At: c.clock.Now()}
	if c.index < len(c.questions) {
		t.QuestionID = c.questions[c.index].ID
	}
	c.logger.Debug("phase transition", "question", c.index+1, "from", from, "to", to)
	for _, fn := range c.observers {
		fn(t)
	}
}

func (c *Controller) enterReading() {
	if c.recording {
		c.rec.Abort()
		c.recording = false
	}
	c.played = false
	c.progress.Store(0)
	c.remaining = c.current().ReadingSeconds()
	c.setPhase(model.PhaseReading)
}

func (c *Controller) endReading(ctx context.Context) {
	if c.current().NeedsPlayback() && !c.played {
		c.setPhase(model.PhaseWatching)
		return
	}
	c.enterAnswering(ctx)
}

func (c *Controller) enterAnswering(ctx context.Context) {
	q := c.current()
	if _, err := c.rec.Start(ctx); err != nil {
		c.logger.Warn("capture failed to start", "question_id", q.ID, "error", err)
		c.block(blockCapture, err)
		return
	}
	c.recording = true
	c.remaining = q.AnsweringSeconds()
	c.setPhase(model.PhaseAnswering)
}

func (c *Controller) finishAnswer(ctx context.Context) {
	q := c.current()
	c.setPhase(model.PhaseSaving)

	clip, err := c.rec.Stop()
	c.recording = false
	if err != nil {
		c.logger.Warn("stop capture", "question_id", q.ID, "error", err)
	}

	duration := clip.Seconds()
	in := model.AnswerInput{SessionID: c.sessionID, QuestionID: q.ID, Duration: &duration}

	switch {
	case err != nil || clip.Empty || len(clip.Data) < capture.MinClipBytes:
		c.logger.Info("empty clip, skipping upload", "question_id", q.ID, "bytes", len(clip.Data))
	case c.up == nil:
		c.logger.Warn("no uploader configured, saving without media", "question_id", q.ID)
	default:
		if url, ok := c.uploadClip(ctx, q, clip); ok {
			in.AudioURL = &url
		}
	}
	c.persist(ctx, in)
}

func (c *Controller) uploadClip(ctx context.Context, q model.Question, clip capture.Clip) (string, bool) {
	slot := fmt.Sprintf("session-%d/question-%d", c.sessionID, q.ID)
	name := clip.Filename(fmt.Sprintf("answer-s%d-q%d", c.sessionID, q.ID))

	c.progress.Store(0)
	res, err := c.up.Upload(ctx, slot, clip.Data, name, clip.Format.MIME, func(pct int) {
		c.progress.Store(int32(pct))
	})
	switch {
	case errors.Is(err, upload.ErrAborted):
		c.logger.Debug("upload superseded", "question_id", q.ID)
		return "", false
	case err != nil:
		c.logger.Error("upload failed, saving answer without media", "question_id", q.ID, "error", err)
		return "", false
	}
	return res.URL, true
}

func (c *Controller) persist(ctx context.Context, in model.AnswerInput) {
	ans, err := c.store.SaveAnswer(ctx, in)
	if err != nil {
		c.logger.Error("save answer", "question_id", in.QuestionID, "error", err)
		c.pending = in
		c.block(blockSave, err)
		return
	}
	c.last = &ans
	c.logger.Info("answer saved", "question_id", in.QuestionID, "answer_id", ans.ID,
		"has_audio", in.AudioURL != nil)

	if c.index+1 < len(c.questions) {
		c.index++
		c.enterReading()
		return
	}
	c.complete(ctx)
}

func (c *Controller) complete(ctx context.Context) {
	if err := c.store.CompleteSession(ctx, c.sessionID); err != nil {
		c.logger.Error("complete session", "error", err)
		c.block(blockComplete, err)
		return
	}
	c.remaining = 0
	c.setPhase(model.PhaseComplete)
	c.logger.Info("session complete", "questions", len(c.questions))
}

func (c *Controller) block(reason blockReason, err error) {
	c.reason = reason
	c.err = err
	c.setPhase(model.PhaseBlocked)
}

func (c *Controller) clearBlock() {
	c.reason = blockNone
	c.err = nil
}
