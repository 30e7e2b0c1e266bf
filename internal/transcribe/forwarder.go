// Package transcribe turns stored answer audio into text through a remote
// speech-to-text engine.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pavelanni/speakexam/internal/media"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/retry"
)

const (
	// MinAudioBytes is the smallest payload accepted as real audio.
	MinAudioBytes = 1024
	// DefaultTimeout bounds one engine call.
	DefaultTimeout = 2 * time.Minute
)

var (
	ErrMissingAudio = errors.New("answer has no audio")
	ErrFileNotFound = errors.New("audio file not found")
	// ErrTooSmall means the stored file is too short to be a valid recording.
	ErrTooSmall = errors.New("audio file too small")
	// ErrEngineUnavailable means the engine refused the connection.
	ErrEngineUnavailable = errors.New("speech-to-text engine is not running")
)

// EngineError is a non-success response from the engine.
type EngineError struct {
	Status  int
	Message string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("speech-to-text engine error (%d)", e.Status)
	}
	return fmt.Sprintf("speech-to-text engine error (%d): %s", e.Status, e.Message)
}

// AudioSource opens stored audio by reference. *media.Storage satisfies it.
type AudioSource interface {
	Open(ref string) (*os.File, fs.FileInfo, error)
}

// Forwarder sends one answer's audio to the engine.
type Forwarder struct {
	source  AudioSource
	engine  Engine
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithPolicy replaces the retry policy. Its Retryable is always Retryable.
func WithPolicy(p retry.Policy) Option {
	return func(f *Forwarder) { f.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// NewForwarder returns a Forwarder reading from source and calling engine.
func NewForwarder(source AudioSource, engine Engine, opts ...Option) *Forwarder {
	f := &Forwarder{
		source:  source,
		engine:  engine,
		timeout: DefaultTimeout,
		policy:  retry.Default("transcribe", Retryable),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.policy.Retryable = Retryable
	if f.policy.Name == "" {
		f.policy.Name = "transcribe"
	}
	if f.policy.Logger == nil {
		f.policy.Logger = f.logger
	}
	return f
}

// Retryable reports whether an engine failure is worth another attempt:
// timeouts and network errors, but not refusals or engine responses.
func Retryable(err error) bool {
	if errors.Is(err, ErrEngineUnavailable) {
		return false
	}
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return false
	}
	return retry.IsTransient(err)
}

// Transcribe returns the text of answer's audio. An engine that hears nothing
// yields model.NoSpeechPlaceholder rather than an error.
func (f *Forwarder) Transcribe(ctx context.Context, answer model.Answer) (string, error) {
	if answer.AudioURL == nil || strings.TrimSpace(*answer.AudioURL) == "" {
		return "", ErrMissingAudio
	}
	ref := *answer.AudioURL

	data, err := f.read(ref)
	if err != nil {
		return "", err
	}

	audio := Audio{Name: path.Base(ref), Data: data}
	text, err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) (string, error) {
		f.logger.Debug("transcription attempt", "answer_id", answer.ID, "file", audio.Name,
			"bytes", len(data), "attempt", attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return f.engine.Transcribe(attemptCtx, audio)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		f.logger.Info("no speech detected", "answer_id", answer.ID)
		return model.NoSpeechPlaceholder, nil
	}
	return text, nil
}

func (f *Forwarder) read(ref string) ([]byte, error) {
	file, info, err := f.source.Open(ref)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
		}
		return nil, fmt.Errorf("open audio %s: %w", ref, err)
	}
	defer file.Close()

	if info.Size() < MinAudioBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooSmall, ref, info.Size())
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read audio %s: %w", ref, err)
	}
	return data, nil
}
