// Package capture records answer clips from an input device.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/speakexam/internal/clock"
)

var (
	// ErrDeviceUnavailable means no capture backend exists on this machine.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrPermissionDenied means the user or system refused access to the input.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrNoInputDevice means access was granted but there is nothing to record from.
	ErrNoInputDevice = errors.New("no input device")
	// ErrNoSupportedFormat means none of the preferred encodings is available.
	ErrNoSupportedFormat = errors.New("no supported recording format")

	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// IsDeviceError reports whether err is a device-level failure the student
// can retry or skip, as opposed to a programming or upload error.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNoInputDevice) ||
		errors.Is(err, ErrNoSupportedFormat)
}

// MinClipBytes is the size below which a clip is treated as effectively empty.
const MinClipBytes = 1024

// Format is a negotiated clip encoding.
type Format struct {
	MIME string
	Ext  string
}

// AudioPreferences lists answer encodings from most to least preferred.
var AudioPreferences = []Format{
	{MIME: "audio/webm;codecs=opus", Ext: ".webm"},
	{MIME: "audio/webm", Ext: ".webm"},
	{MIME: "audio/ogg;codecs=opus", Ext: ".ogg"},
	{MIME: "audio/mp4", Ext: ".m4a"},
	{MIME: "audio/wav", Ext: ".wav"},
}

// VideoPreferences lists encodings for audio+video content creation.
var VideoPreferences = []Format{
	{MIME: "video/webm;codecs=vp9,opus", Ext: ".webm"},
	{MIME: "video/webm;codecs=vp8,opus", Ext: ".webm"},
	{MIME: "video/webm", Ext: ".webm"},
	{MIME: "video/mp4", Ext: ".mp4"},
}

// Negotiate returns the first preference the input supports.
func Negotiate(in Input, prefs []Format) (Format, bool) {
	for _, f := range prefs {
		if in.Supports(f.MIME) {
			return f, true
		}
	}
	return Format{}, false
}

// Device acquires an input. Implementations report failures with the
// package's sentinel errors.
type Device interface {
	Acquire(ctx context.Context, video bool) (Input, error)
}

// Input is an acquired recording source.
type Input interface {
	// Tracks returns the number of usable tracks granted.
	Tracks() int
	Supports(mime string) bool
	// Start begins delivering encoded bytes to sink until Stop.
	Start(format Format, sink func([]byte)) error
	// Stop halts recording and releases the device.
	Stop() error
}

// Finalizer is implemented by inputs whose raw stream needs a container
// written around it once the length is known.
type Finalizer interface {
	Finalize(raw []byte) []byte
}

// Clip is one finished recording.
type Clip struct {
	Data     []byte
	Format   Format
	Duration time.Duration
	// Empty is set when the clip is below MinClipBytes.
	Empty bool
}

// Filename builds an upload name with the negotiated extension.
func (c Clip) Filename(base string) string {
	ext := c.Format.Ext
	if ext == "" {
		ext = ".bin"
	}
	return strings.TrimSuffix(base, ext) + ext
}

// Seconds returns the clip duration rounded to whole seconds.
func (c Clip) Seconds() int {
	return int(c.Duration.Round(time.Second) / time.Second)
}

type recording struct {
	input   Input
	format  Format
	started time.Time

	mu     sync.Mutex
	buf    bytes.Buffer
	chunks chan []byte
	closed bool
}

func (r *recording) write(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.buf.Write(b)
	chunk := append([]byte(nil), b...)
	select {
	case r.chunks <- chunk:
	default:
	}
}

func (r *recording) close() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.chunks)
	}
	return append([]byte(nil), r.buf.Bytes()...)
}

// Recorder owns at most one active recording on a device.
type Recorder struct {
	device Device
	prefs  []Format
	video  bool
	clock  clock.Clock

	mu     sync.Mutex
	active *recording
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithVideo records audio+video using VideoPreferences.
func WithVideo() Option {
	return func(r *Recorder) {
		r.video = true
		r.prefs = VideoPreferences
	}
}

// WithClock replaces the wall clock used for clip durations.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithPreferences overrides the format preference list.
func WithPreferences(prefs []Format) Option {
	return func(r *Recorder) { r.prefs = prefs }
}

// NewRecorder returns a Recorder for device. A nil device always fails with
// ErrDeviceUnavailable.
func NewRecorder(device Device, opts ...Option) *Recorder {
	r := &Recorder{device: device, prefs: AudioPreferences, clock: clock.Real{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recording reports whether a clip is being captured.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start acquires the device and begins recording. The returned channel
// carries encoded chunks and is closed by Stop or Abort; slow readers miss
// chunks but never the final clip.
func (r *Recorder) Start(ctx context.Context) (<-chan []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrAlreadyRecording
	}
	if r.device == nil {
		return nil, ErrDeviceUnavailable
	}

	input, err := r.device.Acquire(ctx, r.video)
	if err != nil {
		return nil, err
	}
	if input.Tracks() == 0 {
		_ = input.Stop()
		return nil, ErrNoInputDevice
	}
	format, ok := Negotiate(input, r.prefs)
	if !ok {
		_ = input.Stop()
		return nil, ErrNoSupportedFormat
	}

	rec := &recording{
		input:   input,
		format:  format,
		started: r.clock.Now(),
		chunks:  make(chan []byte, 64),
	}
	if err := input.Start(format, rec.write); err != nil {
		_ = input.Stop()
		rec.close()
		return nil, fmt.Errorf("start recording: %w", err)
	}
	r.active = rec
	return rec.chunks, nil
}

// Stop ends the active recording, releases the device and returns the clip.
// The device is released even when stopping fails.
func (r *Recorder) Stop() (Clip, error) {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	r.mu.Unlock()

	if rec == nil {
		return Clip{}, ErrNotRecording
	}

	stopErr := rec.input.Stop()
	data := rec.close()
	if f, ok := rec.input.(Finalizer); ok && len(data) > 0 {
		data = f.Finalize(data)
	}

	clip := Clip{
		Data:     data,
		Format:   rec.format,
		Duration: r.clock.Now().Sub(rec.started),
		Empty:    len(data) < MinClipBytes,
	}
	if stopErr != nil {
		return clip, fmt.Errorf("stop recording: %w", stopErr)
	}
	return clip, nil
}

// Abort drops the active recording, if any, and releases the device.
func (r *Recorder) Abort() {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	r.mu.Unlock()

	if rec != nil {
		_ = rec.input.Stop()
		rec.close()
	}
}
