package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/speakexam/internal/clock"
	"github.com/pavelanni/speakexam/internal/media"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/retry"
)

type fakeEngine struct {
	results []string
	errs    []error
	calls   int
	names   []string
}

func (e *fakeEngine) Transcribe(_ context.Context, a Audio) (string, error) {
	e.calls++
	e.names = append(e.names, a.Name)
	i := e.calls - 1
	if i < len(e.errs) && e.errs[i] != nil {
		return "", e.errs[i]
	}
	if i < len(e.results) {
		return e.results[i], nil
	}
	return "", nil
}

func (e *fakeEngine) Health(context.Context) (Health, error) {
	return Health{Status: "ok", Ready: true}, nil
}

func newStorage(t *testing.T) *media.Storage {
	t.Helper()
	s, err := media.NewStorage(t.TempDir(), "/media")
	require.NoError(t, err)
	return s
}

func writeAudio(t *testing.T, s *media.Storage, name string, size int) *string {
	t.Helper()
	dir := filepath.Join(s.Root(), "audio")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte{0x1a}, size), 0o644))
	url := "/media/audio/" + name
	return &url
}

func newForwarder(s *media.Storage, e Engine, clk clock.Clock) *Forwarder {
	p := retry.Default("transcribe", nil)
	p.Clock = clk
	return NewForwarder(s, e, WithPolicy(p))
}

func TestForwarderEmptyTextBecomesPlaceholder(t *testing.T) {
	s := newStorage(t)
	eng := &fakeEngine{results: []string{"  "}}
	f := newForwarder(s, eng, clock.NewFake(time.Unix(0, 0)))

	text, err := f.Transcribe(context.Background(), model.Answer{ID: 1, AudioURL: writeAudio(t, s, "a.webm", 4096)})
	require.NoError(t, err)
	require.Equal(t, model.NoSpeechPlaceholder, text)
	require.Equal(t, []string{"a.webm"}, eng.names)
}

func TestForwarderRejectsBeforeCallingEngine(t *testing.T) {
	s := newStorage(t)
	missing := "/media/audio/gone.webm"
	escape := "/media/../../etc/passwd"
	empty := ""

	tests := []struct {
		name   string
		answer model.Answer
		want   error
	}{
		{"no reference", model.Answer{ID: 1}, ErrMissingAudio},
		{"empty reference", model.Answer{ID: 1, AudioURL: &empty}, ErrMissingAudio},
		{"missing file", model.Answer{ID: 1, AudioURL: &missing}, ErrFileNotFound},
		{"traversal", model.Answer{ID: 1, AudioURL: &escape}, ErrFileNotFound},
		{"too small", model.Answer{ID: 1, AudioURL: writeAudio(t, s, "tiny.webm", 1023)}, ErrTooSmall},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := &fakeEngine{}
			f := newForwarder(s, eng, clock.NewFake(time.Unix(0, 0)))
			_, err := f.Transcribe(context.Background(), tc.answer)
			require.ErrorIs(t, err, tc.want)
			require.Zero(t, eng.calls)
		})
	}
}

func TestForwarderRetriesTransientFailures(t *testing.T) {
	s := newStorage(t)
	clk := clock.NewFake(time.Unix(0, 0))
	netErr := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	eng := &fakeEngine{
		errs:    []error{netErr, context.DeadlineExceeded},
		results: []string{"", "", "the answer"},
	}
	f := newForwarder(s, eng, clk)

	text, err := f.Transcribe(context.Background(), model.Answer{ID: 1, AudioURL: writeAudio(t, s, "a.wav", 2048)})
	require.NoError(t, err)
	require.Equal(t, "the answer", text)
	require.Equal(t, 3, eng.calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Waits())
}

func TestForwarderGivesUpAfterThreeAttempts(t *testing.T) {
	s := newStorage(t)
	eng := &fakeEngine{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, nil}}
	f := newForwarder(s, eng, clock.NewFake(time.Unix(0, 0)))

	_, err := f.Transcribe(context.Background(), model.Answer{ID: 1, AudioURL: writeAudio(t, s, "a.wav", 2048)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 3, eng.calls)
}

func TestForwarderDoesNotRetryEngineResponses(t *testing.T) {
	for _, engErr := range []error{
		&EngineError{Status: 503, Message: "Model not loaded"},
		ErrEngineUnavailable,
	} {
		s := newStorage(t)
		eng := &fakeEngine{errs: []error{engErr}}
		f := newForwarder(s, eng, clock.NewFake(time.Unix(0, 0)))

		_, err := f.Transcribe(context.Background(), model.Answer{ID: 1, AudioURL: writeAudio(t, s, "a.wav", 2048)})
		require.ErrorIs(t, err, engErr)
		require.Equal(t, 1, eng.calls)
	}
}

func TestWhisperEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_ = json.NewEncoder(w).Encode(Health{Status: "ok", Model: "base", Ready: true})
		case "/v1/audio/transcriptions":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			require.Equal(t, "whisper-1", r.FormValue("model"))
			require.Equal(t, "json", r.FormValue("response_format"))
			require.Equal(t, "en", r.FormValue("language"))
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			defer f.Close()
			data, _ := io.ReadAll(f)
			if len(data) < MinAudioBytes {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"detail":"Audio file too small or empty"}`)
				return
			}
			require.Equal(t, "answer.webm", hdr.Filename)
			_ = json.NewEncoder(w).Encode(map[string]any{"text": "hello there", "model": "base", "duration": 1.5})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	eng := NewWhisperEngine(srv.URL+"/", "", "", "en")
	ctx := context.Background()

	h, err := eng.Health(ctx)
	require.NoError(t, err)
	require.True(t, h.Ready)
	require.Equal(t, "base", h.Model)

	text, err := eng.Transcribe(ctx, Audio{Name: "answer.webm", Data: make([]byte, 2048)})
	require.NoError(t, err)
	require.Equal(t, "hello there", text)

	_, err = eng.Transcribe(ctx, Audio{Name: "answer.webm", Data: make([]byte, 10)})
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	require.Equal(t, http.StatusBadRequest, engErr.Status)
	require.Equal(t, "Audio file too small or empty", engErr.Message)
}

func TestWhisperEngineNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	eng := NewWhisperEngine(url, "", "", "")
	_, err := eng.Transcribe(context.Background(), Audio{Name: "a.wav", Data: make([]byte, 2048)})
	require.ErrorIs(t, err, ErrEngineUnavailable)
	_, err = eng.Health(context.Background())
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

type fakeAnswerStore struct {
	pending []model.Answer
	saved   map[int64]string
	selects int
	failSet int64
}

func (s *fakeAnswerStore) PendingTranscriptions(int64) ([]model.Answer, error) {
	s.selects++
	var out []model.Answer
	for _, a := range s.pending {
		if _, done := s.saved[a.ID]; !done {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeAnswerStore) SetTranscription(id int64, text string) error {
	if id == s.failSet {
		return errors.New("database is locked")
	}
	s.saved[id] = text
	return nil
}

type scriptedTranscriber struct {
	order []int64
	fail  map[int64]error
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, a model.Answer) (string, error) {
	s.order = append(s.order, a.ID)
	if err := s.fail[a.ID]; err != nil {
		return "", err
	}
	return "text", nil
}

func TestTranscribeSessionNothingEligible(t *testing.T) {
	st := &fakeAnswerStore{saved: map[int64]string{}}
	tr := &scriptedTranscriber{}
	o := NewOrchestrator(st, tr, nil)

	rep, err := o.TranscribeSession(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 0, rep.Processed)
	require.Equal(t, 0, rep.SuccessCount)
	require.Equal(t, 0, rep.FailureCount)
	require.Empty(t, tr.order)
}

func TestTranscribeSessionPartialFailure(t *testing.T) {
	url := "/media/audio/x.webm"
	st := &fakeAnswerStore{
		pending: []model.Answer{{ID: 1, QuestionID: 10, AudioURL: &url}, {ID: 2, QuestionID: 11, AudioURL: &url}, {ID: 3, QuestionID: 12, AudioURL: &url}, {ID: 4, QuestionID: 13, AudioURL: &url}},
		saved:   map[int64]string{},
		failSet: 4,
	}
	tr := &scriptedTranscriber{fail: map[int64]error{2: ErrTooSmall}}
	o := NewOrchestrator(st, tr, nil)

	rep, err := o.TranscribeSession(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, tr.order)
	require.Equal(t, 4, rep.Processed)
	require.Equal(t, 2, rep.SuccessCount)
	require.Equal(t, 2, rep.FailureCount)
	require.False(t, rep.Results[1].Success)
	require.Contains(t, rep.Results[1].Error, "too small")
	require.Contains(t, rep.Results[3].Error, "save transcription")
	require.Equal(t, int64(12), rep.Results[2].QuestionID)

	// Successful answers are terminal; a second run only retries the failures.
	tr.order = nil
	tr.fail = nil
	st.failSet = 0
	rep, err = o.TranscribeSession(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4}, tr.order)
	require.Equal(t, 2, rep.SuccessCount)
}

func TestTranscribeSessions(t *testing.T) {
	url := "/media/audio/x.webm"
	st := &fakeAnswerStore{pending: []model.Answer{{ID: 1, AudioURL: &url}}, saved: map[int64]string{}}
	o := NewOrchestrator(st, &scriptedTranscriber{}, nil)

	var last model.BatchProgress
	rep := o.TranscribeSessions(context.Background(), []int64{5, 6}, func(p model.BatchProgress) { last = p })
	require.Equal(t, 2, rep.SuccessCount)
	require.Equal(t, 1, rep.Items[0].Value.Processed)
	require.Equal(t, 0, rep.Items[1].Value.Processed)
	require.Equal(t, model.BatchProgress{Total: 2, Current: 2, SuccessCount: 2}, last)
	require.Equal(t, 2, st.selects)
}
