package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/speakexam/internal/clock"
)

type fakeInput struct {
	tracks   int
	formats  map[string]bool
	payload  []byte
	startErr error

	started Format
	stopped int
}

func (f *fakeInput) Tracks() int               { return f.tracks }
func (f *fakeInput) Supports(mime string) bool { return f.formats[mime] }

func (f *fakeInput) Start(format Format, sink func([]byte)) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = format
	if len(f.payload) > 0 {
		half := len(f.payload) / 2
		sink(f.payload[:half])
		sink(f.payload[half:])
	}
	return nil
}

func (f *fakeInput) Stop() error {
	f.stopped++
	return nil
}

type fakeDevice struct {
	input *fakeInput
	err   error
}

func (d *fakeDevice) Acquire(context.Context, bool) (Input, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.input, nil
}

func TestRecorderNegotiatesFirstSupportedFormat(t *testing.T) {
	in := &fakeInput{
		tracks:  1,
		formats: map[string]bool{"audio/ogg;codecs=opus": true, "audio/wav": true},
		payload: bytes.Repeat([]byte{7}, 4096),
	}
	clk := clock.NewFake(time.Unix(100, 0))
	rec := NewRecorder(&fakeDevice{input: in}, WithClock(clk))

	chunks, err := rec.Start(context.Background())
	require.NoError(t, err)
	require.True(t, rec.Recording())
	require.Equal(t, "audio/ogg;codecs=opus", in.started.MIME)

	clk.Advance(12 * time.Second)
	clip, err := rec.Stop()
	require.NoError(t, err)
	require.False(t, rec.Recording())
	require.Equal(t, 1, in.stopped)
	require.Equal(t, ".ogg", clip.Format.Ext)
	require.Len(t, clip.Data, 4096)
	require.False(t, clip.Empty)
	require.Equal(t, 12, clip.Seconds())
	require.Equal(t, "q1.ogg", clip.Filename("q1"))

	var got int
	for c := range chunks {
		got += len(c)
	}
	require.Equal(t, 4096, got)
}

func TestRecorderFlagsEmptyClip(t *testing.T) {
	in := &fakeInput{tracks: 1, formats: map[string]bool{"audio/webm": true}, payload: []byte{1, 2, 3}}
	rec := NewRecorder(&fakeDevice{input: in})

	_, err := rec.Start(context.Background())
	require.NoError(t, err)
	clip, err := rec.Stop()
	require.NoError(t, err)
	require.True(t, clip.Empty)
}

func TestRecorderDeviceErrors(t *testing.T) {
	tests := []struct {
		name   string
		device Device
		want   error
	}{
		{"nil device", nil, ErrDeviceUnavailable},
		{"permission", &fakeDevice{err: ErrPermissionDenied}, ErrPermissionDenied},
		{"zero tracks", &fakeDevice{input: &fakeInput{formats: map[string]bool{"audio/wav": true}}}, ErrNoInputDevice},
		{"no format", &fakeDevice{input: &fakeInput{tracks: 1}}, ErrNoSupportedFormat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := NewRecorder(tc.device)
			_, err := rec.Start(context.Background())
			require.ErrorIs(t, err, tc.want)
			require.True(t, IsDeviceError(err))
			require.False(t, rec.Recording())
		})
	}
}

func TestRecorderReleasesInputOnStartFailure(t *testing.T) {
	in := &fakeInput{tracks: 1, formats: map[string]bool{"audio/wav": true}, startErr: errors.New("busy")}
	rec := NewRecorder(&fakeDevice{input: in})

	_, err := rec.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, in.stopped)

	in.startErr = nil
	_, err = rec.Start(context.Background())
	require.NoError(t, err, "device must be re-acquirable")
	rec.Abort()
	require.Equal(t, 2, in.stopped)
}

func TestRecorderStateGuards(t *testing.T) {
	in := &fakeInput{tracks: 1, formats: map[string]bool{"audio/wav": true}}
	rec := NewRecorder(&fakeDevice{input: in})

	_, err := rec.Stop()
	require.ErrorIs(t, err, ErrNotRecording)

	_, err = rec.Start(context.Background())
	require.NoError(t, err)
	_, err = rec.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRecording)
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 3200)
	wav := encodeWAV(pcm, 16000, 1)

	require.Len(t, wav, 44+3200)
	require.Equal(t, "RIFF", string(wav[0:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
	require.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	require.Equal(t, uint32(3200), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestClassifyPulseErr(t *testing.T) {
	require.ErrorIs(t, classifyPulseErr(errors.New("dial unix /run/pulse/native: connect: no such file or directory")), ErrDeviceUnavailable)
	require.ErrorIs(t, classifyPulseErr(errors.New("pulse: access denied")), ErrPermissionDenied)
}

func TestPulseChunksFlowWhileStreamStarts(t *testing.T) {
	p := &pulseInput{}
	var got [][]byte
	w := p.chunkWriter(func(b []byte) { got = append(got, b) })

	// Packets arrive on the pulse read loop even while mu is held elsewhere.
	p.mu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte{1, 2})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("chunk writer blocked on the input lock")
	}
	p.mu.Unlock()
	require.Equal(t, [][]byte{{1, 2}}, got)

	p.stopped.Store(true)
	n, err := w.Write([]byte{3})
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, n)
	require.Len(t, got, 1)
}
