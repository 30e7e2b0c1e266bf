package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/pavelanni/speakexam/internal/media"
)

const (
	pulseSampleRate = 16000
	pulseChannels   = 1
	pulseFragment   = 640 // 20ms @ 16kHz mono s16
)

// PulseDevice records mono 16kHz PCM from a PulseAudio source and delivers
// it as a WAV clip.
type PulseDevice struct {
	// Source is a source ID; empty selects the server default.
	Source string
	// AppName is shown in the PulseAudio mixer.
	AppName string
}

// Acquire connects to the PulseAudio server and resolves the source.
func (d PulseDevice) Acquire(_ context.Context, video bool) (Input, error) {
	if video {
		return nil, fmt.Errorf("%w: video capture is not supported by PulseAudio", ErrDeviceUnavailable)
	}
	appName := d.AppName
	if appName == "" {
		appName = "speakexam"
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, classifyPulseErr(err)
	}

	var source *pulse.Source
	if d.Source == "" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(d.Source)
	}
	if err != nil {
		client.Close()
		if errors.Is(classifyPulseErr(err), ErrPermissionDenied) {
			return nil, classifyPulseErr(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}

	return &pulseInput{client: client, source: source}, nil
}

// classifyPulseErr separates refused access from a missing sound server.
func classifyPulseErr(err error) error {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, fs.ErrPermission) || strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

type pulseInput struct {
	client *pulse.Client
	source *pulse.Source

	// stopped is read by the pulse read loop on every packet, so it must not
	// share mu: Start waits on replies that the same loop delivers.
	stopped atomic.Bool

	mu     sync.Mutex
	stream *pulse.RecordStream
}

func (p *pulseInput) Tracks() int {
	if p.source == nil {
		return 0
	}
	return pulseChannels
}

func (p *pulseInput) Supports(mime string) bool {
	return media.BaseType(mime) == "audio/wav"
}

// chunkWriter forwards recorded packets to sink until the input is stopped.
func (p *pulseInput) chunkWriter(sink func([]byte)) io.Writer {
	return writerFunc(func(b []byte) (int, error) {
		if p.stopped.Load() {
			return 0, io.EOF
		}
		sink(b)
		return len(b), nil
	})
}

func (p *pulseInput) Start(_ Format, sink func([]byte)) error {
	if p.stopped.Load() {
		return ErrNotRecording
	}
	stream, err := p.client.NewRecord(
		pulse.NewWriter(p.chunkWriter(sink), pulseproto.FormatInt16LE),
		pulse.RecordSource(p.source),
		pulse.RecordMono,
		pulse.RecordSampleRate(pulseSampleRate),
		pulse.RecordBufferFragmentSize(pulseFragment),
		pulse.RecordMediaName("speakexam answer"),
	)
	if err != nil {
		return fmt.Errorf("create pulse record stream: %w", err)
	}
	stream.Start()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped.Load() {
		// Stop ran while the stream was starting.
		stream.Stop()
		stream.Close()
		return ErrNotRecording
	}
	p.stream = stream
	return nil
}

func (p *pulseInput) Stop() error {
	if p.stopped.Swap(true) {
		return nil
	}
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	p.client.Close()
	return nil
}

// Finalize wraps raw little-endian PCM in a WAV header.
func (p *pulseInput) Finalize(raw []byte) []byte {
	return encodeWAV(raw, pulseSampleRate, pulseChannels)
}

func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * (bitsPerSample / 8)
	blockAlign := channels * (bitsPerSample / 8)

	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
