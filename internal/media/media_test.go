package media

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		mime string
		want Kind
	}{
		{"audio/webm;codecs=opus", KindAudio},
		{"AUDIO/WEBM; codecs=opus", KindAudio},
		{"audio/wav", KindAudio},
		{"video/webm;codecs=vp8,opus", KindVideo},
		{"video/mp4", KindVideo},
		{"image/png", KindImage},
		{"application/pdf", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.mime))
		})
	}
}

func TestValidate(t *testing.T) {
	_, err := Validate("audio/webm", 49<<20)
	require.NoError(t, err)

	_, err = Validate("audio/webm", 51<<20)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, RejectSize, verr.Reason)
	require.Equal(t, MaxAudioSize, verr.Limit)
	require.Contains(t, err.Error(), "50 MiB")

	_, err = Validate("image/png", 11<<20)
	require.True(t, errors.As(err, &verr))
	require.Equal(t, MaxImageSize, verr.Limit)

	kind, err := Validate("video/mp4", 150<<20)
	require.NoError(t, err)
	require.Equal(t, KindVideo, kind)

	_, err = Validate("text/plain", 10)
	require.True(t, errors.As(err, &verr))
	require.Equal(t, RejectType, verr.Reason)
}

func TestUnclassifiedMediaHasNoCeiling(t *testing.T) {
	require.Zero(t, MaxSize(KindUnknown))

	// Type is checked before size, whatever the size.
	for _, size := range []int64{1, 300 << 20} {
		kind, err := Validate("application/zip", size)
		require.Equal(t, KindUnknown, kind)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		require.Equal(t, RejectType, verr.Reason)
		require.Zero(t, verr.Limit)
	}
}

func TestSniffFallsBackToContent(t *testing.T) {
	require.Equal(t, "audio/webm;codecs=opus", Sniff("audio/webm;codecs=opus", nil))

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	require.Equal(t, "image/png", Sniff("application/octet-stream", png))
}

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir(), "/media")
	require.NoError(t, err)
	return s
}

func TestStorageSaveAndOpen(t *testing.T) {
	s := newStorage(t)
	data := bytes.Repeat([]byte{1}, 2048)

	stored, err := s.Save(KindAudio, "audio/webm;codecs=opus", bytes.NewReader(data), MaxAudioSize)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stored.URL, "/media/audio/"))
	require.True(t, strings.HasSuffix(stored.Filename, ".webm"))
	require.Equal(t, int64(2048), stored.Size)
	require.Equal(t, "audio/webm", stored.Type)

	f, info, err := s.Open(stored.URL)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, int64(2048), info.Size())

	entries, err := os.ReadDir(filepath.Join(s.Root(), "audio"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must not remain")
}

func TestStorageSaveRejectsOversizedStream(t *testing.T) {
	s := newStorage(t)
	_, err := s.Save(KindImage, "image/png", bytes.NewReader(make([]byte, 100)), 50)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "image"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStorageResolveRejectsTraversal(t *testing.T) {
	s := newStorage(t)
	for _, p := range []string{"../etc/passwd", "/media/../../etc/passwd", "audio/../../x", "/", ""} {
		_, err := s.Resolve(p)
		require.ErrorIs(t, err, ErrNotFound, p)
	}
}

func writeFile(t *testing.T, s *Storage, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(s.Root(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func TestServeRange(t *testing.T) {
	s := newStorage(t)
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	writeFile(t, s, "audio/answer.webm", data)

	req := httptest.NewRequest(http.MethodGet, "/media/audio/answer.webm", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	s.Serve(rec, req, "/media/audio/answer.webm")

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 0-99/1000", rec.Header().Get("Content-Range"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Len(t, body, 100)
	require.Equal(t, data[:100], body)
}

func TestServeInvalidRange(t *testing.T) {
	s := newStorage(t)
	writeFile(t, s, "audio/a.webm", make([]byte, 1000))

	req := httptest.NewRequest(http.MethodGet, "/media/audio/a.webm", nil)
	req.Header.Set("Range", "bytes=2000-3000")
	rec := httptest.NewRecorder()
	s.Serve(rec, req, "audio/a.webm")

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestServeFullWithCacheHeaders(t *testing.T) {
	s := newStorage(t)
	writeFile(t, s, "image/p.png", []byte("png-bytes"))

	req := httptest.NewRequest(http.MethodGet, "/media/image/p.png", nil)
	req.Header.Set("Range", "bytes=0-1")
	rec := httptest.NewRecorder()
	s.Serve(rec, req, "image/p.png")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, cacheControl, rec.Header().Get("Cache-Control"))
	require.Equal(t, "png-bytes", rec.Body.String())
}

func TestServeMissing(t *testing.T) {
	s := newStorage(t)
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/media/audio/none.webm", nil), "audio/none.webm")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-99", 0, 99, false},
		{"bytes=900-", 900, 999, false},
		{"bytes=-100", 900, 999, false},
		{"bytes=990-2000", 990, 999, false},
		{"bytes=100-50", 0, 0, true},
		{"bytes=1000-", 0, 0, true},
		{"bytes=0-1,5-6", 0, 0, true},
		{"items=0-1", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := ParseRange(tt.header, 1000)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.start, start)
			require.Equal(t, tt.end, end)
		})
	}
}
