package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

const cacheControl = "public, max-age=31536000, immutable"

var errBadRange = errors.New("invalid range")

// Serve writes the stored object at p. Audio and video files honor a single
// "Range: bytes=start-end" request.
func (s *Storage) Serve(w http.ResponseWriter, r *http.Request, p string) {
	f, info, err := s.Open(p)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	ext := filepath.Ext(info.Name())
	size := info.Size()
	w.Header().Set("Content-Type", ContentType(ext))

	rangeHeader := r.Header.Get("Range")
	if !SupportsRange(ext) || rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Cache-Control", cacheControl)
		if SupportsRange(ext) {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			if _, err := io.Copy(w, f); err != nil {
				slog.Debug("media copy interrupted", "path", p, "error", err)
			}
		}
		return
	}

	start, end, err := ParseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		slog.Error("media seek failed", "path", p, "error", err)
		return
	}
	if _, err := io.CopyN(w, f, length); err != nil {
		slog.Debug("media range copy interrupted", "path", p, "error", err)
	}
}

// ParseRange parses a single "bytes=start-end" range against size. An open
// end ("bytes=500-") runs to the last byte; a suffix ("bytes=-100") selects
// the final bytes. The returned end is inclusive.
func ParseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") || size <= 0 {
		return 0, 0, errBadRange
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, errBadRange
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errBadRange
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errBadRange
	}
	end = size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, errBadRange
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}
