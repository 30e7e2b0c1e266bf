package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means a media path does not resolve to a file under the storage root.
	ErrNotFound = errors.New("media not found")
	// ErrStorageFull means the disk ran out of space while writing.
	ErrStorageFull = errors.New("media storage is full")
	// ErrStoragePermission means the server may not write to the storage root.
	ErrStoragePermission = errors.New("media storage permission denied")
)

// Stored describes an object written to storage.
type Stored struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
}

// Storage keeps media files on local disk under one root directory.
type Storage struct {
	root      string
	publicURL string
}

// NewStorage prepares root and returns a Storage whose URLs start with publicURL.
func NewStorage(root, publicURL string) (*Storage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", classifyWriteErr(err))
	}
	publicURL = "/" + strings.Trim(publicURL, "/")
	return &Storage{root: abs, publicURL: publicURL}, nil
}

// Root returns the absolute storage directory.
func (s *Storage) Root() string { return s.root }

// Save writes r under a fresh name in the kind's subdirectory. At most limit
// bytes are accepted; a partial file is never left behind.
func (s *Storage) Save(kind Kind, mimeType string, r io.Reader, limit int64) (Stored, error) {
	dir := filepath.Join(s.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stored{}, classifyWriteErr(err)
	}

	name := uuid.NewString() + Extension(mimeType)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Stored{}, classifyWriteErr(err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Stored{}, classifyWriteErr(err)
	}
	if n > limit {
		return Stored{}, &ValidationError{Reason: RejectSize, Type: BaseType(mimeType), Kind: kind, Size: n, Limit: limit}
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return Stored{}, classifyWriteErr(err)
	}

	return Stored{
		URL:      path.Join(s.publicURL, string(kind), name),
		Filename: name,
		Size:     n,
		Type:     BaseType(mimeType),
	}, nil
}

// Resolve maps a stored path (relative to the root, or a URL under the public
// prefix) to an absolute file path. Paths escaping the root are rejected.
func (s *Storage) Resolve(p string) (string, error) {
	p = strings.TrimPrefix(p, s.publicURL)
	clean := path.Clean("/" + p)
	if clean == "/" || strings.Contains(p, "..") {
		return "", ErrNotFound
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrNotFound
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return full, nil
}

// Open opens a stored object by URL or relative path.
func (s *Storage) Open(p string) (*os.File, fs.FileInfo, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

func classifyWriteErr(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrStoragePermission, err)
	}
	return err
}
