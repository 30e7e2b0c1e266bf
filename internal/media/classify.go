// Package media classifies, validates, stores and serves uploaded media.
package media

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// Kind is the broad category of an uploaded object.
type Kind string

const (
	KindImage   Kind = "image"
	KindAudio   Kind = "audio"
	KindVideo   Kind = "video"
	KindUnknown Kind = "unknown"
)

// Size ceilings per kind. Unclassified media is never accepted.
const (
	MaxImageSize int64 = 10 << 20
	MaxAudioSize int64 = 50 << 20
	MaxVideoSize int64 = 200 << 20
)

var allowed = map[Kind][]string{
	KindImage: {"image/jpeg", "image/png", "image/gif", "image/webp"},
	KindAudio: {
		"audio/webm", "audio/ogg", "audio/mpeg", "audio/mp3", "audio/mp4",
		"audio/wav", "audio/x-wav", "audio/wave", "audio/aac", "audio/x-m4a",
	},
	KindVideo: {"video/webm", "video/mp4", "video/ogg", "video/quicktime"},
}

// BaseType strips parameters such as ";codecs=opus" and lowercases the result.
func BaseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Classify maps a MIME type to its Kind using the allow-lists. Codec
// parameters are ignored.
func Classify(mimeType string) Kind {
	base := BaseType(mimeType)
	for kind, types := range allowed {
		for _, t := range types {
			if base == t {
				return kind
			}
		}
	}
	return KindUnknown
}

// Sniff detects the MIME type from content when the declared one is missing
// or generic.
func Sniff(declared string, head []byte) string {
	base := BaseType(declared)
	if base != "" && base != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(head).String()
}

// MaxSize returns the size ceiling for kind, or 0 for KindUnknown.
func MaxSize(kind Kind) int64 {
	switch kind {
	case KindImage:
		return MaxImageSize
	case KindAudio:
		return MaxAudioSize
	case KindVideo:
		return MaxVideoSize
	}
	return 0
}

// RejectReason says which rule a rejected upload broke.
type RejectReason int

const (
	RejectType RejectReason = iota + 1
	RejectSize
)

// ValidationError describes an upload rejected before storage.
type ValidationError struct {
	Reason RejectReason
	Type   string
	Kind   Kind
	Size   int64
	Limit  int64
}

func (e *ValidationError) Error() string {
	if e.Reason == RejectType {
		return fmt.Sprintf("unsupported file type %q", e.Type)
	}
	return fmt.Sprintf("file too large: %s exceeds %s limit of %s",
		humanize.IBytes(uint64(e.Size)), e.Kind, humanize.IBytes(uint64(e.Limit)))
}

// Validate checks mimeType and size against the allow-lists and ceilings.
func Validate(mimeType string, size int64) (Kind, error) {
	kind := Classify(mimeType)
	if kind == KindUnknown {
		return kind, &ValidationError{Reason: RejectType, Type: BaseType(mimeType), Kind: kind, Size: size}
	}
	if limit := MaxSize(kind); size > limit {
		return kind, &ValidationError{Reason: RejectSize, Type: BaseType(mimeType), Kind: kind, Size: size, Limit: limit}
	}
	return kind, nil
}

// Extension returns a file extension (with dot) for a MIME type.
func Extension(mimeType string) string {
	switch BaseType(mimeType) {
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg", "video/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if m := mimetype.Lookup(BaseType(mimeType)); m != nil {
		return m.Extension()
	}
	return ".bin"
}

// rangeExtensions are served with byte-range support.
var rangeExtensions = map[string]bool{
	".webm": true, ".ogg": true, ".mp3": true, ".m4a": true, ".wav": true,
	".mp4": true, ".mov": true, ".aac": true,
}

// SupportsRange reports whether files with ext are streamed with byte ranges.
func SupportsRange(ext string) bool {
	return rangeExtensions[strings.ToLower(ext)]
}

// ContentType returns the MIME type for a stored file extension.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".webm":
		return "audio/webm"
	case ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".aac":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}
