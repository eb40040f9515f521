// Package audio defines the immutable audio payload that flows through the
// gateway together with lightweight container probing and WAV helpers.
//
// The package never decodes compressed audio. It only inspects container
// headers far enough to reject truncated uploads and, where the header makes
// it cheap, to derive duration and sample rate for validation.
package audio

import (
	"mime"
	"path/filepath"
	"strings"
)

// Format identifies an audio container.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOGG     Format = "ogg"
	FormatM4A     Format = "m4a"
	FormatFLAC    Format = "flac"
	FormatWebM    Format = "webm"
)

// contentTypes maps MIME types (without parameters) to a container format.
var contentTypes = map[string]Format{
	"audio/wav":       FormatWAV,
	"audio/x-wav":     FormatWAV,
	"audio/wave":      FormatWAV,
	"audio/vnd.wave":  FormatWAV,
	"audio/mpeg":      FormatMP3,
	"audio/mp3":       FormatMP3,
	"audio/ogg":       FormatOGG,
	"application/ogg": FormatOGG,
	"audio/mp4":       FormatM4A,
	"audio/m4a":       FormatM4A,
	"audio/x-m4a":     FormatM4A,
	"audio/flac":      FormatFLAC,
	"audio/x-flac":    FormatFLAC,
	"audio/webm":      FormatWebM,
}

// extensions maps lower-case file extensions to a container format.
var extensions = map[string]Format{
	".wav":  FormatWAV,
	".mp3":  FormatMP3,
	".ogg":  FormatOGG,
	".oga":  FormatOGG,
	".m4a":  FormatM4A,
	".mp4":  FormatM4A,
	".flac": FormatFLAC,
	".webm": FormatWebM,
}

// ContentType returns the canonical MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOGG:
		return "audio/ogg"
	case FormatM4A:
		return "audio/mp4"
	case FormatFLAC:
		return "audio/flac"
	case FormatWebM:
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the canonical file extension for f, including the dot.
// Unknown formats yield ".bin".
func (f Format) Extension() string {
	if f == FormatUnknown {
		return ".bin"
	}
	return "." + string(f)
}

// String returns the format name, or "unknown".
func (f Format) String() string {
	if f == FormatUnknown {
		return "unknown"
	}
	return string(f)
}

// Payload is an uploaded audio file. Payload values are treated as immutable
// once constructed: nothing in the gateway writes to Data.
type Payload struct {
	// Filename is the client-supplied file name. May be empty.
	Filename string

	// ContentType is the declared MIME type. May be empty or generic
	// (application/octet-stream), in which case the extension decides.
	ContentType string

	// Data holds the raw container bytes.
	Data []byte
}

// NewPayload builds a Payload.
func NewPayload(filename, contentType string, data []byte) Payload {
	return Payload{Filename: filename, ContentType: contentType, Data: data}
}

// Size returns the payload length in bytes.
func (p Payload) Size() int { return len(p.Data) }

// Format resolves the container format from the declared content type,
// falling back to the filename extension when the content type is absent or
// generic.
func (p Payload) Format() Format {
	if ct := normalizeContentType(p.ContentType); ct != "" {
		if f, ok := contentTypes[ct]; ok {
			return f
		}
		if ct != "application/octet-stream" {
			return FormatUnknown
		}
	}
	return FormatFromFilename(p.Filename)
}

// FileType returns the label used to key per-filetype metrics.
func (p Payload) FileType() string { return p.Format().String() }

// FormatFromFilename maps a file name extension to a Format.
func FormatFromFilename(name string) Format {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return mt
}
