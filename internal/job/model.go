package job

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
)

// Handle is the opaque job identifier issued by the backend on submission.
type Handle string

// State is the client-observed stage of a job. The backend is the source of truth.
type State string

const (
	StateIdle       State = "idle"
	StateUploading  State = "uploading"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
)

// IsTerminal returns true for states that end polling.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateError
}

// Format identifies an export format, e.g. "txt", "docx", "pdf".
type Format string

// Formats maps each available export format to its backend location.
// The location may be empty when the backend only lists format identifiers.
type Formats map[Format]string

// Has reports whether f is part of the set.
func (fs Formats) Has(f Format) bool {
	_, ok := fs[f]
	return ok
}

// Sorted returns the format identifiers in lexical order.
func (fs Formats) Sorted() []Format {
	out := make([]Format, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of the set.
func (fs Formats) Clone() Formats {
	if fs == nil {
		return nil
	}
	out := make(Formats, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// Artifact is a rendered export returned by the backend.
type Artifact struct {
	Format      Format
	Name        string
	ContentType string
	Data        []byte
}

// DocumentName returns the client-synthesized filename for an export.
func DocumentName(f Format) string {
	return "document." + string(f)
}

var allowedMIMETypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/bmp":       true,
	"application/pdf": true,
}

var extMIMETypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".pdf":  "application/pdf",
}

// NormalizeMIME lowercases a media type and strips its parameters.
func NormalizeMIME(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mt
}

// ValidateUpload checks an upload before anything is sent to the backend.
func ValidateUpload(data []byte, mimeType string) error {
	if len(data) == 0 {
		return errors.New("file must not be empty")
	}
	if !allowedMIMETypes[NormalizeMIME(mimeType)] {
		return errors.New("file type must be one of: image/jpeg, image/png, image/bmp, application/pdf")
	}
	return nil
}

// DetectMIME sniffs the content type of data, falling back to the file extension
// when sniffing is inconclusive.
func DetectMIME(name string, data []byte) string {
	sniffed := NormalizeMIME(http.DetectContentType(data))
	if allowedMIMETypes[sniffed] {
		return sniffed
	}
	if mt, ok := extMIMETypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return sniffed
}
