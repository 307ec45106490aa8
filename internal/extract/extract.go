// Package extract turns uploaded document bytes into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// ErrUnsupportedFormat is returned for media types without a usable extractor.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Media types accepted for upload.
const (
	MimePDF  = "application/pdf"
	MimeDOC  = "application/msword"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeTXT  = "text/plain"
	MimeRTF  = "text/rtf"
	MimeRTF2 = "application/rtf"
)

// Func extracts text from a whole document.
type Func func(ctx context.Context, data []byte) (string, error)

// Registry maps a media type to its extractor.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry with the built-in extractors. Legacy Word
// documents are registered as known but unextractable so they fail closed.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register(MimeTXT, extractPlain)
	r.Register(MimePDF, extractPDF)
	r.Register(MimeDOCX, extractDOCX)
	r.Register(MimeRTF, extractRTF)
	r.Register(MimeRTF2, extractRTF)
	r.Register(MimeDOC, func(context.Context, []byte) (string, error) {
		return "", fmt.Errorf("%w: legacy .doc files are not supported, convert to .docx", ErrUnsupportedFormat)
	})
	return r
}

// Register sets the extractor for mediaType.
func (r *Registry) Register(mediaType string, fn Func) {
	r.funcs[NormalizeMediaType(mediaType)] = fn
}

// Supports reports whether mediaType has an entry.
func (r *Registry) Supports(mediaType string) bool {
	_, ok := r.funcs[NormalizeMediaType(mediaType)]
	return ok
}

// Extract returns the normalized text of data.
func (r *Registry) Extract(ctx context.Context, mediaType string, data []byte) (string, error) {
	fn, ok := r.funcs[NormalizeMediaType(mediaType)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}
	text, err := fn(ctx, data)
	if err != nil {
		return "", err
	}
	return normalizeText(text), nil
}

// NormalizeMediaType lowercases mediaType and drops any parameters.
func NormalizeMediaType(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		return parsed
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// MediaTypeForExtension maps a file extension to an accepted media type.
func MediaTypeForExtension(ext string) (string, bool) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return MimePDF, true
	case ".doc":
		return MimeDOC, true
	case ".docx":
		return MimeDOCX, true
	case ".txt":
		return MimeTXT, true
	case ".rtf":
		return MimeRTF, true
	}
	return "", false
}

func extractPlain(_ context.Context, data []byte) (string, error) {
	return string(data), nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
