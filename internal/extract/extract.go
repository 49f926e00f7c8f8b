// Package extract turns uploaded contract files into plain text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// DefaultSourceName is used for text submitted without a source identifier
const DefaultSourceName = "direct_input"

// ErrorKind classifies extraction failures
type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindCorruptDocument   ErrorKind = "corrupt_document"
	KindEmptyDocument     ErrorKind = "empty_document"
	KindTooLarge          ErrorKind = "too_large"
)

// Error is returned for documents that can never be extracted. Retrying
// the same bytes will fail the same way.
type Error struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction of %s failed (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Source is a document to extract. Data takes precedence over Path.
type Source struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
}

// TextSource wraps directly submitted text
func TextSource(text, name string) Source {
	if name == "" {
		name = DefaultSourceName
	}
	return Source{Name: name, Data: []byte(text), ContentType: "text/plain"}
}

// FileSource refers to a document on disk
func FileSource(path, name string) Source {
	if name == "" {
		name = filepath.Base(path)
	}
	return Source{Name: name, Path: path}
}

// Bytes returns the raw document bytes, reading Path when Data is empty
func (s Source) Bytes(maxBytes int64) ([]byte, error) {
	if s.Data != nil {
		if maxBytes > 0 && int64(len(s.Data)) > maxBytes {
			return nil, &Error{Kind: KindTooLarge, Source: s.Name, Err: fmt.Errorf("document exceeds %d bytes", maxBytes)}
		}
		return s.Data, nil
	}
	if s.Path == "" {
		return nil, &Error{Kind: KindEmptyDocument, Source: s.Name, Err: errors.New("source has neither data nor path")}
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, &Error{Kind: KindTooLarge, Source: s.Name, Err: fmt.Errorf("document exceeds %d bytes", maxBytes)}
	}
	return data, nil
}

// Format is a supported document format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

// DetectFormat decides the format from content type, extension and magic bytes
func DetectFormat(s Source, data []byte) (Format, bool) {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF, true
	}

	ct := strings.ToLower(strings.TrimSpace(strings.Split(s.ContentType, ";")[0]))
	switch ct {
	case "application/pdf":
		return FormatPDF, true
	case "text/plain", "text/markdown":
		return FormatText, true
	}

	name := s.Path
	if name == "" {
		name = s.Name
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF, true
	case ".txt", ".text", ".md":
		return FormatText, true
	}

	// Bare direct input without any hints is treated as text
	if s.Path == "" && ct == "" && filepath.Ext(name) == "" {
		return FormatText, true
	}
	return "", false
}

// Extractor converts sources to cleaned plain text
type Extractor struct {
	maxBytes int64
	timeout  time.Duration
	logger   *zap.Logger
}

// Config bounds extraction work
type Config struct {
	MaxBytes int64
	Timeout  time.Duration
}

// New creates an extractor
func New(cfg Config, logger *zap.Logger) *Extractor {
	return &Extractor{maxBytes: cfg.MaxBytes, timeout: cfg.Timeout, logger: logger}
}

// Extract returns the cleaned text of the source. Offsets used downstream
// refer to this cleaned text.
func (e *Extractor) Extract(ctx context.Context, src Source) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	data, err := src.Bytes(e.maxBytes)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", &Error{Kind: KindEmptyDocument, Source: src.Name, Err: errors.New("document is empty")}
	}

	format, ok := DetectFormat(src, data)
	if !ok {
		return "", &Error{Kind: KindUnsupportedFormat, Source: src.Name, Err: fmt.Errorf("unsupported file type %q", filepath.Ext(src.Path+src.Name))}
	}

	start := time.Now()
	var raw string
	switch format {
	case FormatPDF:
		raw, err = extractPDF(ctx, data)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("extraction cancelled: %w", ctx.Err())
			}
			return "", &Error{Kind: KindCorruptDocument, Source: src.Name, Err: err}
		}
	default:
		raw = decodeText(data)
	}

	text := CleanText(raw)
	if text == "" {
		return "", &Error{Kind: KindEmptyDocument, Source: src.Name, Err: errors.New("no text content could be extracted")}
	}

	e.logger.Debug("Document extracted",
		zap.String("source", src.Name),
		zap.String("format", string(format)),
		zap.Int("bytes", len(data)),
		zap.Int("text_length", len(text)),
		zap.Duration("duration", time.Since(start)))

	return text, nil
}

// extractPDF joins the plain text of every page with a blank line
func extractPDF(ctx context.Context, data []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	var pages []string
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		content, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("failed to read page %d: %w", i, err)
		}
		if strings.TrimSpace(content) != "" {
			pages = append(pages, content)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// decodeText reads UTF-8, falling back to Latin-1 for legacy files
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(decoded)
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\p{Zs}]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
	trailingSpace   = regexp.MustCompile(` +\n`)
)

// CleanText removes control characters, collapses runs of spaces and tabs,
// limits blank lines to one and trims the result.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '�' {
			return -1
		}
		return r
	}, s)
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = trailingSpace.ReplaceAllString(s, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
