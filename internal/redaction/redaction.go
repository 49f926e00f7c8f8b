// Package redaction replaces detected entity spans with their tokens and
// restores original values in downstream text and structured data.
package redaction

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/raaihank/contract-sentinel/internal/privacy"
	"go.uber.org/zap"
)

// Warning records a token-shaped string that the reverse index does not
// know. The external service may have altered or invented a token.
type Warning struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

func (w Warning) String() string {
	return fmt.Sprintf("unknown token %s at %s", w.Token, w.Path)
}

// Redact replaces each entity span with its token in a single pass over the
// original offsets. Entities must be sorted by start and must not overlap.
func Redact(text string, entities []privacy.Entity) (string, error) {
	var b strings.Builder
	b.Grow(len(text))

	last := 0
	for i, e := range entities {
		if e.Token == "" {
			return "", fmt.Errorf("entity %d (%s) has no token", i, e.Kind)
		}
		if e.Start < last || e.End > len(text) || e.Start >= e.End {
			return "", fmt.Errorf("entity %d span [%d:%d] is out of order or out of range", i, e.Start, e.End)
		}
		b.WriteString(text[last:e.Start])
		b.WriteString(e.Token)
		last = e.End
	}
	b.WriteString(text[last:])

	return b.String(), nil
}

// Restorer substitutes original values back into analysis output
type Restorer struct {
	index  privacy.ReverseIndex
	logger *zap.Logger
}

// NewRestorer creates a restorer for one run's reverse index
func NewRestorer(index privacy.ReverseIndex, log *zap.Logger) *Restorer {
	return &Restorer{index: index, logger: log}
}

// Restore is a convenience wrapper around Restorer.Value
func Restore(v any, index privacy.ReverseIndex, log *zap.Logger) (any, []Warning) {
	return NewRestorer(index, log).Value(v)
}

// RestoreText restores tokens in a single string
func (r *Restorer) RestoreText(text string) (string, []Warning) {
	var warnings []Warning
	out := r.restoreString(text, "$", &warnings)
	r.report(warnings)
	return out, warnings
}

// Value returns a deep copy of v with every known token replaced. Maps,
// slices and strings are walked; map keys are restored too. Other values
// are returned as they are.
func (r *Restorer) Value(v any) (any, []Warning) {
	var warnings []Warning
	out := r.walk(v, "$", &warnings)
	r.report(warnings)
	return out, warnings
}

func (r *Restorer) report(warnings []Warning) {
	for _, w := range warnings {
		r.logger.Warn("Unknown token in analysis result",
			zap.String("token", w.Token),
			zap.String("path", w.Path),
		)
	}
}

func (r *Restorer) walk(v any, path string, warnings *[]Warning) any {
	switch val := v.(type) {
	case string:
		return r.restoreString(val, path, warnings)
	case map[string]any:
		out := make(map[string]any, len(val))
		for _, k := range sortedKeys(val) {
			childPath := path + "." + k
			out[r.restoreString(k, path+"{key}", warnings)] = r.walk(val[k], childPath, warnings)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.walk(item, path+"["+strconv.Itoa(i)+"]", warnings)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for _, k := range sortedKeys(val) {
			out[r.restoreString(k, path+"{key}", warnings)] = r.restoreString(val[k], path+"."+k, warnings)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = r.restoreString(s, path+"["+strconv.Itoa(i)+"]", warnings)
		}
		return out
	default:
		return v
	}
}

// restoreString replaces tokens in one left-to-right scan, so restored
// values are never rescanned for further substitution.
func (r *Restorer) restoreString(s, path string, warnings *[]Warning) string {
	matches := privacy.TokenPattern.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		token := s[m[0]:m[1]]
		original, ok := r.index.Lookup(token)
		if !ok {
			*warnings = append(*warnings, Warning{Token: token, Path: path})
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(original)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
