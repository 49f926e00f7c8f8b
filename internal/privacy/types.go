package privacy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap/zapcore"
)

// Kind classifies a detected entity. Kinds are upper-case identifiers so
// they can be embedded in placeholder tokens.
type Kind string

const (
	KindPerson     Kind = "PERSON"
	KindOrg        Kind = "ORG"
	KindLocation   Kind = "LOCATION"
	KindEmail      Kind = "EMAIL"
	KindPhone      Kind = "PHONE"
	KindSSN        Kind = "SSN"
	KindDate       Kind = "DATE"
	KindCreditCard Kind = "CREDIT_CARD"
	KindIPAddress  Kind = "IP_ADDRESS"
	KindURL        Kind = "URL"
	KindIBAN       Kind = "IBAN"
	KindCustom     Kind = "CUSTOM"
)

var kindPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Valid reports whether the kind can be used inside a token
func (k Kind) Valid() bool {
	return kindPattern.MatchString(string(k))
}

// TokenPattern matches placeholder tokens of the form [KIND_N]. Group 1 is
// the kind and group 2 the per-kind ordinal.
var TokenPattern = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*)_([1-9][0-9]*)\]`)

// FormatToken renders the placeholder for the n-th distinct value of kind
func FormatToken(kind Kind, n int) string {
	return fmt.Sprintf("[%s_%d]", kind, n)
}

// Entity is a detected sensitive span. Start and End are UTF-8 byte offsets
// into the text the entity was detected in, End exclusive.
type Entity struct {
	Kind          Kind    `json:"kind"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
	OriginalValue string  `json:"-"`
	Confidence    float64 `json:"confidence"`
	Token         string  `json:"token,omitempty"`
	Detector      string  `json:"detector"`
}

// Len returns the span length in bytes
func (e Entity) Len() int {
	return e.End - e.Start
}

func (e Entity) overlaps(o Entity) bool {
	return e.Start < o.End && o.Start < e.End
}

// String never includes the original value
func (e Entity) String() string {
	return fmt.Sprintf("%s[%d:%d]%s", e.Kind, e.Start, e.End, e.Token)
}

// MarshalLogObject implements zapcore.ObjectMarshaler without the original value
func (e Entity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", string(e.Kind))
	enc.AddInt("start", e.Start)
	enc.AddInt("end", e.End)
	enc.AddFloat64("confidence", e.Confidence)
	enc.AddString("detector", e.Detector)
	if e.Token != "" {
		enc.AddString("token", e.Token)
	}
	return nil
}

// ReverseIndex maps tokens back to original values. It deliberately has no
// exported fields: JSON encoding and structured logging see an empty object.
type ReverseIndex struct {
	values map[string]string
}

// NewReverseIndex builds the token -> original value index for entities
func NewReverseIndex(entities []Entity) ReverseIndex {
	values := make(map[string]string, len(entities))
	for _, e := range entities {
		if e.Token != "" {
			values[e.Token] = e.OriginalValue
		}
	}
	return ReverseIndex{values: values}
}

// Lookup returns the original value for token
func (r ReverseIndex) Lookup(token string) (string, bool) {
	v, ok := r.values[token]
	return v, ok
}

// Len returns the number of known tokens
func (r ReverseIndex) Len() int {
	return len(r.values)
}

// Tokens returns the known tokens in sorted order
func (r ReverseIndex) Tokens() []string {
	tokens := make([]string, 0, len(r.values))
	for t := range r.values {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

func (r ReverseIndex) String() string {
	return fmt.Sprintf("ReverseIndex(%d tokens)", len(r.values))
}

// TokenMap is the tokenization result for one document: the accepted
// entities in text order plus the reverse index.
type TokenMap struct {
	entities []Entity
	reverse  ReverseIndex
}

// NewTokenMap wraps entities that already carry tokens
func NewTokenMap(entities []Entity) *TokenMap {
	return &TokenMap{entities: entities, reverse: NewReverseIndex(entities)}
}

// Entities returns a copy of the entities ordered by start offset
func (m *TokenMap) Entities() []Entity {
	out := make([]Entity, len(m.entities))
	copy(out, m.entities)
	return out
}

// ReverseIndex returns the token -> original value index
func (m *TokenMap) ReverseIndex() ReverseIndex {
	return m.reverse
}

// Len returns the number of entities
func (m *TokenMap) Len() int {
	return len(m.entities)
}

// KindCounts returns the number of entities per kind
func (m *TokenMap) KindCounts() map[Kind]int {
	counts := make(map[Kind]int)
	for _, e := range m.entities {
		counts[e.Kind]++
	}
	return counts
}

func (m *TokenMap) String() string {
	return fmt.Sprintf("TokenMap(%d entities, %d tokens)", len(m.entities), m.reverse.Len())
}

// MarshalLogObject logs counts only
func (m *TokenMap) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("entities", len(m.entities))
	enc.AddInt("tokens", m.reverse.Len())
	for kind, n := range m.KindCounts() {
		enc.AddInt("kind_"+string(kind), n)
	}
	return nil
}

// ErrDetection marks failures to run detection, as opposed to finding nothing
var ErrDetection = errors.New("pii detection failed")

// DetectionError reports a recognizer backend failure
type DetectionError struct {
	Recognizer string
	Err        error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("recognizer %s: %v", e.Recognizer, e.Err)
}

func (e *DetectionError) Unwrap() []error {
	return []error{ErrDetection, e.Err}
}
