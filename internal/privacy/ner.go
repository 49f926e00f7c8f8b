package privacy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/raaihank/contract-sentinel/internal/config"
	"go.uber.org/zap"
)

// NERBackend runs token classification for one encoded sequence and
// returns one row of label logits per input position.
type NERBackend interface {
	Classify(ctx context.Context, ids, mask []int64) ([][]float32, error)
	Close() error
}

// NERRecognizer detects PERSON, ORG and LOCATION spans with a
// token-classification model. It is loaded once and shared read-only.
type NERRecognizer struct {
	tokenizer *WordPiece
	backend   NERBackend
	labels    []string
	maxTokens int
}

// NewNERRecognizer assembles a recognizer from its parts
func NewNERRecognizer(tokenizer *WordPiece, backend NERBackend, labels []string, maxTokens int) *NERRecognizer {
	if maxTokens < 3 {
		maxTokens = 512
	}
	return &NERRecognizer{tokenizer: tokenizer, backend: backend, labels: labels, maxTokens: maxTokens}
}

// LoadNERRecognizer loads the vocabulary and model named in cfg
func LoadNERRecognizer(cfg config.NERConfig, log *zap.Logger) (*NERRecognizer, error) {
	tokenizer, err := LoadVocab(cfg.VocabPath, false)
	if err != nil {
		return nil, err
	}
	backend, err := newONNXBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewNERRecognizer(tokenizer, backend, cfg.Labels, cfg.MaxTokens), nil
}

func (r *NERRecognizer) Name() string {
	return "ner"
}

// Close releases the model backend
func (r *NERRecognizer) Close() error {
	return r.backend.Close()
}

func (r *NERRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	pieces := r.tokenizer.Tokenize(text)
	window := r.maxTokens - 2

	var entities []Entity
	for begin := 0; begin < len(pieces); {
		end := begin + window
		if end > len(pieces) {
			end = len(pieces)
		}
		// Do not cut a word in half at a window boundary
		for end < len(pieces) && end > begin+1 && pieces[end].Continuation {
			end--
		}

		chunk := pieces[begin:end]
		tags, err := r.classify(ctx, chunk)
		if err != nil {
			return nil, err
		}
		entities = append(entities, decodeBIO(text, chunk, tags)...)
		begin = end
	}
	return entities, nil
}

type pieceTag struct {
	label string
	prob  float64
}

func (r *NERRecognizer) classify(ctx context.Context, chunk []Piece) ([]pieceTag, error) {
	ids := make([]int64, 0, len(chunk)+2)
	ids = append(ids, r.tokenizer.clsID)
	for _, p := range chunk {
		ids = append(ids, p.ID)
	}
	ids = append(ids, r.tokenizer.sepID)

	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	logits, err := r.backend.Classify(ctx, ids, mask)
	if err != nil {
		return nil, err
	}
	if len(logits) != len(ids) {
		return nil, fmt.Errorf("model returned %d rows for %d tokens", len(logits), len(ids))
	}

	tags := make([]pieceTag, len(chunk))
	for i := range chunk {
		row := logits[i+1]
		if len(row) != len(r.labels) {
			return nil, fmt.Errorf("model returned %d labels, configured %d", len(row), len(r.labels))
		}
		best, prob := softmaxArgmax(row)
		tags[i] = pieceTag{label: r.labels[best], prob: prob}
	}
	return tags, nil
}

func softmaxArgmax(row []float32) (int, float64) {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - row[best]))
	}
	return best, 1 / sum
}

func nerKind(entityType string) (Kind, bool) {
	switch entityType {
	case "PER", "PERSON":
		return KindPerson, true
	case "ORG":
		return KindOrg, true
	case "LOC", "GPE", "LOCATION":
		return KindLocation, true
	}
	return "", false
}

// decodeBIO merges tagged pieces into entity spans. Sub-word pieces extend
// the entity their word started; an I- tag without a matching open entity
// starts a new one.
func decodeBIO(text string, pieces []Piece, tags []pieceTag) []Entity {
	var (
		entities []Entity
		current  *Entity
		probs    []float64
	)

	closeCurrent := func() {
		if current == nil {
			return
		}
		var sum float64
		for _, p := range probs {
			sum += p
		}
		current.Confidence = sum / float64(len(probs))
		current.OriginalValue = text[current.Start:current.End]
		entities = append(entities, *current)
		current, probs = nil, nil
	}

	for i, piece := range pieces {
		tag := tags[i]
		if piece.Continuation {
			if current != nil {
				current.End = piece.End
				probs = append(probs, tag.prob)
			}
			continue
		}

		prefix, entityType, _ := strings.Cut(tag.label, "-")
		kind, known := nerKind(entityType)

		switch {
		case prefix == "I" && known && current != nil && current.Kind == kind:
			current.End = piece.End
			probs = append(probs, tag.prob)
		case (prefix == "B" || prefix == "I") && known:
			closeCurrent()
			current = &Entity{Kind: kind, Start: piece.Start, End: piece.End, Detector: "ner"}
			probs = []float64{tag.prob}
		default:
			closeCurrent()
		}
	}
	closeCurrent()
	return entities
}
