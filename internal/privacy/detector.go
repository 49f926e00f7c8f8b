package privacy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/raaihank/contract-sentinel/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Recognizer finds candidate entities in text. Implementations must be safe
// for concurrent use; the detector shares them across runs.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// Detector runs the configured recognizers, resolves overlapping candidates
// and assigns placeholder tokens.
type Detector struct {
	recognizers []Recognizer
	threshold   float64
	logger      *zap.Logger
}

// New creates a detector from configuration. Extra recognizers are appended
// after the configured ones.
func New(cfg config.PrivacyConfig, log *zap.Logger, extra ...Recognizer) (*Detector, error) {
	recognizers, err := configureRecognizers(cfg.Detectors)
	if err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	for _, p := range cfg.CustomPatterns {
		r, err := customRecognizer(p)
		if err != nil {
			return nil, err
		}
		recognizers = append(recognizers, r)
	}

	if cfg.NER.Enabled {
		ner, err := LoadNERRecognizer(cfg.NER, log)
		if err != nil {
			return nil, fmt.Errorf("failed to load NER model: %w", err)
		}
		recognizers = append(recognizers, ner)
	}

	recognizers = append(recognizers, extra...)

	names := make([]string, 0, len(recognizers))
	for _, r := range recognizers {
		names = append(names, r.Name())
	}
	log.Info("Privacy detector initialized",
		zap.Strings("recognizers", names),
		zap.Float64("confidence_threshold", cfg.ConfidenceThreshold),
	)

	return &Detector{recognizers: recognizers, threshold: cfg.ConfidenceThreshold, logger: log}, nil
}

// NewWithRecognizers creates a detector from explicit recognizers
func NewWithRecognizers(threshold float64, log *zap.Logger, recognizers ...Recognizer) *Detector {
	return &Detector{recognizers: recognizers, threshold: threshold, logger: log}
}

// configureRecognizers enables the named built-in rules
func configureRecognizers(detectors []string) ([]Recognizer, error) {
	rules := GetDefaultRules()
	enabled := make(map[string]bool)

	for _, detector := range detectors {
		if detector == "all" {
			for _, rule := range rules {
				enabled[rule.Name] = true
			}
			continue
		}

		found := false
		for _, rule := range rules {
			// "person" also enables the lower confidence name heuristic
			if rule.Name == detector || (detector == "person" && rule.Name == "person_name") {
				enabled[rule.Name] = true
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown detector: %s", detector)
		}
	}

	var recognizers []Recognizer
	for _, rule := range rules {
		if enabled[rule.Name] {
			recognizers = append(recognizers, NewRuleRecognizer(rule))
		}
	}
	return recognizers, nil
}

func customRecognizer(p config.CustomPattern) (Recognizer, error) {
	pattern, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid custom pattern %s: %w", p.Name, err)
	}

	kind := Kind(strings.ToUpper(p.Kind))
	if kind == "" {
		kind = KindCustom
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid kind %q for custom pattern %s", p.Kind, p.Name)
	}

	confidence := p.Confidence
	if confidence == 0 {
		confidence = 0.9
	}

	return NewRuleRecognizer(DetectionRule{
		Name:       "custom:" + p.Name,
		Kind:       kind,
		Patterns:   []*regexp.Regexp{pattern},
		Confidence: confidence,
	}), nil
}

// Recognizers returns the names of the active recognizers
func (d *Detector) Recognizers() []string {
	names := make([]string, 0, len(d.recognizers))
	for _, r := range d.recognizers {
		names = append(names, r.Name())
	}
	return names
}

// Tokenize detects entities with the configured threshold and returns the
// document's token map.
func (d *Detector) Tokenize(ctx context.Context, text string) (*TokenMap, error) {
	entities, err := d.Detect(ctx, text, d.threshold)
	if err != nil {
		return nil, err
	}
	return NewTokenMap(entities), nil
}

// Detect returns non-overlapping entities ordered by start offset, each
// carrying its token. No entities yields an empty slice and a nil error;
// a recognizer failure yields a *DetectionError.
func (d *Detector) Detect(ctx context.Context, text string, threshold float64) ([]Entity, error) {
	if text == "" || len(d.recognizers) == 0 {
		return []Entity{}, nil
	}

	// Each recognizer writes its own slot so the merge order does not depend
	// on goroutine scheduling.
	results := make([][]Entity, len(d.recognizers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range d.recognizers {
		g.Go(func() error {
			found, err := r.Recognize(gctx, text)
			if err != nil {
				return &DetectionError{Recognizer: r.Name(), Err: err}
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var candidates []Entity
	for i, found := range results {
		for _, e := range found {
			if e.Start < 0 || e.End > len(text) || e.Start >= e.End {
				return nil, &DetectionError{
					Recognizer: d.recognizers[i].Name(),
					Err:        fmt.Errorf("span [%d:%d] outside text of %d bytes", e.Start, e.End, len(text)),
				}
			}
			if e.Confidence < threshold {
				continue
			}
			if !e.Kind.Valid() {
				return nil, &DetectionError{
					Recognizer: d.recognizers[i].Name(),
					Err:        fmt.Errorf("invalid entity kind %q", e.Kind),
				}
			}
			e.OriginalValue = text[e.Start:e.End]
			e.Token = ""
			if e.Detector == "" {
				e.Detector = d.recognizers[i].Name()
			}
			candidates = append(candidates, e)
		}
	}

	entities := resolveOverlaps(candidates)
	assignTokens(text, entities)

	d.logger.Debug("PII detection complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("entities", len(entities)),
	)

	return entities, nil
}

// resolveOverlaps keeps the best candidate for each contested region:
// highest confidence, then longest span, then detector priority. The
// result is ordered by start offset.
func resolveOverlaps(candidates []Entity) []Entity {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if pa, pb := priorityOf(a.Detector), priorityOf(b.Detector); pa != pb {
			return pa < pb
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Detector < b.Detector
	})

	accepted := make([]Entity, 0, len(candidates))
	for _, c := range candidates {
		idx := sort.Search(len(accepted), func(i int) bool { return accepted[i].Start >= c.Start })
		if idx < len(accepted) && accepted[idx].overlaps(c) {
			continue
		}
		if idx > 0 && accepted[idx-1].overlaps(c) {
			continue
		}
		accepted = append(accepted, Entity{})
		copy(accepted[idx+1:], accepted[idx:])
		accepted[idx] = c
	}
	return accepted
}

// assignTokens numbers entities per kind in order of first occurrence.
// Repeated (kind, value) pairs share a token, and ordinals whose token
// already appears literally in the text are skipped.
func assignTokens(text string, entities []Entity) {
	counters := make(map[Kind]int)
	assigned := make(map[string]string)

	for i := range entities {
		e := &entities[i]
		key := string(e.Kind) + "\x00" + e.OriginalValue
		if token, ok := assigned[key]; ok {
			e.Token = token
			continue
		}

		n := counters[e.Kind]
		var token string
		for {
			n++
			token = FormatToken(e.Kind, n)
			if !strings.Contains(text, token) {
				break
			}
		}
		counters[e.Kind] = n
		assigned[key] = token
		e.Token = token
	}
}
