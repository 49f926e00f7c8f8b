package privacy

import (
	"context"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// DetectionRule is a regular-expression recognizer for one kind of entity
type DetectionRule struct {
	Name       string
	Kind       Kind
	Patterns   []*regexp.Regexp
	Group      int // submatch that holds the entity, 0 for the whole match
	Confidence float64

	// Validate rejects matches that fit the pattern but not the format (checksums)
	Validate func(value string) bool
	// Refine narrows a match, returning false to drop it
	Refine func(text string, start, end int) (int, int, bool)
}

type ruleRecognizer struct {
	rule DetectionRule
}

// NewRuleRecognizer wraps a DetectionRule as a Recognizer
func NewRuleRecognizer(rule DetectionRule) Recognizer {
	return &ruleRecognizer{rule: rule}
}

func (r *ruleRecognizer) Name() string {
	return r.rule.Name
}

func (r *ruleRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	var found []Entity
	for _, pattern := range r.rule.Patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*r.rule.Group], m[2*r.rule.Group+1]
			if start < 0 {
				continue
			}
			if r.rule.Refine != nil {
				var ok bool
				if start, end, ok = r.rule.Refine(text, start, end); !ok {
					continue
				}
			}
			value := text[start:end]
			if r.rule.Validate != nil && !r.rule.Validate(value) {
				continue
			}
			found = append(found, Entity{
				Kind:          r.rule.Kind,
				Start:         start,
				End:           end,
				OriginalValue: value,
				Confidence:    r.rule.Confidence,
				Detector:      r.rule.Name,
			})
		}
	}
	return found, nil
}

const months = `January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec`

const corporateSuffix = `Corp(?:oration)?|Inc|Incorporated|LLC|LLP|Ltd|Limited|GmbH|AG|PLC|Co|Company|Holdings|Group`

// GetDefaultRules returns the built-in recognizers
func GetDefaultRules() []DetectionRule {
	return []DetectionRule{
		{
			Name:       "email",
			Kind:       KindEmail,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
			Confidence: 0.95,
		},
		{
			Name:       "ssn",
			Kind:       KindSSN,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			Confidence: 0.9,
		},
		{
			Name:       "credit_card",
			Kind:       KindCreditCard,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)},
			Confidence: 0.9,
			Validate:   luhnValid,
		},
		{
			Name:       "iban",
			Kind:       KindIBAN,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)},
			Confidence: 0.85,
			Validate:   ibanValid,
		},
		{
			Name:       "phone",
			Kind:       KindPhone,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`(?:\+\d{1,3}[-. ]?)?(?:\(\d{3}\)|\b\d{3})[-. ]?\d{3}[-. ]?\d{4}\b`)},
			Confidence: 0.75,
		},
		{
			Name:       "ip_address",
			Kind:       KindIPAddress,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
			Confidence: 0.8,
		},
		{
			Name:       "url",
			Kind:       KindURL,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b(?:https?://|www\.)[^\s<>"'()\[\]]+`)},
			Confidence: 0.8,
			Refine:     trimTrailingPunct,
		},
		{
			Name: "date",
			Kind: KindDate,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b\d{4}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`),
				regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:\d{4}|\d{2})\b`),
				regexp.MustCompile(`\b(?:` + months + `)\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b`),
				regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)? (?:of )?(?:` + months + `),? \d{4}\b`),
			},
			Confidence: 0.85,
		},
		{
			Name: "org",
			Kind: KindOrg,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(?:[A-Z][A-Za-z0-9&'-]*[ \t]+){1,4}(?:` + corporateSuffix + `)\b`),
			},
			Confidence: 0.85,
			Refine:     refineOrg,
		},
		{
			Name: "person",
			Kind: KindPerson,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?[ \t]+([A-Z][a-z]+(?:['-][A-Z][a-z]+)?(?:[ \t]+[A-Z][a-z]+(?:['-][A-Z][a-z]+)?){0,2})`),
			},
			Group:      1,
			Confidence: 0.9,
			Refine:     refineHonorificName,
		},
		{
			Name: "person_name",
			Kind: KindPerson,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b[A-Z][a-z]+(?:['-][A-Z][a-z]+)?(?:[ \t]+[A-Z]\.)?(?:[ \t]+[A-Z][a-z]+(?:['-][A-Z][a-z]+)?){1,4}\b`),
			},
			Confidence: 0.6,
			Refine:     refinePersonName,
		},
	}
}

// detectorPriority orders recognizers for overlap tie-breaks; lower wins
var detectorPriority = []string{
	"custom", "ner", "email", "ssn", "credit_card", "iban", "phone",
	"ip_address", "url", "date", "org", "person", "person_name",
}

func priorityOf(detector string) int {
	if i := strings.IndexByte(detector, ':'); i >= 0 {
		detector = detector[:i]
	}
	for i, name := range detectorPriority {
		if name == detector {
			return i
		}
	}
	return len(detectorPriority)
}

func luhnValid(value string) bool {
	sum, digits := 0, 0
	double := false
	for i := len(value) - 1; i >= 0; i-- {
		c := value[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		digits++
		double = !double
	}
	return digits >= 13 && digits <= 19 && sum%10 == 0
}

func ibanValid(value string) bool {
	compact := strings.ReplaceAll(value, " ", "")
	if len(compact) < 15 || len(compact) > 34 {
		return false
	}
	rearranged := compact[4:] + compact[:4]
	var numeric strings.Builder
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			numeric.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			numeric.WriteString(strconv.Itoa(int(c-'A') + 10))
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(numeric.String(), 10)
	return ok && new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func trimTrailingPunct(text string, start, end int) (int, int, bool) {
	for end > start && strings.ContainsRune(".,;:!?", rune(text[end-1])) {
		end--
	}
	return start, end, end > start
}

// stopWords are capitalized words that start sentences or name contract
// roles rather than people.
var stopWords = toSet(`The This That These Those A An And Or Of In On At By For To With From Between
Whereas Hereby Agreement Contract Amendment Addendum Party Parties Section Article Clause Schedule
Exhibit Appendix Annex Effective Date Term Terms Notice Notices Company Client Customer Vendor
Supplier Buyer Seller Purchaser Landlord Tenant Lessor Lessee Employer Employee Contractor
Consultant Licensor Licensee Services Service Payment Fees Confidential Information Governing Law
State States United Kingdom County City Court Inc Corp Corporation LLC LLP Ltd Limited GmbH AG PLC
Co Holdings Group Dear Signed Signature Name Title Witness Page Total Amount Chief Executive Officer
President Director Manager Secretary Board Sincerely Regards Attention Re Subject Monday Tuesday
Wednesday Thursday Friday Saturday Sunday January February March April May June July August September
October November December Jan Feb Mar Apr Jun Jul Aug Sep Sept Oct Nov Dec`)

var orgLeadStopWords = toSet(`The This That These Those A An And Or Of In On At By For To With From Between
Whereas Hereby Signed Dear Attention Re Subject`)

func toSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// wordSpans splits text[start:end] on spaces and tabs, returning byte spans
func wordSpans(text string, start, end int) [][2]int {
	var spans [][2]int
	i := start
	for i < end {
		for i < end && (text[i] == ' ' || text[i] == '\t') {
			i++
		}
		j := i
		for j < end && text[j] != ' ' && text[j] != '\t' {
			j++
		}
		if j > i {
			spans = append(spans, [2]int{i, j})
		}
		i = j
	}
	return spans
}

func refineOrg(text string, start, end int) (int, int, bool) {
	words := wordSpans(text, start, end)
	for len(words) > 0 && orgLeadStopWords[text[words[0][0]:words[0][1]]] {
		words = words[1:]
	}
	if len(words) < 2 {
		return 0, 0, false
	}
	return words[0][0], words[len(words)-1][1], true
}

func trimStopWords(text string, words [][2]int) [][2]int {
	for len(words) > 0 && stopWords[text[words[0][0]:words[0][1]]] {
		words = words[1:]
	}
	for len(words) > 0 && stopWords[text[words[len(words)-1][0]:words[len(words)-1][1]]] {
		words = words[:len(words)-1]
	}
	return words
}

func refineHonorificName(text string, start, end int) (int, int, bool) {
	words := trimStopWords(text, wordSpans(text, start, end))
	if len(words) == 0 || words[0][0] != start {
		return 0, 0, false
	}
	return start, words[len(words)-1][1], true
}

func refinePersonName(text string, start, end int) (int, int, bool) {
	words := trimStopWords(text, wordSpans(text, start, end))
	if len(words) < 2 {
		return 0, 0, false
	}
	for _, w := range words {
		if stopWords[text[w[0]:w[1]]] {
			return 0, 0, false
		}
	}
	return words[0][0], words[len(words)-1][1], true
}
