package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldType is the JSON type a field must have
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeAny     FieldType = "any"
)

// Field describes one expected member of the structured response
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Rules    string  // validator tags applied to the value, e.g. "min=1"
	Fields   []Field // members of an object
	Items    *Field  // element shape of an array
	Describe string  // hint rendered into the prompt
}

// Schema names and describes the expected analysis result
type Schema struct {
	Name   string
	Fields []Field
}

// SchemaError lists every violation found in a response
type SchemaError struct {
	Schema     string
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response does not match schema %s: %s", e.Schema, strings.Join(e.Violations, "; "))
}

var validate = validator.New()

// Validate checks a decoded JSON object against the schema
func (s *Schema) Validate(result map[string]any) error {
	var violations []string
	checkFields("$", s.Fields, result, &violations)
	if len(violations) > 0 {
		return &SchemaError{Schema: s.Name, Violations: violations}
	}
	return nil
}

func checkFields(path string, fields []Field, obj map[string]any, violations *[]string) {
	for _, f := range fields {
		checkValue(path+"."+f.Name, f, obj[f.Name], hasKey(obj, f.Name), violations)
	}
}

func hasKey(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}

func checkValue(path string, f Field, value any, present bool, violations *[]string) {
	if !present || value == nil {
		if f.Required {
			*violations = append(*violations, path+" is required")
		}
		return
	}

	if !typeMatches(f.Type, value) {
		*violations = append(*violations, fmt.Sprintf("%s must be %s, got %T", path, f.Type, value))
		return
	}

	if f.Rules != "" {
		if err := validate.Var(value, f.Rules); err != nil {
			*violations = append(*violations, fmt.Sprintf("%s fails %q", path, f.Rules))
		}
	}

	switch v := value.(type) {
	case map[string]any:
		checkFields(path, f.Fields, v, violations)
	case []any:
		if f.Items != nil {
			for i, item := range v {
				checkValue(fmt.Sprintf("%s[%d]", path, i), *f.Items, item, true, violations)
			}
		}
	}
}

func typeMatches(t FieldType, value any) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case float64, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

// Skeleton renders the schema as an example JSON document for prompts
func (s *Schema) Skeleton() string {
	data, err := json.MarshalIndent(skeletonObject(s.Fields), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func skeletonObject(fields []Field) map[string]any {
	obj := make(map[string]any, len(fields))
	for _, f := range fields {
		obj[f.Name] = skeletonValue(f)
	}
	return obj
}

func skeletonValue(f Field) any {
	switch f.Type {
	case TypeObject:
		return skeletonObject(f.Fields)
	case TypeArray:
		if f.Items != nil {
			return []any{skeletonValue(*f.Items)}
		}
		return []any{}
	case TypeNumber:
		return 0
	case TypeBoolean:
		return false
	}
	if f.Describe != "" {
		return f.Describe
	}
	return f.Name
}

var schemas = map[string]*Schema{
	ContractAnalysis.Name: ContractAnalysis,
	Freeform.Name:         Freeform,
}

// LookupSchema returns a registered schema by name
func LookupSchema(name string) (*Schema, bool) {
	s, ok := schemas[name]
	return s, ok
}

// SchemaNames lists registered schemas
func SchemaNames() []string {
	names := make([]string, 0, len(schemas))
	for n := range schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Freeform accepts any JSON object
var Freeform = &Schema{Name: "freeform"}

func stringList(describe string) *Field {
	return &Field{Type: TypeString, Describe: describe}
}

// ContractAnalysis is the default contract review schema
var ContractAnalysis = &Schema{
	Name: "contract_analysis",
	Fields: []Field{
		{
			Name: "key_dates_and_events", Type: TypeArray, Required: true,
			Items: &Field{Type: TypeObject, Fields: []Field{
				{Name: "date", Type: TypeString, Required: true, Describe: "date or token"},
				{Name: "event", Type: TypeString, Required: true, Describe: "what happens"},
				{Name: "significance", Type: TypeString, Describe: "why it matters"},
			}},
		},
		{
			Name: "date_dependencies", Type: TypeArray,
			Items: &Field{Type: TypeObject, Fields: []Field{
				{Name: "dependent_event", Type: TypeString, Describe: "event"},
				{Name: "depends_on", Type: TypeString, Describe: "trigger"},
				{Name: "relationship", Type: TypeString, Describe: "how they relate"},
			}},
		},
		{
			Name: "simplified_clauses", Type: TypeArray,
			Items: &Field{Type: TypeObject, Fields: []Field{
				{Name: "original_clause", Type: TypeString, Describe: "clause reference"},
				{Name: "simplified_explanation", Type: TypeString, Describe: "plain language"},
				{Name: "importance", Type: TypeString, Rules: "oneof=high medium low", Describe: "high|medium|low"},
			}},
		},
		{
			Name: "benefit_analysis", Type: TypeArray,
			Items: &Field{Type: TypeObject, Fields: []Field{
				{Name: "party", Type: TypeString, Describe: "party token"},
				{Name: "benefits", Type: TypeArray, Items: stringList("benefit")},
				{Name: "obligations", Type: TypeArray, Items: stringList("obligation")},
			}},
		},
		{
			Name: "contract_summary", Type: TypeObject, Required: true,
			Fields: []Field{
				{Name: "contract_type", Type: TypeString, Required: true, Rules: "min=1", Describe: "type of agreement"},
				{Name: "main_parties", Type: TypeArray, Required: true, Items: stringList("party token")},
				{Name: "primary_purpose", Type: TypeString, Describe: "purpose"},
				{Name: "key_obligations", Type: TypeArray, Items: stringList("obligation")},
				{Name: "termination_conditions", Type: TypeArray, Items: stringList("condition")},
				{Name: "governing_law", Type: TypeString, Describe: "jurisdiction"},
			},
		},
		{
			Name: "risk_assessment", Type: TypeObject, Required: true,
			Fields: []Field{
				{Name: "high_risk_items", Type: TypeArray, Items: stringList("risk")},
				{Name: "medium_risk_items", Type: TypeArray, Items: stringList("risk")},
				{Name: "recommendations", Type: TypeArray, Items: stringList("recommendation")},
			},
		},
	},
}
