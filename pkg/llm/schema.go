package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema pairs a compiled JSON schema (for output validation) with its raw
// document (for the prompt preamble that tells the model what to produce).
type Schema struct {
	Name     string
	raw      map[string]any
	compiled *jsonschema.Schema
}

// NewSchema parses and compiles a JSON schema document. The name shows up in
// validation errors and should read like a type name.
func NewSchema(name, doc string) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	return &Schema{Name: name, raw: raw, compiled: compiled}, nil
}

// MustSchema is NewSchema for package-level schema literals.
func MustSchema(name, doc string) *Schema {
	s, err := NewSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(value any) error {
	return s.compiled.Validate(value)
}

// PromptInstruction renders the schema as plain prose for the model. JSON
// mode guarantees an object but not its shape, and models sometimes echo a
// schema back instead of filling it in; the wording here pushes against
// that.
func (s *Schema) PromptInstruction() string {
	defs, _ := s.raw["$defs"].(map[string]any)
	properties, _ := s.raw["properties"].(map[string]any)
	required := stringSlice(s.raw["required"])

	var fieldLines []string
	for _, name := range required {
		prop, _ := properties[name].(map[string]any)
		fieldLines = append(fieldLines, fmt.Sprintf("  %q: <%s>", name, resolveType(prop, defs)))
	}
	structure := "{\n" + strings.Join(fieldLines, ",\n") + "\n}"

	var nestedHints []string
	for _, defName := range sortedKeys(defs) {
		defSchema, _ := defs[defName].(map[string]any)
		if defRequired := stringSlice(defSchema["required"]); len(defRequired) > 0 {
			nestedHints = append(nestedHints, fmt.Sprintf("%s: use fields %s", defName, quoteList(defRequired)))
		}
	}
	nestedInfo := ""
	if len(nestedHints) > 0 {
		nestedInfo = "\nNested object fields: " + strings.Join(nestedHints, "; ")
	}

	return fmt.Sprintf(
		"RESPONSE FORMAT: Return a JSON object with YOUR ACTUAL CONTENT.\n"+
			"Required fields: %s\n"+
			"Structure:\n%s%s\n"+
			"IMPORTANT: Fill in actual values, NOT the schema definition.",
		quoteList(required), structure, nestedInfo)
}

// resolveType renders a property schema as a short human-readable type.
func resolveType(prop map[string]any, defs map[string]any) string {
	if prop == nil {
		return "unknown"
	}
	if ref, ok := prop["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		refName := parts[len(parts)-1]
		refDef, _ := defs[refName].(map[string]any)
		if refProps, _ := refDef["properties"].(map[string]any); len(refProps) > 0 {
			return "object with fields: " + quoteList(stringSlice(refDef["required"]))
		}
		return refName
	}
	if prop["type"] == "array" {
		items, _ := prop["items"].(map[string]any)
		return "array of " + resolveType(items, defs)
	}
	if t, ok := prop["type"].(string); ok {
		return t
	}
	return "unknown"
}

func stringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
