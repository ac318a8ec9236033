package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ExtractJSON isolates the JSON object embedded in a model reply. Models
// routinely wrap structured output in markdown fences or surround it with
// prose; this strips fence lines and trims to the outermost braces. Returns
// the original trimmed text when no object is found so the caller's decode
// error stays informative.
func ExtractJSON(content string) string {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		var kept []string
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		text = strings.TrimSpace(strings.Join(kept, "\n"))
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// DecodeStructured parses the JSON object in a model reply into v. Callers
// substitute neutral defaults on error rather than propagating it; a model
// that rambles instead of returning JSON must never sink a timeline.
func DecodeStructured(content string, v any) error {
	text := ExtractJSON(content)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// Schema validates structured model output against a JSON schema before
// decoding it. Compile once, reuse across calls; compiled schemas are safe
// for concurrent use.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// NewSchema compiles raw (a JSON schema document) under the given name.
func NewSchema(name string, raw []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustSchema is NewSchema for package-level schema literals.
func MustSchema(name string, raw []byte) *Schema {
	s, err := NewSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode extracts the JSON object from content, validates it against the
// schema and unmarshals it into v. Any failure reports which contract the
// reply broke; callers fall back to neutral defaults exactly as they do for
// plain decode errors.
func (s *Schema) Decode(content string, v any) error {
	text := ExtractJSON(content)
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("decode %s output: %w", s.name, err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("validate %s output: %w", s.name, err)
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("decode %s output: %w", s.name, err)
	}
	return nil
}
