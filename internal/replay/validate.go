package replay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OutputValidator checks replayed outputs against the JSON Schema stored with
// the original record. Compiled schemas are cached by their source text.
type OutputValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns nil when schemaJSON is empty or output carries a JSON
// document satisfying it.
func (v *OutputValidator) Validate(schemaJSON, output string) error {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil
	}
	schema, err := v.compile(schemaJSON)
	if err != nil {
		return err
	}

	doc := extractJSON(output)
	if doc == "" {
		return fmt.Errorf("output does not contain a JSON document")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("invalid JSON output: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("output schema validation failed: %w", err)
	}
	return nil
}

func (v *OutputValidator) compile(schemaJSON string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[schemaJSON]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal output schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("output.json")
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	v.cache[schemaJSON] = s
	return s, nil
}

// extractJSON finds the JSON document in an agent output: a ```json fenced
// block, the whole trimmed text, or the first balanced object or array.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	if trimmed := strings.TrimSpace(text); json.Valid([]byte(trimmed)) && trimmed != "" {
		return trimmed
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return ""
}

func extractBalanced(s string) string {
	open := s[0]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
