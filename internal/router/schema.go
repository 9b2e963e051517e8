package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// intentSchemaJSON is the forced output contract for classification calls.
// The model must return an array of intents; a bare object is coerced into
// a one-element array before validation.
const intentSchemaJSON = `{
	"type": "array",
	"minItems": 1,
	"maxItems": 5,
	"items": {
		"type": "object",
		"required": ["type", "summary"],
		"additionalProperties": false,
		"properties": {
			"type": {
				"type": "string",
				"enum": ["research", "save", "search", "report", "code", "general"]
			},
			"summary": {"type": "string", "minLength": 1},
			"project": {"type": "string"}
		}
	}
}`

func compileIntentSchema() (*jsonschema.Schema, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(intentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal intent schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("intents.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("intents.json")
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	return schema, nil
}

// parseIntents extracts JSON from the model response, coerces a single
// object to an array and validates against the intent schema.
func (r *Router) parseIntents(responseText string) ([]Intent, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, fmt.Errorf("response contains no JSON")
	}
	if strings.HasPrefix(strings.TrimSpace(jsonStr), "{") {
		jsonStr = "[" + jsonStr + "]"
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := r.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var intents []Intent
	if err := json.Unmarshal([]byte(jsonStr), &intents); err != nil {
		return nil, fmt.Errorf("decode intents: %w", err)
	}
	return intents, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Try fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Try generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Try raw JSON: find first { or [ and match closing.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		}
		if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
