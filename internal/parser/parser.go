// Package parser extracts structured data from model responses.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?is)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = fmt.Errorf("empty response content")

// Parse turns raw model output into the value to write back.
//
// Without a schema the raw text is the value and parsing never fails (beyond
// empty content). With a schema the text must yield JSON that validates;
// failures are parse errors and follow the retry disposition.
func Parse(text string, schema map[string]any) (any, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, ErrEmptyResponse
	}

	if schema == nil {
		return content, nil
	}

	parsed, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	if errs := validate(parsed, schema, "$"); len(errs) > 0 {
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(errs, "; "))
	}
	return parsed, nil
}

// extractJSON tries, in order: the whole content, the first fenced code
// block, and the first bare JSON object or array in the text.
func extractJSON(content string) (any, error) {
	if v, ok := tryUnmarshal(content); ok {
		return v, nil
	}
	if m := fenceRe.FindStringSubmatch(content); m != nil {
		if v, ok := tryUnmarshal(strings.TrimSpace(m[1])); ok {
			return v, nil
		}
	}
	for _, open := range []byte{'{', '['} {
		if v, ok := tryBalanced(content, open); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no JSON found in response")
}

func tryUnmarshal(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	}
	return nil, false
}

// tryBalanced scans for the first balanced {...} or [...] region and parses it.
func tryBalanced(content string, open byte) (any, bool) {
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}
	start := strings.IndexByte(content, open)
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return tryUnmarshal(content[start : i+1])
			}
		}
	}
	return nil, false
}

// ── Schema-lite validation ──────────────────────────────────

// validate checks type, required, properties, items, and enum. It is not a
// full JSON Schema implementation; it covers the subset agents declare.
func validate(v any, schema map[string]any, path string) []string {
	var errs []string

	if typ, ok := schema["type"].(string); ok {
		if !typeMatches(v, typ) {
			return []string{fmt.Sprintf("%s: expected %s, got %s", path, typ, typeName(v))}
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		matched := false
		for _, allowed := range enum {
			if jsonEqual(v, allowed) {
				matched = true
				break
			}
		}
		if !matched {
			errs = append(errs, fmt.Sprintf("%s: value not in enum", path))
		}
	}

	if obj, ok := v.(map[string]any); ok {
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := obj[name]; name != "" && !present {
					errs = append(errs, fmt.Sprintf("%s: missing required property %q", path, name))
				}
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			for name, sub := range props {
				subSchema, ok := sub.(map[string]any)
				if !ok {
					continue
				}
				if child, present := obj[name]; present {
					errs = append(errs, validate(child, subSchema, path+"."+name)...)
				}
			}
		}
	}

	if arr, ok := v.([]any); ok {
		if items, ok := schema["items"].(map[string]any); ok {
			for i, child := range arr {
				errs = append(errs, validate(child, items, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	}

	return errs
}

func typeMatches(v any, typ string) bool {
	switch typ {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	}
	return true
}

func typeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func jsonEqual(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}
