package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var triageSchema = map[string]any{
	"type":     "object",
	"required": []any{"category", "confidence"},
	"properties": map[string]any{
		"category":   map[string]any{"type": "string", "enum": []any{"billing", "technical", "other"}},
		"confidence": map[string]any{"type": "number"},
		"notes":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

func TestParseRawTextWithoutSchema(t *testing.T) {
	v, err := Parse("  plain text answer  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text answer", v)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("   ", nil)
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestParseBareJSON(t *testing.T) {
	v, err := Parse(`{"category":"billing","confidence":0.9}`, triageSchema)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, "billing", m["category"])
}

func TestParseFencedJSON(t *testing.T) {
	text := "Here you go:\n```json\n{\"category\": \"technical\", \"confidence\": 0.7}\n```\nanything else"
	v, err := Parse(text, triageSchema)
	require.NoError(t, err)
	assert.Equal(t, "technical", v.(map[string]any)["category"])
}

func TestParseEmbeddedObject(t *testing.T) {
	text := `The result is {"category": "other", "confidence": 0.5} based on the ticket.`
	v, err := Parse(text, triageSchema)
	require.NoError(t, err)
	assert.Equal(t, "other", v.(map[string]any)["category"])
}

func TestParseSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing required", `{"category":"billing"}`},
		{"wrong type", `{"category":"billing","confidence":"high"}`},
		{"enum violation", `{"category":"spam","confidence":0.9}`},
		{"bad item type", `{"category":"billing","confidence":1,"notes":[1,2]}`},
		{"no json at all", `I cannot answer that.`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text, triageSchema)
			require.Error(t, err)
		})
	}
}

func TestParseIntegerType(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"count": map[string]any{"type": "integer"}},
	}
	_, err := Parse(`{"count": 3}`, schema)
	require.NoError(t, err)

	_, err = Parse(`{"count": 3.5}`, schema)
	require.Error(t, err)
}
