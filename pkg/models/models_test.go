package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAgent() *Agent {
	return &Agent{
		ID:      "classify",
		Name:    "Ticket classifier",
		Enabled: true,
		Watch: WatchSpec{
			Database:   "support",
			Collection: "tickets",
			Operations: []Operation{OpInsert},
		},
		AI: AISpec{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Prompt:    "cat={{document.category_hint}}",
			MaxTokens: 256,
		},
		Write: WriteSpec{
			Strategy:        StrategyMerge,
			TargetField:     "ai_triage",
			IncludeMetadata: true,
		},
		Execution: ExecutionSpec{MaxRetries: 2, RetryDelayMs: 100, TimeoutMs: 5000},
	}
}

func TestValidateAcceptsCompleteAgent(t *testing.T) {
	require.NoError(t, validAgent().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Agent)
	}{
		{"empty operations", func(a *Agent) { a.Watch.Operations = nil }},
		{"unknown operation", func(a *Agent) { a.Watch.Operations = []Operation{"upsert"} }},
		{"missing provider", func(a *Agent) { a.AI.Provider = "" }},
		{"missing model", func(a *Agent) { a.AI.Model = "" }},
		{"missing prompt", func(a *Agent) { a.AI.Prompt = "" }},
		{"missing target field", func(a *Agent) { a.Write.TargetField = "" }},
		{"nested merge target", func(a *Agent) { a.Write.TargetField = "ai.triage" }},
		{"negative retries", func(a *Agent) { a.Execution.MaxRetries = -1 }},
		{"bad strategy", func(a *Agent) { a.Write.Strategy = "upsert" }},
		{"bad consistency", func(a *Agent) { a.Execution.ConsistencyMode = "linear" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := validAgent()
			tc.mutate(a)
			assert.Error(t, a.Validate())
		})
	}
}

func TestNestedTargetAllowedForAppend(t *testing.T) {
	a := validAgent()
	a.Write.Strategy = StrategyAppend
	a.Write.TargetField = "history.triage"
	require.NoError(t, a.Validate())
}

func TestEnvelopeFromValue(t *testing.T) {
	env, ok := EnvelopeFromValue(map[string]any{
		"category": "billing",
		EnvelopeField: map[string]any{
			"agent_id":        "classify",
			"agent_revision":  float64(3), // JSON round-trip shape
			"idempotency_key": "classify:t1:r3",
		},
	})
	require.True(t, ok)
	assert.Equal(t, "classify", env.AgentID)
	assert.Equal(t, int64(3), env.AgentRevision)
	assert.Equal(t, "classify:t1:r3", env.IdempotencyKey)

	_, ok = EnvelopeFromValue("raw string value")
	assert.False(t, ok)

	_, ok = EnvelopeFromValue(map[string]any{"no": "envelope"})
	assert.False(t, ok)
}

func TestEnvelopesFromValue(t *testing.T) {
	element := func(key string) map[string]any {
		return map[string]any{
			"note": key,
			EnvelopeField: map[string]any{
				"agent_id":        "classify",
				"agent_revision":  float64(2),
				"idempotency_key": key,
			},
		}
	}

	// Merge/replace shape: a single map value.
	envs := EnvelopesFromValue(element("k1"))
	require.Len(t, envs, 1)
	assert.Equal(t, "k1", envs[0].IdempotencyKey)

	// Append shape: every array element contributes its envelope.
	envs = EnvelopesFromValue([]any{element("k1"), element("k2"), "bare value"})
	require.Len(t, envs, 2)
	assert.Equal(t, "k1", envs[0].IdempotencyKey)
	assert.Equal(t, "k2", envs[1].IdempotencyKey)

	assert.Nil(t, EnvelopesFromValue(nil))
	assert.Nil(t, EnvelopesFromValue("raw"))
	assert.Nil(t, EnvelopesFromValue([]any{"no", "envelopes"}))
}

func TestDefaultIdempotencyKey(t *testing.T) {
	assert.Equal(t, "classify:t1:r3", DefaultIdempotencyKey("classify", "t1", 3))
}

func TestErrorTagRetryable(t *testing.T) {
	assert.True(t, TagModelTimeout.Retryable())
	assert.True(t, TagModel5xx.Retryable())
	assert.True(t, TagParseError.Retryable())
	assert.True(t, TagModelRateLimited.Retryable())
	assert.True(t, TagTransientWriteError.Retryable())
	assert.False(t, TagModel4xx.Retryable())
	assert.False(t, TagConfigurationError.Retryable())
	assert.False(t, TagAgentGone.Retryable())
}
