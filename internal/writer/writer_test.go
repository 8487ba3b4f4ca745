package writer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

func envelope(key string) models.Envelope {
	return models.Envelope{
		AgentID:        "classify",
		AgentRevision:  1,
		ExecutedAt:     time.Now().UTC(),
		IdempotencyKey: key,
		ExecutionID:    "exec-1",
	}
}

func request(strategy models.WriteStrategy, value any, key string) Request {
	return Request{
		Database:        "support",
		Collection:      "tickets",
		DocumentID:      "t1",
		TargetField:     "ai_triage",
		Strategy:        strategy,
		Value:           value,
		IncludeMetadata: true,
		Envelope:        envelope(key),
	}
}

func TestMergeWritesValueAndEnvelope(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	store.Insert("support", "tickets", "t1", map[string]any{"status": "open"})
	engine := NewEngine(store)

	written, err := engine.Write(ctx, request(models.StrategyMerge, map[string]any{"category": "billing"}, "k1"))
	require.NoError(t, err)
	assert.True(t, written)

	doc, ok := store.Get("support", "tickets", "t1")
	require.True(t, ok)
	target := doc["ai_triage"].(map[string]any)
	assert.Equal(t, "billing", target["category"])

	env, ok := models.EnvelopeFromValue(target)
	require.True(t, ok)
	assert.Equal(t, "classify", env.AgentID)
	assert.Equal(t, "k1", env.IdempotencyKey)
	assert.Equal(t, "open", doc["status"], "unrelated fields preserved")
}

func TestDuplicateKeyIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	store.Insert("support", "tickets", "t1", map[string]any{"status": "open"})
	engine := NewEngine(store)

	written, err := engine.Write(ctx, request(models.StrategyMerge, map[string]any{"category": "billing"}, "k1"))
	require.NoError(t, err)
	require.True(t, written)

	// Same key again: conditional matches nothing, document unchanged.
	written, err = engine.Write(ctx, request(models.StrategyMerge, map[string]any{"category": "changed"}, "k1"))
	require.NoError(t, err)
	assert.False(t, written)

	doc, _ := store.Get("support", "tickets", "t1")
	target := doc["ai_triage"].(map[string]any)
	assert.Equal(t, "billing", target["category"])

	// A new key (agent revision bumped) overwrites.
	written, err = engine.Write(ctx, request(models.StrategyMerge, map[string]any{"category": "changed"}, "k2"))
	require.NoError(t, err)
	assert.True(t, written)
}

func TestReplaceOverwritesWholeField(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	store.Insert("support", "tickets", "t1", map[string]any{
		"ai_triage": map[string]any{"stale": true},
	})
	engine := NewEngine(store)

	written, err := engine.Write(ctx, request(models.StrategyReplace, "short answer", "k1"))
	require.NoError(t, err)
	assert.True(t, written)

	doc, _ := store.Get("support", "tickets", "t1")
	target := doc["ai_triage"].(map[string]any)
	assert.Equal(t, "short answer", target["value"])
	assert.NotContains(t, target, "stale")
}

func TestAppendDedupsByEnvelopeKey(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	store.Insert("support", "tickets", "t1", map[string]any{"status": "open"})
	engine := NewEngine(store)

	written, err := engine.Write(ctx, request(models.StrategyAppend, map[string]any{"note": "first"}, "k1"))
	require.NoError(t, err)
	require.True(t, written)

	written, err = engine.Write(ctx, request(models.StrategyAppend, map[string]any{"note": "dup"}, "k1"))
	require.NoError(t, err)
	assert.False(t, written)

	written, err = engine.Write(ctx, request(models.StrategyAppend, map[string]any{"note": "second"}, "k2"))
	require.NoError(t, err)
	assert.True(t, written)

	doc, _ := store.Get("support", "tickets", "t1")
	arr := doc["ai_triage"].([]any)
	require.Len(t, arr, 2)
}

func TestWriteMissingDocument(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(docstore.NewMemoryStore())

	written, err := engine.Write(ctx, request(models.StrategyMerge, map[string]any{"x": 1}, "k1"))
	require.NoError(t, err)
	assert.False(t, written)
}

func TestBuildUpdateWithoutMetadata(t *testing.T) {
	req := request(models.StrategyReplace, "raw", "k1")
	req.IncludeMetadata = false

	filter, update, err := BuildUpdate(req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"_id": "t1"}, filter)
	assert.Equal(t, map[string]any{"$set": map[string]any{"ai_triage": "raw"}}, update)
}
