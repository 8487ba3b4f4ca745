package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

func TestNilPolicyWrites(t *testing.T) {
	e := NewEvaluator()
	d := e.Evaluate(nil, map[string]any{}, "answer")
	assert.True(t, d.Write)
	assert.Equal(t, "answer", d.Value)
}

func TestConditionRoutesAction(t *testing.T) {
	e := NewEvaluator()
	spec := &models.PolicySpec{
		Condition:      `document.status == "open"`,
		Action:         "block",
		FallbackAction: "enrich",
	}

	d := e.Evaluate(spec, map[string]any{"status": "open"}, "x")
	assert.False(t, d.Write)
	assert.Equal(t, "policy_block", d.Reason)

	d = e.Evaluate(spec, map[string]any{"status": "closed"}, "x")
	assert.True(t, d.Write)
}

func TestConditionOverResult(t *testing.T) {
	e := NewEvaluator()
	spec := &models.PolicySpec{
		Condition:      `result.confidence > 0.8`,
		Action:         "enrich",
		FallbackAction: "skip",
	}

	d := e.Evaluate(spec, nil, map[string]any{"confidence": 0.9})
	assert.True(t, d.Write)

	d = e.Evaluate(spec, nil, map[string]any{"confidence": 0.2})
	assert.False(t, d.Write)
	assert.Equal(t, "policy_skip", d.Reason)
}

func TestTagActionInjectsField(t *testing.T) {
	e := NewEvaluator()
	spec := &models.PolicySpec{
		Action:   "tag",
		TagField: "review",
		TagValue: "needed",
	}

	d := e.Evaluate(spec, nil, map[string]any{"category": "billing"})
	assert.True(t, d.Write)
	tagged := d.Value.(map[string]any)
	assert.Equal(t, "needed", tagged["review"])
	assert.Equal(t, "billing", tagged["category"])

	// Non-map results get wrapped before tagging.
	d = e.Evaluate(spec, nil, "raw text")
	tagged = d.Value.(map[string]any)
	assert.Equal(t, "raw text", tagged["value"])
	assert.Equal(t, "needed", tagged["review"])
}

func TestSimulationModeNeverWrites(t *testing.T) {
	e := NewEvaluator()
	spec := &models.PolicySpec{
		Action:         "enrich",
		SimulationMode: true,
	}
	d := e.Evaluate(spec, nil, "x")
	assert.False(t, d.Write)
	assert.Equal(t, "policy_simulation_enrich", d.Reason)
}

func TestBrokenConditionFallsBack(t *testing.T) {
	e := NewEvaluator()
	spec := &models.PolicySpec{
		Condition:      `document.status ==`,
		Action:         "enrich",
		FallbackAction: "skip",
	}
	d := e.Evaluate(spec, map[string]any{"status": "open"}, "x")
	assert.False(t, d.Write)
	assert.Equal(t, "policy_skip", d.Reason)
}
