package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsUnknownOperators(t *testing.T) {
	_, err := Compile(map[string]any{"status": map[string]any{"$near": 5}})
	require.Error(t, err)

	_, err = Compile(map[string]any{"$where": "this.x == 1"})
	require.Error(t, err)

	_, err = Compile(map[string]any{"status": map[string]any{"$regex": "("}})
	require.Error(t, err)
}

func TestMatchesOperators(t *testing.T) {
	doc := map[string]any{
		"status":   "open",
		"priority": 3.0,
		"customer": map[string]any{"tier": "gold", "region": "eu"},
		"tags":     []any{"billing", "urgent"},
		"score":    nil,
	}

	tests := []struct {
		name string
		spec map[string]any
		want bool
	}{
		{"equality", map[string]any{"status": "open"}, true},
		{"equality miss", map[string]any{"status": "closed"}, false},
		{"dotted path", map[string]any{"customer.tier": "gold"}, true},
		{"eq operator", map[string]any{"priority": map[string]any{"$eq": 3}}, true},
		{"ne operator", map[string]any{"status": map[string]any{"$ne": "closed"}}, true},
		{"ne on missing field", map[string]any{"missing": map[string]any{"$ne": "x"}}, true},
		{"gt", map[string]any{"priority": map[string]any{"$gt": 2}}, true},
		{"gte boundary", map[string]any{"priority": map[string]any{"$gte": 3}}, true},
		{"lt miss", map[string]any{"priority": map[string]any{"$lt": 3}}, false},
		{"in", map[string]any{"status": map[string]any{"$in": []any{"open", "pending"}}}, true},
		{"nin", map[string]any{"status": map[string]any{"$nin": []any{"closed"}}}, true},
		{"exists true", map[string]any{"customer": map[string]any{"$exists": true}}, true},
		{"exists false", map[string]any{"missing": map[string]any{"$exists": false}}, true},
		{"regex", map[string]any{"status": map[string]any{"$regex": "^op"}}, true},
		{"array element equality", map[string]any{"tags": "billing"}, true},
		{"null equality", map[string]any{"score": nil}, true},
		{
			"and",
			map[string]any{"$and": []any{
				map[string]any{"status": "open"},
				map[string]any{"priority": map[string]any{"$gte": 1}},
			}},
			true,
		},
		{
			"or",
			map[string]any{"$or": []any{
				map[string]any{"status": "closed"},
				map[string]any{"customer.region": "eu"},
			}},
			true,
		},
		{
			"not",
			map[string]any{"$not": map[string]any{"status": "closed"}},
			true,
		},
		{
			"field-level not",
			map[string]any{"status": map[string]any{"$not": map[string]any{"$eq": "closed"}}},
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Compile(tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Matches(doc))
		})
	}
}

func TestArrayTraversalLookup(t *testing.T) {
	doc := map[string]any{
		"results": []any{
			map[string]any{"_claw": map[string]any{"idempotency_key": "k1"}},
			map[string]any{"_claw": map[string]any{"idempotency_key": "k2"}},
		},
	}

	f, err := Compile(map[string]any{"results._claw.idempotency_key": map[string]any{"$ne": "k2"}})
	require.NoError(t, err)
	assert.False(t, f.Matches(doc), "$ne must fail when any element carries the key")

	f, err = Compile(map[string]any{"results._claw.idempotency_key": map[string]any{"$ne": "k3"}})
	require.NoError(t, err)
	assert.True(t, f.Matches(doc))
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	f, err := Compile(nil)
	require.NoError(t, err)
	assert.True(t, f.Matches(map[string]any{"anything": 1}))
}

func TestReferencesOnlyID(t *testing.T) {
	f, err := Compile(map[string]any{"_id": "t1"})
	require.NoError(t, err)
	assert.True(t, f.ReferencesOnlyID())

	f, err = Compile(map[string]any{"_id": "t1", "status": "open"})
	require.NoError(t, err)
	assert.False(t, f.ReferencesOnlyID())

	f, err = Compile(map[string]any{"$or": []any{
		map[string]any{"_id": "a"},
		map[string]any{"_id": "b"},
	}})
	require.NoError(t, err)
	assert.True(t, f.ReferencesOnlyID())
}
