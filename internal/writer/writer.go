// Package writer applies model results back to source documents using a
// single conditional update per write. Duplicate writes (same idempotency
// key) are no-ops reported as written=false.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Request describes one writeback.
type Request struct {
	Database        string
	Collection      string
	DocumentID      string
	TargetField     string
	Strategy        models.WriteStrategy
	Value           any
	IncludeMetadata bool
	Envelope        models.Envelope
}

// Engine builds and executes conditional updates for the three strategies.
type Engine struct {
	docs docstore.Store
}

func NewEngine(docs docstore.Store) *Engine {
	return &Engine{docs: docs}
}

// Write applies the request. It returns written=false when the conditional
// matched no document, which means either the document is gone or an equal
// idempotency key is already embedded.
func (e *Engine) Write(ctx context.Context, req Request) (bool, error) {
	filter, update, err := BuildUpdate(req)
	if err != nil {
		return false, err
	}
	matched, _, err := e.docs.UpdateOne(ctx, req.Database, req.Collection, filter, update)
	if err != nil {
		return false, err
	}
	return matched > 0, nil
}

// BuildUpdate constructs the (filter, update) pair for a request. Exposed for
// tests; all strategies produce exactly one conditional update.
func BuildUpdate(req Request) (map[string]any, map[string]any, error) {
	tf := req.TargetField
	keyPath := tf + "." + models.EnvelopeField + ".idempotency_key"

	filter := map[string]any{"_id": req.DocumentID}
	if req.IncludeMetadata {
		// Assert the embedded key (if any) differs; $ne is also true when
		// the path is absent.
		filter[keyPath] = map[string]any{"$ne": req.Envelope.IdempotencyKey}
	}

	wrapped := wrapValue(req)

	switch req.Strategy {
	case models.StrategyMerge:
		set := map[string]any{}
		if fields, ok := req.Value.(map[string]any); ok && req.IncludeMetadata {
			// Merge result fields under the target, preserving unrelated
			// sub-fields from earlier writes.
			for k, v := range fields {
				set[tf+"."+k] = v
			}
			set[tf+"."+models.EnvelopeField] = envelopeDoc(req.Envelope)
		} else {
			set[tf] = wrapped
		}
		return filter, map[string]any{"$set": set}, nil

	case models.StrategyReplace:
		return filter, map[string]any{"$set": map[string]any{tf: wrapped}}, nil

	case models.StrategyAppend:
		return filter, map[string]any{"$push": map[string]any{tf: wrapped}}, nil
	}
	return nil, nil, fmt.Errorf("unknown write strategy %q", req.Strategy)
}

// wrapValue attaches the metadata envelope when requested. Without metadata
// the raw value is written and dedup relies solely on the idempotency store.
func wrapValue(req Request) any {
	if !req.IncludeMetadata {
		return req.Value
	}
	out := map[string]any{models.EnvelopeField: envelopeDoc(req.Envelope)}
	if fields, ok := req.Value.(map[string]any); ok {
		for k, v := range fields {
			if k == models.EnvelopeField {
				continue
			}
			out[k] = v
		}
	} else {
		out["value"] = req.Value
	}
	return out
}

func envelopeDoc(env models.Envelope) map[string]any {
	executedAt := env.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	return map[string]any{
		"agent_id":        env.AgentID,
		"agent_revision":  env.AgentRevision,
		"executed_at":     executedAt.UTC().Format(time.RFC3339Nano),
		"idempotency_key": env.IdempotencyKey,
		"execution_id":    env.ExecutionID,
	}
}
