package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/internal/observability"
	"github.com/mongoclaw/mongoclaw/internal/prompt"
	"github.com/mongoclaw/mongoclaw/internal/queue"
	"github.com/mongoclaw/mongoclaw/internal/resilience"
	"github.com/mongoclaw/mongoclaw/internal/watcher"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

type fixture struct {
	ctx        context.Context
	cancel     context.CancelFunc
	agentStore *agents.MemoryStore
	cache      *agents.Cache
	docs       *docstore.MemoryStore
	resume     *watcher.MemoryResumeStore
	queue      *queue.MemoryQueue
	ledger     *observability.MemoryLedger
	metrics    *observability.Metrics
	quarantine *resilience.Quarantine
	dispatcher *Dispatcher
	watcher    *watcher.Watcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		ctx:        ctx,
		cancel:     cancel,
		agentStore: agents.NewMemoryStore(),
		docs:       docstore.NewMemoryStore(),
		resume:     watcher.NewMemoryResumeStore(),
		queue:      queue.NewMemoryQueue(),
		ledger:     observability.NewMemoryLedger(),
		metrics:    observability.NewMetrics(),
		quarantine: resilience.NewQuarantine(20, nil),
	}
	f.cache = agents.NewCache(f.agentStore, 50*time.Millisecond)
	f.watcher = watcher.New(f.docs, f.resume, f.cache, config.WatcherConfig{
		HandoffDepth:      16,
		ReconcileInterval: 20 * time.Millisecond,
		TokenFlush:        10 * time.Millisecond,
	}, nil)
	f.dispatcher = New(f.cache, f.queue, prompt.NewEngine(), f.ledger, f.metrics, f.quarantine)
	return f
}

func (f *fixture) addAgent(t *testing.T, mutate func(*models.Agent)) models.Agent {
	t.Helper()
	a := &models.Agent{
		ID:      "classify",
		Name:    "Ticket classifier",
		Enabled: true,
		Watch: models.WatchSpec{
			Database:   "support",
			Collection: "tickets",
			Operations: []models.Operation{models.OpInsert, models.OpUpdate},
			Filter:     map[string]any{"status": "open"},
		},
		AI: models.AISpec{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Prompt:   "cat={{document.category_hint}}",
		},
		Write: models.WriteSpec{
			Strategy:        models.StrategyMerge,
			TargetField:     "ai_triage",
			IncludeMetadata: true,
		},
		Execution: models.ExecutionSpec{MaxRetries: 2, RetryDelayMs: 50, TimeoutMs: 1000},
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.agentStore.Upsert(f.ctx, a))
	require.NoError(t, f.cache.Refresh(f.ctx))
	return *a
}

// start runs watcher and dispatcher and waits for the subscription to open.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	go f.watcher.Run(f.ctx)
	go f.dispatcher.Run(f.ctx, f.watcher.Events())
	time.Sleep(100 * time.Millisecond)
}

func (f *fixture) queueLen(agentID string) int64 {
	n, _ := f.queue.Len(context.Background(), queue.StreamFor(agentID))
	return n
}

func TestDispatchMatchingInsert(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, nil)
	f.start(t)

	f.docs.Insert("support", "tickets", "t1", map[string]any{
		"status":        "open",
		"category_hint": "billing",
	})

	require.Eventually(t, func() bool {
		return f.queueLen("classify") == 1
	}, 2*time.Second, 10*time.Millisecond)

	deliveries, err := f.queue.Consume(f.ctx, queue.StreamFor("classify"), queue.Group, "w", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	item := deliveries[0].Item
	assert.Equal(t, "classify", item.AgentID)
	assert.Equal(t, "t1", item.DocumentID)
	assert.Equal(t, 1, item.Attempt)
	assert.Equal(t, models.TriggerChange, item.Trigger)
	assert.Equal(t, models.DefaultIdempotencyKey("classify", "t1", 1), item.IdempotencyKey)

	// The acknowledged event advances the persisted resume token.
	require.Eventually(t, func() bool {
		tok, err := f.resume.Load(context.Background(), "support.tickets")
		return err == nil && tok != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchFilterMismatchProducesNothing(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, nil)
	f.start(t)

	f.docs.Insert("support", "tickets", "t2", map[string]any{"status": "closed"})

	// The non-matching event still acknowledges and checkpoints.
	require.Eventually(t, func() bool {
		tok, err := f.resume.Load(context.Background(), "support.tickets")
		return err == nil && tok != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), f.queueLen("classify"))
}

func TestLoopGuardSuppressesOwnWrite(t *testing.T) {
	f := newFixture(t)
	agent := f.addAgent(t, nil)
	f.start(t)

	key := models.DefaultIdempotencyKey(agent.ID, "t1", agent.Revision)
	f.docs.Insert("support", "tickets", "t1", map[string]any{
		"status": "open",
		"ai_triage": map[string]any{
			"category": "billing",
			models.EnvelopeField: map[string]any{
				"agent_id":        agent.ID,
				"agent_revision":  agent.Revision,
				"idempotency_key": key,
			},
		},
	})

	require.Eventually(t, func() bool {
		for _, e := range f.ledger.ByAgent("classify") {
			if e.LifecycleState == "loop_guard_skipped" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), f.queueLen("classify"))
}

func TestLoopGuardSuppressesAppendWrite(t *testing.T) {
	f := newFixture(t)
	agent := f.addAgent(t, func(a *models.Agent) {
		a.Write.Strategy = models.StrategyAppend
		a.Write.TargetField = "ai_notes"
	})
	f.start(t)

	// The agent's own push landed: the array's element carries the current
	// revision and key, so its change event must not re-trigger the agent.
	key := models.DefaultIdempotencyKey(agent.ID, "t1", agent.Revision)
	f.docs.Insert("support", "tickets", "t1", map[string]any{
		"status": "open",
		"ai_notes": []any{
			map[string]any{
				"note": "first",
				models.EnvelopeField: map[string]any{
					"agent_id":        agent.ID,
					"agent_revision":  agent.Revision,
					"idempotency_key": key,
				},
			},
		},
	})

	require.Eventually(t, func() bool {
		for _, e := range f.ledger.ByAgent("classify") {
			if e.LifecycleState == "loop_guard_skipped" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), f.queueLen("classify"))
}

func TestStaleEnvelopeDoesNotTripLoopGuard(t *testing.T) {
	f := newFixture(t)
	agent := f.addAgent(t, nil)
	f.start(t)

	// Envelope from a previous revision: the event must be processed again.
	f.docs.Insert("support", "tickets", "t1", map[string]any{
		"status": "open",
		"ai_triage": map[string]any{
			models.EnvelopeField: map[string]any{
				"agent_id":        agent.ID,
				"agent_revision":  agent.Revision - 1,
				"idempotency_key": "stale",
			},
		},
	})

	require.Eventually(t, func() bool {
		return f.queueLen("classify") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigurationErrorSkipsAndAcks(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, func(a *models.Agent) {
		a.Watch.Filter = map[string]any{"status": map[string]any{"$near": 1}}
	})
	f.start(t)

	f.docs.Insert("support", "tickets", "t1", map[string]any{"status": "open"})

	require.Eventually(t, func() bool {
		for _, e := range f.ledger.ByAgent("classify") {
			if e.Status == models.StatusSkipped && e.Error != nil && e.Error.Tag == models.TagConfigurationError {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The stream is not stalled by the config bug.
	require.Eventually(t, func() bool {
		tok, err := f.resume.Load(context.Background(), "support.tickets")
		return err == nil && tok != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQuarantinedAgentNotEnqueued(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, nil)
	for i := 0; i < 20; i++ {
		f.quarantine.RecordDLQ("classify")
	}
	f.start(t)

	f.docs.Insert("support", "tickets", "t1", map[string]any{"status": "open"})

	require.Eventually(t, func() bool {
		for _, e := range f.ledger.ByAgent("classify") {
			if e.SkipReason == "quarantined" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), f.queueLen("classify"))
}

func TestEnqueueManual(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, nil)

	id, err := f.dispatcher.EnqueueManual(f.ctx, "classify", map[string]any{
		"_id":    "t9",
		"status": "whatever", // webhook bypasses the filter
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	deliveries, err := f.queue.Consume(f.ctx, queue.StreamFor("classify"), queue.Group, "w", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.TriggerWebhook, deliveries[0].Item.Trigger)
	assert.Equal(t, 1, deliveries[0].Item.Attempt)

	_, err = f.dispatcher.EnqueueManual(f.ctx, "missing", map[string]any{"_id": "x"})
	assert.Error(t, err)

	_, err = f.dispatcher.EnqueueManual(f.ctx, "classify", map[string]any{"no_id": true})
	assert.Error(t, err)
}

func TestCustomIdempotencyKeyTemplate(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, func(a *models.Agent) {
		a.Write.IdempotencyKey = "{{agent_id}}:{{document_id}}:{{document.status}}"
	})
	f.start(t)

	f.docs.Insert("support", "tickets", "t1", map[string]any{"status": "open"})

	require.Eventually(t, func() bool {
		return f.queueLen("classify") == 1
	}, 2*time.Second, 10*time.Millisecond)

	deliveries, err := f.queue.Consume(f.ctx, queue.StreamFor("classify"), queue.Group, "w", 1, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "classify:t1:open", deliveries[0].Item.IdempotencyKey)
}
