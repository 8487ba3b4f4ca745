// Package dispatcher fans change events out to work items on the per-agent
// queue streams.
//
// An event is acknowledged to the watcher only after every derived work item
// has been enqueued (or deliberately dropped by filter, loop-guard, or
// quarantine). Duplicate delivery to the same agent is tolerated — the
// idempotency layer absorbs it; partial fan-out across agents is not.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/filter"
	"github.com/mongoclaw/mongoclaw/internal/observability"
	"github.com/mongoclaw/mongoclaw/internal/prompt"
	"github.com/mongoclaw/mongoclaw/internal/queue"
	"github.com/mongoclaw/mongoclaw/internal/resilience"
	"github.com/mongoclaw/mongoclaw/internal/watcher"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Dispatcher consumes the watcher handoff and enqueues work items.
type Dispatcher struct {
	cache      *agents.Cache
	queue      queue.Queue
	engine     *prompt.Engine
	ledger     observability.Ledger
	metrics    *observability.Metrics
	quarantine *resilience.Quarantine

	mu      sync.Mutex
	filters map[string]compiledFilter
}

type compiledFilter struct {
	revision int64
	filter   *filter.Filter
	err      error
}

func New(cache *agents.Cache, q queue.Queue, engine *prompt.Engine, ledger observability.Ledger, metrics *observability.Metrics, quarantine *resilience.Quarantine) *Dispatcher {
	return &Dispatcher{
		cache:      cache,
		queue:      q,
		engine:     engine,
		ledger:     ledger,
		metrics:    metrics,
		quarantine: quarantine,
		filters:    make(map[string]compiledFilter),
	}
}

// Run drains the watcher handoff until the channel closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan *watcher.TaggedEvent) {
	for tagged := range events {
		if err := d.handle(ctx, tagged); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("document_id", tagged.Event.DocumentID).
				Msg("Event left unacknowledged for replay")
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, tagged *watcher.TaggedEvent) error {
	event := tagged.Event
	d.metrics.EventsTotal.WithLabelValues(event.Target(), string(event.Operation)).Inc()

	snapshot := d.cache.Snapshot()
	var items []models.WorkItem
	for _, agent := range snapshot.ByTarget(event.Target()) {
		item, drop := d.match(ctx, agent, event)
		if drop {
			continue
		}
		items = append(items, item)
	}

	for _, item := range items {
		if err := d.produce(ctx, item); err != nil {
			return err
		}
		log.Debug().
			Str("agent_id", item.AgentID).
			Str("document_id", item.DocumentID).
			Str("work_item_id", item.ID).
			Msg("Dispatched work item")
	}

	tagged.Ack()
	return nil
}

// match applies the matching rules to one (event, agent) pair. drop=true
// means the pair produces no work item; dropped pairs still count toward the
// event's acknowledgement.
func (d *Dispatcher) match(ctx context.Context, agent models.Agent, event *models.ChangeEvent) (models.WorkItem, bool) {
	if !containsOp(agent.Watch.Operations, event.Operation) {
		return models.WorkItem{}, true
	}

	if d.quarantine.Quarantined(agent.ID) {
		d.recordSkip(ctx, agent, event, models.StatusSkipped, "quarantined", &models.ExecutionError{
			Tag: models.TagQuarantined, Message: "agent quarantined",
		})
		return models.WorkItem{}, true
	}

	f := d.compiledFilter(agent)
	if f.err != nil {
		d.recordSkip(ctx, agent, event, models.StatusSkipped, "configuration_error", &models.ExecutionError{
			Tag: models.TagConfigurationError, Message: f.err.Error(),
		})
		return models.WorkItem{}, true
	}
	if f.filter != nil {
		doc := event.FullDocument
		if doc == nil {
			// Deletes have no post-image; only _id-scoped filters may match.
			if event.Operation != models.OpDelete || !f.filter.ReferencesOnlyID() {
				return models.WorkItem{}, true
			}
			doc = map[string]any{"_id": event.DocumentID}
		}
		if !f.filter.Matches(doc) {
			return models.WorkItem{}, true
		}
	}

	key, err := d.renderKey(agent, event.DocumentID, event.FullDocument, string(event.Operation))
	if err != nil {
		d.recordSkip(ctx, agent, event, models.StatusSkipped, "configuration_error", &models.ExecutionError{
			Tag: models.TagConfigurationError, Message: err.Error(),
		})
		return models.WorkItem{}, true
	}

	// Loop guard: the write this event would produce is already embedded.
	// Append-strategy targets are arrays, so every element's envelope counts.
	for _, env := range models.EnvelopesFromValue(valueAt(event.FullDocument, agent.Write.TargetField)) {
		if env.AgentRevision == agent.Revision && env.IdempotencyKey == key {
			d.metrics.LoopGuardSkips.WithLabelValues(agent.ID).Inc()
			d.recordSkip(ctx, agent, event, models.StatusSkipped, "loop_guard_skipped", nil)
			return models.WorkItem{}, true
		}
	}

	return models.WorkItem{
		ID:             uuid.New().String(),
		AgentID:        agent.ID,
		AgentRevision:  agent.Revision,
		DocumentID:     event.DocumentID,
		Document:       event.FullDocument,
		Operation:      event.Operation,
		EnqueuedAt:     time.Now().UTC(),
		Attempt:        1,
		Trigger:        models.TriggerChange,
		IdempotencyKey: key,
	}, false
}

// produce retries queue errors with backoff until success or shutdown.
func (d *Dispatcher) produce(ctx context.Context, item models.WorkItem) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		_, err := d.queue.Produce(ctx, queue.StreamFor(item.AgentID), item)
		if err != nil {
			log.Warn().Err(err).Str("agent_id", item.AgentID).Msg("Enqueue failed, retrying")
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// EnqueueManual bypasses the watcher: the caller supplies the document and
// the item enters the queue with attempt 1. Used by the webhook surface.
func (d *Dispatcher) EnqueueManual(ctx context.Context, agentID string, document map[string]any) (string, error) {
	agent, state := d.cache.Snapshot().Lookup(agentID)
	if state == agents.StateGone {
		return "", &agents.ErrNotFound{ID: agentID}
	}
	if state == agents.StateDisabled {
		return "", fmt.Errorf("agent %s is disabled", agentID)
	}
	if d.quarantine.Quarantined(agentID) {
		return "", fmt.Errorf("agent %s is quarantined", agentID)
	}

	docID, _ := document["_id"].(string)
	if docID == "" {
		return "", fmt.Errorf("document must carry a string _id")
	}
	key, err := d.renderKey(agent, docID, document, "webhook")
	if err != nil {
		return "", err
	}
	item := models.WorkItem{
		ID:             uuid.New().String(),
		AgentID:        agent.ID,
		AgentRevision:  agent.Revision,
		DocumentID:     docID,
		Document:       document,
		Operation:      models.OpUpdate,
		EnqueuedAt:     time.Now().UTC(),
		Attempt:        1,
		Trigger:        models.TriggerWebhook,
		IdempotencyKey: key,
	}
	if _, err := d.queue.Produce(ctx, queue.StreamFor(agent.ID), item); err != nil {
		return "", err
	}
	return item.ID, nil
}

func (d *Dispatcher) renderKey(agent models.Agent, documentID string, document map[string]any, operation string) (string, error) {
	if agent.Write.IdempotencyKey == "" {
		return models.DefaultIdempotencyKey(agent.ID, documentID, agent.Revision), nil
	}
	key, err := d.engine.Render(agent.Write.IdempotencyKey, prompt.Context{
		Document:   document,
		DocumentID: documentID,
		Operation:  operation,
		Now:        time.Now().UTC(),
		Extra: map[string]any{
			"agent_id":       agent.ID,
			"agent_revision": agent.Revision,
		},
	})
	if err != nil {
		return "", fmt.Errorf("render idempotency key: %w", err)
	}
	if key == "" {
		return "", fmt.Errorf("idempotency key template produced an empty key")
	}
	return key, nil
}

func (d *Dispatcher) compiledFilter(agent models.Agent) compiledFilter {
	d.mu.Lock()
	defer d.mu.Unlock()
	cached, ok := d.filters[agent.ID]
	if ok && cached.revision == agent.Revision {
		return cached
	}
	var cf compiledFilter
	cf.revision = agent.Revision
	if len(agent.Watch.Filter) > 0 {
		cf.filter, cf.err = filter.Compile(agent.Watch.Filter)
	}
	d.filters[agent.ID] = cf
	return cf
}

func (d *Dispatcher) recordSkip(ctx context.Context, agent models.Agent, event *models.ChangeEvent, status models.ExecutionStatus, state string, execErr *models.ExecutionError) {
	now := time.Now().UTC()
	exec := models.Execution{
		ID:             uuid.New().String(),
		AgentID:        agent.ID,
		DocumentID:     event.DocumentID,
		Trigger:        models.TriggerChange,
		Status:         status,
		LifecycleState: state,
		StartedAt:      now,
		CompletedAt:    now,
		SkipReason:     state,
		Error:          execErr,
		CreatedAt:      now,
	}
	d.ledger.Record(ctx, exec)
	d.metrics.ExecutionsTotal.WithLabelValues(agent.ID, string(status)).Inc()
}

func containsOp(ops []models.Operation, op models.Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func valueAt(doc map[string]any, field string) any {
	if doc == nil {
		return nil
	}
	return doc[field]
}
