// Package worker consumes agent streams and runs the per-item enrichment
// pipeline: idempotency check, admission gates, prompt render, model call,
// parse, policy, writeback, finalize.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/idempotency"
	"github.com/mongoclaw/mongoclaw/internal/model"
	"github.com/mongoclaw/mongoclaw/internal/observability"
	"github.com/mongoclaw/mongoclaw/internal/parser"
	"github.com/mongoclaw/mongoclaw/internal/policy"
	"github.com/mongoclaw/mongoclaw/internal/prompt"
	"github.com/mongoclaw/mongoclaw/internal/queue"
	"github.com/mongoclaw/mongoclaw/internal/resilience"
	"github.com/mongoclaw/mongoclaw/internal/writer"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

const maxRetryDelay = 60 * time.Second

// disposition is what happens to the queue delivery after processing.
type disposition int

const (
	dispositionAck           disposition = iota
	dispositionNackAdmission             // redeliver, attempt unchanged
	dispositionNackRetry                 // redeliver, attempt incremented
	dispositionDLQ
)

// outcome threads the tagged result of pipeline steps 3–8.
type outcome struct {
	disposition disposition
	status      models.ExecutionStatus
	state       string
	skipReason  string
	tag         models.ErrorTag
	errMessage  string
	written     bool
	tokens      int64
	cost        float64
	delay       time.Duration
}

// Pipeline executes work items. One Pipeline is shared by all workers.
type Pipeline struct {
	cache       *agents.Cache
	engine      *prompt.Engine
	modelClient model.Client
	policies    *policy.Evaluator
	writes      *writer.Engine
	idem        idempotency.Store
	locker      queue.Locker
	ledger      observability.Ledger
	metrics     *observability.Metrics
	breakers    *resilience.Breakers
	rates       *resilience.RateLimiters
	costs       *resilience.CostLimiter
	quarantine  *resilience.Quarantine
	slo         *resilience.SLOTracker
}

func NewPipeline(
	cache *agents.Cache,
	engine *prompt.Engine,
	modelClient model.Client,
	policies *policy.Evaluator,
	writes *writer.Engine,
	idem idempotency.Store,
	locker queue.Locker,
	ledger observability.Ledger,
	metrics *observability.Metrics,
	breakers *resilience.Breakers,
	rates *resilience.RateLimiters,
	costs *resilience.CostLimiter,
	quarantine *resilience.Quarantine,
	slo *resilience.SLOTracker,
) *Pipeline {
	return &Pipeline{
		cache:       cache,
		engine:      engine,
		modelClient: modelClient,
		policies:    policies,
		writes:      writes,
		idem:        idem,
		locker:      locker,
		ledger:      ledger,
		metrics:     metrics,
		breakers:    breakers,
		rates:       rates,
		costs:       costs,
		quarantine:  quarantine,
		slo:         slo,
	}
}

// Process runs one delivery end to end and applies its queue disposition.
func (p *Pipeline) Process(ctx context.Context, q queue.Queue, delivery queue.Delivery) {
	item := delivery.Item
	stream := queue.StreamFor(item.AgentID)
	started := time.Now().UTC()
	execID := uuid.New().String()

	p.ledger.Record(ctx, models.Execution{
		ID:         execID,
		AgentID:    item.AgentID,
		DocumentID: item.DocumentID,
		WorkItemID: item.ID,
		Trigger:    item.Trigger,
		Status:     models.StatusRunning,
		Attempt:    item.Attempt,
		StartedAt:  started,
	})

	out := p.execute(ctx, item, execID)

	completed := time.Now().UTC()
	exec := models.Execution{
		ID:             execID,
		AgentID:        item.AgentID,
		DocumentID:     item.DocumentID,
		WorkItemID:     item.ID,
		Trigger:        item.Trigger,
		Status:         out.status,
		LifecycleState: out.state,
		Attempt:        item.Attempt,
		StartedAt:      started,
		CompletedAt:    completed,
		DurationMs:     completed.Sub(started).Milliseconds(),
		TokensUsed:     out.tokens,
		CostUSD:        out.cost,
		Written:        out.written,
		SkipReason:     out.skipReason,
	}
	if out.tag != "" {
		exec.Error = &models.ExecutionError{Tag: out.tag, Message: out.errMessage}
	}

	switch out.disposition {
	case dispositionAck:
		if err := q.Ack(ctx, stream, queue.Group, delivery.MessageID); err != nil {
			log.Warn().Err(err).Str("work_item_id", item.ID).Msg("Ack failed, item will redeliver")
		}
		if out.status == models.StatusCompleted {
			p.quarantine.RecordSuccess(item.AgentID)
		}

	case dispositionNackAdmission:
		// Admission refusals are not attempts; the counter stays put.
		if err := q.Nack(ctx, stream, queue.Group, delivery.MessageID, item, out.delay); err != nil {
			log.Warn().Err(err).Str("work_item_id", item.ID).Msg("Nack failed, item will redeliver via claim")
		}
		exec.Status = models.StatusPending
		exec.LifecycleState = "admission_deferred"

	case dispositionNackRetry:
		retry := item
		retry.Attempt = item.Attempt + 1
		retry.Trigger = models.TriggerRetry
		if err := q.Nack(ctx, stream, queue.Group, delivery.MessageID, retry, out.delay); err != nil {
			log.Warn().Err(err).Str("work_item_id", item.ID).Msg("Nack failed, item will redeliver via claim")
		}
		p.metrics.RetriesScheduled.WithLabelValues(item.AgentID).Inc()

	case dispositionDLQ:
		if _, err := q.DLQPush(ctx, stream, queue.Group, delivery.MessageID, item, out.tag, out.errMessage); err != nil {
			log.Error().Err(err).Str("work_item_id", item.ID).Msg("Dead-letter push failed")
		}
		exec.Status = models.StatusDLQ
		p.quarantine.RecordDLQ(item.AgentID)
	}

	p.ledger.Record(ctx, exec)
	p.metrics.ExecutionsTotal.WithLabelValues(item.AgentID, string(exec.Status)).Inc()
	if out.disposition == dispositionAck || out.disposition == dispositionDLQ {
		latency := completed.Sub(item.EnqueuedAt)
		p.metrics.AgentLatency.WithLabelValues(item.AgentID).Observe(latency.Seconds())
		p.slo.Observe(item.AgentID, latency)
	}
	if out.cost > 0 {
		p.metrics.ModelCost.WithLabelValues(item.AgentID).Observe(out.cost)
	}

	logEvent := log.Debug()
	if out.tag != "" {
		logEvent = log.Warn()
	}
	logEvent.
		Str("agent_id", item.AgentID).
		Str("document_id", item.DocumentID).
		Str("status", string(exec.Status)).
		Str("lifecycle_state", exec.LifecycleState).
		Int("attempt", item.Attempt).
		Int64("duration_ms", exec.DurationMs).
		Msg("Work item processed")
}

// execute runs steps 2–8 and produces the tagged outcome.
func (p *Pipeline) execute(ctx context.Context, item models.WorkItem, execID string) outcome {
	// Step 2: idempotency replay check.
	if rec, err := p.idem.Get(ctx, item.IdempotencyKey); err == nil && rec != nil {
		return outcome{
			disposition: dispositionAck,
			status:      models.StatusSkipped,
			state:       "idempotent_replay",
			skipReason:  "idempotent_replay",
		}
	} else if err != nil {
		log.Warn().Err(err).Str("work_item_id", item.ID).Msg("Idempotency lookup failed, proceeding")
	}

	// Revision check: work referencing an older or vanished definition is
	// skipped, never executed with stale semantics.
	agent, state := p.cache.Snapshot().Lookup(item.AgentID)
	if state == agents.StateGone || agent.Revision != item.AgentRevision {
		return outcome{
			disposition: dispositionAck,
			status:      models.StatusSkipped,
			state:       "agent_gone",
			skipReason:  "agent_gone",
			tag:         models.TagAgentGone,
			errMessage:  fmt.Sprintf("agent revision %d no longer current", item.AgentRevision),
		}
	}

	// Step 3: admission gates. Refusals redeliver without consuming an
	// attempt.
	admissionDelay := admissionBackoff(agent.Execution.RetryDelay(), item.Attempt)
	if p.quarantine.Quarantined(agent.ID) {
		return outcome{disposition: dispositionNackAdmission, tag: models.TagQuarantined,
			errMessage: "agent quarantined", delay: admissionDelay}
	}
	if !p.rates.Allow(agent.ID, agent.Execution.RateLimitPerMinute) {
		return outcome{disposition: dispositionNackAdmission, errMessage: "rate limit exceeded",
			delay: admissionDelay}
	}
	if !p.costs.Allow(agent.ID, agent.Execution.CostLimitUSDPerHour) {
		return outcome{disposition: dispositionNackAdmission, errMessage: "cost limit exceeded",
			delay: admissionDelay}
	}
	breaker := p.breakers.For(agent.ID, agent.AI.Provider, agent.AI.Model)
	if !breaker.Allow() {
		p.metrics.SetBreakerState(agent.ID, agent.AI.Provider, agent.AI.Model, breaker.State())
		return outcome{disposition: dispositionNackAdmission, errMessage: "circuit breaker open",
			delay: admissionDelay}
	}

	// Strong consistency: serialize per (agent, document) for steps 4–8.
	if agent.Execution.ConsistencyMode == models.ConsistencyStrong {
		lockKey := agent.ID + ":" + item.DocumentID
		token, locked, err := p.locker.Acquire(ctx, lockKey, agent.Execution.Timeout()+10*time.Second)
		if err != nil || !locked {
			breaker.CancelProbe()
			return outcome{disposition: dispositionNackAdmission, errMessage: "document lock contended",
				delay: agent.Execution.RetryDelay()}
		}
		defer p.locker.Release(context.Background(), lockKey, token)
	}

	out := p.enrich(ctx, agent, item, execID, breaker)
	p.metrics.SetBreakerState(agent.ID, agent.AI.Provider, agent.AI.Model, breaker.State())
	return out
}

// enrich is steps 4–8: render, invoke, parse, policy, write, finalize.
func (p *Pipeline) enrich(ctx context.Context, agent models.Agent, item models.WorkItem, execID string, breaker *resilience.Breaker) outcome {
	// Step 4: render prompts.
	pctx := prompt.Context{
		Document:   item.Document,
		Agent:      agentContext(agent),
		Operation:  string(item.Operation),
		DocumentID: item.DocumentID,
		Now:        time.Now().UTC(),
	}
	rendered, err := p.engine.Render(agent.AI.Prompt, pctx)
	if err != nil {
		breaker.CancelProbe()
		return p.fail(agent, item, models.TagConfigurationError, fmt.Errorf("render prompt: %w", err))
	}
	var system string
	if agent.AI.SystemPrompt != "" {
		system, err = p.engine.Render(agent.AI.SystemPrompt, pctx)
		if err != nil {
			breaker.CancelProbe()
			return p.fail(agent, item, models.TagConfigurationError, fmt.Errorf("render system prompt: %w", err))
		}
	}

	// Step 5: invoke the model.
	resp, err := p.modelClient.Invoke(ctx, model.Request{
		Provider:     agent.AI.Provider,
		Model:        agent.AI.Model,
		SystemPrompt: system,
		Prompt:       rendered,
		Temperature:  agent.AI.Temperature,
		MaxTokens:    agent.AI.MaxTokens,
		Timeout:      agent.Execution.Timeout(),
		ForceJSON:    agent.AI.ResponseSchema != nil,
	})
	if err != nil {
		if errors.Is(err, model.ErrUnknownProvider) {
			breaker.CancelProbe()
			return p.fail(agent, item, models.TagConfigurationError, err)
		}
		breaker.RecordFailure()
		return p.fail(agent, item, classifyTag(err), err)
	}
	breaker.RecordSuccess()
	p.costs.RecordCost(agent.ID, resp.CostUSD)

	// Step 6: parse.
	value, err := parser.Parse(resp.Text, agent.AI.ResponseSchema)
	if err != nil {
		out := p.fail(agent, item, models.TagParseError, err)
		out.tokens = resp.TokensUsed
		out.cost = resp.CostUSD
		return out
	}

	// Policy guardrail between parse and write.
	decision := p.policies.Evaluate(agent.Policy, item.Document, value)
	if !decision.Write {
		p.finalize(ctx, item, execID, decision.Value)
		return outcome{
			disposition: dispositionAck,
			status:      models.StatusCompleted,
			state:       "write_skipped",
			skipReason:  decision.Reason,
			tokens:      resp.TokensUsed,
			cost:        resp.CostUSD,
		}
	}

	// Step 7: write back.
	written, err := p.writes.Write(ctx, writer.Request{
		Database:        agent.Watch.Database,
		Collection:      agent.Watch.Collection,
		DocumentID:      item.DocumentID,
		TargetField:     agent.Write.TargetField,
		Strategy:        agent.Write.Strategy,
		Value:           decision.Value,
		IncludeMetadata: agent.Write.IncludeMetadata,
		Envelope: models.Envelope{
			AgentID:        agent.ID,
			AgentRevision:  agent.Revision,
			ExecutedAt:     time.Now().UTC(),
			IdempotencyKey: item.IdempotencyKey,
			ExecutionID:    execID,
		},
	})
	if err != nil {
		out := p.fail(agent, item, models.TagTransientWriteError, err)
		out.tokens = resp.TokensUsed
		out.cost = resp.CostUSD
		return out
	}

	// Step 8: finalize.
	p.finalize(ctx, item, execID, decision.Value)

	out := outcome{
		disposition: dispositionAck,
		status:      models.StatusCompleted,
		state:       "written",
		written:     written,
		tokens:      resp.TokensUsed,
		cost:        resp.CostUSD,
	}
	if !written {
		// Conditional matched nothing: an equal key is already embedded.
		out.state = "write_skipped"
		out.tag = models.TagWriteConflict
		out.errMessage = "idempotency key already present"
	}
	if _, state := p.cache.Snapshot().Lookup(agent.ID); state == agents.StateGone {
		// The agent vanished mid-flight; the write stands as prior work.
		out.state = "stale_agent"
	}
	return out
}

func (p *Pipeline) finalize(ctx context.Context, item models.WorkItem, execID string, value any) {
	err := p.idem.Put(ctx, idempotency.Record{
		Key:         item.IdempotencyKey,
		ExecutionID: execID,
		Fingerprint: idempotency.Fingerprint(value),
		ExecutedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("work_item_id", item.ID).Msg("Idempotency record failed")
	}
}

// fail resolves the disposition for a tagged error per the taxonomy table.
func (p *Pipeline) fail(agent models.Agent, item models.WorkItem, tag models.ErrorTag, err error) outcome {
	out := outcome{
		status:     models.StatusFailed,
		state:      "failed",
		tag:        tag,
		errMessage: err.Error(),
	}
	if !tag.Retryable() {
		out.disposition = dispositionDLQ
		return out
	}
	if item.Attempt > agent.Execution.MaxRetries {
		out.disposition = dispositionDLQ
		return out
	}
	out.disposition = dispositionNackRetry
	base := agent.Execution.RetryDelay()
	if tag == models.TagModelRateLimited {
		base *= 2
	}
	out.delay = retryBackoff(base, item.Attempt)
	return out
}

func classifyTag(err error) models.ErrorTag {
	switch model.Classify(err) {
	case model.ClassTimeout:
		return models.TagModelTimeout
	case model.ClassRateLimited:
		return models.TagModelRateLimited
	case model.ClassServer:
		return models.TagModel5xx
	case model.ClassClient:
		return models.TagModel4xx
	}
	return models.TagModel5xx
}

// retryBackoff is retry_delay · 2^(attempt-1), capped.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

// admissionBackoff is retry_delay · 2^attempt, capped.
func admissionBackoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

func agentContext(agent models.Agent) map[string]any {
	return map[string]any{
		"id":       agent.ID,
		"name":     agent.Name,
		"revision": agent.Revision,
		"tags":     agent.Tags,
		"provider": agent.AI.Provider,
		"model":    agent.AI.Model,
	}
}
