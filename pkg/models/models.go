// Package models defines the wire types shared across the MongoClaw pipeline:
// agent definitions, change events, work items, and execution ledger entries.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ── Enums ───────────────────────────────────────────────────

// Operation is a change stream operation type.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

// KnownOperation reports whether op is one of the four watched operations.
func KnownOperation(op Operation) bool {
	switch op {
	case OpInsert, OpUpdate, OpReplace, OpDelete:
		return true
	}
	return false
}

// WriteStrategy selects how a result is written back to the source document.
type WriteStrategy string

const (
	StrategyMerge   WriteStrategy = "merge"
	StrategyReplace WriteStrategy = "replace"
	StrategyAppend  WriteStrategy = "append"
)

// ConsistencyMode controls per-document ordering during writeback.
type ConsistencyMode string

const (
	ConsistencyEventual ConsistencyMode = "eventual"
	ConsistencyStrong   ConsistencyMode = "strong"
)

// Trigger records what caused a work item to be enqueued.
type Trigger string

const (
	TriggerChange  Trigger = "change"
	TriggerWebhook Trigger = "webhook"
	TriggerRetry   Trigger = "retry"
)

// ExecutionStatus is the terminal (or in-flight) state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
	StatusDLQ       ExecutionStatus = "dlq"
)

// ErrorTag classifies a terminal error. Every tag maps to exactly one
// disposition in the worker.
type ErrorTag string

const (
	TagConfigurationError  ErrorTag = "configuration_error"
	TagFilterError         ErrorTag = "filter_error"
	TagModelTimeout        ErrorTag = "model_timeout"
	TagModelRateLimited    ErrorTag = "model_rate_limited"
	TagModel5xx            ErrorTag = "model_5xx"
	TagModel4xx            ErrorTag = "model_4xx"
	TagParseError          ErrorTag = "parse_error"
	TagWriteConflict       ErrorTag = "write_conflict"
	TagTransientWriteError ErrorTag = "transient_write_error"
	TagAgentGone           ErrorTag = "agent_gone"
	TagQuarantined         ErrorTag = "quarantined"
	TagFeedReset           ErrorTag = "feed_reset"
)

// Retryable reports whether an error tag is eligible for redelivery.
func (t ErrorTag) Retryable() bool {
	switch t {
	case TagModelTimeout, TagModelRateLimited, TagModel5xx, TagParseError, TagTransientWriteError:
		return true
	}
	return false
}

// ── Agent definition ────────────────────────────────────────

// WatchSpec describes which change events an agent reacts to.
type WatchSpec struct {
	Database   string         `json:"database" bson:"database" yaml:"database"`
	Collection string         `json:"collection" bson:"collection" yaml:"collection"`
	Operations []Operation    `json:"operations" bson:"operations" yaml:"operations"`
	Filter     map[string]any `json:"filter,omitempty" bson:"filter,omitempty" yaml:"filter,omitempty"`
}

// Target is the database.collection namespace this spec watches.
func (w WatchSpec) Target() string {
	return w.Database + "." + w.Collection
}

// AISpec describes the model invocation.
type AISpec struct {
	Provider       string         `json:"provider" bson:"provider" yaml:"provider"`
	Model          string         `json:"model" bson:"model" yaml:"model"`
	Prompt         string         `json:"prompt" bson:"prompt" yaml:"prompt"`
	SystemPrompt   string         `json:"system_prompt,omitempty" bson:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature    float64        `json:"temperature" bson:"temperature" yaml:"temperature"`
	MaxTokens      int            `json:"max_tokens" bson:"max_tokens" yaml:"max_tokens"`
	ResponseSchema map[string]any `json:"response_schema,omitempty" bson:"response_schema,omitempty" yaml:"response_schema,omitempty"`
}

// WriteSpec describes how the model response is written back.
type WriteSpec struct {
	Strategy        WriteStrategy `json:"strategy" bson:"strategy" yaml:"strategy"`
	TargetField     string        `json:"target_field" bson:"target_field" yaml:"target_field"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	IncludeMetadata bool          `json:"include_metadata" bson:"include_metadata" yaml:"include_metadata"`
}

// ExecutionSpec bounds an agent's runtime behavior.
type ExecutionSpec struct {
	MaxRetries          int             `json:"max_retries" bson:"max_retries" yaml:"max_retries"`
	RetryDelayMs        int             `json:"retry_delay_ms" bson:"retry_delay_ms" yaml:"retry_delay_ms"`
	TimeoutMs           int             `json:"timeout_ms" bson:"timeout_ms" yaml:"timeout_ms"`
	RateLimitPerMinute  int             `json:"rate_limit_per_minute" bson:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	CostLimitUSDPerHour float64         `json:"cost_limit_usd_per_hour" bson:"cost_limit_usd_per_hour" yaml:"cost_limit_usd_per_hour"`
	ConsistencyMode     ConsistencyMode `json:"consistency_mode" bson:"consistency_mode" yaml:"consistency_mode"`
}

// Timeout returns the model call timeout as a duration.
func (e ExecutionSpec) Timeout() time.Duration {
	if e.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the base redelivery delay as a duration.
func (e ExecutionSpec) RetryDelay() time.Duration {
	if e.RetryDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(e.RetryDelayMs) * time.Millisecond
}

// PolicySpec is an optional guardrail evaluated between parse and write.
type PolicySpec struct {
	Condition      string `json:"condition,omitempty" bson:"condition,omitempty" yaml:"condition,omitempty"`
	Action         string `json:"action" bson:"action" yaml:"action"`                            // enrich | block | tag
	FallbackAction string `json:"fallback_action" bson:"fallback_action" yaml:"fallback_action"` // skip | enrich
	SimulationMode bool   `json:"simulation_mode" bson:"simulation_mode" yaml:"simulation_mode"`
	TagField       string `json:"tag_field,omitempty" bson:"tag_field,omitempty" yaml:"tag_field,omitempty"`
	TagValue       string `json:"tag_value,omitempty" bson:"tag_value,omitempty" yaml:"tag_value,omitempty"`
}

// Agent is the declarative agent definition.
type Agent struct {
	ID        string        `json:"id" bson:"_id" yaml:"id"`
	Name      string        `json:"name" bson:"name" yaml:"name"`
	Enabled   bool          `json:"enabled" bson:"enabled" yaml:"enabled"`
	Tags      []string      `json:"tags,omitempty" bson:"tags,omitempty" yaml:"tags,omitempty"`
	Watch     WatchSpec     `json:"watch" bson:"watch" yaml:"watch"`
	AI        AISpec        `json:"ai" bson:"ai" yaml:"ai"`
	Write     WriteSpec     `json:"write" bson:"write" yaml:"write"`
	Execution ExecutionSpec `json:"execution" bson:"execution" yaml:"execution"`
	Policy    *PolicySpec   `json:"policy,omitempty" bson:"policy,omitempty" yaml:"policy,omitempty"`
	Revision  int64         `json:"revision" bson:"revision" yaml:"revision"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at" yaml:"-"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at" yaml:"-"`
}

// DefaultIdempotencyKey builds the key used when no template is configured.
func DefaultIdempotencyKey(agentID, documentID string, revision int64) string {
	return fmt.Sprintf("%s:%s:r%d", agentID, documentID, revision)
}

// Validate checks the invariants every stored agent must satisfy.
func (a *Agent) Validate() error {
	var errs []string
	if a.ID == "" {
		errs = append(errs, "id is required")
	}
	if a.Watch.Database == "" || a.Watch.Collection == "" {
		errs = append(errs, "watch.database and watch.collection are required")
	}
	if len(a.Watch.Operations) == 0 {
		errs = append(errs, "watch.operations must not be empty")
	}
	for _, op := range a.Watch.Operations {
		if !KnownOperation(op) {
			errs = append(errs, fmt.Sprintf("unknown operation %q", op))
		}
	}
	if a.AI.Provider == "" || a.AI.Model == "" {
		errs = append(errs, "ai.provider and ai.model are required")
	}
	if a.AI.Prompt == "" {
		errs = append(errs, "ai.prompt is required")
	}
	switch a.Write.Strategy {
	case StrategyMerge, StrategyReplace, StrategyAppend:
	default:
		errs = append(errs, fmt.Sprintf("unknown write strategy %q", a.Write.Strategy))
	}
	if a.Write.TargetField == "" {
		errs = append(errs, "write.target_field is required")
	}
	if a.Write.Strategy == StrategyMerge && strings.Contains(a.Write.TargetField, ".") {
		errs = append(errs, "write.target_field must be a top-level field for merge strategy")
	}
	if a.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must be >= 0")
	}
	switch a.Execution.ConsistencyMode {
	case "", ConsistencyEventual, ConsistencyStrong:
	default:
		errs = append(errs, fmt.Sprintf("unknown consistency_mode %q", a.Execution.ConsistencyMode))
	}
	if len(errs) > 0 {
		return errors.New("invalid agent: " + strings.Join(errs, "; "))
	}
	return nil
}

// ── Pipeline payloads ───────────────────────────────────────

// ChangeEvent is a normalized change feed event.
type ChangeEvent struct {
	WatcherID    string         `json:"watcher_id"`
	ResumeToken  any            `json:"resume_token,omitempty"`
	Operation    Operation      `json:"operation"`
	Database     string         `json:"database"`
	Collection   string         `json:"collection"`
	DocumentID   string         `json:"document_id"`
	FullDocument map[string]any `json:"full_document,omitempty"`
	ClusterTime  time.Time      `json:"cluster_time,omitempty"`
}

// Target is the database.collection namespace of the event.
func (e *ChangeEvent) Target() string {
	return e.Database + "." + e.Collection
}

// WorkItem is the queue payload. The queue-assigned message id travels next to
// it in the consumer delivery, not inside it.
type WorkItem struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	AgentRevision  int64          `json:"agent_revision"`
	DocumentID     string         `json:"document_id"`
	Document       map[string]any `json:"document,omitempty"`
	Operation      Operation      `json:"operation"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	Attempt        int            `json:"attempt"`
	Trigger        Trigger        `json:"trigger"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ExecutionError is the taxonomy tag plus a human-readable message.
type ExecutionError struct {
	Tag     ErrorTag `json:"tag" bson:"tag"`
	Message string   `json:"message" bson:"message"`
}

// Execution is a ledger entry, write-once at terminal state.
type Execution struct {
	ID             string          `json:"id" bson:"_id"`
	AgentID        string          `json:"agent_id" bson:"agent_id"`
	DocumentID     string          `json:"document_id" bson:"document_id"`
	WorkItemID     string          `json:"work_item_id,omitempty" bson:"work_item_id,omitempty"`
	Trigger        Trigger         `json:"trigger,omitempty" bson:"trigger,omitempty"`
	Status         ExecutionStatus `json:"status" bson:"status"`
	LifecycleState string          `json:"lifecycle_state,omitempty" bson:"lifecycle_state,omitempty"`
	Attempt        int             `json:"attempt" bson:"attempt"`
	StartedAt      time.Time       `json:"started_at" bson:"started_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	DurationMs     int64           `json:"duration_ms" bson:"duration_ms"`
	TokensUsed     int64           `json:"tokens_used" bson:"tokens_used"`
	CostUSD        float64         `json:"cost_usd" bson:"cost_usd"`
	Written        bool            `json:"written" bson:"written"`
	Error          *ExecutionError `json:"error,omitempty" bson:"error,omitempty"`
	SkipReason     string          `json:"skip_reason,omitempty" bson:"skip_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
}

// ── Result envelope ─────────────────────────────────────────

// EnvelopeField is the metadata sub-document embedded next to a written value.
// The loop guard and the conditional writes both key off it.
const EnvelopeField = "_claw"

// Envelope is the metadata written alongside a result value.
type Envelope struct {
	AgentID        string    `json:"agent_id" bson:"agent_id"`
	AgentRevision  int64     `json:"agent_revision" bson:"agent_revision"`
	ExecutedAt     time.Time `json:"executed_at" bson:"executed_at"`
	IdempotencyKey string    `json:"idempotency_key" bson:"idempotency_key"`
	ExecutionID    string    `json:"execution_id" bson:"execution_id"`
}

// EnvelopeFromValue extracts the envelope out of a written target-field value,
// tolerating the map shapes the document store hands back.
func EnvelopeFromValue(v any) (Envelope, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Envelope{}, false
	}
	raw, ok := m[EnvelopeField].(map[string]any)
	if !ok {
		return Envelope{}, false
	}
	env := Envelope{}
	if s, ok := raw["agent_id"].(string); ok {
		env.AgentID = s
	}
	switch r := raw["agent_revision"].(type) {
	case int64:
		env.AgentRevision = r
	case int32:
		env.AgentRevision = int64(r)
	case int:
		env.AgentRevision = int64(r)
	case float64:
		env.AgentRevision = int64(r)
	}
	if s, ok := raw["idempotency_key"].(string); ok {
		env.IdempotencyKey = s
	}
	if s, ok := raw["execution_id"].(string); ok {
		env.ExecutionID = s
	}
	return env, true
}

// EnvelopesFromValue extracts every envelope embedded in a target-field
// value: one for map values (merge/replace), one per element for array
// values (append).
func EnvelopesFromValue(v any) []Envelope {
	switch t := v.(type) {
	case map[string]any:
		if env, ok := EnvelopeFromValue(t); ok {
			return []Envelope{env}
		}
	case []any:
		var out []Envelope
		for _, el := range t {
			if env, ok := EnvelopeFromValue(el); ok {
				out = append(out, env)
			}
		}
		return out
	}
	return nil
}

// ── Status surface ──────────────────────────────────────────

// AgentStatus is the per-agent view returned by the status() operation.
type AgentStatus struct {
	AgentID         string    `json:"agent_id"`
	Enabled         bool      `json:"enabled"`
	QueueDepth      int64     `json:"queue_depth"`
	DLQDepth        int64     `json:"dlq_depth"`
	BreakerState    string    `json:"breaker_state"`
	Quarantined     bool      `json:"quarantined"`
	LastExecutionAt time.Time `json:"last_execution_at,omitempty"`
}
