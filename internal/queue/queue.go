// Package queue provides the durable work stream: append-only streams with
// consumer groups, per-item acknowledgement, delayed redelivery, orphan
// claiming, and dead-letter routing.
package queue

import (
	"context"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Group is the consumer group every worker joins, one group per agent stream.
const Group = "workers"

// StreamFor returns the work stream name for an agent.
func StreamFor(agentID string) string {
	return "agent:" + agentID
}

// DLQFor returns the dead-letter stream name for an agent.
func DLQFor(agentID string) string {
	return "agent:" + agentID + ":dlq"
}

// Delivery is one consumed item plus its queue-assigned message id.
type Delivery struct {
	MessageID string
	Item      models.WorkItem
}

// DeadLetter is an entry on a dead-letter stream with origin metadata.
type DeadLetter struct {
	MessageID string          `json:"message_id"`
	Item      models.WorkItem `json:"item"`
	Stream    string          `json:"stream"`
	Tag       models.ErrorTag `json:"tag"`
	Reason    string          `json:"reason"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Queue is the durable stream abstraction the dispatcher and workers share.
// Implementations must be safe for concurrent produce and consume.
type Queue interface {
	// EnsureGroup creates the consumer group if it does not exist.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Produce appends an item and returns the queue-assigned message id.
	Produce(ctx context.Context, stream string, item models.WorkItem) (string, error)

	// Consume delivers up to count unacked items to the named consumer,
	// blocking up to block when the stream is empty.
	Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error)

	// Ack marks an item done; it becomes eligible for trimming.
	Ack(ctx context.Context, stream, group, messageID string) error

	// Nack acks the current delivery and schedules item for redelivery after
	// delay. The caller decides whether item carries an incremented attempt.
	Nack(ctx context.Context, stream, group, messageID string, item models.WorkItem, delay time.Duration) error

	// ClaimPending reassigns items whose consumer has not acked within
	// minIdle to the calling consumer.
	ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Delivery, error)

	// DLQPush acks the delivery (when messageID is non-empty) and appends the
	// item to the stream's dead-letter sibling with origin metadata.
	DLQPush(ctx context.Context, stream, group, messageID string, item models.WorkItem, tag models.ErrorTag, reason string) (string, error)

	// PromoteDelayed moves due redeliveries back onto the stream.
	PromoteDelayed(ctx context.Context, stream string) (int, error)

	// Len returns the stream length; Pending the unacked count for a group.
	Len(ctx context.Context, stream string) (int64, error)
	Pending(ctx context.Context, stream, group string) (int64, error)
}

// Locker is the advisory lock used for strong consistency mode, keyed by
// (agent_id, document_id). Acquire returns an ownership token; Release is a
// compare-and-delete on that token, so a holder whose lease expired cannot
// free a lock a later holder has since taken.
type Locker interface {
	// Acquire takes the lock if free, returning an ownership token and
	// ok=false when contended.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
