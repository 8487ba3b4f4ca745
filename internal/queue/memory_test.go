package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

func item(id string, attempt int) models.WorkItem {
	return models.WorkItem{
		ID:             id,
		AgentID:        "classify",
		DocumentID:     "t1",
		Attempt:        attempt,
		Trigger:        models.TriggerChange,
		IdempotencyKey: "classify:t1:r1",
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestProduceConsumeAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	stream := StreamFor("classify")
	require.NoError(t, q.EnsureGroup(ctx, stream, Group))

	_, err := q.Produce(ctx, stream, item("w1", 1))
	require.NoError(t, err)

	n, err := q.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deliveries, err := q.Consume(ctx, stream, Group, "worker-0", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "w1", deliveries[0].Item.ID)

	pending, err := q.Pending(ctx, stream, Group)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, q.Ack(ctx, stream, Group, deliveries[0].MessageID))
	pending, err = q.Pending(ctx, stream, Group)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestConsumeDeliversToOneConsumer(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	stream := StreamFor("classify")

	_, err := q.Produce(ctx, stream, item("w1", 1))
	require.NoError(t, err)

	first, err := q.Consume(ctx, stream, Group, "worker-0", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Consume(ctx, stream, Group, "worker-1", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestNackSchedulesDelayedRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	stream := StreamFor("classify")

	_, err := q.Produce(ctx, stream, item("w1", 1))
	require.NoError(t, err)
	deliveries, err := q.Consume(ctx, stream, Group, "worker-0", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	retry := deliveries[0].Item
	retry.Attempt = 2
	require.NoError(t, q.Nack(ctx, stream, Group, deliveries[0].MessageID, retry, 5*time.Millisecond))

	// Not yet due.
	deliveries, err = q.Consume(ctx, stream, Group, "worker-0", 1, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	time.Sleep(10 * time.Millisecond)
	promoted, err := q.PromoteDelayed(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	deliveries, err = q.Consume(ctx, stream, Group, "worker-0", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 2, deliveries[0].Item.Attempt)
}

func TestClaimPendingReassignsIdleItems(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	stream := StreamFor("classify")

	_, err := q.Produce(ctx, stream, item("w1", 1))
	require.NoError(t, err)
	_, err = q.Consume(ctx, stream, Group, "worker-dead", 1, time.Millisecond)
	require.NoError(t, err)

	// Fresh deliveries are not claimable.
	claimed, err := q.ClaimPending(ctx, stream, Group, "worker-new", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	time.Sleep(5 * time.Millisecond)
	claimed, err = q.ClaimPending(ctx, stream, Group, "worker-new", time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "w1", claimed[0].Item.ID)
}

func TestDLQPushCarriesOriginMetadata(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	stream := StreamFor("classify")

	_, err := q.Produce(ctx, stream, item("w1", 2))
	require.NoError(t, err)
	deliveries, err := q.Consume(ctx, stream, Group, "worker-0", 1, time.Millisecond)
	require.NoError(t, err)

	_, err = q.DLQPush(ctx, stream, Group, deliveries[0].MessageID, deliveries[0].Item, models.TagModel5xx, "provider exploded")
	require.NoError(t, err)

	dead := q.DeadLetters(stream)
	require.Len(t, dead, 1)
	assert.Equal(t, models.TagModel5xx, dead[0].Tag)
	assert.Equal(t, stream, dead[0].Stream)
	assert.Equal(t, "w1", dead[0].Item.ID)

	dlqLen, err := q.Len(ctx, DLQFor("classify"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)

	pending, err := q.Pending(ctx, stream, Group)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	token, ok, err := l.Acquire(ctx, "classify:t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, "classify:t1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "classify:t1", token))
	token2, ok, err := l.Acquire(ctx, "classify:t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, token, token2)
}

func TestMemoryLockerReleaseRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	// First holder's lease expires while it is still working.
	stale, ok, err := l.Acquire(ctx, "classify:t1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	// Second holder takes over after expiry.
	current, ok, err := l.Acquire(ctx, "classify:t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not free the successor's lock.
	require.NoError(t, l.Release(ctx, "classify:t1", stale))
	_, ok, err = l.Acquire(ctx, "classify:t1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "classify:t1", current))
	_, ok, err = l.Acquire(ctx, "classify:t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
