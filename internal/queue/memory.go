package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// MemoryQueue implements Queue with in-memory state. Used by tests.
type MemoryQueue struct {
	mu      sync.Mutex
	nextID  int64
	streams map[string]*memStream
}

type memStream struct {
	entries []memEntry            // undelivered, in order
	pending map[string]memPending // delivered, unacked; key: message id
	delayed []memDelayed
	dead    []DeadLetter
	length  int64 // produced and not yet acked-trimmed
}

type memEntry struct {
	id   string
	item models.WorkItem
}

type memPending struct {
	item        models.WorkItem
	consumer    string
	deliveredAt time.Time
}

type memDelayed struct {
	due  time.Time
	item models.WorkItem
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{streams: make(map[string]*memStream)}
}

func (q *MemoryQueue) stream(name string) *memStream {
	s, ok := q.streams[name]
	if !ok {
		s = &memStream{pending: make(map[string]memPending)}
		q.streams[name] = s
	}
	return s
}

func (q *MemoryQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stream(stream)
	return nil
}

func (q *MemoryQueue) Produce(ctx context.Context, stream string, item models.WorkItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	q.nextID++
	id := fmt.Sprintf("%d-0", q.nextID)
	s.entries = append(s.entries, memEntry{id: id, item: item})
	s.length++
	return id, nil
}

func (q *MemoryQueue) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	n := count
	if n > len(s.entries) {
		n = len(s.entries)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Delivery, 0, n)
	now := time.Now()
	for _, e := range s.entries[:n] {
		s.pending[e.id] = memPending{item: e.item, consumer: consumer, deliveredAt: now}
		out = append(out, Delivery{MessageID: e.id, Item: e.item})
	}
	s.entries = s.entries[n:]
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, stream, group, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	if _, ok := s.pending[messageID]; ok {
		delete(s.pending, messageID)
		s.length--
	}
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, stream, group, messageID string, item models.WorkItem, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	if _, ok := s.pending[messageID]; ok {
		delete(s.pending, messageID)
		s.length--
	}
	s.delayed = append(s.delayed, memDelayed{due: time.Now().Add(delay), item: item})
	return nil
}

func (q *MemoryQueue) ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	cutoff := time.Now().Add(-minIdle)
	var out []Delivery
	for id, p := range s.pending {
		if len(out) >= count {
			break
		}
		if p.deliveredAt.After(cutoff) {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = time.Now()
		s.pending[id] = p
		out = append(out, Delivery{MessageID: id, Item: p.item})
	}
	return out, nil
}

func (q *MemoryQueue) DLQPush(ctx context.Context, stream, group, messageID string, item models.WorkItem, tag models.ErrorTag, reason string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	if messageID != "" {
		if _, ok := s.pending[messageID]; ok {
			delete(s.pending, messageID)
			s.length--
		}
	}
	dlq := q.stream(stream + ":dlq")
	q.nextID++
	id := fmt.Sprintf("%d-0", q.nextID)
	dlq.dead = append(dlq.dead, DeadLetter{
		MessageID: id,
		Item:      item,
		Stream:    stream,
		Tag:       tag,
		Reason:    reason,
		FailedAt:  time.Now().UTC(),
	})
	dlq.length++
	return id, nil
}

func (q *MemoryQueue) PromoteDelayed(ctx context.Context, stream string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	now := time.Now()
	var remaining []memDelayed
	promoted := 0
	for _, d := range s.delayed {
		if d.due.After(now) {
			remaining = append(remaining, d)
			continue
		}
		q.nextID++
		id := fmt.Sprintf("%d-0", q.nextID)
		s.entries = append(s.entries, memEntry{id: id, item: d.item})
		s.length++
		promoted++
	}
	s.delayed = remaining
	return promoted, nil
}

func (q *MemoryQueue) Len(ctx context.Context, stream string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stream(stream).length, nil
}

func (q *MemoryQueue) Pending(ctx context.Context, stream, group string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.stream(stream).pending)), nil
}

// DeadLetters returns the dead-letter entries for a stream. Test helper.
func (q *MemoryQueue) DeadLetters(stream string) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream + ":dlq")
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out
}

// Delayed returns the scheduled redeliveries for a stream. Test helper.
func (q *MemoryQueue) Delayed(stream string) []models.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	out := make([]models.WorkItem, 0, len(s.delayed))
	for _, d := range s.delayed {
		out = append(out, d.item)
	}
	return out
}

// ── Advisory locks ──────────────────────────────────────────

// MemoryLocker implements Locker with an expiring in-memory map.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
	next  int64
}

type memLock struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.expires.After(time.Now()) {
		return "", false, nil
	}
	l.next++
	token := fmt.Sprintf("tok-%d", l.next)
	l.locks[key] = memLock{token: token, expires: time.Now().Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}
