package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// RedisQueue implements Queue on Redis Streams. Delayed redeliveries live in a
// per-stream sorted set scored by due time and are promoted back onto the
// stream by PromoteDelayed.
type RedisQueue struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisQueue creates a Redis-backed queue. maxLen caps each stream with
// approximate trimming; 0 disables the cap.
func NewRedisQueue(rdb *redis.Client, maxLen int64) *RedisQueue {
	return &RedisQueue{rdb: rdb, maxLen: maxLen}
}

func delayedKey(stream string) string { return stream + ":delayed" }

func (q *RedisQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (q *RedisQueue) Produce(ctx context.Context, stream string, item models.WorkItem) (string, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode work item: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": string(payload)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	id, err := q.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (q *RedisQueue) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	var out []Delivery
	for _, sr := range res {
		for _, msg := range sr.Messages {
			d, ok := q.decode(stream, group, msg)
			if ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (q *RedisQueue) decode(stream, group string, msg redis.XMessage) (Delivery, bool) {
	raw, _ := msg.Values["payload"].(string)
	var item models.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// A poison entry blocks the pending list forever; ack and drop it.
		log.Error().Err(err).Str("stream", stream).Str("message_id", msg.ID).
			Msg("Dropping undecodable queue entry")
		q.rdb.XAck(context.Background(), stream, group, msg.ID)
		return Delivery{}, false
	}
	return Delivery{MessageID: msg.ID, Item: item}, true
}

func (q *RedisQueue) Ack(ctx context.Context, stream, group, messageID string) error {
	if err := q.rdb.XAck(ctx, stream, group, messageID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, messageID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, stream, group, messageID string, item models.WorkItem, delay time.Duration) error {
	entry := struct {
		Nonce string          `json:"nonce"`
		Item  models.WorkItem `json:"item"`
	}{Nonce: uuid.New().String(), Item: item}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode delayed item: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey(stream), redis.Z{Score: due, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("schedule redelivery on %s: %w", stream, err)
	}
	return q.Ack(ctx, stream, group, messageID)
}

func (q *RedisQueue) ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Delivery, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	var out []Delivery
	for _, msg := range msgs {
		d, ok := q.decode(stream, group, msg)
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (q *RedisQueue) DLQPush(ctx context.Context, stream, group, messageID string, item models.WorkItem, tag models.ErrorTag, reason string) (string, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + ":dlq",
		Values: map[string]any{
			"payload":   string(payload),
			"stream":    stream,
			"tag":       string(tag),
			"reason":    reason,
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s:dlq: %w", stream, err)
	}
	if messageID != "" {
		if err := q.Ack(ctx, stream, group, messageID); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (q *RedisQueue) PromoteDelayed(ctx context.Context, stream string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(stream), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 64,
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("zrangebyscore %s: %w", delayedKey(stream), err)
	}
	promoted := 0
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, delayedKey(stream), member).Result()
		if err != nil || removed == 0 {
			continue // another consumer promoted it first
		}
		var entry struct {
			Item models.WorkItem `json:"item"`
		}
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			log.Error().Err(err).Str("stream", stream).Msg("Dropping undecodable delayed entry")
			continue
		}
		if _, err := q.Produce(ctx, stream, entry.Item); err != nil {
			// Put it back so the redelivery is not lost.
			q.rdb.ZAdd(ctx, delayedKey(stream), redis.Z{Score: float64(time.Now().UnixMilli()), Member: member})
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) Len(ctx context.Context, stream string) (int64, error) {
	n, err := q.rdb.XLen(ctx, stream).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func (q *RedisQueue) Pending(ctx context.Context, stream, group string) (int64, error) {
	p, err := q.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	return p.Count, nil
}

// ── Advisory locks ──────────────────────────────────────────

// RedisLocker implements Locker with SET NX PX and token-checked release.
type RedisLocker struct {
	rdb *redis.Client
}

// releaseScript deletes the lock only if the caller still owns it, so a
// holder whose TTL lapsed cannot free a successor's lock.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	return l.rdb.Eval(ctx, releaseScript, []string{"lock:" + key}, token).Err()
}
