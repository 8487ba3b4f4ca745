// Package idempotency records completed executions by key so replays are
// detected before any model call is made.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Record is one completed execution keyed by its idempotency key.
type Record struct {
	Key         string    `bson:"_id"`
	ExecutionID string    `bson:"execution_id"`
	Fingerprint string    `bson:"result_fingerprint"`
	ExecutedAt  time.Time `bson:"executed_at"`
}

// Store persists idempotency records with a TTL.
type Store interface {
	// Get returns the record for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec Record) error
}

// Fingerprint hashes the written target-field value.
func Fingerprint(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ── Mongo implementation ────────────────────────────────────

// MongoStore keeps records in the control store with a TTL index.
type MongoStore struct {
	coll *mongo.Collection
	ttl  time.Duration
}

func NewMongoStore(coll *mongo.Collection, ttl time.Duration) *MongoStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MongoStore{coll: coll, ttl: ttl}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "executed_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(s.ttl.Seconds())),
	})
	if err != nil {
		return fmt.Errorf("create idempotency TTL index: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	// TTL deletion runs on a sweep interval; treat overdue records as gone.
	if time.Since(rec.ExecutedAt) > s.ttl {
		return nil, nil
	}
	return &rec, nil
}

func (s *MongoStore) Put(ctx context.Context, rec Record) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": rec.Key},
		bson.M{"$set": bson.M{
			"execution_id":       rec.ExecutionID,
			"result_fingerprint": rec.Fingerprint,
			"executed_at":        rec.ExecutedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	return nil
}

// ── Memory implementation ───────────────────────────────────

// MemoryStore implements Store in memory. Used by tests.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	recs map[string]Record
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{ttl: ttl, recs: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok || time.Since(rec.ExecutedAt) > s.ttl {
		return nil, nil
	}
	copy := rec
	return &copy, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Key] = rec
	return nil
}
