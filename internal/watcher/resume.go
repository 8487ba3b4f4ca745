package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ResumeStore persists one resume token per watcher. Tokens are written by
// exactly one writer (the owning subscription's flush loop).
type ResumeStore interface {
	Load(ctx context.Context, watcherID string) (any, error)
	Save(ctx context.Context, watcherID string, token any) error
	Clear(ctx context.Context, watcherID string) error
}

// MongoResumeStore keeps tokens in the control store, unique per watcher_id.
type MongoResumeStore struct {
	coll *mongo.Collection
}

func NewMongoResumeStore(coll *mongo.Collection) *MongoResumeStore {
	return &MongoResumeStore{coll: coll}
}

func (s *MongoResumeStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "watcher_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create resume_tokens index: %w", err)
	}
	return nil
}

func (s *MongoResumeStore) Load(ctx context.Context, watcherID string) (any, error) {
	var doc struct {
		Token bson.Raw `bson:"token"`
	}
	err := s.coll.FindOne(ctx, bson.M{"watcher_id": watcherID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load resume token %s: %w", watcherID, err)
	}
	if len(doc.Token) == 0 {
		return nil, nil
	}
	return doc.Token, nil
}

func (s *MongoResumeStore) Save(ctx context.Context, watcherID string, token any) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"watcher_id": watcherID},
		bson.M{"$set": bson.M{"token": token, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save resume token %s: %w", watcherID, err)
	}
	return nil
}

func (s *MongoResumeStore) Clear(ctx context.Context, watcherID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"watcher_id": watcherID})
	if err != nil {
		return fmt.Errorf("clear resume token %s: %w", watcherID, err)
	}
	return nil
}

// MemoryResumeStore implements ResumeStore in memory. Used by tests.
type MemoryResumeStore struct {
	mu     sync.Mutex
	tokens map[string]any
}

func NewMemoryResumeStore() *MemoryResumeStore {
	return &MemoryResumeStore{tokens: make(map[string]any)}
}

func (s *MemoryResumeStore) Load(ctx context.Context, watcherID string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[watcherID], nil
}

func (s *MemoryResumeStore) Save(ctx context.Context, watcherID string, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[watcherID] = token
	return nil
}

func (s *MemoryResumeStore) Clear(ctx context.Context, watcherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, watcherID)
	return nil
}
