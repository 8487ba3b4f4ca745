package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// MongoStore persists agents in a MongoDB collection and derives change
// notices from a change stream over it.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the watch-target index used by namespace lookups.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "watch.database", Value: 1}, {Key: "watch.collection", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create agents index: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context) ([]models.Agent, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoStore) ListEnabled(ctx context.Context) ([]models.Agent, error) {
	return s.find(ctx, bson.M{"enabled": true})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]models.Agent, error) {
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer cur.Close(ctx)
	var out []models.Agent
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&agent)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *MongoStore) Upsert(ctx context.Context, agent *models.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	existing, err := s.Get(ctx, agent.ID)
	var notFound *ErrNotFound
	switch {
	case errors.As(err, &notFound):
		agent.Revision = 1
		agent.CreatedAt = now
	case err != nil:
		return err
	default:
		agent.CreatedAt = existing.CreatedAt
		agent.Revision = existing.Revision
		if semanticsChanged(existing, agent) {
			agent.Revision = existing.Revision + 1
		}
	}
	agent.UpdatedAt = now

	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": agent.ID}, agent, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

// semanticsChanged compares everything that affects what an execution
// produces. Enabled flips and tag edits do not invalidate idempotency keys.
func semanticsChanged(a, b *models.Agent) bool {
	type semantics struct {
		Watch     models.WatchSpec
		AI        models.AISpec
		Write     models.WriteSpec
		Execution models.ExecutionSpec
		Policy    *models.PolicySpec
	}
	ra, _ := json.Marshal(semantics{a.Watch, a.AI, a.Write, a.Execution, a.Policy})
	rb, _ := json.Marshal(semantics{b.Watch, b.AI, b.Write, b.Execution, b.Policy})
	return string(ra) != string(rb)
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{ID: id}
	}
	return nil
}

func (s *MongoStore) SubscribeChanges(ctx context.Context) (<-chan Notice, error) {
	cs, err := s.coll.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("watch agents collection: %w", err)
	}

	out := make(chan Notice, 16)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			var change struct {
				OperationType string `bson:"operationType"`
				DocumentKey   bson.M `bson:"documentKey"`
			}
			if err := cs.Decode(&change); err != nil {
				log.Warn().Err(err).Msg("Undecodable agent change event")
				continue
			}
			id, _ := change.DocumentKey["_id"].(string)
			var kind ChangeKind
			switch change.OperationType {
			case "insert":
				kind = AgentCreated
			case "delete":
				kind = AgentDeleted
			default:
				kind = AgentUpdated
			}
			select {
			case out <- Notice{Kind: kind, ID: id}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
