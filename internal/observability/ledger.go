package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Ledger persists execution records. Entries are written once per terminal
// state; Record is best-effort and must not fail the pipeline.
type Ledger interface {
	Record(ctx context.Context, exec models.Execution)
	LastExecutionAt(ctx context.Context, agentID string) (time.Time, error)
}

// MongoLedger keeps executions in the control store with a 7-day TTL.
type MongoLedger struct {
	coll *mongo.Collection
}

func NewMongoLedger(coll *mongo.Collection) *MongoLedger {
	return &MongoLedger{coll: coll}
}

func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32((7 * 24 * time.Hour).Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("create executions indexes: %w", err)
	}
	return nil
}

func (l *MongoLedger) Record(ctx context.Context, exec models.Execution) {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	_, err := l.coll.UpdateOne(ctx,
		bson.M{"_id": exec.ID},
		bson.M{"$set": executionDoc(exec)},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		log.Warn().Err(err).Str("execution_id", exec.ID).Msg("Failed to record execution")
	}
}

func executionDoc(exec models.Execution) bson.M {
	doc := bson.M{
		"agent_id":        exec.AgentID,
		"document_id":     exec.DocumentID,
		"work_item_id":    exec.WorkItemID,
		"trigger":         exec.Trigger,
		"status":          exec.Status,
		"lifecycle_state": exec.LifecycleState,
		"attempt":         exec.Attempt,
		"started_at":      exec.StartedAt,
		"completed_at":    exec.CompletedAt,
		"duration_ms":     exec.DurationMs,
		"tokens_used":     exec.TokensUsed,
		"cost_usd":        exec.CostUSD,
		"written":         exec.Written,
		"skip_reason":     exec.SkipReason,
		"created_at":      exec.CreatedAt,
	}
	if exec.Error != nil {
		doc["error"] = bson.M{"tag": exec.Error.Tag, "message": exec.Error.Message}
	}
	return doc
}

func (l *MongoLedger) LastExecutionAt(ctx context.Context, agentID string) (time.Time, error) {
	var doc struct {
		CreatedAt time.Time `bson:"created_at"`
	}
	err := l.coll.FindOne(ctx,
		bson.M{"agent_id": agentID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last execution for %s: %w", agentID, err)
	}
	return doc.CreatedAt, nil
}

// MemoryLedger implements Ledger in memory. Used by tests.
type MemoryLedger struct {
	mu    sync.Mutex
	execs []models.Execution
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(ctx context.Context, exec models.Execution) {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.execs {
		if existing.ID == exec.ID {
			l.execs[i] = exec
			return
		}
	}
	l.execs = append(l.execs, exec)
}

func (l *MemoryLedger) LastExecutionAt(ctx context.Context, agentID string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last time.Time
	for _, e := range l.execs {
		if e.AgentID == agentID && e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	return last, nil
}

// Executions returns a copy of all recorded entries. Test helper.
func (l *MemoryLedger) Executions() []models.Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Execution, len(l.execs))
	copy(out, l.execs)
	return out
}

// ByAgent returns entries for one agent. Test helper.
func (l *MemoryLedger) ByAgent(agentID string) []models.Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Execution
	for _, e := range l.execs {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}
