package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Server error codes that mean the resume token no longer points into the
// oplog and the stream cannot continue from it.
var historyLostCodes = []int{136, 260, 280, 286}

// MongoStore implements Store on a MongoDB deployment.
type MongoStore struct {
	client    *mongo.Client
	feedBlock time.Duration
}

func NewMongoStore(client *mongo.Client) *MongoStore {
	return &MongoStore{client: client, feedBlock: 5 * time.Second}
}

func (s *MongoStore) Subscribe(ctx context.Context, db, coll string, resumeToken any) (ChangeFeed, error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetMaxAwaitTime(s.feedBlock)
	if resumeToken != nil {
		opts = opts.SetResumeAfter(resumeToken)
	}
	cs, err := s.client.Database(db).Collection(coll).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if isHistoryLost(err) {
			return nil, ErrFeedInvalidated
		}
		return nil, fmt.Errorf("watch %s.%s: %w", db, coll, err)
	}
	return &mongoFeed{cs: cs, db: db, coll: coll}, nil
}

type mongoFeed struct {
	cs   *mongo.ChangeStream
	db   string
	coll string
}

type rawChange struct {
	OperationType string              `bson:"operationType"`
	DocumentKey   bson.M              `bson:"documentKey"`
	FullDocument  bson.M              `bson:"fullDocument"`
	ClusterTime   primitive.Timestamp `bson:"clusterTime"`
}

func (f *mongoFeed) Next(ctx context.Context) (*models.ChangeEvent, error) {
	if !f.cs.Next(ctx) {
		if err := f.cs.Err(); err != nil {
			if isHistoryLost(err) {
				return nil, ErrFeedInvalidated
			}
			return nil, fmt.Errorf("change stream %s.%s: %w", f.db, f.coll, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrFeedClosed
	}

	var change rawChange
	if err := f.cs.Decode(&change); err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}

	event := &models.ChangeEvent{
		ResumeToken: f.cs.ResumeToken(),
		Operation:   models.Operation(change.OperationType),
		Database:    f.db,
		Collection:  f.coll,
		DocumentID:  stringifyID(change.DocumentKey["_id"]),
		ClusterTime: time.Unix(int64(change.ClusterTime.T), 0).UTC(),
	}
	if change.FullDocument != nil {
		event.FullDocument = normalize(change.FullDocument)
	}
	return event, nil
}

func (f *mongoFeed) Close(ctx context.Context) error {
	return f.cs.Close(ctx)
}

func (s *MongoStore) UpdateOne(ctx context.Context, db, coll string, filter, update map[string]any) (int64, int64, error) {
	res, err := s.client.Database(db).Collection(coll).UpdateOne(ctx, toBson(filter), toBson(update))
	if err != nil {
		return 0, 0, fmt.Errorf("update %s.%s: %w", db, coll, err)
	}
	return res.MatchedCount, res.ModifiedCount, nil
}

func isHistoryLost(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range historyLostCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return se.HasErrorLabel("NonResumableChangeStreamError")
}

func stringifyID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalize converts decoded bson values into plain maps/slices so the rest
// of the pipeline only ever sees JSON-shaped data.
func normalize(v any) map[string]any {
	out := make(map[string]any)
	for k, val := range v.(bson.M) {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalize(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case int32:
		return int64(t)
	default:
		return v
	}
}

func toBson(m map[string]any) bson.M {
	out := bson.M{}
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = toBson(t)
		case []any:
			arr := make(bson.A, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]any); ok {
					arr[i] = toBson(em)
				} else {
					arr[i] = e
				}
			}
			out[k] = arr
		default:
			out[k] = v
		}
	}
	return out
}
