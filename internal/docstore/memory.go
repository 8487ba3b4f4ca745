package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/internal/filter"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// MemoryStore implements Store with in-memory maps and channel-backed change
// feeds. Used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	colls map[string]map[string]map[string]any // db.coll → id → document
	feeds map[string][]*memoryFeed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		colls: make(map[string]map[string]map[string]any),
		feeds: make(map[string][]*memoryFeed),
	}
}

func nsKey(db, coll string) string { return db + "." + coll }

type memoryFeed struct {
	events chan *models.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (f *memoryFeed) Next(ctx context.Context) (*models.ChangeEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.done:
		return nil, ErrFeedClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *memoryFeed) Close(ctx context.Context) error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, db, coll string, resumeToken any) (ChangeFeed, error) {
	f := &memoryFeed{events: make(chan *models.ChangeEvent, 64), done: make(chan struct{})}
	s.mu.Lock()
	s.feeds[nsKey(db, coll)] = append(s.feeds[nsKey(db, coll)], f)
	s.mu.Unlock()
	return f, nil
}

// Insert stores a document and emits an insert event. Test helper mirroring
// what a client write would do.
func (s *MemoryStore) Insert(db, coll, id string, doc map[string]any) {
	s.mu.Lock()
	c, ok := s.colls[nsKey(db, coll)]
	if !ok {
		c = make(map[string]map[string]any)
		s.colls[nsKey(db, coll)] = c
	}
	stored := deepCopy(doc)
	stored["_id"] = id
	c[id] = stored
	s.mu.Unlock()
	s.emit(db, coll, models.OpInsert, id, stored)
}

// Get returns a copy of a stored document. Test helper.
func (s *MemoryStore) Get(db, coll, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[nsKey(db, coll)]
	doc, ok := c[id]
	if !ok {
		return nil, false
	}
	return deepCopy(doc), true
}

func (s *MemoryStore) UpdateOne(ctx context.Context, db, coll string, filterDoc, update map[string]any) (int64, int64, error) {
	f, err := filter.Compile(filterDoc)
	if err != nil {
		return 0, 0, fmt.Errorf("compile update filter: %w", err)
	}

	s.mu.Lock()
	c := s.colls[nsKey(db, coll)]
	var matchedDoc map[string]any
	var matchedID string
	for id, doc := range c {
		if f.Matches(doc) {
			matchedDoc = doc
			matchedID = id
			break
		}
	}
	if matchedDoc == nil {
		s.mu.Unlock()
		return 0, 0, nil
	}
	if err := applyUpdate(matchedDoc, update); err != nil {
		s.mu.Unlock()
		return 1, 0, err
	}
	post := deepCopy(matchedDoc)
	s.mu.Unlock()

	s.emit(db, coll, models.OpUpdate, matchedID, post)
	return 1, 1, nil
}

func (s *MemoryStore) emit(db, coll string, op models.Operation, id string, post map[string]any) {
	ev := &models.ChangeEvent{
		ResumeToken:  fmt.Sprintf("mem-%d", time.Now().UnixNano()),
		Operation:    op,
		Database:     db,
		Collection:   coll,
		DocumentID:   id,
		FullDocument: deepCopy(post),
		ClusterTime:  time.Now().UTC(),
	}
	s.mu.Lock()
	feeds := append([]*memoryFeed(nil), s.feeds[nsKey(db, coll)]...)
	s.mu.Unlock()
	for _, f := range feeds {
		select {
		case f.events <- ev:
		case <-f.done:
		}
	}
}

// applyUpdate supports the operators the write engine emits: $set with dotted
// paths and $push onto (possibly missing) arrays.
func applyUpdate(doc map[string]any, update map[string]any) error {
	for op, arg := range update {
		fields, ok := arg.(map[string]any)
		if !ok {
			return fmt.Errorf("%s expects a document", op)
		}
		switch op {
		case "$set":
			for path, v := range fields {
				setPath(doc, path, deepCopyValue(v))
			}
		case "$push":
			for path, v := range fields {
				existing, _ := getPath(doc, path).([]any)
				setPath(doc, path, append(existing, deepCopyValue(v)))
			}
		default:
			return fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return nil
}

func setPath(doc map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func getPath(doc map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func deepCopy(doc map[string]any) map[string]any {
	out, _ := deepCopyValue(doc).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

func deepCopyValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
