package agents

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Used by tests.
type MemoryStore struct {
	mu     sync.Mutex
	agents map[string]models.Agent
	subs   []chan Notice
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]models.Agent)}
}

func (s *MemoryStore) List(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) ListEnabled(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Agent
	for _, a := range s.agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	copy := a
	return &copy, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, agent *models.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	existing, had := s.agents[agent.ID]
	kind := AgentCreated
	if had {
		kind = AgentUpdated
		agent.CreatedAt = existing.CreatedAt
		agent.Revision = existing.Revision
		if memSemanticsChanged(&existing, agent) {
			agent.Revision = existing.Revision + 1
		}
	} else {
		agent.Revision = 1
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	s.agents[agent.ID] = *agent
	s.mu.Unlock()

	s.notify(Notice{Kind: kind, ID: agent.ID})
	return nil
}

func memSemanticsChanged(a, b *models.Agent) bool {
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

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.agents[id]
	delete(s.agents, id)
	s.mu.Unlock()
	if !ok {
		return &ErrNotFound{ID: id}
	}
	s.notify(Notice{Kind: AgentDeleted, ID: id})
	return nil
}

func (s *MemoryStore) SubscribeChanges(ctx context.Context) (<-chan Notice, error) {
	ch := make(chan Notice, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *MemoryStore) notify(n Notice) {
	s.mu.Lock()
	subs := append([]chan Notice(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}
