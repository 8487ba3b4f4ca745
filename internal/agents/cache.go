package agents

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// State is what the cache knows about an agent id.
type State int

const (
	StateEnabled State = iota
	StateDisabled
	StateGone
)

// Snapshot is an immutable view of the agent set. Readers hold it for the
// duration of one decision; the cache publishes a fresh pointer on refresh.
type Snapshot struct {
	builtAt  time.Time
	enabled  map[string]models.Agent
	disabled map[string]models.Agent
	byTarget map[string][]models.Agent
}

// Lookup returns the agent definition and its lifecycle state. A Gone agent
// was deleted from the store; in-flight work referencing it is skipped.
func (s *Snapshot) Lookup(id string) (models.Agent, State) {
	if a, ok := s.enabled[id]; ok {
		return a, StateEnabled
	}
	if a, ok := s.disabled[id]; ok {
		return a, StateDisabled
	}
	return models.Agent{}, StateGone
}

// ByTarget returns the enabled agents watching a database.collection pair.
func (s *Snapshot) ByTarget(target string) []models.Agent {
	return s.byTarget[target]
}

// Targets returns the distinct namespaces any enabled agent watches.
func (s *Snapshot) Targets() []string {
	out := make([]string, 0, len(s.byTarget))
	for t := range s.byTarget {
		out = append(out, t)
	}
	return out
}

// Enabled returns all enabled agents.
func (s *Snapshot) Enabled() []models.Agent {
	out := make([]models.Agent, 0, len(s.enabled))
	for _, a := range s.enabled {
		out = append(out, a)
	}
	return out
}

// Cache maintains the snapshot, refreshing on store notifications and on a
// fixed interval so disabled agents disappear within the staleness window.
type Cache struct {
	store    Store
	interval time.Duration
	snap     atomic.Pointer[Snapshot]
}

// NewCache builds a cache. interval bounds staleness; 0 means 2 s.
func NewCache(store Store, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	c := &Cache{store: store, interval: interval}
	c.snap.Store(&Snapshot{
		enabled:  map[string]models.Agent{},
		disabled: map[string]models.Agent{},
		byTarget: map[string][]models.Agent{},
	})
	return c
}

// Snapshot returns the current immutable view.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Refresh rebuilds the snapshot from the store.
func (c *Cache) Refresh(ctx context.Context) error {
	all, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	next := &Snapshot{
		builtAt:  time.Now(),
		enabled:  make(map[string]models.Agent),
		disabled: make(map[string]models.Agent),
		byTarget: make(map[string][]models.Agent),
	}
	for _, a := range all {
		if a.Enabled {
			next.enabled[a.ID] = a
			target := a.Watch.Target()
			next.byTarget[target] = append(next.byTarget[target], a)
		} else {
			next.disabled[a.ID] = a
		}
	}
	c.snap.Store(next)
	return nil
}

// Run keeps the snapshot fresh until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	notices, err := c.store.SubscribeChanges(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Agent change subscription unavailable, relying on interval refresh")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			log.Debug().Str("agent_id", n.ID).Str("kind", string(n.Kind)).Msg("Agent change notice")
		}
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Agent cache refresh failed")
		}
	}
}
