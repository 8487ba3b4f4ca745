package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// newSub builds a bare subscription for watermark tests.
func newSub() *subscription {
	return &subscription{
		target:  "support.tickets",
		entries: make(map[uint64]*seqEntry),
	}
}

func (s *subscription) push(token string) uint64 {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.nextSeq++
	s.entries[s.nextSeq] = &seqEntry{token: token}
	return s.nextSeq
}

func TestAckAdvancesContiguously(t *testing.T) {
	s := newSub()
	s1 := s.push("tok-1")
	s2 := s.push("tok-2")
	s3 := s.push("tok-3")

	// Out-of-order ack: watermark must not jump the gap.
	s.ack(s2)
	assert.Nil(t, s.durableToken())

	s.ack(s1)
	assert.Equal(t, "tok-2", s.durableToken())

	s.ack(s3)
	assert.Equal(t, "tok-3", s.durableToken())
}

func TestAckIsIdempotent(t *testing.T) {
	s := newSub()
	s1 := s.push("tok-1")
	s.ack(s1)
	s.ack(s1)
	assert.Equal(t, "tok-1", s.durableToken())

	s.ack(999) // unknown sequence ignored
	assert.Equal(t, "tok-1", s.durableToken())
}

func TestUnackedEventsHoldTheToken(t *testing.T) {
	s := newSub()
	s.push("tok-1")
	s2 := s.push("tok-2")
	s.ack(s2)

	// Event 1 never acked: crash recovery must replay from before it.
	assert.Nil(t, s.durableToken())
}

func TestWatcherReconcilesSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentStore := agents.NewMemoryStore()
	cache := agents.NewCache(agentStore, 10*time.Millisecond)
	docs := docstore.NewMemoryStore()
	w := New(docs, NewMemoryResumeStore(), cache, config.WatcherConfig{
		HandoffDepth:      4,
		ReconcileInterval: 10 * time.Millisecond,
		TokenFlush:        10 * time.Millisecond,
	}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	go func() {
		// Keep the handoff drained; events are acked immediately.
		for ev := range w.Events() {
			ev.Ack()
		}
	}()

	agent := &models.Agent{
		ID:      "classify",
		Name:    "classify",
		Enabled: true,
		Watch: models.WatchSpec{
			Database:   "support",
			Collection: "tickets",
			Operations: []models.Operation{models.OpInsert},
		},
		AI:    models.AISpec{Provider: "openai", Model: "gpt-4o-mini", Prompt: "p"},
		Write: models.WriteSpec{Strategy: models.StrategyMerge, TargetField: "out"},
	}
	require.NoError(t, agentStore.Upsert(ctx, agent))
	require.NoError(t, cache.Refresh(ctx))

	// Subscription appears, then goes away when the agent is deleted.
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, agentStore.Delete(ctx, "classify"))
	require.NoError(t, cache.Refresh(ctx))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.subs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
