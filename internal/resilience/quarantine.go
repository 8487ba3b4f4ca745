package resilience

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Quarantine suspends agents that accumulate consecutive dead-letter items.
// The dispatcher stops enqueueing and workers stop consuming while an agent
// is quarantined; release is manual.
type Quarantine struct {
	mu        sync.Mutex
	threshold int
	streaks   map[string]int
	active    map[string]bool
	onChange  func(agentID string, active bool)
}

// NewQuarantine creates a quarantine with the given consecutive-DLQ
// threshold. onChange fires on activation and release; it may be nil.
func NewQuarantine(threshold int, onChange func(agentID string, active bool)) *Quarantine {
	if threshold <= 0 {
		threshold = 20
	}
	return &Quarantine{
		threshold: threshold,
		streaks:   make(map[string]int),
		active:    make(map[string]bool),
		onChange:  onChange,
	}
}

// RecordDLQ notes a dead-lettered item and returns true if this crossed the
// threshold and quarantined the agent.
func (q *Quarantine) RecordDLQ(agentID string) bool {
	q.mu.Lock()
	q.streaks[agentID]++
	tripped := !q.active[agentID] && q.streaks[agentID] >= q.threshold
	if tripped {
		q.active[agentID] = true
	}
	q.mu.Unlock()

	if tripped {
		log.Warn().Str("agent_id", agentID).Int("threshold", q.threshold).
			Msg("Agent quarantined after consecutive dead-letter items")
		if q.onChange != nil {
			q.onChange(agentID, true)
		}
	}
	return tripped
}

// RecordSuccess resets the agent's DLQ streak.
func (q *Quarantine) RecordSuccess(agentID string) {
	q.mu.Lock()
	q.streaks[agentID] = 0
	q.mu.Unlock()
}

// Quarantined reports whether an agent is suspended.
func (q *Quarantine) Quarantined(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[agentID]
}

// Release lifts the quarantine and clears the streak.
func (q *Quarantine) Release(agentID string) {
	q.mu.Lock()
	released := q.active[agentID]
	delete(q.active, agentID)
	q.streaks[agentID] = 0
	q.mu.Unlock()

	if released {
		log.Info().Str("agent_id", agentID).Msg("Agent quarantine released")
		if q.onChange != nil {
			q.onChange(agentID, false)
		}
	}
}
