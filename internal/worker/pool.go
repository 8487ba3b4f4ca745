package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/queue"
	"github.com/mongoclaw/mongoclaw/internal/resilience"
)

// Pool runs the worker loops. Every worker reads every enabled agent's
// stream round-robin with a short block timeout; orphaned items are
// reclaimed periodically via the queue's pending-claim operation.
type Pool struct {
	cache      *agents.Cache
	queue      queue.Queue
	pipeline   *Pipeline
	quarantine *resilience.Quarantine
	cfg        config.WorkerConfig
}

func NewPool(cache *agents.Cache, q queue.Queue, pipeline *Pipeline, quarantine *resilience.Quarantine, cfg config.WorkerConfig) *Pool {
	return &Pool{cache: cache, queue: q, pipeline: pipeline, quarantine: quarantine, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current item.
func (p *Pool) Run(ctx context.Context) {
	count := p.cfg.Count
	if count <= 0 {
		count = 10
	}
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.worker(ctx, idx)
		}(i)
	}
	wg.Wait()
	log.Info().Int("workers", count).Msg("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, idx int) {
	consumer := fmt.Sprintf("worker-%d", idx)
	known := make(map[string]bool)
	lastClaim := time.Now()

	block := p.cfg.ConsumeBlock
	if block <= 0 {
		block = time.Second
	}
	count := p.cfg.ConsumeCount
	if count <= 0 {
		count = 8
	}
	claimInterval := p.cfg.ClaimInterval
	if claimInterval <= 0 {
		claimInterval = 30 * time.Second
	}

	for ctx.Err() == nil {
		enabled := p.cache.Snapshot().Enabled()
		if len(enabled) == 0 {
			select {
			case <-time.After(block):
			case <-ctx.Done():
			}
			continue
		}

		claim := time.Since(lastClaim) >= claimInterval
		if claim {
			lastClaim = time.Now()
		}

		idle := true
		// Offset the scan so workers do not all hammer the same stream.
		for n := 0; n < len(enabled); n++ {
			if ctx.Err() != nil {
				return
			}
			agent := enabled[(n+idx)%len(enabled)]
			if p.quarantine.Quarantined(agent.ID) {
				continue
			}
			stream := queue.StreamFor(agent.ID)

			if !known[agent.ID] {
				if err := p.queue.EnsureGroup(ctx, stream, queue.Group); err != nil {
					log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Consumer group setup failed")
					continue
				}
				known[agent.ID] = true
			}

			if _, err := p.queue.PromoteDelayed(ctx, stream); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Delayed promotion failed")
			}

			if claim {
				minIdle := 2 * agent.Execution.Timeout()
				claimed, err := p.queue.ClaimPending(ctx, stream, queue.Group, consumer, minIdle, count)
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Pending claim failed")
				}
				for _, d := range claimed {
					p.pipeline.Process(ctx, p.queue, d)
					idle = false
				}
			}

			// Short block per stream keeps the round-robin responsive with
			// many agents.
			perStream := block / time.Duration(len(enabled))
			if perStream < 10*time.Millisecond {
				perStream = 10 * time.Millisecond
			}
			deliveries, err := p.queue.Consume(ctx, stream, queue.Group, consumer, count, perStream)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Consume failed")
				continue
			}
			for _, d := range deliveries {
				p.pipeline.Process(ctx, p.queue, d)
				idle = false
			}
		}

		if idle {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
			}
		}
	}
}

// Depths reports queue and DLQ depth for an agent. Used by the status
// surface and the metrics pump.
func (p *Pool) Depths(ctx context.Context, agentID string) (pending, dlq int64) {
	stream := queue.StreamFor(agentID)
	pending, _ = p.queue.Pending(ctx, stream, queue.Group)
	dlq, _ = p.queue.Len(ctx, queue.DLQFor(agentID))
	return pending, dlq
}
