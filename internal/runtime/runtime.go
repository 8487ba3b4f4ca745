// Package runtime assembles the pipeline and owns every long-running task:
// agent cache, watcher subscriptions, dispatcher, worker pool, and the
// metrics pump. There are no package-level singletons; everything hangs off
// the Runtime handle.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/dispatcher"
	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/internal/idempotency"
	"github.com/mongoclaw/mongoclaw/internal/model"
	"github.com/mongoclaw/mongoclaw/internal/observability"
	"github.com/mongoclaw/mongoclaw/internal/policy"
	"github.com/mongoclaw/mongoclaw/internal/prompt"
	"github.com/mongoclaw/mongoclaw/internal/queue"
	"github.com/mongoclaw/mongoclaw/internal/resilience"
	"github.com/mongoclaw/mongoclaw/internal/watcher"
	"github.com/mongoclaw/mongoclaw/internal/worker"
	"github.com/mongoclaw/mongoclaw/internal/writer"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Deps are the external collaborators the runtime consumes.
type Deps struct {
	AgentStore  agents.Store
	DocStore    docstore.Store
	ResumeStore watcher.ResumeStore
	Queue       queue.Queue
	Locker      queue.Locker
	Idempotency idempotency.Store
	Ledger      observability.Ledger
	ModelClient model.Client
	Loader      *agents.Loader // optional YAML definitions directory
}

// Runtime is the assembled pipeline.
type Runtime struct {
	cfg  *config.Config
	deps Deps

	cache      *agents.Cache
	watcher    *watcher.Watcher
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool
	metrics    *observability.Metrics
	breakers   *resilience.Breakers
	quarantine *resilience.Quarantine

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the pipeline. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) *Runtime {
	metrics := observability.NewMetrics()
	cache := agents.NewCache(deps.AgentStore, 2*time.Second)
	breakers := resilience.NewBreakers()
	quarantine := resilience.NewQuarantine(cfg.Worker.QuarantineThreshold, func(agentID string, active bool) {
		v := 0.0
		if active {
			v = 1
		}
		metrics.QuarantineActive.WithLabelValues(agentID).Set(v)
	})
	slo := resilience.NewSLOTracker(
		time.Duration(cfg.Worker.SLOTargetMs)*time.Millisecond,
		cfg.Worker.SLOSustain,
		func(agentID string) {
			metrics.SLOViolations.WithLabelValues(agentID).Inc()
		},
	)

	ledger := deps.Ledger
	engine := prompt.NewEngine()

	w := watcher.New(deps.DocStore, deps.ResumeStore, cache, cfg.Watcher, func(target string) {
		now := time.Now().UTC()
		ledger.Record(context.Background(), models.Execution{
			ID:             uuid.New().String(),
			Status:         models.StatusFailed,
			LifecycleState: "feed_reset",
			StartedAt:      now,
			CompletedAt:    now,
			Error: &models.ExecutionError{
				Tag:     models.TagFeedReset,
				Message: "resume token invalidated for " + target + "; restarted from now",
			},
			CreatedAt: now,
		})
	})

	disp := dispatcher.New(cache, deps.Queue, engine, ledger, metrics, quarantine)

	pipeline := worker.NewPipeline(
		cache,
		engine,
		deps.ModelClient,
		policy.NewEvaluator(),
		writer.NewEngine(deps.DocStore),
		deps.Idempotency,
		deps.Locker,
		ledger,
		metrics,
		breakers,
		resilience.NewRateLimiters(),
		resilience.NewCostLimiter(),
		quarantine,
		slo,
	)
	pool := worker.NewPool(cache, deps.Queue, pipeline, quarantine, cfg.Worker)

	return &Runtime{
		cfg:        cfg,
		deps:       deps,
		cache:      cache,
		watcher:    w,
		dispatcher: disp,
		pool:       pool,
		metrics:    metrics,
		breakers:   breakers,
		quarantine: quarantine,
	}
}

// Start launches every task. It returns once the pipeline is running.
func (r *Runtime) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})

	if r.deps.Loader != nil {
		if err := r.deps.Loader.LoadAll(ctx); err != nil {
			log.Warn().Err(err).Msg("Agent definition load failed")
		}
	}
	if err := r.cache.Refresh(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug().Str("task", name).Msg("Task stopped")
		}()
	}

	run("agent-cache", r.cache.Run)
	if r.deps.Loader != nil {
		run("agent-loader", func(ctx context.Context) {
			if err := r.deps.Loader.Watch(ctx); err != nil {
				log.Warn().Err(err).Msg("Agent definition watch failed")
			}
		})
	}
	run("watcher", r.watcher.Run)
	run("dispatcher", func(ctx context.Context) {
		r.dispatcher.Run(ctx, r.watcher.Events())
	})
	run("workers", r.pool.Run)
	run("metrics-pump", r.metricsPump)

	go func() {
		wg.Wait()
		close(r.done)
	}()

	log.Info().Msg("🐾 MongoClaw runtime started")
	return nil
}

// Drain performs graceful shutdown: watchers stop reading, the dispatcher
// drains its handoff, workers finish their current item, then everything
// stops. The context bounds the wait; expiry forces abort and in-flight
// items replay after restart.
func (r *Runtime) Drain(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	log.Info().Msg("Draining runtime")
	r.cancel()
	select {
	case <-r.done:
		log.Info().Msg("Runtime drained")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Drain deadline exceeded, aborting; unacked items will replay")
		return ctx.Err()
	}
}

// EnqueueManual bypasses the watcher (webhook trigger, attempt 1).
func (r *Runtime) EnqueueManual(ctx context.Context, agentID string, document map[string]any) (string, error) {
	return r.dispatcher.EnqueueManual(ctx, agentID, document)
}

// ReleaseQuarantine manually lifts an agent's quarantine.
func (r *Runtime) ReleaseQuarantine(agentID string) {
	r.quarantine.Release(agentID)
}

// Metrics exposes the metrics set for the HTTP surface.
func (r *Runtime) Metrics() *observability.Metrics {
	return r.metrics
}

// Status reports the per-agent operational view.
func (r *Runtime) Status(ctx context.Context) []models.AgentStatus {
	snapshot := r.cache.Snapshot()
	all, err := r.deps.AgentStore.List(ctx)
	if err != nil {
		all = snapshot.Enabled()
	}
	out := make([]models.AgentStatus, 0, len(all))
	for _, agent := range all {
		pending, dlq := r.pool.Depths(ctx, agent.ID)
		last, _ := r.deps.Ledger.LastExecutionAt(ctx, agent.ID)
		out = append(out, models.AgentStatus{
			AgentID:         agent.ID,
			Enabled:         agent.Enabled,
			QueueDepth:      pending,
			DLQDepth:        dlq,
			BreakerState:    string(r.breakers.For(agent.ID, agent.AI.Provider, agent.AI.Model).State()),
			Quarantined:     r.quarantine.Quarantined(agent.ID),
			LastExecutionAt: last,
		})
	}
	return out
}

// metricsPump refreshes the depth gauges on a fixed cadence.
func (r *Runtime) metricsPump(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agent := range r.cache.Snapshot().Enabled() {
				pending, dlq := r.pool.Depths(ctx, agent.ID)
				r.metrics.QueuePending.WithLabelValues(agent.ID).Set(float64(pending))
				r.metrics.DLQSize.WithLabelValues(agent.ID).Set(float64(dlq))
			}
		}
	}
}
