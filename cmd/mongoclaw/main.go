// MongoClaw — change-stream-driven AI enrichment for MongoDB.
//
// The daemon watches configured collections, fans matching change events out
// to declarative agents, invokes the configured model, and writes results
// back to the originating documents with idempotent, at-least-once delivery.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/api"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/internal/idempotency"
	"github.com/mongoclaw/mongoclaw/internal/model"
	"github.com/mongoclaw/mongoclaw/internal/observability"
	"github.com/mongoclaw/mongoclaw/internal/queue"
	"github.com/mongoclaw/mongoclaw/internal/runtime"
	"github.com/mongoclaw/mongoclaw/internal/watcher"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("version", cfg.Version).Msg("🐾 MongoClaw starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control store + data plane share one MongoDB client.
	mongoCtx, mongoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("MongoDB connect failed")
	}
	if err := mongoClient.Ping(mongoCtx, nil); err != nil {
		log.Fatal().Err(err).Msg("MongoDB unreachable")
	}
	defer mongoClient.Disconnect(context.Background())

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// An unreachable queue at startup is fatal by contract.
		log.Fatal().Err(err).Msg("Redis unreachable")
	}
	defer rdb.Close()

	control := mongoClient.Database(cfg.Mongo.Database)

	agentStore := agents.NewMongoStore(control.Collection(cfg.Mongo.AgentsCollection))
	resumeStore := watcher.NewMongoResumeStore(control.Collection(cfg.Mongo.ResumeTokensCollection))
	idemStore := idempotency.NewMongoStore(control.Collection(cfg.Mongo.IdempotencyCollection), cfg.Worker.IdempotencyTTL)
	ledger := observability.NewMongoLedger(control.Collection(cfg.Mongo.ExecutionsCollection))

	for name, ensure := range map[string]func(context.Context) error{
		"agents":           agentStore.EnsureIndexes,
		"resume_tokens":    resumeStore.EnsureIndexes,
		"idempotency_keys": idemStore.EnsureIndexes,
		"executions":       ledger.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			log.Fatal().Err(err).Str("collection", name).Msg("Index setup failed")
		}
	}

	router := model.NewRouter(map[string]model.Client{
		"openai":    model.NewOpenAIClient(cfg.Providers.OpenAIAPIKey),
		"anthropic": model.NewAnthropicClient(cfg.Providers.AnthropicAPIKey),
	})

	deps := runtime.Deps{
		AgentStore:  agentStore,
		DocStore:    docstore.NewMongoStore(mongoClient),
		ResumeStore: resumeStore,
		Queue:       queue.NewRedisQueue(rdb, cfg.Redis.StreamMaxLen),
		Locker:      queue.NewRedisLocker(rdb),
		Idempotency: idemStore,
		Ledger:      ledger,
		ModelClient: router,
	}
	if dir := strings.TrimSpace(cfg.AgentsDir); dir != "" {
		deps.Loader = agents.NewLoader(agentStore, dir)
	}

	rt := runtime.New(cfg, deps)
	if err := rt.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Runtime start failed")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, rt),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
		defer drainCancel()
		rt.Drain(drainCtx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Msg("🔥 MongoClaw is watching")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
