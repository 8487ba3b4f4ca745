package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the MongoClaw runtime.
type Config struct {
	Port      int
	Version   string
	Mongo     MongoConfig
	Redis     RedisConfig
	Watcher   WatcherConfig
	Worker    WorkerConfig
	Providers ProvidersConfig
	AgentsDir string // optional directory of YAML agent definitions
}

type MongoConfig struct {
	URI                    string
	Database               string // control store database
	AgentsCollection       string
	ExecutionsCollection   string
	ResumeTokensCollection string
	IdempotencyCollection  string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	StreamMaxLen int64
}

type WatcherConfig struct {
	HandoffDepth      int
	ReconcileInterval time.Duration
	FeedBlock         time.Duration
	TokenFlush        time.Duration
}

type WorkerConfig struct {
	Count               int
	ConsumeBlock        time.Duration
	ConsumeCount        int
	ClaimInterval       time.Duration
	DrainTimeout        time.Duration
	QuarantineThreshold int
	SLOTargetMs         int
	SLOSustain          time.Duration
	IdempotencyTTL      time.Duration
}

type ProvidersConfig struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("MONGOCLAW_PORT", 8080),
		Version:   envStr("MONGOCLAW_VERSION", "0.4.0"),
		AgentsDir: envStr("MONGOCLAW_AGENTS_DIR", ""),
		Mongo: MongoConfig{
			URI:                    envStr("MONGOCLAW_MONGODB_URI", "mongodb://localhost:27017"),
			Database:               envStr("MONGOCLAW_MONGODB_DATABASE", "mongoclaw"),
			AgentsCollection:       envStr("MONGOCLAW_AGENTS_COLLECTION", "agents"),
			ExecutionsCollection:   envStr("MONGOCLAW_EXECUTIONS_COLLECTION", "executions"),
			ResumeTokensCollection: envStr("MONGOCLAW_RESUME_TOKENS_COLLECTION", "resume_tokens"),
			IdempotencyCollection:  envStr("MONGOCLAW_IDEMPOTENCY_COLLECTION", "idempotency_keys"),
		},
		Redis: RedisConfig{
			Addr:         envStr("MONGOCLAW_REDIS_ADDR", "localhost:6379"),
			Password:     envStr("MONGOCLAW_REDIS_PASSWORD", ""),
			DB:           envInt("MONGOCLAW_REDIS_DB", 0),
			StreamMaxLen: int64(envInt("MONGOCLAW_STREAM_MAX_LEN", 100000)),
		},
		Watcher: WatcherConfig{
			HandoffDepth:      envInt("MONGOCLAW_WATCHER_HANDOFF_DEPTH", 256),
			ReconcileInterval: envDuration("MONGOCLAW_WATCHER_RECONCILE_INTERVAL", 5*time.Second),
			FeedBlock:         envDuration("MONGOCLAW_WATCHER_FEED_BLOCK", 5*time.Second),
			TokenFlush:        envDuration("MONGOCLAW_WATCHER_TOKEN_FLUSH", time.Second),
		},
		Worker: WorkerConfig{
			Count:               envInt("MONGOCLAW_WORKER_COUNT", 10),
			ConsumeBlock:        envDuration("MONGOCLAW_WORKER_CONSUME_BLOCK", time.Second),
			ConsumeCount:        envInt("MONGOCLAW_WORKER_CONSUME_COUNT", 8),
			ClaimInterval:       envDuration("MONGOCLAW_WORKER_CLAIM_INTERVAL", 30*time.Second),
			DrainTimeout:        envDuration("MONGOCLAW_WORKER_DRAIN_TIMEOUT", 30*time.Second),
			QuarantineThreshold: envInt("MONGOCLAW_QUARANTINE_THRESHOLD", 20),
			SLOTargetMs:         envInt("MONGOCLAW_SLO_TARGET_MS", 30000),
			SLOSustain:          envDuration("MONGOCLAW_SLO_SUSTAIN", 5*time.Minute),
			IdempotencyTTL:      envDuration("MONGOCLAW_IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Providers: ProvidersConfig{
			OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
			AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
