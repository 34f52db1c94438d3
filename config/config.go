// Package config reads the environment-injected configuration. Every value
// has a usable default and invalid values fall back to it, so a bare
// environment still yields a runnable (if keyless) process.
package config

import (
	"os"
	"strconv"
	"time"
)

// Hard cap on the iteration budget regardless of configuration.
const MaxIterationsCap = 25

// Config holds the full runtime configuration.
type Config struct {
	// Storage.
	MongoURI      string
	MongoDatabase string
	StorePoolSize uint64

	// Agent loop budgets.
	MaxIterations int
	WallClock     time.Duration
	ToolTimeout   time.Duration
	LLMTimeout    time.Duration

	// Data thresholds.
	LargeDatasetRows int64
	LargeDatasetDays int
	MaxRawRows       int64

	// Resolver cache.
	ResolverTTL time.Duration

	// Providers.
	ProviderPrimary  string
	ProviderFallback string
	RateLimitRPM     int
	OpenAIKey        string
	OpenAIModel      string
	AnthropicKey     string
	AnthropicModel   string

	// Retention.
	AuditRetention  time.Duration
	ConversationTTL time.Duration
}

// Load reads the environment and applies defaults and caps.
func Load() *Config {
	c := &Config{
		MongoURI:      envString("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envString("MONGO_DATABASE", "tablepilot"),
		StorePoolSize: uint64(envInt("STORE_POOL_SIZE", 32, 1, 1024)),

		MaxIterations: envInt("AGENT_MAX_ITERATIONS", 15, 1, MaxIterationsCap),
		WallClock:     envSeconds("AGENT_WALLCLOCK_SECONDS", 180),
		ToolTimeout:   envSeconds("AGENT_TOOL_TIMEOUT_SECONDS", 30),
		LLMTimeout:    envSeconds("AGENT_LLM_TIMEOUT_SECONDS", 60),

		LargeDatasetRows: int64(envInt("AGENT_LARGE_DATASET_ROWS", 10000, 1, 1<<31)),
		LargeDatasetDays: envInt("AGENT_LARGE_DATASET_DAYS", 90, 1, 3650),
		MaxRawRows:       int64(envInt("AGENT_TOOL_MAX_RAW_ROWS", 500, 1, 100000)),

		ResolverTTL: envSeconds("AGENT_RESOLVER_TTL_SECONDS", 600),

		ProviderPrimary:  envString("AGENT_PROVIDER_PRIMARY", "anthropic"),
		ProviderFallback: envString("AGENT_PROVIDER_FALLBACK", "openai"),
		RateLimitRPM:     envInt("AGENT_PROVIDER_RATE_LIMIT_RPM", 15, 1, 10000),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      envString("OPENAI_MODEL", "gpt-4o"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		AuditRetention:  time.Duration(envInt("AUDIT_RETENTION_DAYS", 30, 1, 3650)) * 24 * time.Hour,
		ConversationTTL: envSeconds("AGENT_CONVERSATION_TTL_SECONDS", 3600),
	}
	if c.ConversationTTL < time.Hour {
		c.ConversationTTL = time.Hour
	}
	return c
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// envInt reads an integer, clamping to [min, max]. Unset or unparseable
// values yield the default.
func envInt(name string, def, min, max int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envSeconds(name string, def int) time.Duration {
	return time.Duration(envInt(name, def, 1, 86400)) * time.Second
}
