package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()
	require.Equal(t, "mongodb://localhost:27017", c.MongoURI)
	require.Equal(t, "tablepilot", c.MongoDatabase)
	require.Equal(t, uint64(32), c.StorePoolSize)
	require.Equal(t, 15, c.MaxIterations)
	require.Equal(t, 180*time.Second, c.WallClock)
	require.Equal(t, int64(10000), c.LargeDatasetRows)
	require.Equal(t, 90, c.LargeDatasetDays)
	require.Equal(t, int64(500), c.MaxRawRows)
	require.Equal(t, 10*time.Minute, c.ResolverTTL)
	require.Equal(t, "anthropic", c.ProviderPrimary)
	require.Equal(t, "openai", c.ProviderFallback)
	require.Equal(t, 15, c.RateLimitRPM)
	require.Equal(t, 30*24*time.Hour, c.AuditRetention)
	require.Equal(t, time.Hour, c.ConversationTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "20")
	t.Setenv("AGENT_WALLCLOCK_SECONDS", "60")
	t.Setenv("AGENT_PROVIDER_PRIMARY", "openai")
	t.Setenv("STORE_POOL_SIZE", "8")
	c := Load()
	require.Equal(t, 20, c.MaxIterations)
	require.Equal(t, 60*time.Second, c.WallClock)
	require.Equal(t, "openai", c.ProviderPrimary)
	require.Equal(t, uint64(8), c.StorePoolSize)
}

func TestLoadCapsIterations(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "100")
	require.Equal(t, MaxIterationsCap, Load().MaxIterations)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "plenty")
	t.Setenv("AGENT_LARGE_DATASET_ROWS", "")
	t.Setenv("AGENT_WALLCLOCK_SECONDS", "-5")
	c := Load()
	require.Equal(t, 15, c.MaxIterations)
	require.Equal(t, int64(10000), c.LargeDatasetRows)
	require.Equal(t, 1*time.Second, c.WallClock)
}

func TestConversationTTLFloor(t *testing.T) {
	t.Setenv("AGENT_CONVERSATION_TTL_SECONDS", "60")
	require.Equal(t, time.Hour, Load().ConversationTTL)
}
