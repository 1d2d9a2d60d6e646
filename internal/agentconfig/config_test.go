package agentconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstNonEmptyPicksFirstNonBlank(t *testing.T) {
	require.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	require.Equal(t, "", firstNonEmpty("", "  "))
}

func TestEnvIntFallsBackOnMissingOrInvalid(t *testing.T) {
	t.Setenv("AGENTCORE_TEST_INT", "")
	require.Equal(t, 42, envInt("AGENTCORE_TEST_INT", 42))

	t.Setenv("AGENTCORE_TEST_INT", "not-a-number")
	require.Equal(t, 42, envInt("AGENTCORE_TEST_INT", 42))

	t.Setenv("AGENTCORE_TEST_INT", "7")
	require.Equal(t, 7, envInt("AGENTCORE_TEST_INT", 42))
}

func TestEnvBoolFallsBackOnMissingOrInvalid(t *testing.T) {
	t.Setenv("AGENTCORE_TEST_BOOL", "")
	require.True(t, envBool("AGENTCORE_TEST_BOOL", true))

	t.Setenv("AGENTCORE_TEST_BOOL", "nonsense")
	require.True(t, envBool("AGENTCORE_TEST_BOOL", true))

	t.Setenv("AGENTCORE_TEST_BOOL", "false")
	require.False(t, envBool("AGENTCORE_TEST_BOOL", true))

	t.Setenv("AGENTCORE_TEST_BOOL", "TRUE")
	require.True(t, envBool("AGENTCORE_TEST_BOOL", false))
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	for _, key := range []string{
		"AGENTCORE_MEMORY_TYPE", "SESSIONS_DIR", "AWS_REGION",
		"AGENTCORE_REDIS_ADDR", "AGENTCORE_KAFKA_TOPIC", "CLICKHOUSE_COST_ROLLUP_TABLE",
		"AGENTCORE_STREAM_TIMEOUT_SECONDS", "OTEL_SERVICE_NAME", "LLM_PROVIDER",
		"COMPACTION_ENABLED", "COMPACTION_TOKEN_THRESHOLD", "COMPACTION_PROTECTED_TURNS",
		"AGENTCORE_KAFKA_BROKERS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "file", cfg.MemoryType)
	require.Equal(t, "./sessions", cfg.SessionsDir)
	require.Equal(t, "us-east-1", cfg.AWSRegion)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, "agentcore.turn_audit", cfg.KafkaTopic)
	require.Equal(t, "agentcore_cost_rollups", cfg.ClickHouseRollupTable)
	require.Equal(t, 600*time.Second, cfg.StreamTimeout)
	require.Equal(t, "agentcore", cfg.OTelServiceName)
	require.Equal(t, "openai", cfg.Provider.Name)
	require.True(t, cfg.Compaction.Enabled)
	require.Equal(t, 100000, cfg.Compaction.TokenThreshold)
	require.Equal(t, 2, cfg.Compaction.ProtectedTurns)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadParsesKafkaBrokerCSV(t *testing.T) {
	t.Setenv("AGENTCORE_KAFKA_BROKERS", " broker1:9092 ,broker2:9092,, broker3:9092")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"broker1:9092", "broker2:9092", "broker3:9092"}, cfg.KafkaBrokers)
}

func TestLoadBedrockRegionFallsBackToAWSRegion(t *testing.T) {
	t.Setenv("BEDROCK_REGION", "")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "eu-west-1", cfg.Provider.Bedrock.Region)
}
