// Package agentconfig loads the environment-driven configuration for the
// turn execution and streaming pipeline (sessions, compaction, cost
// aggregation, RAG context).
package agentconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration for the agent core, assembled from
// environment variables (optionally overlaid from a local .env file).
type Config struct {
	MemoryType string // "file" or "dynamodb"

	SessionsDir string

	MemoryID string
	AWSRegion string

	DynamoSessionsMetadataTable string
	DynamoCostSummaryTable      string
	DynamoSystemRollupTable     string

	Compaction CompactionConfig

	AssistantsVectorStoreIndexName string
	AssistantsDocumentsBucketName  string

	RedisAddr string
	RedisDB   int

	PostgresDSN string

	KafkaBrokers []string
	KafkaTopic   string

	ClickHouseDSN         string
	ClickHouseRollupTable string

	PricingOverlayPath string

	StreamTimeout time.Duration

	OTelServiceName    string
	OTelEndpoint       string
	OTelServiceVersion string
	OTelEnvironment    string

	S3 S3Config

	Provider ProviderConfig
}

// S3Config carries the settings needed to offload large attachments to S3 or
// an S3-compatible store (MinIO). Bucket is empty when attachment offload is
// disabled, in which case sessions keep attachments inline.
type S3Config struct {
	Bucket                string
	Region                string
	Prefix                string
	Endpoint              string
	UsePathStyle          bool
	AccessKey             string
	SecretKey             string
	TLSInsecureSkipVerify bool
	SSEMode               string
	SSEKMSKeyID           string
}

// ProviderConfig selects and configures the LLM provider used to drive a
// turn. Mirrors the env var names the rest of this module already uses for
// provider credentials, so a deployment can share one .env across both the
// legacy agent stack and the turn execution pipeline.
type ProviderConfig struct {
	Name string // "openai" | "anthropic" | "google" | "bedrock"

	OpenAI struct {
		APIKey      string
		BaseURL     string
		Model       string
		API         string
		LogPayloads bool
	}

	Anthropic struct {
		APIKey  string
		BaseURL string
		Model   string
	}

	Google struct {
		APIKey  string
		BaseURL string
		Model   string
	}

	Bedrock struct {
		Region  string
		Model   string
	}
}

// CompactionConfig carries the knobs for the two-stage compaction engine.
type CompactionConfig struct {
	Enabled             bool
	TokenThreshold      int
	ProtectedTurns      int
	MaxToolContentChars int
}

// Load reads configuration from the environment. godotenv.Overload lets a
// local .env file override values already present in the OS environment,
// matching the rest of this module's ambient config loading.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		MemoryType:  firstNonEmpty(os.Getenv("AGENTCORE_MEMORY_TYPE"), "file"),
		SessionsDir: os.Getenv("SESSIONS_DIR"),

		MemoryID:  os.Getenv("MEMORY_ID"),
		AWSRegion: firstNonEmpty(os.Getenv("AWS_REGION"), "us-east-1"),

		DynamoSessionsMetadataTable: os.Getenv("DYNAMODB_SESSIONS_METADATA_TABLE_NAME"),
		DynamoCostSummaryTable:      os.Getenv("DYNAMODB_COST_SUMMARY_TABLE_NAME"),
		DynamoSystemRollupTable:     os.Getenv("DYNAMODB_SYSTEM_ROLLUP_TABLE_NAME"),

		AssistantsVectorStoreIndexName: os.Getenv("ASSISTANTS_VECTOR_STORE_INDEX_NAME"),
		AssistantsDocumentsBucketName:  os.Getenv("ASSISTANTS_DOCUMENTS_BUCKET_NAME"),

		RedisAddr: firstNonEmpty(os.Getenv("AGENTCORE_REDIS_ADDR"), "localhost:6379"),
		RedisDB:   envInt("AGENTCORE_REDIS_DB", 0),

		PostgresDSN: os.Getenv("AGENTCORE_POSTGRES_DSN"),

		KafkaTopic: firstNonEmpty(os.Getenv("AGENTCORE_KAFKA_TOPIC"), "agentcore.turn_audit"),

		ClickHouseDSN:         os.Getenv("CLICKHOUSE_DSN"),
		ClickHouseRollupTable: firstNonEmpty(os.Getenv("CLICKHOUSE_COST_ROLLUP_TABLE"), "agentcore_cost_rollups"),

		PricingOverlayPath: os.Getenv("AGENTCORE_PRICING_FILE"),

		StreamTimeout: time.Duration(envInt("AGENTCORE_STREAM_TIMEOUT_SECONDS", 600)) * time.Second,

		OTelServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "agentcore"),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceVersion: firstNonEmpty(os.Getenv("OTEL_SERVICE_VERSION"), "dev"),
		OTelEnvironment:    firstNonEmpty(os.Getenv("OTEL_ENVIRONMENT"), "development"),
	}

	cfg.S3 = S3Config{
		Bucket:                firstNonEmpty(os.Getenv("AGENTCORE_S3_BUCKET"), cfg.AssistantsDocumentsBucketName),
		Region:                firstNonEmpty(os.Getenv("AGENTCORE_S3_REGION"), cfg.AWSRegion),
		Prefix:                os.Getenv("AGENTCORE_S3_PREFIX"),
		Endpoint:              os.Getenv("AGENTCORE_S3_ENDPOINT"),
		UsePathStyle:          envBool("AGENTCORE_S3_USE_PATH_STYLE", false),
		AccessKey:             os.Getenv("AGENTCORE_S3_ACCESS_KEY"),
		SecretKey:             os.Getenv("AGENTCORE_S3_SECRET_KEY"),
		TLSInsecureSkipVerify: envBool("AGENTCORE_S3_TLS_INSECURE_SKIP_VERIFY", false),
		SSEMode:               os.Getenv("AGENTCORE_S3_SSE_MODE"),
		SSEKMSKeyID:           os.Getenv("AGENTCORE_S3_SSE_KMS_KEY_ID"),
	}

	if brokers := strings.TrimSpace(os.Getenv("AGENTCORE_KAFKA_BROKERS")); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	cfg.Compaction = CompactionConfig{
		Enabled:             envBool("COMPACTION_ENABLED", true),
		TokenThreshold:      envInt("COMPACTION_TOKEN_THRESHOLD", 100000),
		ProtectedTurns:      envInt("COMPACTION_PROTECTED_TURNS", 2),
		MaxToolContentChars: envInt("COMPACTION_MAX_TOOL_CONTENT_LENGTH", 500),
	}

	if cfg.SessionsDir == "" {
		cfg.SessionsDir = "./sessions"
	}

	cfg.Provider.Name = firstNonEmpty(os.Getenv("LLM_PROVIDER"), "openai")
	cfg.Provider.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Provider.OpenAI.BaseURL = firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_API_BASE_URL"))
	cfg.Provider.OpenAI.Model = os.Getenv("OPENAI_MODEL")
	cfg.Provider.OpenAI.API = os.Getenv("OPENAI_API")
	cfg.Provider.OpenAI.LogPayloads = envBool("LOG_PAYLOADS", false)
	cfg.Provider.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.Provider.Anthropic.BaseURL = os.Getenv("ANTHROPIC_BASE_URL")
	cfg.Provider.Anthropic.Model = os.Getenv("ANTHROPIC_MODEL")
	cfg.Provider.Google.APIKey = os.Getenv("GOOGLE_LLM_API_KEY")
	cfg.Provider.Google.BaseURL = os.Getenv("GOOGLE_LLM_BASE_URL")
	cfg.Provider.Google.Model = os.Getenv("GOOGLE_LLM_MODEL")
	cfg.Provider.Bedrock.Region = firstNonEmpty(os.Getenv("BEDROCK_REGION"), cfg.AWSRegion)
	cfg.Provider.Bedrock.Model = os.Getenv("BEDROCK_MODEL")

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
