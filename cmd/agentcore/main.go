// Command agentcore serves the turn-execution and streaming pipeline
// described by this module: one POST /api/v1/turns SSE endpoint per turn,
// plus read-only session and cost-summary query endpoints. Wiring mirrors
// cmd/agentd's construct-then-serve shape, adapted to this pipeline's
// components instead of the single-agent tool-calling engine.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"manifold/internal/agentconfig"
	"manifold/internal/costs"
	"manifold/internal/llm/providers"
	"manifold/internal/objectstore"
	"manifold/internal/observability"
	"manifold/internal/sessions"
	"manifold/internal/streaming"
	"manifold/internal/turnapi"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}
	observability.InitLogger("agentcore.log", "info")

	cfg, err := agentconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.OTelEndpoint != "" {
		otelCfg := observability.OTelConfig{
			OTLP:           cfg.OTelEndpoint,
			ServiceName:    cfg.OTelServiceName,
			ServiceVersion: cfg.OTelServiceVersion,
			Environment:    cfg.OTelEnvironment,
		}
		shutdown, err := observability.InitOTel(context.Background(), otelCfg)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without tracing/metrics")
		} else {
			observability.EnableOTelLogBridge(cfg.OTelServiceName)
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Warn().Err(err).Msg("otel shutdown failed")
				}
			}()
		}
	}

	httpClient := observability.NewHTTPClient(nil)
	provider, err := providers.Build(cfg.Provider, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build llm provider")
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session store")
	}

	pricing, err := costs.NewPricingService(cfg.PricingOverlayPath)
	if err != nil {
		log.Warn().Err(err).Msg("pricing overlay not loaded, continuing with built-in table")
	}

	compactor := sessions.NewCompactor(cfg.Compaction, noopSummaryStore{})

	var costRecorder streaming.CostRecorder
	var aggregator *costs.Aggregator
	if cfg.MemoryType == "dynamodb" && cfg.DynamoCostSummaryTable != "" && cfg.DynamoSystemRollupTable != "" {
		awsCfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load aws config for cost aggregator")
		}
		client := dynamodb.NewFromConfig(awsCfg)
		var rateCache *costs.RateCache
		if cfg.RedisAddr != "" {
			rc, err := costs.NewRateCache(cfg.RedisAddr, cfg.RedisDB, time.Minute)
			if err != nil {
				log.Warn().Err(err).Msg("rate cache unavailable, cost reads fall back to dynamodb")
			} else {
				rateCache = rc
			}
		}
		aggregator = costs.NewAggregator(client, cfg.DynamoSessionsMetadataTable, cfg.DynamoCostSummaryTable, cfg.DynamoSystemRollupTable, rateCache)
		warehouse, err := costs.NewWarehouse(context.Background(), cfg.ClickHouseDSN, cfg.ClickHouseRollupTable)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse warehouse unavailable, cost mirroring disabled")
			costRecorder = aggregator
		} else {
			costRecorder = &costs.MirroringRecorder{Primary: aggregator, Warehouse: warehouse}
		}
	}

	var auditor streaming.TurnAuditor
	if len(cfg.KafkaBrokers) > 0 {
		auditor = streaming.NewKafkaAuditor(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	coordinator := streaming.NewCoordinator(
		store, provider, compactor, pricing, costRecorder, auditor,
		nil, // tool execution is wired per deployment; none registered here
		cfg.StreamTimeout, cfg.Compaction.ProtectedTurns,
	)

	if cfg.S3.Bucket != "" {
		s3Store, err := objectstore.NewS3Store(context.Background(), objectstore.S3Config{
			Bucket:                cfg.S3.Bucket,
			Region:                cfg.S3.Region,
			Prefix:                cfg.S3.Prefix,
			Endpoint:              cfg.S3.Endpoint,
			UsePathStyle:          cfg.S3.UsePathStyle,
			AccessKey:             cfg.S3.AccessKey,
			SecretKey:             cfg.S3.SecretKey,
			TLSInsecureSkipVerify: cfg.S3.TLSInsecureSkipVerify,
			SSE: objectstore.S3SSEConfig{
				Mode:     cfg.S3.SSEMode,
				KMSKeyID: cfg.S3.SSEKMSKeyID,
			},
		})
		if err != nil {
			log.Warn().Err(err).Msg("s3 attachment store unavailable, attachments stay inline")
		} else {
			coordinator.SetAttachments(sessions.NewAttachmentStore(s3Store, "attachments"))
		}
	}

	agent := streaming.Agent{
		Model:             cfg.Provider.OpenAI.Model,
		Provider:          cfg.Provider.Name,
		MaxToolIterations: 4,
	}

	turnServer := turnapi.NewServer(coordinator, nil, agent)
	queryServer := turnapi.NewQueryServer(store, aggregator)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/api/v1/turns", turnServer)
	mux.Handle("/api/v1/sessions/", queryServer)
	mux.Handle("/api/v1/users/", queryServer)
	mux.Handle("/api/v1/costs/", queryServer)

	log.Info().Msg("agentcore listening on :32190")
	if err := http.ListenAndServe(":32190", mux); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func buildStore(cfg agentconfig.Config) (sessions.Store, error) {
	if cfg.MemoryType == "dynamodb" {
		awsCfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg)
		return sessions.NewDynamoStore(client, cfg.DynamoSessionsMetadataTable), nil
	}
	return sessions.NewLocalStore(cfg.SessionsDir), nil
}

// noopSummaryStore is the compactor's summary store in this binary:
// compaction checkpoints still truncate and summarize in memory, they just
// have no prior summaries to prepend. main does not read cfg.PostgresDSN
// and never constructs a *ragctx.SummaryStore.
type noopSummaryStore struct{}

func (noopSummaryStore) Summaries(ctx context.Context, sessionID string) ([]string, error) {
	return nil, nil
}
