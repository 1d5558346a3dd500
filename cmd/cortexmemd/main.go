// Command cortexmemd wires the storage adapters, memory tiers, lifecycle
// engines, and the LLM router into a UnifiedMemorySystem and serves it
// over the HTTP API.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"cortexmem/internal/config"
	"cortexmem/internal/engines/consolidation"
	"cortexmem/internal/engines/distillation"
	"cortexmem/internal/engines/promotion"
	"cortexmem/internal/engines/synthesis"
	"cortexmem/internal/httpapi"
	"cortexmem/internal/lifecycle"
	"cortexmem/internal/llm"
	"cortexmem/internal/llm/router"
	"cortexmem/internal/memsys"
	"cortexmem/internal/observability"
	"cortexmem/internal/storage"
	"cortexmem/internal/tiers/l1"
	"cortexmem/internal/tiers/l2"
	"cortexmem/internal/tiers/l3"
	"cortexmem/internal/tiers/l4"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("cortexmemd")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	baseCtx := context.Background()
	shutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	redisOpts, err := redisOptionsFromURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	kv, err := storage.NewRedisKVStore(baseCtx, redisOpts)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}

	pgPool, err := pgxpool.New(baseCtx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("init postgres pool: %w", err)
	}
	defer pgPool.Close()
	rel := storage.NewPostgresRelationalStore(pgPool)

	vector, err := storage.NewQdrantVectorStore(cfg.Qdrant.URL)
	if err != nil {
		return fmt.Errorf("init qdrant: %w", err)
	}
	if err := vector.CreateCollection(baseCtx, cfg.Qdrant.Collection, cfg.Qdrant.VectorSize, "cosine"); err != nil {
		log.Warn().Err(err).Msg("qdrant_collection_ensure_failed")
	}

	graph, err := storage.NewNeo4jGraphStore(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password)
	if err != nil {
		return fmt.Errorf("init neo4j: %w", err)
	}

	fullText, err := storage.NewBleveFullTextStore(cfg.FullText.IndexPath)
	if err != nil {
		return fmt.Errorf("init full-text index: %w", err)
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 7 * time.Second,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := observability.NewHTTPClient(&http.Client{Transport: tr})

	llmRouter, err := router.Build(cfg, httpClient)
	if err != nil {
		return fmt.Errorf("build llm router: %w", err)
	}
	embedClient := buildEmbedder(cfg)

	l1Tier := l1.New(kv, rel, l1.Config{WindowSize: cfg.Tunables.L1Window, TTL: time.Duration(cfg.Tunables.L1TTLHours) * time.Hour, PostgresBackup: true})
	l2Tier := l2.New(rel, l2.Config{MinCIAR: cfg.Tunables.MinCIAR, TTLDays: cfg.Tunables.L2TTLDays})
	l3Tier := l3.New(vector, graph, l3.Config{Collection: cfg.Qdrant.Collection, Dimensions: cfg.Qdrant.VectorSize, DistanceMetric: "cosine"})
	l4Tier := l4.New(fullText)

	promotionEngine := promotion.New(l1Tier, l2Tier, llmRouter, promotion.DefaultConfig())
	distillationCfg := distillation.DefaultConfig()
	distillationCfg.EpisodeThreshold = cfg.Tunables.EpisodeThresh
	distillationEngine := distillation.New(l3Tier, l4Tier, llmRouter, distillationCfg)
	consolidationEngine := consolidation.New(l2Tier, l3Tier, llmRouter, embedClient, consolidation.DefaultConfig())
	synthesizer := synthesis.New(l4Tier, llmRouter, synthesis.DefaultConfig())

	sys := memsys.New(l1Tier, l2Tier, l3Tier, l4Tier, promotionEngine, consolidationEngine, distillationEngine, synthesizer, memsys.DefaultFlags())
	sys.EnableLocking(rel, 2*time.Minute)

	var producer *lifecycle.Producer
	if cfg.Kafka.Brokers != "" {
		producer = lifecycle.NewProducer(splitCSV(cfg.Kafka.Brokers), cfg.Kafka.LifecycleTopic)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error().Err(err).Msg("lifecycle_producer_close_failed")
			}
		}()
	}

	server := httpapi.NewServer(sys, llmRouter, cfg.AgentPrefix, cfg.Tunables.MinCIAR)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: server}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("cortexmemd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http_server_failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("cortexmemd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildEmbedder returns an llm.Embedder backed by the highest-priority
// configured provider's embeddings endpoint, or nil if none is configured
// (consolidation then skips embedding generation, which is best-effort).
func buildEmbedder(cfg config.Config) llm.Embedder {
	if len(cfg.Providers) == 0 {
		return nil
	}
	p := cfg.Providers[0]
	for _, c := range cfg.Providers[1:] {
		if c.Priority < p.Priority {
			p = c
		}
	}
	return llm.EmbedFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		host := p.BaseURL
		if host == "" {
			return nil, fmt.Errorf("embedding provider %s has no base url configured", p.Name)
		}
		return llm.GenerateEmbeddings(host, p.APIKey, texts)
	})
}

func redisOptionsFromURL(raw string) (storage.RedisOptions, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return storage.RedisOptions{}, err
	}
	return storage.RedisOptions{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
