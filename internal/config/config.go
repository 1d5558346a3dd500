// Package config loads runtime configuration for the memory service from
// environment variables (with optional .env overlay), following the same
// env-first, YAML-for-structured-extras pattern used across the codebase.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RedisConfig configures the L1 hot-path KV backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PostgresConfig configures the relational backend used by L1 cold storage,
// L2 working memory, and (optionally) the episodic/graph fallback.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// QdrantConfig configures the L3 vector index.
type QdrantConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
	VectorSize int    `yaml:"vector_size"`
}

// Neo4jConfig configures the L3 graph index.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// FullTextConfig configures the L4 full-text + facet backend. The env vars
// are named after the wire contract's Typesense target; the value is
// repurposed as a bleve index path (see internal/storage/bleve_fulltext.go).
type FullTextConfig struct {
	IndexPath string `yaml:"index_path"`
	APIKey    string `yaml:"api_key"`
}

// ProviderConfig configures one LLM provider entry in the fallback chain.
type ProviderConfig struct {
	Name     string        `yaml:"name"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url,omitempty"`
	Priority int           `yaml:"priority"`
	Timeout  time.Duration `yaml:"timeout"`
	Enabled  bool          `yaml:"enabled"`
}

// OpenAIConfig configures the OpenAI-compatible adapter (also used for Groq,
// Mistral, and local OpenAI-compatible servers via BaseURL).
type OpenAIConfig struct {
	API         string         `yaml:"api"` // set to "completions"; the adapter always calls Chat Completions
	APIKey      string         `yaml:"api_key"`
	BaseURL     string         `yaml:"base_url,omitempty"`
	Model       string         `yaml:"model"`
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
	LogPayloads bool           `yaml:"log_payloads"`
}

// AnthropicPromptCacheConfig tunes Anthropic prompt-cache breakpoints.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	CacheSystem   bool `yaml:"cache_system"`
	CacheTools    bool `yaml:"cache_tools"`
	CacheMessages bool `yaml:"cache_messages"`
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey      string                     `yaml:"api_key"`
	BaseURL     string                     `yaml:"base_url,omitempty"`
	Model       string                     `yaml:"model"`
	PromptCache AnthropicPromptCacheConfig `yaml:"prompt_cache"`
	ExtraParams map[string]any             `yaml:"extra_params,omitempty"`
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout_seconds"`
}

// AsOpenAI projects a generic provider entry onto the OpenAI adapter's
// config shape. API defaults to "completions" when api is empty.
func (p ProviderConfig) AsOpenAI(api string) OpenAIConfig {
	if api == "" {
		api = "completions"
	}
	return OpenAIConfig{API: api, APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model}
}

// AsAnthropic projects a generic provider entry onto the Anthropic adapter's
// config shape, enabling prompt caching by default.
func (p ProviderConfig) AsAnthropic() AnthropicConfig {
	return AnthropicConfig{
		APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model,
		PromptCache: AnthropicPromptCacheConfig{Enabled: true, CacheSystem: true, CacheTools: true},
	}
}

// AsGoogle projects a generic provider entry onto the Google adapter's
// config shape.
func (p ProviderConfig) AsGoogle() GoogleConfig {
	timeout := 20
	if p.Timeout > 0 {
		timeout = int(p.Timeout.Seconds())
	}
	return GoogleConfig{APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model, Timeout: timeout}
}

// TunablesConfig holds the cross-tier numeric knobs named in the external
// interface contract.
type TunablesConfig struct {
	L1Window      int     `yaml:"l1_window"`
	L1TTLHours    int     `yaml:"l1_ttl_hours"`
	MinCIAR       float64 `yaml:"min_ciar"`
	L2TTLDays     int     `yaml:"l2_ttl_days"`
	EpisodeThresh int     `yaml:"episode_threshold"`
}

// ObsConfig mirrors the observability block used by InitOTel/InitLogger.
type ObsConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLP           string `yaml:"otlp"`
	LogPath        string `yaml:"log_path"`
	LogLevel       string `yaml:"log_level"`
}

// KafkaConfig configures the lifecycle event stream (internal/lifecycle).
type KafkaConfig struct {
	Brokers         string `yaml:"brokers"`
	LifecycleTopic  string `yaml:"lifecycle_topic"`
}

// Config is the top-level, fully-resolved runtime configuration.
type Config struct {
	Redis     RedisConfig    `yaml:"redis"`
	Postgres  PostgresConfig `yaml:"postgres"`
	Qdrant    QdrantConfig   `yaml:"qdrant"`
	Neo4j     Neo4jConfig    `yaml:"neo4j"`
	FullText  FullTextConfig `yaml:"fulltext"`
	Providers []ProviderConfig `yaml:"providers"`
	Tunables  TunablesConfig `yaml:"tunables"`
	Obs       ObsConfig      `yaml:"obs"`
	Kafka     KafkaConfig    `yaml:"kafka"`
	HTTPAddr  string         `yaml:"http_addr"`
	AgentPrefix string       `yaml:"agent_prefix"`
}

// Load reads configuration from environment variables, optionally overlaid
// by a local .env file (ignored if absent), and applies documented defaults.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		Redis:    RedisConfig{URL: envOr("REDIS_URL", "redis://localhost:6379/0")},
		Postgres: PostgresConfig{URL: envOr("POSTGRES_URL", "")},
		Qdrant: QdrantConfig{
			URL:        envOr("QDRANT_URL", "http://localhost:6334"),
			Collection: envOr("QDRANT_COLLECTION", "episodes"),
			VectorSize: envOrInt("QDRANT_VECTOR_SIZE", 768),
		},
		Neo4j: Neo4jConfig{
			URI:      envOr("NEO4J_URI", "bolt://localhost:7687"),
			User:     envOr("NEO4J_USER", "neo4j"),
			Password: os.Getenv("NEO4J_PASSWORD"),
		},
		FullText: FullTextConfig{
			IndexPath: envOr("TYPESENSE_URL", "./data/knowledge.bleve"),
			APIKey:    os.Getenv("TYPESENSE_API_KEY"),
		},
		Tunables: TunablesConfig{
			L1Window:      envOrInt("MAS_L1_WINDOW", 20),
			L1TTLHours:    envOrInt("MAS_L1_TTL_HOURS", 24),
			MinCIAR:       envOrFloat("MAS_MIN_CIAR", 0.6),
			L2TTLDays:     envOrInt("MAS_L2_TTL_DAYS", 7),
			EpisodeThresh: envOrInt("MAS_EPISODE_THRESHOLD", 5),
		},
		Obs: ObsConfig{
			ServiceName:    envOr("OTEL_SERVICE_NAME", "cortexmem"),
			ServiceVersion: envOr("SERVICE_VERSION", "dev"),
			Environment:    envOr("ENVIRONMENT", "dev"),
			OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			LogPath:        os.Getenv("LOG_PATH"),
			LogLevel:       envOr("LOG_LEVEL", "info"),
		},
		Kafka: KafkaConfig{
			Brokers:        envOr("KAFKA_BROKERS", ""),
			LifecycleTopic: envOr("KAFKA_LIFECYCLE_TOPIC", "cortexmem.lifecycle"),
		},
		HTTPAddr:    envOr("HTTP_ADDR", ":8090"),
		AgentPrefix: envOr("AGENT_PREFIX", "agent"),
	}

	if k := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); k != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name: "google", APIKey: k, Model: envOr("GOOGLE_MODEL", "gemini-2.0-flash"),
			Priority: envOrInt("GOOGLE_PRIORITY", 1), Timeout: envOrDuration("GOOGLE_TIMEOUT", 20*time.Second), Enabled: true,
		})
	}
	if k := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); k != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name: "anthropic", APIKey: k, Model: envOr("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			Priority: envOrInt("ANTHROPIC_PRIORITY", 2), Timeout: envOrDuration("ANTHROPIC_TIMEOUT", 20*time.Second), Enabled: true,
		})
	}
	if k := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); k != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name: "openai", APIKey: k, Model: envOr("OPENAI_MODEL", "gpt-4o-mini"),
			Priority: envOrInt("OPENAI_PRIORITY", 3), Timeout: envOrDuration("OPENAI_TIMEOUT", 20*time.Second), Enabled: true,
		})
	}
	// GROQ_API_KEY and MISTRAL_API_KEY are OpenAI-compatible surfaces routed
	// through the same adapter with a different base URL and priority tail.
	if k := strings.TrimSpace(os.Getenv("GROQ_API_KEY")); k != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name: "groq", APIKey: k, Model: envOr("GROQ_MODEL", "llama-3.1-8b-instant"),
			BaseURL: envOr("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
			Priority: envOrInt("GROQ_PRIORITY", 4), Timeout: envOrDuration("GROQ_TIMEOUT", 15*time.Second), Enabled: true,
		})
	}
	if k := strings.TrimSpace(os.Getenv("MISTRAL_API_KEY")); k != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name: "mistral", APIKey: k, Model: envOr("MISTRAL_MODEL", "mistral-small-latest"),
			BaseURL: envOr("MISTRAL_BASE_URL", "https://api.mistral.ai/v1"),
			Priority: envOrInt("MISTRAL_PRIORITY", 5), Timeout: envOrDuration("MISTRAL_TIMEOUT", 15*time.Second), Enabled: true,
		})
	}

	if path := strings.TrimSpace(os.Getenv("CORTEXMEM_CONFIG_FILE")); path != "" {
		if err := overlayYAMLFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if len(cfg.Providers) == 0 {
		return Config{}, errors.New("at least one LLM provider API key is required (GOOGLE_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY, GROQ_API_KEY, or MISTRAL_API_KEY)")
	}
	if cfg.Tunables.MinCIAR < 0 || cfg.Tunables.MinCIAR > 1 {
		return Config{}, fmt.Errorf("MAS_MIN_CIAR must be in [0,1], got %v", cfg.Tunables.MinCIAR)
	}
	return cfg, nil
}

// overlayYAMLFile unmarshals a YAML document onto an already env-populated
// Config. Only fields present in the file are touched, and those replace the
// env-derived values (an explicit zero value included), so an environment
// variable takes effect only for fields the file leaves out.
func overlayYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
