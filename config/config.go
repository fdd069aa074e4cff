package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// ProviderConfig holds the credentials for one OpenAI-compatible backend.
// An empty APIKey leaves the provider unconfigured.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

type Config struct {
	// Server
	Port string // default: 8080

	// Logging
	LogLevel  string // default: info
	LogFormat string // json or console
	LogFile   string

	// Orchestration
	DefaultProvider     provider.Identity
	EnableFallback      bool
	EnableLoadBalancing bool
	EnableCaching       bool
	MaxRetries          int
	ProviderTimeout     time.Duration
	CacheMaxEntries     int
	CacheTTL            time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	RoutingTableFile    string

	// Providers, keyed by identity. Base URLs are empty unless overridden.
	Providers map[provider.Identity]ProviderConfig

	// Usage ledger; disabled when empty.
	PostgresDSN string

	// Rate limiting; disabled when RedisAddr is empty.
	RedisAddr           string
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// HTTP request defaults
	DefaultTemperature float64
	DefaultMaxTokens   int
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		LogFile:              os.Getenv("LOG_FILE"),
		RoutingTableFile:     os.Getenv("ROUTING_TABLE_FILE"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		Providers:            make(map[provider.Identity]ProviderConfig),
	}

	p := &parser{}
	id, err := provider.ParseIdentity(getEnv("DEFAULT_AI_PROVIDER", "nvidia"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid DEFAULT_AI_PROVIDER: %w", err))
	}
	cfg.DefaultProvider = id

	cfg.EnableFallback = p.bool("ENABLE_FALLBACK", true)
	cfg.EnableLoadBalancing = p.bool("ENABLE_LOAD_BALANCING", true)
	cfg.EnableCaching = p.bool("ENABLE_CACHING", true)
	cfg.MaxRetries = p.int("MAX_RETRIES", 3)
	cfg.ProviderTimeout = p.duration("PROVIDER_TIMEOUT", 300*time.Second)
	cfg.CacheMaxEntries = p.int("CACHE_MAX_ENTRIES", 1000)
	cfg.CacheTTL = p.duration("CACHE_TTL", time.Hour)
	cfg.BreakerThreshold = p.int("BREAKER_FAILURE_THRESHOLD", 3)
	cfg.BreakerCooldown = p.duration("BREAKER_COOLDOWN", 30*time.Second)
	cfg.DefaultRateLimitTPM = int64(p.int("DEFAULT_RATE_LIMIT_TPM", 100000))
	cfg.DefaultTemperature = p.float("DEFAULT_TEMPERATURE", 0.7)
	cfg.DefaultMaxTokens = p.int("DEFAULT_MAX_TOKENS", 4096)

	for _, id := range provider.FailoverOrder {
		prefix := envPrefix(id)
		cfg.Providers[id] = ProviderConfig{
			APIKey:  os.Getenv(prefix + "_API_KEY"),
			BaseURL: os.Getenv(prefix + "_BASE_URL"),
		}
	}

	if len(p.errs) > 0 {
		return nil, p.errs[0]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that parsing alone cannot.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must not be negative")
	}
	if c.BreakerThreshold < 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must not be negative")
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return fmt.Errorf("DEFAULT_TEMPERATURE must be within [0, 2]")
	}
	if c.DefaultMaxTokens < 1 || c.DefaultMaxTokens > 32000 {
		return fmt.Errorf("DEFAULT_MAX_TOKENS must be within [1, 32000]")
	}
	if c.DefaultRateLimitTPM <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must be positive")
	}
	return nil
}

func envPrefix(id provider.Identity) string {
	switch id {
	case provider.NVIDIA:
		return "NVIDIA"
	case provider.SambaNova:
		return "SAMBANOVA"
	case provider.Cerebras:
		return "CEREBRAS"
	default:
		return ""
	}
}

// parser records parse errors and falls back to the default value.
type parser struct {
	errs []error
}

func (p *parser) bool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}

func (p *parser) int(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
