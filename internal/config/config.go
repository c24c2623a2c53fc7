package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Vector     VectorConfig     `yaml:"vector" mapstructure:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
}

// StoreConfig configures the relational backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// VectorConfig selects and configures the vector index.
type VectorConfig struct {
	Provider   string         `yaml:"provider" mapstructure:"provider"`
	Table      string         `yaml:"table" mapstructure:"table"`
	Dimensions int            `yaml:"dimensions" mapstructure:"dimensions"`
	Pinecone   PineconeConfig `yaml:"pinecone" mapstructure:"pinecone"`
}

// PineconeConfig holds hosted index credentials.
type PineconeConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	IndexHost string `yaml:"index_host" mapstructure:"index_host"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Model     string  `yaml:"model" mapstructure:"model"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ConfidenceConfig holds gating thresholds, all in [0,100].
type ConfidenceConfig struct {
	Retrieval  RetrievalThresholdConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Generation GenerationThresholdConfig `yaml:"generation" mapstructure:"generation"`
	Parse      ParseThresholdConfig      `yaml:"parse" mapstructure:"parse"`
}

// RetrievalThresholdConfig gates generation and source display.
type RetrievalThresholdConfig struct {
	MinGeneration int `yaml:"min_generation" mapstructure:"min_generation"`
	MinDisplay    int `yaml:"min_display" mapstructure:"min_display"`
}

// GenerationThresholdConfig gates display of generated content.
type GenerationThresholdConfig struct {
	MinDisplay int `yaml:"min_display" mapstructure:"min_display"`
	FlagBelow  int `yaml:"flag_below" mapstructure:"flag_below"`
}

// ParseThresholdConfig gates acceptance of parsed documents.
type ParseThresholdConfig struct {
	MinAccept int `yaml:"min_accept" mapstructure:"min_accept"`
	FlagBelow int `yaml:"flag_below" mapstructure:"flag_below"`
}

// RetrievalConfig configures the retrieval gateway.
type RetrievalConfig struct {
	TopK                    int     `yaml:"top_k" mapstructure:"top_k"`
	MinScore                float64 `yaml:"min_score" mapstructure:"min_score"`
	EmbedTimeoutSecs        int     `yaml:"embed_timeout_secs" mapstructure:"embed_timeout_secs"`
	QueryTimeoutSecs        int     `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
	RetryAttempts           int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	DegradeOnRetrievalError bool    `yaml:"degrade_on_error" mapstructure:"degrade_on_error"`
}

// GenerationConfig configures the generation orchestrator.
type GenerationConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DefaultMode string `yaml:"default_mode" mapstructure:"default_mode"`
}

// SchedulerConfig configures the nightly conflict scan.
type SchedulerConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Cron              string `yaml:"cron" mapstructure:"cron"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
	TenantTimeoutSecs int    `yaml:"tenant_timeout_secs" mapstructure:"tenant_timeout_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures scan alerting.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	AlertCooldownMinutes    int     `yaml:"alert_cooldown_minutes" mapstructure:"alert_cooldown_minutes"`
	CheckIntervalMinutes    int     `yaml:"check_interval_minutes" mapstructure:"check_interval_minutes"`
	StaleScanThresholdHours int     `yaml:"stale_scan_threshold_hours" mapstructure:"stale_scan_threshold_hours"`
}

// ResilienceConfig configures circuit breakers around external services.
type ResilienceConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORGMEMORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("vector.provider", "pgvector")
	v.SetDefault("vector.table", "memory_chunks")
	v.SetDefault("vector.dimensions", 1536)
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.rate_limit", 10.0)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("confidence.retrieval.min_generation", 60)
	v.SetDefault("confidence.retrieval.min_display", 60)
	v.SetDefault("confidence.generation.min_display", 60)
	v.SetDefault("confidence.generation.flag_below", 80)
	v.SetDefault("confidence.parse.min_accept", 70)
	v.SetDefault("confidence.parse.flag_below", 80)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.min_score", 0.7)
	v.SetDefault("retrieval.embed_timeout_secs", 10)
	v.SetDefault("retrieval.query_timeout_secs", 10)
	v.SetDefault("retrieval.retry_attempts", 1)
	v.SetDefault("retrieval.degrade_on_error", false)
	v.SetDefault("generation.timeout_secs", 60)
	v.SetDefault("generation.default_mode", "memory_assist")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 0 3 * * *")
	v.SetDefault("scheduler.concurrency", 1)
	v.SetDefault("scheduler.tenant_timeout_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.alert_cooldown_minutes", 60)
	v.SetDefault("monitoring.check_interval_minutes", 30)
	v.SetDefault("monitoring.stale_scan_threshold_hours", 26)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks value ranges and the fields required by mode
// ("serve", "scan", "migrate" or "score").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		errs = append(errs, c.requireStore()...)
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Embedding.Key == "" {
			errs = append(errs, "embedding.key is required")
		}
		if c.Vector.Provider == "pinecone" && (c.Vector.Pinecone.Key == "" || c.Vector.Pinecone.IndexHost == "") {
			errs = append(errs, "vector.pinecone.key and vector.pinecone.index_host are required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "scan", "migrate":
		errs = append(errs, c.requireStore()...)
	case "score":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	thresholds := []struct {
		name  string
		value int
	}{
		{"confidence.retrieval.min_generation", c.Confidence.Retrieval.MinGeneration},
		{"confidence.retrieval.min_display", c.Confidence.Retrieval.MinDisplay},
		{"confidence.generation.min_display", c.Confidence.Generation.MinDisplay},
		{"confidence.generation.flag_below", c.Confidence.Generation.FlagBelow},
		{"confidence.parse.min_accept", c.Confidence.Parse.MinAccept},
		{"confidence.parse.flag_below", c.Confidence.Parse.FlagBelow},
	}
	for _, th := range thresholds {
		if th.value < 0 || th.value > 100 {
			errs = append(errs, fmt.Sprintf("%s must be in [0,100], got %d", th.name, th.value))
		}
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Sprintf("retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		errs = append(errs, fmt.Sprintf("retrieval.min_score must be in [0,1], got %v", c.Retrieval.MinScore))
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.concurrency must be >= 1, got %d", c.Scheduler.Concurrency))
	}
	switch c.Vector.Provider {
	case "pgvector", "pinecone":
	default:
		errs = append(errs, fmt.Sprintf("vector.provider must be pgvector or pinecone, got %q", c.Vector.Provider))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) requireStore() []string {
	if c.Store.Driver == "sqlite" {
		return nil
	}
	if c.Store.DatabaseURL == "" {
		return []string{"store.database_url is required"}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
