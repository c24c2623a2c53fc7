package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "pgvector", cfg.Vector.Provider)
	assert.Equal(t, 1536, cfg.Vector.Dimensions)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 60, cfg.Confidence.Retrieval.MinGeneration)
	assert.Equal(t, 60, cfg.Confidence.Retrieval.MinDisplay)
	assert.Equal(t, 60, cfg.Confidence.Generation.MinDisplay)
	assert.Equal(t, 80, cfg.Confidence.Generation.FlagBelow)
	assert.Equal(t, 70, cfg.Confidence.Parse.MinAccept)
	assert.Equal(t, 80, cfg.Confidence.Parse.FlagBelow)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.7, cfg.Retrieval.MinScore, 0.001)
	assert.False(t, cfg.Retrieval.DegradeOnRetrievalError)
	assert.Equal(t, "0 0 3 * * *", cfg.Scheduler.Cron)
	assert.Equal(t, 1, cfg.Scheduler.Concurrency)
	assert.Equal(t, 300, cfg.Scheduler.TenantTimeoutSecs)
	assert.Equal(t, "memory_assist", cfg.Generation.DefaultMode)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
confidence:
  retrieval:
    min_generation: 70
scheduler:
  concurrency: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 70, cfg.Confidence.Retrieval.MinGeneration)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Confidence.Retrieval.MinDisplay)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ORGMEMORY_STORE_DRIVER", "postgres")
	t.Setenv("ORGMEMORY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ORGMEMORY_SERVER_PORT", "3000")
	t.Setenv("ORGMEMORY_CONFIDENCE_GENERATION_MIN_DISPLAY", "65")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 65, cfg.Confidence.Generation.MinDisplay)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/orgmemory"
	cfg.Vector.Provider = "pgvector"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Embedding.Key = "sk-embed-key"
	cfg.Confidence = ConfidenceConfig{
		Retrieval:  RetrievalThresholdConfig{MinGeneration: 60, MinDisplay: 60},
		Generation: GenerationThresholdConfig{MinDisplay: 60, FlagBelow: 80},
		Parse:      ParseThresholdConfig{MinAccept: 70, FlagBelow: 80},
	}
	cfg.Retrieval.TopK = 5
	cfg.Retrieval.MinScore = 0.7
	cfg.Scheduler.Concurrency = 1
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""
	cfg.Embedding.Key = ""
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "embedding.key is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_PineconeNeedsCredentials(t *testing.T) {
	cfg := validDefaults()
	cfg.Vector.Provider = "pinecone"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector.pinecone.key")

	cfg.Vector.Pinecone = PineconeConfig{Key: "pc-key", IndexHost: "https://idx.pinecone.io"}
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateScan_SQLiteNeedsNoURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("scan"))
}

func TestValidateScore_NoCredentials(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""

	assert.NoError(t, cfg.Validate("score"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold above 100", func(c *Config) { c.Confidence.Parse.MinAccept = 101 }, "confidence.parse.min_accept"},
		{"threshold below 0", func(c *Config) { c.Confidence.Retrieval.MinGeneration = -1 }, "confidence.retrieval.min_generation"},
		{"top_k zero", func(c *Config) { c.Retrieval.TopK = 0 }, "retrieval.top_k"},
		{"min_score above 1", func(c *Config) { c.Retrieval.MinScore = 1.5 }, "retrieval.min_score"},
		{"concurrency zero", func(c *Config) { c.Scheduler.Concurrency = 0 }, "scheduler.concurrency"},
		{"unknown vector provider", func(c *Config) { c.Vector.Provider = "faiss" }, "vector.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("score")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
