package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Gateway        GatewayConfig       `mapstructure:"gateway"`
	Upstream       UpstreamConfig      `mapstructure:"upstream"`
	Models         ModelsConfig        `mapstructure:"models"`
	Swarm          SwarmConfig         `mapstructure:"swarm"`
	RemoteWorkers  RemoteWorkersConfig `mapstructure:"remote_workers"`
	Relay          RelayConfig         `mapstructure:"relay"`
	RelaySecondary RelayConfig         `mapstructure:"relay_secondary"`
	Pricing        PricingConfig       `mapstructure:"pricing"`
	Usage          UsageConfig         `mapstructure:"usage"`
	Database       DatabaseConfig      `mapstructure:"database"`
	Log            LogConfig           `mapstructure:"log"`
}

// GatewayConfig configures the OpenAI-compatible HTTP front.
type GatewayConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Token          string        `mapstructure:"token"`           // static auth token; empty disables remote access
	MaxConcurrent  int           `mapstructure:"max_concurrent"`  // upstream permits
	QueueCap       int           `mapstructure:"queue_cap"`       // waiters beyond permits before 429
	CacheCapacity  int           `mapstructure:"cache_capacity"`  // response cache entries
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	FallbackModels []string      `mapstructure:"fallback_models"` // tried in order on retryable failures
}

// UpstreamConfig configures the Anthropic backend.
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"` // per-attempt deadline
}

// ModelsConfig names the model used for each internal call site, plus the
// alias table clients may use.
type ModelsConfig struct {
	Chat      string            `mapstructure:"chat"`
	Decompose string            `mapstructure:"decompose"`
	Worker    string            `mapstructure:"worker"`
	Aggregate string            `mapstructure:"aggregate"`
	Simple    string            `mapstructure:"simple"`
	Aliases   map[string]string `mapstructure:"aliases"`
}

// SwarmConfig bounds parallel task execution.
type SwarmConfig struct {
	MaxWorkers    int           `mapstructure:"max_workers"`    // decomposition ceiling
	Concurrency   int           `mapstructure:"concurrency"`    // parallel API workers
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"` // per-attempt wall clock
	Retries       int           `mapstructure:"retries"`        // extra attempts after the first
	MaxTokens     int           `mapstructure:"max_tokens"`
}

// RemoteWorkersConfig configures the coordinator WebSocket endpoint.
type RemoteWorkersConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Secret            string        `mapstructure:"secret"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

// RelayConfig points at a peer gateway's HTTP task API.
type RelayConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// PricingConfig locates the hot-reloadable pricing file.
type PricingConfig struct {
	File string `mapstructure:"file"`
}

// UsageConfig configures usage persistence.
type UsageConfig struct {
	FilePath string `mapstructure:"file_path"`
}

// DatabaseConfig selects the run history store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration in layers, lowest priority first: defaults,
// global ~/.aries/config.yaml, project-local config, then ARIES_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config ~/.aries/config.yaml (API keys, relay peers)
	globalDir := filepath.Join(os.Getenv("HOME"), ".aries")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: project-local config overlays the global one.
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// Layer 3: environment, e.g. ARIES_GATEWAY_TOKEN, ARIES_UPSTREAM_API_KEY.
	v.SetEnvPrefix("ARIES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 9600)
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.max_concurrent", 4)
	v.SetDefault("gateway.queue_cap", 32)
	v.SetDefault("gateway.cache_capacity", 256)
	v.SetDefault("gateway.cache_ttl", "5m")
	v.SetDefault("gateway.fallback_models", []string{})

	v.SetDefault("upstream.base_url", "https://api.anthropic.com")
	v.SetDefault("upstream.timeout", "120s")

	v.SetDefault("models.chat", "sonnet")
	v.SetDefault("models.decompose", "haiku")
	v.SetDefault("models.worker", "sonnet")
	v.SetDefault("models.aggregate", "sonnet")
	v.SetDefault("models.simple", "haiku")
	v.SetDefault("models.aliases", map[string]string{
		"opus":   "anthropic/claude-opus-4-20250514",
		"sonnet": "anthropic/claude-sonnet-4-20250514",
		"haiku":  "anthropic/claude-3-5-haiku-20241022",
	})

	v.SetDefault("swarm.max_workers", 10)
	v.SetDefault("swarm.concurrency", 3)
	v.SetDefault("swarm.worker_timeout", "90s")
	v.SetDefault("swarm.retries", 2)
	v.SetDefault("swarm.max_tokens", 8192)

	v.SetDefault("remote_workers.enabled", true)
	v.SetDefault("remote_workers.host", "0.0.0.0")
	v.SetDefault("remote_workers.port", 9700)
	v.SetDefault("remote_workers.secret", "")
	v.SetDefault("remote_workers.heartbeat_interval", "10s")
	v.SetDefault("remote_workers.heartbeat_timeout", "30s")

	v.SetDefault("pricing.file", "")
	v.SetDefault("usage.file_path", "aries-usage.json")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "aries.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
