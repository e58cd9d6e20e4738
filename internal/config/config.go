// Package config provides configuration management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"portfolio-orchestrator/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Quotes      QuotesConfig      `mapstructure:"quotes"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Store       StoreConfig       `mapstructure:"store"`
	Paper       PaperConfig       `mapstructure:"paper"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds HTTP/websocket server configuration.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EngineConfig holds orchestration engine configuration.
type EngineConfig struct {
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	PriceHistory       int           `mapstructure:"price_history"`
	QuoteFailureLimit  int           `mapstructure:"quote_failure_limit"`
}

// PerformanceConfig holds return series configuration.
type PerformanceConfig struct {
	SharpeLookback    int     `mapstructure:"sharpe_lookback"`
	AnnualizationRate float64 `mapstructure:"annualization_factor"`
	MaxSamples        int     `mapstructure:"max_samples"`
}

// QuotesConfig holds quote provider protection configuration.
type QuotesConfig struct {
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// StreamConfig holds event hub configuration.
type StreamConfig struct {
	BufferSize           int `mapstructure:"buffer_size"`
	SubscriberBufferSize int `mapstructure:"subscriber_buffer_size"`
	ReplayCapacity       int `mapstructure:"replay_capacity"`
}

// StoreConfig holds journal store configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PaperConfig holds paper broker configuration.
type PaperConfig struct {
	InitialCash float64       `mapstructure:"initial_cash"`
	Owner       string        `mapstructure:"owner"`
	FillLatency time.Duration `mapstructure:"fill_latency"`
	Volatility  float64       `mapstructure:"volatility"`
	Seed        int64         `mapstructure:"seed"`
	Symbols     []string      `mapstructure:"symbols"`
}

// NotifyConfig holds outbound event notification configuration.
type NotifyConfig struct {
	Level   string        `mapstructure:"level"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/portfolio-orchestrator"
	}
	return filepath.Join(home, ".config", "portfolio-orchestrator")
}

// Default returns the configuration used when no file overrides a key.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	// Defaults are all well-typed so decoding cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("engine.evaluation_interval", "5s")
	v.SetDefault("engine.lock_wait", "2s")
	v.SetDefault("engine.price_history", 250)
	v.SetDefault("engine.quote_failure_limit", 3)

	v.SetDefault("performance.sharpe_lookback", 30)
	v.SetDefault("performance.annualization_factor", 1.0)
	v.SetDefault("performance.max_samples", 10000)

	v.SetDefault("quotes.rate_per_second", 20.0)
	v.SetDefault("quotes.burst", 40)
	v.SetDefault("quotes.timeout", "3s")
	v.SetDefault("quotes.failure_threshold", 5)
	v.SetDefault("quotes.open_timeout", "30s")

	v.SetDefault("stream.buffer_size", 1000)
	v.SetDefault("stream.subscriber_buffer_size", 100)
	v.SetDefault("stream.replay_capacity", 5000)

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", filepath.Join(configDir, "orchestrator.db"))

	v.SetDefault("paper.initial_cash", 10000.0)
	v.SetDefault("paper.owner", "default")
	v.SetDefault("paper.fill_latency", "250ms")
	v.SetDefault("paper.volatility", 0.01)
	v.SetDefault("paper.seed", 42)
	v.SetDefault("paper.symbols", []string{"AAPL", "MSFT", "GOOGL", "AMZN", "TSLA"})

	v.SetDefault("notify.level", "errors_only")
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.path", filepath.Join(configDir, "logs", "orchestrator.log"))
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// A commented template is written when config.toml does not exist yet.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional; a missing file is not an error.
	_ = godotenv.Load(filepath.Join(configDir, ".env"), ".env")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := writeTemplate(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ORCH_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ORCH_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ORCH_INITIAL_CASH"); v != "" {
		if cash, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Paper.InitialCash = cash
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.EvaluationInterval <= 0 {
		return fmt.Errorf("engine.evaluation_interval must be positive")
	}
	if c.Engine.LockWait <= 0 {
		return fmt.Errorf("engine.lock_wait must be positive")
	}
	if c.Engine.PriceHistory < 2 {
		return fmt.Errorf("engine.price_history must be at least 2")
	}
	if c.Performance.SharpeLookback < 2 {
		return fmt.Errorf("performance.sharpe_lookback must be at least 2")
	}
	if c.Performance.AnnualizationRate <= 0 {
		return fmt.Errorf("performance.annualization_factor must be positive")
	}
	if c.Quotes.RatePerSecond <= 0 || c.Quotes.Burst <= 0 {
		return fmt.Errorf("quotes.rate_per_second and quotes.burst must be positive")
	}
	if c.Stream.ReplayCapacity <= 0 {
		return fmt.Errorf("stream.replay_capacity must be positive")
	}
	if c.Paper.InitialCash < 0 {
		return fmt.Errorf("paper.initial_cash must be non-negative")
	}
	if c.Paper.Volatility < 0 || c.Paper.Volatility > 0.5 {
		return fmt.Errorf("paper.volatility must be between 0 and 0.5")
	}
	switch c.Notify.Level {
	case "", "all", "trades_only", "errors_only":
	default:
		return fmt.Errorf("notify.level must be all, trades_only or errors_only")
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url is required when the webhook is enabled")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when the store is enabled")
	}
	return nil
}

// Logging converts the log section to the logger's configuration.
func (c *Config) Logging() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Log.Level,
		Console:    c.Log.Console,
		File:       c.Log.File,
		FilePath:   c.Log.Path,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
	}
}
