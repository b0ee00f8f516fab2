// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Server() ServerConfig
	Scan() ScanConfig
	Units() UnitsConfig
	Usage() UsageConfig
	Classifier() ClassifierConfig
	LLM() LLMRouterConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	ServerCfg     ServerConfig     `mapstructure:"server" yaml:"server"`
	ScanCfg       ScanConfig       `mapstructure:"scan" yaml:"scan"`
	UnitsCfg      UnitsConfig      `mapstructure:"units" yaml:"units"`
	UsageCfg      UsageConfig      `mapstructure:"usage" yaml:"usage"`
	ClassifierCfg ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	LLMCfg        LLMRouterConfig  `mapstructure:"llm" yaml:"llm"`
}

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Server() ServerConfig         { return c.ServerCfg }
func (c *Config) Scan() ScanConfig             { return c.ScanCfg }
func (c *Config) Units() UnitsConfig           { return c.UnitsCfg }
func (c *Config) Usage() UsageConfig           { return c.UsageCfg }
func (c *Config) Classifier() ClassifierConfig { return c.ClassifierCfg }
func (c *Config) LLM() LLMRouterConfig         { return c.LLMCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// PersistTimeout bounds the completion transaction, which runs detached
	// from the request's cancellation.
	PersistTimeout time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ScanConfig controls the coordinator.
type ScanConfig struct {
	OverallTimeout time.Duration `mapstructure:"overall_timeout" yaml:"overall_timeout"`
	UnitTimeout    time.Duration `mapstructure:"unit_timeout" yaml:"unit_timeout"`
	MaxParallel    int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	Units          []string      `mapstructure:"units" yaml:"units"`
}

// UnitsConfig holds per-unit knobs for the built-in scanner units.
type UnitsConfig struct {
	Headers HeadersUnitConfig `mapstructure:"headers" yaml:"headers"`
	TLS     TLSUnitConfig     `mapstructure:"tls" yaml:"tls"`
	Ports   PortsUnitConfig   `mapstructure:"ports" yaml:"ports"`
	Paths   PathsUnitConfig   `mapstructure:"paths" yaml:"paths"`
}

type HeadersUnitConfig struct {
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

type TLSUnitConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type PortsUnitConfig struct {
	Ports       []int `mapstructure:"ports" yaml:"ports"`
	Concurrency int   `mapstructure:"concurrency" yaml:"concurrency"`
}

type PathsUnitConfig struct {
	Paths         []string `mapstructure:"paths" yaml:"paths"`
	RatePerSecond float64  `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int      `mapstructure:"burst" yaml:"burst"`
	UserAgent     string   `mapstructure:"user_agent" yaml:"user_agent"`
}

// UsageConfig configures the daily quota.
type UsageConfig struct {
	// DailyLimit <= 0 disables the cap; requests are still counted.
	DailyLimit int    `mapstructure:"daily_limit" yaml:"daily_limit"`
	Timezone   string `mapstructure:"timezone" yaml:"timezone"`
}

// Location resolves the configured timezone, falling back to UTC.
func (u UsageConfig) Location() (*time.Location, error) {
	if u.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(u.Timezone)
}

// ClassifierConfig configures the AI risk classifier.
type ClassifierConfig struct {
	Tier            string        `mapstructure:"tier" yaml:"tier"`
	Temperature     float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	// ProviderGemini talks to the Gemini REST endpoint directly.
	ProviderGemini LLMProvider = "gemini"
	// ProviderGoogle uses the Google GenAI SDK.
	ProviderGoogle LLMProvider = "google"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
	// APIKey is shared by every model that does not set its own.
	APIKey string `mapstructure:"api_key" yaml:"-"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"-"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "hostaudit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.persist_timeout", "30s")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")

	// -- Scan --
	v.SetDefault("scan.overall_timeout", "2m")
	v.SetDefault("scan.unit_timeout", "45s")
	v.SetDefault("scan.max_parallel", 0)
	v.SetDefault("scan.units", []string{"headers", "tls", "ports", "paths"})

	// -- Units --
	v.SetDefault("units.headers.user_agent", "hostaudit/1.0")
	v.SetDefault("units.tls.port", 443)
	v.SetDefault("units.ports.ports", []int{21, 22, 23, 25, 53, 80, 110, 143, 443, 445, 3306, 3389, 5432, 6379, 8080, 8443, 9200, 27017})
	v.SetDefault("units.ports.concurrency", 16)
	v.SetDefault("units.paths.paths", []string{
		"/.git/HEAD", "/.env", "/server-status", "/.DS_Store", "/phpinfo.php",
		"/config.json", "/backup.zip", "/.svn/entries", "/wp-config.php.bak", "/admin/",
	})
	v.SetDefault("units.paths.rate_per_second", 5.0)
	v.SetDefault("units.paths.burst", 2)
	v.SetDefault("units.paths.user_agent", "hostaudit/1.0")

	// -- Usage --
	v.SetDefault("usage.daily_limit", 10)
	v.SetDefault("usage.timezone", "UTC")

	// -- Classifier --
	v.SetDefault("classifier.tier", "powerful")
	v.SetDefault("classifier.temperature", 0.2)
	v.SetDefault("classifier.max_output_tokens", 8192)
	v.SetDefault("classifier.timeout", "90s")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.models", map[string]any{
		"gemini-2.5-flash": map[string]any{
			"provider":    string(ProviderGemini),
			"model":       "gemini-2.5-flash",
			"api_timeout": "60s",
			"temperature": 0.2,
		},
		"gemini-2.5-pro": map[string]any{
			"provider":    string(ProviderGemini),
			"model":       "gemini-2.5-pro",
			"api_timeout": "120s",
			"temperature": 0.2,
		},
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "HOSTAUDIT_LLM_API_KEY")
	_ = v.BindEnv("database.url", "HOSTAUDIT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("HOSTAUDIT_LLM_API_KEY")
	}
	cfg.LLMCfg.applySharedKey()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (l *LLMRouterConfig) applySharedKey() {
	if l.APIKey == "" {
		return
	}
	for name, m := range l.Models {
		if m.APIKey == "" {
			m.APIKey = l.APIKey
			l.Models[name] = m
		}
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ScanCfg.Validate(); err != nil {
		return fmt.Errorf("scan configuration invalid: %w", err)
	}
	if c.DatabaseCfg.PersistTimeout <= 0 {
		return fmt.Errorf("database.persist_timeout must be a positive duration")
	}
	if _, err := c.UsageCfg.Location(); err != nil {
		return fmt.Errorf("usage.timezone is not a valid IANA zone: %w", err)
	}
	switch c.ClassifierCfg.Tier {
	case "fast", "powerful":
	default:
		return fmt.Errorf("classifier.tier must be 'fast' or 'powerful', got '%s'", c.ClassifierCfg.Tier)
	}
	if c.UnitsCfg.Paths.RatePerSecond <= 0 {
		return fmt.Errorf("units.paths.rate_per_second must be positive")
	}
	return nil
}

// Validate checks the ScanConfig settings.
func (s *ScanConfig) Validate() error {
	if s.OverallTimeout <= 0 {
		return fmt.Errorf("scan.overall_timeout must be a positive duration")
	}
	if s.UnitTimeout <= 0 {
		return fmt.Errorf("scan.unit_timeout must be a positive duration")
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("scan.max_parallel must not be negative")
	}
	if len(s.Units) == 0 {
		return fmt.Errorf("scan.units must list at least one scanner unit")
	}
	return nil
}
