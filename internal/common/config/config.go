// Package config provides configuration management for browserpilot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/browserpilot/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Session  SessionConfig  `mapstructure:"session"`
	Engine   EngineConfig   `mapstructure:"engine"`
	LLM      LLMConfig      `mapstructure:"llm"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig selects the Redis pub/sub event bus when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig is the logger configuration.
type LoggingConfig = logger.LoggingConfig

// SessionConfig controls the session runner and registry.
type SessionConfig struct {
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	PauseInterval     time.Duration `mapstructure:"pauseInterval"`
	MaxSteps          int           `mapstructure:"maxSteps"`
	StopGracePeriod   time.Duration `mapstructure:"stopGracePeriod"`
	CancelGracePeriod time.Duration `mapstructure:"cancelGracePeriod"`
	CleanupTimeout    time.Duration `mapstructure:"cleanupTimeout"`
	MaxConcurrent     int           `mapstructure:"maxConcurrent"`
	SweepSchedule     string        `mapstructure:"sweepSchedule"`
	// InstanceID is stamped on tasks this process runs. The sweeper only
	// fails tasks owned by this instance, so it must be unique per process
	// sharing a database and stable across restarts.
	InstanceID string `mapstructure:"instanceId"`
}

// EngineConfig selects and configures the automation engine.
type EngineConfig struct {
	Type         string   `mapstructure:"type"` // bridge or scripted
	Command      string   `mapstructure:"command"`
	Args         []string `mapstructure:"args"`
	WorkDir      string   `mapstructure:"workDir"`
	ScenarioPath string   `mapstructure:"scenarioPath"`
	Headless     bool     `mapstructure:"headless"`
	BrowserType  string   `mapstructure:"browserType"`
}

// LLMConfig describes the model handed to the engine.
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"apiKey"`
	AnthropicAPIKey string        `mapstructure:"anthropicApiKey"`
	BaseURL         string        `mapstructure:"baseUrl"`
	Temperature     float64       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./browserpilot.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "browserpilot")
	v.SetDefault("database.dbName", "browserpilot")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL/addr means the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "browserpilot")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("session.pollInterval", time.Second)
	v.SetDefault("session.pauseInterval", 500*time.Millisecond)
	v.SetDefault("session.maxSteps", 50)
	v.SetDefault("session.stopGracePeriod", 10*time.Second)
	v.SetDefault("session.cancelGracePeriod", 5*time.Second)
	v.SetDefault("session.cleanupTimeout", 10*time.Second)
	v.SetDefault("session.maxConcurrent", 5)
	v.SetDefault("session.sweepSchedule", "@every 1m")
	v.SetDefault("session.instanceId", defaultInstanceID())

	v.SetDefault("engine.type", "bridge")
	v.SetDefault("engine.command", "python3")
	v.SetDefault("engine.args", []string{"-m", "browserpilot_runner"})
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.browserType", "chromium")

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout", 60*time.Second)
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "browserpilot"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BROWSERPILOT_ with dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROWSERPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider keys are commonly exported under their vendor names.
	_ = v.BindEnv("llm.apiKey", "BROWSERPILOT_LLM_APIKEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.anthropicApiKey", "BROWSERPILOT_LLM_ANTHROPICAPIKEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("session.maxConcurrent", "BROWSERPILOT_SESSION_MAXCONCURRENT", "MAX_CONCURRENT_TASKS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/browserpilot/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	s := cfg.Session
	if s.PollInterval <= 0 || s.PauseInterval <= 0 {
		errs = append(errs, "session.pollInterval and session.pauseInterval must be positive")
	}
	if s.MaxSteps <= 0 {
		errs = append(errs, "session.maxSteps must be positive")
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, "session.maxConcurrent must be positive")
	}
	if s.StopGracePeriod <= 0 {
		errs = append(errs, "session.stopGracePeriod must be positive")
	}
	if s.InstanceID == "" {
		errs = append(errs, "session.instanceId is required")
	}

	switch cfg.Engine.Type {
	case "bridge":
		if cfg.Engine.Command == "" {
			errs = append(errs, "engine.command is required for the bridge engine")
		}
	case "scripted":
		if cfg.Engine.ScenarioPath == "" {
			errs = append(errs, "engine.scenarioPath is required for the scripted engine")
		}
	default:
		errs = append(errs, "engine.type must be one of: bridge, scripted")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
