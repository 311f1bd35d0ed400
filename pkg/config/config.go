package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	ProjectID string        `mapstructure:"project_id"`
	API       APIConfig     `mapstructure:"api"`
	Auth      AuthConfig    `mapstructure:"auth"`
	Stream    StreamConfig  `mapstructure:"stream"`
	History   HistoryConfig `mapstructure:"history"`
	Agent     AgentConfig   `mapstructure:"agent"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
}

// APIConfig holds backend connection settings
type APIConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second, 0 disables throttling
	Burst     int           `mapstructure:"burst"`
}

// AuthConfig describes where the session access token comes from.
// The first non-empty source wins: Token, TokenFile, TokenEnv.
type AuthConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
	TokenEnv  string `mapstructure:"token_env"`
}

// StreamConfig holds agent-run streaming settings
type StreamConfig struct {
	ClearDelay      time.Duration `mapstructure:"clear_delay"`
	InvalidateDelay time.Duration `mapstructure:"invalidate_delay"`
}

// HistoryConfig holds message-history cache settings
type HistoryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// AgentConfig holds the options sent when starting an agent run
type AgentConfig struct {
	ModelName       string `mapstructure:"model_name"`
	EnableThinking  bool   `mapstructure:"enable_thinking"`
	ReasoningEffort string `mapstructure:"reasoning_effort"`
	AgentID         string `mapstructure:"agent_id"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	defaultAPITimeout      = 30 * time.Second
	defaultClearDelay      = time.Second
	defaultInvalidateDelay = time.Second
	defaultPollInterval    = 10 * time.Second
)

// Global config instance
var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Set replaces the global config instance. Used by tests and embedders that
// build a Config without reading settings from disk.
func Set(c *Config) {
	cfg = c
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.kortix")                            // project directory first
		viper.AddConfigPath(filepath.Join(xdgConfigHome, "kortix")) // then XDG config location
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.SetEnvPrefix("KORTIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvironmentVariables()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(loaded); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}
	if err := Validate(loaded); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("project_id", "")

	viper.SetDefault("api.url", "http://localhost:8000/api")
	viper.SetDefault("api.timeout", "30s")
	viper.SetDefault("api.rate_limit", 10.0)
	viper.SetDefault("api.burst", 20)

	viper.SetDefault("auth.token", "")
	viper.SetDefault("auth.token_file", "")
	viper.SetDefault("auth.token_env", "KORTIX_ACCESS_TOKEN")

	viper.SetDefault("stream.clear_delay", "1s")
	viper.SetDefault("stream.invalidate_delay", "1s")
	viper.SetDefault("history.poll_interval", "10s")

	viper.SetDefault("agent.model_name", "")
	viper.SetDefault("agent.enable_thinking", false)
	viper.SetDefault("agent.reasoning_effort", "low")
	viper.SetDefault("agent.agent_id", "")

	viper.SetDefault("logging.log_file", "")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("metrics.addr", "")
}

// bindEnvironmentVariables binds the environment variables whose names do not
// follow the KORTIX_<SECTION>_<KEY> convention.
func bindEnvironmentVariables() {
	viper.BindEnv("api.url", "KORTIX_API_URL", "BACKEND_URL")
	viper.BindEnv("auth.token", "KORTIX_TOKEN")
	viper.BindEnv("project_id", "KORTIX_PROJECT_ID")
	viper.BindEnv("logging.level", "KORTIX_LOG_LEVEL")
}

// processDurations fills in defaults for unset durations and rejects negative ones
func processDurations(c *Config) error {
	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"api.timeout", &c.API.Timeout, defaultAPITimeout},
		{"stream.clear_delay", &c.Stream.ClearDelay, defaultClearDelay},
		{"stream.invalidate_delay", &c.Stream.InvalidateDelay, defaultInvalidateDelay},
		{"history.poll_interval", &c.History.PollInterval, defaultPollInterval},
	}

	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("invalid %s: must not be negative", d.name)
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}
	return nil
}

// Validate checks the settings that cannot be defaulted
func Validate(c *Config) error {
	if strings.TrimSpace(c.API.URL) == "" {
		return errors.New("api.url must be set")
	}
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported logging.format %q", c.Logging.Format)
	}
	return nil
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
