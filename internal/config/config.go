package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LLMConfig holds the gateway-wide LLM settings and the per-provider table.
type LLMConfig struct {
	// DefaultProvider is used when a request names neither a provider nor a
	// model with a known prefix.
	DefaultProvider string `mapstructure:"default_provider"`

	// ModelPrefixes maps a model-name prefix (e.g. "gpt-") to a provider id.
	ModelPrefixes map[string]string `mapstructure:"model_prefixes"`

	// ContextWindow is the number of most-recent messages supplied as context.
	ContextWindow int `mapstructure:"context_window"`

	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig holds one backend's credentials and capabilities.
type ProviderConfig struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	Model             string `mapstructure:"model"`
	SupportsStreaming bool   `mapstructure:"supports_streaming"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// HistoryConfig holds the persistence configuration
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("llm.context_window", 10)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("history.db_path", "history.db")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects configurations the registry could not be built from:
// a default provider or a model prefix pointing at an unconfigured backend.
func (c *Config) validate() error {
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("config: default_provider is required")
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("config: default_provider %q is not a configured provider", c.LLM.DefaultProvider)
	}
	for prefix, id := range c.LLM.ModelPrefixes {
		if _, ok := c.LLM.Providers[id]; !ok {
			return fmt.Errorf("config: model prefix %q maps to unconfigured provider %q", prefix, id)
		}
	}
	if c.LLM.ContextWindow <= 0 {
		return fmt.Errorf("config: context_window must be positive")
	}
	return nil
}
