// Package config loads the service configuration from YAML with
// environment expansion, defaulting, and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parleybot/parley/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Model      ModelSection      `yaml:"model"`
	Completion CompletionSection `yaml:"completion"`
	History    HistorySection    `yaml:"history"`
	Memory     MemorySection     `yaml:"memory"`
	Tools      ToolsSection      `yaml:"tools"`
	Logging    LoggingSection    `yaml:"logging"`
	Metrics    MetricsSection    `yaml:"metrics"`
	Tracing    TracingSection    `yaml:"tracing"`
}

// ModelSection selects the chat model and generation knobs.
type ModelSection struct {
	Name             string  `yaml:"name"`
	Temperature      float64 `yaml:"temperature"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	MaxTokens        int     `yaml:"max_tokens"`
	Stream           *bool   `yaml:"stream"`
	SystemPrompt     string  `yaml:"system_prompt"`
}

// CompletionSection selects and authenticates the upstream backend.
type CompletionSection struct {
	Backend string `yaml:"backend"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMax      time.Duration `yaml:"retry_max"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// HistorySection selects the history store substrate.
type HistorySection struct {
	// Driver is "postgres", "sqlite", or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// MemorySection tunes the prompt window.
type MemorySection struct {
	ReplyReservation int `yaml:"reply_reservation"`
}

// ToolsSection enables the built-in tools.
type ToolsSection struct {
	Enabled     bool          `yaml:"enabled"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// LoggingSection configures structured logging.
type LoggingSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingSection configures OTLP export.
type TracingSection struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML with environment expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Model.Name == "" {
		cfg.Model.Name = "gpt-3.5-turbo-0613"
	}
	if cfg.Model.Temperature == 0 {
		cfg.Model.Temperature = 1.0
	}
	if cfg.Completion.Backend == "" {
		cfg.Completion.Backend = "openai"
	}
	if cfg.Completion.RetryInitial == 0 {
		cfg.Completion.RetryInitial = time.Second
	}
	if cfg.Completion.RetryMax == 0 {
		cfg.Completion.RetryMax = time.Minute
	}
	if cfg.Completion.RetryAttempts == 0 {
		cfg.Completion.RetryAttempts = 6
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = "memory"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "parley.db"
	}
	if cfg.Memory.ReplyReservation == 0 {
		cfg.Memory.ReplyReservation = 500
	}
	if cfg.Tools.HTTPTimeout == 0 {
		cfg.Tools.HTTPTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects unknown models, backends, and drivers before any
// network or storage work happens.
func (c *Config) Validate() error {
	if _, ok := models.ChatModelByName(c.Model.Name); !ok {
		return &models.ValidationError{Field: "model.name", Message: fmt.Sprintf("unsupported model %q", c.Model.Name)}
	}
	switch c.Completion.Backend {
	case "openai", "anthropic":
	default:
		return &models.ValidationError{Field: "completion.backend", Message: fmt.Sprintf("unsupported backend %q", c.Completion.Backend)}
	}
	switch c.History.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return &models.ValidationError{Field: "history.driver", Message: fmt.Sprintf("unsupported driver %q", c.History.Driver)}
	}
	if c.History.Driver == "postgres" && c.History.DSN == "" {
		return &models.ValidationError{Field: "history.dsn", Message: "required for the postgres driver"}
	}
	if c.Memory.ReplyReservation < 0 {
		return &models.ValidationError{Field: "memory.reply_reservation", Message: "must not be negative"}
	}
	return nil
}

// ModelConfig builds the generation config from the model section.
func (c *Config) ModelConfig() (*models.ModelConfig, error) {
	model, ok := models.ChatModelByName(c.Model.Name)
	if !ok {
		return nil, &models.ValidationError{Field: "model.name", Message: fmt.Sprintf("unsupported model %q", c.Model.Name)}
	}

	opts := []models.ModelOption{
		models.WithTemperature(c.Model.Temperature),
		models.WithPresencePenalty(c.Model.PresencePenalty),
		models.WithFrequencyPenalty(c.Model.FrequencyPenalty),
	}
	if c.Model.MaxTokens > 0 {
		opts = append(opts, models.WithMaxTokens(c.Model.MaxTokens))
	}
	if c.Model.Stream != nil {
		opts = append(opts, models.WithStream(*c.Model.Stream))
	}
	if c.Model.SystemPrompt != "" {
		opts = append(opts, models.WithPrompt(models.NewSystemMessage(c.Model.SystemPrompt)))
	}
	return models.NewModelConfig(model, opts...)
}
