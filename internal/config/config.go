// Package config loads the gateway configuration file and resolves
// per-provider credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Run        RunConfig                 `yaml:"run"`
	Compaction CompactionConfig          `yaml:"compaction"`
	Sessions   SessionsConfig            `yaml:"sessions"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Logging    LoggingConfig             `yaml:"logging"`
	Metrics    MetricsConfig             `yaml:"metrics"`
}

// RunConfig tunes the run controller.
type RunConfig struct {
	Provider string `yaml:"provider"`
	ModelAPI string `yaml:"model_api"`
	Model    string `yaml:"model"`
	System   string `yaml:"system"`

	MaxTokens int    `yaml:"max_tokens"`
	Thinking  string `yaml:"thinking"`

	// MaxIterations is the tool-loop ceiling. Required: there is no safe
	// implicit default, so validation rejects a missing value.
	MaxIterations int `yaml:"max_iterations"`

	MaxWallTime         time.Duration `yaml:"max_wall_time"`
	MaxHistoryMessages  int           `yaml:"max_history_messages"`
	ContextWindowTokens int           `yaml:"context_window_tokens"`
}

// CompactionConfig tunes the compaction engine.
type CompactionConfig struct {
	Model            string  `yaml:"model"`
	KeepShare        float64 `yaml:"keep_share"`
	MaxSummaryTokens int     `yaml:"max_summary_tokens"`
	Prompt           string  `yaml:"prompt"`
}

// SessionsConfig selects the persistence backend.
type SessionsConfig struct {
	// Backend is one of memory, file, sqlite.
	Backend string `yaml:"backend"`

	// Path is the data directory (file backend) or database file (sqlite).
	Path string `yaml:"path"`

	// LockTTL bounds how long a writer may wait for the session lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// ProviderConfig carries per-provider endpoint settings. APIKey supports
// ${ENV_VAR} expansion at load time.
type ProviderConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	Headers      map[string]string `yaml:"headers"`
	DefaultModel string            `yaml:"default_model"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Run.Provider == "" {
		cfg.Run.Provider = "anthropic"
	}
	if cfg.Run.ModelAPI == "" {
		cfg.Run.ModelAPI = "anthropic-messages"
	}
	if cfg.Run.Thinking == "" {
		cfg.Run.Thinking = "off"
	}
	if cfg.Run.MaxIterations == 0 {
		cfg.Run.MaxIterations = 40
	}
	if cfg.Compaction.KeepShare == 0 {
		cfg.Compaction.KeepShare = 0.25
	}
	if cfg.Compaction.Model == "" {
		cfg.Compaction.Model = cfg.Run.Model
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "file"
	}
	if cfg.Sessions.Path == "" {
		cfg.Sessions.Path = defaultSessionsPath(cfg.Sessions.Backend)
	}
	if cfg.Sessions.LockTTL == 0 {
		cfg.Sessions.LockTTL = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

func defaultSessionsPath(backend string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := home + "/.mastraclaw"
	if backend == "sqlite" {
		return base + "/sessions.db"
	}
	return base + "/sessions"
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("config: run.max_iterations must be positive (the tool-loop ceiling is a required knob)")
	}
	if c.Compaction.KeepShare < 0 || c.Compaction.KeepShare > 1 {
		return fmt.Errorf("config: compaction.keep_share must be in (0, 1], got %v", c.Compaction.KeepShare)
	}
	switch c.Sessions.Backend {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown sessions.backend %q", c.Sessions.Backend)
	}
	switch c.Run.Thinking {
	case "off", "low", "medium", "high":
	default:
		return fmt.Errorf("config: unknown run.thinking level %q", c.Run.Thinking)
	}
	return nil
}

// Credentials is what the credential collaborator hands the transports.
type Credentials struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// envKeyNames maps provider families to their conventional environment
// variables, tried in order.
var envKeyNames = map[string][]string{
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"mistral":    {"MISTRAL_API_KEY"},
	"groq":       {"GROQ_API_KEY"},
}

// ResolveCredentials returns the key, base URL, and extra headers for a
// provider. The config file wins; the environment is the fallback. A
// provider with no key anywhere returns empty credentials rather than an
// error: key validation happens at call time, where the transport can say
// which field is missing.
func (c *Config) ResolveCredentials(provider string) Credentials {
	creds := Credentials{}
	if pc, ok := c.Providers[provider]; ok {
		creds.APIKey = pc.APIKey
		creds.BaseURL = pc.BaseURL
		if len(pc.Headers) > 0 {
			creds.Headers = make(map[string]string, len(pc.Headers))
			for k, v := range pc.Headers {
				creds.Headers[k] = v
			}
		}
	}
	if creds.APIKey == "" {
		names := envKeyNames[provider]
		if len(names) == 0 {
			names = []string{strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"}
		}
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				creds.APIKey = v
				break
			}
		}
	}
	return creds
}
