package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file loaded by Load.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Storage   StorageConfig   `koanf:"storage"`
	Handler   HandlerConfig   `koanf:"handler"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
}

// ServerConfig configures the optional HTTP front for the runtime.
type ServerConfig struct {
	Addr           string `koanf:"addr"`
	RequestTimeout string `koanf:"request_timeout"` // Duration string like "30s"
}

type LoggingConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// HandlerConfig selects the terminal handler the pipeline wraps.
type HandlerConfig struct {
	Type      string `koanf:"type"` // static, openai
	Model     string `koanf:"model"`
	APIKey    string `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"`
	Content   string `koanf:"content"`    // static handler reply
	Retries   int    `koanf:"retries"`    // retry attempts for transient failures
	CacheSize int    `koanf:"cache_size"` // 0 disables the response cache
}

// PipelineConfig lists the stages in execution order. The order given here
// is authoritative.
type PipelineConfig struct {
	Stages []PipelineStageConfig `koanf:"stages"`
}

// PipelineStageConfig configures one stage. Only the fields relevant to Type
// are read.
type PipelineStageConfig struct {
	Name string `koanf:"name"`
	Type string `koanf:"type"` // logging, budget, summarize, pii, personalize, tool_access, rate_limit, metrics, webhook

	// logging
	PreviewChars int `koanf:"preview_chars"`

	// budget
	MaxTokens       int  `koanf:"max_tokens"`
	MaxRequests     int  `koanf:"max_requests"`
	PerUser         bool `koanf:"per_user"`
	CountCompletion bool `koanf:"count_completion"`

	// summarize
	MaxMessages int `koanf:"max_messages"`

	// pii
	Mode            string `koanf:"mode"` // redact, block
	RedactResponses bool   `koanf:"redact_responses"`

	// personalize
	Expertise string `koanf:"expertise"`

	// tool_access
	AllowedTools []string `koanf:"allowed_tools"`

	// rate_limit
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	MaxUsers          int     `koanf:"max_users"`

	// webhook
	URL          string            `koanf:"url"`
	Timeout      string            `koanf:"timeout"`  // Duration string like "5s"
	OnError      string            `koanf:"on_error"` // allow, deny
	Retries      int               `koanf:"retries"`
	Squelch      bool              `koanf:"squelch"`
	Headers      map[string]string `koanf:"headers"`
	BlockPrivate bool              `koanf:"block_private"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath (if present) and POLY_ environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the YAML file at path, then applies POLY_ environment
// variables on top. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	defaults := map[string]any{
		"server.addr":            ":8080",
		"server.request_timeout": "30s",
		"logging.level":          "info",
		"telemetry.service_name": "polyglot-llm-middleware",
		"storage.type":           "memory",
		"storage.sqlite.path":    "./data/ledger.db",
		"handler.type":           "static",
		"handler.model":          "gpt-4o-mini",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Handler.APIKey = substituteEnvVars(cfg.Handler.APIKey)
	for i := range cfg.Pipeline.Stages {
		for h, v := range cfg.Pipeline.Stages[i].Headers {
			cfg.Pipeline.Stages[i].Headers[h] = substituteEnvVars(v)
		}
		cfg.Pipeline.Stages[i].URL = substituteEnvVars(cfg.Pipeline.Stages[i].URL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the structural constraints that do not depend on stage
// construction.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("storage: unsupported type %q (must be 'memory' or 'sqlite')", c.Storage.Type)
	}
	switch c.Handler.Type {
	case "", "static", "openai":
	default:
		return fmt.Errorf("handler: unsupported type %q (must be 'static' or 'openai')", c.Handler.Type)
	}
	for i, s := range c.Pipeline.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("pipeline stage %d: name is required", i)
		}
		if strings.TrimSpace(s.Type) == "" {
			return fmt.Errorf("pipeline stage %s: type is required", s.Name)
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
