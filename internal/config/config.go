package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; a double underscore
// separates nesting levels, so MEDITALK_LLM__API_KEY sets llm.api_key.
const EnvPrefix = "MEDITALK_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Database   DatabaseConfig   `koanf:"database"`
	LLM        LLMConfig        `koanf:"llm"`
	Voice      VoiceConfig      `koanf:"voice"`
	Session    SessionConfig    `koanf:"session"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type EncryptionConfig struct {
	Key string `koanf:"key"`
}

type DatabaseConfig struct {
	Driver        string `koanf:"driver"`
	DSN           string `koanf:"dsn"`
	NotifyChannel string `koanf:"notify_channel"`
}

type LLMConfig struct {
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float32 `koanf:"temperature"`
}

type VoiceConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

type SessionConfig struct {
	PermissionTimeout time.Duration `koanf:"permission_timeout"`
	AgentTimeout      time.Duration `koanf:"agent_timeout"`
	ConnectTimeout    time.Duration `koanf:"connect_timeout"`
	CompletionTimeout time.Duration `koanf:"completion_timeout"`
	PersistTimeout    time.Duration `koanf:"persist_timeout"`
	FinishedRetention time.Duration `koanf:"finished_retention"`
}

var defaults = map[string]any{
	"server.port":                8080,
	"database.driver":            "sqlite",
	"database.dsn":               "file:meditalk.db",
	"database.notify_channel":    "consultation_updates",
	"llm.base_url":               "https://api.groq.com/openai/v1",
	"llm.model":                  "llama-3.1-8b-instant",
	"llm.max_tokens":             2000,
	"llm.temperature":            0.3,
	"voice.base_url":             "https://api.vapi.ai",
	"session.permission_timeout": "30s",
	"session.agent_timeout":      "20s",
	"session.connect_timeout":    "30s",
	"session.completion_timeout": "60s",
	"session.persist_timeout":    "10s",
	"session.finished_retention": "5m",
}

// DefaultFile is the YAML file read when MEDITALK_CONFIG_FILE is unset.
const DefaultFile = "meditalk.yaml"

// Load reads an optional .env file, then an optional YAML file, then the
// environment.  Later sources override earlier ones.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	path := os.Getenv(EnvPrefix + "CONFIG_FILE")
	if path == "" {
		path = DefaultFile
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.  The encryption
// key is checked by the codec when it is built.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"session.permission_timeout": c.Session.PermissionTimeout,
		"session.agent_timeout":      c.Session.AgentTimeout,
		"session.connect_timeout":    c.Session.ConnectTimeout,
		"session.completion_timeout": c.Session.CompletionTimeout,
		"session.persist_timeout":    c.Session.PersistTimeout,
		"session.finished_retention": c.Session.FinishedRetention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}
