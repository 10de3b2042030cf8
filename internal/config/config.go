// Package config provides YAML-based configuration loading for Citeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvRetrievalAPIKey = "CITELINE_RETRIEVAL_API_KEY"
	EnvLLMAPIKey       = "CITELINE_LLM_API_KEY"
	EnvDBPassword      = "CITELINE_DB_PASSWORD"
)

// Config is the top-level Citeline configuration, loaded from citeline.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Documents  DocumentsConfig  `yaml:"documents"`
	Generation GenerationConfig `yaml:"generation"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	Log        LogConfig        `yaml:"log"`
}

// DatabaseConfig holds connection settings for the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite only
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RateLimitConfig sets the rolling-window message limits.
type RateLimitConfig struct {
	UserLimit  int           `yaml:"user_limit"`
	UserWindow time.Duration `yaml:"user_window"`
	OrgLimit   int           `yaml:"org_limit"`
	OrgWindow  time.Duration `yaml:"org_window"`
}

// OAuth2Config enables client-credentials auth against a collaborator.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether client-credentials auth is configured.
func (o OAuth2Config) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// RetrievalConfig configures the retrieval collaborator and pipeline.
type RetrievalConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	OAuth2          OAuth2Config  `yaml:"oauth2"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxChunks       int           `yaml:"max_chunks"`
	OverfetchFactor int           `yaml:"overfetch_factor"`
	Rerank          *bool         `yaml:"rerank"`
	PerDocumentCap  int           `yaml:"per_document_cap"`
	MinScore        *float64      `yaml:"min_score"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheDisabled   bool          `yaml:"cache_disabled"`
}

// DocumentsConfig configures the document-management collaborator.
type DocumentsConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// GenerationConfig configures the language-model collaborator.
type GenerationConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	DefaultModel    string        `yaml:"default_model"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	HistoryMessages int           `yaml:"history_messages"`
}

// JanitorConfig schedules background pruning.
type JanitorConfig struct {
	Schedule string `yaml:"schedule"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets live outside the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRetrievalAPIKey); v != "" {
		c.Retrieval.APIKey = v
	}
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		c.Generation.APIKey = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "citeline"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "citeline.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.RateLimit.UserLimit == 0 {
		c.RateLimit.UserLimit = 50
	}
	if c.RateLimit.UserWindow == 0 {
		c.RateLimit.UserWindow = time.Hour
	}
	if c.RateLimit.OrgLimit == 0 {
		c.RateLimit.OrgLimit = 1000
	}
	if c.RateLimit.OrgWindow == 0 {
		c.RateLimit.OrgWindow = 24 * time.Hour
	}

	r := &c.Retrieval
	if r.Timeout == 0 {
		r.Timeout = 15 * time.Second
	}
	if r.MaxChunks == 0 {
		r.MaxChunks = 5
	}
	if r.OverfetchFactor == 0 {
		r.OverfetchFactor = 3
	}
	if r.Rerank == nil {
		on := true
		r.Rerank = &on
	}
	if r.PerDocumentCap == 0 {
		r.PerDocumentCap = 3
	}
	if r.MinScore == nil {
		min := 0.5
		r.MinScore = &min
	}
	if r.CacheTTL == 0 {
		r.CacheTTL = 5 * time.Minute
	}

	if c.Documents.BaseURL == "" {
		c.Documents.BaseURL = r.BaseURL
	}
	if c.Documents.Timeout == 0 {
		c.Documents.Timeout = 5 * time.Second
	}

	g := &c.Generation
	if g.DefaultModel == "" {
		g.DefaultModel = "gpt-4o-mini"
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 1024
	}
	if g.Timeout == 0 {
		g.Timeout = 60 * time.Second
	}
	if g.HistoryMessages == 0 {
		g.HistoryMessages = 5
	}

	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "*/15 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Retrieval.BaseURL == "" {
		errs = append(errs, "retrieval.base_url is required")
	}
	if c.RateLimit.UserLimit < 0 || c.RateLimit.OrgLimit < 0 {
		errs = append(errs, "rate_limit limits must not be negative")
	}
	if c.Retrieval.MaxChunks < 0 {
		errs = append(errs, "retrieval.max_chunks must not be negative")
	}
	if c.Retrieval.PerDocumentCap < 0 {
		errs = append(errs, "retrieval.per_document_cap must not be negative")
	}
	if m := *c.Retrieval.MinScore; m < 0 || m > 1 {
		errs = append(errs, fmt.Sprintf("retrieval.min_score %.2f must be within [0,1]", m))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
