// Package config handles loading and resolving ingest service
// configuration. Resolution order (first non-empty value wins):
//  1. CLI flag
//  2. Environment variable
//  3. config.json in the current working directory
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultConfigFile   = "config.json"
	DefaultFormat       = "table"
	DefaultLLMTimeout   = 15 * time.Second
	DefaultLLMMaxTokens = 900

	EnvLLMProvider     = "POS_LLM_PROVIDER"
	EnvLLMModel        = "POS_LLM_MODEL"
	EnvLLMBaseURL      = "POS_LLM_BASE_URL"
	EnvLLMAPIKey       = "POS_LLM_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvCatalogPath     = "POS_CATALOG_PATH"
	EnvAllowedModsPath = "POS_ALLOWED_MODS_PATH"
	EnvCachePath       = "POS_CACHE_PATH"
	EnvAuditLogPath    = "POS_AUDIT_LOG_PATH"
)

// File is the on-disk representation of config.json.
type File struct {
	LLMProvider     string  `json:"llm_provider"`
	LLMModel        string  `json:"llm_model"`
	LLMBaseURL      string  `json:"llm_base_url"`
	LLMAPIKey       string  `json:"llm_api_key"`
	LLMTimeout      string  `json:"llm_timeout"`
	LLMTemperature  float64 `json:"llm_temperature"`
	LLMMaxTokens    int     `json:"llm_max_tokens"`
	LLMRatePerSec   float64 `json:"llm_rate_per_sec"`
	DefaultFormat   string  `json:"default_format"`
	CatalogPath     string  `json:"catalog_path"`
	AllowedModsPath string  `json:"allowed_mods_path"`
	CachePath       string  `json:"cache_path"`
	AuditLogPath    string  `json:"audit_log_path"`
}

// Config is the fully-resolved runtime configuration. All callers use
// this struct; the File is only read during loading.
type Config struct {
	LLMProvider    string
	LLMModel       string
	LLMBaseURL     string
	LLMAPIKey      string
	LLMTimeout     time.Duration
	LLMTemperature float64
	LLMMaxTokens   int
	LLMRatePerSec  float64

	Format          string
	CatalogPath     string
	AllowedModsPath string
	CachePath       string
	AuditLogPath    string
	ConfigPath      string // path of the config.json that was loaded (empty if none found)

	// Runtime overrides set from CLI flags after Load()
	NoCachePersist bool
	Quiet          bool
	Verbose        bool
	Debug          bool
}

// Load resolves configuration from all sources. flagAPIKey is the value
// of --llm-api-key (empty string if not set).
func Load(flagAPIKey string) (*Config, error) {
	cfg := &Config{
		LLMProvider:  "openai",
		LLMModel:     "gpt-4o-mini",
		LLMBaseURL:   "https://api.openai.com/v1",
		LLMTimeout:   DefaultLLMTimeout,
		LLMMaxTokens: DefaultLLMMaxTokens,
		Format:       DefaultFormat,
	}

	// Layer 1: config.json (lowest priority)
	if f, path, err := loadFile(); err == nil {
		applyFile(cfg, f, path)
	}

	// Layer 2: environment variables
	if v := os.Getenv(EnvLLMProvider); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv(EnvLLMModel); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv(EnvLLMBaseURL); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		cfg.LLMAPIKey = v
	} else if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv(EnvCatalogPath); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv(EnvAllowedModsPath); v != "" {
		cfg.AllowedModsPath = v
	}
	if v := os.Getenv(EnvCachePath); v != "" {
		cfg.CachePath = v
	}
	if v := os.Getenv(EnvAuditLogPath); v != "" {
		cfg.AuditLogPath = v
	}

	// Layer 3: CLI flag (highest priority)
	if flagAPIKey != "" {
		cfg.LLMAPIKey = flagAPIKey
	}

	if cfg.CachePath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.CachePath = filepath.Join(home, ".posnorm", "cache.db")
		}
	}
	if cfg.AuditLogPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.AuditLogPath = filepath.Join(home, ".posnorm", "audit.jsonl")
		}
	}

	return cfg, nil
}

// Validate returns an error if a required field is missing. Unlike an
// LLM API key — whose absence only degrades normalization to the
// rule-based fallback — a menu catalog is required for every pipeline
// run: without it, candidate generation has nothing to score against.
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return errors.New(
			"menu catalog path not found.\n\n" +
				"Set it one of these ways:\n" +
				"  1. CLI flag:        ingest --catalog catalog.json ...\n" +
				"  2. Environment:     export POS_CATALOG_PATH=catalog.json\n" +
				"  3. config.json:     {\"catalog_path\": \"catalog.json\"}",
		)
	}
	return nil
}

// RedactedLLMAPIKey returns the LLM API key with most characters
// replaced by asterisks. Safe for logging and display.
func (c *Config) RedactedLLMAPIKey() string {
	if len(c.LLMAPIKey) <= 4 {
		return "****"
	}
	return c.LLMAPIKey[:2] + "****" + c.LLMAPIKey[len(c.LLMAPIKey)-2:]
}

// loadFile attempts to read config.json from the current working directory.
func loadFile() (*File, string, error) {
	path, err := filepath.Abs(DefaultConfigFile)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("config.json not found at %s", path)
		}
		return nil, "", fmt.Errorf("reading config.json: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parsing config.json: %w", err)
	}
	return &f, path, nil
}

// applyFile copies values from a parsed File into cfg, skipping any
// fields that are zero/empty.
func applyFile(cfg *Config, f *File, path string) {
	cfg.ConfigPath = path
	if f.LLMProvider != "" {
		cfg.LLMProvider = f.LLMProvider
	}
	if f.LLMModel != "" {
		cfg.LLMModel = f.LLMModel
	}
	if f.LLMBaseURL != "" {
		cfg.LLMBaseURL = f.LLMBaseURL
	}
	if f.LLMAPIKey != "" {
		cfg.LLMAPIKey = f.LLMAPIKey
	}
	if f.LLMTimeout != "" {
		if d, err := time.ParseDuration(f.LLMTimeout); err == nil {
			cfg.LLMTimeout = d
		}
	}
	if f.LLMTemperature > 0 {
		cfg.LLMTemperature = f.LLMTemperature
	}
	if f.LLMMaxTokens > 0 {
		cfg.LLMMaxTokens = f.LLMMaxTokens
	}
	if f.LLMRatePerSec > 0 {
		cfg.LLMRatePerSec = f.LLMRatePerSec
	}
	if f.DefaultFormat != "" {
		cfg.Format = f.DefaultFormat
	}
	if f.CatalogPath != "" {
		cfg.CatalogPath = f.CatalogPath
	}
	if f.AllowedModsPath != "" {
		cfg.AllowedModsPath = f.AllowedModsPath
	}
	if f.CachePath != "" {
		cfg.CachePath = f.CachePath
	}
	if f.AuditLogPath != "" {
		cfg.AuditLogPath = f.AuditLogPath
	}
}

// Template returns a File populated with sensible defaults, suitable
// for writing an initial config.json via `ingest config init`.
func Template() File {
	return File{
		LLMProvider:   "openai",
		LLMModel:      "gpt-4o-mini",
		LLMBaseURL:    "https://api.openai.com/v1",
		LLMTimeout:    "15s",
		LLMMaxTokens:  DefaultLLMMaxTokens,
		DefaultFormat: DefaultFormat,
		CatalogPath:   "catalog.json",
	}
}

// WriteFile serialises a File to the given path.
func WriteFile(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
