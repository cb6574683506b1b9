// Package app wires together configuration, the LLM client, the cache,
// and the audit logger into a single Deps struct that commands receive
// at runtime.
package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/posnorm/ingest/internal/audit"
	"github.com/posnorm/ingest/internal/config"
	"github.com/posnorm/ingest/internal/llmclient"
	"github.com/posnorm/ingest/internal/poscache"
	"github.com/posnorm/ingest/internal/posmodel"
)

// Deps holds all runtime dependencies injected into command Run
// functions.
type Deps struct {
	Config      *config.Config
	LLMClient   llmclient.Completer
	Cache       *poscache.Cache
	Auditor     *audit.Logger
	Catalog     posmodel.MenuCatalog
	AllowedMods posmodel.AllowedMods
}

// New builds a Deps from resolved config. The LLM client is always
// constructed from cfg (never BuildFromEnv) since cfg has already
// folded the environment in during Load; the catalog and allowed-mods
// lists are loaded from disk when a path is configured and left empty
// otherwise, so a command that doesn't need them (e.g. `cache stats`)
// isn't forced to require one.
func New(cfg *config.Config, log zerolog.Logger) (*Deps, error) {
	client := llmclient.New(
		cfg.LLMAPIKey,
		cfg.LLMModel,
		cfg.LLMBaseURL,
		llmclient.WithTimeout(cfg.LLMTimeout),
		llmclient.WithTemperature(cfg.LLMTemperature),
		llmclient.WithMaxTokens(cfg.LLMMaxTokens),
		llmclient.WithRateLimit(cfg.LLMRatePerSec),
		llmclient.WithLogger(log),
	)

	backend, err := newCacheBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening cache backend: %w", err)
	}
	cache, err := poscache.New(backend, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing cache: %w", err)
	}

	auditPath := cfg.AuditLogPath
	if auditPath == "" {
		auditPath = os.DevNull
	}
	auditor, err := audit.NewLogger(auditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading menu catalog: %w", err)
	}
	mods, err := loadAllowedMods(cfg.AllowedModsPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowed mods: %w", err)
	}

	return &Deps{
		Config:      cfg,
		LLMClient:   client,
		Cache:       cache,
		Auditor:     auditor,
		Catalog:     catalog,
		AllowedMods: mods,
	}, nil
}

// Close releases any resources Deps opened (currently just the cache's
// backing store).
func (d *Deps) Close() error {
	if d.Cache != nil {
		return d.Cache.Close()
	}
	return nil
}

// newCacheBackend opens the on-disk bolt-backed cache unless persistence
// was explicitly disabled, in which case an in-process memory backend is
// used instead (useful for one-shot CLI invocations and tests).
func newCacheBackend(cfg *config.Config) (poscache.Backend, error) {
	if cfg.NoCachePersist || cfg.CachePath == "" {
		return poscache.NewMemoryBackend(), nil
	}
	return poscache.OpenBoltBackend(cfg.CachePath)
}

// loadCatalog reads a menu catalog JSON file from disk. The version
// used as a cache-key component is a content hash of the raw bytes, so
// any edit to the catalog file invalidates previously cached item
// mappings without requiring a separate version field in the file.
func loadCatalog(path string) (posmodel.MenuCatalog, error) {
	if path == "" {
		return posmodel.MenuCatalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return posmodel.MenuCatalog{}, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return posmodel.MenuCatalog{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return posmodel.MenuCatalog{
		Version: hex.EncodeToString(sum[:])[:12],
		Raw:     raw,
	}, nil
}

// loadAllowedMods reads the flat JSON array of kitchen-recognized
// modifier tokens used to validate LLM-proposed mods during merge.
func loadAllowedMods(path string) (posmodel.AllowedMods, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mods posmodel.AllowedMods
	if err := json.Unmarshal(data, &mods); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return mods, nil
}
