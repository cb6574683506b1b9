package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/posnorm/ingest/internal/config"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

// writeConfig writes a config.json into dir and changes the working directory
// to dir for the duration of the test.
func writeConfig(t *testing.T, dir string, f config.File) {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

// clearEnv unsets every env var config.Load consults.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvLLMProvider, "")
	t.Setenv(config.EnvLLMModel, "")
	t.Setenv(config.EnvLLMBaseURL, "")
	t.Setenv(config.EnvLLMAPIKey, "")
	t.Setenv(config.EnvOpenAIAPIKey, "")
	t.Setenv(config.EnvCatalogPath, "")
	t.Setenv(config.EnvAllowedModsPath, "")
	t.Setenv(config.EnvCachePath, "")
	t.Setenv(config.EnvAuditLogPath, "")
}

// ─── Defaults ─────────────────────────────────────────────────────────────────

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	orig, _ := os.Getwd()
	_ = os.Chdir(dir)
	t.Cleanup(func() { _ = os.Chdir(orig) })

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Format != config.DefaultFormat {
		t.Errorf("Format: expected %q, got %q", config.DefaultFormat, cfg.Format)
	}
	if cfg.LLMTimeout != config.DefaultLLMTimeout {
		t.Errorf("LLMTimeout: expected %v, got %v", config.DefaultLLMTimeout, cfg.LLMTimeout)
	}
	if cfg.LLMMaxTokens != config.DefaultLLMMaxTokens {
		t.Errorf("LLMMaxTokens: expected %d, got %d", config.DefaultLLMMaxTokens, cfg.LLMMaxTokens)
	}
	if cfg.LLMBaseURL == "" {
		t.Error("LLMBaseURL should have a default value")
	}
	if cfg.CachePath == "" {
		t.Error("CachePath should have a default (home dir based) value")
	}
	if cfg.AuditLogPath == "" {
		t.Error("AuditLogPath should have a default (home dir based) value")
	}
}

// ─── Config file loading ──────────────────────────────────────────────────────

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{
		LLMAPIKey:       "filekey123",
		DefaultFormat:   "json",
		LLMTimeout:      "60s",
		LLMTemperature:  0.4,
		LLMMaxTokens:    500,
		LLMRatePerSec:   2.5,
		LLMBaseURL:      "https://custom.example.com/v1",
		CatalogPath:     "/tmp/catalog.json",
		AllowedModsPath: "/tmp/mods.json",
		CachePath:       "/tmp/test.db",
		AuditLogPath:    "/tmp/audit.jsonl",
	})

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLMAPIKey != "filekey123" {
		t.Errorf("LLMAPIKey: expected filekey123, got %q", cfg.LLMAPIKey)
	}
	if cfg.Format != "json" {
		t.Errorf("Format: expected json, got %q", cfg.Format)
	}
	if cfg.LLMTimeout.String() != "1m0s" {
		t.Errorf("LLMTimeout: expected 1m0s, got %q", cfg.LLMTimeout.String())
	}
	if cfg.LLMMaxTokens != 500 {
		t.Errorf("LLMMaxTokens: expected 500, got %d", cfg.LLMMaxTokens)
	}
	if cfg.LLMRatePerSec != 2.5 {
		t.Errorf("LLMRatePerSec: expected 2.5, got %g", cfg.LLMRatePerSec)
	}
	if cfg.LLMBaseURL != "https://custom.example.com/v1" {
		t.Errorf("LLMBaseURL: expected custom URL, got %q", cfg.LLMBaseURL)
	}
	if cfg.CatalogPath != "/tmp/catalog.json" {
		t.Errorf("CatalogPath: expected /tmp/catalog.json, got %q", cfg.CatalogPath)
	}
	if cfg.CachePath != "/tmp/test.db" {
		t.Errorf("CachePath: expected /tmp/test.db, got %q", cfg.CachePath)
	}
}

func TestLoadConfigPathRecorded(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{LLMAPIKey: "k", CatalogPath: "catalog.json"})

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigPath == "" {
		t.Error("ConfigPath should be set when config.json is found")
	}
	if !strings.Contains(cfg.ConfigPath, "config.json") {
		t.Errorf("ConfigPath should contain config.json, got %q", cfg.ConfigPath)
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	orig, _ := os.Getwd()
	_ = os.Chdir(dir)
	t.Cleanup(func() { _ = os.Chdir(orig) })

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load without config.json should not error: %v", err)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath should be empty when no file found, got %q", cfg.ConfigPath)
	}
}

func TestLoadInvalidTimeoutIgnored(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{
		LLMAPIKey:  "k",
		LLMTimeout: "not-a-duration",
	})

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMTimeout != config.DefaultLLMTimeout {
		t.Errorf("invalid timeout should fall back to default %v, got %v", config.DefaultLLMTimeout, cfg.LLMTimeout)
	}
}

// ─── Environment variable priority ───────────────────────────────────────────

func TestLoadEnvAPIKeyOverridesFile(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{LLMAPIKey: "filekey"})
	t.Setenv(config.EnvLLMAPIKey, "envkey")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMAPIKey != "envkey" {
		t.Errorf("env POS_LLM_API_KEY should override file: expected envkey, got %q", cfg.LLMAPIKey)
	}
}

func TestLoadEnvOpenAIAPIKeyFallsBackWhenPOSKeyUnset(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{})
	t.Setenv(config.EnvOpenAIAPIKey, "openai-key")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMAPIKey != "openai-key" {
		t.Errorf("OPENAI_API_KEY should be used when POS_LLM_API_KEY is unset, got %q", cfg.LLMAPIKey)
	}
}

func TestLoadEnvCachePath(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	orig, _ := os.Getwd()
	_ = os.Chdir(dir)
	t.Cleanup(func() { _ = os.Chdir(orig) })
	t.Setenv(config.EnvCachePath, "/custom/path/cache.db")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CachePath != "/custom/path/cache.db" {
		t.Errorf("POS_CACHE_PATH: expected /custom/path/cache.db, got %q", cfg.CachePath)
	}
}

// ─── CLI flag priority ────────────────────────────────────────────────────────

func TestLoadFlagAPIKeyOverridesEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{LLMAPIKey: "filekey"})
	t.Setenv(config.EnvLLMAPIKey, "envkey")

	cfg, err := config.Load("flagkey")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMAPIKey != "flagkey" {
		t.Errorf("--llm-api-key should override env and file: expected flagkey, got %q", cfg.LLMAPIKey)
	}
}

func TestLoadFlagEmptyDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	writeConfig(t, dir, config.File{LLMAPIKey: "filekey"})

	cfg, err := config.Load("") // empty flag = not set
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMAPIKey != "filekey" {
		t.Errorf("empty flag should not override file value: expected filekey, got %q", cfg.LLMAPIKey)
	}
}

// ─── Validate ─────────────────────────────────────────────────────────────────

func TestValidateWithCatalogPath(t *testing.T) {
	cfg := &config.Config{CatalogPath: "catalog.json"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with a catalog path should not error: %v", err)
	}
}

func TestValidateWithoutCatalogPath(t *testing.T) {
	cfg := &config.Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate without a catalog path should return an error")
	}
}

func TestValidateDoesNotRequireAPIKey(t *testing.T) {
	// Missing LLM API key must not fail Validate: the pipeline still runs,
	// just via the rule-based fallback instead of LLM resolution.
	cfg := &config.Config{CatalogPath: "catalog.json"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate should not require an LLM API key, got: %v", err)
	}
}

func TestValidateErrorMentionsCatalog(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "catalog") {
		t.Errorf("error should mention the menu catalog, got: %v", err)
	}
}

// ─── RedactedLLMAPIKey ────────────────────────────────────────────────────────

func TestRedactedLLMAPIKeyNormal(t *testing.T) {
	cfg := &config.Config{LLMAPIKey: "abcdefghij"}
	redacted := cfg.RedactedLLMAPIKey()

	if !strings.HasPrefix(redacted, "ab") {
		t.Errorf("redacted key should start with 'ab', got %q", redacted)
	}
	if !strings.HasSuffix(redacted, "ij") {
		t.Errorf("redacted key should end with 'ij', got %q", redacted)
	}
	if !strings.Contains(redacted, "****") {
		t.Errorf("redacted key should contain '****', got %q", redacted)
	}
}

func TestRedactedLLMAPIKeyShort(t *testing.T) {
	for _, key := range []string{"", "a", "ab", "abc", "abcd"} {
		cfg := &config.Config{LLMAPIKey: key}
		if cfg.RedactedLLMAPIKey() != "****" {
			t.Errorf("short key %q should redact to '****', got %q", key, cfg.RedactedLLMAPIKey())
		}
	}
}

func TestRedactedLLMAPIKeyNotPlaintext(t *testing.T) {
	cfg := &config.Config{LLMAPIKey: "supersecretkey123"}
	redacted := cfg.RedactedLLMAPIKey()
	if redacted == cfg.LLMAPIKey {
		t.Error("redacted key should not equal the original")
	}
}

// ─── WriteFile / Template ─────────────────────────────────────────────────────

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	f := config.File{
		LLMAPIKey:     "testkey",
		DefaultFormat: "jsonl",
		LLMTimeout:    "45s",
		LLMMaxTokens:  600,
		LLMRatePerSec: 3.0,
		LLMBaseURL:    "https://api.example.com/v1",
		CatalogPath:   "/data/catalog.json",
	}

	if err := config.WriteFile(path, f); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got config.File
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}

	if got.LLMAPIKey != f.LLMAPIKey {
		t.Errorf("LLMAPIKey: expected %q, got %q", f.LLMAPIKey, got.LLMAPIKey)
	}
	if got.DefaultFormat != f.DefaultFormat {
		t.Errorf("DefaultFormat: expected %q, got %q", f.DefaultFormat, got.DefaultFormat)
	}
	if got.LLMTimeout != f.LLMTimeout {
		t.Errorf("LLMTimeout: expected %q, got %q", f.LLMTimeout, got.LLMTimeout)
	}
	if got.LLMRatePerSec != f.LLMRatePerSec {
		t.Errorf("LLMRatePerSec: expected %g, got %g", f.LLMRatePerSec, got.LLMRatePerSec)
	}
	if got.CatalogPath != f.CatalogPath {
		t.Errorf("CatalogPath: expected %q, got %q", f.CatalogPath, got.CatalogPath)
	}
}

func TestWriteFilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := config.WriteFile(path, config.File{LLMAPIKey: "k"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file permissions: expected 0600, got %04o", info.Mode().Perm())
	}
}

func TestWriteFileIsValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := config.WriteFile(path, config.Template()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, _ := os.ReadFile(path)

	var f config.File
	if err := json.Unmarshal(data, &f); err != nil {
		t.Errorf("WriteFile produced invalid JSON: %v", err)
	}
}

func TestTemplateDefaults(t *testing.T) {
	tmpl := config.Template()

	if tmpl.DefaultFormat != config.DefaultFormat {
		t.Errorf("Template.DefaultFormat: expected %q, got %q", config.DefaultFormat, tmpl.DefaultFormat)
	}
	if tmpl.LLMTimeout != "15s" {
		t.Errorf("Template.LLMTimeout: expected 15s, got %q", tmpl.LLMTimeout)
	}
	if tmpl.LLMMaxTokens != config.DefaultLLMMaxTokens {
		t.Errorf("Template.LLMMaxTokens: expected %d, got %d", config.DefaultLLMMaxTokens, tmpl.LLMMaxTokens)
	}
	if tmpl.LLMAPIKey != "" {
		t.Errorf("Template.LLMAPIKey should be empty (user fills it in), got %q", tmpl.LLMAPIKey)
	}
	if tmpl.CatalogPath == "" {
		t.Error("Template.CatalogPath should point at a default catalog file")
	}
}

func TestTemplateBaseURL(t *testing.T) {
	tmpl := config.Template()
	if !strings.HasPrefix(tmpl.LLMBaseURL, "https://") {
		t.Errorf("Template.LLMBaseURL should be an https URL, got %q", tmpl.LLMBaseURL)
	}
}
