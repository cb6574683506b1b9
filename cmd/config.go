package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/posnorm/ingest/internal/config"
	"github.com/posnorm/ingest/internal/render"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ingest configuration",
	Long:  `Read and write ingest configuration stored in config.json.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a template config.json in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigFile
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config.json already exists at %s (delete it first to re-initialise)", path)
		}
		tmpl := config.Template()
		if err := config.WriteFile(path, tmpl); err != nil {
			return err
		}
		fmt.Printf("✓ Created %s\n", path)
		fmt.Println("  Edit it and set catalog_path to your menu catalog JSON file.")
		fmt.Println("  Set llm_api_key (or export POS_LLM_API_KEY) to enable LLM normalization.")
		return nil
	},
}

var configGetShowSecrets bool

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(globalFlags.LLMAPIKey)
		if err != nil {
			return err
		}

		apiKey := cfg.RedactedLLMAPIKey()
		if configGetShowSecrets {
			apiKey = cfg.LLMAPIKey
		}
		if apiKey == "" {
			apiKey = "(not set)"
		}

		src := "(not found)"
		if cfg.ConfigPath != "" {
			src = cfg.ConfigPath
		}

		format := cfg.Format
		if globalFlags.Format != "" {
			format = globalFlags.Format
		}

		switch format {
		case render.FormatJSON:
			type configOut struct {
				LLMProvider     string  `json:"llm_provider"`
				LLMModel        string  `json:"llm_model"`
				LLMBaseURL      string  `json:"llm_base_url"`
				LLMAPIKey       string  `json:"llm_api_key"`
				LLMTimeout      string  `json:"llm_timeout"`
				LLMTemperature  float64 `json:"llm_temperature"`
				LLMMaxTokens    int     `json:"llm_max_tokens"`
				LLMRatePerSec   float64 `json:"llm_rate_per_sec"`
				Format          string  `json:"default_format"`
				CatalogPath     string  `json:"catalog_path"`
				AllowedModsPath string  `json:"allowed_mods_path"`
				CachePath       string  `json:"cache_path"`
				AuditLogPath    string  `json:"audit_log_path"`
				ConfigFile      string  `json:"config_file"`
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(configOut{
				LLMProvider:     cfg.LLMProvider,
				LLMModel:        cfg.LLMModel,
				LLMBaseURL:      cfg.LLMBaseURL,
				LLMAPIKey:       apiKey,
				LLMTimeout:      cfg.LLMTimeout.String(),
				LLMTemperature:  cfg.LLMTemperature,
				LLMMaxTokens:    cfg.LLMMaxTokens,
				LLMRatePerSec:   cfg.LLMRatePerSec,
				Format:          cfg.Format,
				CatalogPath:     cfg.CatalogPath,
				AllowedModsPath: cfg.AllowedModsPath,
				CachePath:       cfg.CachePath,
				AuditLogPath:    cfg.AuditLogPath,
				ConfigFile:      src,
			})
		default:
			rows := [][]string{
				{"llm_provider", cfg.LLMProvider},
				{"llm_model", cfg.LLMModel},
				{"llm_base_url", cfg.LLMBaseURL},
				{"llm_api_key", apiKey},
				{"llm_timeout", cfg.LLMTimeout.String()},
				{"llm_temperature", fmt.Sprintf("%.2f", cfg.LLMTemperature)},
				{"llm_max_tokens", fmt.Sprintf("%d", cfg.LLMMaxTokens)},
				{"llm_rate_per_sec", fmt.Sprintf("%.1f req/s", cfg.LLMRatePerSec)},
				{"default_format", cfg.Format},
				{"catalog_path", cfg.CatalogPath},
				{"allowed_mods_path", cfg.AllowedModsPath},
				{"cache_path", cfg.CachePath},
				{"audit_log_path", cfg.AuditLogPath},
				{"config_file", src},
			}
			printKVTable(rows)
			return nil
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in config.json",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.ToLower(args[0])
		val := args[1]

		// Load existing file or start from template
		var f config.File
		existing, path, err := loadConfigFile()
		if err != nil {
			path = config.DefaultConfigFile
			f = config.Template()
		} else {
			f = *existing
		}

		switch key {
		case "llm_provider":
			f.LLMProvider = val
		case "llm_model":
			f.LLMModel = val
		case "llm_base_url":
			f.LLMBaseURL = val
		case "llm_api_key":
			f.LLMAPIKey = val
		case "llm_timeout":
			f.LLMTimeout = val
		case "llm_temperature":
			t, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("llm_temperature must be a number")
			}
			f.LLMTemperature = t
		case "llm_max_tokens":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("llm_max_tokens must be an integer")
			}
			f.LLMMaxTokens = n
		case "llm_rate_per_sec":
			r, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("llm_rate_per_sec must be a number")
			}
			f.LLMRatePerSec = r
		case "default_format", "format":
			f.DefaultFormat = val
		case "catalog_path":
			f.CatalogPath = val
		case "allowed_mods_path":
			f.AllowedModsPath = val
		case "cache_path":
			f.CachePath = val
		case "audit_log_path":
			f.AuditLogPath = val
		default:
			return fmt.Errorf("unknown config key: %q\n\nValid keys: llm_provider, llm_model, llm_base_url, llm_api_key, llm_timeout, llm_temperature, llm_max_tokens, llm_rate_per_sec, default_format, catalog_path, allowed_mods_path, cache_path, audit_log_path", key)
		}

		if err := config.WriteFile(path, f); err != nil {
			return err
		}
		fmt.Printf("✓ Set %s in %s\n", key, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	configGetCmd.Flags().BoolVar(&configGetShowSecrets, "show-secrets", false, "show LLM API key in plain text")
}

// loadConfigFile reads config.json from cwd; used by configSetCmd.
func loadConfigFile() (*config.File, string, error) {
	path := config.DefaultConfigFile
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var f config.File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", err
	}
	return &f, path, nil
}

// printKVTable renders a two-column key/value table to stdout using aligned columns.
func printKVTable(rows [][]string) {
	maxKey := 0
	for _, r := range rows {
		if len(r[0]) > maxKey {
			maxKey = len(r[0])
		}
	}
	for _, r := range rows {
		padding := strings.Repeat(" ", maxKey-len(r[0]))
		fmt.Printf("  %s%s  %s\n", r[0], padding, r[1])
	}
}
