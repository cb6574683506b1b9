// Package cmd implements the ingest CLI command tree.
// This file defines the root command and registers all global persistent flags.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/posnorm/ingest/internal/app"
	"github.com/posnorm/ingest/internal/config"
)

// globalFlags holds the parsed values of all persistent (global) flags.
// Commands read from this struct via the deps they receive.
var globalFlags struct {
	LLMAPIKey      string
	Format         string
	Out            string
	NoCachePersist bool
	Catalog        string
	AllowedMods    string
	Timeout        string
	Rate           float64
	Quiet          bool
	Verbose        bool
	Debug          bool
}

// rootCmd is the base command. Running `ingest` with no subcommand
// prints help.
var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "ingest — normalizes handwritten POS receipt text into structured orders",
	Long: `ingest takes the raw text a point-of-sale terminal prints for one order and
turns it into a structured, catalog-matched, review-flagged order: parse the
raw lines, generate fuzzy candidate matches against a menu catalog, ask an
LLM to resolve item codes and modifiers, then merge everything into one
normalized order — falling back to rule-based matching at every stage an LLM
or fuzzy match can't confidently resolve.

Quick start:
  ingest config init                  # create a config.json pointing at your catalog
  ingest ingest --text "..." --order-id o-1
  ingest audit review-queue            # see which orders still need a human look`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildDeps resolves config and constructs the dependency container.
// Called at the start of each command's RunE.
func buildDeps() (*app.Deps, error) {
	cfg, err := config.Load(globalFlags.LLMAPIKey)
	if err != nil {
		return nil, err
	}

	// Apply CLI flag overrides
	cfg.NoCachePersist = globalFlags.NoCachePersist
	cfg.Quiet = globalFlags.Quiet
	cfg.Verbose = globalFlags.Verbose
	cfg.Debug = globalFlags.Debug

	if globalFlags.Format != "" {
		cfg.Format = globalFlags.Format
	}
	if globalFlags.Catalog != "" {
		cfg.CatalogPath = globalFlags.Catalog
	}
	if globalFlags.AllowedMods != "" {
		cfg.AllowedModsPath = globalFlags.AllowedMods
	}
	if globalFlags.Timeout != "" {
		if d, err2 := time.ParseDuration(globalFlags.Timeout); err2 == nil {
			cfg.LLMTimeout = d
		}
	}
	if globalFlags.Rate > 0 {
		cfg.LLMRatePerSec = globalFlags.Rate
	}

	log := zerolog.Nop()
	if globalFlags.Debug {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	return app.New(cfg, log)
}

func init() {
	pf := rootCmd.PersistentFlags()

	pf.StringVar(&globalFlags.LLMAPIKey, "llm-api-key", "",
		"LLM provider API key (overrides env POS_LLM_API_KEY/OPENAI_API_KEY and config.json)")
	pf.StringVar(&globalFlags.Format, "format", "",
		"output format: table|json|jsonl (default: table)")
	pf.StringVar(&globalFlags.Out, "out", "",
		"write output to file instead of stdout")
	pf.BoolVar(&globalFlags.NoCachePersist, "no-cache-persist", false,
		"use an in-memory cache instead of the on-disk cache file")
	pf.StringVar(&globalFlags.Catalog, "catalog", "",
		"path to the menu catalog JSON file")
	pf.StringVar(&globalFlags.AllowedMods, "allowed-mods", "",
		"path to the allowed-modifiers JSON file")
	pf.StringVar(&globalFlags.Timeout, "timeout", "",
		"LLM request timeout (e.g. 15s, 1m)")
	pf.Float64Var(&globalFlags.Rate, "rate", 0,
		"max LLM requests per second (default: unlimited)")
	pf.BoolVar(&globalFlags.Quiet, "quiet", false,
		"suppress all non-error output")
	pf.BoolVar(&globalFlags.Verbose, "verbose", false,
		"show cache/timing stats after output")
	pf.BoolVar(&globalFlags.Debug, "debug", false,
		"log LLM requests and responses (API key redacted)")
}
