package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/posnorm/ingest/internal/poscache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the normalization cache",
	Long: `Commands for inspecting and clearing the local bbolt-backed lookup cache.

'ingest' remembers confident item-mapping resolutions so a repeat of the same
raw name against the same catalog version gets the remembered item promoted
to the top candidate; the note-to-mods and group-pattern namespaces are not
written by 'ingest'. Entries expire on their own
(see 'ingest cache stats' for per-namespace counts); 'cache clear' forces an
early eviction, e.g. after editing the catalog.`,
}

// ─── cache stats ──────────────────────────────────────────────────────────────

var cacheStatsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show entry counts and sizes for each cache namespace",
	Example: `  ingest cache stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.Close()

		stats, err := deps.Cache.Stats()
		if err != nil {
			return fmt.Errorf("reading cache stats: %w", err)
		}
		sort.Slice(stats, func(i, j int) bool { return stats[i].Namespace < stats[j].Namespace })

		fmt.Fprintf(cmd.OutOrStdout(), "Cache: %s\n\n", deps.Config.CachePath)
		printSimpleTable(cmd.OutOrStdout(), []string{"NAMESPACE", "ENTRIES", "SIZE"}, func(add func(...string)) {
			for _, s := range stats {
				add(string(s.Namespace), fmt.Sprintf("%d", s.Count), humanBytes(s.Bytes))
			}
		})
		return nil
	},
}

// ─── cache clear ──────────────────────────────────────────────────────────────

var (
	cacheClearAll       bool
	cacheClearNamespace string
)

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete entries from the cache",
	Example: `  ingest cache clear --all
  ingest cache clear --namespace item_mapping_cache
  ingest cache clear --namespace note_mods_cache`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cacheClearAll && cacheClearNamespace == "" {
			return fmt.Errorf("specify --all or --namespace <name>\n\nNamespaces: item_mapping_cache, note_mods_cache, group_pattern_cache")
		}

		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.Close()

		if cacheClearAll {
			if err := deps.Cache.ClearAll(); err != nil {
				return fmt.Errorf("clearing all namespaces: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Cleared all namespaces")
			return nil
		}

		if err := deps.Cache.ClearNamespace(poscache.Namespace(cacheClearNamespace)); err != nil {
			return fmt.Errorf("clearing namespace %q: %w", cacheClearNamespace, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared namespace %q\n", cacheClearNamespace)
		return nil
	},
}

// ─── Registration ─────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "clear all namespaces")
	cacheClearCmd.Flags().StringVar(&cacheClearNamespace, "namespace", "", "clear a specific namespace: item_mapping_cache|note_mods_cache|group_pattern_cache")
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func humanBytes(b int64) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
