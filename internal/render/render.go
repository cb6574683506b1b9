// Package render converts Result values into human-readable or
// machine-parseable output. Each format is a separate function; the
// top-level Render dispatcher selects based on the format string.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/posnorm/ingest/internal/audit"
	"github.com/posnorm/ingest/internal/ingest"
	"github.com/posnorm/ingest/internal/model"
	"github.com/posnorm/ingest/internal/poscache"
)

// Format constants matching --format flag values.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
)

// Render writes result to w in the specified format.
func Render(w io.Writer, result *model.Result, format string) error {
	switch format {
	case FormatJSON:
		return renderJSON(w, result)
	case FormatJSONL:
		return renderJSONL(w, result)
	default:
		return renderTable(w, result)
	}
}

// RenderTo writes to stdout by default; if path is non-empty, writes to file.
func RenderTo(path string, result *model.Result, format string) error {
	if path == "" {
		return Render(os.Stdout, result, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()
	return Render(f, result, format)
}

// ─── JSON ─────────────────────────────────────────────────────────────────────

func renderJSON(w io.Writer, result *model.Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ─── JSONL ────────────────────────────────────────────────────────────────────

// renderJSONL writes one JSON object per line for audit events, the shape
// `ingest audit events` streams back. For any other Kind it falls back to
// one line holding the whole Data payload.
func renderJSONL(w io.Writer, result *model.Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	switch result.Kind {
	case model.KindAuditEvents:
		events, ok := result.Data.([]map[string]any)
		if !ok {
			return renderJSON(w, result)
		}
		for _, event := range events {
			if err := enc.Encode(event); err != nil {
				return err
			}
		}
		return nil
	default:
		return enc.Encode(result.Data)
	}
}

// ─── Table ────────────────────────────────────────────────────────────────────

func renderTable(w io.Writer, result *model.Result) error {
	switch result.Kind {
	case model.KindReviewQueue:
		entries, ok := result.Data.([]audit.ReviewQueueEntry)
		if !ok {
			return fmt.Errorf("unexpected data type for review_queue")
		}
		return renderReviewQueueTable(w, entries)
	case model.KindCacheStats:
		stats, ok := result.Data.([]poscache.NamespaceStats)
		if !ok {
			return fmt.Errorf("unexpected data type for cache_stats")
		}
		return renderCacheStatsTable(w, stats)
	case model.KindIngestResponse:
		resp, ok := result.Data.(*ingest.Response)
		if !ok {
			return fmt.Errorf("unexpected data type for ingest_response")
		}
		return renderIngestResponseTable(w, resp)
	default:
		// Fallback: JSON — order traces and raw audit events are nested
		// enough that a flat table loses structure a reader needs.
		return renderJSON(w, result)
	}
}

func renderReviewQueueTable(w io.Writer, entries []audit.ReviewQueueEntry) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ORDER", "LATEST EVENT", "LATEST TIMESTAMP", "PENDING", "CORRECTED"})
	tw.SetBorder(true)
	tw.SetRowLine(false)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAutoWrapText(false)

	for _, e := range entries {
		corrected := "no"
		if e.HasManualCorrection {
			corrected = "yes"
		}
		tw.Append([]string{
			e.OrderID,
			e.LatestEventType,
			e.LatestTimestamp,
			fmt.Sprintf("%d", e.PendingCount),
			corrected,
		})
	}
	tw.Render()
	return nil
}

func renderCacheStatsTable(w io.Writer, stats []poscache.NamespaceStats) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"NAMESPACE", "ENTRIES", "SIZE"})
	tw.SetBorder(true)
	tw.SetRowLine(false)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})
	for _, s := range stats {
		tw.Append([]string{string(s.Namespace), fmt.Sprintf("%d", s.Count), humanBytes(s.Bytes)})
	}
	tw.Render()
	return nil
}

func renderIngestResponseTable(w io.Writer, resp *ingest.Response) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"LINE", "NAME", "ITEM CODE", "QTY", "CONF", "REVIEW"})
	tw.SetBorder(true)
	tw.SetRowLine(false)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAutoWrapText(false)

	for _, item := range resp.Merged.Items {
		code := "?"
		if item.ItemCode != nil {
			code = *item.ItemCode
		}
		conf := "."
		if item.ConfidenceItem != nil {
			conf = fmt.Sprintf("%.2f", *item.ConfidenceItem)
		}
		review := "no"
		if item.NeedsReview {
			review = "yes"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", item.LineIndex),
			item.NameNormalized,
			code,
			fmt.Sprintf("%d", item.Qty),
			conf,
			review,
		})
	}
	tw.Render()
	if resp.NeedsReview {
		fmt.Fprintln(w, "⚠  order needs manual review")
	}
	return nil
}

// ─── Warnings / Stats Footer ─────────────────────────────────────────────────

// PrintFooter writes warnings and stats to w when verbose mode is on.
func PrintFooter(w io.Writer, result *model.Result, verbose bool) {
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "⚠  %s\n", warn)
	}
	if verbose {
		src := "live"
		if result.Stats.CacheHit {
			src = "cache"
		}
		fmt.Fprintf(w, "\n[%s • %d items • %d needing review • %dms • %s]\n",
			result.GeneratedAt.Format(time.RFC3339),
			result.Stats.Items,
			result.Stats.NeedsReview,
			result.Stats.DurationMs,
			src,
		)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

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
