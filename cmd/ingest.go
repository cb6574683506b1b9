package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/posnorm/ingest/internal/ingest"
	"github.com/posnorm/ingest/internal/model"
	"github.com/posnorm/ingest/internal/render"
)

var (
	ingestText    string
	ingestOrderID string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Normalize one receipt's raw text into a structured order",
	Long: `Parse, match, normalize, and merge one receipt's raw text into a
structured order: rule-based line parsing, fuzzy candidate matching against
the configured menu catalog, LLM-assisted item/modifier resolution, then a
merge pass that reconciles all three into one normalized, review-flagged
order.

Reads from --text if given, otherwise from stdin.`,
	Example: `  ingest ingest --text "珍珠奶茶 x2\n布丁奶茶" --order-id o-123
  cat receipt.txt | ingest ingest --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		if err := deps.Config.Validate(); err != nil {
			return err
		}
		defer deps.Close()

		text := ingestText
		if text == "" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading receipt text from stdin: %w", err)
			}
			text = string(data)
		}
		if text == "" {
			return fmt.Errorf("no receipt text: pass --text or pipe text on stdin")
		}

		var orderID *string
		if ingestOrderID != "" {
			orderID = &ingestOrderID
		}

		start := time.Now()
		resp, err := ingest.IngestReceipt(cmd.Context(), text, orderID, ingest.Options{
			Catalog:     deps.Catalog,
			AllowedMods: deps.AllowedMods,
			Client:      deps.LLMClient,
			LLMTimeout:  deps.Config.LLMTimeout,
			Cache:       deps.Cache,
			Auditor:     deps.Auditor,
		})
		if err != nil {
			return fmt.Errorf("ingesting receipt: %w", err)
		}

		needsReview := 0
		if resp.NeedsReview {
			needsReview = 1
		}
		result := &model.Result{
			Kind:        model.KindIngestResponse,
			GeneratedAt: time.Now(),
			Command:     "ingest",
			Data:        resp,
			Stats: model.ResultStats{
				DurationMs:  time.Since(start).Milliseconds(),
				Items:       len(resp.Merged.Items),
				NeedsReview: needsReview,
			},
		}
		if !resp.Accepted {
			result.Warnings = resp.Errors
		}

		format := resolveFormat(deps.Config.Format)
		if err := render.RenderTo(globalFlags.Out, result, format); err != nil {
			return err
		}
		render.PrintFooter(cmd.OutOrStdout(), result, deps.Config.Verbose)
		if resp.NeedsReview && globalFlags.Out == "" {
			fmt.Fprintln(os.Stderr, "⚠  order needs manual review — see 'ingest audit review-queue'")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestText, "text", "", "raw receipt text (reads stdin if omitted)")
	ingestCmd.Flags().StringVar(&ingestOrderID, "order-id", "", "caller-supplied order id (minted if omitted)")
}
