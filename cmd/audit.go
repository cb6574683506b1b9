package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/posnorm/ingest/internal/audit"
	"github.com/posnorm/ingest/internal/model"
	"github.com/posnorm/ingest/internal/render"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and annotate the order-level audit trail",
	Long: `Commands for reading the append-only JSONL audit log and recording
human corrections against it.`,
}

// ─── audit review-queue ────────────────────────────────────────────────────────

var (
	auditReviewLimit     int
	auditReviewAllOrders bool
)

var auditReviewQueueCmd = &cobra.Command{
	Use:     "review-queue",
	Short:   "List orders still waiting on a human review",
	Example: `  ingest audit review-queue --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.Close()

		start := time.Now()
		entries, err := deps.Auditor.ListReviewQueue(auditReviewLimit, !auditReviewAllOrders)
		if err != nil {
			return fmt.Errorf("listing review queue: %w", err)
		}

		result := &model.Result{
			Kind:        model.KindReviewQueue,
			GeneratedAt: time.Now(),
			Command:     "audit review-queue",
			Data:        entries,
			Stats: model.ResultStats{
				DurationMs: time.Since(start).Milliseconds(),
				Items:      len(entries),
			},
		}
		format := resolveFormat(deps.Config.Format)
		return render.RenderTo(globalFlags.Out, result, format)
	},
}

// ─── audit trace ───────────────────────────────────────────────────────────────

var auditTraceCmd = &cobra.Command{
	Use:     "trace <order-id>",
	Short:   "Show the full stage-by-stage trace for one order",
	Args:    cobra.ExactArgs(1),
	Example: `  ingest audit trace o-123 --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.Close()

		trace, err := deps.Auditor.GetOrderTrace(args[0])
		if err != nil {
			return fmt.Errorf("reading order trace: %w", err)
		}

		result := &model.Result{
			Kind:        model.KindOrderTrace,
			GeneratedAt: time.Now(),
			Command:     fmt.Sprintf("audit trace %s", args[0]),
			Data:        trace,
			Stats: model.ResultStats{
				Items: len(trace.Events),
			},
		}
		return render.RenderTo(globalFlags.Out, result, resolveFormat(deps.Config.Format))
	},
}

// ─── audit events ──────────────────────────────────────────────────────────────

var auditEventsByType string

var auditEventsCmd = &cobra.Command{
	Use:   "events [order-id]",
	Short: "Stream raw audit events for one order, or by event type",
	Args:  cobra.MaximumNArgs(1),
	Example: `  ingest audit events o-123 --format jsonl
  ingest audit events --type manual_correction --format jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.Close()

		var events []map[string]any
		var command string
		switch {
		case len(args) == 1:
			events, err = deps.Auditor.ListEvents(args[0])
			command = fmt.Sprintf("audit events %s", args[0])
		case auditEventsByType != "":
			events, err = deps.Auditor.ListByType(auditEventsByType)
			command = fmt.Sprintf("audit events --type %s", auditEventsByType)
		default:
			return fmt.Errorf("specify an order id or --type <event_type>")
		}
		if err != nil {
			return fmt.Errorf("reading audit events: %w", err)
		}

		result := &model.Result{
			Kind:        model.KindAuditEvents,
			GeneratedAt: time.Now(),
			Command:     command,
			Data:        events,
			Stats:       model.ResultStats{Items: len(events)},
		}
		format := resolveFormat(deps.Config.Format)
		if format == render.FormatTable {
			format = render.FormatJSONL
		}
		return render.RenderTo(globalFlags.Out, result, format)
	},
}

// ─── audit correct ──────────────────────────────────────────────────────────────

var (
	auditCorrectOrderID  string
	auditCorrectAfter    string
	auditCorrectBefore   string
	auditCorrectOperator string
)

var auditCorrectCmd = &cobra.Command{
	Use:   "correct",
	Short: "Record a human correction against an order",
	Example: `  ingest audit correct --order-id o-123 \
      --before '{"item_code":"PEARL_MILK_TEA"}' \
      --after '{"item_code":"PUDDING_MILK_TEA"}' \
      --operator alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditCorrectOrderID == "" || auditCorrectAfter == "" {
			return fmt.Errorf("--order-id and --after are required")
		}

		var after any
		if err := json.Unmarshal([]byte(auditCorrectAfter), &after); err != nil {
			return fmt.Errorf("parsing --after as JSON: %w", err)
		}
		var before any
		if auditCorrectBefore != "" {
			if err := json.Unmarshal([]byte(auditCorrectBefore), &before); err != nil {
				return fmt.Errorf("parsing --before as JSON: %w", err)
			}
		}

		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.Close()

		_, err = deps.Auditor.WriteEvent(audit.Record{
			OrderID:   auditCorrectOrderID,
			EventType: "manual_correction",
			HumanCorrection: map[string]any{
				"before":   before,
				"after":    after,
				"operator": auditCorrectOperator,
			},
		}, true)
		if err != nil {
			return fmt.Errorf("recording correction: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Recorded correction for order %s\n", auditCorrectOrderID)
		return nil
	},
}

// ─── Registration ─────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditReviewQueueCmd)
	auditCmd.AddCommand(auditTraceCmd)
	auditCmd.AddCommand(auditEventsCmd)
	auditCmd.AddCommand(auditCorrectCmd)

	auditReviewQueueCmd.Flags().IntVar(&auditReviewLimit, "limit", 50, "maximum orders to list")
	auditReviewQueueCmd.Flags().BoolVar(&auditReviewAllOrders, "all", false, "include orders whose review is already resolved")

	auditEventsCmd.Flags().StringVar(&auditEventsByType, "type", "", "list events across all orders matching this event_type")

	auditCorrectCmd.Flags().StringVar(&auditCorrectOrderID, "order-id", "", "order id to correct")
	auditCorrectCmd.Flags().StringVar(&auditCorrectAfter, "after", "", "corrected value, as a JSON object")
	auditCorrectCmd.Flags().StringVar(&auditCorrectBefore, "before", "", "prior value, as a JSON object")
	auditCorrectCmd.Flags().StringVar(&auditCorrectOperator, "operator", "", "name of the person making the correction")
}
