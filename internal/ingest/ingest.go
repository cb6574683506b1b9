// Package ingest is the single entry point that drives one receipt
// through the full parse -> candidates -> LLM-normalize -> merge
// pipeline, wrapping every stage so a failure degrades to a flagged,
// review-worthy fallback instead of aborting the whole call.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/posnorm/ingest/internal/audit"
	"github.com/posnorm/ingest/internal/candidates"
	"github.com/posnorm/ingest/internal/llmclient"
	"github.com/posnorm/ingest/internal/llmstage"
	"github.com/posnorm/ingest/internal/merge"
	"github.com/posnorm/ingest/internal/parser"
	"github.com/posnorm/ingest/internal/poscache"
	"github.com/posnorm/ingest/internal/posmodel"
)

// Response is the JSON-able outer envelope an ingest call returns. Every
// field is already a plain struct carrying its own json tags, so the
// dataclass-to-dict walk the source this is grounded on needs has no Go
// equivalent here and is simply not replicated.
type Response struct {
	Accepted    bool                      `json:"accepted"`
	NeedsReview bool                      `json:"needs_review"`
	Errors      []string                  `json:"errors"`
	OrderRaw    posmodel.OrderRawParsed   `json:"order_raw"`
	Candidates  posmodel.Candidates       `json:"candidates"`
	Structured  posmodel.StructuredResult `json:"structured"`
	Merged      posmodel.OrderNormalized  `json:"merged"`
	LLMRuntime  llmclient.RuntimeInfo     `json:"llm_runtime"`
	Version     string                    `json:"version"`
}

// Options configures one IngestReceipt call.
type Options struct {
	Catalog       posmodel.MenuCatalog
	AllowedMods   posmodel.AllowedMods
	Client        llmclient.Completer
	LLMTimeout    time.Duration
	Cache         *poscache.Cache
	Auditor       *audit.Logger
	CandidateOpts candidates.Options
	MergeOpts     merge.Options
}

const injectedClientReason = "injected_client"

func injectedRuntime() llmclient.RuntimeInfo {
	return llmclient.RuntimeInfo{
		Enabled:         true,
		Provider:        "injected",
		Model:           "injected",
		BaseURL:         "injected",
		TimeoutSDefault: 15.0,
		Reason:          injectedClientReason,
	}
}

// IngestReceipt parses, matches, normalizes, and merges one receipt into
// a Response. It never returns an error for a pipeline-stage failure —
// each of the four stages (parse, candidates, structured, merge)
// degrades to a review-flagged fallback on failure instead, the same
// way the pipeline this orchestrates handles a stage exception.
func IngestReceipt(ctx context.Context, receiptText string, orderID *string, opts Options) (*Response, error) {
	var stageErrors []string
	accepted := true

	client := opts.Client
	var runtime llmclient.RuntimeInfo
	if client == nil {
		client, runtime = llmclient.BuildFromEnv(nil)
	} else {
		runtime = injectedRuntime()
	}

	timeout := opts.LLMTimeout
	if timeout <= 0 {
		timeout = time.Duration(runtime.TimeoutSDefault * float64(time.Second))
	}

	orderRaw, err := parser.ParseReceiptText(receiptText)
	if err != nil {
		accepted = false
		errText := fmt.Sprintf("parse:%T:%v", err, err)
		stageErrors = append(stageErrors, errText)
		orderRaw = fallbackOrderRaw(receiptText, orderID, errText)
	} else {
		orderRaw.OrderID = resolveOrderID(orderID)
	}

	cands, err := candidates.GenerateCandidates(orderRaw.Lines, opts.Catalog, resolveCandidateOpts(opts.CandidateOpts))
	if err != nil {
		accepted = false
		errText := fmt.Sprintf("candidates:%T:%v", err, err)
		stageErrors = append(stageErrors, errText)
		cands = fallbackCandidates(orderRaw, errText)
	} else {
		cands = applyItemMappingCache(opts.Cache, orderRaw, opts.Catalog, cands)
	}

	structured := runStructuredStage(ctx, orderRaw, cands, opts.AllowedMods, client, timeout, runtime)

	merged := merge.MergeAndValidate(orderRaw, cands, structured, mergeOptsWithCatalog(opts.MergeOpts, opts.Catalog, opts.AllowedMods))
	saveItemMappingCache(opts.Cache, orderRaw, opts.Catalog, merged.Items)

	if len(stageErrors) > 0 {
		merged.OverallNeedsReview = true
		merged.Metadata = cloneMetadata(merged.Metadata)
		merged.Metadata["pipeline_errors"] = stageErrors
	}
	merged.Metadata = cloneMetadata(merged.Metadata)
	merged.Metadata["llm_runtime"] = runtime
	merged.Metadata["llm_timeout_s"] = timeout.Seconds()

	if opts.Auditor != nil {
		writeStageFallbackAudits(opts.Auditor, merged.OrderID, stageErrors)
	}

	response := &Response{
		Accepted:    accepted,
		NeedsReview: orderRaw.NeedsReview || merged.OverallNeedsReview || len(stageErrors) > 0,
		Errors:      stageErrors,
		OrderRaw:    *orderRaw,
		Candidates:  cands,
		Structured:  structured,
		Merged:      merged,
		LLMRuntime:  runtime,
		Version:     posmodel.APIContractVersion,
	}
	return response, nil
}

func resolveOrderID(orderID *string) *string {
	if orderID != nil && strings.TrimSpace(*orderID) != "" {
		return orderID
	}
	return posmodel.StrPtr(uuid.NewString())
}

func resolveCandidateOpts(opts candidates.Options) candidates.Options {
	if opts.TopK <= 0 && opts.Threshold <= 0 {
		return candidates.NewOptions()
	}
	return opts
}

func mergeOptsWithCatalog(opts merge.Options, catalog posmodel.MenuCatalog, allowedMods posmodel.AllowedMods) merge.Options {
	opts.MenuCatalog = &catalog
	opts.AllowedMods = allowedMods
	return opts
}

func runStructuredStage(ctx context.Context, orderRaw *posmodel.OrderRawParsed, cands posmodel.Candidates, allowedMods posmodel.AllowedMods, client llmclient.Completer, timeout time.Duration, runtime llmclient.RuntimeInfo) posmodel.StructuredResult {
	structured := llmstage.Normalize(ctx, orderRaw, cands, allowedMods, client, llmstage.Options{Timeout: timeout})
	structured.Metadata = cloneMetadata(structured.Metadata)
	structured.Metadata["llm_runtime"] = runtime
	structured.Metadata["llm_timeout_s"] = timeout.Seconds()
	return structured
}

func cloneMetadata(metadata map[string]any) map[string]any {
	clone := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}

func writeStageFallbackAudits(auditor *audit.Logger, orderID *string, stageErrors []string) {
	id := ""
	if orderID != nil {
		id = *orderID
	}
	for _, stageError := range stageErrors {
		stage := stageError
		if idx := strings.Index(stageError, ":"); idx >= 0 {
			stage = stageError[:idx]
		}
		_, _ = auditor.WriteEvent(audit.Record{
			OrderID:        id,
			EventType:      fmt.Sprintf("pipeline_%s_fallback", stage),
			FallbackReason: posmodel.StrPtr(stageError),
			NeedsReview:    true,
		}, true)
	}
}
