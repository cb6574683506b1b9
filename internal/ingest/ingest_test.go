package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/posnorm/ingest/internal/audit"
	"github.com/posnorm/ingest/internal/poscache"
	"github.com/posnorm/ingest/internal/posmodel"
)

func sampleCatalog() posmodel.MenuCatalog {
	return posmodel.MenuCatalog{
		Version: "v1",
		Raw: map[string]any{
			"PEARL_MILK_TEA":   map[string]any{"canonical_name": "珍珠奶茶"},
			"PUDDING_MILK_TEA": map[string]any{"canonical_name": "布丁奶茶"},
		},
	}
}

func TestIngestReceiptWithoutLLMFallsBackButStillMerges(t *testing.T) {
	resp, err := IngestReceipt(context.Background(), "珍珠奶茶 x2\n布丁奶茶", nil, Options{
		Catalog:     sampleCatalog(),
		AllowedMods: posmodel.AllowedMods{"少冰"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Accepted {
		t.Errorf("expected accepted=true when every stage succeeds, got false (errors=%v)", resp.Errors)
	}
	if resp.Merged.OrderID == nil || *resp.Merged.OrderID == "" {
		t.Errorf("expected a minted order_id, got %v", resp.Merged.OrderID)
	}
	if len(resp.Merged.Items) != 2 {
		t.Fatalf("expected 2 merged items, got %d", len(resp.Merged.Items))
	}
	if resp.LLMRuntime.Enabled {
		t.Errorf("expected llm disabled without a client or env configuration")
	}
	if resp.Version != posmodel.APIContractVersion {
		t.Errorf("expected response version %s, got %s", posmodel.APIContractVersion, resp.Version)
	}
}

func TestIngestReceiptUsesCallerSuppliedOrderID(t *testing.T) {
	orderID := "order-123"
	resp, err := IngestReceipt(context.Background(), "珍珠奶茶", &orderID, Options{Catalog: sampleCatalog()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Merged.OrderID == nil || *resp.Merged.OrderID != orderID {
		t.Errorf("expected order_id %s to be preserved, got %v", orderID, resp.Merged.OrderID)
	}
}

func TestIngestReceiptWithInjectedClient(t *testing.T) {
	client := &stubCompleter{response: `{"items":[{"line_index":0,"name_normalized":"珍珠奶茶","item_code":"PEARL_MILK_TEA","qty":1,"confidence_item":0.97,"confidence_mods":0.9,"mods":[]}],"groups":[]}`}
	resp, err := IngestReceipt(context.Background(), "珍珠奶茶", nil, Options{
		Catalog: sampleCatalog(),
		Client:  client,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.LLMRuntime.Enabled || resp.LLMRuntime.Reason != injectedClientReason {
		t.Errorf("expected injected-client runtime info, got %+v", resp.LLMRuntime)
	}
	if resp.Merged.Items[0].ItemCode == nil || *resp.Merged.Items[0].ItemCode != "PEARL_MILK_TEA" {
		t.Errorf("expected item_code PEARL_MILK_TEA, got %v", resp.Merged.Items[0].ItemCode)
	}
}

func TestIngestReceiptWritesAndReadsItemMappingCache(t *testing.T) {
	cache, err := poscache.New(poscache.NewMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client := &stubCompleter{response: `{"items":[{"line_index":0,"name_normalized":"珍珠奶茶","item_id":"PEARL_MILK_TEA","qty":1,"confidence_item":0.97,"confidence_mods":0.9,"mods":[]}],"groups":[]}`}

	firstResp, err := IngestReceipt(context.Background(), "珍珠奶茶 x1", nil, Options{
		Catalog: sampleCatalog(),
		Client:  client,
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstResp.Merged.Items[0].ItemCode == nil || *firstResp.Merged.Items[0].ItemCode != "PEARL_MILK_TEA" {
		t.Fatalf("expected the first call to resolve PEARL_MILK_TEA, got %v", firstResp.Merged.Items[0].ItemCode)
	}

	entry, ok, err := cache.Get(poscache.ItemMappingCache, map[string]any{"name_raw": "珍珠奶茶", "menu_catalog_version": "v1"})
	if err != nil || !ok {
		t.Fatalf("expected a cached item mapping after a confident resolution, ok=%v err=%v", ok, err)
	}
	if entry.Value != "PEARL_MILK_TEA" {
		t.Errorf("expected cached value PEARL_MILK_TEA, got %v", entry.Value)
	}

	secondResp, err := IngestReceipt(context.Background(), "珍珠奶茶", nil, Options{
		Catalog: sampleCatalog(),
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	top := secondResp.Candidates[0][0]
	if top.CandidateCode == nil || *top.CandidateCode != "PEARL_MILK_TEA" {
		t.Errorf("expected the cache hit to be promoted to the top candidate without an LLM client, got %+v", top)
	}
	if top.Metadata["item_mapping_cache_hit"] != true {
		t.Errorf("expected item_mapping_cache_hit metadata on the promoted candidate")
	}
}

func TestWriteStageFallbackAuditsWritesOneEventPerStageError(t *testing.T) {
	dir := t.TempDir()
	logger, err := audit.NewLogger(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orderID := "order-1"
	writeStageFallbackAudits(logger, &orderID, []string{"parse:formatError:bad receipt", "candidates:scoreError:no catalog"})

	events, err := logger.ListEvents(orderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0]["event_type"] != "pipeline_parse_fallback" {
		t.Errorf("expected event_type pipeline_parse_fallback, got %v", events[0]["event_type"])
	}
	if events[1]["event_type"] != "pipeline_candidates_fallback" {
		t.Errorf("expected event_type pipeline_candidates_fallback, got %v", events[1]["event_type"])
	}
	if events[0]["fallback_reason"] != "parse:formatError:bad receipt" {
		t.Errorf("expected fallback_reason preserved verbatim, got %v", events[0]["fallback_reason"])
	}
}

type stubCompleter struct {
	response string
	err      error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func TestResolveOrderIDTrimsWhitespaceBeforeMinting(t *testing.T) {
	blank := "   "
	id := resolveOrderID(&blank)
	if id == nil || strings.TrimSpace(*id) == "" {
		t.Errorf("expected a minted id for a whitespace-only supplied order_id")
	}
}
