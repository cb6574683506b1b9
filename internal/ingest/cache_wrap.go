package ingest

import (
	"strings"

	"github.com/posnorm/ingest/internal/poscache"
	"github.com/posnorm/ingest/internal/posmodel"
)

// applyItemMappingCache is the read-before half of item_mapping_cache
// integration: for every line with a live cache hit, the cached item
// code is promoted to the front of that line's candidate list (a fresh
// synthetic candidate if the catalog no longer offers it under that
// exact code) so every downstream stage treats a cache hit the same way
// it treats a high-confidence fuzzy match.
func applyItemMappingCache(cache *poscache.Cache, orderRaw *posmodel.OrderRawParsed, catalog posmodel.MenuCatalog, cands posmodel.Candidates) posmodel.Candidates {
	if cache == nil {
		return cands
	}
	for _, line := range orderRaw.Lines {
		payload := itemMappingKey(line.NameRaw, catalog.Version)
		entry, ok, err := cache.Get(poscache.ItemMappingCache, payload)
		if err != nil || !ok {
			continue
		}
		itemCode, ok := entry.Value.(string)
		if !ok || itemCode == "" {
			continue
		}
		cands[line.LineIndex] = promoteCachedCandidate(cands[line.LineIndex], line, itemCode, entry.Confidence)
	}
	return cands
}

func promoteCachedCandidate(lineCandidates []posmodel.CandidateItem, line posmodel.RawLine, itemCode string, confidence float64) []posmodel.CandidateItem {
	for i, candidate := range lineCandidates {
		if candidate.CandidateCode != nil && *candidate.CandidateCode == itemCode {
			promoted := lineCandidates[i]
			promoted.ConfidenceItem = posmodel.F64Ptr(confidence)
			promoted.Metadata = withCacheHitMeta(promoted.Metadata)
			rest := append([]posmodel.CandidateItem{}, lineCandidates[:i]...)
			rest = append(rest, lineCandidates[i+1:]...)
			return append([]posmodel.CandidateItem{promoted}, rest...)
		}
	}

	synthetic := posmodel.CandidateItem{
		LineIndex:      line.LineIndex,
		RawLine:        line.RawLine,
		NameRaw:        line.NameRaw,
		Qty:            line.Qty,
		CandidateName:  line.NameRaw,
		CandidateCode:  posmodel.StrPtr(itemCode),
		NoteRaw:        line.NoteRaw,
		ConfidenceItem: posmodel.F64Ptr(confidence),
		Metadata:       withCacheHitMeta(nil),
		Version:        posmodel.ContractVersion,
	}
	return append([]posmodel.CandidateItem{synthetic}, lineCandidates...)
}

func withCacheHitMeta(metadata map[string]any) map[string]any {
	clone := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		clone[k] = v
	}
	clone["item_mapping_cache_hit"] = true
	return clone
}

// saveItemMappingCache is the write-after half: once merge has settled
// on an item_code for a line that needs no review and has confidence_item
// of at least 0.85, that resolution is remembered so a repeat of the same
// raw name against the same catalog version gets it promoted to the top
// candidate (see applyItemMappingCache). Candidate generation and the LLM
// stage still run on a repeat.
func saveItemMappingCache(cache *poscache.Cache, orderRaw *posmodel.OrderRawParsed, catalog posmodel.MenuCatalog, items []posmodel.NormalizedItem) {
	if cache == nil {
		return
	}
	for _, item := range items {
		if item.NeedsReview || item.ItemCode == nil || *item.ItemCode == "" {
			continue
		}
		if item.ConfidenceItem == nil || *item.ConfidenceItem < 0.85 {
			continue
		}
		payload := itemMappingKey(item.NameRaw, catalog.Version)
		_, _ = cache.Set(poscache.ItemMappingCache, payload, *item.ItemCode, *item.ConfidenceItem, nil)
	}
}

func itemMappingKey(nameRaw, catalogVersion string) map[string]any {
	return map[string]any{
		"name_raw":             strings.TrimSpace(nameRaw),
		"menu_catalog_version": catalogVersion,
	}
}
