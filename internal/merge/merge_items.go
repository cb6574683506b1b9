package merge

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/posnorm/ingest/internal/posmodel"
)

// collectLLMItems indexes the structured result's sanitized items by
// line_index, auditing (and dropping) anything referencing a line index
// outside the parser's own lines, and keeping only the first item seen
// for any line_index that repeats.
func collectLLMItems(rawItems []posmodel.NormalizedItem, validLineIndices mapset.Set[int], auditEvents *[]posmodel.AuditEvent) map[int]posmodel.NormalizedItem {
	byLine := map[int]posmodel.NormalizedItem{}
	for _, item := range rawItems {
		if !validLineIndices.Contains(item.LineIndex) {
			idx := item.LineIndex
			*auditEvents = append(*auditEvents, auditEvent("item_invalid_line_index", "LLM item line_index not found in parser lines", &idx, nil))
			continue
		}
		if _, exists := byLine[item.LineIndex]; exists {
			idx := item.LineIndex
			*auditEvents = append(*auditEvents, auditEvent("item_duplicate_line_index", "Duplicate LLM item for the same line_index; first one is kept", &idx, nil))
			continue
		}
		byLine[item.LineIndex] = item
	}
	return byLine
}

func auditEvent(eventType, message string, lineIndex *int, metadata map[string]any) posmodel.AuditEvent {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return posmodel.AuditEvent{
		EventType: eventType,
		Message:   message,
		LineIndex: lineIndex,
		Metadata:  metadata,
		Version:   posmodel.ContractVersion,
	}
}

func normalizeMod(mod posmodel.Mod, defaultConfidence *float64) (posmodel.Mod, bool) {
	token := mod.ModRaw
	if token == "" {
		if mod.ModName != nil {
			token = *mod.ModName
		}
	}
	if token == "" {
		if mod.ModValue != nil {
			token = *mod.ModValue
		}
	}
	if token == "" {
		return posmodel.Mod{}, false
	}

	confidence := mod.Confidence
	if confidence == nil {
		confidence = defaultConfidence
	}
	return posmodel.Mod{
		ModRaw:      token,
		ModName:     mod.ModName,
		ModValue:    mod.ModValue,
		Confidence:  confidence,
		NeedsReview: mod.NeedsReview,
		Metadata:    mod.Metadata,
		Version:     valueOr(mod.Version, posmodel.ContractVersion),
	}, true
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// mergeOneItem merges one parser line with its (possibly absent)
// sanitized LLM item into a final NormalizedItem, re-validating qty,
// confidence, item_code, name, and mods against the catalog/candidate
// scope rather than trusting the LLM stage's output directly.
func mergeOneItem(line posmodel.RawLine, llmItem posmodel.NormalizedItem, hasLLMItem bool, lineCandidates []posmodel.CandidateItem, validCatalogIDs mapset.Set[string], itemThreshold, modsThreshold float64, auditEvents *[]posmodel.AuditEvent) posmodel.NormalizedItem {
	needsReview := line.NeedsReview
	var primaryCandidate *posmodel.CandidateItem
	if len(lineCandidates) > 0 {
		primaryCandidate = &lineCandidates[0]
	}

	sourceMetadata := map[string]any{}
	if hasLLMItem {
		for k, v := range llmItem.Metadata {
			sourceMetadata[k] = v
		}
	}

	qty := line.Qty
	if hasLLMItem {
		if llmItem.Qty > 0 {
			qty = llmItem.Qty
		} else if llmItem.Qty != 0 {
			needsReview = true
			*auditEvents = append(*auditEvents, auditEvent("qty_invalid", "LLM qty must be positive integer; raw qty is kept", posmodel.IntPtr(line.LineIndex), map[string]any{"qty": llmItem.Qty}))
		}
	}
	if qty <= 0 {
		needsReview = true
		*auditEvents = append(*auditEvents, auditEvent("qty_invalid", "Final qty must be positive integer", posmodel.IntPtr(line.LineIndex), map[string]any{"qty": qty}))
	}

	var confidenceItem, confidenceMods *float64
	if hasLLMItem {
		confidenceItem = normalizeConfidence(derefFloat(llmItem.ConfidenceItem))
		confidenceMods = normalizeConfidence(derefFloat(llmItem.ConfidenceMods))
	}
	if confidenceItem == nil || *confidenceItem < itemThreshold {
		needsReview = true
	}
	if confidenceMods == nil || *confidenceMods < modsThreshold {
		needsReview = true
	}

	var itemCode string
	if hasLLMItem {
		itemCode = derefStr(llmItem.ItemCode)
	}
	itemCodeIsValid := itemCode != "" && validCatalogIDs.Contains(itemCode)
	if itemCode != "" && !itemCodeIsValid {
		needsReview = true
		*auditEvents = append(*auditEvents, auditEvent("item_code_not_in_catalog", "LLM item_code not found in menu_catalog; fallback is applied", posmodel.IntPtr(line.LineIndex), map[string]any{"item_code": itemCode}))
		itemCode = ""
	}

	var fallbackReason string
	var selectedCandidate *posmodel.CandidateItem
	if itemCode != "" {
		selectedCandidate = findCandidateByCode(lineCandidates, itemCode)
	}
	if itemCode != "" && selectedCandidate == nil {
		needsReview = true
		fallbackReason = firstNonEmpty(fallbackReason, "item_code_not_in_line_candidates")
		*auditEvents = append(*auditEvents, auditEvent("item_code_not_in_line_candidates", "LLM item_code is not in this line's candidates; fallback is applied when possible", posmodel.IntPtr(line.LineIndex), map[string]any{"item_code": itemCode}))
		itemCode = ""
	}
	if itemCode == "" && primaryCandidate != nil {
		if primaryCandidate.CandidateCode != nil && *primaryCandidate.CandidateCode != "" && validCatalogIDs.Contains(*primaryCandidate.CandidateCode) {
			itemCode = *primaryCandidate.CandidateCode
			selectedCandidate = primaryCandidate
			needsReview = true
			fallbackReason = firstNonEmpty(fallbackReason, "candidate_fallback")
			*auditEvents = append(*auditEvents, auditEvent("item_fallback_to_candidate", "LLM item_code missing/invalid; using top candidate", posmodel.IntPtr(line.LineIndex), map[string]any{"item_code": itemCode}))
		}
	}

	var nameNormalized string
	if hasLLMItem {
		nameNormalized = llmItem.NameNormalized
	}
	if nameNormalized == "" && selectedCandidate != nil {
		nameNormalized = selectedCandidate.CandidateName
		if hasLLMItem {
			needsReview = true
			fallbackReason = firstNonEmpty(fallbackReason, "name_from_candidate")
		}
	}
	if nameNormalized == "" {
		nameNormalized = line.NameRaw
		needsReview = true
		fallbackReason = firstNonEmpty(fallbackReason, "name_from_raw")
	}

	var mods []posmodel.Mod
	if hasLLMItem {
		for _, rawMod := range llmItem.Mods {
			normalized, ok := normalizeMod(rawMod, confidenceMods)
			if !ok {
				needsReview = true
				continue
			}
			modConfLow := normalized.Confidence == nil || *normalized.Confidence < modsThreshold
			mods = append(mods, posmodel.Mod{
				ModRaw:      normalized.ModRaw,
				ModName:     normalized.ModName,
				ModValue:    normalized.ModValue,
				Confidence:  normalized.Confidence,
				NeedsReview: normalized.NeedsReview || modConfLow,
				Metadata:    normalized.Metadata,
				Version:     normalized.Version,
			})
		}
	}

	llmItemNeedsReview := true
	if hasLLMItem {
		llmItemNeedsReview = llmItem.NeedsReview
	} else {
		needsReview = true
		fallbackReason = firstNonEmpty(fallbackReason, "llm_item_missing")
		*auditEvents = append(*auditEvents, auditEvent("llm_item_missing", "No LLM item for parser line; using fallback fields", posmodel.IntPtr(line.LineIndex), nil))
	}
	if llmItemNeedsReview {
		needsReview = true
	}

	itemMetadata := sourceMetadata
	itemMetadata["merge_source"] = mergeSource(hasLLMItem)
	itemMetadata["fallback_reason"] = nilIfEmpty(fallbackReason)
	itemMetadata["catalog_valid"] = itemCode != "" && validCatalogIDs.Contains(itemCode)

	var itemCodePtr *string
	if itemCode != "" {
		itemCodePtr = &itemCode
	}
	var groupID *string
	if hasLLMItem {
		groupID = llmItem.GroupID
	}

	version := posmodel.ContractVersion
	if hasLLMItem && llmItem.Version != "" {
		version = llmItem.Version
	}

	return posmodel.NormalizedItem{
		LineIndex:      line.LineIndex,
		RawLine:        line.RawLine,
		NameRaw:        line.NameRaw,
		Qty:            qty,
		NameNormalized: nameNormalized,
		ItemCode:       itemCodePtr,
		NoteRaw:        line.NoteRaw,
		Mods:           mods,
		GroupID:        groupID,
		ConfidenceItem: confidenceItem,
		ConfidenceMods: confidenceMods,
		NeedsReview:    needsReview,
		Metadata:       itemMetadata,
		Version:        version,
	}
}

func mergeSource(hasLLMItem bool) string {
	if hasLLMItem {
		return "llm"
	}
	return "fallback"
}

func firstNonEmpty(current, candidate string) string {
	if current != "" {
		return current
	}
	return candidate
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
