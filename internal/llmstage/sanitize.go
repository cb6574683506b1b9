package llmstage

import (
	"strings"

	"github.com/posnorm/ingest/internal/posmodel"
)

var validGroupTypes = map[string]posmodel.GroupType{
	"pack_together": posmodel.GroupPackTogether,
	"separate":      posmodel.GroupSeparate,
	"other":         posmodel.GroupOther,
}

func safeConfidence(value any, fallback float64) float64 {
	f, ok := asFloat(value)
	if !ok {
		return fallback
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func safeBool(value any, fallback bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return fallback
}

func extractModTokens(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var tokens []string
	for _, item := range list {
		var token string
		switch v := item.(type) {
		case string:
			token = strings.TrimSpace(v)
		case map[string]any:
			for _, key := range []string{"mod", "mod_raw", "mod_name", "name"} {
				if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
					token = strings.TrimSpace(s)
					break
				}
			}
		}
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// sanitizeLLMItems validates and repairs the LLM's "items" payload
// against the actual candidate lookup, emitting an audit event for every
// deviation instead of trusting the model's output directly.
func sanitizeLLMItems(orderRaw *posmodel.OrderRawParsed, candidates posmodel.Candidates, allowedMods []string, itemLookup map[int]map[string]posmodel.CandidateItem, llmItems any, auditEvents *[]posmodel.AuditEvent) []posmodel.NormalizedItem {
	referenceSet := map[string]bool{}
	for _, mod := range allowedMods {
		referenceSet[mod] = true
	}

	byLine := map[int]map[string]any{}
	if llmItems != nil {
		if list, ok := llmItems.([]any); ok {
			for _, raw := range list {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if idx, ok := asInt(m["line_index"]); ok {
					byLine[idx] = m
				}
			}
		} else {
			*auditEvents = append(*auditEvents, newAuditEvent("invalid_items_payload", "LLM items payload is not a list", nil, nil, []string{"policy_violation", "review_queue"}))
		}
	}

	items := make([]posmodel.NormalizedItem, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		lineOutput, hasLineOutput := byLine[line.LineIndex]
		var lineReasons, lineTags []string

		if !hasLineOutput {
			idx := line.LineIndex
			*auditEvents = append(*auditEvents, newAuditEvent("missing_line_item_decision", "LLM did not provide item decision for this line", &idx, nil, []string{"review_queue"}))
			lineReasons = append(lineReasons, "missing_line_item_decision")
			lineTags = append(lineTags, "missing_line_item_decision")
			lineOutput = map[string]any{}
		}

		lineCandidates := candidates[line.LineIndex]
		var firstCandidate *posmodel.CandidateItem
		if len(lineCandidates) > 0 {
			firstCandidate = &lineCandidates[0]
		}
		lineLookup := itemLookup[line.LineIndex]

		selectedIDRaw, _ := lineOutput["item_id"].(string)
		missingItemID := strings.TrimSpace(selectedIDRaw) == ""
		var selectedID *string
		if missingItemID {
			idx := line.LineIndex
			*auditEvents = append(*auditEvents, newAuditEvent("missing_item_id", "LLM response missing item_id; fallback to first candidate", &idx, nil, []string{"review_queue"}))
			lineReasons = append(lineReasons, "item_id_missing")
			lineTags = append(lineTags, "item_id_missing")
		} else {
			selectedID = &selectedIDRaw
		}

		var selectedCandidate *posmodel.CandidateItem
		if selectedID != nil {
			if c, ok := lineLookup[*selectedID]; ok {
				selectedCandidate = &c
			}
		}
		invalidItemID := false
		if selectedCandidate == nil {
			selectedCandidate = firstCandidate
			if selectedID != nil {
				invalidItemID = true
				idx := line.LineIndex
				*auditEvents = append(*auditEvents, newAuditEvent("item_id_out_of_candidates", "LLM selected item_id not in candidates for this line", &idx, map[string]any{"item_id": *selectedID}, []string{"policy_violation", "review_queue"}))
				lineReasons = append(lineReasons, "item_id_out_of_scope")
				lineTags = append(lineTags, "item_id_out_of_scope")
			}
		}
		if selectedCandidate == nil {
			lineReasons = append(lineReasons, "missing_candidates")
			lineTags = append(lineTags, "missing_candidates")
		}

		lineText := joinNonEmpty(" ", line.RawLine, deref(line.NoteRaw))
		rawMods := lineOutput["mods"]
		_, rawModsIsList := rawMods.([]any)
		invalidModsPayload := rawMods != nil && !rawModsIsList
		if invalidModsPayload {
			idx := line.LineIndex
			*auditEvents = append(*auditEvents, newAuditEvent("invalid_mods_payload", "LLM mods payload is not a list; fallback to rule mods", &idx, nil, []string{"policy_violation", "review_queue"}))
			lineReasons = append(lineReasons, "mods_payload_invalid")
			lineTags = append(lineTags, "mods_payload_invalid")
		}
		requestedMods := extractModTokens(rawMods)
		if len(requestedMods) == 0 {
			requestedMods = ruleModsFromLine(lineText, allowedMods)
		}
		filtered := uniqueTokens(requestedMods)
		var beyondReference []string
		for _, token := range filtered {
			if !referenceSet[token] {
				beyondReference = append(beyondReference, token)
			}
		}
		if len(beyondReference) > 0 {
			idx := line.LineIndex
			*auditEvents = append(*auditEvents, newAuditEvent("mods_beyond_reference", "LLM returned mods beyond reference list (accepted)", &idx, map[string]any{"beyond_reference_mods": beyondReference}, nil))
		}

		confidenceMods := safeConfidence(lineOutput["confidence_mods"], 0.65)
		mods := make([]posmodel.Mod, 0, len(filtered))
		for _, token := range filtered {
			mods = append(mods, posmodel.Mod{
				ModRaw:     token,
				ModName:    posmodel.StrPtr(token),
				Confidence: posmodel.F64Ptr(confidenceMods),
				Version:    posmodel.ContractVersion,
			})
		}

		llmFlaggedReview := safeBool(lineOutput["needs_review"], false)
		lineNeedsReview := line.NeedsReview || invalidItemID || llmFlaggedReview ||
			selectedCandidate == nil || !hasLineOutput || missingItemID || invalidModsPayload

		if line.NeedsReview {
			lineReasons = append(lineReasons, "raw_line_needs_review")
			lineTags = append(lineTags, "raw_line_needs_review")
		}
		if llmFlaggedReview {
			lineReasons = append(lineReasons, "llm_flagged_review")
			lineTags = append(lineTags, "llm_flagged_review")
		}

		nameNormalized := line.NameRaw
		var itemCode *string
		if selectedCandidate != nil {
			nameNormalized = selectedCandidate.CandidateName
			itemCode = selectedCandidate.CandidateCode
		}

		items = append(items, posmodel.NormalizedItem{
			LineIndex:      line.LineIndex,
			RawLine:        line.RawLine,
			NameRaw:        line.NameRaw,
			Qty:            line.Qty,
			NameNormalized: nameNormalized,
			ItemCode:       itemCode,
			NoteRaw:        line.NoteRaw,
			Mods:           mods,
			ConfidenceItem: posmodel.F64Ptr(safeConfidence(lineOutput["confidence_item"], 0.65)),
			ConfidenceMods: posmodel.F64Ptr(confidenceMods),
			NeedsReview:    lineNeedsReview,
			Metadata: map[string]any{
				"selected_item_id": selectedID,
				"selection_source": "llm",
				"invalid_item_id":  invalidItemID,
				"review_reasons":   uniqueTokens(lineReasons),
				"review_tags":      uniqueTokens(lineTags),
			},
			Version: posmodel.ContractVersion,
		})
	}
	return items
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// sanitizeLLMGroups validates the LLM's "groups" payload against the
// order's actual line indices, dropping and auditing anything
// out-of-scope rather than trusting it.
func sanitizeLLMGroups(rawGroups any, validLineIndices map[int]bool, auditEvents *[]posmodel.AuditEvent) []posmodel.GroupResult {
	if rawGroups == nil {
		return nil
	}
	list, ok := rawGroups.([]any)
	if !ok {
		*auditEvents = append(*auditEvents, newAuditEvent("invalid_groups_payload", "LLM groups payload is not a list", nil, nil, []string{"policy_violation", "review_queue"}))
		return nil
	}

	var groups []posmodel.GroupResult
	seen := map[string]bool{}
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			*auditEvents = append(*auditEvents, newAuditEvent("invalid_group_entry", "LLM group entry is not an object", nil, nil, []string{"policy_violation", "review_queue"}))
			continue
		}
		rawIndices, ok := m["line_indices"].([]any)
		if !ok {
			*auditEvents = append(*auditEvents, newAuditEvent("invalid_group_line_indices_payload", "LLM group line_indices must be a list", nil, nil, []string{"policy_violation", "review_queue"}))
			continue
		}

		var invalidIndices []int
		var valid []int
		for _, item := range rawIndices {
			idx, ok := asInt(item)
			if !ok || !validLineIndices[idx] {
				if ok {
					invalidIndices = append(invalidIndices, idx)
				}
				continue
			}
			valid = append(valid, idx)
		}
		if len(invalidIndices) > 0 {
			*auditEvents = append(*auditEvents, newAuditEvent("group_line_indices_out_of_scope", "LLM group contains out-of-scope line indices", nil, map[string]any{"invalid_line_indices": invalidIndices}, []string{"policy_violation", "review_queue"}))
		}
		indices := uniqueSortedInts(valid)
		if len(indices) < 2 {
			*auditEvents = append(*auditEvents, newAuditEvent("group_line_indices_insufficient", "LLM group must reference at least two valid line indices", nil, map[string]any{"line_indices": indices}, []string{"policy_violation", "review_queue"}))
			continue
		}

		groupTypeRaw, _ := m["type"].(string)
		needsReview := safeBool(m["needs_review"], false)
		var reviewReasons, reviewTags []string
		if len(invalidIndices) > 0 {
			needsReview = true
			reviewReasons = append(reviewReasons, "group_line_indices_out_of_scope")
			reviewTags = append(reviewTags, "group_line_indices_out_of_scope")
		}

		groupType, validType := validGroupTypes[groupTypeRaw]
		if !validType {
			*auditEvents = append(*auditEvents, newAuditEvent("group_type_out_of_allowed", "LLM group type is outside allowed set", nil, map[string]any{"group_type": groupTypeRaw}, []string{"policy_violation", "review_queue"}))
			groupType = posmodel.GroupOther
			needsReview = true
			reviewReasons = append(reviewReasons, "group_type_out_of_scope")
			reviewTags = append(reviewTags, "group_type_out_of_scope")
		}
		if safeBool(m["needs_review"], false) {
			reviewReasons = append(reviewReasons, "llm_flagged_review")
			reviewTags = append(reviewTags, "llm_flagged_review")
		}

		key := string(groupType) + "|" + intsKey(indices)
		if seen[key] {
			*auditEvents = append(*auditEvents, newAuditEvent("duplicate_group", "Duplicate group by type and line indices was dropped", nil, map[string]any{"group_type": groupTypeRaw, "line_indices": indices}, []string{"review_queue"}))
			continue
		}
		seen[key] = true

		groupID, _ := m["group_id"].(string)
		if groupID == "" {
			groupID = groupIDFor(len(groups) + 1)
		}
		label, _ := m["label"].(string)
		if label == "" {
			label = "llm_group"
		}

		groups = append(groups, posmodel.GroupResult{
			GroupID:         groupID,
			Type:            groupType,
			Label:           label,
			LineIndices:     indices,
			ConfidenceGroup: posmodel.F64Ptr(safeConfidence(m["confidence_group"], 0.7)),
			NeedsReview:     needsReview,
			Metadata: map[string]any{
				"source":         "llm",
				"review_reasons": uniqueTokens(reviewReasons),
				"review_tags":    uniqueTokens(reviewTags),
			},
			Version: posmodel.ContractVersion,
		})
	}
	if len(list) > 0 && len(groups) == 0 {
		*auditEvents = append(*auditEvents, newAuditEvent("invalid_groups", "LLM returned groups but none were valid", nil, nil, []string{"review_queue"}))
	}
	return groups
}
