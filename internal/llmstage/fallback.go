package llmstage

import (
	"strings"

	"github.com/posnorm/ingest/internal/posmodel"
)

func ruleModsFromLine(lineText string, allowedMods []string) []string {
	var mods []string
	seen := map[string]bool{}
	for _, mod := range allowedMods {
		if mod == "" || seen[mod] {
			continue
		}
		if strings.Contains(lineText, mod) {
			mods = append(mods, mod)
			seen[mod] = true
		}
	}
	return mods
}

// buildFallbackItems is used whenever no usable LLM response was
// obtained: every line falls back to its first candidate (if any) with
// rule-matched modifiers only, and is unconditionally flagged for
// review.
func buildFallbackItems(orderRaw *posmodel.OrderRawParsed, candidates posmodel.Candidates, allowedMods []string, forceReview bool, fallbackReason string, auditEvents *[]posmodel.AuditEvent) []posmodel.NormalizedItem {
	items := make([]posmodel.NormalizedItem, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		lineCandidates := candidates[line.LineIndex]
		var selected *posmodel.CandidateItem
		if len(lineCandidates) > 0 {
			selected = &lineCandidates[0]
		}

		var reviewReasons, reviewTags []string
		if forceReview {
			reviewReasons = append(reviewReasons, "llm_fallback")
			reviewTags = append(reviewTags, "llm_fallback")
			if fallbackReason != "" {
				reviewReasons = append(reviewReasons, "fallback:"+fallbackReason)
				reviewTags = append(reviewTags, fallbackReason)
			}
		}
		if selected == nil {
			idx := line.LineIndex
			*auditEvents = append(*auditEvents, newAuditEvent("missing_candidates", "No candidates found; fallback to raw line", &idx, nil, nil))
			reviewReasons = append(reviewReasons, "missing_candidates")
			reviewTags = append(reviewTags, "missing_candidates")
		}

		lineText := joinNonEmpty(" ", line.RawLine, deref(line.NoteRaw))
		modTokens := ruleModsFromLine(lineText, allowedMods)
		mods := make([]posmodel.Mod, 0, len(modTokens))
		for _, token := range modTokens {
			mods = append(mods, posmodel.Mod{
				ModRaw:      token,
				ModName:     posmodel.StrPtr(token),
				Confidence:  posmodel.F64Ptr(0.35),
				NeedsReview: forceReview,
				Version:     posmodel.ContractVersion,
			})
		}

		nameNormalized := line.NameRaw
		var itemCode *string
		if selected != nil {
			nameNormalized = selected.CandidateName
			itemCode = selected.CandidateCode
		}

		needsReview := line.NeedsReview
		if forceReview {
			needsReview = true
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
			ConfidenceItem: posmodel.F64Ptr(0.0),
			ConfidenceMods: posmodel.F64Ptr(0.0),
			NeedsReview:    needsReview,
			Metadata: map[string]any{
				"selection_source": "fallback_first_candidate",
				"review_reasons":   uniqueTokens(reviewReasons),
				"review_tags":      uniqueTokens(reviewTags),
			},
			Version: posmodel.ContractVersion,
		})
	}
	return items
}
