// Package merge implements the final merge-and-validate stage: it takes
// the parser's raw lines, the candidate generator's suggestions, and the
// LLM stage's structured result, and produces one validated
// OrderNormalized with every field checked against the menu catalog,
// allowed-mods list, and line-index scope — falling back to candidate-
// or raw-line-derived values, and flagging for review, wherever the LLM
// output can't be trusted as-is.
package merge

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/posnorm/ingest/internal/posmodel"
)

const defaultThreshold = 0.85

const (
	routeAutoDispatch = "auto-dispatch"
	routeReviewQueue  = "review-queue"
)

var validGroupTypes = map[posmodel.GroupType]bool{
	posmodel.GroupPackTogether: true,
	posmodel.GroupSeparate:     true,
	posmodel.GroupOther:        true,
}

func normalizeThreshold(value float64, wasSet bool) float64 {
	if !wasSet {
		return defaultThreshold
	}
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// DispatchDecision records whether this order can be auto-dispatched to
// the kitchen or must be routed to a human review queue, and why.
type DispatchDecision struct {
	Route              string   `json:"route"`
	ShouldAutoDispatch bool     `json:"should_auto_dispatch"`
	Reasons            []string `json:"reasons"`
}

// Options carries the menu catalog, allowed mods, and thresholds used to
// validate the LLM stage's output.
type Options struct {
	MenuCatalog    *posmodel.MenuCatalog
	AllowedMods    posmodel.AllowedMods
	ItemThreshold  float64
	ModsThreshold  float64
	GroupThreshold float64

	hasItemThreshold  bool
	hasModsThreshold  bool
	hasGroupThreshold bool
}

// WithItemThreshold overrides the item-confidence review threshold.
func (o Options) WithItemThreshold(v float64) Options {
	o.ItemThreshold, o.hasItemThreshold = v, true
	return o
}

// WithModsThreshold overrides the mods-confidence review threshold.
func (o Options) WithModsThreshold(v float64) Options {
	o.ModsThreshold, o.hasModsThreshold = v, true
	return o
}

// WithGroupThreshold overrides the group-confidence review threshold.
func (o Options) WithGroupThreshold(v float64) Options {
	o.GroupThreshold, o.hasGroupThreshold = v, true
	return o
}

// MergeAndValidate merges the raw lines, candidates, and structured LLM
// result into one validated OrderNormalized.
func MergeAndValidate(orderRaw *posmodel.OrderRawParsed, candidates posmodel.Candidates, structured posmodel.StructuredResult, opts Options) posmodel.OrderNormalized {
	itemThreshold := normalizeThreshold(opts.ItemThreshold, opts.hasItemThreshold)
	modsThreshold := normalizeThreshold(opts.ModsThreshold, opts.hasModsThreshold)
	groupThreshold := normalizeThreshold(opts.GroupThreshold, opts.hasGroupThreshold)

	copiedLines := make([]posmodel.RawLine, len(orderRaw.Lines))
	validLineIndices := mapset.NewThreadUnsafeSet[int]()
	for i, line := range orderRaw.Lines {
		copiedLines[i] = copyRawLine(line)
		validLineIndices.Add(line.LineIndex)
	}

	validCatalogIDs := catalogIDs(opts.MenuCatalog, candidates)

	auditEvents := append([]posmodel.AuditEvent(nil), structured.AuditEvents...)
	llmItemsByLine := collectLLMItems(structured.Items, validLineIndices, &auditEvents)

	items := make([]posmodel.NormalizedItem, 0, len(copiedLines))
	for _, line := range copiedLines {
		llmItem, hasLLMItem := llmItemsByLine[line.LineIndex]
		items = append(items, mergeOneItem(line, llmItem, hasLLMItem, candidates[line.LineIndex], validCatalogIDs, itemThreshold, modsThreshold, &auditEvents))
	}

	groups := mergeGroups(structured.Groups, validLineIndices, groupThreshold, &auditEvents)

	overallNeedsReview := orderRaw.NeedsReview
	if !overallNeedsReview {
		for _, item := range items {
			if item.NeedsReview {
				overallNeedsReview = true
				break
			}
		}
	}
	if !overallNeedsReview {
		for _, group := range groups {
			if group.NeedsReview {
				overallNeedsReview = true
				break
			}
		}
	}

	dispatch := buildDispatchDecision(orderRaw, items, groups, overallNeedsReview)

	mergedMetadata := map[string]any{}
	for k, v := range orderRaw.Metadata {
		mergedMetadata[k] = v
	}
	mergedMetadata["structured_result_metadata"] = structured.Metadata
	mergedMetadata["thresholds"] = map[string]any{
		"item_threshold":  itemThreshold,
		"mods_threshold":  modsThreshold,
		"group_threshold": groupThreshold,
	}
	mergedMetadata["validation_rules"] = map[string]any{
		"group_membership_rule": "single_group_per_line_first_wins",
		"mods_filter_mode":      "open",
	}
	mergedMetadata["dispatch_decision"] = dispatch

	var confidenceValues []float64
	for _, item := range items {
		if item.ConfidenceItem != nil {
			confidenceValues = append(confidenceValues, *item.ConfidenceItem)
		}
		if item.ConfidenceMods != nil {
			confidenceValues = append(confidenceValues, *item.ConfidenceMods)
		}
	}
	for _, group := range groups {
		if group.ConfidenceGroup != nil {
			confidenceValues = append(confidenceValues, *group.ConfidenceGroup)
		}
	}
	var orderConfidence *float64
	if len(confidenceValues) > 0 {
		min := confidenceValues[0]
		for _, v := range confidenceValues[1:] {
			if v < min {
				min = v
			}
		}
		orderConfidence = &min
	}

	return posmodel.OrderNormalized{
		SourceText:         orderRaw.SourceText,
		Items:              items,
		Groups:             groups,
		OrderID:            orderRaw.OrderID,
		Lines:              copiedLines,
		AuditEvents:        auditEvents,
		OverallNeedsReview: overallNeedsReview,
		OrderConfidence:    orderConfidence,
		Metadata:           mergedMetadata,
		Version:            posmodel.ContractVersion,
	}
}

func copyRawLine(line posmodel.RawLine) posmodel.RawLine {
	metadata := map[string]any{}
	for k, v := range line.Metadata {
		metadata[k] = v
	}
	return posmodel.RawLine{
		LineIndex:   line.LineIndex,
		RawLine:     line.RawLine,
		NameRaw:     line.NameRaw,
		Qty:         line.Qty,
		NoteRaw:     line.NoteRaw,
		NeedsReview: line.NeedsReview,
		Metadata:    metadata,
		Version:     line.Version,
	}
}

func catalogIDs(catalog *posmodel.MenuCatalog, candidates posmodel.Candidates) mapset.Set[string] {
	ids := mapset.NewThreadUnsafeSet[string]()
	if catalog != nil {
		switch raw := catalog.Raw.(type) {
		case map[string]any:
			for itemID := range raw {
				if itemID != "" {
					ids.Add(itemID)
				}
			}
			return ids
		case []any:
			for _, entry := range raw {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				itemID, _ := m["item_id"].(string)
				if itemID == "" {
					itemID, _ = m["item_code"].(string)
				}
				if itemID != "" {
					ids.Add(itemID)
				}
			}
			if ids.Cardinality() > 0 {
				return ids
			}
		}
	}

	for _, lineCandidates := range candidates {
		for _, candidate := range lineCandidates {
			if candidate.CandidateCode != nil && *candidate.CandidateCode != "" {
				ids.Add(*candidate.CandidateCode)
			}
		}
	}
	return ids
}

func findCandidateByCode(lineCandidates []posmodel.CandidateItem, itemCode string) *posmodel.CandidateItem {
	if itemCode == "" {
		return nil
	}
	for i := range lineCandidates {
		if lineCandidates[i].CandidateCode != nil && *lineCandidates[i].CandidateCode == itemCode {
			return &lineCandidates[i]
		}
	}
	return nil
}

func normalizeConfidence(value any) *float64 {
	f, ok := asFloat(value)
	if !ok || f < 0 {
		return nil
	}
	if f <= 1 {
		return &f
	}
	if f <= 100 {
		scaled := f / 100.0
		return &scaled
	}
	return nil
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
