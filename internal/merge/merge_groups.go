package merge

import (
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/posnorm/ingest/internal/posmodel"
)

// mergeGroups validates the structured result's groups against the
// parser's valid line indices, resolving line-ownership conflicts on a
// first-group-wins basis (a line already claimed by an earlier group is
// dropped from every later one rather than duplicated across groups). A
// group left with fewer than two lines after cleaning is kept, not
// dropped, but always flagged for review.
func mergeGroups(rawGroups []posmodel.GroupResult, validLineIndices mapset.Set[int], groupThreshold float64, auditEvents *[]posmodel.AuditEvent) []posmodel.GroupResult {
	merged := make([]posmodel.GroupResult, 0, len(rawGroups))
	occupied := map[int]string{}

	for idx, raw := range rawGroups {
		groupID := raw.GroupID
		if groupID == "" {
			groupID = groupIDFor(idx + 1)
		}
		groupType := raw.Type
		groupTypeWasValid := validGroupTypes[groupType]
		if !groupTypeWasValid {
			groupType = posmodel.GroupOther
		}
		label := raw.Label
		if label == "" {
			label = "group"
		}

		seenLocal := mapset.NewThreadUnsafeSet[int]()
		var cleaned []int
		outOfRangeFound := false
		duplicatedFound := false
		for _, lineIndex := range raw.LineIndices {
			if !validLineIndices.Contains(lineIndex) {
				outOfRangeFound = true
				continue
			}
			if seenLocal.Contains(lineIndex) {
				duplicatedFound = true
				continue
			}
			seenLocal.Add(lineIndex)
			cleaned = append(cleaned, lineIndex)
		}

		conflictFound := false
		finalIndices := make([]int, 0, len(cleaned))
		for _, lineIndex := range cleaned {
			if _, taken := occupied[lineIndex]; taken {
				conflictFound = true
				continue
			}
			occupied[lineIndex] = groupID
			finalIndices = append(finalIndices, lineIndex)
		}

		confidenceGroup := raw.ConfidenceGroup
		lowConfidence := confidenceGroup == nil || *confidenceGroup < groupThreshold
		tooFewLines := len(finalIndices) < 2
		needsReview := raw.NeedsReview || outOfRangeFound || duplicatedFound || conflictFound || tooFewLines || lowConfidence || !groupTypeWasValid

		if outOfRangeFound {
			*auditEvents = append(*auditEvents, auditEvent("group_line_index_out_of_range", "Group contains line_indices outside parser lines", nil, map[string]any{"group_id": groupID, "line_indices": cleaned}))
		}
		if duplicatedFound {
			*auditEvents = append(*auditEvents, auditEvent("group_line_index_duplicated", "Group line_indices contain duplicates", nil, map[string]any{"group_id": groupID}))
		}
		if conflictFound {
			*auditEvents = append(*auditEvents, auditEvent("group_line_conflict", "Group conflicts with previous group; conflicting lines removed (first group wins)", nil, map[string]any{"group_id": groupID}))
		}
		if tooFewLines {
			*auditEvents = append(*auditEvents, auditEvent("group_too_few_lines", "Group must contain at least 2 valid line_indices", nil, map[string]any{"group_id": groupID, "line_indices": finalIndices}))
		}

		metadata := map[string]any{}
		for k, v := range raw.Metadata {
			metadata[k] = v
		}
		metadata["source"] = "llm"
		metadata["group_membership_rule"] = "single_group_per_line_first_wins"

		version := raw.Version
		if version == "" {
			version = posmodel.ContractVersion
		}

		merged = append(merged, posmodel.GroupResult{
			GroupID:         groupID,
			Type:            groupType,
			Label:           label,
			LineIndices:     finalIndices,
			ConfidenceGroup: confidenceGroup,
			NeedsReview:     needsReview,
			Metadata:        metadata,
			Version:         version,
		})
	}

	return merged
}

func groupIDFor(n int) string {
	return "G" + strconv.Itoa(n)
}
