package llmstage

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/posnorm/ingest/internal/posmodel"
)

var groupKeywords = []string{
	"一起", "同一袋", "同袋", "同包", "合併", "合并", "裝一起", "装一起", "上面", "前面",
}

var refCountMap = map[string]int{
	"1": 1, "2": 2, "3": 3,
	"一": 1, "二": 2, "兩": 2, "两": 2, "三": 3,
}

var refRE = regexp.MustCompile(`(上面|前面|前)\s*([123一二兩两三])\s*項`)

// groupHint is one step-1 hint: a line whose text suggests it should be
// packed together with other lines, plus the line indices it likely
// refers back to.
type groupHint struct {
	TriggerLineIndex      int    `json:"trigger_line_index"`
	CandidateGroupNote    string `json:"candidate_group_note"`
	ReferencedLineIndices []int  `json:"referenced_line_indices"`
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func resolveReferenceIndices(linePositions []int, currentPos int, text string) []int {
	previous := linePositions[:currentPos]

	if m := refRE.FindStringSubmatch(text); m != nil {
		if count, ok := refCountMap[m[2]]; ok && count > 0 && len(previous) > 0 {
			start := len(previous) - count
			if start < 0 {
				start = 0
			}
			return append([]int{}, previous[start:]...)
		}
	}

	if (strings.Contains(text, "全部") || strings.Contains(text, "都")) &&
		containsAny(text, []string{"一起", "同袋", "同包", "合併", "合并"}) {
		return append([]int{}, linePositions[:currentPos+1]...)
	}

	if containsAny(text, []string{"一起", "同袋", "同包", "合併", "合并", "裝一起", "装一起"}) && len(previous) > 0 {
		return []int{previous[len(previous)-1], linePositions[currentPos]}
	}

	return nil
}

func buildStep1GroupHints(orderRaw *posmodel.OrderRawParsed) []groupHint {
	linePositions := make([]int, len(orderRaw.Lines))
	for i, line := range orderRaw.Lines {
		linePositions[i] = line.LineIndex
	}

	var hints []groupHint
	for pos, line := range orderRaw.Lines {
		text := joinNonEmpty(" ", deref(line.NoteRaw), line.RawLine)
		if text == "" {
			continue
		}
		if !containsAny(text, groupKeywords) {
			continue
		}
		refs := resolveReferenceIndices(linePositions, pos, text)
		note := line.RawLine
		if line.NoteRaw != nil && *line.NoteRaw != "" {
			note = *line.NoteRaw
		}
		hints = append(hints, groupHint{
			TriggerLineIndex:      line.LineIndex,
			CandidateGroupNote:    note,
			ReferencedLineIndices: refs,
		})
	}
	return hints
}

func buildRuleGroups(hints []groupHint, markReview bool, source string) []posmodel.GroupResult {
	var groups []posmodel.GroupResult
	seen := map[string]bool{}
	for _, hint := range hints {
		if len(hint.ReferencedLineIndices) == 0 {
			continue
		}
		normalized := uniqueSortedInts(hint.ReferencedLineIndices)
		if len(normalized) < 2 {
			continue
		}
		key := intsKey(normalized)
		if seen[key] {
			continue
		}
		seen[key] = true

		metadata := map[string]any{"source": source}
		if markReview {
			metadata["review_reasons"] = []string{"rule_group_backstop"}
			metadata["review_tags"] = []string{"rule_group_backstop"}
		}
		groups = append(groups, posmodel.GroupResult{
			GroupID:         groupIDFor(len(groups) + 1),
			Type:            posmodel.GroupPackTogether,
			Label:           "rule_group_note",
			LineIndices:     normalized,
			ConfidenceGroup: posmodel.F64Ptr(0.35),
			NeedsReview:     markReview,
			Metadata:        metadata,
			Version:         posmodel.ContractVersion,
		})
	}
	return groups
}

func groupIDFor(n int) string {
	return "G" + strconv.Itoa(n)
}

func uniqueSortedInts(vals []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func intsKey(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.TrimSpace(strings.Join(kept, sep))
}
