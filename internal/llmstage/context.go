package llmstage

import (
	"strconv"

	"github.com/posnorm/ingest/internal/posmodel"
)

// candidatePayload is the per-candidate slice sent to the LLM prompt.
type candidatePayload struct {
	ItemID        string  `json:"item_id"`
	CandidateName string  `json:"candidate_name"`
	CandidateCode *string `json:"candidate_code"`
}

// lineContext is the per-line slice sent to the LLM prompt.
type lineContext struct {
	LineIndex          int                `json:"line_index"`
	RawLine            string             `json:"raw_line"`
	NameRaw            string             `json:"name_raw"`
	Qty                int                `json:"qty"`
	NoteRaw            *string            `json:"note_raw"`
	CandidateGroupNote *string            `json:"candidate_group_note"`
	Candidates         []candidatePayload `json:"candidates"`
}

func buildItemID(candidate posmodel.CandidateItem, slot int) string {
	if candidate.CandidateCode != nil && *candidate.CandidateCode != "" {
		return *candidate.CandidateCode
	}
	if candidate.CandidateName != "" {
		return candidate.CandidateName
	}
	return "candidate_" + strconv.Itoa(slot+1)
}

// buildCandidateContext builds, per line, a lookup from item_id back to
// the originating candidate (so a returned item_id can be resolved
// regardless of collisions) and the JSON-ready prompt payload.
func buildCandidateContext(orderRaw *posmodel.OrderRawParsed, candidates posmodel.Candidates, hints []groupHint) (map[int]map[string]posmodel.CandidateItem, []lineContext) {
	hintByLine := map[int]string{}
	for _, h := range hints {
		hintByLine[h.TriggerLineIndex] = h.CandidateGroupNote
	}

	itemLookup := make(map[int]map[string]posmodel.CandidateItem, len(orderRaw.Lines))
	payload := make([]lineContext, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		lineCandidates := candidates[line.LineIndex]
		lookupForLine := make(map[string]posmodel.CandidateItem, len(lineCandidates))
		candidatePayloads := make([]candidatePayload, 0, len(lineCandidates))
		for slot, candidate := range lineCandidates {
			itemID := buildItemID(candidate, slot)
			if _, exists := lookupForLine[itemID]; exists {
				itemID = itemID + "#" + strconv.Itoa(slot+1)
			}
			lookupForLine[itemID] = candidate
			candidatePayloads = append(candidatePayloads, candidatePayload{
				ItemID:        itemID,
				CandidateName: candidate.CandidateName,
				CandidateCode: candidate.CandidateCode,
			})
		}
		itemLookup[line.LineIndex] = lookupForLine

		var note *string
		if n, ok := hintByLine[line.LineIndex]; ok {
			note = &n
		}
		payload = append(payload, lineContext{
			LineIndex:          line.LineIndex,
			RawLine:            line.RawLine,
			NameRaw:            line.NameRaw,
			Qty:                line.Qty,
			NoteRaw:            line.NoteRaw,
			CandidateGroupNote: note,
			Candidates:         candidatePayloads,
		})
	}
	return itemLookup, payload
}
