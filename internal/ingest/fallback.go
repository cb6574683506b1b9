package ingest

import (
	"strings"

	"github.com/posnorm/ingest/internal/posmodel"
)

// fallbackOrderRaw rebuilds an OrderRawParsed from the bare receipt text
// when the parser itself fails, splitting on newlines and flagging every
// resulting line for review rather than losing the order entirely.
func fallbackOrderRaw(receiptText string, orderID *string, errText string) *posmodel.OrderRawParsed {
	lines := fallbackRawLines(receiptText)
	return &posmodel.OrderRawParsed{
		SourceText:    receiptText,
		Lines:         lines,
		OrderID:       resolveOrderID(orderID),
		ParseWarnings: []string{"pipeline parser fallback: " + errText},
		NeedsReview:   true,
		Metadata:      map[string]any{"parse_errors": []string{errText}, "fallback_reason": "parser_exception"},
		Version:       posmodel.ContractVersion,
	}
}

func fallbackRawLines(text string) []posmodel.RawLine {
	var lines []posmodel.RawLine
	for index, raw := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		lines = append(lines, posmodel.RawLine{
			LineIndex:   index,
			RawLine:     raw,
			NameRaw:     trimmed,
			Qty:         1,
			NeedsReview: true,
			Metadata:    map[string]any{"fallback_reason": "parser_exception"},
			Version:     posmodel.ContractVersion,
		})
	}
	if len(lines) > 0 {
		return lines
	}

	name := strings.TrimSpace(text)
	if name == "" {
		name = "UNKNOWN_LINE"
	}
	return []posmodel.RawLine{{
		LineIndex:   0,
		RawLine:     text,
		NameRaw:     name,
		Qty:         1,
		NeedsReview: true,
		Metadata:    map[string]any{"fallback_reason": "parser_exception_empty"},
		Version:     posmodel.ContractVersion,
	}}
}

// fallbackCandidates builds a single synthetic, needs_review candidate
// per line when candidate generation itself fails, so every downstream
// stage still has exactly one candidate to reconcile against.
func fallbackCandidates(orderRaw *posmodel.OrderRawParsed, errText string) posmodel.Candidates {
	byLine := make(posmodel.Candidates, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		qty := line.Qty
		if qty <= 0 {
			qty = 1
		}
		name := line.NameRaw
		if name == "" {
			name = "UNKNOWN_ITEM"
		}
		byLine[line.LineIndex] = []posmodel.CandidateItem{{
			LineIndex:      line.LineIndex,
			RawLine:        line.RawLine,
			NameRaw:        line.NameRaw,
			Qty:            qty,
			CandidateName:  name,
			NoteRaw:        line.NoteRaw,
			ConfidenceItem: posmodel.F64Ptr(0),
			NeedsReview:    true,
			Metadata:       map[string]any{"fallback_reason": "candidates_exception", "error": errText},
			Version:        posmodel.ContractVersion,
		}}
	}
	return byLine
}
