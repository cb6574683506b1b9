// Package parser turns raw receipt text into a posmodel.OrderRawParsed:
// one RawLine per meaningful line, with quantity and note text extracted
// and noise (separators, phone numbers, timestamps, totals) skipped.
//
// line_index always matches the zero-based position of the line in the
// original text split on newlines — skipped noise lines do not shift the
// index of the lines that follow them.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/posnorm/ingest/internal/posmodel"
)

var symbolMap = strings.NewReplacer(
	"：", ":",
	"（", "(",
	"）", ")",
	"＊", "*",
	"﹡", "*",
	"＄", "$",
	"Ｘ", "x",
	"ｘ", "x",
	"×", "x",
	"　", " ",
)

var (
	leadingMarkerRE   = regexp.MustCompile(`^\s*(?:[*\-•●#]+|\d{1,3}[.)、]|[(（]\d{1,3}[)）]|[A-Za-z][.)])\s*`)
	separatorRE       = regexp.MustCompile(`^[\-=~_*#\s]{3,}$`)
	phoneOnlyRE       = regexp.MustCompile(`(?i)^\s*(?:電話|tel)?\s*:?\s*(?:\+?886[-\s]?)?(?:0\d{1,2}[-\s]?\d{6,8}|09\d{2}[-\s]?\d{3}[-\s]?\d{3})(?:\s*(?:#|ext\.?|轉)\s*\d{1,5})?\s*$`)
	datetimeOnlyRE    = regexp.MustCompile(`^\s*(?:\d{4}[/-]\d{1,2}[/-]\d{1,2}(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?|\d{1,2}:\d{2}(?::\d{2})?)\s*$`)
	noteRE            = regexp.MustCompile(`(?i)(?:備註|註記|附註|备注)\s*(?::\s*|\s+)(.+)$`)
	trailingParenRE   = regexp.MustCompile(`^(?P<base>.+?)\s*\((?P<note>[^()]+)\)\s*$`)
	qtyXOrStarRE      = regexp.MustCompile(`(?i)^(?P<name>.+?)\s*[x*]\s*(?P<qty>-?\d+)\s*$`)
	qtyFenRE          = regexp.MustCompile(`^(?P<name>.+?)\s+(?P<qty>-?\d+)\s*份\s*$`)
	qtyPlainRE        = regexp.MustCompile(`^(?P<name>.+?)\s+(?P<qty>-?\d+)\s*$`)
	qtyMarkerAnyRE    = regexp.MustCompile(`(?i)^(?P<name>.+?)\s*[x*]\s*(?P<qty>\S*)\s*$`)
	qtyFenAnyRE       = regexp.MustCompile(`^(?P<name>.+?)\s+(?P<qty>\S+)\s*份\s*$`)
	hasQtyHintRE      = regexp.MustCompile(`(?i)[x*]\s*\S+|\d+\s*份`)
	hasQtyMarkerRE    = regexp.MustCompile(`(?i)(?:^|\s)[x*]\s*\S+`)
	hasFenMarkerRE    = regexp.MustCompile(`\d+\s*份`)
	trailingCurAmtRE  = regexp.MustCompile(`(?i)^(?P<body>.+?)\s*(?:ntd?\$?|twd|\$)\s*(?P<amount>\d+(?:\.\d{1,2})?)\s*$`)
	trailingUnitAmtRE = regexp.MustCompile(`^(?P<body>.+?)\s*(?P<amount>\d+(?:\.\d{1,2})?)\s*元\s*$`)
	trailingPlainAmtRE = regexp.MustCompile(`^(?P<body>.+?)\s+(?P<amount>\d+(?:\.\d{1,2})?)\s*$`)
	noisePrefixRE     = regexp.MustCompile(`(?i)^\s*(?:電話|tel|地址|統編|單號|訂單|時間|日期|總計|小計|合計|應收|找零)(?:\s|:|$)`)
	standaloneNoteRE  = regexp.MustCompile(`(?i)^\s*(?:備註|註記|附註|备注)\s*(?::\s*|\s+)(.+)$`)
	qtyXOrStarTailRE  = regexp.MustCompile(`(?i)[x*]\s*-?\d+\s*$`)
	qtyFenTailRE      = regexp.MustCompile(`\s*-?\d+\s*份?\s*$`)
)

func normalizeForParse(line string) string {
	n := symbolMap.Replace(line)
	n = regexp.MustCompile(`\s+`).ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

func stripLeadingMarkers(line string) string {
	current := line
	for {
		stripped := strings.TrimSpace(leadingMarkerRE.ReplaceAllString(current, ""))
		if stripped == current {
			return current
		}
		current = stripped
	}
}

func isNoiseLine(normalized string) bool {
	if normalized == "" {
		return true
	}
	if separatorRE.MatchString(normalized) {
		return true
	}
	if noisePrefixRE.MatchString(normalized) {
		if hasQtyHintRE.MatchString(normalized) {
			return false
		}
		return true
	}
	if phoneOnlyRE.MatchString(normalized) {
		return true
	}
	if datetimeOnlyRE.MatchString(normalized) {
		return true
	}
	return false
}

func extractInlineNote(text string) (string, *string) {
	m := noteRE.FindStringSubmatchIndex(text)
	if m == nil {
		return strings.TrimSpace(text), nil
	}
	before := strings.TrimSpace(text[:m[0]])
	note := strings.TrimSpace(text[m[2]:m[3]])
	return before, &note
}

func extractParentheticalNote(nameWithNote string) (string, []string) {
	var notes []string
	current := strings.TrimSpace(nameWithNote)
	for {
		m := matchNamed(trailingParenRE, current)
		if m == nil {
			return current, notes
		}
		notes = append([]string{strings.TrimSpace(m["note"])}, notes...)
		current = strings.TrimSpace(m["base"])
	}
}

func fallbackName(text string) string {
	name := qtyXOrStarTailRE.ReplaceAllString(text, "")
	name = strings.TrimSpace(name)
	name = qtyFenTailRE.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if name == "" {
		return strings.TrimSpace(text)
	}
	return name
}

// matchNamed runs re against s and returns the named groups, or nil if no match.
func matchNamed(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = m[i]
	}
	return out
}

type qtyState int

const (
	qtyOK qtyState = iota
	qtyMissing
	qtyInvalid
)

func extractNameAndQtyOnce(text string) (name string, qty *int, state qtyState) {
	if m := matchNamed(qtyXOrStarRE, text); m != nil {
		if v, err := strconv.Atoi(m["qty"]); err == nil {
			return strings.TrimSpace(m["name"]), &v, qtyOK
		}
	}
	if m := matchNamed(qtyFenRE, text); m != nil {
		if v, err := strconv.Atoi(m["qty"]); err == nil {
			return strings.TrimSpace(m["name"]), &v, qtyOK
		}
	}
	if m := matchNamed(qtyMarkerAnyRE, text); m != nil {
		qtyText := strings.TrimSpace(m["qty"])
		st := qtyInvalid
		if qtyText == "" {
			st = qtyMissing
		}
		return strings.TrimSpace(m["name"]), nil, st
	}
	if m := matchNamed(qtyFenAnyRE, text); m != nil {
		return strings.TrimSpace(m["name"]), nil, qtyInvalid
	}
	if hasQtyMarkerRE.MatchString(text) || hasFenMarkerRE.MatchString(text) {
		return text, nil, qtyInvalid
	}
	if m := matchNamed(qtyPlainRE, text); m != nil {
		if v, err := strconv.Atoi(m["qty"]); err == nil {
			return strings.TrimSpace(m["name"]), &v, qtyOK
		}
	}
	return text, nil, qtyMissing
}

func stripTrailingAmount(text string) string {
	current := strings.TrimSpace(text)
	for _, re := range []*regexp.Regexp{trailingCurAmtRE, trailingUnitAmtRE} {
		if m := matchNamed(re, current); m != nil {
			return strings.TrimSpace(m["body"])
		}
	}
	if m := matchNamed(trailingPlainAmtRE, current); m != nil {
		body := strings.TrimSpace(m["body"])
		if hasQtyHintRE.MatchString(body) {
			return body
		}
	}
	return current
}

func extractNameAndQty(prepared string) (name string, qty *int, state qtyState) {
	name, qty, state = extractNameAndQtyOnce(prepared)
	if qty != nil {
		return name, qty, state
	}
	trimmed := stripTrailingAmount(prepared)
	if trimmed != prepared {
		tName, tQty, tState := extractNameAndQtyOnce(trimmed)
		if tQty != nil || tState == qtyInvalid {
			return tName, tQty, tState
		}
	}
	return name, qty, state
}

func parseLine(rawLine string, lineIndex int, warnings *[]string) posmodel.RawLine {
	normalized := normalizeForParse(rawLine)
	prepared := stripLeadingMarkers(normalized)
	prepared, inlineNote := extractInlineNote(prepared)

	nameToken, qty, qtyState := extractNameAndQty(prepared)

	needsReview := false
	var qv int
	if qty == nil {
		qv = 1
		needsReview = true
		if qtyState == qtyInvalid {
			*warnings = append(*warnings, fmt.Sprintf("line %d: qty invalid, defaulted to 1", lineIndex))
		} else {
			*warnings = append(*warnings, fmt.Sprintf("line %d: qty missing, defaulted to 1", lineIndex))
		}
		nameToken = fallbackName(nameToken)
	} else if *qty <= 0 {
		qv = 1
		needsReview = true
		*warnings = append(*warnings, fmt.Sprintf("line %d: qty must be positive, defaulted to 1", lineIndex))
	} else {
		qv = *qty
	}

	nameRaw, noteParts := extractParentheticalNote(nameToken)
	if inlineNote != nil {
		noteParts = append(noteParts, *inlineNote)
	}
	var noteRaw *string
	if joined := joinNonEmpty(noteParts, "; "); joined != "" {
		noteRaw = &joined
	}

	if nameRaw == "" {
		nameRaw = fallbackName(prepared)
		if nameRaw == "" {
			nameRaw = normalized
		}
		if nameRaw == "" {
			nameRaw = strings.TrimSpace(rawLine)
		}
		needsReview = true
		*warnings = append(*warnings, fmt.Sprintf("line %d: unable to confidently parse item name", lineIndex))
	}

	return posmodel.RawLine{
		LineIndex:   lineIndex,
		RawLine:     rawLine,
		NameRaw:     nameRaw,
		Qty:         qv,
		NoteRaw:     noteRaw,
		NeedsReview: needsReview,
		Version:     posmodel.ContractVersion,
	}
}

func joinNonEmpty(parts []string, sep string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func isStandaloneNote(rawLine string) *string {
	normalized := normalizeForParse(rawLine)
	m := standaloneNoteRE.FindStringSubmatch(normalized)
	if m == nil {
		return nil
	}
	note := strings.TrimSpace(m[1])
	if note == "" {
		return nil
	}
	return &note
}

// ParseReceiptText parses raw receipt text into an OrderRawParsed.
func ParseReceiptText(text string) (*posmodel.OrderRawParsed, error) {
	var parseWarnings []string
	var parseErrors []string
	var lines []posmodel.RawLine

	rawLines := strings.Split(text, "\n")
	for index, line := range rawLines {
		rawLine := strings.TrimRight(line, "\r")
		normalized := normalizeForParse(rawLine)
		if normalized == "" || isNoiseLine(normalized) {
			continue
		}

		if note := isStandaloneNote(rawLine); note != nil {
			if len(lines) > 0 {
				prev := &lines[len(lines)-1]
				merged := *note
				if prev.NoteRaw != nil {
					merged = *prev.NoteRaw + "; " + *note
				}
				prev.NoteRaw = &merged
			} else {
				parseWarnings = append(parseWarnings, fmt.Sprintf("line %d: standalone note with no preceding item", index))
			}
			continue
		}

		parsed := parseLine(rawLine, index, &parseWarnings)
		lines = append(lines, parsed)
	}

	needsReview := len(parseWarnings) > 0 || len(parseErrors) > 0
	if !needsReview {
		for _, l := range lines {
			if l.NeedsReview {
				needsReview = true
				break
			}
		}
	}

	return &posmodel.OrderRawParsed{
		SourceText:    text,
		Lines:         lines,
		ParseWarnings: parseWarnings,
		NeedsReview:   needsReview,
		Metadata:      map[string]any{"parse_errors": parseErrors},
		Version:       posmodel.ContractVersion,
	}, nil
}
