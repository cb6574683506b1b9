// Package posmodel defines the canonical data types shared across every
// stage of the receipt-normalization pipeline. These types are the single
// source of truth for raw lines, candidates, normalized items, groups, and
// pipeline-internal audit events; every package in this module reads and
// writes them instead of inventing parallel shapes.
package posmodel

// ContractVersion is stamped onto every RawLine/CandidateItem/NormalizedItem/
// GroupResult/OrderRawParsed/OrderNormalized produced by this module.
const ContractVersion = "1.0.0"

// APIContractVersion is stamped onto the outer ingest response envelope.
const APIContractVersion = "1.1.0"

// RawLine is one line of receipt text after C2 parsing.
type RawLine struct {
	LineIndex   int            `json:"line_index"`
	RawLine     string         `json:"raw_line"`
	NameRaw     string         `json:"name_raw"`
	Qty         int            `json:"qty"`
	NoteRaw     *string        `json:"note_raw"`
	NeedsReview bool           `json:"needs_review"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Version     string         `json:"version"`
}

// Mod is a single modifier (e.g. "less ice", "no onion") attached to a
// candidate or normalized item. Confidence is nil when unknown rather than
// defaulting to 0, matching the reference contract's optional-float field.
type Mod struct {
	ModRaw      string         `json:"mod_raw"`
	ModName     *string        `json:"mod_name"`
	ModValue    *string        `json:"mod_value"`
	Confidence  *float64       `json:"confidence"`
	NeedsReview bool           `json:"needs_review"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Version     string         `json:"version"`
}

// CandidateItem is one menu-catalog candidate suggested for a raw line by C3.
type CandidateItem struct {
	LineIndex      int            `json:"line_index"`
	RawLine        string         `json:"raw_line"`
	NameRaw        string         `json:"name_raw"`
	Qty            int            `json:"qty"`
	CandidateName  string         `json:"candidate_name"`
	CandidateCode  *string        `json:"candidate_code"`
	NoteRaw        *string        `json:"note_raw"`
	Mods           []Mod          `json:"mods,omitempty"`
	GroupID        *string        `json:"group_id"`
	ConfidenceItem *float64       `json:"confidence_item"`
	ConfidenceMods *float64       `json:"confidence_mods"`
	NeedsReview    bool           `json:"needs_review"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Version        string         `json:"version"`
}

// Candidates maps a line index to its ranked candidate list.
type Candidates map[int][]CandidateItem

// NormalizedItem is the merged, validated output for one raw line.
type NormalizedItem struct {
	LineIndex      int            `json:"line_index"`
	RawLine        string         `json:"raw_line"`
	NameRaw        string         `json:"name_raw"`
	Qty            int            `json:"qty"`
	NameNormalized string         `json:"name_normalized"`
	ItemCode       *string        `json:"item_code"`
	NoteRaw        *string        `json:"note_raw"`
	Mods           []Mod          `json:"mods,omitempty"`
	GroupID        *string        `json:"group_id"`
	ConfidenceItem *float64       `json:"confidence_item"`
	ConfidenceMods *float64       `json:"confidence_mods"`
	NeedsReview    bool           `json:"needs_review"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Version        string         `json:"version"`
}

// GroupType is one of the three recognized group classifications.
type GroupType string

const (
	GroupPackTogether GroupType = "pack_together"
	GroupSeparate     GroupType = "separate"
	GroupOther        GroupType = "other"
)

// GroupResult describes a set of lines the LLM (or the rule-based
// fallback) believes belong to the same logical dish/combo.
type GroupResult struct {
	GroupID         string         `json:"group_id"`
	Type            GroupType      `json:"type"`
	Label           string         `json:"label"`
	LineIndices     []int          `json:"line_indices"`
	ConfidenceGroup *float64       `json:"confidence_group"`
	NeedsReview     bool           `json:"needs_review"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Version         string         `json:"version"`
}

// AuditEvent is a lightweight, pipeline-internal audit note produced by a
// pipeline stage (parser, LLM stage, merge, or the ingest orchestrator).
// It is distinct from audit.Record, the richer envelope persisted to the
// append-only audit log — stages emit AuditEvent, and internal/audit wraps
// it (or a raw map) with order_id/timestamp/raw_text/etc. before writing.
type AuditEvent struct {
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	LineIndex *int           `json:"line_index"`
	ItemIndex *int           `json:"item_index"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   string         `json:"version"`
}

// OrderRawParsed is the C2 parser's output.
type OrderRawParsed struct {
	SourceText    string         `json:"source_text"`
	Lines         []RawLine      `json:"lines"`
	OrderID       *string        `json:"order_id"`
	ParseWarnings []string       `json:"parse_warnings,omitempty"`
	NeedsReview   bool           `json:"needs_review"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Version       string         `json:"version"`
}

// StructuredResult is the C5 LLM stage's output, before merge/validate.
type StructuredResult struct {
	Items       []NormalizedItem `json:"items"`
	Groups      []GroupResult    `json:"groups"`
	AuditEvents []AuditEvent     `json:"audit_events,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Version     string           `json:"version"`
}

// OrderNormalized is the C6 merge stage's final, validated output.
type OrderNormalized struct {
	SourceText         string           `json:"source_text"`
	Items              []NormalizedItem `json:"items"`
	Groups             []GroupResult    `json:"groups"`
	OrderID            *string          `json:"order_id"`
	Lines              []RawLine        `json:"lines"`
	AuditEvents        []AuditEvent     `json:"audit_events,omitempty"`
	OverallNeedsReview bool             `json:"overall_needs_review"`
	OrderConfidence    *float64         `json:"order_confidence"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	Version            string           `json:"version"`
}

// MenuCatalogEntry is one dish in the menu catalog, loaded from loosely
// structured JSON. Catalogs in the wild store a bare string, a mapping
// with canonical_name/aliases, or a list of name strings — CanonicalName
// and Aliases hold that entry in one flattened shape regardless of which
// input shape was used. internal/candidates does its own coercion into an
// unexported entry type and does not build MenuCatalogEntry values.
type MenuCatalogEntry struct {
	ItemID        string
	CanonicalName string
	Aliases       []string
}

// MenuCatalog is the full, loosely-typed set of orderable dishes. Raw is
// the as-loaded JSON value (object keyed by item id, or an array of
// entries) and is what internal/candidates actually walks; Version is
// used as a cache-key component.
type MenuCatalog struct {
	Version string
	Raw     any
}

// AllowedMods is the flat reference list of modifier tokens the kitchen
// recognizes (e.g. "少冰", "不要香菜") — a plain string sequence, matching
// contracts.py's `AllowedMods: TypeAlias = Sequence[str]` exactly rather
// than a richer per-mod structure.
type AllowedMods []string

// StrPtr is a convenience constructor used throughout the pipeline
// wherever a *string field needs populating from a literal.
func StrPtr(s string) *string { return &s }

// F64Ptr is a convenience constructor for *float64 fields.
func F64Ptr(f float64) *float64 { return &f }

// IntPtr is a convenience constructor for *int fields.
func IntPtr(i int) *int { return &i }
