// Package audit is an append-only JSONL audit log for the normalization
// pipeline: every stage transition, fallback, and human correction is
// written as one Record per line, keyed by order_id, with sensitive
// fields masked before they ever touch disk.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is one audit log entry. It carries far more context than
// posmodel.AuditEvent — the lightweight, pipeline-internal note a stage
// emits — because Record is the thing actually persisted and later
// queried for a human reviewer's trace through one order.
type Record struct {
	OrderID         string         `json:"order_id"`
	EventType       string         `json:"event_type"`
	Timestamp       string         `json:"timestamp"`
	RawText         *string        `json:"raw_text"`
	ParseResult     any            `json:"parse_result"`
	Candidates      any            `json:"candidates"`
	LLMRequest      any            `json:"llm_request"`
	LLMResponse     any            `json:"llm_response"`
	FallbackReason  *string        `json:"fallback_reason"`
	MergeResult     any            `json:"merge_result"`
	FinalOutput     any            `json:"final_output"`
	HumanCorrection map[string]any `json:"human_correction"`
	Metadata        map[string]any `json:"metadata"`
	NeedsReview     bool           `json:"needs_review"`
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"cookie":        true,
	"phone":         true,
	"mobile":        true,
	"email":         true,
}

const maskText = "***"

// maskValue recursively masks map values whose key looks sensitive
// (an exact match against sensitiveKeys, or containing "token"/"secret"),
// email-shaped strings, and strings that look like opaque tokens: at
// least 16 characters long, free of whitespace, mixing digits and letters.
func maskValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		masked := make(map[string]any, len(v))
		for key, inner := range v {
			keyLower := strings.ToLower(key)
			if sensitiveKeys[keyLower] || strings.Contains(keyLower, "token") || strings.Contains(keyLower, "secret") {
				masked[key] = maskText
			} else {
				masked[key] = maskValue(inner)
			}
		}
		return masked
	case []any:
		masked := make([]any, len(v))
		for i, item := range v {
			masked[i] = maskValue(item)
		}
		return masked
	case string:
		if strings.Contains(v, "@") && strings.Contains(v, ".") {
			return maskText
		}
		if looksLikeOpaqueToken(v) {
			return maskText
		}
		return v
	default:
		return v
	}
}

func looksLikeOpaqueToken(s string) bool {
	if len(s) < 16 || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	hasDigit, hasAlpha := false, false
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
			hasDigit = true
		case (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z'):
			hasAlpha = true
		}
		if hasDigit && hasAlpha {
			return true
		}
	}
	return false
}

func maskLLMFields(payload map[string]any) map[string]any {
	masked := make(map[string]any, len(payload))
	for k, v := range payload {
		masked[k] = v
	}
	masked["llm_request"] = maskValue(masked["llm_request"])
	masked["llm_response"] = maskValue(masked["llm_response"])
	return masked
}

// normalizeHumanCorrection fills in a missing operator with "unknown"
// and a missing timestamp with now. The source format this is ported
// from also promotes legacy top-level before/after/operator/timestamp
// fields into this map for callers posting a loosely-typed event; a Go
// caller instead builds the human_correction map directly, so that
// promotion has no equivalent here.
func normalizeHumanCorrection(correction map[string]any) map[string]any {
	if correction == nil {
		return nil
	}

	result := make(map[string]any, len(correction))
	for k, v := range correction {
		result[k] = v
	}

	operator, ok := result["operator"].(string)
	if !ok || strings.TrimSpace(operator) == "" {
		result["operator"] = "unknown"
	} else {
		result["operator"] = strings.TrimSpace(operator)
	}

	timestamp, ok := result["timestamp"].(string)
	if !ok || strings.TrimSpace(timestamp) == "" {
		result["timestamp"] = utcNowISO()
	}

	return result
}

// Logger appends Records to a single JSONL file.
type Logger struct {
	path string
}

// NewLogger returns a Logger for the audit log at path, creating parent
// directories as needed. The file itself is opened on each WriteEvent.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	return &Logger{path: path}, nil
}

// WriteEvent appends record to the log, masking llm_request/llm_response
// unless maskSensitive is false, and returns the exact payload written.
func (l *Logger) WriteEvent(record Record, maskSensitive bool) (map[string]any, error) {
	if strings.TrimSpace(record.OrderID) == "" {
		return nil, fmt.Errorf("audit event missing required field: order_id")
	}
	if strings.TrimSpace(record.EventType) == "" {
		return nil, fmt.Errorf("audit event missing required field: event_type")
	}
	if record.Timestamp == "" {
		record.Timestamp = utcNowISO()
	}
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}
	record.HumanCorrection = normalizeHumanCorrection(record.HumanCorrection)

	payload, err := recordToMap(record)
	if err != nil {
		return nil, err
	}
	if maskSensitive {
		payload = maskLLMFields(payload)
	}

	line, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding audit event: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log for append: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(line); err != nil {
		return nil, fmt.Errorf("writing audit event: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("writing audit event: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("flushing audit log: %w", err)
	}

	return payload, nil
}

func recordToMap(record Record) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding audit record: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding audit record: %w", err)
	}
	return payload, nil
}
