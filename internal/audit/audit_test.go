package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestWriteEventRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(filepath.Join(dir, "sub", "audit.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, err := logger.WriteEvent(Record{
		OrderID:   "order-1",
		EventType: "llm_attempt",
		RawText:   strPtr("珍珠奶茶 少冰"),
	}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["order_id"] != "order-1" {
		t.Errorf("expected order_id order-1, got %v", payload["order_id"])
	}
	if payload["timestamp"] == "" || payload["timestamp"] == nil {
		t.Errorf("expected timestamp to be auto-filled")
	}

	events, err := logger.ListEvents("order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0]["event_type"] != "llm_attempt" {
		t.Errorf("expected event_type llm_attempt, got %v", events[0]["event_type"])
	}
}

func TestWriteEventRequiresOrderIDAndEventType(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	if _, err := logger.WriteEvent(Record{EventType: "x"}, false); err == nil {
		t.Errorf("expected error for missing order_id")
	}
	if _, err := logger.WriteEvent(Record{OrderID: "order-1"}, false); err == nil {
		t.Errorf("expected error for missing event_type")
	}
}

func TestWriteEventMasksLLMFieldsWhenRequested(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	payload, err := logger.WriteEvent(Record{
		OrderID:   "order-1",
		EventType: "llm_attempt",
		LLMRequest: map[string]any{
			"api_key": "sk-abcdef1234567890",
			"prompt":  "normalize this order",
		},
		LLMResponse: map[string]any{
			"contact": "operator@example.com",
			"raw":     "normal text under 16 chars",
		},
	}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := payload["llm_request"].(map[string]any)
	if request["api_key"] != maskText {
		t.Errorf("expected api_key to be masked, got %v", request["api_key"])
	}
	if request["prompt"] != "normalize this order" {
		t.Errorf("expected non-sensitive prompt to survive masking, got %v", request["prompt"])
	}

	response := payload["llm_response"].(map[string]any)
	if response["contact"] != maskText {
		t.Errorf("expected email-shaped contact to be masked, got %v", response["contact"])
	}
	if response["raw"] != "normal text under 16 chars" {
		t.Errorf("expected unmasked short prose to survive, got %v", response["raw"])
	}
}

func TestWriteEventLeavesOtherFieldsUnmaskedWhenDisabled(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	payload, err := logger.WriteEvent(Record{
		OrderID:     "order-1",
		EventType:   "llm_attempt",
		LLMRequest:  map[string]any{"api_key": "sk-abcdef1234567890"},
		LLMResponse: map[string]any{"raw": "fine"},
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := payload["llm_request"].(map[string]any)
	if request["api_key"] != "sk-abcdef1234567890" {
		t.Errorf("expected masking skipped, got %v", request["api_key"])
	}
}

func TestLooksLikeOpaqueToken(t *testing.T) {
	cases := map[string]bool{
		"short1":                       false,
		"alldigitsnoletters1234567890": true,
		"abcdefghijklmnop":             false,
		"abcdef1234567890xy":           true,
		"":                             false,
	}
	for input, expect := range cases {
		if got := looksLikeOpaqueToken(input); got != expect {
			t.Errorf("looksLikeOpaqueToken(%q) = %v, want %v", input, got, expect)
		}
	}
}

func TestNormalizeHumanCorrectionFillsDefaults(t *testing.T) {
	result := normalizeHumanCorrection(map[string]any{"before": "A", "after": "B"})
	if result["operator"] != "unknown" {
		t.Errorf("expected operator default unknown, got %v", result["operator"])
	}
	if result["timestamp"] == nil || result["timestamp"] == "" {
		t.Errorf("expected timestamp to be auto-filled")
	}

	withOperator := normalizeHumanCorrection(map[string]any{"operator": "  alice  "})
	if withOperator["operator"] != "alice" {
		t.Errorf("expected operator to be trimmed, got %v", withOperator["operator"])
	}

	if normalizeHumanCorrection(nil) != nil {
		t.Errorf("expected nil correction to stay nil")
	}
}

func TestEventNeedsReview(t *testing.T) {
	cases := []struct {
		name  string
		event map[string]any
		want  bool
	}{
		{"top-level flag", map[string]any{"needs_review": true}, true},
		{"metadata flag", map[string]any{"metadata": map[string]any{"needs_review": true}}, true},
		{"fallback reason", map[string]any{"fallback_reason": "llm_item_missing"}, true},
		{"merge result flag", map[string]any{"merge_result": map[string]any{"overall_needs_review": true}}, true},
		{"final output flag", map[string]any{"final_output": map[string]any{"needs_review": true}}, true},
		{"clean event", map[string]any{"event_type": "llm_attempt"}, false},
		{"blank fallback reason", map[string]any{"fallback_reason": "  "}, false},
	}
	for _, tc := range cases {
		if got := eventNeedsReview(tc.event); got != tc.want {
			t.Errorf("%s: eventNeedsReview() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestListReviewQueueResolvedByManualCorrection(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	mustWrite(t, logger, Record{OrderID: "order-1", EventType: "llm_attempt", NeedsReview: true, Timestamp: "2026-01-01T00:00:00Z"})
	mustWrite(t, logger, Record{
		OrderID:         "order-1",
		EventType:       "manual_correction",
		Timestamp:       "2026-01-01T01:00:00Z",
		HumanCorrection: map[string]any{"before": "A", "after": "B"},
	})

	queue, err := logger.ListReviewQueue(10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected resolved order to be excluded from the unresolved queue, got %d entries", len(queue))
	}

	all, err := logger.ListReviewQueue(10, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 entry when including resolved orders, got %d", len(all))
	}
}

func TestListReviewQueuePendingAfterCorrection(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	mustWrite(t, logger, Record{OrderID: "order-1", EventType: "llm_attempt", NeedsReview: true, Timestamp: "2026-01-01T00:00:00Z"})
	mustWrite(t, logger, Record{
		OrderID:         "order-1",
		EventType:       "manual_correction",
		Timestamp:       "2026-01-01T01:00:00Z",
		HumanCorrection: map[string]any{"before": "A", "after": "B"},
	})
	mustWrite(t, logger, Record{OrderID: "order-1", EventType: "dispatch", NeedsReview: true, Timestamp: "2026-01-01T02:00:00Z"})

	queue, err := logger.ListReviewQueue(10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("expected 1 pending entry for the later flag, got %d", len(queue))
	}
	if queue[0].PendingCount != 1 || queue[0].PendingEventTypes[0] != "dispatch" {
		t.Errorf("expected the dispatch event to be the sole pending reason, got %+v", queue[0])
	}
	if !queue[0].HasManualCorrection {
		t.Errorf("expected HasManualCorrection to be true")
	}
}

func TestListReviewQueueSortedByLatestTimestampDescending(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	mustWrite(t, logger, Record{OrderID: "order-older", EventType: "llm_attempt", NeedsReview: true, Timestamp: "2026-01-01T00:00:00Z"})
	mustWrite(t, logger, Record{OrderID: "order-newer", EventType: "llm_attempt", NeedsReview: true, Timestamp: "2026-02-01T00:00:00Z"})

	queue, err := logger.ListReviewQueue(10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(queue))
	}
	if queue[0].OrderID != "order-newer" {
		t.Errorf("expected newer order first, got %s", queue[0].OrderID)
	}
}

func TestListReviewQueueRespectsLimit(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	mustWrite(t, logger, Record{OrderID: "order-1", EventType: "llm_attempt", NeedsReview: true, Timestamp: "2026-01-01T00:00:00Z"})
	mustWrite(t, logger, Record{OrderID: "order-2", EventType: "llm_attempt", NeedsReview: true, Timestamp: "2026-01-02T00:00:00Z"})

	queue, err := logger.ListReviewQueue(1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("expected limit to cap the queue at 1, got %d", len(queue))
	}
}

func TestGetOrderTraceTakesLastNonNullValue(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	mustWrite(t, logger, Record{
		OrderID:     "order-1",
		EventType:   "parse",
		ParseResult: map[string]any{"lines": 1},
		RawText:     strPtr("first"),
	})
	mustWrite(t, logger, Record{
		OrderID:     "order-1",
		EventType:   "merge",
		MergeResult: map[string]any{"items": 2},
		RawText:     strPtr("second"),
	})

	trace, err := logger.GetOrderTrace("order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trace.RawText == nil || *trace.RawText != "second" {
		t.Errorf("expected last non-empty raw_text to win, got %v", trace.RawText)
	}
	if trace.ParseResult == nil {
		t.Errorf("expected parse_result to be retained from an earlier event")
	}
	if trace.MergeResult == nil {
		t.Errorf("expected merge_result to be retained from the later event")
	}
	if len(trace.Events) != 2 {
		t.Errorf("expected 2 events in the trace, got %d", len(trace.Events))
	}
}

func TestListByType(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))

	mustWrite(t, logger, Record{OrderID: "order-1", EventType: "llm_attempt"})
	mustWrite(t, logger, Record{OrderID: "order-2", EventType: "manual_correction"})
	mustWrite(t, logger, Record{OrderID: "order-3", EventType: "llm_attempt"})

	events, err := logger.ListByType("llm_attempt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 llm_attempt events, got %d", len(events))
	}
}

func TestReadAllTolerantOfMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, _ := NewLogger(path)
	mustWrite(t, logger, Record{OrderID: "order-1", EventType: "llm_attempt"})

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := file.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	file.Close()

	all, err := logger.readAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 valid event, got %d", len(all))
	}
}

func mustWrite(t *testing.T, logger *Logger, record Record) {
	t.Helper()
	if _, err := logger.WriteEvent(record, false); err != nil {
		t.Fatalf("unexpected error writing event: %v", err)
	}
}

func TestMaskValueMasksSensitiveKeyRegardlessOfValueType(t *testing.T) {
	masked := maskValue(map[string]any{"token": 12345}).(map[string]any)
	if masked["token"] != maskText {
		t.Errorf("expected key-name match to mask regardless of value type, got %v", masked["token"])
	}
}

func TestMaskValueRecursesIntoNestedStructures(t *testing.T) {
	input := map[string]any{
		"outer": map[string]any{
			"password": "hunter2",
			"safe":     "fine",
		},
		"items": []any{"sk-abcdef1234567890", "ok"},
	}
	masked := maskValue(input).(map[string]any)
	outer := masked["outer"].(map[string]any)
	if outer["password"] != maskText {
		t.Errorf("expected nested password to be masked")
	}
	if outer["safe"] != "fine" {
		t.Errorf("expected nested safe field to survive")
	}
	items := masked["items"].([]any)
	if items[0] != maskText {
		t.Errorf("expected opaque token in list to be masked")
	}
	if items[1] != "ok" {
		t.Errorf("expected short string in list to survive")
	}
}

func TestWriteEventRejectsWhitespaceOnlyOrderID(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))
	_, err := logger.WriteEvent(Record{OrderID: "   ", EventType: "x"}, false)
	if err == nil || !strings.Contains(err.Error(), "order_id") {
		t.Errorf("expected whitespace-only order_id to be rejected, got %v", err)
	}
}
