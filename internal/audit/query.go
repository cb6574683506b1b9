package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strings"
)

const maxLineBytes = 1024 * 1024

// readAll reads every well-formed JSON object line from the log,
// skipping blank lines and lines that fail to parse as an object —
// matching a tolerant, best-effort reader over an append-only log that
// may have been truncated mid-write.
func (l *Logger) readAll() ([]map[string]any, error) {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		events = append(events, parsed)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListEvents returns every record for orderID, in file-append order.
func (l *Logger) ListEvents(orderID string) ([]map[string]any, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var events []map[string]any
	for _, event := range all {
		if s, _ := event["order_id"].(string); s == orderID {
			events = append(events, event)
		}
	}
	return events, nil
}

// ListByType returns every record with the given event_type, in
// file-append order.
func (l *Logger) ListByType(eventType string) ([]map[string]any, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var events []map[string]any
	for _, event := range all {
		if s, _ := event["event_type"].(string); s == eventType {
			events = append(events, event)
		}
	}
	return events, nil
}

// OrderTrace summarizes one order's full audit history: the last
// non-null value seen for each traced field (last write wins, in
// file-append order), plus every manual correction and the raw event
// list.
type OrderTrace struct {
	OrderID           string           `json:"order_id"`
	RawText           *string          `json:"raw_text"`
	ParseResult       any              `json:"parse_result"`
	Candidates        any              `json:"candidates"`
	LLMRequest        any              `json:"llm_request"`
	LLMResponse       any              `json:"llm_response"`
	FallbackReason    *string          `json:"fallback_reason"`
	MergeResult       any              `json:"merge_result"`
	FinalOutput       any              `json:"final_output"`
	ManualCorrections []map[string]any `json:"manual_corrections"`
	Events            []map[string]any `json:"events"`
}

// GetOrderTrace folds orderID's events into one trace: each traced
// field takes the last non-null value seen across the order's events,
// not the first — a later stage's write overrides an earlier one.
func (l *Logger) GetOrderTrace(orderID string) (OrderTrace, error) {
	events, err := l.ListEvents(orderID)
	if err != nil {
		return OrderTrace{}, err
	}
	trace := OrderTrace{OrderID: orderID, Events: events}

	for _, event := range events {
		if rawText, ok := event["raw_text"].(string); ok && strings.TrimSpace(rawText) != "" {
			trace.RawText = &rawText
		}
		if v, ok := event["parse_result"]; ok && v != nil {
			trace.ParseResult = v
		}
		if v, ok := event["candidates"]; ok && v != nil {
			trace.Candidates = v
		}
		if v, ok := event["llm_request"]; ok && v != nil {
			trace.LLMRequest = v
		}
		if v, ok := event["llm_response"]; ok && v != nil {
			trace.LLMResponse = v
		}
		if v, ok := event["merge_result"]; ok && v != nil {
			trace.MergeResult = v
		}
		if v, ok := event["final_output"]; ok && v != nil {
			trace.FinalOutput = v
		}
		if fallbackReason, ok := event["fallback_reason"].(string); ok && strings.TrimSpace(fallbackReason) != "" {
			trace.FallbackReason = &fallbackReason
		}
		if correction, ok := event["human_correction"].(map[string]any); ok && correction != nil {
			trace.ManualCorrections = append(trace.ManualCorrections, correction)
		}
	}

	return trace, nil
}

func eventNeedsReview(event map[string]any) bool {
	if needsReview, ok := event["needs_review"].(bool); ok && needsReview {
		return true
	}
	if metadata, ok := event["metadata"].(map[string]any); ok {
		if needsReview, ok := metadata["needs_review"].(bool); ok && needsReview {
			return true
		}
	}
	if fallbackReason, ok := event["fallback_reason"].(string); ok && strings.TrimSpace(fallbackReason) != "" {
		return true
	}
	for _, field := range []string{"merge_result", "final_output"} {
		value, ok := event[field].(map[string]any)
		if !ok {
			continue
		}
		if overall, ok := value["overall_needs_review"].(bool); ok && overall {
			return true
		}
		if needsReview, ok := value["needs_review"].(bool); ok && needsReview {
			return true
		}
	}
	return false
}

// ReviewQueueEntry summarizes one order pending human review.
type ReviewQueueEntry struct {
	OrderID                string         `json:"order_id"`
	LatestEventType        string         `json:"latest_event_type"`
	LatestTimestamp        string         `json:"latest_timestamp"`
	PendingEventTypes      []string       `json:"pending_event_types"`
	PendingCount           int            `json:"pending_count"`
	HasManualCorrection    bool           `json:"has_manual_correction"`
	LatestManualCorrection map[string]any `json:"latest_manual_correction"`
	RawPreview             *string        `json:"raw_preview"`
}

// ListReviewQueue returns, per order_id with at least one pending
// review reason, a summary entry — sorted by latest_timestamp
// descending and capped at limit.
//
// An order's pending events are any review-worthy event (per
// eventNeedsReview) that occurs, in file-append order, AFTER the last
// manual_correction record whose human_correction.after is non-null
// (when unresolvedOnly is true). A correction resolves every review
// flag raised before it, not just the one it was entered for — this
// matches treating the JSONL file as an ordered log and resolving by
// position, never by re-sorting on wall-clock time.
func (l *Logger) ListReviewQueue(limit int, unresolvedOnly bool) ([]ReviewQueueEntry, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	byOrder := map[string][]map[string]any{}
	var orderIDs []string
	for _, event := range all {
		orderID, ok := event["order_id"].(string)
		if !ok || orderID == "" {
			continue
		}
		if _, seen := byOrder[orderID]; !seen {
			orderIDs = append(orderIDs, orderID)
		}
		byOrder[orderID] = append(byOrder[orderID], event)
	}

	var queue []ReviewQueueEntry
	for _, orderID := range orderIDs {
		events := byOrder[orderID]

		latestManualFixIndex := -1
		for index, event := range events {
			eventType, _ := event["event_type"].(string)
			if eventType != "manual_correction" {
				continue
			}
			correction, ok := event["human_correction"].(map[string]any)
			if ok && correction["after"] != nil {
				latestManualFixIndex = index
			}
		}

		var pendingEvents []map[string]any
		for index, event := range events {
			if !eventNeedsReview(event) {
				continue
			}
			if unresolvedOnly && index <= latestManualFixIndex {
				continue
			}
			pendingEvents = append(pendingEvents, event)
		}
		if len(pendingEvents) == 0 {
			continue
		}

		latestEvent := events[len(events)-1]
		var latestManualCorrection map[string]any
		if latestManualFixIndex >= 0 {
			latestManualCorrection, _ = events[latestManualFixIndex]["human_correction"].(map[string]any)
		}

		var rawPreview *string
		for i := len(events) - 1; i >= 0; i-- {
			if value, ok := events[i]["raw_text"].(string); ok && strings.TrimSpace(value) != "" {
				rawPreview = &value
				break
			}
		}

		pendingTypesSeen := map[string]bool{}
		var pendingEventTypes []string
		for _, event := range pendingEvents {
			eventType, ok := event["event_type"].(string)
			if !ok || eventType == "" || pendingTypesSeen[eventType] {
				continue
			}
			pendingTypesSeen[eventType] = true
			pendingEventTypes = append(pendingEventTypes, eventType)
		}

		latestEventType, _ := latestEvent["event_type"].(string)
		latestTimestamp, _ := latestEvent["timestamp"].(string)

		queue = append(queue, ReviewQueueEntry{
			OrderID:                orderID,
			LatestEventType:        latestEventType,
			LatestTimestamp:        latestTimestamp,
			PendingEventTypes:      pendingEventTypes,
			PendingCount:           len(pendingEvents),
			HasManualCorrection:    latestManualFixIndex >= 0,
			LatestManualCorrection: latestManualCorrection,
			RawPreview:             rawPreview,
		})
	}

	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].LatestTimestamp > queue[j].LatestTimestamp
	})

	if limit < 0 {
		limit = 0
	}
	if limit < len(queue) {
		queue = queue[:limit]
	}
	return queue, nil
}
