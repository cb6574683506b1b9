package llmstage

import (
	"sort"

	"github.com/posnorm/ingest/internal/posmodel"
)

// auditReasonMap maps an internal audit event_type to the reason token
// added to review_queue.reasons when that event fires.
var auditReasonMap = map[string]string{
	"llm_client_missing":              "fallback_llm_client_missing",
	"llm_timeout":                     "fallback_llm_timeout",
	"llm_api_error":                   "fallback_llm_api_error",
	"llm_json_parse_error":            "fallback_llm_json_parse_error",
	"item_id_out_of_candidates":       "item_id_out_of_scope",
	"missing_item_id":                 "item_id_missing",
	"mods_out_of_allowed":             "mods_out_of_scope",
	"invalid_mods_payload":            "mods_payload_invalid",
	"group_line_indices_out_of_scope": "group_line_indices_out_of_scope",
	"group_type_out_of_allowed":       "group_type_out_of_scope",
}

func newAuditEvent(eventType, message string, lineIndex *int, metadata map[string]any, tags []string) posmodel.AuditEvent {
	payload := map[string]any{}
	for k, v := range metadata {
		payload[k] = v
	}
	mergedTags := []string{eventType}
	if inherited, ok := payload["tags"].([]string); ok {
		mergedTags = append(mergedTags, inherited...)
	}
	mergedTags = append(mergedTags, tags...)
	payload["tags"] = uniqueTokens(mergedTags)

	return posmodel.AuditEvent{
		EventType: eventType,
		Message:   message,
		LineIndex: lineIndex,
		Metadata:  payload,
		Version:   posmodel.ContractVersion,
	}
}

func uniqueTokens(values []string) []string {
	seen := map[string]bool{}
	var tokens []string
	for _, v := range values {
		token := v
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	return tokens
}

func metadataTokens(metadata map[string]any, key string) []string {
	raw, ok := metadata[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return uniqueTokens(v)
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return uniqueTokens(out)
	default:
		return nil
	}
}

// reviewQueueMetadata is the review_queue block attached to a
// StructuredResult's metadata.
type reviewQueueMetadata struct {
	NeedsReview bool     `json:"needs_review"`
	Reasons     []string `json:"reasons"`
	AuditTags   []string `json:"audit_tags"`
}

func collectReviewQueueMetadata(items []posmodel.NormalizedItem, groups []posmodel.GroupResult, auditEvents []posmodel.AuditEvent, fallbackReason string) reviewQueueMetadata {
	needsReview := fallbackReason != ""
	for _, item := range items {
		if item.NeedsReview {
			needsReview = true
			break
		}
	}
	if !needsReview {
		for _, group := range groups {
			if group.NeedsReview {
				needsReview = true
				break
			}
		}
	}

	var reasons, tags []string
	if fallbackReason != "" {
		reasons = append(reasons, "fallback:"+fallbackReason)
	}

	for _, item := range items {
		if item.NeedsReview {
			reasons = append(reasons, metadataTokens(item.Metadata, "review_reasons")...)
			tags = append(tags, metadataTokens(item.Metadata, "review_tags")...)
		}
	}
	for _, group := range groups {
		if group.NeedsReview {
			reasons = append(reasons, metadataTokens(group.Metadata, "review_reasons")...)
			tags = append(tags, metadataTokens(group.Metadata, "review_tags")...)
		}
	}
	for _, event := range auditEvents {
		tags = append(tags, event.EventType)
		eventTags := metadataTokens(event.Metadata, "tags")
		tags = append(tags, eventTags...)
		if mapped, ok := auditReasonMap[event.EventType]; ok {
			reasons = append(reasons, mapped)
			needsReview = true
		}
		for _, tag := range eventTags {
			if tag == "policy_violation" || tag == "review_queue" {
				needsReview = true
				break
			}
		}
	}

	reasons = uniqueTokens(reasons)
	tags = uniqueTokens(tags)
	sort.Strings(reasons)
	sort.Strings(tags)

	return reviewQueueMetadata{NeedsReview: needsReview, Reasons: reasons, AuditTags: tags}
}
