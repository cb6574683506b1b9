// Package llmstage turns parsed lines and candidates into normalized
// items and pack-together groups by prompting an LLM, sanitizing its
// response against the actual candidate/mod scope, and falling back to
// rule-based output whenever the LLM is unavailable or unusable.
package llmstage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/posnorm/ingest/internal/llmclient"
	"github.com/posnorm/ingest/internal/posmodel"
)

// Options configures Normalize. PromptTemplate defaults to the embedded
// normalize_group.prompt.md when empty.
type Options struct {
	Timeout        time.Duration
	PromptTemplate string
}

// Normalize runs the LLM normalize-and-group stage: builds step-1 group
// hints, prompts the LLM (if one is configured) for item/group
// decisions, sanitizes the response against the candidate and allowed-
// mod scope, and falls back to rule-based output on any unrecoverable
// failure. It never returns an error — every failure mode degrades to a
// flagged, review-worthy result instead.
func Normalize(ctx context.Context, orderRaw *posmodel.OrderRawParsed, candidates posmodel.Candidates, allowedMods posmodel.AllowedMods, llmClient llmclient.Completer, opts Options) posmodel.StructuredResult {
	normalizedAllowedMods := normalizeAllowedMods(allowedMods)
	stepOneHints := buildStep1GroupHints(orderRaw)
	itemLookup, linePayload := buildCandidateContext(orderRaw, candidates, stepOneHints)

	var auditEvents []posmodel.AuditEvent
	var parsedResponse map[string]any
	var fallbackReason string
	llmAttempts := 0

	if llmClient == nil {
		fallbackReason = "llm_client_missing"
		auditEvents = append(auditEvents, newAuditEvent("llm_client_missing", "No LLM client provided; fallback applied", nil, nil, []string{"review_queue"}))
	} else {
		template := opts.PromptTemplate
		if template == "" {
			template = defaultPromptTemplate
		}
		prompt, err := renderPrompt(template, normalizedAllowedMods, linePayload, stepOneHints)
		if err != nil {
			fallbackReason = "prompt_load_error"
			auditEvents = append(auditEvents, newAuditEvent("prompt_load_error", "Prompt template could not be loaded", nil, map[string]any{"error": err.Error()}, nil))
		} else {
			for attempt := 0; attempt < 2; attempt++ {
				llmAttempts = attempt + 1
				requestCtx := ctx
				var cancel context.CancelFunc
				if opts.Timeout > 0 {
					requestCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
				}
				raw, err := llmClient.Complete(requestCtx, prompt)
				if cancel != nil {
					cancel()
				}
				if err != nil {
					if err == llmclient.ErrTimeout || isTimeoutLikeError(err) {
						fallbackReason = "llm_timeout"
						auditEvents = append(auditEvents, newAuditEvent("llm_timeout", "LLM request timed out", nil, map[string]any{"error": err.Error()}, nil))
					} else {
						fallbackReason = "llm_api_error"
						auditEvents = append(auditEvents, newAuditEvent("llm_api_error", "LLM call failed", nil, map[string]any{"error": err.Error()}, nil))
					}
					break
				}

				parsed, perr := extractJSONPayload(raw)
				if perr == nil {
					parsedResponse = parsed
					break
				}
				if attempt == 0 {
					auditEvents = append(auditEvents, newAuditEvent("llm_json_parse_retry", "First LLM JSON parse failed; retry once", nil, map[string]any{"error": perr.Error()}, nil))
					continue
				}
				fallbackReason = "llm_json_parse_error"
				auditEvents = append(auditEvents, newAuditEvent("llm_json_parse_error", "Failed to parse LLM JSON after one retry", nil, map[string]any{"error": perr.Error()}, nil))
			}
		}
	}

	var items []posmodel.NormalizedItem
	var groups []posmodel.GroupResult

	if parsedResponse == nil {
		items = buildFallbackItems(orderRaw, candidates, normalizedAllowedMods, true, fallbackReason, &auditEvents)
		groups = buildRuleGroups(stepOneHints, true, "fallback_rule")
	} else {
		validLineIndices := map[int]bool{}
		for _, line := range orderRaw.Lines {
			validLineIndices[line.LineIndex] = true
		}
		items = sanitizeLLMItems(orderRaw, candidates, normalizedAllowedMods, itemLookup, parsedResponse["items"], &auditEvents)
		groups = sanitizeLLMGroups(parsedResponse["groups"], validLineIndices, &auditEvents)

		if len(stepOneHints) > 0 {
			ruleBackstop := buildRuleGroups(stepOneHints, true, "rule_backstop")
			known := map[string]bool{}
			for _, g := range groups {
				known[string(g.Type)+"|"+intsKey(g.LineIndices)] = true
			}
			for _, g := range ruleBackstop {
				key := string(g.Type) + "|" + intsKey(g.LineIndices)
				if !known[key] {
					groups = append(groups, g)
					known[key] = true
				}
			}
		}
	}

	reviewQueue := collectReviewQueueMetadata(items, groups, auditEvents, fallbackReason)
	metadata := map[string]any{
		"llm_attempts":     llmAttempts,
		"fallback_reason":  fallbackReason,
		"step1_hint_count": len(stepOneHints),
		"review_queue":     reviewQueue,
	}

	return posmodel.StructuredResult{
		Items:       items,
		Groups:      groups,
		AuditEvents: auditEvents,
		Metadata:    metadata,
		Version:     posmodel.ContractVersion,
	}
}

func normalizeAllowedMods(mods posmodel.AllowedMods) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		if trimmed := strings.TrimSpace(m); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// extractJSONPayload parses text as a JSON object, falling back to the
// substring between the first "{" and the last "}" when the model
// wrapped its JSON in prose or markdown fencing.
func extractJSONPayload(text string) (map[string]any, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(text), &value); err == nil {
		return value, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errNotJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &value); err != nil {
		return nil, errNotJSON
	}
	return value, nil
}

var errNotJSON = jsonParseError{}

type jsonParseError struct{}

func (jsonParseError) Error() string { return "llm output is not valid json" }

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") || strings.Contains(message, "timed out") || strings.Contains(message, "time out") {
		return true
	}
	return strings.Contains(err.Error(), "超時") || strings.Contains(err.Error(), "超时")
}
