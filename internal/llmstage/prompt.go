package llmstage

import (
	_ "embed"
	"encoding/json"
	"strings"
)

//go:embed normalize_group.prompt.md
var defaultPromptTemplate string

func renderPrompt(template string, allowedMods []string, linePayload []lineContext, stepOneHints []groupHint) (string, error) {
	modsJSON, err := marshalIndent(allowedMods)
	if err != nil {
		return "", err
	}
	linesJSON, err := marshalIndent(linePayload)
	if err != nil {
		return "", err
	}
	hintsJSON, err := marshalIndent(stepOneHints)
	if err != nil {
		return "", err
	}

	prompt := template
	prompt = strings.ReplaceAll(prompt, "{{ALLOWED_MODS_JSON}}", modsJSON)
	prompt = strings.ReplaceAll(prompt, "{{ORDER_LINES_JSON}}", linesJSON)
	prompt = strings.ReplaceAll(prompt, "{{STEP1_HINTS_JSON}}", hintsJSON)
	return prompt, nil
}

func marshalIndent(v any) (string, error) {
	if v == nil {
		v = []any{}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
