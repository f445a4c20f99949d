// Package agentparse extracts tool calls, completion signals, and narration
// text from raw model output (spec §4.D). It works without a
// model-specific function-calling API: the model is prompted to emit one of
// a few recognized textual forms, and this package tolerates sloppy JSON.
package agentparse

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is one parsed invocation request.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ParseErrorToolName is the synthetic tool name used when none of the
// parameter-parsing strategies could make sense of a call's JSON.
const ParseErrorToolName = "__parse_error__"

var (
	xmlToolCallRe = regexp.MustCompile(`(?is)<tool_call>\s*<tool_name>(.*?)</tool_name>\s*<parameters>(.*?)</parameters>\s*</tool_call>`)
	jsonToolCallRe = regexp.MustCompile(`(?is)\{\s*"tool_call"\s*:\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"parameters"\s*:\s*(\{.*?\})\s*\}\s*\}`)
	bashFenceRe = regexp.MustCompile("(?is)```bash\\s*\\n(.*?)```")

	completionSignals = []string{
		"task_complete",
		"complete_task_and_submit_final_output",
		"<task_complete>",
		"<!-- task complete -->",
	}

	thoughtRe     = regexp.MustCompile(`(?is)THOUGHT:\s*(.*?)(?:\n\s*\n|EXPLANATION:|<tool_call>|\{\s*"tool_call"|` + "```" + `|$)`)
	explanationRe = regexp.MustCompile(`(?is)EXPLANATION:\s*(.*?)(?:\n\s*\n|THOUGHT:|<tool_call>|\{\s*"tool_call"|` + "```" + `|$)`)
)

// ExtractToolCalls tries XML, then JSON, then bash-fence forms, in that
// order, and returns the first form that yields any match. Forms are never
// mixed within one response.
func ExtractToolCalls(response string) []ToolCall {
	if matches := xmlToolCallRe.FindAllStringSubmatch(response, -1); len(matches) > 0 {
		calls := make([]ToolCall, 0, len(matches))
		for _, m := range matches {
			calls = append(calls, buildToolCall(strings.TrimSpace(m[1]), m[2]))
		}
		return calls
	}

	if matches := jsonToolCallRe.FindAllStringSubmatch(response, -1); len(matches) > 0 {
		calls := make([]ToolCall, 0, len(matches))
		for _, m := range matches {
			calls = append(calls, buildToolCall(strings.TrimSpace(m[1]), m[2]))
		}
		return calls
	}

	if matches := bashFenceRe.FindAllStringSubmatch(response, -1); len(matches) > 0 {
		calls := make([]ToolCall, 0, len(matches))
		for _, m := range matches {
			command := strings.TrimSpace(m[1])
			calls = append(calls, ToolCall{
				Name:       "execute_command",
				Parameters: map[string]any{"command": command},
			})
		}
		return calls
	}

	return nil
}

func buildToolCall(name, rawParams string) ToolCall {
	params, err := parseLenientJSON(rawParams)
	if err != nil {
		return ToolCall{
			Name: ParseErrorToolName,
			Parameters: map[string]any{
				"tool_name":  name,
				"raw_params": truncate(rawParams, 500),
				"error":      err.Error(),
				"suggestion": "Emit valid JSON parameters, e.g. {\"key\": \"value\"}, with double-quoted keys and properly escaped inner quotes.",
			},
		}
	}
	return ToolCall{Name: name, Parameters: params}
}

// parseLenientJSON tries progressively more forgiving rewrites of rawParams
// until one parses as a JSON object.
func parseLenientJSON(raw string) (map[string]any, error) {
	stage := raw
	var lastErr error
	for _, rewrite := range []func(string) string{
		func(s string) string { return s },
		singleToDoubleQuotes,
		escapeUnescapedInnerQuotes,
		escapeRawControlChars,
	} {
		stage = rewrite(stage)
		var out map[string]any
		if err := json.Unmarshal([]byte(stage), &out); err == nil {
			return out, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

func singleToDoubleQuotes(s string) string {
	if strings.Contains(s, `"`) {
		return s
	}
	return strings.ReplaceAll(s, "'", `"`)
}

// escapeUnescapedInnerQuotes heuristically escapes quote characters that
// appear inside what looks like a JSON string value but were not escaped by
// the model, e.g. {"content": "broken "quotes""}. Only attempted when the
// object has a single field: with more than one field, a capture spanning
// an unescaped inner quote is ambiguous with the next field's boundary and
// the rewrite would silently merge or drop keys instead of failing loudly,
// so multi-field objects are left alone and fall through to parse error.
var (
	jsonKeyRe        = regexp.MustCompile(`"[a-zA-Z_]\w*"\s*:`)
	jsonStringFieldRe = regexp.MustCompile(`"((?:[a-zA-Z_][\w]*))"\s*:\s*"(.*?)"\s*([,}])`)
)

func escapeUnescapedInnerQuotes(s string) string {
	if len(jsonKeyRe.FindAllString(s, -1)) != 1 {
		return s
	}
	return jsonStringFieldRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := jsonStringFieldRe.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		key, value, tail := sub[1], sub[2], sub[3]
		escaped := strings.ReplaceAll(value, `"`, `\"`)
		return `"` + key + `": "` + escaped + `"` + tail
	})
}

func escapeRawControlChars(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsComplete reports whether response contains any recognized (case
// insensitive) completion signal.
func IsComplete(response string) bool {
	lower := strings.ToLower(response)
	for _, sig := range completionSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// ExtractThought returns the text following a "THOUGHT:" label, if present.
func ExtractThought(response string) string {
	return extractLabeled(thoughtRe, response)
}

// ExtractExplanation returns the text following an "EXPLANATION:" label, if
// present.
func ExtractExplanation(response string) string {
	return extractLabeled(explanationRe, response)
}

func extractLabeled(re *regexp.Regexp, response string) string {
	m := re.FindStringSubmatch(response)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var blankLineRunRe = regexp.MustCompile(`\n{3,}`)

// GetConversationalText strips every recognized tool-call form, completion
// signal, and THOUGHT:/EXPLANATION: prefix from response, collapses runs of
// blank lines, and trims the result. It is the user-visible final message.
// Idempotent: applying it twice yields the same string.
func GetConversationalText(response string) string {
	out := xmlToolCallRe.ReplaceAllString(response, "")
	out = jsonToolCallRe.ReplaceAllString(out, "")
	out = bashFenceRe.ReplaceAllString(out, "")
	out = thoughtRe.ReplaceAllString(out, "")
	out = explanationRe.ReplaceAllString(out, "")

	for _, sig := range completionSignalsLiteral {
		out = replaceCaseInsensitive(out, sig, "")
	}

	out = blankLineRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// completionSignalsLiteral mirrors completionSignals but in the exact
// casing used for literal replacement (case-insensitive matching is done
// separately via replaceCaseInsensitive).
var completionSignalsLiteral = []string{
	"TASK_COMPLETE",
	"COMPLETE_TASK_AND_SUBMIT_FINAL_OUTPUT",
	"<task_complete>",
	"<!-- TASK COMPLETE -->",
}

func replaceCaseInsensitive(s, target, replacement string) string {
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(target))
	return re.ReplaceAllString(s, replacement)
}
