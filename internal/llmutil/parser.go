// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Backticks are written as \x60 because raw strings cannot contain them.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ExtractJSON isolates the JSON document inside a model response. It handles
// markdown fences and conversational text around the payload.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	if isObject {
		fb, lb := strings.Index(response, "{"), strings.LastIndex(response, "}")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	if isArray {
		fb, lb := strings.Index(response, "["), strings.LastIndex(response, "]")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	return response
}

// ParseJSONResponse parses a model response into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := ExtractJSON(response)
	var result T
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(payload, 500))
	}
	return &result, nil
}

// toolAliases maps the names models tend to invent onto the real tools.
var toolAliases = map[string]schemas.ToolName{
	"page_act":      schemas.ToolPageAct,
	"act":           schemas.ToolPageAct,
	"action":        schemas.ToolPageAct,
	"page_extract":  schemas.ToolPageExtract,
	"extract":       schemas.ToolPageExtract,
	"user_input":    schemas.ToolUserInput,
	"request_input": schemas.ToolUserInput,
	"ask_user":      schemas.ToolUserInput,
	"standby":       schemas.ToolStandby,
	"wait":          schemas.ToolStandby,
}

// rawDecision tolerates parameters given inline next to the tool name.
type rawDecision struct {
	schemas.DecisionResponse
	Instruction   string                 `json:"instruction"`
	InputRequests []schemas.InputRequest `json:"inputRequests"`
	WaitSeconds   float64                `json:"waitSeconds"`
	NextPlan      string                 `json:"next_plan"`
}

// ParseDecision parses a decision response and normalizes the tool name.
// Structural problems are errors; semantic validity is left to the caller.
func ParseDecision(response string) (*schemas.DecisionResponse, error) {
	raw, err := ParseJSONResponse[rawDecision](response)
	if err != nil {
		return nil, err
	}
	d := raw.DecisionResponse
	if tool, ok := toolAliases[strings.ToLower(strings.TrimSpace(string(d.Tool)))]; ok {
		d.Tool = tool
	}
	if d.Parameters.Instruction == "" {
		d.Parameters.Instruction = raw.Instruction
	}
	if len(d.Parameters.InputRequests) == 0 {
		d.Parameters.InputRequests = raw.InputRequests
	}
	if d.Parameters.WaitSeconds == 0 {
		d.Parameters.WaitSeconds = raw.WaitSeconds
	}
	if d.NextPlan == "" {
		d.NextPlan = raw.NextPlan
	}
	if d.Tool == "" {
		return nil, fmt.Errorf("decision has no tool: %s", truncateString(ExtractJSON(response), 200))
	}
	return &d, nil
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
