// internal/llmclient/prompt.go
package llmclient

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// systemPrompt describes the response contract. The request itself is sent
// verbatim as JSON in the user turn.
const systemPrompt = `You operate a web browser to accomplish an objective on a website.
You receive a screenshot of the current page and a JSON description of the exploration state.
Choose exactly one tool for the next step and reply with a single JSON object:

{
  "tool": "page_act" | "page_extract" | "user_input" | "standby",
  "parameters": {
    "instruction": "<for page_act and page_extract>",
    "inputRequests": [{"inputKey": "...", "inputType": "text|email|password|otp|...", "inputPrompt": "..."}],
    "waitSeconds": <for standby>
  },
  "reasoning": "<one or two sentences>",
  "isCurrentPageExecutionCompleted": <true when nothing more is useful on this page>,
  "isInSensitiveFlow": <optional; true when starting login/signup/checkout/verification, false when it ended>,
  "flowType": "login|signup|verification|checkout|form_submission",
  "objectiveAchieved": <optional; true once the overall objective is satisfied>,
  "nextPlan": "<optional; what you intend to do after this step>"
}

page_act instructions use one of these forms:
  click <visible text, label or css selector>
  type "<text>" into <field label or css selector>
  select "<option>" from <dropdown label>
  press <Enter|Tab|Escape>
  check|uncheck <checkbox label>
  hover over <element>
  scroll down|up|to the top|to the bottom
  go back
  go to <absolute url>
Refer to values the human already supplied as {{inputKey}}; they are substituted when the action runs.
Ask for credentials and codes with user_input, never invent them.`

// renderPrompt builds the model prompt for a decision request.
func renderPrompt(req schemas.DecisionRequest, extra string) (Prompt, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to serialize decision request: %w", err)
	}
	var b strings.Builder
	b.WriteString("Exploration state:\n")
	b.Write(body)
	if req.RemainingSteps <= 1 {
		b.WriteString("\n\nThis is the last step available on this page.")
	}
	system := systemPrompt
	if extra = strings.TrimSpace(extra); extra != "" {
		system += "\n\n" + extra
	}
	return Prompt{System: system, User: b.String(), Image: req.Screenshot, JSON: true}, nil
}
