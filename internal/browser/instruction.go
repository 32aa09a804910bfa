// internal/browser/instruction.go
package browser

import (
	"fmt"
	"regexp"
	"strings"
)

// ActionKind enumerates the interactions a driver can perform.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionSelect   ActionKind = "select"
	ActionPress    ActionKind = "press"
	ActionScroll   ActionKind = "scroll"
	ActionBack     ActionKind = "back"
	ActionNavigate ActionKind = "navigate"
	ActionHover    ActionKind = "hover"
	ActionCheck    ActionKind = "check"
	ActionUncheck  ActionKind = "uncheck"
)

// Target identifies an element either by CSS selector or by its visible
// text, label, placeholder or accessible name.
type Target struct {
	Selector string
	Text     string
}

func (t Target) String() string {
	if t.Selector != "" {
		return t.Selector
	}
	return fmt.Sprintf("%q", t.Text)
}

// Action is a parsed act instruction.
type Action struct {
	Kind   ActionKind
	Target Target
	// Value is the text to type, the option to select, the key to press or
	// the scroll direction.
	Value string
	URL   string
}

var (
	reType     = regexp.MustCompile(`(?i)^(?:type|enter|input|write)\s+(.+?)\s+(?:into|in|on)\s+(.+)$`)
	reFill     = regexp.MustCompile(`(?i)^fill(?:\s+in)?\s+(.+?)\s+with\s+(.+)$`)
	reSelect   = regexp.MustCompile(`(?i)^(?:select|choose|pick)\s+(.+?)\s+(?:in|from)\s+(.+)$`)
	rePress    = regexp.MustCompile(`(?i)^press\s+(?:the\s+)?(enter|return|tab|escape|esc|space|backspace|arrowdown|arrowup|pagedown|pageup)(?:\s+key)?$`)
	reScroll   = regexp.MustCompile(`(?i)^scroll(?:\s+(up|down|to\s+(?:the\s+)?(?:top|bottom)))?`)
	reBack     = regexp.MustCompile(`(?i)^(?:go\s+back|navigate\s+back|back)$`)
	reNavigate = regexp.MustCompile(`(?i)^(?:go\s+to|navigate\s+to|open|visit)\s+(https?://\S+)$`)
	reHover    = regexp.MustCompile(`(?i)^(?:hover\s+over|mouse\s+over|hover)\s+(.+)$`)
	reCheck    = regexp.MustCompile(`(?i)^(check|tick|uncheck|untick)\s+(.+)$`)
	reClick    = regexp.MustCompile(`(?i)^(?:click|tap|press|follow|submit)\s+(?:on\s+)?(.+)$`)

	roleSuffix = regexp.MustCompile(`(?i)\s+(?:button|link|field|input|checkbox|tab|menu item|option|dropdown)$`)
	articles   = regexp.MustCompile(`(?i)^(?:the|a|an)\s+`)
)

var keyNames = map[string]string{
	"enter": "Enter", "return": "Enter", "tab": "Tab", "escape": "Escape", "esc": "Escape",
	"space": " ", "backspace": "Backspace", "arrowdown": "ArrowDown", "arrowup": "ArrowUp",
	"pagedown": "PageDown", "pageup": "PageUp",
}

// ParseInstruction turns a natural-language act instruction into an Action.
// Unrecognized phrasing is treated as a click on the named element.
func ParseInstruction(instruction string) (Action, error) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(instruction), "."))
	if s == "" {
		return Action{}, fmt.Errorf("empty instruction")
	}

	if m := reNavigate.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionNavigate, URL: m[1]}, nil
	}
	if reBack.MatchString(s) {
		return Action{Kind: ActionBack}, nil
	}
	if m := rePress.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionPress, Value: keyNames[strings.ToLower(m[1])]}, nil
	}
	if m := reScroll.FindStringSubmatch(s); m != nil {
		dir := strings.ToLower(m[1])
		switch {
		case dir == "":
			dir = "down"
		case strings.Contains(dir, "top"):
			dir = "top"
		case strings.Contains(dir, "bottom"):
			dir = "bottom"
		}
		return Action{Kind: ActionScroll, Value: dir}, nil
	}
	if m := reType.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionType, Value: unquote(m[1]), Target: parseTarget(m[2])}, nil
	}
	if m := reFill.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionType, Value: unquote(m[2]), Target: parseTarget(m[1])}, nil
	}
	if m := reSelect.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionSelect, Value: unquote(m[1]), Target: parseTarget(m[2])}, nil
	}
	if m := reHover.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionHover, Target: parseTarget(m[1])}, nil
	}
	if m := reCheck.FindStringSubmatch(s); m != nil {
		kind := ActionCheck
		if v := strings.ToLower(m[1]); v == "uncheck" || v == "untick" {
			kind = ActionUncheck
		}
		return Action{Kind: kind, Target: parseTarget(m[2])}, nil
	}
	if m := reClick.FindStringSubmatch(s); m != nil {
		return Action{Kind: ActionClick, Target: parseTarget(m[1])}, nil
	}
	return Action{Kind: ActionClick, Target: parseTarget(s)}, nil
}

func parseTarget(raw string) Target {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "css=") {
		return Target{Selector: strings.TrimSpace(strings.TrimPrefix(raw, "css="))}
	}
	if looksLikeSelector(raw) {
		return Target{Selector: raw}
	}
	text := articles.ReplaceAllString(raw, "")
	if !isQuoted(text) {
		text = roleSuffix.ReplaceAllString(text, "")
	}
	return Target{Text: unquote(text)}
}

func looksLikeSelector(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t") && !strings.ContainsAny(s, "[>") {
		return false
	}
	switch s[0] {
	case '#', '.', '[':
		return true
	}
	return strings.Contains(s, "[") && strings.HasSuffix(s, "]")
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'')
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
