// Package question recognizes replies that end by asking the user something
// and maps them to a fixed set of quick-reply actions.
package question

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Type is a question archetype.
type Type int

const (
	YesNo Type = iota
	Proceed
	Confirm
	Choice
	PlanMode
)

func (t Type) String() string {
	switch t {
	case YesNo:
		return "yes_no"
	case Proceed:
		return "proceed"
	case Confirm:
		return "confirm"
	case Choice:
		return "choice"
	case PlanMode:
		return "plan_mode"
	default:
		return "unknown"
	}
}

// Style is the visual emphasis of an action. Frontends that cannot render
// styles ignore it.
type Style int

const (
	StylePrimary Style = iota
	StyleSecondary
	StyleSuccess
	StyleDanger
)

func (s Style) String() string {
	switch s {
	case StylePrimary:
		return "primary"
	case StyleSecondary:
		return "secondary"
	case StyleSuccess:
		return "success"
	case StyleDanger:
		return "danger"
	default:
		return "unknown"
	}
}

// Action is one quick reply. Value is sent to the agent verbatim as the next
// prompt when the action is chosen.
type Action struct {
	Label string
	Value string
	Style Style
}

// Classification is the result of Classify.
type Classification struct {
	Type    Type
	Actions []Action
}

var (
	yesNoPattern    = regexp.MustCompile(`(?i)\?\s*[\[(]?\s*(yes\s*[/|]\s*no|y\s*[/|]\s*n)\s*[\])]?\s*$`)
	planModePattern = regexp.MustCompile(`(?i)\bplan\s*mode\b`)
	proceedPattern  = regexp.MustCompile(`(?i)\b(proceed|continue)\b.*\?`)
	confirmPattern  = regexp.MustCompile(`(?i)\b(confirm|approve|deny)\b`)
	choicePattern   = regexp.MustCompile(`(?i)\b(option|choose|select)\b.*:`)
)

// Classify reports whether text ends with a question the user can answer with
// a quick reply. Only the last line of the trimmed text is examined, except
// for the plan mode marker which may appear anywhere.
func Classify(text string) (Classification, bool) {
	trimmed := strings.TrimSpace(text)
	lastLine := trimmed
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		lastLine = trimmed[i+1:]
	}

	var t Type
	switch {
	case yesNoPattern.MatchString(lastLine):
		t = YesNo
	case planModePattern.MatchString(trimmed):
		t = PlanMode
	case proceedPattern.MatchString(lastLine):
		t = Proceed
	case confirmPattern.MatchString(lastLine):
		t = Confirm
	case choicePattern.MatchString(lastLine):
		t = Choice
	default:
		return Classification{}, false
	}

	return Classification{Type: t, Actions: ActionsFor(t)}, true
}

// ActionsFor returns the ordered actions offered for a question type.
func ActionsFor(t Type) []Action {
	switch t {
	case YesNo:
		return []Action{
			{Label: "Yes", Value: "yes", Style: StylePrimary},
			{Label: "No", Value: "no", Style: StyleSecondary},
		}
	case Proceed:
		return []Action{
			{Label: "Continue", Value: "continue", Style: StylePrimary},
			{Label: "Cancel", Value: "cancel", Style: StyleDanger},
		}
	case Confirm:
		return []Action{
			{Label: "Approve", Value: "approve", Style: StyleSuccess},
			{Label: "Deny", Value: "deny", Style: StyleDanger},
		}
	case PlanMode:
		return []Action{
			{Label: "Approve Plan", Value: "yes, proceed with this plan", Style: StyleSuccess},
			{Label: "Modify", Value: "let me suggest changes", Style: StylePrimary},
			{Label: "Cancel", Value: "cancel", Style: StyleDanger},
		}
	case Choice:
		return []Action{
			{Label: "Option 1", Value: "1", Style: StylePrimary},
			{Label: "Option 2", Value: "2", Style: StylePrimary},
			{Label: "Cancel", Value: "cancel", Style: StyleDanger},
		}
	default:
		return nil
	}
}

// ActionPrefix starts every encoded action token.
const ActionPrefix = "ans_"

// EncodeAction builds the opaque token carried by an action button.
// Conversation ids must not contain an underscore.
func EncodeAction(conversationID string, index int, value string) string {
	return ActionPrefix + conversationID + "_" + strconv.Itoa(index) + "_" + url.QueryEscape(value)
}

// DecodeAction reverses EncodeAction.
func DecodeAction(token string) (conversationID string, index int, value string, err error) {
	rest, ok := strings.CutPrefix(token, ActionPrefix)
	if !ok {
		return "", 0, "", fmt.Errorf("decode action %q: missing prefix", token)
	}

	parts := strings.Split(rest, "_")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", 0, "", fmt.Errorf("decode action %q: malformed", token)
	}

	index, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("decode action %q: index: %w", token, err)
	}

	value, err = url.QueryUnescape(strings.Join(parts[2:], "_"))
	if err != nil {
		return "", 0, "", fmt.Errorf("decode action %q: value: %w", token, err)
	}

	return parts[0], index, value, nil
}
