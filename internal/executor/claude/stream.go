package claude

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventKind tags a parsed stream-json line.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventAssistant
	EventSystem
	EventUser
	EventResult
)

func (k EventKind) String() string {
	switch k {
	case EventAssistant:
		return "assistant"
	case EventSystem:
		return "system"
	case EventUser:
		return "user"
	case EventResult:
		return "result"
	default:
		return "unknown"
	}
}

// Event is one parsed line of stream-json output. Empty strings mean the
// value was absent on the line.
type Event struct {
	Kind        EventKind
	Text        string // Assistant text or result text
	ResumeToken string // Result events only
}

// Accumulator folds stream events into the running output of one streamed
// run. It is a value type; Apply returns the next state.
type Accumulator struct {
	Content     string
	ResumeToken string
	Complete    bool
	LastEvent   *Event // Diagnostic only
}

// Apply folds evt into the accumulator.
func (a Accumulator) Apply(evt Event) Accumulator {
	a.LastEvent = &evt

	switch evt.Kind {
	case EventAssistant:
		a.Content += evt.Text
	case EventResult:
		a.Complete = true
		if evt.ResumeToken != "" {
			a.ResumeToken = evt.ResumeToken
		}
	case EventSystem, EventUser, EventUnknown:
	}

	return a
}

// ParseLine parses a single NDJSON line. It reports false for blank lines and
// for anything that is not a JSON object with a string "type", so interleaved
// diagnostic output is dropped rather than treated as a failure.
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Event{}, false
	}

	switch msg.Type {
	case "assistant":
		return Event{Kind: EventAssistant, Text: extractText(msg.Message)}, true
	case "result":
		return Event{
			Kind:        EventResult,
			Text:        rawString(msg.Result),
			ResumeToken: rawString(msg.SessionID),
		}, true
	case "system":
		return Event{Kind: EventSystem}, true
	case "user":
		return Event{Kind: EventUser}, true
	default:
		return Event{Kind: EventUnknown}, true
	}
}

// --- stream-json protocol types ---

type streamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID json.RawMessage `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type contentMessage struct {
	Content []json.RawMessage `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractText concatenates the text blocks of an assistant message. Blocks
// that are not text (tool_use, thinking) or that fail to decode are skipped.
func extractText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}

	var msg contentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}

	var b strings.Builder
	for _, rawBlock := range msg.Content {
		var block contentBlock
		if err := json.Unmarshal(rawBlock, &block); err != nil {
			continue
		}
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// rawString returns raw as a string if it holds a JSON string, else "".
func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
