// Package stream decodes SSE chat-completion streams into typed events and
// correlates partial tool-call fragments to stable tool identities.
package stream

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded stream element. Exactly one of the concrete types
// below; End is terminal.
type Event interface {
	isEvent()
}

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallDelta is one fragment of a streamed tool call. Index is stable for
// the turn; ID and Name may be empty on continuation fragments.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
}

// CustomToolEvent is an out-of-band tool lifecycle event ("tool_call",
// "tool_result") multiplexed into the stream. Payload carries the delta's
// remaining fields; ID is taken from the enclosing envelope when the delta
// has none of its own.
type CustomToolEvent struct {
	CustomType string
	ID         string
	Name       string
	Payload    map[string]interface{}
}

// End marks normal stream termination.
type End struct{}

func (TextDelta) isEvent()       {}
func (ToolCallDelta) isEvent()   {}
func (CustomToolEvent) isEvent() {}
func (End) isEvent()             {}

// ToolEventSentinel prefixes tool events when they are flattened into a plain
// text-chunk callback, so text-only consumers can still demultiplex them.
const ToolEventSentinel = "__TOOL_EVENT__:"

// EncodeToolEvent renders a custom tool event as a sentinel-prefixed line for
// text-chunk transports.
func EncodeToolEvent(ev CustomToolEvent) (string, error) {
	payload := make(map[string]interface{}, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["custom_type"] = ev.CustomType
	payload["id"] = ev.ID
	if ev.Name != "" {
		payload["name"] = ev.Name
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal tool event: %w", err)
	}
	return ToolEventSentinel + string(raw), nil
}
