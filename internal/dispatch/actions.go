// Package dispatch turns validated webhook payloads into internal wake and
// agent actions and routes them to the bus, the store, and delivery channels.
package dispatch

import (
	"encoding/json"
	"fmt"
)

const (
	ModeNow           = "now"
	ModeNextHeartbeat = "next-heartbeat"
)

// WakeAction nudges the agent with a short text, either immediately or on
// the next heartbeat tick.
type WakeAction struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

// AgentAction runs a full agent turn for a message, optionally delivering
// the result to a channel recipient.
type AgentAction struct {
	Message    string `json:"message"`
	Name       string `json:"name,omitempty"`
	WakeMode   string `json:"wakeMode,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Deliver    bool   `json:"deliver,omitempty"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	Model      string `json:"model,omitempty"`
	Thinking   string `json:"thinking,omitempty"`

	TimeoutSeconds             int  `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool `json:"allowUnsafeExternalContent,omitempty"`
}

// ValidationError names the field that made a payload unusable. Webhook
// handlers map it to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// ParseWake validates a raw payload into a WakeAction. Text is required;
// mode defaults to "now".
func ParseWake(raw json.RawMessage) (WakeAction, error) {
	var action WakeAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return action, &ValidationError{Field: "body", Reason: "not a JSON object"}
	}
	if action.Text == "" {
		return action, &ValidationError{Field: "text", Reason: "required"}
	}
	switch action.Mode {
	case "":
		action.Mode = ModeNow
	case ModeNow, ModeNextHeartbeat:
	default:
		return action, &ValidationError{Field: "mode", Reason: fmt.Sprintf("must be %q or %q", ModeNow, ModeNextHeartbeat)}
	}
	return action, nil
}

// ParseAgent validates a raw payload into an AgentAction. Message is
// required; a deliver target needs a channel.
func ParseAgent(raw json.RawMessage) (AgentAction, error) {
	var action AgentAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return action, &ValidationError{Field: "body", Reason: "not a JSON object"}
	}
	if action.Message == "" {
		return action, &ValidationError{Field: "message", Reason: "required"}
	}
	switch action.WakeMode {
	case "", ModeNow, ModeNextHeartbeat:
	default:
		return action, &ValidationError{Field: "wakeMode", Reason: fmt.Sprintf("must be %q or %q", ModeNow, ModeNextHeartbeat)}
	}
	if action.Deliver && action.Channel == "" {
		return action, &ValidationError{Field: "channel", Reason: "required when deliver is set"}
	}
	if action.TimeoutSeconds < 0 {
		return action, &ValidationError{Field: "timeoutSeconds", Reason: "must not be negative"}
	}
	return action, nil
}
