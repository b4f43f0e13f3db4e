// Package protocol defines the envelope frames exchanged on the gateway
// control channel. Every frame is either a request or a response; the id
// field correlates each request to exactly one response.
package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	TypeRequest  = "req"
	TypeResponse = "res"

	MethodConnect    = "connect"
	MethodToolInvoke = "client.tool.invoke"
)

// Protocol version bounds this build speaks. The server advertises a single
// version during handshake; the client accepts it when it falls inside
// [MinProtocol, MaxProtocol].
const (
	MinProtocol = 1
	MaxProtocol = 100

	// Current is the protocol version this server advertises.
	Current = 3
)

// Frame is the tagged union carried over the control channel.
// Requests set Method and Params; responses set OK plus Payload or Error.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

type FrameError struct {
	Message string `json:"message"`
}

// ClientInfo identifies the connecting client in the handshake.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type AuthParams struct {
	Token string `json:"token"`
}

// ConnectParams is the payload of the "connect" handshake request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Auth        AuthParams `json:"auth"`
	SessionKey  string     `json:"sessionKey"`
}

// ConnectResult is the payload of a successful handshake response.
type ConnectResult struct {
	Protocol   int    `json:"protocol"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// ToolInvokeParams carries a server-initiated tool call to the client.
type ToolInvokeParams struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

var requestSeq atomic.Uint64

// NewRequestID returns an id unique within this process. Time-based with a
// sequence suffix so concurrent callers in the same millisecond never collide.
func NewRequestID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), requestSeq.Add(1))
}

// NewRequest builds a request frame, marshaling params to JSON.
func NewRequest(method string, params interface{}) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Frame{
		Type:   TypeRequest,
		ID:     NewRequestID(),
		Method: method,
		Params: raw,
	}, nil
}

// NewResult builds the successful response to the given request id.
func NewResult(id string, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal response payload: %w", err)
	}
	return Frame{Type: TypeResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewError builds the failed response to the given request id.
func NewError(id string, message string) Frame {
	return Frame{Type: TypeResponse, ID: id, OK: false, Error: &FrameError{Message: message}}
}

// ProtocolInRange reports whether the advertised server protocol version is
// acceptable for the given handshake bounds.
func ProtocolInRange(advertised, min, max int) bool {
	return advertised >= min && advertised <= max
}
