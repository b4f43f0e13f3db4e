package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolInvoker executes a named external tool action on behalf of a reverse
// RPC from the gateway.
type ToolInvoker interface {
	Invoke(ctx context.Context, action string, args json.RawMessage) (interface{}, error)
}

// ToolInvokerFunc adapts a function to the ToolInvoker interface.
type ToolInvokerFunc func(ctx context.Context, action string, args json.RawMessage) (interface{}, error)

func (f ToolInvokerFunc) Invoke(ctx context.Context, action string, args json.RawMessage) (interface{}, error) {
	return f(ctx, action, args)
}

// safeInvoke runs the tool handler, converting panics into errors so a
// misbehaving tool never takes down the read loop and every request still
// gets exactly one response.
func safeInvoke(ctx context.Context, invoker ToolInvoker, action string, args json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool %q panicked: %v", action, r)
		}
	}()
	if invoker == nil {
		return nil, fmt.Errorf("no tool handler registered")
	}
	return invoker.Invoke(ctx, action, args)
}
