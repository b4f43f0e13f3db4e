package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/openclaw/openclaw/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcHandlerFunc func(ctx context.Context, params json.RawMessage) (any, *rpcError)

// decodeID turns the raw JSON-RPC id into a string or number for echoing.
func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if num == float64(int64(num)) {
			return int64(num)
		}
		return num
	}
	return string(raw)
}

// handleRPC serves POST /rpc. Dispatch outcomes always travel as HTTP 200
// with either result or a JSON-RPC error body, so clients have one parse
// path; only auth failures surface as a transport status.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}
	id := decodeID(req.ID)

	if req.Method == "" {
		s.writeRPC(w, rpcResponse{
			JSONRPC: "2.0", ID: id,
			Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "method is required"},
		})
		return
	}

	if !s.authorize(r) {
		s.logger.Warn("rpc auth rejected", "method", req.Method, "client", s.clientAddr(r))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	handler, ok := s.rpc[req.Method]
	if !ok {
		s.writeRPC(w, rpcResponse{
			JSONRPC: "2.0", ID: id,
			Error: &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method},
		})
		return
	}

	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		s.writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
		return
	}
	s.writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeRPC(w http.ResponseWriter, res rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Error("writing rpc response failed", "error", err)
	}
}

func (s *Server) buildRPCHandlers() map[string]rpcHandlerFunc {
	return map[string]rpcHandlerFunc{
		"system.status":   s.rpcSystemStatus,
		"sessions.list":   s.rpcSessionsList,
		"session.history": s.rpcSessionHistory,
		"hooks.run.get":   s.rpcHookRunGet,
	}
}

func (s *Server) rpcSystemStatus(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	cfg := s.cfg.Holder.Current()
	return map[string]any{
		"fingerprint": cfg.Fingerprint(),
		"sessions":    s.conns.Count(),
		"hooks":       cfg.Hooks.Enabled,
		"subscribers": s.cfg.Bus.SubscriberCount(),
	}, nil
}

func (s *Server) rpcSessionsList(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	return map[string]any{"sessions": s.conns.Keys()}, nil
}

func (s *Server) rpcSessionHistory(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "sessionKey is required"}
	}
	items, err := s.cfg.Store.ListHistory(ctx, p.SessionKey, p.Limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		return nil, &rpcError{Code: ErrCodeInternal, Message: "history query failed"}
	}
	return map[string]any{"messages": items, "count": len(items)}, nil
}

func (s *Server) rpcHookRunGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RunID == "" {
		return nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "runId is required"}
	}
	run, err := s.cfg.Store.GetHookRun(ctx, p.RunID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "unknown run"}
	}
	return run, nil
}
