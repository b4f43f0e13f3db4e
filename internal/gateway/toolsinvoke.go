package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openclaw/openclaw/internal/otel"
)

const defaultInvokeTimeout = 30 * time.Second

type toolInvokeRequest struct {
	SessionKey     string          `json:"sessionKey,omitempty"`
	Action         string          `json:"action"`
	Args           json.RawMessage `json:"args,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// handleToolsInvoke runs one reverse RPC against a connected client session
// on behalf of an HTTP caller.
func (s *Server) handleToolsInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req toolInvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "action is required"})
		return
	}

	conn, ok := s.conns.Lookup(req.SessionKey)
	if !ok {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "no client session connected"})
		return
	}

	timeout := defaultInvokeTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	ctx, span := otel.StartServerSpan(ctx, "tools.invoke",
		otel.AttrToolAction.String(req.Action),
		otel.AttrSessionKey.String(conn.SessionKey),
	)
	defer span.End()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ToolInvokes.Add(ctx, 1)
	}

	payload, err := conn.Invoke(ctx, req.Action, req.Args)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ToolErrors.Add(ctx, 1)
		}
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "payload": payload})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
