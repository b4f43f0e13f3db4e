package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/otel"
)

const turnTimeout = 120 * time.Second

// SessionKeyHeader selects the client session a chat request belongs to.
const SessionKeyHeader = "X-OpenClaw-Session-Key"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// turnEvent is what runTurn feeds the emit callback: either a text token or
// a tool lifecycle event.
type turnEvent struct {
	Token    string
	ToolID   string
	ToolName string
	Custom   string // "tool_call" when set
}

// runTurn dispatches one agent turn and relays its bus stream to emit until
// the turn finishes or times out. Returns the accumulated text.
func (s *Server) runTurn(ctx context.Context, sessionKey, message string, emit func(turnEvent)) (string, error) {
	sub := s.cfg.Bus.Subscribe("stream.")
	defer s.cfg.Bus.Unsubscribe(sub)

	runID, err := s.cfg.Dispatcher.Agent(ctx, "chat", dispatch.AgentAction{
		Message:    message,
		SessionKey: sessionKey,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	var full strings.Builder
	for {
		select {
		case <-ctx.Done():
			return full.String(), fmt.Errorf("turn %s: %w", runID, ctx.Err())
		case event, ok := <-sub.Ch():
			if !ok {
				return full.String(), fmt.Errorf("turn %s: event bus closed", runID)
			}
			switch payload := event.Payload.(type) {
			case bus.StreamTokenEvent:
				if payload.RunID != runID {
					continue
				}
				full.WriteString(payload.Token)
				if emit != nil {
					emit(turnEvent{Token: payload.Token})
				}
			case bus.StreamToolCallEvent:
				if payload.RunID != runID {
					continue
				}
				if emit != nil {
					emit(turnEvent{ToolID: payload.ToolID, ToolName: payload.ToolName, Custom: "tool_call"})
				}
			case bus.StreamDoneEvent:
				if payload.RunID != runID {
					continue
				}
				return full.String(), nil
			}
		}
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.cfg.Holder.Current().OpenAI.ChatCompletions {
		http.Error(w, "chat completions disabled", http.StatusNotFound)
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages is required", http.StatusBadRequest)
		return
	}
	userMessage := req.Messages[len(req.Messages)-1].Content

	sessionKey := r.Header.Get(SessionKeyHeader)
	if sessionKey == "" {
		sessionKey = "anonymous"
	}
	if err := s.cfg.Store.EnsureSession(r.Context(), sessionKey, "chat"); err != nil {
		s.logger.Error("persisting session failed", "error", err)
	}
	if err := s.cfg.Store.AddMessage(r.Context(), sessionKey, "user", userMessage); err != nil {
		s.logger.Error("persisting user message failed", "error", err)
	}

	ctx, span := otel.StartServerSpan(r.Context(), "chat.completions",
		otel.AttrSessionKey.String(sessionKey),
	)
	defer span.End()

	model := req.Model
	if model == "" {
		model = s.cfg.Holder.Current().OpenAI.Model
	}
	chatID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if !req.Stream {
		full, err := s.runTurn(ctx, sessionKey, userMessage, nil)
		if err != nil {
			s.logger.Error("turn failed", "error", err)
			http.Error(w, "turn failed", http.StatusInternalServerError)
			return
		}
		s.saveAssistant(ctx, sessionKey, full)
		writeJSON(w, http.StatusOK, map[string]any{
			"id": chatID, "object": "chat.completion", "created": created, "model": model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": full},
				"finish_reason": "stop",
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("response writer does not support streaming")
		return
	}

	writeChunk := func(delta map[string]any) {
		chunk := map[string]any{
			"id": chatID, "object": "chat.completion.chunk", "created": created, "model": model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nil}},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error("marshal stream chunk failed", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.StreamEvents.Add(ctx, 1)
		}
	}

	full, err := s.runTurn(ctx, sessionKey, userMessage, func(ev turnEvent) {
		if ev.Custom == "tool_call" {
			writeChunk(map[string]any{
				"custom_type": "tool_call",
				"id":          ev.ToolID,
				"name":        ev.ToolName,
			})
			return
		}
		writeChunk(map[string]any{"content": ev.Token})
	})
	if err != nil {
		s.logger.Error("turn failed mid-stream", "error", err)
	}
	s.saveAssistant(ctx, sessionKey, full)

	final := map[string]any{
		"id": chatID, "object": "chat.completion.chunk", "created": created, "model": model,
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
	}
	if b, err := json.Marshal(final); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) saveAssistant(ctx context.Context, sessionKey, text string) {
	if text == "" {
		return
	}
	if err := s.cfg.Store.AddMessage(ctx, sessionKey, "assistant", text); err != nil {
		s.logger.Error("persisting assistant message failed", "error", err)
	}
}

type responsesRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// handleResponses is a minimal translation of the Responses API onto the
// same dispatcher: string input in, aggregated text out.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.cfg.Holder.Current().OpenAI.Responses {
		http.Error(w, "responses disabled", http.StatusNotFound)
		return
	}

	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	var input string
	if err := json.Unmarshal(req.Input, &input); err != nil || input == "" {
		http.Error(w, "input must be a non-empty string", http.StatusBadRequest)
		return
	}

	sessionKey := r.Header.Get(SessionKeyHeader)
	if sessionKey == "" {
		sessionKey = "anonymous"
	}

	full, err := s.runTurn(r.Context(), sessionKey, input, nil)
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		http.Error(w, "turn failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     "resp-" + uuid.NewString(),
		"object": "response",
		"model":  req.Model,
		"output": []map[string]any{{
			"type":    "message",
			"role":    "assistant",
			"content": []map[string]any{{"type": "output_text", "text": full}},
		}},
		"output_text": full,
	})
}
