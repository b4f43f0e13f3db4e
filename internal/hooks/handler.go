package hooks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/dispatch"
)

// Handler owns the webhook ingress under the configured base path.
type Handler struct {
	holder     *config.Holder
	dispatcher *dispatch.Dispatcher
	engine     *Engine
	logger     *slog.Logger
}

func NewHandler(holder *config.Holder, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		holder:     holder,
		dispatcher: dispatcher,
		engine:     NewEngine(),
		logger:     logger.With("component", "hooks"),
	}
}

// Match claims every path under the hooks base path.
func (h *Handler) Match(r *http.Request) bool {
	base := h.holder.Current().Hooks.BasePath
	return r.URL.Path == base || strings.HasPrefix(r.URL.Path, base+"/")
}

// extractToken pulls the caller's token. Header forms are preferred; a query
// token still works but logs a deprecation warning since URLs end up in
// proxy logs and shell history.
func (h *Handler) extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.Header.Get("X-OpenClaw-Token"); token != "" {
		return token
	}
	if token := r.URL.Query().Get("token"); token != "" {
		h.logger.Warn("hook authenticated via query token, prefer the Authorization header", "path", r.URL.Path)
		return token
	}
	return ""
}

func findMapping(mappings []config.MappingConfig, subpath string) *config.MappingConfig {
	for i := range mappings {
		if mappings[i].Path == subpath {
			return &mappings[i]
		}
	}
	return nil
}

func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	cfg := h.holder.Current().Hooks
	subpath := strings.Trim(strings.TrimPrefix(r.URL.Path, cfg.BasePath), "/")

	expected := cfg.Token
	if m := findMapping(cfg.Mappings, subpath); m != nil && m.Token != "" {
		expected = m.Token
	}
	if expected == "" || h.extractToken(r) != expected {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if subpath == "" {
		writeError(w, http.StatusNotFound, "unknown hook")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	switch subpath {
	case "wake":
		h.handleWake(w, r, body)
	case "agent":
		h.handleAgent(w, r, body)
	case "mappings":
		h.handleMappings(w, body)
	default:
		h.handleMapped(w, r, cfg, subpath, body)
	}
}

func (h *Handler) handleWake(w http.ResponseWriter, r *http.Request, body []byte) {
	action, err := dispatch.ParseWake(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.dispatcher.Wake(r.Context(), action); err != nil {
		h.logger.Error("wake dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mode": action.Mode})
}

func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request, body []byte) {
	action, err := dispatch.ParseAgent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := h.dispatcher.Agent(r.Context(), "agent", action)
	if err != nil {
		var invalid *dispatch.ValidationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		h.logger.Error("agent dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "runId": runID})
}

// handleMappings hot-replaces the mapping rule set and persists it.
func (h *Handler) handleMappings(w http.ResponseWriter, body []byte) {
	var mappings []config.MappingConfig
	if err := json.Unmarshal(body, &mappings); err != nil {
		writeError(w, http.StatusBadRequest, "mappings must be a JSON array")
		return
	}
	if err := config.ValidateMappings(mappings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := h.holder.Current()
	cfg.Hooks.Mappings = mappings
	h.holder.Replace(cfg)
	if err := config.Save(cfg); err != nil {
		h.logger.Error("persisting mappings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}
	h.logger.Info("mappings replaced", "count", len(mappings))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMapped(w http.ResponseWriter, r *http.Request, cfg config.HooksConfig, subpath string, body []byte) {
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}

	resolved, err := h.engine.Evaluate(cfg.Mappings, subpath, payload, r)
	if err != nil {
		var invalid *dispatch.ValidationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		h.logger.Error("mapping evaluation failed", "path", subpath, "error", err)
		writeError(w, http.StatusInternalServerError, "mapping failed")
		return
	}
	if resolved == nil {
		writeError(w, http.StatusNotFound, "unknown hook")
		return
	}
	if resolved.NoAction {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case resolved.Wake != nil:
		action := *resolved.Wake
		if action.Mode == "" {
			action.Mode = dispatch.ModeNow
		}
		if err := h.dispatcher.Wake(r.Context(), action); err != nil {
			h.logger.Error("mapped wake dispatch failed", "mapping", resolved.Mapping, "error", err)
			writeError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mode": action.Mode})
	case resolved.Agent != nil:
		runID, err := h.dispatcher.Agent(r.Context(), resolved.Mapping, *resolved.Agent)
		if err != nil {
			var invalid *dispatch.ValidationError
			if errors.As(err, &invalid) {
				writeError(w, http.StatusBadRequest, invalid.Error())
				return
			}
			h.logger.Error("mapped agent dispatch failed", "mapping", resolved.Mapping, "error", err)
			writeError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "runId": runID})
	default:
		writeError(w, http.StatusInternalServerError, "mapping resolved no action")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": message})
}
