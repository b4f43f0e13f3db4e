package hooks

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/persistence"
)

func newTestHandler(t *testing.T, mappings []config.MappingConfig) (*Handler, *bus.Bus) {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "openclaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBus := bus.New()
	dispatcher := dispatch.New(eventBus, store, channels.NewRegistry(), logger)

	cfg := config.Config{
		HomeDir: t.TempDir(),
		Hooks: config.HooksConfig{
			Enabled:      true,
			BasePath:     "/hooks",
			Token:        "secret",
			MaxBodyBytes: 1 << 20,
			Mappings:     mappings,
		},
	}
	return NewHandler(config.NewHolder(cfg), dispatcher, logger), eventBus
}

func postHook(h *Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.Handle(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestWakeHook(t *testing.T) {
	h, eventBus := newTestHandler(t, nil)
	sub := eventBus.Subscribe(bus.TopicHookWake)
	defer eventBus.Unsubscribe(sub)

	w := postHook(h, http.MethodPost, "/hooks/wake", "secret", `{"text":"check email"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true || body["mode"] != "now" {
		t.Fatalf("body = %v, want ok true mode now", body)
	}

	select {
	case ev := <-sub.Ch():
		wake, ok := ev.Payload.(bus.WakeDispatched)
		if !ok || wake.Text != "check email" {
			t.Fatalf("event = %+v, want wake with text", ev)
		}
	default:
		t.Fatal("no wake event published")
	}
}

func TestWakeHookMissingText(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := postHook(h, http.MethodPost, "/hooks/wake", "secret", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "text") {
		t.Fatalf("body = %q, want mention of the text field", w.Body.String())
	}
}

func TestHookAuth(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	if w := postHook(h, http.MethodPost, "/hooks/wake", "wrong", `{"text":"x"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", w.Code)
	}
	if w := postHook(h, http.MethodPost, "/hooks/wake", "", `{"text":"x"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}

	// Header token form.
	req := httptest.NewRequest(http.MethodPost, "/hooks/wake", strings.NewReader(`{"text":"x"}`))
	req.Header.Set("X-OpenClaw-Token", "secret")
	w := httptest.NewRecorder()
	h.Handle(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("header token status = %d, want 200", w.Code)
	}

	// Deprecated query token still authenticates.
	req = httptest.NewRequest(http.MethodPost, "/hooks/wake?token=secret", strings.NewReader(`{"text":"x"}`))
	w = httptest.NewRecorder()
	h.Handle(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", w.Code)
	}
}

func TestHookMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := postHook(h, http.MethodGet, "/hooks/wake", "secret", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if got := w.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", got)
	}
}

func TestHookUnknownPath(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	if w := postHook(h, http.MethodPost, "/hooks", "secret", `{}`); w.Code != http.StatusNotFound {
		t.Fatalf("bare base path status = %d, want 404", w.Code)
	}
	if w := postHook(h, http.MethodPost, "/hooks/nosuch", "secret", `{}`); w.Code != http.StatusNotFound {
		t.Fatalf("unmapped path status = %d, want 404", w.Code)
	}
}

func TestHookBodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	cfg := h.holder.Current()
	cfg.Hooks.MaxBodyBytes = 16
	h.holder.Replace(cfg)

	w := postHook(h, http.MethodPost, "/hooks/wake", "secret", `{"text":"`+strings.Repeat("a", 64)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestAgentHook(t *testing.T) {
	h, eventBus := newTestHandler(t, nil)
	sub := eventBus.Subscribe(bus.TopicHookAgent)
	defer eventBus.Unsubscribe(sub)

	w := postHook(h, http.MethodPost, "/hooks/agent", "secret", `{"message":"summarize inbox"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	runID, _ := body["runId"].(string)
	if body["ok"] != true || runID == "" {
		t.Fatalf("body = %v, want ok true with runId", body)
	}

	select {
	case ev := <-sub.Ch():
		agent, ok := ev.Payload.(bus.AgentDispatched)
		if !ok || agent.RunID != runID || agent.Message != "summarize inbox" {
			t.Fatalf("event = %+v, want agent run %s", ev, runID)
		}
	default:
		t.Fatal("no agent event published")
	}
}

func TestAgentHookUnknownChannel(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := postHook(h, http.MethodPost, "/hooks/agent", "secret", `{"message":"hi","deliver":true,"channel":"carrier-pigeon","to":"42"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "channel") {
		t.Fatalf("body = %q, want mention of channel", w.Body.String())
	}
}

func TestMappedHookFirstMatchWins(t *testing.T) {
	mappings := []config.MappingConfig{
		{
			Name:   "ci-noise",
			Path:   "ci",
			Action: "none",
			Match: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"payload": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"status": map[string]interface{}{"const": "pending"},
						},
						"required": []interface{}{"status"},
					},
				},
			},
		},
		{
			Name:     "ci-wake",
			Path:     "ci",
			Action:   "wake",
			Template: "build {{.status}}",
		},
	}
	h, eventBus := newTestHandler(t, mappings)
	sub := eventBus.Subscribe(bus.TopicHookWake)
	defer eventBus.Unsubscribe(sub)

	// Pending events hit the filter rule first and resolve to no action.
	w := postHook(h, http.MethodPost, "/hooks/ci", "secret", `{"status":"pending"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("pending status = %d, want 204: %s", w.Code, w.Body.String())
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v for filtered payload", ev)
	default:
	}

	// Anything else falls through to the wake rule.
	w = postHook(h, http.MethodPost, "/hooks/ci", "secret", `{"status":"failed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("failed status = %d, want 200: %s", w.Code, w.Body.String())
	}
	select {
	case ev := <-sub.Ch():
		wake := ev.Payload.(bus.WakeDispatched)
		if wake.Text != "build failed" {
			t.Fatalf("wake text = %q, want build failed", wake.Text)
		}
	default:
		t.Fatal("no wake event for matching payload")
	}
}

func TestMappedHookRejectsNonJSON(t *testing.T) {
	mappings := []config.MappingConfig{{Name: "ci", Path: "ci", Action: "wake", Template: "x"}}
	h, _ := newTestHandler(t, mappings)
	w := postHook(h, http.MethodPost, "/hooks/ci", "secret", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestMappingTokenOverride(t *testing.T) {
	mappings := []config.MappingConfig{{Name: "ci", Path: "ci", Action: "wake", Token: "per-hook"}}
	h, _ := newTestHandler(t, mappings)

	if w := postHook(h, http.MethodPost, "/hooks/ci", "secret", `{"m":1}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("global token status = %d, want 401", w.Code)
	}
	if w := postHook(h, http.MethodPost, "/hooks/ci", "per-hook", `{"m":1}`); w.Code != http.StatusOK {
		t.Fatalf("mapping token status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestReplaceMappings(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := postHook(h, http.MethodPost, "/hooks/mappings", "secret",
		`[{"name":"ci","path":"ci","action":"wake","template":"build {{.status}}"}]`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", w.Code, w.Body.String())
	}
	if got := h.holder.Current().Hooks.Mappings; len(got) != 1 || got[0].Name != "ci" {
		t.Fatalf("mappings after replace = %+v", got)
	}

	if w := postHook(h, http.MethodPost, "/hooks/mappings", "secret", `{"not":"array"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("non-array status = %d, want 400", w.Code)
	}
}
