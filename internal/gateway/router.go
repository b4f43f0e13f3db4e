// Package gateway serves the OpenClaw HTTP and WebSocket surface: the
// JSON-RPC endpoint, the ordered sub-handler chain, and the control-channel
// WS endpoint clients hand-shake against.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/hooks"
	"github.com/openclaw/openclaw/internal/otel"
	"github.com/openclaw/openclaw/internal/persistence"
)

type Config struct {
	Holder     *config.Holder
	Store      *persistence.Store
	Bus        *bus.Bus
	Dispatcher *dispatch.Dispatcher
	Hooks      *hooks.Handler
	Logger     *slog.Logger
	Metrics    *otel.Metrics
}

// subHandler is one slot of the routing chain. The first handler whose
// predicate matches claims the request; the chain order is a contract
// callers rely on, not an implementation detail.
type subHandler struct {
	name   string
	match  func(r *http.Request) bool
	handle http.HandlerFunc
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	conns  *ConnRegistry
	chain  []subHandler
	rpc    map[string]rpcHandlerFunc

	// plugin is the generic third-party slot between slack and the
	// OpenAI-compatible handlers. Nil until RegisterPlugin is called.
	plugin *subHandler
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gateway"),
		conns:  NewConnRegistry(cfg.Logger),
	}
	s.buildChain()
	s.rpc = s.buildRPCHandlers()
	return s
}

// RegisterPlugin installs a handler into the generic plugin slot. Must be
// called before the server starts handling requests.
func (s *Server) RegisterPlugin(name string, match func(r *http.Request) bool, handle http.HandlerFunc) {
	s.plugin = &subHandler{name: name, match: match, handle: handle}
	s.buildChain()
}

func (s *Server) buildChain() {
	chain := []subHandler{
		{name: "hooks", match: s.cfg.Hooks.Match, handle: s.cfg.Hooks.Handle},
		{name: "tools-invoke", match: matchPath("/tools/invoke"), handle: s.handleToolsInvoke},
		{name: "slack", match: s.matchSlack, handle: s.handleSlack},
	}
	if s.plugin != nil {
		chain = append(chain, *s.plugin)
	}
	chain = append(chain,
		subHandler{name: "openai-responses", match: matchPath("/v1/responses"), handle: s.handleResponses},
		subHandler{name: "openai-chat-completions", match: matchPath("/v1/chat/completions"), handle: s.handleChatCompletions},
		subHandler{name: "canvas-host", match: s.matchCanvas, handle: s.handleCanvas},
		subHandler{name: "control-ui-avatar", match: matchPath("/avatar"), handle: s.handleAvatar},
		subHandler{name: "control-ui", match: s.matchControlUI, handle: s.handleControlUI},
	)
	s.chain = chain
}

func matchPath(path string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return r.URL.Path == path
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if isWebSocketUpgrade(r) {
		if r.URL.Path == "/ws" {
			s.handleWS(w, r)
			return
		}
		http.Error(w, "websocket upgrade not supported on this path", http.StatusBadRequest)
		return
	}

	if r.URL.Path == "/rpc" && r.Method == http.MethodPost {
		s.handleRPC(w, r)
		return
	}

	for _, sub := range s.chain {
		if sub.match(r) {
			sub.handle(w, r)
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// setCORSHeaders echoes any Origin back with credentials allowed. The
// gateway is token-authenticated, so origin echo is safe and lets browser
// clients on arbitrary hosts talk to a local gateway.
func setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-OpenClaw-Token, X-OpenClaw-Session-Key")
	h.Set("Access-Control-Max-Age", "3600")
}
