package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/openclaw/openclaw/internal/protocol"
	"github.com/openclaw/openclaw/internal/session"
)

// AgentConn is one hand-shaken client connection, addressable by its
// session key for reverse RPC.
type AgentConn struct {
	SessionKey string

	conn    *websocket.Conn
	pending *session.Pending
	writeMu sync.Mutex
	logger  *slog.Logger
}

// write serializes frame writes; wsjson.Write is not safe for concurrent use.
func (c *AgentConn) write(ctx context.Context, frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, frame)
}

// Invoke sends a client.tool.invoke request over the socket and waits for
// the matching response under the caller's deadline.
func (c *AgentConn) Invoke(ctx context.Context, action string, args json.RawMessage) (json.RawMessage, error) {
	req, err := protocol.NewRequest(protocol.MethodToolInvoke, protocol.ToolInvokeParams{
		Action: action,
		Args:   args,
	})
	if err != nil {
		return nil, err
	}

	ch := c.pending.Create(req.ID)
	defer c.pending.Close(req.ID)

	if err := c.write(ctx, req); err != nil {
		return nil, fmt.Errorf("send tool invoke: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("tool invoke %q timed out: %w", action, ctx.Err())
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection lost during tool invoke %q", action)
		}
		if !res.OK {
			msg := "unknown error"
			if res.Error != nil {
				msg = res.Error.Message
			}
			return nil, fmt.Errorf("tool %q failed: %s", action, msg)
		}
		return res.Payload, nil
	}
}

// ConnRegistry tracks hand-shaken connections by session key. At most one
// live socket per key; a new handshake on the same key evicts the old one.
type ConnRegistry struct {
	mu     sync.RWMutex
	byKey  map[string]*AgentConn
	logger *slog.Logger
}

func NewConnRegistry(logger *slog.Logger) *ConnRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnRegistry{byKey: make(map[string]*AgentConn), logger: logger}
}

func (r *ConnRegistry) register(c *AgentConn) {
	r.mu.Lock()
	old := r.byKey[c.SessionKey]
	r.byKey[c.SessionKey] = c
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("evicting stale connection for session", "session_key", c.SessionKey)
		_ = old.conn.Close(websocket.StatusPolicyViolation, "superseded")
	}
}

func (r *ConnRegistry) unregister(c *AgentConn) {
	r.mu.Lock()
	if r.byKey[c.SessionKey] == c {
		delete(r.byKey, c.SessionKey)
	}
	r.mu.Unlock()
}

// Lookup returns the connection for key. An empty key returns any single
// connected session, for one-client deployments that never set a key.
func (r *ConnRegistry) Lookup(key string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key != "" {
		c, ok := r.byKey[key]
		return c, ok
	}
	for _, c := range r.byKey {
		return c, true
	}
	return nil, false
}

func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func (r *ConnRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// handleWS owns the upgrade endpoint: accept, handshake, then pump frames
// until the socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Holder.Current()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Gateway.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws accept failed", "error", err)
		return
	}

	agentConn, err := s.handshakeWS(r.Context(), conn, cfg.Gateway.Token)
	if err != nil {
		s.logger.Warn("ws handshake rejected", "client", s.clientAddr(r), "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return
	}

	s.conns.register(agentConn)
	defer s.conns.unregister(agentConn)
	s.logger.Info("client session connected", "session_key", agentConn.SessionKey)

	s.readLoop(r.Context(), agentConn)
}

func (s *Server) handshakeWS(ctx context.Context, conn *websocket.Conn, token string) (*AgentConn, error) {
	var frame protocol.Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if frame.Type != protocol.TypeRequest || frame.Method != protocol.MethodConnect {
		return nil, fmt.Errorf("expected connect request, got %s/%s", frame.Type, frame.Method)
	}

	var params protocol.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		_ = wsjson.Write(ctx, conn, protocol.NewError(frame.ID, "malformed connect params"))
		return nil, fmt.Errorf("parse connect params: %w", err)
	}

	if token == "" || params.Auth.Token != token {
		_ = wsjson.Write(ctx, conn, protocol.NewError(frame.ID, "invalid token"))
		return nil, fmt.Errorf("token mismatch")
	}
	if !protocol.ProtocolInRange(protocol.Current, params.MinProtocol, params.MaxProtocol) {
		_ = wsjson.Write(ctx, conn, protocol.NewError(frame.ID,
			fmt.Sprintf("protocol %d outside client range [%d, %d]", protocol.Current, params.MinProtocol, params.MaxProtocol)))
		return nil, fmt.Errorf("protocol mismatch")
	}

	sessionKey := params.SessionKey
	if sessionKey == "" {
		sessionKey = session.FormatKey("main", session.NewBaseKey())
	}
	if err := s.cfg.Store.EnsureSession(ctx, sessionKey, params.Client.ID); err != nil {
		s.logger.Error("persisting session failed", "error", err)
	}

	res, err := protocol.NewResult(frame.ID, protocol.ConnectResult{
		Protocol:   protocol.Current,
		SessionKey: sessionKey,
	})
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, res); err != nil {
		return nil, fmt.Errorf("send handshake response: %w", err)
	}

	return &AgentConn{
		SessionKey: sessionKey,
		conn:       conn,
		pending:    session.NewPending(s.logger),
		logger:     s.logger,
	}, nil
}

func (s *Server) readLoop(ctx context.Context, c *AgentConn) {
	defer c.pending.CloseAll()
	for {
		var frame protocol.Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			s.logger.Info("client session disconnected", "session_key", c.SessionKey, "error", err)
			return
		}
		switch frame.Type {
		case protocol.TypeResponse:
			c.pending.Resolve(frame)
		case protocol.TypeRequest:
			// Clients only speak request/response for the handshake;
			// anything else is answered, never dropped silently.
			_ = c.write(ctx, protocol.NewError(frame.ID, "unknown method: "+frame.Method))
		default:
			s.logger.Warn("dropping malformed frame", "session_key", c.SessionKey, "type", frame.Type)
		}
	}
}
