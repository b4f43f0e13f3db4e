package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

var (
	ErrProtocolMismatch = errors.New("server protocol version outside supported range")
	ErrAuthRejected     = errors.New("handshake rejected")
	ErrNotConnected     = errors.New("session not connected")
)

const handshakeTimeout = 10 * time.Second

// FixedReconnectDelay is the default reconnect policy: one attempt every
// three seconds, forever. No backoff growth and no retry cap; availability
// is preferred over politeness for a single long-lived client. Swap the
// Options hook for capped exponential backoff if that trade-off changes.
func FixedReconnectDelay() time.Duration {
	return 3 * time.Second
}

type Options struct {
	// URL is the gateway WebSocket endpoint (ws://host:port/ws).
	URL   string
	Token string

	// AgentID prefixes the routed session key (agent:<id>:<base>).
	AgentID string
	Client  protocol.ClientInfo

	Keys  KeyStore
	Tools ToolInvoker

	Logger *slog.Logger
	Bus    *bus.Bus

	// ReconnectDelay returns the wait before the next reconnect attempt.
	// Nil uses FixedReconnectDelay.
	ReconnectDelay func() time.Duration

	// OnState observes lifecycle transitions. Called outside the manager
	// lock; must not call back into the manager synchronously.
	OnState func(State)
}

// Manager drives one logical session over at most one live WebSocket.
// Unexpected closes schedule a reconnect; Close suppresses it.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	pending *Pending

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connecting     bool
	sessionKey     string
	closed         bool
	reconnectTimer *time.Timer
	readCancel     context.CancelFunc
}

func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("session: URL is required")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("session: KeyStore is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay == nil {
		opts.ReconnectDelay = FixedReconnectDelay
	}
	if opts.AgentID == "" {
		opts.AgentID = "main"
	}

	key, err := opts.Keys.Get(SessionKeyName)
	if err != nil {
		return nil, fmt.Errorf("session: load key: %w", err)
	}
	if key == "" {
		key = FormatKey(opts.AgentID, NewBaseKey())
		if err := opts.Keys.Set(SessionKeyName, key); err != nil {
			return nil, fmt.Errorf("session: persist key: %w", err)
		}
	}

	return &Manager{
		opts:       opts,
		logger:     opts.Logger.With("component", "session"),
		pending:    NewPending(opts.Logger),
		state:      StateDisconnected,
		sessionKey: key,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SessionKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionKey
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	key := m.sessionKey
	m.mu.Unlock()

	if m.opts.Bus != nil {
		m.opts.Bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{
			SessionKey: key,
			State:      string(s),
		})
	}
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

// Connect dials the gateway and performs the handshake. Any pending
// reconnect timer is cancelled first so Connect never races its own retry.
// The connecting flag stays held across dial and handshake; a concurrent
// Connect returns immediately instead of opening a second socket.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	key := m.sessionKey
	m.mu.Unlock()

	m.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, m.opts.URL, nil)
	if err != nil {
		m.connectFailed()
		m.scheduleReconnect()
		return fmt.Errorf("dial gateway: %w", err)
	}

	if err := m.handshake(ctx, conn, key); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		m.connectFailed()
		if errors.Is(err, ErrProtocolMismatch) || errors.Is(err, ErrAuthRejected) {
			return err
		}
		m.scheduleReconnect()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.connecting = false
	if m.closed || m.conn != nil {
		closed := m.closed
		m.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		if closed {
			return ErrNotConnected
		}
		return nil
	}
	m.conn = conn
	m.readCancel = cancel
	m.mu.Unlock()
	m.setState(StateConnected)

	go m.readLoop(readCtx, conn)
	return nil
}

func (m *Manager) connectFailed() {
	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn, key string) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	req, err := protocol.NewRequest(protocol.MethodConnect, protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client:      m.opts.Client,
		Auth:        protocol.AuthParams{Token: m.opts.Token},
		SessionKey:  key,
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	var res protocol.Frame
	if err := wsjson.Read(ctx, conn, &res); err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	if res.Type != protocol.TypeResponse || res.ID != req.ID {
		return fmt.Errorf("%w: unexpected handshake frame", ErrAuthRejected)
	}
	if !res.OK {
		msg := "unknown error"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, msg)
	}

	var result protocol.ConnectResult
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &result); err != nil {
			return fmt.Errorf("parse handshake payload: %w", err)
		}
	}
	if result.Protocol != 0 && !protocol.ProtocolInRange(result.Protocol, protocol.MinProtocol, protocol.MaxProtocol) {
		return fmt.Errorf("%w: server advertises %d, supported [%d, %d]",
			ErrProtocolMismatch, result.Protocol, protocol.MinProtocol, protocol.MaxProtocol)
	}

	m.logger.Info("session connected", "session_key", key, "protocol", result.Protocol)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame protocol.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			m.onTransportClosed(conn, err)
			return
		}
		m.handleFrame(ctx, conn, frame)
	}
}

func (m *Manager) handleFrame(ctx context.Context, conn *websocket.Conn, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeResponse:
		m.pending.Resolve(frame)
	case protocol.TypeRequest:
		if frame.Method == protocol.MethodToolInvoke {
			go m.respondToolInvoke(ctx, conn, frame)
			return
		}
		m.logger.Warn("dropping request with unknown method", "method", frame.Method, "id", frame.ID)
	default:
		m.logger.Warn("dropping frame with unknown type", "type", frame.Type)
	}
}

// respondToolInvoke answers a server-initiated tool call. Exactly one
// response frame goes out per request id, even when the handler fails.
func (m *Manager) respondToolInvoke(ctx context.Context, conn *websocket.Conn, frame protocol.Frame) {
	var params protocol.ToolInvokeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		_ = wsjson.Write(ctx, conn, protocol.NewError(frame.ID, fmt.Sprintf("bad tool params: %v", err)))
		return
	}

	result, err := safeInvoke(ctx, m.opts.Tools, params.Action, params.Args)
	if err != nil {
		m.logger.Warn("tool invoke failed", "action", params.Action, "error", err)
		_ = wsjson.Write(ctx, conn, protocol.NewError(frame.ID, err.Error()))
		return
	}
	res, err := protocol.NewResult(frame.ID, result)
	if err != nil {
		_ = wsjson.Write(ctx, conn, protocol.NewError(frame.ID, err.Error()))
		return
	}
	_ = wsjson.Write(ctx, conn, res)
}

func (m *Manager) onTransportClosed(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closed := m.closed
	m.mu.Unlock()

	m.pending.CloseAll()

	if closed {
		return
	}
	m.logger.Warn("connection lost, scheduling reconnect", "error", err)
	m.setState(StateDisconnected)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.reconnectTimer != nil {
		return
	}
	delay := m.opts.ReconnectDelay()
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Warn("reconnect attempt failed", "error", err)
		}
	})
}

// Call sends a request and waits for its response or ctx expiry. The waiter
// is always removed from the pending table on return.
func (m *Manager) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	req, err := protocol.NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	ch := m.pending.Create(req.ID)
	defer m.pending.Close(req.ID)

	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !res.OK {
			msg := "unknown error"
			if res.Error != nil {
				msg = res.Error.Message
			}
			return nil, fmt.Errorf("%s: %s", method, msg)
		}
		return res.Payload, nil
	}
}

// Close tears the session down and suppresses the reconnect path. Idempotent;
// a second Close is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	cancel := m.readCancel
	m.readCancel = nil
	m.mu.Unlock()

	m.setState(StateClosing)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	m.pending.CloseAll()
	m.setState(StateDisconnected)
	return nil
}

// StartNewSession mints a fresh base key, persists the rewritten routed key,
// and re-handshakes on it. The old socket is dropped without triggering the
// automatic reconnect.
func (m *Manager) StartNewSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	key := FormatKey(m.opts.AgentID, NewBaseKey())
	m.sessionKey = key
	conn := m.conn
	m.conn = nil
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	if err := m.opts.Keys.Set(SessionKeyName, key); err != nil {
		return "", fmt.Errorf("persist new session key: %w", err)
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "new session")
	}
	m.pending.CloseAll()

	if err := m.Connect(ctx); err != nil {
		return key, err
	}
	m.logger.Info("started new session", "session_key", key)
	return key, nil
}
