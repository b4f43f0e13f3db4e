package session

import (
	"log/slog"
	"sync"

	"github.com/openclaw/openclaw/internal/protocol"
)

// Pending is the table of in-flight request ids awaiting a response frame.
// Shared by the client manager and the gateway's server-side connections.
type Pending struct {
	mu      sync.RWMutex
	waiters map[string]chan protocol.Frame
	logger  *slog.Logger
}

func NewPending(logger *slog.Logger) *Pending {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pending{
		waiters: make(map[string]chan protocol.Frame),
		logger:  logger,
	}
}

// Create registers a waiter for the given request id and returns its channel.
// The caller must eventually Close the id.
func (p *Pending) Create(id string) <-chan protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan protocol.Frame, 1)
	p.waiters[id] = ch
	return ch
}

// Close removes and closes the waiter for id. Safe to call twice.
func (p *Pending) Close(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiters[id]; ok {
		close(ch)
		delete(p.waiters, id)
	}
}

// Resolve routes a response frame to its waiter. Responses for unknown ids
// are dropped; stale ids after a reconnect are expected, not errors.
func (p *Pending) Resolve(frame protocol.Frame) {
	p.mu.RLock()
	ch, ok := p.waiters[frame.ID]
	p.mu.RUnlock()

	if !ok {
		p.logger.Debug("dropping response for unknown request", "id", frame.ID)
		return
	}
	select {
	case ch <- frame:
	default:
		p.logger.Warn("waiter already resolved, dropping duplicate response", "id", frame.ID)
	}
}

// CloseAll drops every waiter, used when the transport dies so callers
// blocked on Call unblock with a closed channel.
func (p *Pending) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}
