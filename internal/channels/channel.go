package channels

import (
	"context"
	"fmt"
	"sync"
)

// Channel is a messaging platform integration the dispatcher can deliver
// agent replies to.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for inbound messages. It blocks until the
	// context is canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Deliver sends text to the named recipient on this channel.
	Deliver(ctx context.Context, to, text string) error
}

// Registry holds the configured channels by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Resolve returns the named channel or an error naming the unknown channel,
// used by mapping validation before any dispatch happens.
func (r *Registry) Resolve(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", name)
	}
	return ch, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}
