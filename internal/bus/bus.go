package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Hook dispatch topics.
const (
	TopicHookWake  = "hook.wake"
	TopicHookAgent = "hook.agent"
)

// Stream topics published while an agent turn is running.
const (
	TopicStreamToken    = "stream.token"
	TopicStreamToolCall = "stream.tool_call"
	TopicStreamDone     = "stream.done"
)

// Session lifecycle topic.
const (
	TopicSessionState = "session.state"
)

// WakeDispatched is published when a wake hook is accepted.
type WakeDispatched struct {
	Text string // wake text
	Mode string // "now" or "next-heartbeat"
}

// AgentDispatched is published when an agent hook run starts.
type AgentDispatched struct {
	RunID      string // generated run id
	SessionKey string // resolved session key
	Message    string // message for the agent turn
	Channel    string // delivery channel name, "" when deliver=false
	To         string // channel recipient, "" for the channel default
}

// StreamTokenEvent carries one text delta of a streamed turn.
type StreamTokenEvent struct {
	RunID string
	Token string
}

// StreamToolCallEvent carries one tool call surfaced mid-stream.
type StreamToolCallEvent struct {
	RunID    string
	ToolID   string
	ToolName string
}

// StreamDoneEvent marks the end of a streamed turn.
type StreamDoneEvent struct {
	RunID string
}

// SessionStateEvent is published on connection state transitions.
type SessionStateEvent struct {
	SessionKey string
	State      string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
