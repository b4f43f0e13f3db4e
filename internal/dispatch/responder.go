package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openclaw/openclaw/internal/bus"
)

// CompleteFunc produces the reply text for one agent turn. The gateway is
// engine-agnostic: plug in a model client, a remote agent, or a stub.
type CompleteFunc func(ctx context.Context, sessionKey, message string) (string, error)

// ToolReport is a tool invocation surfaced by the engine mid-turn.
type ToolReport struct {
	ID   string
	Name string
}

// ToolAwareComplete is the engine seam for completions that invoke tools:
// report is called once per tool call and relayed to the run's stream
// ahead of the remaining tokens.
type ToolAwareComplete func(ctx context.Context, sessionKey, message string, report func(ToolReport)) (string, error)

// EchoComplete is the fallback turn engine used when none is configured:
// it acknowledges the message so the streaming path stays exercisable
// end to end without a model attached.
func EchoComplete(_ context.Context, _ string, message string) (string, error) {
	return fmt.Sprintf("Received: %s", message), nil
}

// Responder consumes dispatched agent turns from the bus, runs the
// completion function, and streams the reply back as token events.
type Responder struct {
	bus        *bus.Bus
	dispatcher *Dispatcher
	complete   CompleteFunc
	toolAware  ToolAwareComplete
	logger     *slog.Logger
}

func NewResponder(eventBus *bus.Bus, dispatcher *Dispatcher, complete CompleteFunc, logger *slog.Logger) *Responder {
	if complete == nil {
		complete = EchoComplete
	}
	return &Responder{
		bus:        eventBus,
		dispatcher: dispatcher,
		complete:   complete,
		logger:     logger.With("component", "responder"),
	}
}

// UseToolAware installs a tool-aware engine in place of the plain
// CompleteFunc. Tool reports it makes are published as stream events
// for the turn's run id.
func (r *Responder) UseToolAware(fn ToolAwareComplete) *Responder {
	r.toolAware = fn
	return r
}

// Start consumes agent dispatches until ctx is canceled. Each turn runs in
// its own goroutine so a slow turn never blocks the next.
func (r *Responder) Start(ctx context.Context) {
	sub := r.bus.Subscribe(bus.TopicHookAgent)
	go func() {
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				dispatched, ok := event.Payload.(bus.AgentDispatched)
				if !ok {
					continue
				}
				go r.runTurn(ctx, dispatched)
			}
		}
	}()
}

func (r *Responder) runTurn(ctx context.Context, turn bus.AgentDispatched) {
	var text string
	var err error
	if r.toolAware != nil {
		report := func(tc ToolReport) {
			r.bus.Publish(bus.TopicStreamToolCall, bus.StreamToolCallEvent{
				RunID:    turn.RunID,
				ToolID:   tc.ID,
				ToolName: tc.Name,
			})
		}
		text, err = r.toolAware(ctx, turn.SessionKey, turn.Message, report)
	} else {
		text, err = r.complete(ctx, turn.SessionKey, turn.Message)
	}
	if err != nil {
		r.logger.Error("turn completion failed", "run_id", turn.RunID, "error", err)
		text = "The agent could not complete this request."
	}

	for _, token := range tokenize(text) {
		r.bus.Publish(bus.TopicStreamToken, bus.StreamTokenEvent{RunID: turn.RunID, Token: token})
	}
	r.bus.Publish(bus.TopicStreamDone, bus.StreamDoneEvent{RunID: turn.RunID})

	action := AgentAction{
		Deliver: turn.Channel != "",
		Channel: turn.Channel,
		To:      turn.To,
	}
	if err := r.dispatcher.DeliverResult(ctx, turn.RunID, action, text); err != nil {
		r.logger.Error("result delivery failed", "run_id", turn.RunID, "error", err)
	}
}

// tokenize splits reply text into word-ish stream tokens, keeping the
// separating whitespace attached so concatenation reproduces the text.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == ' ' || r == '\n' {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
