package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/persistence"
)

// memChannel records deliveries for assertions.
type memChannel struct {
	name string

	mu        sync.Mutex
	delivered []string
	failWith  error
}

func (c *memChannel) Name() string                    { return c.name }
func (c *memChannel) Start(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (c *memChannel) Deliver(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.delivered = append(c.delivered, to+": "+text)
	return nil
}

func (c *memChannel) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.delivered) == 0 {
		return ""
	}
	return c.delivered[len(c.delivered)-1]
}

func newTestDispatcher(t *testing.T, chans ...channels.Channel) (*Dispatcher, *bus.Bus, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "openclaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := channels.NewRegistry()
	for _, ch := range chans {
		registry.Register(ch)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBus := bus.New()
	return New(eventBus, store, registry, logger), eventBus, store
}

func TestWakeNow(t *testing.T) {
	d, eventBus, _ := newTestDispatcher(t)
	sub := eventBus.Subscribe(bus.TopicHookWake)
	defer eventBus.Unsubscribe(sub)

	if err := d.Wake(t.Context(), WakeAction{Text: "check email", Mode: ModeNow}); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		wake := ev.Payload.(bus.WakeDispatched)
		if wake.Text != "check email" || wake.Mode != ModeNow {
			t.Fatalf("event = %+v", wake)
		}
	default:
		t.Fatal("no wake event published")
	}
}

func TestWakeNextHeartbeatQueuesUntilDrain(t *testing.T) {
	d, eventBus, _ := newTestDispatcher(t)
	sub := eventBus.Subscribe(bus.TopicHookWake)
	defer eventBus.Unsubscribe(sub)

	ctx := t.Context()
	if err := d.Wake(ctx, WakeAction{Text: "first", Mode: ModeNextHeartbeat}); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if err := d.Wake(ctx, WakeAction{Text: "second", Mode: ModeNextHeartbeat}); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("queued wake published early: %+v", ev)
	default:
	}

	n, err := d.DrainQueued(ctx)
	if err != nil {
		t.Fatalf("DrainQueued: %v", err)
	}
	if n != 2 {
		t.Fatalf("drained = %d, want 2", n)
	}

	// Released in insertion order.
	for i, want := range []string{"first", "second"} {
		select {
		case ev := <-sub.Ch():
			wake := ev.Payload.(bus.WakeDispatched)
			if wake.Text != want {
				t.Fatalf("drained[%d] = %q, want %q", i, wake.Text, want)
			}
		default:
			t.Fatalf("missing drained wake %d", i)
		}
	}

	// A second drain is empty.
	if n, err := d.DrainQueued(ctx); err != nil || n != 0 {
		t.Fatalf("second drain = (%d, %v), want (0, nil)", n, err)
	}
}

func TestAgentUnknownChannel(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Agent(t.Context(), "test", AgentAction{
		Message: "hi",
		Deliver: true,
		Channel: "carrier-pigeon",
	})
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if invalid.Field != "channel" {
		t.Fatalf("field = %q, want channel", invalid.Field)
	}
}

func TestAgentRecordsRun(t *testing.T) {
	d, _, store := newTestDispatcher(t)

	runID, err := d.Agent(t.Context(), "test-mapping", AgentAction{Message: "hi"})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	run, err := store.GetHookRun(t.Context(), runID)
	if err != nil {
		t.Fatalf("GetHookRun: %v", err)
	}
	if run.Status != "accepted" || run.Mapping != "test-mapping" {
		t.Fatalf("run = %+v, want accepted test-mapping", run)
	}
}

func TestDeliverResult(t *testing.T) {
	ch := &memChannel{name: "mem"}
	d, _, store := newTestDispatcher(t, ch)
	ctx := t.Context()

	runID, err := d.Agent(ctx, "m", AgentAction{Message: "hi", Deliver: true, Channel: "mem", To: "42"})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	action := AgentAction{Deliver: true, Channel: "mem", To: "42"}
	if err := d.DeliverResult(ctx, runID, action, "done"); err != nil {
		t.Fatalf("DeliverResult: %v", err)
	}
	if got := ch.last(); got != "42: done" {
		t.Fatalf("delivered = %q, want 42: done", got)
	}
	run, err := store.GetHookRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetHookRun: %v", err)
	}
	if run.Status != "delivered" {
		t.Fatalf("status = %q, want delivered", run.Status)
	}
}

func TestDeliverResultFailureMarksRun(t *testing.T) {
	ch := &memChannel{name: "mem", failWith: errors.New("socket hangup")}
	d, _, store := newTestDispatcher(t, ch)
	ctx := t.Context()

	runID, err := d.Agent(ctx, "m", AgentAction{Message: "hi", Deliver: true, Channel: "mem", To: "42"})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	action := AgentAction{Deliver: true, Channel: "mem", To: "42"}
	if err := d.DeliverResult(ctx, runID, action, "done"); err == nil {
		t.Fatal("DeliverResult succeeded, want delivery error")
	}
	run, err := store.GetHookRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetHookRun: %v", err)
	}
	if run.Status != "failed" {
		t.Fatalf("status = %q, want failed", run.Status)
	}
}

func TestResponderStreamsTurn(t *testing.T) {
	ch := &memChannel{name: "mem"}
	d, eventBus, _ := newTestDispatcher(t, ch)

	sub := eventBus.Subscribe("stream.")
	defer eventBus.Unsubscribe(sub)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewResponder(eventBus, d, nil, logger).Start(t.Context())

	runID, err := d.Agent(t.Context(), "m", AgentAction{Message: "hi", Deliver: true, Channel: "mem", To: "9"})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}

	var full strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			switch payload := ev.Payload.(type) {
			case bus.StreamTokenEvent:
				if payload.RunID == runID {
					full.WriteString(payload.Token)
				}
			case bus.StreamDoneEvent:
				if payload.RunID != runID {
					continue
				}
				if full.String() != "Received: hi" {
					t.Fatalf("streamed text = %q, want Received: hi", full.String())
				}
				// The finished turn is also delivered on the channel.
				waitFor(t, func() bool { return ch.last() == "9: Received: hi" })
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the streamed turn")
		}
	}
}

func TestResponderReportsToolCalls(t *testing.T) {
	d, eventBus, _ := newTestDispatcher(t)

	sub := eventBus.Subscribe("stream.")
	defer eventBus.Unsubscribe(sub)

	engine := func(ctx context.Context, sessionKey, message string, report func(ToolReport)) (string, error) {
		report(ToolReport{ID: "call_7", Name: "web_search"})
		return "searched", nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewResponder(eventBus, d, nil, logger).UseToolAware(engine).Start(t.Context())

	runID, err := d.Agent(t.Context(), "m", AgentAction{Message: "find it"})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}

	var tools []bus.StreamToolCallEvent
	var full strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			switch payload := ev.Payload.(type) {
			case bus.StreamToolCallEvent:
				if payload.RunID == runID {
					tools = append(tools, payload)
				}
			case bus.StreamTokenEvent:
				if payload.RunID == runID {
					full.WriteString(payload.Token)
				}
			case bus.StreamDoneEvent:
				if payload.RunID != runID {
					continue
				}
				if len(tools) != 1 || tools[0].ToolID != "call_7" || tools[0].ToolName != "web_search" {
					t.Fatalf("tool events = %+v, want one call_7/web_search", tools)
				}
				if full.String() != "searched" {
					t.Fatalf("streamed text = %q, want searched", full.String())
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the streamed turn")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestParseWake(t *testing.T) {
	action, err := ParseWake([]byte(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("ParseWake: %v", err)
	}
	if action.Text != "hello" || action.Mode != ModeNow {
		t.Fatalf("action = %+v, want text hello mode now", action)
	}

	if _, err := ParseWake([]byte(`{}`)); err == nil {
		t.Fatal("ParseWake accepted empty text")
	}
	if _, err := ParseWake([]byte(`{"text":"x","mode":"sometime"}`)); err == nil {
		t.Fatal("ParseWake accepted unknown mode")
	}
}

func TestParseAgent(t *testing.T) {
	action, err := ParseAgent([]byte(`{"message":"do it","deliver":true,"channel":"telegram","to":"1"}`))
	if err != nil {
		t.Fatalf("ParseAgent: %v", err)
	}
	if action.Message != "do it" || !action.Deliver || action.Channel != "telegram" {
		t.Fatalf("action = %+v", action)
	}

	if _, err := ParseAgent([]byte(`{}`)); err == nil {
		t.Fatal("ParseAgent accepted empty message")
	}
	if _, err := ParseAgent([]byte(`{"message":"x","deliver":true}`)); err == nil {
		t.Fatal("ParseAgent accepted deliver without channel")
	}
}
