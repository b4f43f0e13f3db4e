package heartbeat

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/persistence"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "openclaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBus := bus.New()
	return dispatch.New(eventBus, store, channels.NewRegistry(), logger), eventBus
}

func TestSchedulerReleasesQueuedWakes(t *testing.T) {
	d, eventBus := newTestDispatcher(t)
	sub := eventBus.Subscribe(bus.TopicHookWake)
	defer eventBus.Unsubscribe(sub)

	ctx := t.Context()
	if err := d.Wake(ctx, dispatch.WakeAction{Text: "later", Mode: dispatch.ModeNextHeartbeat}); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	s, err := NewScheduler(Config{Dispatcher: d, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()

	select {
	case ev := <-sub.Ch():
		wake := ev.Payload.(bus.WakeDispatched)
		if wake.Text != "later" {
			t.Fatalf("wake text = %q, want later", wake.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat never released the queued wake")
	}
}

func TestSchedulerStopIsClean(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s, err := NewScheduler(Config{Dispatcher: d, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(t.Context())
	s.Stop()
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if _, err := NewScheduler(Config{Dispatcher: d, Schedule: "not a cron line"}); err == nil {
		t.Fatal("NewScheduler accepted a malformed cron expression")
	}
}

func TestSchedulerAcceptsCron(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s, err := NewScheduler(Config{Dispatcher: d, Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if s.schedule == nil {
		t.Fatal("cron schedule not installed")
	}
}
