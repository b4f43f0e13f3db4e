package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/persistence"
	"github.com/openclaw/openclaw/internal/shared"
)

// Dispatcher routes validated actions to the bus, records runs in the
// store, and resolves delivery channels.
type Dispatcher struct {
	bus      *bus.Bus
	store    *persistence.Store
	registry *channels.Registry
	logger   *slog.Logger
}

func New(eventBus *bus.Bus, store *persistence.Store, registry *channels.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      eventBus,
		store:    store,
		registry: registry,
		logger:   logger.With("component", "dispatch"),
	}
}

// Wake dispatches a wake action. Mode "now" publishes immediately; mode
// "next-heartbeat" queues the text for the next heartbeat drain.
func (d *Dispatcher) Wake(ctx context.Context, action WakeAction) error {
	if action.Mode == ModeNextHeartbeat {
		if err := d.store.EnqueueWake(ctx, action.Text); err != nil {
			return fmt.Errorf("queue wake: %w", err)
		}
		d.logger.Info("wake queued for next heartbeat", "text", action.Text)
		return nil
	}

	d.bus.Publish(bus.TopicHookWake, bus.WakeDispatched{Text: action.Text, Mode: action.Mode})
	d.logger.Info("wake dispatched", "mode", action.Mode)
	return nil
}

// Agent dispatches an agent action and returns the generated run id. The
// delivery channel is resolved up front so a bad target fails validation
// instead of failing after the turn ran.
func (d *Dispatcher) Agent(ctx context.Context, mapping string, action AgentAction) (string, error) {
	if action.Deliver {
		if _, err := d.registry.Resolve(action.Channel); err != nil {
			return "", &ValidationError{Field: "channel", Reason: err.Error()}
		}
	}

	runID := shared.NewRunID()
	if err := d.store.RecordHookRun(ctx, runID, mapping, "agent", action.SessionKey); err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}

	d.bus.Publish(bus.TopicHookAgent, bus.AgentDispatched{
		RunID:      runID,
		SessionKey: action.SessionKey,
		Message:    action.Message,
		Channel:    action.Channel,
		To:         action.To,
	})
	d.logger.Info("agent dispatched", "run_id", runID, "mapping", mapping, "deliver", action.Deliver)
	return runID, nil
}

// DeliverResult pushes a finished turn's text to the channel recipient
// recorded for the action and marks the run delivered.
func (d *Dispatcher) DeliverResult(ctx context.Context, runID string, action AgentAction, text string) error {
	if !action.Deliver {
		return d.store.UpdateHookRun(ctx, runID, "delivered", "")
	}
	ch, err := d.registry.Resolve(action.Channel)
	if err != nil {
		_ = d.store.UpdateHookRun(ctx, runID, "failed", err.Error())
		return err
	}
	if err := ch.Deliver(ctx, action.To, text); err != nil {
		_ = d.store.UpdateHookRun(ctx, runID, "failed", err.Error())
		return fmt.Errorf("deliver via %s: %w", action.Channel, err)
	}
	return d.store.UpdateHookRun(ctx, runID, "delivered", "")
}

// DrainQueued releases every wake queued for the heartbeat, publishing each
// in insertion order.
func (d *Dispatcher) DrainQueued(ctx context.Context) (int, error) {
	texts, err := d.store.DrainWakes(ctx)
	if err != nil {
		return 0, err
	}
	for _, text := range texts {
		d.bus.Publish(bus.TopicHookWake, bus.WakeDispatched{Text: text, Mode: ModeNow})
	}
	if len(texts) > 0 {
		d.logger.Info("drained queued wakes", "count", len(texts))
	}
	return len(texts), nil
}
