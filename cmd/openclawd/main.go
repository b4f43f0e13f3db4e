package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/heartbeat"
	"github.com/openclaw/openclaw/internal/hooks"
	otelPkg "github.com/openclaw/openclaw/internal/otel"
	"github.com/openclaw/openclaw/internal/persistence"
	"github.com/openclaw/openclaw/internal/telemetry"
)

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "openclawd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, running on defaults", "home", cfg.HomeDir)
	}
	logger.Info("starting openclawd", "fingerprint", cfg.Fingerprint(), "addr", cfg.Gateway.Addr())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:    cfg.OTel.Enabled,
		Exporter:   cfg.OTel.Exporter,
		Endpoint:   cfg.OTel.Endpoint,
		SampleRate: cfg.OTel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	eventBus := bus.New()

	registry := channels.NewRegistry()
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, logger)
		registry.Register(tg)
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	dispatcher := dispatch.New(eventBus, store, registry, logger)

	responder := dispatch.NewResponder(eventBus, dispatcher, nil, logger)
	responder.Start(ctx)

	if cfg.Heartbeat.Enabled {
		hb, err := heartbeat.NewScheduler(heartbeat.Config{
			Dispatcher: dispatcher,
			Logger:     logger,
			Interval:   time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("init heartbeat: %w", err)
		}
		hb.Start(ctx)
		defer hb.Stop()
	}

	holder := config.NewHolder(cfg)
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go consumeReloads(ctx, watcher, holder, logger)
	}

	hooksHandler := hooks.NewHandler(holder, dispatcher, logger)

	server := gateway.New(gateway.Config{
		Holder:     holder,
		Store:      store,
		Bus:        eventBus,
		Dispatcher: dispatcher,
		Hooks:      hooksHandler,
		Logger:     logger,
		Metrics:    metrics,
	})
	return server.ListenAndServe(ctx, cfg.Gateway.Addr())
}

// consumeReloads swaps the active config snapshot whenever config.yaml
// changes on disk. A reload that fails to parse keeps the old snapshot.
func consumeReloads(ctx context.Context, watcher *config.Watcher, holder *config.Holder, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(holder.Current().HomeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			holder.Replace(next)
			logger.Info("config reloaded", "fingerprint", next.Fingerprint())
		}
	}
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
