package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spvg/gaspanel/internal/buildinfo"
	"github.com/spvg/gaspanel/internal/chart"
	"github.com/spvg/gaspanel/internal/config"
	"github.com/spvg/gaspanel/internal/connwatch"
	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/history"
	"github.com/spvg/gaspanel/internal/httpkit"
	"github.com/spvg/gaspanel/internal/influx"
	"github.com/spvg/gaspanel/internal/mqtt"
	"github.com/spvg/gaspanel/internal/panel"
	"github.com/spvg/gaspanel/internal/store"
	"github.com/spvg/gaspanel/internal/topics"
	"github.com/spvg/gaspanel/internal/web"
)

// snapshotFile is the SQLite database under data_dir holding the last
// live values.
const snapshotFile = "gaspanel.db"

// runServe starts the broker session, the panel and the web UI, and
// blocks until SIGINT/SIGTERM or ctx is cancelled.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting gaspanel", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(stdout, cfg)
	defer logCloser.Close()

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"sensor_mac", cfg.Devices.SensorMAC,
		"actuator_mac", cfg.Devices.ActuatorMAC,
		"api", cfg.API.BaseURL,
		"port", cfg.Listen.Port,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	loc, err := chart.LoadLocation(cfg.Display.Timezone)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	tree := topics.New(cfg.MQTT.TopicBase)

	pnl := panel.New(tree, cfg.Devices.SensorMAC, cfg.Devices.ActuatorMAC, nil, logger)
	pnl.SetEventBus(bus)

	// --- Snapshot store ---
	dbPath := filepath.Join(cfg.DataDir, snapshotFile)
	snapshots, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open snapshot database %s: %w", dbPath, err)
	}
	defer snapshots.Close()

	if snap, err := snapshots.Load(cfg.Devices.SensorMAC, cfg.Devices.ActuatorMAC); err != nil {
		logger.Warn("snapshot load failed", "path", dbPath, "error", err)
	} else {
		pnl.Restore(snap)
		logger.Info("snapshot restored",
			"path", dbPath,
			"has_reading", snap.HasReading(),
			"valve", snap.Valve(),
		)
	}
	go snapshots.Follow(ctx, bus, pnl, logger)

	// --- Broker session ---
	clientID, err := mqtt.LoadOrCreateClientID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("mqtt client id: %w", err)
	}
	session := mqtt.New(cfg.MQTT, clientID, pnl.Topics(),
		mqtt.Chain(mqtt.LoggingHandler(logger), pnl.HandleMessage), logger)
	session.SetEventBus(bus)
	pnl.SetPublisher(session)

	if err := session.Start(ctx); err != nil {
		return err
	}
	logger.Info("mqtt session started", "client_id", clientID, "topics", pnl.Topics())

	// --- History backend ---
	hc := httpkit.NewClient(
		httpkit.WithTimeout(cfg.API.Timeout()),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	hist := history.NewClient(cfg.API.BaseURL, hc, logger)

	// --- Connection watching ---
	connMgr := connwatch.NewManager(logger)
	connMgr.SetEventBus(bus)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			if session.Connected() {
				return nil
			}
			return session.AwaitConnection(pCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "api",
		Probe:   hist.Health,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Influx recorder ---
	if cfg.Influx.Configured() {
		recorder := influx.New(cfg.Influx, logger)
		defer recorder.Close()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "influx",
			Probe:   recorder.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		go recorder.Follow(ctx, bus)
		logger.Info("influx recorder enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	} else {
		logger.Info("influx recorder disabled (not configured)")
	}

	// --- Web UI ---
	server := web.NewServer(web.Config{
		Panel:    pnl,
		History:  hist,
		Bus:      bus,
		Health:   connMgr.List,
		Location: loc,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := session.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		if err := snapshots.Save(pnl.Snapshot()); err != nil {
			logger.Error("final snapshot save failed", "error", err)
		}
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("web server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(cfg.Listen.Address, cfg.Listen.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return fmt.Errorf("web server failed: %w", err)
	}

	logger.Info("gaspanel stopped")
	return nil
}
