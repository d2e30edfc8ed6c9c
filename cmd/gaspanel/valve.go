package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/mqtt"
	"github.com/spvg/gaspanel/internal/panel"
	"github.com/spvg/gaspanel/internal/store"
	"github.com/spvg/gaspanel/internal/telemetry"
	"github.com/spvg/gaspanel/internal/topics"
)

const (
	connectTimeout = 10 * time.Second
	confirmWait    = 5 * time.Second

	// statusWait bounds how long toggle waits for the actuator to
	// report its position before falling back to the snapshot.
	statusWait = 3 * time.Second
)

type valveAction string

const (
	actionOpen   valveAction = "open"
	actionClose  valveAction = "close"
	actionToggle valveAction = "toggle"
)

func parseValveAction(s string) (valveAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "abrir":
		return actionOpen, nil
	case "close", "fechar":
		return actionClose, nil
	case "toggle":
		return actionToggle, nil
	}
	return "", fmt.Errorf("unknown valve action %q (expected open, close or toggle)", s)
}

// valveResult is what the valve command reports.
type valveResult struct {
	Topic     string `json:"topic"`
	Act       string `json:"act"`
	Confirmed bool   `json:"confirmed"`
	State     string `json:"state,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// runValve publishes one manual command and waits briefly for the
// actuator to confirm it.
func runValve(ctx context.Context, stdout, stderr io.Writer, opts options, arg string) error {
	action, err := parseValveAction(arg)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, logCloser := newLogger(stderr, cfg)
	defer logCloser.Close()

	bus := events.New()
	tree := topics.New(cfg.MQTT.TopicBase)
	pnl := panel.New(tree, cfg.Devices.SensorMAC, cfg.Devices.ActuatorMAC, nil, logger)
	pnl.SetEventBus(bus)

	if action == actionToggle {
		restoreSnapshot(pnl, cfg.DataDir, cfg.Devices.SensorMAC, cfg.Devices.ActuatorMAC, logger)
	}

	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	session := mqtt.New(cfg.MQTT, mqtt.EphemeralClientID(),
		[]string{tree.Status(cfg.Devices.ActuatorMAC)}, pnl.HandleMessage, logger)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = session.Stop(stopCtx)
	}()

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	defer connCancel()
	if err := session.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.MQTT.Broker, err)
	}
	pnl.SetPublisher(session)

	var open bool
	switch action {
	case actionOpen:
		open = true
	case actionClose:
		open = false
	case actionToggle:
		if _, ok := waitForEvent(ctx, ch, statusWait, isStatusEvent); !ok {
			logger.Info("no actuator status yet, toggling from snapshot", "valve", pnl.Snapshot().Valve())
		}
		open = !pnl.Snapshot().ValveOpen
	}

	act := telemetry.StateOf(open)
	if err := pnl.SetValve(ctx, open); err != nil {
		return err
	}

	res := valveResult{Topic: pnl.CommandTopic(), Act: string(act)}
	e, ok := waitForEvent(ctx, ch, confirmWait, func(e events.Event) bool {
		return e.Kind == events.KindCommandConfirmed || e.Kind == events.KindCommandSuperseded
	})
	if ok {
		res.Confirmed = e.Kind == events.KindCommandConfirmed
		res.State = string(pnl.Snapshot().Valve())
		if ms, isInt := e.Data["latency_ms"].(int64); isInt {
			res.LatencyMS = ms
		}
	}

	return printValveResult(stdout, opts.outputFmt, res, ok)
}

func isStatusEvent(e events.Event) bool {
	if e.Kind != events.KindValve {
		return false
	}
	optimistic, _ := e.Data["optimistic"].(bool)
	return !optimistic
}

// waitForEvent returns the first event matching match, or false once d
// elapses or ctx is done.
func waitForEvent(ctx context.Context, ch <-chan events.Event, d time.Duration, match func(events.Event) bool) (events.Event, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return events.Event{}, false
		case <-timer.C:
			return events.Event{}, false
		case e, ok := <-ch:
			if !ok {
				return events.Event{}, false
			}
			if match(e) {
				return e, true
			}
		}
	}
}

// restoreSnapshot seeds the panel from the serve command's database
// when it exists. A missing database is not an error.
func restoreSnapshot(pnl *panel.Panel, dataDir, sensorMAC, actuatorMAC string, logger *slog.Logger) {
	path := filepath.Join(dataDir, snapshotFile)
	if _, err := os.Stat(path); err != nil {
		return
	}
	st, err := store.Open(path)
	if err != nil {
		logger.Debug("snapshot open failed", "path", path, "error", err)
		return
	}
	defer st.Close()
	snap, err := st.Load(sensorMAC, actuatorMAC)
	if err != nil {
		logger.Debug("snapshot load failed", "path", path, "error", err)
		return
	}
	pnl.Restore(snap)
}

func printValveResult(w io.Writer, format string, res valveResult, answered bool) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "sent %s on %s\n", res.Act, res.Topic)
	switch {
	case !answered:
		fmt.Fprintln(w, "no status from the actuator yet")
	case res.Confirmed:
		fmt.Fprintf(w, "confirmed: valve %s (%dms)\n", strings.ToLower(res.State), res.LatencyMS)
	default:
		fmt.Fprintf(w, "superseded: actuator reports %s\n", res.State)
	}
	return nil
}
