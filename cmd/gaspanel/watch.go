package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spvg/gaspanel/internal/chart"
	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/mqtt"
	"github.com/spvg/gaspanel/internal/panel"
	"github.com/spvg/gaspanel/internal/telemetry"
	"github.com/spvg/gaspanel/internal/topics"
)

// runWatch follows the sensor, actuator and command topics and prints
// every panel change to stdout until interrupted. Logs go to stderr.
func runWatch(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, logCloser := newLogger(stderr, cfg)
	defer logCloser.Close()

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

	filters := append(pnl.Topics(), tree.Wildcard(topics.KindCommand))
	session := mqtt.New(cfg.MQTT, mqtt.EphemeralClientID(), filters,
		mqtt.Chain(mqtt.LoggingHandler(logger), pnl.HandleMessage, commandObserver(tree, bus, logger)),
		logger)
	session.SetEventBus(bus)

	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = session.Stop(stopCtx)
	}()

	printer := eventPrinter{w: stdout, format: opts.outputFmt, loc: loc}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := printer.print(e); err != nil {
				return err
			}
		}
	}
}

// commandObserver turns payloads seen on any device's command topic
// into bus events. The panel itself does not subscribe to command
// topics.
func commandObserver(tree topics.Tree, bus *events.Bus, logger *slog.Logger) mqtt.MessageHandler {
	return func(topic string, payload []byte) {
		kind, mac, ok := tree.Parse(topic)
		if !ok || kind != topics.KindCommand {
			return
		}
		cmd, err := telemetry.DecodeCommand(payload)
		if err != nil {
			logger.Debug("unusable command payload", "topic", topic, "error", err)
			return
		}
		bus.Publish(events.Event{
			Source: events.SourceMQTT,
			Kind:   events.KindCommandObserved,
			Data:   map[string]any{"mac": mac, "act": string(cmd.Act), "type": cmd.Type},
		})
	}
}

// eventPrinter writes events as one line of text or one JSON object
// per event.
type eventPrinter struct {
	w      io.Writer
	format string
	loc    *time.Location
}

func (p eventPrinter) print(e events.Event) error {
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(e)
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-9s %-18s", e.Timestamp.In(p.loc).Format(chart.LabelLayout), e.Source, e.Kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	_, err := io.WriteString(p.w, b.String())
	return err
}
