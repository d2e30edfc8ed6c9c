// Package influx optionally records live readings and valve changes
// into an InfluxDB v2 bucket as they arrive from the broker.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/spvg/gaspanel/internal/config"
	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/telemetry"
)

// Measurement names.
const (
	MeasurementReading = "gas_reading"
	MeasurementValve   = "valve_state"
)

// Recorder writes points with the blocking write API; one point per
// live event is well within what a home bucket absorbs.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// New creates a recorder for the configured bucket.
func New(cfg config.InfluxConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger,
	}
}

// Close releases the client's resources.
func (r *Recorder) Close() {
	r.client.Close()
}

// Ping checks the server is reachable. Used as a connwatch probe.
func (r *Recorder) Ping(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx ping: server not ready")
	}
	return nil
}

// WriteReading records one merged sensor reading.
func (r *Recorder) WriteReading(ctx context.Context, mac string, l telemetry.Live, at time.Time) error {
	p := influxdb2.NewPoint(
		MeasurementReading,
		map[string]string{"mac": mac},
		map[string]any{
			"gas":         l.Gas,
			"temperature": l.Temperature,
			"pressure":    l.Pressure,
		},
		at,
	)
	if err := r.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write %s: %w", MeasurementReading, err)
	}
	return nil
}

// WriteValve records one valve position. optimistic marks positions
// set by a local command before the actuator confirmed them.
func (r *Recorder) WriteValve(ctx context.Context, mac string, state telemetry.ValveState, optimistic bool, at time.Time) error {
	open := 0
	if state.IsOpen() {
		open = 1
	}
	p := influxdb2.NewPoint(
		MeasurementValve,
		map[string]string{"mac": mac},
		map[string]any{
			"open":       open,
			"state":      string(state),
			"optimistic": optimistic,
		},
		at,
	)
	if err := r.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write %s: %w", MeasurementValve, err)
	}
	return nil
}

// Follow writes a point for every reading and valve event on the bus
// until ctx is cancelled. Write failures are logged and skipped.
func (r *Recorder) Follow(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := r.record(ctx, e); err != nil {
				r.logger.Warn("influx write failed", "kind", e.Kind, "error", err)
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, e events.Event) error {
	mac, _ := e.Data["mac"].(string)
	switch e.Kind {
	case events.KindReading:
		l := telemetry.Live{
			Gas:         floatOf(e.Data["gas"]),
			Temperature: floatOf(e.Data["temperature"]),
			Pressure:    floatOf(e.Data["pressure"]),
		}
		return r.WriteReading(ctx, mac, l, e.Timestamp)
	case events.KindValve:
		s, _ := e.Data["state"].(string)
		state, ok := telemetry.ParseValveState(s)
		if !ok {
			return fmt.Errorf("unknown valve state %q", s)
		}
		optimistic, _ := e.Data["optimistic"].(bool)
		return r.WriteValve(ctx, mac, state, optimistic, e.Timestamp)
	}
	return nil
}

func floatOf(v any) float64 {
	f, _ := v.(float64)
	return f
}
