package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spvg/gaspanel/internal/chart"
	"github.com/spvg/gaspanel/internal/history"
	"github.com/spvg/gaspanel/internal/httpkit"
	"github.com/spvg/gaspanel/internal/telemetry"
)

// historyArgs is the parsed form of "history <kind> [-from D] [-to D]".
type historyArgs struct {
	kind string // "readings" or "logs"
	rng  history.Range
}

func parseHistoryArgs(args []string) (historyArgs, error) {
	const usage = "usage: gaspanel history readings|logs [-from YYYY-MM-DD] [-to YYYY-MM-DD]"
	var ha historyArgs
	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "-from" || args[i] == "-start") && i+1 < len(args):
			ha.rng.Start = args[i+1]
			i++
		case (args[i] == "-to" || args[i] == "-end") && i+1 < len(args):
			ha.rng.End = args[i+1]
			i++
		case ha.kind == "" && (args[i] == "readings" || args[i] == "logs"):
			ha.kind = args[i]
		default:
			return historyArgs{}, fmt.Errorf("%s (unexpected %q)", usage, args[i])
		}
	}
	if ha.kind == "" {
		return historyArgs{}, fmt.Errorf("%s", usage)
	}
	if err := ha.rng.Validate(); err != nil {
		return historyArgs{}, err
	}
	return ha, nil
}

// runHistory fetches readings for the sensor or logs for the actuator
// and prints them oldest first.
func runHistory(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	ha, err := parseHistoryArgs(args)
	if err != nil {
		return err
	}

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

	hc := httpkit.NewClient(
		httpkit.WithTimeout(cfg.API.Timeout()),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	client := history.NewClient(cfg.API.BaseURL, hc, logger)

	switch ha.kind {
	case "readings":
		list, err := client.Readings(ctx, cfg.Devices.SensorMAC, ha.rng)
		if err != nil {
			return err
		}
		telemetry.SortReadings(list)
		return printReadings(stdout, opts.outputFmt, list, loc)
	default:
		list, err := client.Logs(ctx, cfg.Devices.ActuatorMAC, ha.rng)
		if err != nil {
			return err
		}
		telemetry.SortLogs(list)
		return printLogs(stdout, opts.outputFmt, list, loc)
	}
}

func printReadings(w io.Writer, format string, list []telemetry.Reading, loc *time.Location) error {
	if format == "json" {
		return encodeJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tGAS (ppm)\tTEMP (°C)\tPRESSURE (hPa)")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\n", r.Time().In(loc).Format(chart.LabelLayout), r.Gas, r.Temperature, r.Pressure)
	}
	return tw.Flush()
}

func printLogs(w io.Writer, format string, list []telemetry.LogEntry, loc *time.Location) error {
	if format == "json" {
		return encodeJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATE")
	for _, l := range list {
		state := l.State
		if v, ok := telemetry.ParseValveState(l.State); ok {
			state = v.Label()
		}
		fmt.Fprintf(tw, "%s\t%s\n", l.Time().In(loc).Format(chart.LabelLayout), state)
	}
	return tw.Flush()
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
