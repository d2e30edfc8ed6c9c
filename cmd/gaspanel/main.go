// Gaspanel is the control panel for the kitchen gas sensor and its
// shut-off valve.
//
// It follows one sensor and one actuator over MQTT, serves a browser UI
// with the live readings and a valve toggle, and charts past readings
// fetched from the history backend. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	gaspanel serve                      Start the panel and web UI
//	gaspanel watch                      Print live panel changes
//	gaspanel valve open|close|toggle    Send a one-shot valve command
//	gaspanel history readings|logs      Print history from the backend
//	gaspanel init [dir]                 Write a starter config
//	gaspanel version                    Print version and build information
//	gaspanel -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spvg/gaspanel/internal/buildinfo"
	"github.com/spvg/gaspanel/internal/config"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole command lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level state gets in the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Subcommand arguments, including its own flags.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "watch":
		return runWatch(ctx, stdout, stderr, opts)
	case "valve":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: gaspanel valve open|close|toggle")
		}
		return runValve(ctx, stdout, stderr, opts, cmdArgs[0])
	case "history":
		return runHistory(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Gaspanel - kitchen gas sensor and valve panel")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gaspanel [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the panel and web UI")
	fmt.Fprintln(w, "  watch                        Print live panel changes")
	fmt.Fprintln(w, "  valve open|close|toggle      Send a valve command")
	fmt.Fprintln(w, "  history readings|logs        Print history (-from, -to YYYY-MM-DD)")
	fmt.Fprintln(w, "  init [dir]                   Write a starter config (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the configured logger on w, teed into the rotated
// log file when one is set. The closer must be called on exit.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, io.Closer) {
	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	out, closer := config.LogWriter(w, cfg.LogFile)
	return config.NewLogger(out, level, cfg.LogFormat), closer
}
