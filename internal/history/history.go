// Package history is the client for the REST backend that stores
// sensor readings and valve logs.
//
//	GET leituras/{mac}?start_date=YYYY-MM-DD&end_date=YYYY-MM-DD
//	GET logs/{mac}?start_date=YYYY-MM-DD&end_date=YYYY-MM-DD
//	GET health
//
// Both list endpoints return JSON arrays, newest first.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/spvg/gaspanel/internal/telemetry"
)

// DateLayout is the query date format the backend accepts.
const DateLayout = "2006-01-02"

// Range bounds a history query by calendar day. Empty fields are
// omitted from the query; the backend treats End as inclusive.
type Range struct {
	Start string
	End   string
}

// Validate checks both bounds are empty or YYYY-MM-DD.
func (r Range) Validate() error {
	for name, v := range map[string]string{"start": r.Start, "end": r.End} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, v); err != nil {
			return fmt.Errorf("invalid %s date %q (want YYYY-MM-DD)", name, v)
		}
	}
	return nil
}

func (r Range) query() map[string]string {
	q := make(map[string]string, 2)
	if r.Start != "" {
		q["start_date"] = r.Start
	}
	if r.End != "" {
		q["end_date"] = r.End
	}
	return q
}

// Client talks to the history backend.
type Client struct {
	rc     *resty.Client
	logger *slog.Logger
}

// NewClient creates a client for baseURL. hc carries timeouts, the
// User-Agent and dial retries; build it with httpkit.NewClient.
func NewClient(baseURL string, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.NewWithClient(hc).
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger})
	return &Client{rc: rc, logger: logger}
}

// Readings fetches sensor readings for mac within r.
func (c *Client) Readings(ctx context.Context, mac string, r Range) ([]telemetry.Reading, error) {
	var out []telemetry.Reading
	if err := c.getList(ctx, "leituras/{mac}", mac, r, &out); err != nil {
		return nil, fmt.Errorf("fetch readings for %s: %w", mac, err)
	}
	return out, nil
}

// Logs fetches valve state transitions for mac within r.
func (c *Client) Logs(ctx context.Context, mac string, r Range) ([]telemetry.LogEntry, error) {
	var out []telemetry.LogEntry
	if err := c.getList(ctx, "logs/{mac}", mac, r, &out); err != nil {
		return nil, fmt.Errorf("fetch logs for %s: %w", mac, err)
	}
	return out, nil
}

func (c *Client) getList(ctx context.Context, path, mac string, r Range, out any) error {
	if err := r.Validate(); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("mac", mac).
		SetQueryParams(r.query()).
		Get(path)
	if err != nil {
		return err
	}

	c.logger.Debug("history request",
		"url", resp.Request.URL,
		"status", resp.StatusCode(),
		"bytes", len(resp.Body()),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: truncate(string(resp.Body()), 200)}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health probes the backend's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.rc.R().SetContext(ctx).Get("health")
	if err != nil {
		return fmt.Errorf("history health: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("history health: %w", &StatusError{Code: resp.StatusCode()})
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// restyLogger routes resty's own diagnostics into slog.
type restyLogger struct{ l *slog.Logger }

func (r restyLogger) Errorf(format string, v ...any) {
	r.l.Warn("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (r restyLogger) Warnf(format string, v ...any) {
	r.l.Warn("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (r restyLogger) Debugf(format string, v ...any) {
	r.l.Debug("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
