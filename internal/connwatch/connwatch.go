// Package connwatch watches the panel's two upstreams, the MQTT broker
// and the history API, and reports whether each is reachable.
//
// This is distinct from httpkit's transport-level retry, which only
// covers sub-second dial errors. connwatch tracks multi-second to
// multi-minute outages: a broker restart, the backend container being
// redeployed, the home Wi-Fi dropping.
//
// Each Watcher probes a single service in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with ready/down transitions
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spvg/gaspanel/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 8).
	MaxRetries int

	// PollInterval is the background check interval (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 1s, 2s, 4s, 8s, 16s, 30s (capped), with
// 8 startup attempts and 30-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   8,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// withDefaults replaces zero-value fields with DefaultBackoffConfig.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and /health ("mqtt", "api").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called in a separate goroutine when the service
	// transitions from not-ready to ready. Optional.
	OnReady func()

	// OnDown is called in a separate goroutine when the service
	// transitions from ready to not-ready. Optional.
	OnDown func(err error)

	// Logger uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service as shown on /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasReady := w.ready.Load()
			err := w.check(ctx)
			switch {
			case wasReady && err != nil:
				logger.Info("service became unreachable", "service", w.config.Name, "error", err)
			case !wasReady && err == nil:
				logger.Info("service recovered", "service", w.config.Name)
			case err != nil:
				logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
			}
		}
	}
}

// check probes once, records the outcome and fires callbacks and a
// connection event on a ready/down transition.
func (w *Watcher) check(ctx context.Context) error {
	err := w.probe(ctx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if w.ready.Swap(up) == up {
		return err
	}

	data := map[string]any{"service": w.config.Name, "ready": up}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Publish(events.Event{
		Source: events.SourceWatch,
		Kind:   events.KindConnection,
		Data:   data,
	})

	if up && w.config.OnReady != nil {
		go w.config.OnReady()
	}
	if !up && w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
	return err
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// SetEventBus publishes a connection event on every transition of
// watchers started afterwards.
func (m *Manager) SetEventBus(b *events.Bus) {
	m.bus = b
}

// Watch registers and starts a new service watcher. The watcher runs
// until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// List returns every service status sorted by name, for templates.
func (m *Manager) List() []ServiceStatus {
	status := m.Status()
	out := make([]ServiceStatus, 0, len(status))
	for _, s := range status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllReady reports whether every watched service is reachable. A
// manager with no watchers is trivially ready.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
