package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spvg/gaspanel/internal/events"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.MaxRetries != 8 {
		t.Errorf("MaxRetries = %d, want 8", cfg.MaxRetries)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	want := DefaultBackoffConfig()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	w := testManager().Watch(ctx, WatcherConfig{
		Name:    "mqtt",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, "ready", w.IsReady)
	eventually(t, "OnReady", func() bool { return readyCalled.Load() == 1 })
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("connection refused")
	var attempts atomic.Int32
	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	w := testManager().Watch(ctx, WatcherConfig{
		Name:    "api",
		Probe:   probe,
		Backoff: testBackoff(),
	})

	eventually(t, "ready after retries", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	w := testManager().Watch(ctx, WatcherConfig{
		Name:    "api",
		Probe:   func(ctx context.Context) error { attempts.Add(1); return errors.New("always down") },
		Backoff: testBackoff(),
	})

	eventually(t, "startup attempts", func() bool { return attempts.Load() >= 5 })
	if w.IsReady() {
		t.Error("expected IsReady() == false after exhausting retries")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError")
	}
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shouldFail atomic.Bool
	var downCalled, readyCalled atomic.Int32

	w := testManager().Watch(ctx, WatcherConfig{
		Name: "mqtt",
		Probe: func(ctx context.Context) error {
			if shouldFail.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(err error) { downCalled.Add(1) },
	})

	eventually(t, "initial ready", w.IsReady)

	shouldFail.Store(true)
	eventually(t, "down", func() bool { return !w.IsReady() })
	eventually(t, "OnDown", func() bool { return downCalled.Load() == 1 })

	shouldFail.Store(false)
	eventually(t, "recovered", w.IsReady)
	eventually(t, "second OnReady", func() bool { return readyCalled.Load() == 2 })
}

func TestWatcher_PublishesTransitions(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	var shouldFail atomic.Bool
	m := testManager()
	m.SetEventBus(bus)
	m.Watch(ctx, WatcherConfig{
		Name: "api",
		Probe: func(ctx context.Context) error {
			if shouldFail.Load() {
				return errors.New("503")
			}
			return nil
		},
		Backoff: testBackoff(),
	})

	next := func() events.Event {
		select {
		case e := <-ch:
			return e
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for connection event")
			return events.Event{}
		}
	}

	up := next()
	if up.Kind != events.KindConnection || up.Data["service"] != "api" || up.Data["ready"] != true {
		t.Errorf("first event = %+v, want api ready", up)
	}

	shouldFail.Store(true)
	down := next()
	if down.Data["ready"] != false || down.Data["error"] != "503" {
		t.Errorf("second event = %+v, want api down with error", down)
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	w := testManager().Watch(ctx, WatcherConfig{
		Name:    "api",
		Probe:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond
	bcfg.MaxRetries = 1

	w := testManager().Watch(ctx, WatcherConfig{
		Name: "api",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: bcfg,
	})

	eventually(t, "probe error", func() bool { return w.LastError() != nil })
	if w.IsReady() {
		t.Error("expected not ready when probe always times out")
	}
}

func TestWatcher_OnReadyOncePerTransition(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	testManager().Watch(ctx, WatcherConfig{
		Name:    "mqtt",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	// Let several poll cycles pass.
	time.Sleep(50 * time.Millisecond)

	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want exactly 1", n)
	}
}

func TestManager_StatusListAllReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := testManager()
	if !m.AllReady() {
		t.Error("empty manager should be ready")
	}

	m.Watch(ctx, WatcherConfig{
		Name:    "mqtt",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	down := m.Watch(ctx, WatcherConfig{
		Name:    "api",
		Probe:   func(ctx context.Context) error { return errors.New("unreachable") },
		Backoff: bcfg,
	})

	eventually(t, "api probed", func() bool { return down.LastError() != nil })
	eventually(t, "mqtt ready", func() bool { return m.Status()["mqtt"].Ready })

	if m.AllReady() {
		t.Error("AllReady() = true with api down")
	}

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries in Status, got %d", len(status))
	}
	if s := status["api"]; s.Ready || s.LastError != "unreachable" {
		t.Errorf("api status = %+v", s)
	}
	if s := status["mqtt"]; !s.Ready || s.LastError != "" {
		t.Errorf("mqtt status = %+v", s)
	}

	list := m.List()
	if len(list) != 2 || list[0].Name != "api" || list[1].Name != "mqtt" {
		t.Errorf("List() = %+v, want api then mqtt", list)
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	m := testManager()
	for _, name := range []string{"mqtt", "api"} {
		m.Watch(context.Background(), WatcherConfig{
			Name:    name,
			Probe:   func(ctx context.Context) error { return nil },
			Backoff: testBackoff(),
		})
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "api"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			testManager().Watch(context.Background(), tt.cfg)
		})
	}
}
