// Package panel holds the live state of the main screen: the latest
// sensor reading and the valve position, merged from broker messages
// and updated optimistically when the user toggles the valve.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/telemetry"
	"github.com/spvg/gaspanel/internal/topics"
)

// Publisher sends a payload on a broker topic. *mqtt.Session
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PendingCommand is a manual command waiting for the actuator to
// report the requested state.
type PendingCommand struct {
	Act    telemetry.ValveState `json:"act"`
	SentAt time.Time            `json:"sent_at"`
}

// State is a point-in-time copy of the panel.
type State struct {
	SensorMAC   string          `json:"sensor_mac"`
	ActuatorMAC string          `json:"actuator_mac"`
	Reading     telemetry.Live  `json:"reading"`
	ReadingAt   time.Time       `json:"reading_at"`
	ValveOpen   bool            `json:"valve_open"`
	ValveAt     time.Time       `json:"valve_at"`
	Pending     *PendingCommand `json:"pending,omitempty"`
}

// Valve returns the valve position as a wire state.
func (s State) Valve() telemetry.ValveState {
	return telemetry.StateOf(s.ValveOpen)
}

// HasReading reports whether any reading has been merged or restored.
func (s State) HasReading() bool {
	return !s.ReadingAt.IsZero()
}

// Panel is the live-state controller. All methods are safe for
// concurrent use.
type Panel struct {
	tree   topics.Tree
	pub    Publisher
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state State
	// lastStatus is the last state the actuator reported, as opposed to
	// the optimistic position in state.
	lastStatus telemetry.ValveState
}

// New creates a panel following one sensor and one actuator. The
// valve starts closed until the actuator reports otherwise.
func New(tree topics.Tree, sensorMAC, actuatorMAC string, pub Publisher, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		tree:   tree,
		pub:    pub,
		logger: logger,
		now:    time.Now,
		state: State{
			SensorMAC:   sensorMAC,
			ActuatorMAC: actuatorMAC,
		},
	}
}

// SetEventBus enables change events. Call before messages flow.
func (p *Panel) SetEventBus(b *events.Bus) {
	p.bus = b
}

// SetPublisher replaces the command publisher. Used when the broker
// session is created after the panel.
func (p *Panel) SetPublisher(pub Publisher) {
	p.mu.Lock()
	p.pub = pub
	p.mu.Unlock()
}

// Topics returns the filters the broker session must subscribe to:
// the sensor's reading topic and the actuator's status topic.
func (p *Panel) Topics() []string {
	return []string{
		p.tree.Reading(p.state.SensorMAC),
		p.tree.Status(p.state.ActuatorMAC),
	}
}

// CommandTopic is where valve commands are published. The actuator
// firmware listens on the command topic keyed by the sensor MAC.
func (p *Panel) CommandTopic() string {
	return p.tree.Command(p.state.SensorMAC)
}

// HandleMessage routes one broker message. It has the signature of
// mqtt.MessageHandler.
func (p *Panel) HandleMessage(topic string, payload []byte) {
	switch {
	case topics.Matches(topic, topics.KindReading, p.state.SensorMAC):
		p.handleReading(payload)
	case topics.Matches(topic, topics.KindStatus, p.state.ActuatorMAC):
		p.handleStatus(payload)
	default:
		p.logger.Debug("ignoring message", "topic", topic)
	}
}

func (p *Panel) handleReading(payload []byte) {
	p.mu.Lock()
	next, ok := telemetry.MergeReading(p.state.Reading, payload)
	if !ok {
		p.mu.Unlock()
		p.logger.Debug("unusable sensor payload", "payload_size", len(payload))
		return
	}
	p.state.Reading = next
	p.state.ReadingAt = p.now()
	mac := p.state.SensorMAC
	p.mu.Unlock()

	p.bus.Publish(events.Event{
		Source: events.SourcePanel,
		Kind:   events.KindReading,
		Data: map[string]any{
			"mac":         mac,
			"gas":         next.Gas,
			"temperature": next.Temperature,
			"pressure":    next.Pressure,
		},
	})
}

func (p *Panel) handleStatus(payload []byte) {
	state, ok := telemetry.DecodeStatus(payload)
	if !ok {
		p.logger.Debug("unusable status payload", "payload_size", len(payload))
		return
	}

	now := p.now()
	p.mu.Lock()
	repeated := p.lastStatus == state
	p.lastStatus = state
	moved := p.state.ValveOpen != state.IsOpen()
	p.state.ValveOpen = state.IsOpen()
	if !repeated || moved {
		p.state.ValveAt = now
	}
	// A repeated report only resolves a command it agrees with.
	pending := p.state.Pending
	if pending != nil && (!repeated || pending.Act == state) {
		p.state.Pending = nil
	} else {
		pending = nil
	}
	mac := p.state.ActuatorMAC
	p.mu.Unlock()

	if repeated && !moved && pending == nil {
		p.logger.Debug("repeated valve state ignored", "mac", mac, "state", state)
		return
	}

	if !repeated || moved {
		p.bus.Publish(events.Event{
			Source: events.SourcePanel,
			Kind:   events.KindValve,
			Data:   map[string]any{"mac": mac, "state": string(state), "optimistic": false},
		})
	}

	if pending == nil {
		return
	}
	if pending.Act == state {
		latency := now.Sub(pending.SentAt)
		p.logger.Info("valve command confirmed", "mac", mac, "act", pending.Act, "latency", latency)
		p.bus.Publish(events.Event{
			Source: events.SourcePanel,
			Kind:   events.KindCommandConfirmed,
			Data:   map[string]any{"mac": mac, "act": string(pending.Act), "latency_ms": latency.Milliseconds()},
		})
		return
	}
	p.logger.Warn("valve command superseded", "mac", mac, "act", pending.Act, "state", state)
	p.bus.Publish(events.Event{
		Source: events.SourcePanel,
		Kind:   events.KindCommandSuperseded,
		Data:   map[string]any{"mac": mac, "act": string(pending.Act), "state": string(state)},
	})
}

// SetValve records the requested position immediately and publishes a
// manual command for it. The local state is not rolled back when the
// publish fails; the next status message corrects it.
func (p *Panel) SetValve(ctx context.Context, open bool) error {
	return p.command(ctx, func(bool) bool { return open })
}

// Toggle inverts the current valve position.
func (p *Panel) Toggle(ctx context.Context) error {
	return p.command(ctx, func(cur bool) bool { return !cur })
}

// command picks the target from the current position and records it
// under the same lock, so concurrent toggles never send the same act.
func (p *Panel) command(ctx context.Context, target func(cur bool) bool) error {
	topic := p.CommandTopic()

	p.mu.Lock()
	open := target(p.state.ValveOpen)
	act := telemetry.StateOf(open)
	p.state.ValveOpen = open
	p.state.ValveAt = p.now()
	p.state.Pending = &PendingCommand{Act: act, SentAt: p.state.ValveAt}
	pub := p.pub
	mac := p.state.ActuatorMAC
	p.mu.Unlock()

	p.bus.Publish(events.Event{
		Source: events.SourcePanel,
		Kind:   events.KindValve,
		Data:   map[string]any{"mac": mac, "state": string(act), "optimistic": true},
	})

	if pub == nil {
		p.clearPending(act)
		return fmt.Errorf("send valve command: no publisher")
	}
	if err := pub.Publish(ctx, topic, telemetry.NewManualCommand(act).Encode()); err != nil {
		p.clearPending(act)
		p.logger.Warn("valve command failed", "topic", topic, "act", act, "error", err)
		return fmt.Errorf("send valve command: %w", err)
	}

	p.logger.Info("valve command sent", "topic", topic, "act", act)
	p.bus.Publish(events.Event{
		Source: events.SourcePanel,
		Kind:   events.KindCommandSent,
		Data:   map[string]any{"mac": mac, "topic": topic, "act": string(act)},
	})
	return nil
}

// clearPending drops the pending command if it is still the one for act.
func (p *Panel) clearPending(act telemetry.ValveState) {
	p.mu.Lock()
	if p.state.Pending != nil && p.state.Pending.Act == act {
		p.state.Pending = nil
	}
	p.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (p *Panel) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.state
	if s.Pending != nil {
		pc := *s.Pending
		s.Pending = &pc
	}
	return s
}

// Restore seeds reading and valve values from a persisted snapshot.
// Snapshots for other devices are ignored field by field, and live
// values newer than the snapshot are kept.
func (p *Panel) Restore(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.SensorMAC == p.state.SensorMAC && s.ReadingAt.After(p.state.ReadingAt) {
		p.state.Reading = s.Reading
		p.state.ReadingAt = s.ReadingAt
	}
	if s.ActuatorMAC == p.state.ActuatorMAC && s.ValveAt.After(p.state.ValveAt) {
		p.state.ValveOpen = s.ValveOpen
		p.state.ValveAt = s.ValveAt
	}
}
