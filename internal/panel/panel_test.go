package panel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/telemetry"
	"github.com/spvg/gaspanel/internal/topics"
)

const (
	sensorMAC   = "0C:B8:15:F6:82:8C"
	actuatorMAC = "A8:42:E3:91:18:1C"
)

type published struct {
	topic   string
	payload string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic, string(payload)})
	return nil
}

func newTestPanel(pub Publisher) (*Panel, <-chan events.Event) {
	p := New(topics.New(topics.DefaultBase), sensorMAC, actuatorMAC, pub,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus := events.New()
	p.SetEventBus(bus)
	return p, bus.Subscribe(32)
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evts []events.Event) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func TestTopics(t *testing.T) {
	p, _ := newTestPanel(nil)
	got := p.Topics()
	want := []string{
		"spvg/casa/cozinha/gas/leitura/" + sensorMAC,
		"spvg/casa/cozinha/gas/status/" + actuatorMAC,
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Topics() = %v, want %v", got, want)
	}
	if ct := p.CommandTopic(); ct != "spvg/casa/cozinha/gas/comando/"+sensorMAC {
		t.Errorf("CommandTopic() = %q", ct)
	}
}

func TestHandleMessage_ReadingMerge(t *testing.T) {
	p, ch := newTestPanel(nil)
	topic := "spvg/casa/cozinha/gas/leitura/" + sensorMAC

	p.HandleMessage(topic, []byte(`{"gas":120.5,"temp":25.2,"press":1008.9}`))
	p.HandleMessage(topic, []byte(`{"gas":130,"temp":"n/a"}`))

	s := p.Snapshot()
	want := telemetry.Live{Gas: 130, Temperature: 25.2, Pressure: 1008.9}
	if s.Reading != want {
		t.Errorf("Reading = %+v, want %+v", s.Reading, want)
	}
	if !s.HasReading() {
		t.Error("HasReading() = false after merge")
	}

	evts := drain(ch)
	if len(evts) != 2 || evts[1].Kind != events.KindReading || evts[1].Data["gas"] != 130.0 {
		t.Errorf("events = %+v", evts)
	}
}

func TestHandleMessage_BareNumberAndGarbage(t *testing.T) {
	p, ch := newTestPanel(nil)
	topic := "x/leitura/" + sensorMAC

	p.HandleMessage(topic, []byte(`88.8`))
	p.HandleMessage(topic, []byte(`not a number`))

	if got := p.Snapshot().Reading.Gas; got != 88.8 {
		t.Errorf("Gas = %v, want 88.8", got)
	}
	if n := len(drain(ch)); n != 1 {
		t.Errorf("got %d events, want 1 (garbage is ignored)", n)
	}
}

func TestHandleMessage_NonFiniteReading(t *testing.T) {
	p, ch := newTestPanel(nil)
	topic := "x/leitura/" + sensorMAC

	p.HandleMessage(topic, []byte(`{"gas":10,"temp":22,"press":1005}`))
	p.HandleMessage(topic, []byte(`NaN`))
	p.HandleMessage(topic, []byte(`{"gas":"Inf","temp":"nan","press":"-infinity"}`))

	want := telemetry.Live{Gas: 10, Temperature: 22, Pressure: 1005}
	if got := p.Snapshot().Reading; got != want {
		t.Errorf("Reading = %+v, want %+v", got, want)
	}
	if _, err := json.Marshal(p.Snapshot()); err != nil {
		t.Errorf("snapshot no longer encodes: %v", err)
	}
	// The bare NaN is dropped; the object still counts as a reading.
	if n := len(drain(ch)); n != 2 {
		t.Errorf("got %d events, want 2", n)
	}
}

func TestHandleMessage_IgnoresOtherDevices(t *testing.T) {
	p, ch := newTestPanel(nil)

	p.HandleMessage("spvg/casa/cozinha/gas/leitura/11:22:33:44:55:66", []byte(`{"gas":999}`))
	p.HandleMessage("spvg/casa/cozinha/gas/status/"+sensorMAC, []byte(`{"state":"OPEN"}`))
	p.HandleMessage("spvg/casa/cozinha/gas/comando/"+sensorMAC, []byte(`{"act":"OPEN"}`))

	s := p.Snapshot()
	if s.HasReading() || s.ValveOpen {
		t.Errorf("state changed by foreign messages: %+v", s)
	}
	if evts := drain(ch); len(evts) != 0 {
		t.Errorf("unexpected events %v", kinds(evts))
	}
}

func TestHandleMessage_Status(t *testing.T) {
	p, _ := newTestPanel(nil)
	topic := "spvg/casa/cozinha/gas/status/" + actuatorMAC

	tests := []struct {
		payload  string
		wantOpen bool
	}{
		{`{"state":"open"}`, true},
		{`{"state":"CLOSE"}`, false},
		{`{"state":"OPEN"}`, true},
		{`garbage`, true},     // unchanged
		{`{"other":1}`, true}, // unchanged
		{`{"state":"STUCK"}`, false},
	}
	for _, tt := range tests {
		p.HandleMessage(topic, []byte(tt.payload))
		if got := p.Snapshot().ValveOpen; got != tt.wantOpen {
			t.Errorf("after %s: ValveOpen = %v, want %v", tt.payload, got, tt.wantOpen)
		}
	}
}

func TestSetValve_PublishesManualCommand(t *testing.T) {
	pub := &fakePublisher{}
	p, ch := newTestPanel(pub)

	if err := p.SetValve(context.Background(), true); err != nil {
		t.Fatalf("SetValve() error = %v", err)
	}

	if len(pub.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.sent))
	}
	want := published{"spvg/casa/cozinha/gas/comando/" + sensorMAC, `{"act":"OPEN","type":"manual"}`}
	if pub.sent[0] != want {
		t.Errorf("published %+v, want %+v", pub.sent[0], want)
	}

	s := p.Snapshot()
	if !s.ValveOpen {
		t.Error("ValveOpen should be set optimistically")
	}
	if s.Pending == nil || s.Pending.Act != telemetry.Open {
		t.Errorf("Pending = %+v, want OPEN", s.Pending)
	}

	got := kinds(drain(ch))
	if len(got) != 2 || got[0] != events.KindValve || got[1] != events.KindCommandSent {
		t.Errorf("events = %v, want [valve command_sent]", got)
	}
}

func TestSetValve_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	p, _ := newTestPanel(pub)

	err := p.SetValve(context.Background(), true)
	if err == nil {
		t.Fatal("expected error")
	}
	s := p.Snapshot()
	if !s.ValveOpen {
		t.Error("optimistic state should be kept after a failed publish")
	}
	if s.Pending != nil {
		t.Errorf("Pending = %+v, want nil after failed publish", s.Pending)
	}
}

func TestSetValve_NoPublisher(t *testing.T) {
	p, _ := newTestPanel(nil)
	if err := p.SetValve(context.Background(), false); err == nil {
		t.Error("expected error without a publisher")
	}

	pub := &fakePublisher{}
	p.SetPublisher(pub)
	if err := p.SetValve(context.Background(), false); err != nil {
		t.Errorf("SetValve() after SetPublisher error = %v", err)
	}
}

func TestToggle(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := newTestPanel(pub)
	ctx := context.Background()

	for _, want := range []bool{true, false, true} {
		if err := p.Toggle(ctx); err != nil {
			t.Fatalf("Toggle() error = %v", err)
		}
		if got := p.Snapshot().ValveOpen; got != want {
			t.Errorf("ValveOpen = %v, want %v", got, want)
		}
	}
	if len(pub.sent) != 3 {
		t.Errorf("published %d commands, want 3", len(pub.sent))
	}
}

func TestPendingCommand_Confirmed(t *testing.T) {
	p, ch := newTestPanel(&fakePublisher{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	if err := p.SetValve(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	drain(ch)

	p.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	p.HandleMessage("spvg/casa/cozinha/gas/status/"+actuatorMAC, []byte(`{"state":"CLOSE"}`))

	evts := drain(ch)
	if got := kinds(evts); len(got) != 2 || got[1] != events.KindCommandConfirmed {
		t.Fatalf("events = %v, want [valve command_confirmed]", got)
	}
	if evts[1].Data["latency_ms"] != int64(1500) {
		t.Errorf("latency_ms = %v, want 1500", evts[1].Data["latency_ms"])
	}
	if p.Snapshot().Pending != nil {
		t.Error("Pending should be cleared after confirmation")
	}
}

func TestPendingCommand_Superseded(t *testing.T) {
	p, ch := newTestPanel(&fakePublisher{})

	if err := p.SetValve(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	drain(ch)

	p.HandleMessage("spvg/casa/cozinha/gas/status/"+actuatorMAC, []byte(`{"state":"CLOSE"}`))

	evts := drain(ch)
	if got := kinds(evts); len(got) != 2 || got[1] != events.KindCommandSuperseded {
		t.Fatalf("events = %v, want [valve command_superseded]", got)
	}
	if evts[1].Data["act"] != "OPEN" || evts[1].Data["state"] != "CLOSE" {
		t.Errorf("superseded data = %v", evts[1].Data)
	}
	s := p.Snapshot()
	if s.ValveOpen || s.Pending != nil {
		t.Errorf("state after supersede = %+v, want closed with no pending", s)
	}
}

func TestPendingCommand_RepeatedStatus(t *testing.T) {
	status := "spvg/casa/cozinha/gas/status/" + actuatorMAC

	t.Run("repeat does not supersede", func(t *testing.T) {
		p, ch := newTestPanel(&fakePublisher{})
		p.HandleMessage(status, []byte(`{"state":"CLOSE"}`))
		if err := p.SetValve(context.Background(), true); err != nil {
			t.Fatal(err)
		}
		drain(ch)

		// The actuator reports its old position once more before moving.
		p.HandleMessage(status, []byte(`{"state":"CLOSE"}`))
		evts := drain(ch)
		if got := kinds(evts); len(got) != 1 || got[0] != events.KindValve {
			t.Fatalf("events = %v, want [valve]", got)
		}
		s := p.Snapshot()
		if s.ValveOpen || s.Pending == nil || s.Pending.Act != telemetry.Open {
			t.Errorf("state = %+v, want closed with OPEN still pending", s)
		}

		p.HandleMessage(status, []byte(`{"state":"OPEN"}`))
		if got := kinds(drain(ch)); len(got) != 2 || got[1] != events.KindCommandConfirmed {
			t.Errorf("events = %v, want [valve command_confirmed]", got)
		}
	})

	t.Run("repeat is silent", func(t *testing.T) {
		p, ch := newTestPanel(nil)
		p.HandleMessage(status, []byte(`{"state":"OPEN"}`))
		at := p.Snapshot().ValveAt
		drain(ch)

		p.HandleMessage(status, []byte(`{"state":"OPEN"}`))
		if evts := drain(ch); len(evts) != 0 {
			t.Errorf("unexpected events %v", kinds(evts))
		}
		if got := p.Snapshot().ValveAt; !got.Equal(at) {
			t.Errorf("ValveAt moved on a repeated state: %v -> %v", at, got)
		}
	})

	t.Run("repeat confirms matching command", func(t *testing.T) {
		p, ch := newTestPanel(&fakePublisher{})
		p.HandleMessage(status, []byte(`{"state":"OPEN"}`))
		if err := p.SetValve(context.Background(), true); err != nil {
			t.Fatal(err)
		}
		drain(ch)

		p.HandleMessage(status, []byte(`{"state":"OPEN"}`))
		if got := kinds(drain(ch)); len(got) != 1 || got[0] != events.KindCommandConfirmed {
			t.Errorf("events = %v, want [command_confirmed]", got)
		}
		if p.Snapshot().Pending != nil {
			t.Error("Pending should be cleared")
		}
	})
}

func TestEventPayloads(t *testing.T) {
	p, ch := newTestPanel(&fakePublisher{})

	p.HandleMessage("x/leitura/"+sensorMAC, []byte(`{"gas":5,"temp":21.5,"press":1010}`))
	if err := p.SetValve(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	p.HandleMessage("x/status/"+actuatorMAC, []byte(`{"state":"OPEN"}`))

	evts := drain(ch)
	want := []struct {
		kind string
		data map[string]any
	}{
		{events.KindReading, map[string]any{"mac": sensorMAC, "gas": 5.0, "temperature": 21.5, "pressure": 1010.0}},
		{events.KindValve, map[string]any{"mac": actuatorMAC, "state": "OPEN", "optimistic": true}},
		{events.KindCommandSent, map[string]any{"mac": actuatorMAC, "topic": "spvg/casa/cozinha/gas/comando/" + sensorMAC, "act": "OPEN"}},
		{events.KindValve, map[string]any{"mac": actuatorMAC, "state": "OPEN", "optimistic": false}},
		{events.KindCommandConfirmed, map[string]any{"mac": actuatorMAC, "act": "OPEN"}},
	}
	if len(evts) != len(want) {
		t.Fatalf("events = %v, want %d", kinds(evts), len(want))
	}
	for i, w := range want {
		e := evts[i]
		if e.Source != events.SourcePanel || e.Kind != w.kind {
			t.Errorf("event %d = %s/%s, want panel/%s", i, e.Source, e.Kind, w.kind)
			continue
		}
		for k, v := range w.data {
			if e.Data[k] != v {
				t.Errorf("event %d (%s) %s = %v, want %v", i, e.Kind, k, e.Data[k], v)
			}
		}
	}
}

func TestToggle_Concurrent(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := newTestPanel(pub)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Toggle(ctx)
		}()
	}
	wg.Wait()

	opens := 0
	for _, m := range pub.sent {
		if m.payload == `{"act":"OPEN","type":"manual"}` {
			opens++
		}
	}
	if len(pub.sent) != n || opens != n/2 {
		t.Errorf("sent %d commands with %d OPEN, want %d with %d", len(pub.sent), opens, n, n/2)
	}
	if p.Snapshot().ValveOpen {
		t.Error("an even number of toggles should leave the valve closed")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	p, _ := newTestPanel(&fakePublisher{})
	_ = p.SetValve(context.Background(), true)

	s := p.Snapshot()
	s.Pending.Act = telemetry.Closed
	if p.Snapshot().Pending.Act != telemetry.Open {
		t.Error("mutating a snapshot changed panel state")
	}
}

func TestRestore(t *testing.T) {
	p, _ := newTestPanel(nil)
	old := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	p.Restore(State{
		SensorMAC:   sensorMAC,
		ActuatorMAC: actuatorMAC,
		Reading:     telemetry.Live{Gas: 50, Temperature: 22, Pressure: 1001},
		ReadingAt:   old,
		ValveOpen:   true,
		ValveAt:     old,
	})
	s := p.Snapshot()
	if s.Reading.Gas != 50 || !s.ValveOpen {
		t.Errorf("restored state = %+v", s)
	}

	// A live message wins over an older snapshot.
	p.HandleMessage("x/leitura/"+sensorMAC, []byte(`{"gas":60}`))
	p.Restore(State{SensorMAC: sensorMAC, Reading: telemetry.Live{Gas: 1}, ReadingAt: old.Add(time.Minute)})
	if got := p.Snapshot().Reading.Gas; got != 60 {
		t.Errorf("Gas = %v, want live value 60", got)
	}

	// Snapshots for other devices are ignored.
	p2, _ := newTestPanel(nil)
	p2.Restore(State{SensorMAC: "11:22:33:44:55:66", Reading: telemetry.Live{Gas: 9}, ReadingAt: old})
	if p2.Snapshot().HasReading() {
		t.Error("restored a foreign sensor snapshot")
	}
}

func TestConcurrentAccess(t *testing.T) {
	p, _ := newTestPanel(&fakePublisher{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch i % 3 {
				case 0:
					p.HandleMessage("x/leitura/"+sensorMAC, []byte(`{"gas":1}`))
				case 1:
					_ = p.Toggle(ctx)
				default:
					_ = p.Snapshot()
				}
			}
		}()
	}
	wg.Wait()
}
