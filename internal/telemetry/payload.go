package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Live is the subset of a reading carried on the MQTT leitura topic.
type Live struct {
	Gas         float64 `json:"gas"`
	Temperature float64 `json:"temp"`
	Pressure    float64 `json:"press"`
}

// MergeReading applies a leitura payload on top of prev. Each of gas,
// temp and press replaces the previous value only when present and
// numeric (numeric strings count). A payload that is not a JSON object
// but parses as a bare number updates gas alone. Anything else leaves
// prev untouched. The returned bool reports whether the payload was
// usable at all.
func MergeReading(prev Live, payload []byte) (Live, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		f, ok := parseFinite(string(payload))
		if !ok {
			return prev, false
		}
		prev.Gas = f
		return prev, true
	}

	next := prev
	next.Gas = numberOr(fields["gas"], prev.Gas)
	next.Temperature = numberOr(fields["temp"], prev.Temperature)
	next.Pressure = numberOr(fields["press"], prev.Pressure)
	return next, true
}

func numberOr(raw json.RawMessage, fallback float64) float64 {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, ok := parseFinite(s); ok {
			return f
		}
	}
	return fallback
}

// parseFinite parses a decimal number. NaN and the infinities are
// rejected because they cannot be encoded as JSON or stored.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// DecodeStatus reads the valve state from a status payload. Any
// present, non-null state other than "OPEN" (case-insensitive) means
// closed. ok is false for invalid JSON or a missing state.
func DecodeStatus(payload []byte) (ValveState, bool) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", false
	}
	raw, found := msg["state"]
	if !found || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.EqualFold(s, string(Open)) {
		return Open, true
	}
	return Closed, true
}

// Command is a valve command published on the comando topic. Type is
// "manual" for commands issued from this panel; the sensor firmware
// publishes automatic ones without it.
type Command struct {
	Act  ValveState `json:"act"`
	Type string     `json:"type,omitempty"`
}

// CommandTypeManual marks user-issued commands.
const CommandTypeManual = "manual"

// NewManualCommand returns the command for a user toggle.
func NewManualCommand(state ValveState) Command {
	return Command{Act: state, Type: CommandTypeManual}
}

// Encode marshals the command.
func (c Command) Encode() []byte {
	b, _ := json.Marshal(c)
	return b
}

// DecodeCommand parses a comando payload.
func DecodeCommand(payload []byte) (Command, error) {
	var raw struct {
		Act  string `json:"act"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	state, ok := ParseValveState(raw.Act)
	if !ok {
		return Command{}, fmt.Errorf("decode command: unknown act %q", raw.Act)
	}
	return Command{Act: state, Type: raw.Type}, nil
}
