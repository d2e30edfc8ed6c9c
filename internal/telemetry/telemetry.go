// Package telemetry defines the records exchanged with the gas sensor,
// the valve actuator and the history API, and decodes their payloads.
package telemetry

import (
	"slices"
	"strings"
	"time"
)

// Reading is one sensor measurement as served by the history API.
// Timestamp is kept verbatim; use [Reading.Time] to parse it.
type Reading struct {
	Timestamp   string  `json:"timestamp"`
	Gas         float64 `json:"gas"`         // ppm
	Temperature float64 `json:"temperature"` // °C
	Pressure    float64 `json:"pressure"`    // hPa
}

// Time parses the reading timestamp. See [ParseTimestamp].
func (r Reading) Time() time.Time { return ParseTimestamp(r.Timestamp) }

// LogEntry is one valve state transition as served by the history API.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	State     string `json:"state"`
}

// Time parses the entry timestamp. See [ParseTimestamp].
func (l LogEntry) Time() time.Time { return ParseTimestamp(l.Timestamp) }

// ValveState is the actuator position as carried on the wire.
type ValveState string

const (
	Open   ValveState = "OPEN"
	Closed ValveState = "CLOSE"
)

// ParseValveState accepts "open"/"close" in any case.
func ParseValveState(s string) (ValveState, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Open):
		return Open, true
	case string(Closed):
		return Closed, true
	}
	return "", false
}

// StateOf converts a boolean "is open" flag to a ValveState.
func StateOf(open bool) ValveState {
	if open {
		return Open
	}
	return Closed
}

// IsOpen reports whether v is [Open].
func (v ValveState) IsOpen() bool { return v == Open }

// Label is the Portuguese wording shown on the valve card.
func (v ValveState) Label() string {
	if v.IsOpen() {
		return "Aberta"
	}
	return "Fechada"
}

// Epoch is what unparseable timestamps map to, so they sort first.
var Epoch = time.Unix(0, 0).UTC()

// timestampLayouts are tried in order. The API emits naive ISO-8601
// timestamps in UTC; fractional seconds are accepted by time.Parse
// even when the layout omits them.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an API timestamp. Values without a zone are
// UTC. Anything unparseable yields [Epoch].
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return Epoch
}

// SortReadings orders readings by parsed timestamp, oldest first.
// Entries with equal or unparseable timestamps keep their input order.
func SortReadings(list []Reading) {
	slices.SortStableFunc(list, func(a, b Reading) int {
		return a.Time().Compare(b.Time())
	})
}

// SortLogs orders log entries by parsed timestamp, oldest first.
func SortLogs(list []LogEntry) {
	slices.SortStableFunc(list, func(a, b LogEntry) int {
		return a.Time().Compare(b.Time())
	})
}
