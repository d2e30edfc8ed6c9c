// Package topics builds and parses the MQTT topic tree used by the
// kitchen gas sensor and valve actuator:
//
//	<base>/leitura/<mac>   sensor readings  {"gas":..,"temp":..,"press":..}
//	<base>/status/<mac>    valve state      {"state":"OPEN"|"CLOSE"}
//	<base>/comando/<mac>   valve commands   {"act":"OPEN"|"CLOSE"}
package topics

import "strings"

// DefaultBase is the prefix the reference devices publish under.
const DefaultBase = "spvg/casa/cozinha/gas"

// Kind is the second-to-last topic segment.
type Kind string

const (
	KindReading Kind = "leitura"
	KindStatus  Kind = "status"
	KindCommand Kind = "comando"
)

// Tree builds topics under a fixed base such as "spvg/casa/cozinha/gas".
type Tree struct {
	base string
}

// New returns a Tree rooted at base. A trailing slash is ignored.
func New(base string) Tree {
	return Tree{base: strings.TrimSuffix(base, "/")}
}

// Topic returns <base>/<kind>/<mac>.
func (t Tree) Topic(kind Kind, mac string) string {
	return t.base + "/" + string(kind) + "/" + mac
}

// Reading is the topic a sensor publishes measurements on.
func (t Tree) Reading(mac string) string { return t.Topic(KindReading, mac) }

// Status is the topic an actuator publishes its valve state on.
func (t Tree) Status(mac string) string { return t.Topic(KindStatus, mac) }

// Command is the topic an actuator listens on. The reference firmware
// keys it by the sensor MAC, not its own.
func (t Tree) Command(mac string) string { return t.Topic(KindCommand, mac) }

// Wildcard returns a single-level filter for every device of a kind.
func (t Tree) Wildcard(kind Kind) string {
	return t.base + "/" + string(kind) + "/+"
}

// Parse splits a topic into kind and MAC. It reports false for topics
// outside the tree or with an unknown kind.
func (t Tree) Parse(topic string) (Kind, string, bool) {
	rest, ok := strings.CutPrefix(topic, t.base+"/")
	if !ok {
		return "", "", false
	}
	kind, mac, ok := strings.Cut(rest, "/")
	if !ok || mac == "" || strings.Contains(mac, "/") {
		return "", "", false
	}
	switch Kind(kind) {
	case KindReading, KindStatus, KindCommand:
		return Kind(kind), mac, true
	}
	return "", "", false
}

// Matches reports whether topic ends in /<kind>/<mac>, regardless of
// the prefix. This is the check the live panel uses to route messages.
func Matches(topic string, kind Kind, mac string) bool {
	return strings.HasSuffix(topic, "/"+string(kind)+"/"+mac)
}
