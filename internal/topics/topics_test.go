package topics

import "testing"

const (
	sensor   = "0C:B8:15:F6:82:8C"
	actuator = "A8:42:E3:91:18:1C"
)

func TestTreeBuild(t *testing.T) {
	tree := New("spvg/casa/cozinha/gas/")

	tests := []struct {
		got, want string
	}{
		{tree.Reading(sensor), "spvg/casa/cozinha/gas/leitura/" + sensor},
		{tree.Status(actuator), "spvg/casa/cozinha/gas/status/" + actuator},
		{tree.Command(sensor), "spvg/casa/cozinha/gas/comando/" + sensor},
		{tree.Wildcard(KindStatus), "spvg/casa/cozinha/gas/status/+"},
		{tree.Wildcard(KindCommand), "spvg/casa/cozinha/gas/comando/+"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTreeParse(t *testing.T) {
	tree := New("spvg/casa/cozinha/gas")

	tests := []struct {
		topic    string
		wantKind Kind
		wantMAC  string
		wantOK   bool
	}{
		{"spvg/casa/cozinha/gas/leitura/" + sensor, KindReading, sensor, true},
		{"spvg/casa/cozinha/gas/status/" + actuator, KindStatus, actuator, true},
		{"spvg/casa/cozinha/gas/comando/" + sensor, KindCommand, sensor, true},
		{"spvg/casa/cozinha/gas/alarme/" + sensor, "", "", false},
		{"spvg/casa/sala/gas/leitura/" + sensor, "", "", false},
		{"spvg/casa/cozinha/gas/leitura/", "", "", false},
		{"spvg/casa/cozinha/gas/leitura/a/b", "", "", false},
		{"spvg/casa/cozinha/gas", "", "", false},
	}
	for _, tt := range tests {
		kind, mac, ok := tree.Parse(tt.topic)
		if kind != tt.wantKind || mac != tt.wantMAC || ok != tt.wantOK {
			t.Errorf("Parse(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.topic, kind, mac, ok, tt.wantKind, tt.wantMAC, tt.wantOK)
		}
	}
}

func TestMatches(t *testing.T) {
	if !Matches("other/prefix/leitura/"+sensor, KindReading, sensor) {
		t.Error("Matches should ignore the prefix")
	}
	if Matches("spvg/casa/cozinha/gas/status/"+sensor, KindReading, sensor) {
		t.Error("Matches should check the kind")
	}
	if Matches("spvg/casa/cozinha/gas/leitura/"+actuator, KindReading, sensor) {
		t.Error("Matches should check the MAC")
	}
}
