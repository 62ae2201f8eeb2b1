package thermostat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DP ids for the Pioneer WYT (Diamante) family.
const (
	DPPower       = 1
	DPTargetTemp  = 2
	DPCurrentTemp = 3
	DPMode        = 4
	DPFan         = 5
	DPHumidity    = 18
	DPFaultCode   = 20
	DPSleep       = 105
	DPVertSwing   = 113
	DPHorizSwing  = 114
	DPEco         = 119
	DPDisplay     = 123
	DPFilterDirty = 131
)

// Setpoint bounds, in tenths of °F as the device encodes them.
const (
	SetpointMin = 610
	SetpointMax = 860
)

// Datapoint describes one DP: its id, value type and accepted values.
type Datapoint struct {
	DP       int      `yaml:"dp"`
	Type     string   `yaml:"type"` // bool | int | enum
	Values   []string `yaml:"values,omitempty"`
	Min      int      `yaml:"min,omitempty"`
	Max      int      `yaml:"max,omitempty"`
	ReadOnly bool     `yaml:"readonly,omitempty"`
}

// Table maps command names to datapoints. It is configuration data, fixed
// at construction.
type Table map[string]Datapoint

// DefaultTable is the built-in Pioneer WYT table, matching the family's
// published DP schema. DPs 126/127/133/134 exist on some units and ride
// through as opaque values.
func DefaultTable() Table {
	return Table{
		"power":       {DP: DPPower, Type: "bool"},
		"target_temp": {DP: DPTargetTemp, Type: "int", Min: 61, Max: 86},
		"current_temp": {DP: DPCurrentTemp, Type: "int", ReadOnly: true},
		"mode":        {DP: DPMode, Type: "enum", Values: []string{"cold", "hot", "wet", "wind", "auto"}},
		"fan":         {DP: DPFan, Type: "enum", Values: []string{"auto", "quiet", "low", "medium-low", "medium", "medium-high", "high", "strong"}},
		"humidity":    {DP: DPHumidity, Type: "int", ReadOnly: true},
		"fault_code":  {DP: DPFaultCode, Type: "int", ReadOnly: true},
		"sleep":       {DP: DPSleep, Type: "bool"},
		"vert_swing":  {DP: DPVertSwing, Type: "enum", Values: []string{"off", "full", "upper", "lower"}},
		"horiz_swing": {DP: DPHorizSwing, Type: "enum", Values: []string{"off", "full", "left", "center", "right"}},
		"eco":         {DP: DPEco, Type: "bool"},
		"display":     {DP: DPDisplay, Type: "int"},
		"filter_dirty": {DP: DPFilterDirty, Type: "bool", ReadOnly: true},
	}
}

// LoadTable overlays datapoint definitions from a yaml file onto the
// built-in table, the way the original service reads dpids.yaml.
func LoadTable(path string) (Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read datapoints file: %w", err)
	}
	var file struct {
		Datapoints map[string]Datapoint `yaml:"datapoints"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal datapoints file: %w", err)
	}
	for name, dp := range file.Datapoints {
		t[name] = dp
	}
	return t, nil
}

// Wire <-> domain mode names. The device speaks the left column.
var modeToDomain = map[string]string{
	"cold": "cool",
	"hot":  "heat",
	"wet":  "dry",
	"wind": "fan_only",
	"auto": "auto",
}

var modeToWire = map[string]string{
	"cool":     "cold",
	"heat":     "hot",
	"dry":      "wet",
	"fan_only": "wind",
	"auto":     "auto",
}

// The device has eight fan steps; the domain surface exposes four.
var fanToDomain = map[string]string{
	"quiet":       "low",
	"low":         "low",
	"medium-low":  "medium",
	"medium":      "medium",
	"medium-high": "medium",
	"high":        "high",
	"strong":      "high",
	"auto":        "auto",
}

var fanToWire = map[string]string{
	"low":    "low",
	"medium": "medium",
	"high":   "high",
	"auto":   "auto",
}

// ModeToDomain maps a wire mode to its domain name; unknown values pass
// through unchanged.
func ModeToDomain(wire string) string {
	if m, ok := modeToDomain[wire]; ok {
		return m
	}
	return wire
}

// ModeToWire maps a domain mode to its wire form.
func ModeToWire(domain string) (string, bool) {
	m, ok := modeToWire[domain]
	return m, ok
}

// FanToDomain maps a wire fan speed to its domain name.
func FanToDomain(wire string) string {
	if f, ok := fanToDomain[wire]; ok {
		return f
	}
	return wire
}

// FanToWire maps a domain fan speed to its wire form.
func FanToWire(domain string) (string, bool) {
	f, ok := fanToWire[domain]
	return f, ok
}
