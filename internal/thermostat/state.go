package thermostat

import (
	"encoding/json"
	"math"
	"strconv"
)

// State is the thermostat-shaped view of the device's DP map. Temperatures
// are °F in the domain model; the bridge converts at its edge when the
// user prefers °C.
type State struct {
	Online bool `json:"online"`

	Power           bool    `json:"power"`
	Mode            string  `json:"mode,omitempty"`
	TargetTemp      float64 `json:"target_temp,omitempty"`
	CurrentTemp     float64 `json:"current_temp,omitempty"`
	Fan             string  `json:"fan,omitempty"`
	Humidity        int     `json:"humidity,omitempty"`
	FaultCode       int     `json:"fault_code,omitempty"`
	Sleep           bool    `json:"sleep,omitempty"`
	VertSwing       string  `json:"vert_swing,omitempty"`
	HorizSwing      string  `json:"horiz_swing,omitempty"`
	Eco             bool    `json:"eco,omitempty"`
	Display         int     `json:"display,omitempty"`
	FilterDirty     bool    `json:"filter_dirty,omitempty"`
	OperatingState  string  `json:"operating_state,omitempty"`
	CoolingSetpoint float64 `json:"cooling_setpoint,omitempty"`
	HeatingSetpoint float64 `json:"heating_setpoint,omitempty"`

	// Raw carries every DP from the latest snapshot, including ids the
	// domain model does not interpret.
	Raw map[string]any `json:"raw_dps,omitempty"`
}

// CelsiusToFahrenheit converts a °C reading to °F.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// FahrenheitToCelsius converts a °F value to °C.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// EncodeSetpoint converts °F to the device's tenths-of-°F encoding,
// clamping into the writable range.
func EncodeSetpoint(fahrenheit float64) int {
	v := int(math.Round(fahrenheit * 10))
	if v < SetpointMin {
		v = SetpointMin
	}
	if v > SetpointMax {
		v = SetpointMax
	}
	return v
}

// DecodeSetpoint converts the device encoding back to °F.
func DecodeSetpoint(raw int) float64 {
	return float64(raw) / 10
}

// asFloat coerces the loosely-typed JSON scalars a DP map carries.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Apply folds a DP delta into the state and returns the domain attributes
// that changed, keyed by the names the bridge and event surface use.
func (s *State) Apply(dps map[string]any) map[string]any {
	changed := make(map[string]any)
	if s.Raw == nil {
		s.Raw = make(map[string]any)
	}
	for k, v := range dps {
		s.Raw[k] = v
	}

	set := func(name string, v any) { changed[name] = v }

	if v, ok := dps[strconv.Itoa(DPPower)]; ok {
		if b, ok := asBool(v); ok && b != s.Power {
			s.Power = b
			set("power", b)
		}
	}
	if v, ok := dps[strconv.Itoa(DPMode)]; ok {
		if w, ok := asString(v); ok {
			if m := ModeToDomain(w); m != s.Mode {
				s.Mode = m
				set("mode", m)
			}
		}
	}
	if v, ok := dps[strconv.Itoa(DPTargetTemp)]; ok {
		if f, ok := asFloat(v); ok {
			t := DecodeSetpoint(int(f))
			if t != s.TargetTemp {
				s.TargetTemp = t
				set("target_temp", t)
			}
		}
	}
	if v, ok := dps[strconv.Itoa(DPCurrentTemp)]; ok {
		if c, ok := asFloat(v); ok {
			f := math.Round(CelsiusToFahrenheit(c)*10) / 10
			if f != s.CurrentTemp {
				s.CurrentTemp = f
				set("current_temp", f)
			}
		}
	}
	if v, ok := dps[strconv.Itoa(DPFan)]; ok {
		if w, ok := asString(v); ok {
			if f := FanToDomain(w); f != s.Fan {
				s.Fan = f
				set("fan", f)
			}
		}
	}
	if v, ok := dps[strconv.Itoa(DPHumidity)]; ok {
		if h, ok := asFloat(v); ok && int(h) != s.Humidity {
			s.Humidity = int(h)
			set("humidity", s.Humidity)
		}
	}
	if v, ok := dps[strconv.Itoa(DPFaultCode)]; ok {
		if f, ok := asFloat(v); ok && int(f) != s.FaultCode {
			s.FaultCode = int(f)
			set("fault_code", s.FaultCode)
		}
	}
	if v, ok := dps[strconv.Itoa(DPSleep)]; ok {
		if b, ok := asBool(v); ok && b != s.Sleep {
			s.Sleep = b
			set("sleep", b)
		}
	}
	if v, ok := dps[strconv.Itoa(DPVertSwing)]; ok {
		if w, ok := asString(v); ok && w != s.VertSwing {
			s.VertSwing = w
			set("vert_swing", w)
		}
	}
	if v, ok := dps[strconv.Itoa(DPHorizSwing)]; ok {
		if w, ok := asString(v); ok && w != s.HorizSwing {
			s.HorizSwing = w
			set("horiz_swing", w)
		}
	}
	if v, ok := dps[strconv.Itoa(DPEco)]; ok {
		if b, ok := asBool(v); ok && b != s.Eco {
			s.Eco = b
			set("eco", b)
		}
	}
	if v, ok := dps[strconv.Itoa(DPDisplay)]; ok {
		if f, ok := asFloat(v); ok && int(f) != s.Display {
			s.Display = int(f)
			set("display", s.Display)
		}
	}
	if v, ok := dps[strconv.Itoa(DPFilterDirty)]; ok {
		if b, ok := asBool(v); ok && b != s.FilterDirty {
			s.FilterDirty = b
			set("filter_dirty", b)
		}
	}

	s.updateSetpointChannels(changed)
	if op := s.deriveOperatingState(); op != s.OperatingState {
		s.OperatingState = op
		set("operating_state", op)
	}
	return changed
}

// updateSetpointChannels mirrors DP 2 into the setpoint channel active for
// the current mode; the inactive channel keeps its last value.
func (s *State) updateSetpointChannels(changed map[string]any) {
	if _, ok := changed["target_temp"]; !ok {
		if _, ok := changed["mode"]; !ok {
			return
		}
	}
	switch s.Mode {
	case "cool":
		if s.CoolingSetpoint != s.TargetTemp {
			s.CoolingSetpoint = s.TargetTemp
			changed["cooling_setpoint"] = s.CoolingSetpoint
		}
	case "heat":
		if s.HeatingSetpoint != s.TargetTemp {
			s.HeatingSetpoint = s.TargetTemp
			changed["heating_setpoint"] = s.HeatingSetpoint
		}
	case "auto":
		if s.CoolingSetpoint != s.TargetTemp {
			s.CoolingSetpoint = s.TargetTemp
			changed["cooling_setpoint"] = s.CoolingSetpoint
		}
		if s.HeatingSetpoint != s.TargetTemp {
			s.HeatingSetpoint = s.TargetTemp
			changed["heating_setpoint"] = s.HeatingSetpoint
		}
	}
}

// deriveOperatingState computes the synthetic operating state from
// (power, mode). Dehumidification runs the compressor, so "dry" reports as
// cooling; "auto" is reported idle because the active stage is not
// observable from the DP map.
func (s *State) deriveOperatingState() string {
	if !s.Power {
		return "idle"
	}
	switch s.Mode {
	case "cool", "dry":
		return "cooling"
	case "heat":
		return "heating"
	case "fan_only":
		return "fan only"
	default:
		return "idle"
	}
}
