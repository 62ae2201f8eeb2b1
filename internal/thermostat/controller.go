package thermostat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pioneer-wyt/wyt-bridge/pkg/tuya"
)

// Update is one attribute-level delta published to subscribers.
type Update struct {
	Attribute string
	Value     any
}

// Controller is the public command surface over one device. It owns the
// domain state, translates commands to DP writes and fans device events
// out to subscribers.
type Controller struct {
	dev   *tuya.Device
	table Table
	log   zerolog.Logger

	mu    sync.Mutex
	state State

	subMu sync.Mutex
	subs  []func(Update)

	pollStop chan struct{}
	pollOnce sync.Once
}

// NewController wires a controller to a running device. PollInterval of
// zero disables the refresh schedule.
func NewController(dev *tuya.Device, table Table, pollInterval time.Duration) *Controller {
	c := &Controller{
		dev:      dev,
		table:    table,
		log:      log.With().Str("component", "thermostat").Logger(),
		pollStop: make(chan struct{}),
	}
	dev.Subscribe(c.onDeviceEvent)
	if pollInterval > 0 {
		go c.poll(pollInterval)
	}
	return c
}

// Subscribe registers a callback for attribute deltas and presence changes
// (attribute "online").
func (c *Controller) Subscribe(fn func(Update)) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

func (c *Controller) publish(u Update) {
	c.subMu.Lock()
	subs := c.subs
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

// onDeviceEvent runs on the engine's event loop: fold DP deltas into the
// state before re-publishing, so a snapshot read after an event callback
// always reflects it.
func (c *Controller) onDeviceEvent(ev tuya.Event) {
	switch ev.Type {
	case tuya.EventDPS:
		c.mu.Lock()
		changed := c.state.Apply(ev.DPS)
		c.mu.Unlock()
		for attr, v := range changed {
			c.publish(Update{Attribute: attr, Value: v})
		}
	case tuya.EventOnline, tuya.EventOffline:
		online := ev.Type == tuya.EventOnline
		c.mu.Lock()
		c.state.Online = online
		c.mu.Unlock()
		c.publish(Update{Attribute: "online", Value: online})
	}
}

func (c *Controller) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pollStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Refresh(ctx); err != nil && !errors.Is(err, tuya.ErrSuperseded) {
				c.log.Warn().Err(err).Msg("scheduled refresh failed")
			}
			cancel()
		}
	}
}

// Snapshot returns a copy of the current domain state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	raw := make(map[string]any, len(s.Raw))
	for k, v := range s.Raw {
		raw[k] = v
	}
	s.Raw = raw
	return s
}

// set writes a DP map, tolerating supersession: an abandoned command is
// not an error at this surface.
func (c *Controller) set(ctx context.Context, dps map[string]any) error {
	_, err := c.dev.Set(ctx, dps)
	if errors.Is(err, tuya.ErrSuperseded) {
		return nil
	}
	return err
}

// On powers the unit on.
func (c *Controller) On(ctx context.Context) error {
	return c.set(ctx, map[string]any{strconv.Itoa(DPPower): true})
}

// Off powers the unit off.
func (c *Controller) Off(ctx context.Context) error {
	return c.set(ctx, map[string]any{strconv.Itoa(DPPower): false})
}

// SetMode selects an operating mode, powering the unit on when it is not
// known to be on already. Power and mode ride in one frame so a rapid
// follow-up command cannot strand the power write.
func (c *Controller) SetMode(ctx context.Context, mode string) error {
	wire, ok := ModeToWire(mode)
	if !ok {
		return fmt.Errorf("%w: unknown mode %q", tuya.ErrBadValue, mode)
	}
	dps := map[string]any{strconv.Itoa(DPMode): wire}
	c.mu.Lock()
	powered := c.state.Power
	c.mu.Unlock()
	if !powered {
		dps[strconv.Itoa(DPPower)] = true
	}
	return c.set(ctx, dps)
}

// SetTargetTemp writes the setpoint in °F, clamped to the device range.
func (c *Controller) SetTargetTemp(ctx context.Context, fahrenheit float64) error {
	return c.set(ctx, map[string]any{strconv.Itoa(DPTargetTemp): EncodeSetpoint(fahrenheit)})
}

// SetFan selects a fan speed.
func (c *Controller) SetFan(ctx context.Context, fan string) error {
	wire, ok := FanToWire(fan)
	if !ok {
		return fmt.Errorf("%w: unknown fan speed %q", tuya.ErrBadValue, fan)
	}
	return c.set(ctx, map[string]any{strconv.Itoa(DPFan): wire})
}

// SetVerticalSwing positions the vertical louver.
func (c *Controller) SetVerticalSwing(ctx context.Context, pos string) error {
	if err := c.validateEnum("vert_swing", pos); err != nil {
		return err
	}
	return c.set(ctx, map[string]any{strconv.Itoa(DPVertSwing): pos})
}

// SetHorizontalSwing positions the horizontal louver.
func (c *Controller) SetHorizontalSwing(ctx context.Context, pos string) error {
	if err := c.validateEnum("horiz_swing", pos); err != nil {
		return err
	}
	return c.set(ctx, map[string]any{strconv.Itoa(DPHorizSwing): pos})
}

// SetSleep toggles sleep mode.
func (c *Controller) SetSleep(ctx context.Context, on bool) error {
	return c.set(ctx, map[string]any{strconv.Itoa(DPSleep): on})
}

// SetEco toggles eco mode.
func (c *Controller) SetEco(ctx context.Context, on bool) error {
	return c.set(ctx, map[string]any{strconv.Itoa(DPEco): on})
}

// SetDisplay writes the display/beep bitfield. The field is opaque and
// passed through untouched.
func (c *Controller) SetDisplay(ctx context.Context, value int) error {
	return c.set(ctx, map[string]any{strconv.Itoa(DPDisplay): value})
}

func (c *Controller) validateEnum(name, value string) error {
	dp, ok := c.table[name]
	if !ok {
		return fmt.Errorf("%w: unknown datapoint %q", tuya.ErrBadValue, name)
	}
	for _, v := range dp.Values {
		if v == value {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid %s %q", tuya.ErrBadValue, name, value)
}

// Refresh queries the device for a full DP snapshot; state updates arrive
// through the event path.
func (c *Controller) Refresh(ctx context.Context) error {
	_, err := c.dev.Query(ctx)
	if errors.Is(err, tuya.ErrSuperseded) {
		return nil
	}
	return err
}

// Connected reports engine-level presence.
func (c *Controller) Connected() bool { return c.dev.Connected() }

// Disconnect closes the device connection and stops polling.
func (c *Controller) Disconnect() error {
	c.pollOnce.Do(func() { close(c.pollStop) })
	return c.dev.Close()
}

// Command dispatches a named command from the DP table, coercing and
// validating the value the way the original bridge service does. It is
// the write path behind POST /command.
func (c *Controller) Command(ctx context.Context, name string, value any) error {
	dp, ok := c.table[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", tuya.ErrBadValue, name)
	}
	if dp.ReadOnly {
		return fmt.Errorf("%w: %q is read-only", tuya.ErrBadValue, name)
	}

	switch name {
	case "power":
		on, err := coerceBool(value)
		if err != nil {
			return err
		}
		if on {
			return c.On(ctx)
		}
		return c.Off(ctx)
	case "mode":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: mode must be a string", tuya.ErrBadValue)
		}
		return c.SetMode(ctx, s)
	case "target_temp":
		f, err := coerceFloat(value)
		if err != nil {
			return err
		}
		return c.SetTargetTemp(ctx, f)
	case "fan":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: fan must be a string", tuya.ErrBadValue)
		}
		return c.SetFan(ctx, s)
	}

	// Generic path for table-driven commands (sleep, eco, display, swings,
	// anything added via dpids.yaml).
	coerced, err := coerceForDatapoint(dp, value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return c.set(ctx, map[string]any{strconv.Itoa(dp.DP): coerced})
}

func coerceBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "true", "1", "on", "yes":
			return true, nil
		case "false", "0", "off", "no":
			return false, nil
		}
	case float64:
		return b != 0, nil
	}
	return false, fmt.Errorf("%w: not a boolean: %v", tuya.ErrBadValue, v)
}

func coerceFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: not a number: %v", tuya.ErrBadValue, v)
}

func coerceForDatapoint(dp Datapoint, v any) (any, error) {
	switch dp.Type {
	case "bool":
		return coerceBool(v)
	case "int":
		f, err := coerceFloat(v)
		if err != nil {
			return nil, err
		}
		n := int(f)
		if dp.Min != 0 || dp.Max != 0 {
			if n < dp.Min {
				n = dp.Min
			}
			if n > dp.Max {
				n = dp.Max
			}
		}
		return n, nil
	case "enum":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: not a string: %v", tuya.ErrBadValue, v)
		}
		for _, allowed := range dp.Values {
			if allowed == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %q not in %v", tuya.ErrBadValue, s, dp.Values)
	default:
		return v, nil
	}
}
