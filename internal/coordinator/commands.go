package coordinator

import (
	"context"
	"fmt"

	"chatterbox-go-home/internal/chatterbox"
)

// Command is a batch of changes for one device, as it arrives from MQTT,
// HTTP or a script. Nil fields are left alone.
type Command struct {
	Power       *bool                `json:"power,omitempty"`
	HVACMode    *chatterbox.HVACMode `json:"hvac_mode,omitempty"`
	FanMode     *chatterbox.FanMode  `json:"fan_mode,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`

	Zone           string `json:"zone,omitempty"`
	ZoneEnabled    *bool  `json:"zone_enabled,omitempty"`
	DamperPosition *int   `json:"damper_position,omitempty"`
}

// Empty reports whether the command changes nothing.
func (cmd Command) Empty() bool {
	return cmd.Power == nil && cmd.HVACMode == nil && cmd.FanMode == nil &&
		cmd.Temperature == nil && cmd.ZoneEnabled == nil && cmd.DamperPosition == nil
}

// Validate checks the command's shape without touching a device.
func (cmd Command) Validate() error {
	if cmd.Empty() {
		return fmt.Errorf("%w: empty command", chatterbox.ErrInvalidArgument)
	}
	hasZoneField := cmd.ZoneEnabled != nil || cmd.DamperPosition != nil
	if hasZoneField && cmd.Zone == "" {
		return fmt.Errorf("%w: zone change without zone name", chatterbox.ErrInvalidArgument)
	}
	if cmd.Zone != "" && !hasZoneField {
		return fmt.Errorf("%w: zone %q given without a change", chatterbox.ErrInvalidArgument, cmd.Zone)
	}
	return nil
}

// Apply runs cmd against the named device. Mode goes before power so that
// {"hvac_mode":"cool","power":false} ends switched off. On success the new
// cached state is published; the device is not read back.
func (c *Coordinator) Apply(ctx context.Context, name string, cmd Command) (chatterbox.State, error) {
	m, err := c.lookup(name)
	if err != nil {
		return chatterbox.State{}, err
	}
	if err := cmd.Validate(); err != nil {
		return chatterbox.State{}, err
	}
	if err := applyCommand(ctx, m.dev, cmd); err != nil {
		c.logger.Warn("command failed", "device", name, "err", err)
		return chatterbox.State{}, err
	}

	c.events.Emit(Event{Type: EventCommand, Device: name, Data: cmd})
	st := m.dev.Snapshot()
	c.events.Emit(Event{Type: EventStateUpdate, Device: name, Data: st})
	return st, nil
}

func applyCommand(ctx context.Context, d *chatterbox.Device, cmd Command) error {
	if cmd.HVACMode != nil {
		if err := d.SetHVACMode(ctx, *cmd.HVACMode); err != nil {
			return err
		}
	}
	if cmd.Power != nil {
		var err error
		if *cmd.Power {
			err = d.TurnOn(ctx)
		} else {
			err = d.TurnOff(ctx)
		}
		if err != nil {
			return err
		}
	}
	if cmd.FanMode != nil {
		if err := d.SetFanMode(ctx, *cmd.FanMode); err != nil {
			return err
		}
	}
	if cmd.Temperature != nil {
		if err := d.SetTemperature(ctx, *cmd.Temperature); err != nil {
			return err
		}
	}
	if cmd.ZoneEnabled != nil {
		if err := d.SetZoneEnabled(ctx, cmd.Zone, *cmd.ZoneEnabled); err != nil {
			return err
		}
	}
	if cmd.DamperPosition != nil {
		if err := d.SetZoneDamperPosition(ctx, cmd.Zone, *cmd.DamperPosition); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWrite is a raw masked write to live register offset.
type RegisterWrite struct {
	Offset int `json:"offset"`
	Mask   int `json:"mask"`
	Value  int `json:"value"`
}

// WriteRegister performs a raw masked VRAM write on the named device and
// publishes the resulting cached state.
func (c *Coordinator) WriteRegister(ctx context.Context, name string, wr RegisterWrite) (chatterbox.State, error) {
	m, err := c.lookup(name)
	if err != nil {
		return chatterbox.State{}, err
	}
	if err := m.dev.WriteVRAM(ctx, wr.Offset, wr.Mask, wr.Value); err != nil {
		c.logger.Warn("register write failed", "device", name, "offset", wr.Offset, "err", err)
		return chatterbox.State{}, err
	}

	c.events.Emit(Event{Type: EventCommand, Device: name, Data: wr})
	st := m.dev.Snapshot()
	c.events.Emit(Event{Type: EventStateUpdate, Device: name, Data: st})
	return st, nil
}
