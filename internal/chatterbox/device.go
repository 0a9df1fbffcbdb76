package chatterbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options tune a Device. The zero value is usable.
type Options struct {
	Logger *slog.Logger

	// EEPROMChunkSize bounds a single EEPROM fetch. Default 128.
	EEPROMChunkSize int

	// EEPROMChunkRetries is how many times a failed chunk is re-requested at
	// the same offset before Update gives up. Default 3.
	EEPROMChunkRetries int

	// UseLoadedFlag decides EEPROM reloads on the explicit loaded flag only.
	// When false (the default) an image whose first byte is zero is fetched
	// again on every Update.
	UseLoadedFlag bool
}

// State is a decoded snapshot of the cached registers.
type State struct {
	Name                   string      `json:"name"`
	UniqueID               string      `json:"unique_id"`
	Identity               Identity    `json:"identity"`
	On                     bool        `json:"on"`
	HVACMode               HVACMode    `json:"hvac_mode"`
	FanMode                FanMode     `json:"fan_mode"`
	Status                 string      `json:"status"`
	TargetTemperature      float64     `json:"target_temperature"`
	CurrentTemperature     float64     `json:"current_temperature"`
	OutsideCoilTemperature float64     `json:"outside_coil_temperature"`
	InsideCoilTemperature  float64     `json:"inside_coil_temperature"`
	DischargeTemperature   float64     `json:"discharge_temperature"`
	CompressorLoading      int         `json:"compressor_loading"`
	Zones                  []ZoneState `json:"zones"`
	EEPROMLoaded           bool        `json:"eeprom_loaded"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// ZoneState is the decoded state of one zone.
type ZoneState struct {
	Name                   string `json:"name"`
	Index                  int    `json:"index"`
	Enabled                bool   `json:"enabled"`
	DamperPosition         int    `json:"damper_position"`
	MeasuredDamperPosition int    `json:"measured_damper_position"`
}

// Device is the cached, decoded view of one chatterbox. Update and every
// write run inside one critical section per Device.
type Device struct {
	name   string
	client *Client
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	regs      Registers
	zones     ZoneTable
	identity  Identity
	updatedAt time.Time
}

// NewDevice creates a Device named name that talks through t.
func NewDevice(name string, t Transport, opts Options) *Device {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EEPROMChunkSize <= 0 || opts.EEPROMChunkSize > EEPROMSize {
		opts.EEPROMChunkSize = 128
	}
	if opts.EEPROMChunkRetries <= 0 {
		opts.EEPROMChunkRetries = 3
	}
	logger := opts.Logger.With("device", name)
	return &Device{
		name:   name,
		client: NewClient(t, logger),
		logger: logger,
		opts:   opts,
		zones:  make(ZoneTable),
	}
}

// Name returns the configured device name.
func (d *Device) Name() string {
	return d.name
}

// Client returns the underlying protocol client.
func (d *Device) Client() *Client {
	return d.client
}

// Update refreshes the live registers, loads the EEPROM when it is not yet
// cached, rebuilds the zone table after any EEPROM load, and refreshes the
// device identity.
func (d *Device) Update(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vram, err := d.client.ReadVRAM(ctx, 0, VRAMSize)
	if err != nil {
		return fmt.Errorf("update %s: %w", d.name, err)
	}
	d.regs.ReplaceVRAM(vram)

	if d.needEEPROM() {
		image, err := d.readFullEEPROM(ctx)
		if err != nil {
			return fmt.Errorf("update %s: %w", d.name, err)
		}
		d.regs.ReplaceEEPROM(image)
		d.zones = BuildZoneTable(image, d.regs.Reg(regZoneMask))
		d.logger.Info("eeprom loaded", "zones", d.zones.Names())
	}

	id, err := d.client.DeviceInfo(ctx)
	if err != nil {
		return fmt.Errorf("update %s: %w", d.name, err)
	}
	d.identity = id
	d.updatedAt = time.Now()
	return nil
}

func (d *Device) needEEPROM() bool {
	if d.opts.UseLoadedFlag {
		return !d.regs.Loaded()
	}
	return d.regs.eepromSentinel()
}

// readFullEEPROM reads the image in chunks. A failed chunk is requested
// again at the same offset so later zone slots stay aligned.
func (d *Device) readFullEEPROM(ctx context.Context) ([]byte, error) {
	image := make([]byte, 0, EEPROMSize)
	failures := 0
	for len(image) < EEPROMSize {
		start := len(image)
		end := min(EEPROMSize, start+d.opts.EEPROMChunkSize)
		chunk, err := d.client.ReadEEPROM(ctx, start, end-start)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrRange) {
				return nil, err
			}
			failures++
			d.logger.Warn("eeprom chunk failed", "start", start, "end", end, "attempt", failures, "err", err)
			if failures > d.opts.EEPROMChunkRetries {
				return nil, err
			}
			continue
		}
		failures = 0
		image = append(image, chunk...)
	}
	return image, nil
}

// EEPROMLoaded reports whether a full EEPROM image has been cached.
func (d *Device) EEPROMLoaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Loaded()
}

// Identity returns the last fetched device identity.
func (d *Device) Identity() Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// UniqueID returns the device MAC with separators removed.
func (d *Device) UniqueID() string {
	return d.Identity().UniqueID()
}

func (d *Device) reg(offset int) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Reg(offset)
}

// Status describes the running state flags, or "Idle".
func (d *Device) Status() string { return decodeStatus(d.reg(regStatus)) }

// CompressorLoading is the digital scroll compressor loading, 0-255.
func (d *Device) CompressorLoading() int { return int(d.reg(regCompressorLoading)) }

// OutsideCoilTemperature in °C.
func (d *Device) OutsideCoilTemperature() float64 {
	return decodeHalfDegrees(d.reg(regOutsideCoilTemp))
}

// InsideCoilTemperature in °C.
func (d *Device) InsideCoilTemperature() float64 { return decodeHalfDegrees(d.reg(regInsideCoilTemp)) }

// DischargeTemperature in °C.
func (d *Device) DischargeTemperature() float64 { return decodeHalfDegrees(d.reg(regDischargeTemp)) }

// CurrentTemperature is the intake temperature in °C.
func (d *Device) CurrentTemperature() float64 { return decodeHalfDegrees(d.reg(regCurrentTemp)) }

// TargetTemperature is the set point in °C.
func (d *Device) TargetTemperature() float64 { return decodeTargetTemperature(d.reg(regTargetTemp)) }

// IsOn reports the power bit.
func (d *Device) IsOn() bool { return d.reg(regControl)&powerBit != 0 }

// HVACMode decodes the current operating mode.
func (d *Device) HVACMode() HVACMode { return decodeHVACMode(d.reg(regControl)) }

// FanMode decodes the current fan setting.
func (d *Device) FanMode() FanMode { return decodeFanMode(d.reg(regControl)) }

// Zones returns zone names ordered by index.
func (d *Device) Zones() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zones.Names()
}

// ZoneTable returns a copy of the zone table.
func (d *Device) ZoneTable() ZoneTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zones.clone()
}

// ZoneEnabled reports whether the zone's enable bit is set.
func (d *Device) ZoneEnabled(name string) (bool, error) {
	raw, err := d.zoneReg(name, regZoneBase)
	if err != nil {
		return false, err
	}
	return raw&zoneOnBit != 0, nil
}

// ZoneDamperPosition returns the zone's damper set point, 0-100.
func (d *Device) ZoneDamperPosition(name string) (int, error) {
	raw, err := d.zoneReg(name, regZoneBase)
	if err != nil {
		return 0, err
	}
	return int(raw & damperBits), nil
}

// ZoneMeasuredDamperPosition returns the last measured damper position.
func (d *Device) ZoneMeasuredDamperPosition(name string) (int, error) {
	raw, err := d.zoneReg(name, regZoneDamperMeasure)
	if err != nil {
		return 0, err
	}
	return int(raw), nil
}

func (d *Device) zoneReg(name string, base int) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.zones.Index(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	return d.regs.Reg(base + i), nil
}

// VRAM returns a copy of the cached live registers.
func (d *Device) VRAM() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.VRAM()
}

// EEPROM returns a copy of the cached EEPROM image.
func (d *Device) EEPROM() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.EEPROM()
}

// Snapshot decodes every property from one consistent view of the cache.
func (d *Device) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := &d.regs
	control := r.Reg(regControl)
	st := State{
		Name:                   d.name,
		UniqueID:               d.identity.UniqueID(),
		Identity:               d.identity,
		On:                     control&powerBit != 0,
		HVACMode:               decodeHVACMode(control),
		FanMode:                decodeFanMode(control),
		Status:                 decodeStatus(r.Reg(regStatus)),
		TargetTemperature:      decodeTargetTemperature(r.Reg(regTargetTemp)),
		CurrentTemperature:     decodeHalfDegrees(r.Reg(regCurrentTemp)),
		OutsideCoilTemperature: decodeHalfDegrees(r.Reg(regOutsideCoilTemp)),
		InsideCoilTemperature:  decodeHalfDegrees(r.Reg(regInsideCoilTemp)),
		DischargeTemperature:   decodeHalfDegrees(r.Reg(regDischargeTemp)),
		CompressorLoading:      int(r.Reg(regCompressorLoading)),
		EEPROMLoaded:           r.Loaded(),
		UpdatedAt:              d.updatedAt,
	}
	for _, name := range d.zones.Names() {
		i := d.zones[name]
		raw := r.Reg(regZoneBase + i)
		st.Zones = append(st.Zones, ZoneState{
			Name:                   name,
			Index:                  i,
			Enabled:                raw&zoneOnBit != 0,
			DamperPosition:         int(raw & damperBits),
			MeasuredDamperPosition: int(r.Reg(regZoneDamperMeasure + i)),
		})
	}
	return st
}

// WriteVRAM sends a masked write and, once the device has accepted the
// request, applies the same merge to the cache. The register is not read
// back.
func (d *Device) WriteVRAM(ctx context.Context, offset, mask, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(ctx, offset, mask, value)
}

func (d *Device) writeLocked(ctx context.Context, offset, mask, value int) error {
	if err := d.client.WriteVRAM(ctx, offset, mask, value); err != nil {
		return err
	}
	d.regs.Apply(offset, byte(mask), byte(value))
	d.logger.Debug("vram write", "offset", offset, "mask", fmt.Sprintf("0x%02x", mask), "value", fmt.Sprintf("0x%02x", value))
	return nil
}

func (d *Device) send(ctx context.Context, cmd Command) error {
	return d.WriteVRAM(ctx, cmd.Offset, int(cmd.Mask), int(cmd.Value))
}

// WriteEEPROM writes one 4-byte aligned EEPROM block. The cached image is
// left as loaded.
func (d *Device) WriteEEPROM(ctx context.Context, offset int, values []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.WriteEEPROM(ctx, offset, len(values), values)
}

// ReadRTC returns the device clock, see Client.ReadRTC.
func (d *Device) ReadRTC(ctx context.Context) (string, error) {
	return d.client.ReadRTC(ctx)
}

// SetTemperature sets the target temperature in °C, rounded to 0.5.
func (d *Device) SetTemperature(ctx context.Context, celsius float64) error {
	raw, err := encodeTargetTemperature(celsius)
	if err != nil {
		return err
	}
	return d.send(ctx, Command{Offset: regTargetTemp, Mask: allBits, Value: raw})
}

// TurnOn sets the power bit.
func (d *Device) TurnOn(ctx context.Context) error {
	return d.send(ctx, Command{Offset: regControl, Mask: powerBit, Value: 1})
}

// TurnOff clears the power bit.
func (d *Device) TurnOff(ctx context.Context) error {
	return d.send(ctx, Command{Offset: regControl, Mask: powerBit, Value: 0})
}

// SetHVACMode switches the operating mode. HVACOff only clears the power bit.
func (d *Device) SetHVACMode(ctx context.Context, mode HVACMode) error {
	cmd, err := hvacModeCommand(mode)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd)
}

// SetFanMode sets the fan speed.
func (d *Device) SetFanMode(ctx context.Context, mode FanMode) error {
	cmd, err := fanModeCommand(mode)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd)
}

// SetZoneEnabled enables or disables a zone.
func (d *Device) SetZoneEnabled(ctx context.Context, name string, on bool) error {
	var value byte
	if on {
		value = zoneOnBit
	}
	return d.writeZone(ctx, name, zoneOnBit, value)
}

// SetZoneDamperPosition sets the zone damper set point; pct is clamped to 0-100.
func (d *Device) SetZoneDamperPosition(ctx context.Context, name string, pct int) error {
	return d.writeZone(ctx, name, damperBits, clampDamper(pct))
}

func (d *Device) writeZone(ctx context.Context, name string, mask, value byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.zones.Index(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	return d.writeLocked(ctx, regZoneBase+i, int(mask), int(value))
}
