package chatterbox

import (
	"fmt"
	"math"
	"strings"
)

// Register map of the live block.
const (
	regControl           = 0  // power bit 0x01, fan bits 0x3e, mode bits 0xc0
	regTargetTemp        = 1  // signed half-degrees around 22.5 °C
	regZoneBase          = 2  // 2..9: enable bit 0x80, damper setpoint 0x7f
	regZoneMask          = 39 // bit i set = zone slot i in use
	regZoneDamperMeasure = 47 // 47..54: measured damper position
	regStatus            = 60
	regCompressorLoading = 62
	regOutsideCoilTemp   = 63
	regInsideCoilTemp    = 64
	regDischargeTemp     = 65
	regCurrentTemp       = 67
)

const (
	powerBit    = 0x01
	modeBits    = 0xc0
	fanBits     = 0x3e
	zoneOnBit   = 0x80
	damperBits  = 0x7f
	targetBase  = 22.5
	maxDamper   = 100
	allBits     = 0xff
	tempDivisor = 2.0
)

// Command is one masked register write.
type Command struct {
	Offset int
	Mask   byte
	Value  byte
}

// HVACMode is the operating mode of the unit.
type HVACMode string

const (
	HVACOff  HVACMode = "off"
	HVACVent HVACMode = "vent"
	HVACCool HVACMode = "cool"
	HVACHeat HVACMode = "heat"
	HVACAuto HVACMode = "auto"
)

// FanMode is the indoor fan speed setting.
type FanMode string

const (
	// FanOff is reported when no fan bits are set; treat it as undefined.
	FanOff      FanMode = "off"
	FanUltraLow FanMode = "ultra low"
	FanLow      FanMode = "low"
	FanMedium   FanMode = "medium"
	FanHigh     FanMode = "high"
	FanAuto     FanMode = "auto"
	// FanUnknown is reported for fan bit patterns with no table entry.
	FanUnknown FanMode = "unknown"
)

var hvacModeCommands = map[HVACMode]Command{
	HVACOff:  {Offset: regControl, Mask: powerBit, Value: 0x00},
	HVACVent: {Offset: regControl, Mask: modeBits | powerBit, Value: 0x01},
	HVACCool: {Offset: regControl, Mask: modeBits | powerBit, Value: 0x41},
	HVACHeat: {Offset: regControl, Mask: modeBits | powerBit, Value: 0x81},
	HVACAuto: {Offset: regControl, Mask: modeBits | powerBit, Value: 0xc1},
}

var fanModeCommands = map[FanMode]Command{
	FanUltraLow: {Offset: regControl, Mask: fanBits, Value: 0x02},
	FanLow:      {Offset: regControl, Mask: fanBits, Value: 0x04},
	FanMedium:   {Offset: regControl, Mask: fanBits, Value: 0x06},
	FanHigh:     {Offset: regControl, Mask: fanBits, Value: 0x08},
	FanAuto:     {Offset: regControl, Mask: fanBits, Value: 0x20},
}

// Reverse tables, derived from the command tables in init.
var (
	hvacModeByBits map[byte]HVACMode
	fanModeByBits  map[byte]FanMode
)

func init() {
	hvacModeByBits = make(map[byte]HVACMode, len(hvacModeCommands))
	for mode, cmd := range hvacModeCommands {
		if mode == HVACOff {
			continue
		}
		hvacModeByBits[cmd.Value&modeBits] = mode
	}
	fanModeByBits = map[byte]FanMode{0x00: FanOff}
	for mode, cmd := range fanModeCommands {
		fanModeByBits[cmd.Value&fanBits] = mode
	}
}

// HVACModes lists the modes accepted by SetHVACMode.
func HVACModes() []HVACMode {
	return []HVACMode{HVACOff, HVACVent, HVACCool, HVACHeat, HVACAuto}
}

// FanModes lists the modes accepted by SetFanMode.
func FanModes() []FanMode {
	return []FanMode{FanUltraLow, FanLow, FanMedium, FanHigh, FanAuto}
}

func hvacModeCommand(mode HVACMode) (Command, error) {
	cmd, ok := hvacModeCommands[mode]
	if !ok {
		return Command{}, fmt.Errorf("%w: hvac mode %q", ErrInvalidArgument, mode)
	}
	return cmd, nil
}

func fanModeCommand(mode FanMode) (Command, error) {
	cmd, ok := fanModeCommands[mode]
	if !ok {
		return Command{}, fmt.Errorf("%w: fan mode %q", ErrInvalidArgument, mode)
	}
	return cmd, nil
}

func decodeHVACMode(control byte) HVACMode {
	if control&powerBit == 0 {
		return HVACOff
	}
	// All four mode bit patterns are in the table.
	return hvacModeByBits[control&modeBits]
}

func decodeFanMode(control byte) FanMode {
	if mode, ok := fanModeByBits[control&fanBits]; ok {
		return mode
	}
	return FanUnknown
}

// encodeTargetTemperature converts °C to the register-1 byte. Values between
// two half-degree steps round half away from 22.5 °C.
func encodeTargetTemperature(celsius float64) (byte, error) {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return 0, fmt.Errorf("%w: temperature %v", ErrInvalidArgument, celsius)
	}
	t := math.Round((celsius - targetBase) * 2)
	if t < -127 || t > 128 {
		return 0, fmt.Errorf("%w: temperature %.1f °C", ErrRange, celsius)
	}
	v := int(t)
	if v < 0 {
		v += 256
	}
	return byte(v), nil
}

func decodeTargetTemperature(raw byte) float64 {
	v := int(raw)
	if v > 128 {
		v -= 256
	}
	return targetBase + float64(v)/2
}

func decodeHalfDegrees(raw byte) float64 {
	return float64(raw) / tempDivisor
}

var statusFlags = []struct {
	bit  byte
	name string
}{
	{0x01, "Cooling"},
	{0x02, "Heating"},
	{0x04, "Run Timer"},
	{0x08, "TC Running"},
	{0x10, "Compressor Running"},
	{0x20, "Compressor Fan Running"},
	{0x40, "RV Running"},
	{0x80, "Crank Heater"},
}

func decodeStatus(raw byte) string {
	var parts []string
	for _, f := range statusFlags {
		if raw&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "Idle"
	}
	return strings.Join(parts, ", ")
}

func clampDamper(pct int) byte {
	if pct < 0 {
		return 0
	}
	if pct > maxDamper {
		return maxDamper
	}
	return byte(pct)
}
