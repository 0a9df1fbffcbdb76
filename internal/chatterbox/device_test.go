package chatterbox

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func seededTransport() *fakeTransport {
	f := newFakeTransport()
	f.setZoneName(0, "Lounge")
	f.setZoneName(1, "Study")
	f.setZoneName(2, "Bed1")
	f.vram[regZoneMask] = 0b00000101
	f.vram[regControl] = 0x41 | 0x06 // on, cool, medium fan
	f.vram[regTargetTemp] = 241
	f.vram[regZoneBase] = 0x80 | 40
	f.vram[regZoneBase+2] = 75
	f.vram[regZoneDamperMeasure] = 38
	f.vram[regStatus] = 0x11
	f.vram[regCompressorLoading] = 64
	f.vram[regOutsideCoilTemp] = 61
	f.vram[regInsideCoilTemp] = 20
	f.vram[regDischargeTemp] = 130
	f.vram[regCurrentTemp] = 47
	return f
}

func TestUpdateDecodesProperties(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	if err := d.Update(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := d.UniqueID(); got != "001ec0aabbcc" {
		t.Errorf("unique id = %q", got)
	}
	if got := d.HVACMode(); got != HVACCool {
		t.Errorf("hvac mode = %q, want cool", got)
	}
	if got := d.FanMode(); got != FanMedium {
		t.Errorf("fan mode = %q, want medium", got)
	}
	if !d.IsOn() {
		t.Error("is on = false, want true")
	}
	if got := d.TargetTemperature(); got != 15.0 {
		t.Errorf("target = %v, want 15", got)
	}
	if got := d.CurrentTemperature(); got != 23.5 {
		t.Errorf("current = %v, want 23.5", got)
	}
	if got := d.OutsideCoilTemperature(); got != 30.5 {
		t.Errorf("outside coil = %v, want 30.5", got)
	}
	if got := d.InsideCoilTemperature(); got != 10 {
		t.Errorf("inside coil = %v, want 10", got)
	}
	if got := d.DischargeTemperature(); got != 65 {
		t.Errorf("discharge = %v, want 65", got)
	}
	if got := d.CompressorLoading(); got != 64 {
		t.Errorf("compressor loading = %d, want 64", got)
	}
	if got := d.Status(); got != "Cooling, Compressor Running" {
		t.Errorf("status = %q", got)
	}
	if got := d.Zones(); !reflect.DeepEqual(got, []string{"Lounge", "Bed1"}) {
		t.Errorf("zones = %v", got)
	}

	on, err := d.ZoneEnabled("Lounge")
	if err != nil || !on {
		t.Errorf("Lounge enabled = %v, %v", on, err)
	}
	pos, err := d.ZoneDamperPosition("Lounge")
	if err != nil || pos != 40 {
		t.Errorf("Lounge damper = %d, %v; want 40", pos, err)
	}
	measured, err := d.ZoneMeasuredDamperPosition("Lounge")
	if err != nil || measured != 38 {
		t.Errorf("Lounge measured damper = %d, %v; want 38", measured, err)
	}
	on, _ = d.ZoneEnabled("Bed1")
	pos, _ = d.ZoneDamperPosition("Bed1")
	if on || pos != 75 {
		t.Errorf("Bed1 = %v/%d, want false/75", on, pos)
	}
	if _, err := d.ZoneEnabled("Study"); !errors.Is(err, ErrUnknownZone) {
		t.Errorf("Study: err = %v, want ErrUnknownZone", err)
	}
}

func TestSnapshotMatchesAccessors(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	if err := d.Update(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := d.Snapshot()
	if st.Name != "test" || st.UniqueID != d.UniqueID() {
		t.Errorf("snapshot ids = %q/%q", st.Name, st.UniqueID)
	}
	if st.HVACMode != d.HVACMode() || st.FanMode != d.FanMode() || st.TargetTemperature != d.TargetTemperature() {
		t.Errorf("snapshot = %+v", st)
	}
	if !st.EEPROMLoaded {
		t.Error("eeprom_loaded = false")
	}
	if len(st.Zones) != 2 || st.Zones[0].Name != "Lounge" || st.Zones[1].Index != 2 {
		t.Fatalf("zones = %+v", st.Zones)
	}
	if st.UpdatedAt.IsZero() {
		t.Error("updated_at is zero")
	}
}

func TestUpdateSkipsEEPROMOnceLoaded(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()

	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	first := f.fetchCount(tableEEPROM)
	if first != 2 {
		t.Fatalf("eeprom fetches after first update = %d, want 2 chunks", first)
	}

	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.fetchCount(tableEEPROM); got != first {
		t.Errorf("eeprom fetches after second update = %d, want %d", got, first)
	}
	if got := f.fetchCount(tableVRAM); got != 2 {
		t.Errorf("vram fetches = %d, want 2", got)
	}
}

// A zero first byte is the "not loaded" sentinel, so a device whose first
// zone slot is blank gets its EEPROM fetched on every refresh.
func TestUpdateRefetchesEEPROMWhenFirstByteZero(t *testing.T) {
	f := newFakeTransport()
	f.setZoneName(1, "Study")
	f.eeprom[0] = 0
	f.vram[regZoneMask] = 0b10
	d := newTestDevice(f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.Update(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.fetchCount(tableEEPROM); got != 6 {
		t.Errorf("eeprom fetches = %d, want 6", got)
	}
	if !d.EEPROMLoaded() {
		t.Error("loaded flag not set")
	}
}

func TestUpdateUseLoadedFlag(t *testing.T) {
	f := newFakeTransport()
	f.vram[regZoneMask] = 0
	d := NewDevice("test", f, Options{Logger: testLogger(), UseLoadedFlag: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.Update(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.fetchCount(tableEEPROM); got != 2 {
		t.Errorf("eeprom fetches = %d, want 2", got)
	}
}

func TestUpdateRetriesFailedEEPROMChunk(t *testing.T) {
	f := seededTransport()
	f.setZoneName(7, "Garage")
	f.vram[regZoneMask] |= 0x80
	f.eepromFail[0] = 2
	d := newTestDevice(f)

	if err := d.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.fetchCount(tableEEPROM); got != 4 {
		t.Errorf("eeprom fetches = %d, want 4", got)
	}
	zones := d.ZoneTable()
	want := ZoneTable{"Lounge": 0, "Bed1": 2, "Garage": 7}
	if !reflect.DeepEqual(zones, want) {
		t.Errorf("zones = %v, want %v", zones, want)
	}
	if !reflect.DeepEqual(d.EEPROM(), f.eeprom[:]) {
		t.Error("cached image differs from device eeprom")
	}
}

func TestUpdateGivesUpAfterChunkRetries(t *testing.T) {
	f := seededTransport()
	f.eepromFail[128] = 10
	d := NewDevice("test", f, Options{Logger: testLogger(), EEPROMChunkRetries: 2})

	err := d.Update(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if d.EEPROMLoaded() {
		t.Error("loaded flag set after failed load")
	}
	if len(d.Zones()) != 0 {
		t.Errorf("zones = %v, want none", d.Zones())
	}
	// 1 good chunk + 3 attempts at offset 128.
	if got := f.fetchCount(tableEEPROM); got != 4 {
		t.Errorf("eeprom fetches = %d, want 4", got)
	}
}

func TestUpdatePropagatesVRAMError(t *testing.T) {
	f := seededTransport()
	f.callErr = ErrConnection
	d := newTestDevice(f)
	if err := d.Update(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestUpdatePropagatesInfoError(t *testing.T) {
	f := seededTransport()
	f.infoErr = ErrProtocol
	d := newTestDevice(f)
	if err := d.Update(context.Background()); !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

func TestSetTemperature(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.SetTemperature(ctx, 22.5); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTemperature(ctx, 15.0); err != nil {
		t.Fatal(err)
	}
	want := [][]int{{1, 0xff, 0}, {1, 0xff, 241}}
	if !reflect.DeepEqual(f.writes, want) {
		t.Errorf("writes = %v, want %v", f.writes, want)
	}
	if got := d.TargetTemperature(); got != 15.0 {
		t.Errorf("cached target = %v, want 15", got)
	}
}

func TestSetHVACModeUpdatesCache(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.SetHVACMode(ctx, HVACAuto); err != nil {
		t.Fatal(err)
	}
	if got := d.HVACMode(); got != HVACAuto {
		t.Errorf("after auto: mode = %q", got)
	}
	if got := d.VRAM()[regControl]; got != 0xc1|0x06 {
		t.Errorf("control = %#x, want %#x", got, 0xc1|0x06)
	}
	if got := d.FanMode(); got != FanMedium {
		t.Errorf("fan disturbed: %q", got)
	}

	if err := d.SetHVACMode(ctx, HVACOff); err != nil {
		t.Fatal(err)
	}
	if got := d.HVACMode(); got != HVACOff {
		t.Errorf("after off: mode = %q", got)
	}
	if err := d.TurnOn(ctx); err != nil {
		t.Fatal(err)
	}
	if got := d.HVACMode(); got != HVACAuto {
		t.Errorf("after turn on: mode = %q, want previous auto", got)
	}

	if err := d.SetHVACMode(ctx, "dry"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("dry: err = %v, want ErrInvalidArgument", err)
	}
}

func TestSetFanMode(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.SetFanMode(ctx, FanAuto); err != nil {
		t.Fatal(err)
	}
	if got := d.FanMode(); got != FanAuto {
		t.Errorf("fan = %q, want auto", got)
	}
	if got := d.HVACMode(); got != HVACCool {
		t.Errorf("mode disturbed: %q", got)
	}
	if err := d.SetFanMode(ctx, "turbo"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("turbo: err = %v, want ErrInvalidArgument", err)
	}
}

func TestTurnOnOff(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.TurnOff(ctx); err != nil {
		t.Fatal(err)
	}
	if d.IsOn() {
		t.Error("still on after TurnOff")
	}
	if err := d.TurnOn(ctx); err != nil {
		t.Fatal(err)
	}
	want := [][]int{{0, 1, 0}, {0, 1, 1}}
	if !reflect.DeepEqual(f.writes, want) {
		t.Errorf("writes = %v, want %v", f.writes, want)
	}
}

func TestZoneMutations(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.SetZoneEnabled(ctx, "Bed1", true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetZoneDamperPosition(ctx, "Bed1", 150); err != nil {
		t.Fatal(err)
	}
	if err := d.SetZoneDamperPosition(ctx, "Lounge", -10); err != nil {
		t.Fatal(err)
	}
	if err := d.SetZoneEnabled(ctx, "Lounge", false); err != nil {
		t.Fatal(err)
	}
	want := [][]int{{4, 0x80, 0x80}, {4, 0x7f, 100}, {2, 0x7f, 0}, {2, 0x80, 0}}
	if !reflect.DeepEqual(f.writes, want) {
		t.Errorf("writes = %v, want %v", f.writes, want)
	}

	on, _ := d.ZoneEnabled("Bed1")
	pos, _ := d.ZoneDamperPosition("Bed1")
	if !on || pos != 100 {
		t.Errorf("Bed1 = %v/%d, want true/100", on, pos)
	}
	on, _ = d.ZoneEnabled("Lounge")
	pos, _ = d.ZoneDamperPosition("Lounge")
	if on || pos != 0 {
		t.Errorf("Lounge = %v/%d, want false/0", on, pos)
	}
}

func TestZoneMutationUnknownZone(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.callCount()

	if err := d.SetZoneEnabled(ctx, "Study", true); !errors.Is(err, ErrUnknownZone) {
		t.Errorf("enable: err = %v, want ErrUnknownZone", err)
	}
	if err := d.SetZoneDamperPosition(ctx, "Attic", 50); !errors.Is(err, ErrUnknownZone) {
		t.Errorf("damper: err = %v, want ErrUnknownZone", err)
	}
	if got := f.callCount(); got != before {
		t.Errorf("network calls = %d, want %d", got, before)
	}
}

func TestFailedWriteLeavesCache(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	before := d.VRAM()

	f.ackWrites = false
	if err := d.SetHVACMode(ctx, HVACHeat); !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !reflect.DeepEqual(d.VRAM(), before) {
		t.Error("cache changed after failed write")
	}
}

// Writes are optimistic: the cache shows the write even though the device
// itself was not changed.
func TestWriteIsOptimistic(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.WriteVRAM(ctx, 10, 0x0f, 0xa5); err != nil {
		t.Fatal(err)
	}
	if got := d.VRAM()[10]; got != 0x05 {
		t.Errorf("cached reg = %#x, want 0x05", got)
	}
	if f.vram[10] != 0 {
		t.Errorf("fake device changed: %#x", f.vram[10])
	}

	// The next refresh replaces the block wholesale.
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if got := d.VRAM()[10]; got != 0 {
		t.Errorf("after refresh reg = %#x, want 0", got)
	}
}

func TestWriteVRAMRangeError(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	if err := d.WriteVRAM(context.Background(), 69, 1, 1); !errors.Is(err, ErrRange) {
		t.Errorf("err = %v, want ErrRange", err)
	}
	if f.callCount() != 0 {
		t.Error("range error reached the network")
	}
}

func TestConcurrentUpdateAndWrites(t *testing.T) {
	f := seededTransport()
	d := newTestDevice(f)
	ctx := context.Background()
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := d.Update(ctx); err != nil {
				t.Error(err)
			}
		}()
		go func(pct int) {
			defer wg.Done()
			if err := d.SetZoneDamperPosition(ctx, "Lounge", pct); err != nil {
				t.Error(err)
			}
			_ = d.Snapshot()
		}(i * 10)
	}
	wg.Wait()
}
