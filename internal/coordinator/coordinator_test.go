package coordinator

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/chatterbox/chatterboxtest"
	"chatterbox-go-home/internal/store"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.Name] = &cp
	return nil
}

func (m *memStore) GetDevice(name string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) DeleteDevice(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, name)
	return nil
}

func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		list = append(list, &cp)
	}
	return list, nil
}

func (m *memStore) UpdateDevice(name string, fn func(*store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	if !ok {
		return store.ErrNotFound
	}
	cp := *d
	if err := fn(&cp); err != nil {
		return err
	}
	m.devices[name] = &cp
	return nil
}

func (m *memStore) Close() error { return nil }

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func newFakeDevice() *chatterboxtest.Device {
	fd := chatterboxtest.New()
	fd.SetZone(0, "Lounge", true, 60)
	fd.SetZone(2, "Bed1", false, 30)
	fd.SetReg(0, 0x41|0x04) // on, cool, low fan
	fd.SetReg(1, 0)         // 22.5 °C
	fd.SetReg(67, 46)
	return fd
}

func newTestCoordinator(t *testing.T) (*Coordinator, *memStore, *recorder, *chatterboxtest.Device) {
	t.Helper()
	ms := newMemStore()
	c := New(ms, NewEventBus(newTestLogger()), newTestLogger())
	rec := &recorder{}
	c.Events().OnAll(rec.handle)
	fd := newFakeDevice()
	if err := c.AddDevice(DeviceConfig{Name: "house", Host: "10.0.0.5"}, fd); err != nil {
		t.Fatal(err)
	}
	return c, ms, rec, fd
}

func TestAddDeviceRegistersInStore(t *testing.T) {
	_, ms, _, _ := newTestCoordinator(t)

	d, err := ms.GetDevice("house")
	if err != nil {
		t.Fatal(err)
	}
	if d.Host != "10.0.0.5" {
		t.Errorf("host = %q, want 10.0.0.5", d.Host)
	}
	if d.FirstSeen.IsZero() {
		t.Error("first_seen not set")
	}
}

func TestAddDeviceRejectsDuplicatesAndBadConfig(t *testing.T) {
	c, _, _, fd := newTestCoordinator(t)

	if err := c.AddDevice(DeviceConfig{Name: "house"}, fd); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := c.AddDevice(DeviceConfig{Host: "x"}, fd); err == nil {
		t.Error("empty name accepted")
	}
	if err := c.AddDevice(DeviceConfig{Name: "nohost"}, nil); err == nil {
		t.Error("empty host accepted without transport")
	}
}

func TestAddDeviceUpdatesKnownHost(t *testing.T) {
	ms := newMemStore()
	ms.SaveDevice(&store.Device{Name: "house", Host: "old", UniqueID: "abc"})
	c := New(ms, NewEventBus(newTestLogger()), newTestLogger())
	if err := c.AddDevice(DeviceConfig{Name: "house", Host: "new"}, chatterboxtest.New()); err != nil {
		t.Fatal(err)
	}
	d, _ := ms.GetDevice("house")
	if d.Host != "new" || d.UniqueID != "abc" {
		t.Errorf("record = %+v", d)
	}
}

func TestRefreshPublishesAndPersists(t *testing.T) {
	c, ms, rec, _ := newTestCoordinator(t)

	st, err := c.Refresh(context.Background(), "house")
	if err != nil {
		t.Fatal(err)
	}
	if st.HVACMode != chatterbox.HVACCool || st.FanMode != chatterbox.FanLow {
		t.Errorf("state = %s/%s", st.HVACMode, st.FanMode)
	}
	if st.CurrentTemperature != 23 {
		t.Errorf("current = %v, want 23", st.CurrentTemperature)
	}

	want := []string{EventDeviceOnline, EventZonesChanged, EventStateUpdate}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	d, err := ms.GetDevice("house")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Online || d.UniqueID != "001ec0123456" || d.Model != "chatterbox" {
		t.Errorf("record = %+v", d)
	}
	if len(d.Zones) != 2 || d.Zones[1].Name != "Bed1" || d.Zones[1].Index != 2 {
		t.Errorf("zones = %+v", d.Zones)
	}
	if d.LastSeen.IsZero() {
		t.Error("last_seen not set")
	}

	// A second refresh with nothing new only publishes state.
	if _, err := c.Refresh(context.Background(), "house"); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(EventDeviceOnline); n != 1 {
		t.Errorf("online events = %d, want 1", n)
	}
	if n := rec.count(EventZonesChanged); n != 1 {
		t.Errorf("zones events = %d, want 1", n)
	}
	if n := rec.count(EventStateUpdate); n != 2 {
		t.Errorf("state events = %d, want 2", n)
	}
}

func TestRefreshOfflineTransitions(t *testing.T) {
	c, ms, rec, fd := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Refresh(ctx, "house"); err != nil {
		t.Fatal(err)
	}

	fd.Fail(chatterbox.ErrConnection)
	for i := 0; i < 2; i++ {
		if _, err := c.Refresh(ctx, "house"); !errors.Is(err, chatterbox.ErrConnection) {
			t.Fatalf("err = %v, want ErrConnection", err)
		}
	}
	if n := rec.count(EventDeviceOffline); n != 1 {
		t.Errorf("offline events = %d, want 1", n)
	}
	status, _ := c.Status("house")
	if status.Online || status.LastError == "" {
		t.Errorf("status = %+v", status)
	}
	d, _ := ms.GetDevice("house")
	if d.Online || d.LastError == "" {
		t.Errorf("record = %+v", d)
	}

	fd.Fail(nil)
	if _, err := c.Refresh(ctx, "house"); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(EventDeviceOnline); n != 2 {
		t.Errorf("online events = %d, want 2", n)
	}
	status, _ = c.Status("house")
	if !status.Online || status.LastError != "" || status.LastSeen.IsZero() {
		t.Errorf("status = %+v", status)
	}
}

func TestUnknownDevice(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Refresh(ctx, "attic"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("refresh: err = %v", err)
	}
	if _, err := c.Device("attic"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("device: err = %v", err)
	}
	if _, err := c.Apply(ctx, "attic", Command{Power: ptr(true)}); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("apply: err = %v", err)
	}
}

func TestDevicesSortedByName(t *testing.T) {
	c := New(nil, NewEventBus(newTestLogger()), newTestLogger())
	for _, name := range []string{"upstairs", "garage", "house"} {
		if err := c.AddDevice(DeviceConfig{Name: name}, chatterboxtest.New()); err != nil {
			t.Fatal(err)
		}
	}
	devs := c.Devices()
	want := []string{"garage", "house", "upstairs"}
	for i, d := range devs {
		if d.Name() != want[i] {
			t.Errorf("devices[%d] = %q, want %q", i, d.Name(), want[i])
		}
	}
}

func TestStartPollsUntilStop(t *testing.T) {
	c := New(nil, NewEventBus(newTestLogger()), newTestLogger())
	fd := newFakeDevice()
	if err := c.AddDevice(DeviceConfig{Name: "house", PollInterval: 10 * time.Millisecond}, fd); err != nil {
		t.Fatal(err)
	}
	updates := make(chan struct{}, 16)
	c.Events().On(EventStateUpdate, func(Event) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	c.Start()
	for i := 0; i < 3; i++ {
		select {
		case <-updates:
		case <-time.After(2 * time.Second):
			t.Fatalf("poll %d did not happen", i)
		}
	}
	c.Stop()

	calls := fd.Calls()
	time.Sleep(30 * time.Millisecond)
	if fd.Calls() != calls {
		t.Error("polling continued after Stop")
	}
}

func TestRefreshOverHTTP(t *testing.T) {
	fd := newFakeDevice()
	srv := httptest.NewServer(fd.Handler())
	defer srv.Close()

	c := New(nil, NewEventBus(newTestLogger()), newTestLogger())
	if err := c.AddDevice(DeviceConfig{Name: "house", Host: srv.URL}, nil); err != nil {
		t.Fatal(err)
	}
	st, err := c.Refresh(context.Background(), "house")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Zones) != 2 || st.Zones[0].DamperPosition != 60 {
		t.Errorf("zones = %+v", st.Zones)
	}
}

func TestPruneRegistry(t *testing.T) {
	c, ms, _, _ := newTestCoordinator(t)
	if err := ms.SaveDevice(&store.Device{Name: "old-attic", Host: "10.0.0.9"}); err != nil {
		t.Fatal(err)
	}

	pruned, err := c.PruneRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 1 || pruned[0] != "old-attic" {
		t.Errorf("pruned = %v, want [old-attic]", pruned)
	}
	recs, err := c.Registry()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Name != "house" {
		t.Errorf("registry after prune = %d records", len(recs))
	}
}

func TestRegistryWithoutStore(t *testing.T) {
	c := New(nil, NewEventBus(newTestLogger()), newTestLogger())
	recs, err := c.Registry()
	if recs != nil || err != nil {
		t.Errorf("Registry() = %v, %v", recs, err)
	}
	if pruned, err := c.PruneRegistry(); pruned != nil || err != nil {
		t.Errorf("PruneRegistry() = %v, %v", pruned, err)
	}
}
