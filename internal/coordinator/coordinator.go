package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/store"
)

// ErrUnknownDevice is returned for a device name that was never added.
var ErrUnknownDevice = errors.New("unknown device")

const (
	DefaultPollInterval = 30 * time.Second
	DefaultTimeout      = 10 * time.Second
)

// DeviceConfig describes one chatterbox to manage.
type DeviceConfig struct {
	Name               string
	Host               string
	PollInterval       time.Duration
	Timeout            time.Duration
	EEPROMChunkRetries int
	UseLoadedFlag      bool
}

type managedDevice struct {
	dev *chatterbox.Device
	cfg DeviceConfig

	mu      sync.Mutex
	known   bool // online has been decided at least once
	online  bool
	lastErr string
	seen    time.Time // last successful refresh
	zones   []string
}

// Coordinator owns the configured devices, polls them and publishes what
// changed on the event bus.
type Coordinator struct {
	store  store.Store
	events *EventBus
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*managedDevice

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Coordinator. st may be nil to run without persistence.
func New(st store.Store, events *EventBus, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:   st,
		events:  events,
		logger:  logger.With("component", "coordinator"),
		devices: make(map[string]*managedDevice),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddDevice registers a device. t may be nil, in which case an HTTP
// transport to cfg.Host is used.
func (c *Coordinator) AddDevice(cfg DeviceConfig, t chatterbox.Transport) error {
	if cfg.Name == "" {
		return fmt.Errorf("add device: empty name")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if t == nil {
		if cfg.Host == "" {
			return fmt.Errorf("add device %s: empty host", cfg.Name)
		}
		t = chatterbox.NewHTTPTransport(cfg.Host, cfg.Timeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[cfg.Name]; ok {
		return fmt.Errorf("add device %s: already added", cfg.Name)
	}
	dev := chatterbox.NewDevice(cfg.Name, t, chatterbox.Options{
		Logger:             c.logger,
		EEPROMChunkRetries: cfg.EEPROMChunkRetries,
		UseLoadedFlag:      cfg.UseLoadedFlag,
	})
	c.devices[cfg.Name] = &managedDevice{dev: dev, cfg: cfg}
	c.registerDevice(cfg)
	return nil
}

func (c *Coordinator) registerDevice(cfg DeviceConfig) {
	if c.store == nil {
		return
	}
	_, err := c.store.GetDevice(cfg.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = c.store.SaveDevice(&store.Device{
			Name:      cfg.Name,
			Host:      cfg.Host,
			FirstSeen: time.Now(),
		})
	case err == nil:
		err = c.store.UpdateDevice(cfg.Name, func(d *store.Device) error {
			d.Host = cfg.Host
			return nil
		})
	}
	if err != nil {
		c.logger.Error("register device", "device", cfg.Name, "err", err)
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start launches one poll loop per device. Each loop refreshes immediately
// and then on its own interval; cycles of one device never overlap.
func (c *Coordinator) Start() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.devices {
		c.wg.Add(1)
		go c.pollLoop(m)
	}
	c.logger.Info("coordinator started", "devices", len(c.devices))
}

// Stop cancels the poll loops and waits for them to return.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) pollLoop(m *managedDevice) {
	defer c.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.refresh(c.ctx, m); err != nil && c.ctx.Err() == nil {
			c.logger.Debug("poll failed", "device", m.cfg.Name, "err", err)
		}
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh runs one Update cycle for the named device now.
func (c *Coordinator) Refresh(ctx context.Context, name string) (chatterbox.State, error) {
	m, err := c.lookup(name)
	if err != nil {
		return chatterbox.State{}, err
	}
	return c.refresh(ctx, m)
}

func (c *Coordinator) refresh(ctx context.Context, m *managedDevice) (chatterbox.State, error) {
	name := m.cfg.Name
	if err := m.dev.Update(ctx); err != nil {
		if ctx.Err() != nil {
			return chatterbox.State{}, err
		}
		c.markOffline(m, err)
		return chatterbox.State{}, err
	}

	st := m.dev.Snapshot()
	c.markOnline(m, st)
	c.events.Emit(Event{Type: EventStateUpdate, Device: name, Data: st})
	return st, nil
}

func (c *Coordinator) markOnline(m *managedDevice, st chatterbox.State) {
	m.mu.Lock()
	cameOnline := !m.known || !m.online
	m.known, m.online, m.lastErr = true, true, ""
	m.seen = st.UpdatedAt
	zones := m.dev.Zones()
	zonesChanged := !slices.Equal(zones, m.zones)
	m.zones = zones
	m.mu.Unlock()

	if cameOnline {
		c.logger.Info("device online", "device", st.Name, "mac", st.Identity.MAC, "version", st.Identity.Version)
		c.events.Emit(Event{Type: EventDeviceOnline, Device: st.Name, Data: st.Identity})
	}
	if zonesChanged {
		c.events.Emit(Event{Type: EventZonesChanged, Device: st.Name, Data: zones})
	}

	if c.store == nil {
		return
	}
	err := c.store.UpdateDevice(st.Name, func(d *store.Device) error {
		d.UniqueID = st.UniqueID
		d.MAC = st.Identity.MAC
		d.Model = st.Identity.Device
		d.Version = st.Identity.Version
		d.Zones = d.Zones[:0]
		for _, z := range st.Zones {
			d.Zones = append(d.Zones, store.Zone{Name: z.Name, Index: z.Index})
		}
		d.Online = true
		d.LastError = ""
		d.LastSeen = st.UpdatedAt
		return nil
	})
	if err != nil {
		c.logger.Error("persist device", "device", st.Name, "err", err)
	}
}

func (c *Coordinator) markOffline(m *managedDevice, cause error) {
	name := m.cfg.Name
	m.mu.Lock()
	wentOffline := !m.known || m.online
	m.known, m.online, m.lastErr = true, false, cause.Error()
	m.mu.Unlock()

	if !wentOffline {
		return
	}
	c.logger.Warn("device offline", "device", name, "err", cause)
	c.events.Emit(Event{Type: EventDeviceOffline, Device: name, Data: map[string]any{"error": cause.Error()}})

	if c.store == nil {
		return
	}
	err := c.store.UpdateDevice(name, func(d *store.Device) error {
		d.Online = false
		d.LastError = cause.Error()
		return nil
	})
	if err != nil {
		c.logger.Error("persist device", "device", name, "err", err)
	}
}

func (c *Coordinator) lookup(name string) (*managedDevice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return m, nil
}

// Device returns the named device.
func (c *Coordinator) Device(name string) (*chatterbox.Device, error) {
	m, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return m.dev, nil
}

// Devices returns all devices ordered by name.
func (c *Coordinator) Devices() []*chatterbox.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*chatterbox.Device, 0, len(c.devices))
	for _, m := range c.devices {
		out = append(out, m.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// DeviceStatus is the reachability of one device as seen by the poll loop.
type DeviceStatus struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Online    bool      `json:"online"`
	LastError string    `json:"last_error,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Status returns the reachability of the named device.
func (c *Coordinator) Status(name string) (DeviceStatus, error) {
	m, err := c.lookup(name)
	if err != nil {
		return DeviceStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return DeviceStatus{Name: name, Host: m.cfg.Host, Online: m.online, LastError: m.lastErr, LastSeen: m.seen}, nil
}

// Registry returns the persisted records of every device ever added, in name
// order. It returns nil without a store.
func (c *Coordinator) Registry() ([]*store.Device, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListDevices()
}

// PruneRegistry deletes persisted records of devices that are no longer
// configured and returns their names.
func (c *Coordinator) PruneRegistry() ([]string, error) {
	if c.store == nil {
		return nil, nil
	}
	records, err := c.store.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("prune registry: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var pruned []string
	for _, rec := range records {
		if _, ok := c.devices[rec.Name]; ok {
			continue
		}
		if err := c.store.DeleteDevice(rec.Name); err != nil {
			return pruned, fmt.Errorf("prune registry: %s: %w", rec.Name, err)
		}
		pruned = append(pruned, rec.Name)
	}
	if len(pruned) > 0 {
		c.logger.Info("pruned stale devices", "devices", pruned)
	}
	return pruned, nil
}

// Store returns the store, which may be nil.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
