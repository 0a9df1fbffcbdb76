// Package mirror copies each device's live register block into holding
// registers of a Modbus TCP server after every refresh, so PLCs and SCADA
// tools can read the unit without speaking the chatterbox protocol.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/coordinator"
)

// Target places one device's registers on the Modbus server.
type Target struct {
	Device  string
	UnitID  uint8
	Address uint16
}

// Config holds mirror configuration.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// Pack stores two VRAM bytes per holding register (high byte first)
	// instead of one.
	Pack    bool
	Targets []Target
}

// Validate checks the configuration without connecting.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("mirror: endpoint required")
	}
	if len(c.Targets) == 0 {
		return errors.New("mirror: no targets")
	}
	seen := make(map[string]bool, len(c.Targets))
	n := blockLen(c.Pack) + 1
	for _, t := range c.Targets {
		if t.Device == "" {
			return errors.New("mirror: target without device")
		}
		if seen[t.Device] {
			return fmt.Errorf("mirror: device %q mirrored twice", t.Device)
		}
		seen[t.Device] = true
		if int(t.Address)+n > 0x10000 {
			return fmt.Errorf("mirror: device %q: address %d leaves no room for %d registers", t.Device, t.Address, n)
		}
	}
	return nil
}

// registerWriter is the part of EndpointClient the mirror uses.
type registerWriter interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
	Close() error
}

// Mirror listens for state updates and writes them out on its own goroutine.
// Only the newest pending block per device is kept.
type Mirror struct {
	coord   *coordinator.Coordinator
	client  registerWriter
	pack    bool
	targets map[string]Target
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string][]uint16

	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	unsub func()
}

// New creates a mirror writing to cfg.Endpoint.
func New(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewEndpointClient(cfg.Endpoint, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return newMirror(coord, client, cfg, logger), nil
}

func newMirror(coord *coordinator.Coordinator, client registerWriter, cfg Config, logger *slog.Logger) *Mirror {
	m := &Mirror{
		coord:   coord,
		client:  client,
		pack:    cfg.Pack,
		targets: make(map[string]Target, len(cfg.Targets)),
		logger:  logger.With("component", "mirror"),
		pending: make(map[string][]uint16),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, t := range cfg.Targets {
		m.targets[t.Device] = t
	}
	return m
}

// Start subscribes to coordinator events and starts the writer goroutine.
func (m *Mirror) Start() {
	m.unsub = m.coord.Events().OnAll(m.handleEvent)
	m.wg.Add(1)
	go m.run()
	m.logger.Info("register mirror started", "targets", len(m.targets))
}

// Stop unsubscribes, waits for the writer goroutine and closes the connection.
// Pending blocks are discarded.
func (m *Mirror) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
	close(m.done)
	m.wg.Wait()
	if err := m.client.Close(); err != nil {
		m.logger.Debug("close modbus client", "err", err)
	}
}

func (m *Mirror) handleEvent(event coordinator.Event) {
	if _, ok := m.targets[event.Device]; !ok {
		return
	}
	switch event.Type {
	case coordinator.EventStateUpdate:
		dev, err := m.coord.Device(event.Device)
		if err != nil {
			return
		}
		m.enqueue(event.Device, append(encodeBlock(dev.VRAM(), m.pack), 1))
	case coordinator.EventDeviceOffline:
		m.enqueue(event.Device, nil)
	}
}

// enqueue records the next write for a device. A nil block writes only the
// status register as offline.
func (m *Mirror) enqueue(device string, regs []uint16) {
	m.mu.Lock()
	m.pending[device] = regs
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		m.mu.Lock()
		batch := m.pending
		m.pending = make(map[string][]uint16)
		m.mu.Unlock()

		for device, regs := range batch {
			if err := m.write(m.targets[device], regs); err != nil {
				m.logger.Warn("mirror write failed", "device", device, "err", err)
			}
		}
	}
}

func (m *Mirror) write(t Target, regs []uint16) error {
	if regs == nil {
		statusAddr := t.Address + uint16(blockLen(m.pack))
		return m.client.WriteRegisters(t.UnitID, statusAddr, []uint16{0})
	}
	return m.client.WriteRegisters(t.UnitID, t.Address, regs)
}

// blockLen is the number of data registers one device occupies; the status
// register follows it.
func blockLen(pack bool) int {
	if pack {
		return (chatterbox.VRAMSize + 1) / 2
	}
	return chatterbox.VRAMSize
}

// encodeBlock lays VRAM out as holding registers.
func encodeBlock(vram []byte, pack bool) []uint16 {
	if !pack {
		regs := make([]uint16, len(vram))
		for i, b := range vram {
			regs[i] = uint16(b)
		}
		return regs
	}
	regs := make([]uint16, (len(vram)+1)/2)
	for i, b := range vram {
		if i%2 == 0 {
			regs[i/2] = uint16(b) << 8
		} else {
			regs[i/2] |= uint16(b)
		}
	}
	return regs
}
