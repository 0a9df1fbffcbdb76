// Package chatterboxtest provides an in-memory chatterbox for tests of code
// built on package chatterbox.
package chatterboxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"chatterbox-go-home/internal/chatterbox"
)

// Register offsets and EEPROM slot layout used by SetZone.
const (
	regZoneBase = 2
	regZoneMask = 39

	maxZones    = 8
	zoneNameLen = 8
)

// Write is one masked VRAM write received by the Device.
type Write struct {
	Offset int
	Mask   int
	Value  int
}

// Device emulates a chatterbox. It implements chatterbox.Transport and can
// serve the HTTP protocol through Handler. Masked writes are applied to its
// memory the way the real controller does.
type Device struct {
	mu       sync.Mutex
	vram     [chatterbox.VRAMSize]byte
	eeprom   [chatterbox.EEPROMSize]byte
	identity chatterbox.Identity
	err      error
	writes   []Write
	calls    int
}

// New returns a powered-off device with no zones.
func New() *Device {
	return &Device{
		identity: chatterbox.Identity{MAC: "00:1e:c0:12:34:56", Device: "chatterbox", Version: "2.0"},
	}
}

// SetIdentity replaces the device-info reply.
func (d *Device) SetIdentity(id chatterbox.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = id
}

// SetZone names zone slot i, marks it present in the zone mask and sets its
// enable bit and damper position. It panics if i is not 0-7 or name does not
// fit the 8-byte EEPROM slot.
func (d *Device) SetZone(i int, name string, enabled bool, damper int) {
	if i < 0 || i >= maxZones {
		panic(fmt.Sprintf("chatterboxtest: zone index %d out of range", i))
	}
	if len(name) > zoneNameLen {
		panic(fmt.Sprintf("chatterboxtest: zone name %q is longer than %d bytes", name, zoneNameLen))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.eeprom[i*zoneNameLen : (i+1)*zoneNameLen]
	for j := range slot {
		slot[j] = ' '
	}
	copy(slot, name)
	d.vram[regZoneMask] |= 1 << i
	v := byte(damper) & 0x7f
	if enabled {
		v |= 0x80
	}
	d.vram[regZoneBase+i] = v
}

// SetReg sets one VRAM register.
func (d *Device) SetReg(offset int, v byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vram[offset] = v
}

// Reg returns one VRAM register as the device holds it.
func (d *Device) Reg(offset int) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vram[offset]
}

// Fail makes every following request return err. nil restores service.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Writes returns the VRAM writes received so far.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Calls returns the number of Call requests received.
func (d *Device) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// DeviceInfo implements chatterbox.Transport.
func (d *Device) DeviceInfo(context.Context) (chatterbox.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return chatterbox.Identity{}, d.err
	}
	return d.identity, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []struct {
		Table  string `json:"table"`
		Start  int    `json:"start"`
		Length int    `json:"length"`
		Marker string `json:"marker"`
		Cmd    int    `json:"cmd"`
		Data   []int  `json:"data"`
	} `json:"params"`
}

// Call implements chatterbox.Transport.
func (d *Device) Call(_ context.Context, req any) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return d.handle(body)
}

func (d *Device) handle(body []byte) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}

	var r rpcRequest
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if len(r.Params) != 1 {
		return nil, fmt.Errorf("want 1 param, got %d", len(r.Params))
	}
	p := r.Params[0]

	switch r.Method {
	case "fetch":
		var src []byte
		switch p.Table {
		case "paray":
			src = d.vram[:]
		case "ee":
			src = d.eeprom[:]
		case "rtc":
			return json.RawMessage(`[{"values":[30,15,9,1]}]`), nil
		default:
			return nil, fmt.Errorf("unknown table %q", p.Table)
		}
		if p.Start < 0 || p.Length < 0 || p.Start+p.Length > len(src) {
			return json.RawMessage(`[{"values":[]}]`), nil
		}
		values := make([]int, p.Length)
		for i := range values {
			values[i] = int(src[p.Start+i])
		}
		return json.Marshal([]map[string]any{{"values": values}})
	case "send_packet":
		if p.Marker == "paw" && len(p.Data) == 3 {
			off, mask, val := p.Data[0], p.Data[1], p.Data[2]
			d.vram[off] = (d.vram[off] &^ byte(mask)) | (byte(val) & byte(mask))
			d.writes = append(d.writes, Write{Offset: off, Mask: mask, Value: val})
		}
		return json.RawMessage(`{"result":"ok"}`), nil
	}
	return nil, fmt.Errorf("unknown method %q", r.Method)
}

// Handler serves the device's HTTP protocol from d.
func (d *Device) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /lv-lan-cboxes.json", func(w http.ResponseWriter, r *http.Request) {
		id, err := d.DeviceInfo(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"local": id})
	})
	mux.HandleFunc("POST /ZPlus/file.lvjson", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := d.handle(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})
	return mux
}
