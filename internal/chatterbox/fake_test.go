package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// fakeTransport serves fetches from in-memory VRAM/EEPROM and records writes.
type fakeTransport struct {
	mu       sync.Mutex
	vram     [VRAMSize]byte
	eeprom   [EEPROMSize]byte
	identity Identity

	calls      []any
	writes     [][]int
	infoErr    error
	callErr    error
	eepromFail map[int]int // start offset -> remaining empty responses
	ackWrites  bool        // when false, writes get an error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		identity:   Identity{MAC: "00:1e:c0:aa:bb:cc", Device: "chatterbox", Version: "1.2"},
		eepromFail: make(map[int]int),
		ackWrites:  true,
	}
}

func (f *fakeTransport) DeviceInfo(context.Context) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return Identity{}, f.infoErr
	}
	return f.identity, nil
}

func (f *fakeTransport) Call(_ context.Context, req any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.callErr != nil {
		return nil, f.callErr
	}

	switch r := req.(type) {
	case fetchRequest:
		p := r.Params[0]
		var src []byte
		switch p.Table {
		case tableVRAM:
			src = f.vram[:]
		case tableEEPROM:
			if n := f.eepromFail[p.Start]; n > 0 {
				f.eepromFail[p.Start] = n - 1
				return json.RawMessage(`[{"values":[]}]`), nil
			}
			src = f.eeprom[:]
		case tableRTC:
			return json.RawMessage(`[{"values":[5,4,13,2]}]`), nil
		default:
			return nil, fmt.Errorf("unknown table %q", p.Table)
		}
		values := make([]int, p.Length)
		for i := range values {
			values[i] = int(src[p.Start+i])
		}
		return json.Marshal([]fetchResult{{Values: values}})
	case sendPacketRequest:
		if !f.ackWrites {
			return nil, fmt.Errorf("%w: write refused", ErrConnection)
		}
		f.writes = append(f.writes, r.Params[0].Data)
		return json.RawMessage(`{"result":"ok"}`), nil
	}
	return nil, fmt.Errorf("unexpected request %T", req)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) fetchCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if r, ok := c.(fetchRequest); ok && r.Params[0].Table == table {
			n++
		}
	}
	return n
}

// setZoneName writes a padded name into EEPROM slot i.
func (f *fakeTransport) setZoneName(i int, name string) {
	slot := f.eeprom[i*8 : i*8+8]
	for j := range slot {
		slot[j] = ' '
	}
	copy(slot, name)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDevice(f *fakeTransport) *Device {
	return NewDevice("test", f, Options{Logger: testLogger()})
}
