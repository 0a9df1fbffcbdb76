package chatterbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestReadVRAMRangeChecks(t *testing.T) {
	f := newFakeTransport()
	c := NewClient(f, testLogger())
	ctx := context.Background()

	tests := []struct {
		name           string
		offset, length int
	}{
		{"negative offset", -1, 4},
		{"past end", 60, 10},
		{"negative length", 0, -1},
		{"offset at end with length", 69, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ReadVRAM(ctx, tt.offset, tt.length)
			if !errors.Is(err, ErrRange) {
				t.Fatalf("err = %v, want ErrRange", err)
			}
		})
	}
	if n := f.callCount(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestReadEEPROMRangeChecks(t *testing.T) {
	f := newFakeTransport()
	c := NewClient(f, testLogger())

	if _, err := c.ReadEEPROM(context.Background(), -1, 1); !errors.Is(err, ErrRange) {
		t.Errorf("offset -1: err = %v, want ErrRange", err)
	}
	if _, err := c.ReadEEPROM(context.Background(), 100, 51); !errors.Is(err, ErrRange) {
		t.Errorf("100+51: err = %v, want ErrRange", err)
	}
	if _, err := c.ReadEEPROM(context.Background(), 22, 128); err != nil {
		t.Errorf("22+128: unexpected err %v", err)
	}
	if n := f.fetchCount(tableEEPROM); n != 1 {
		t.Errorf("eeprom fetches = %d, want 1", n)
	}
}

func TestReadVRAMRequestShape(t *testing.T) {
	f := newFakeTransport()
	f.vram[3] = 0x85
	c := NewClient(f, testLogger())

	got, err := c.ReadVRAM(context.Background(), 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[1] != 0x85 {
		t.Errorf("values = %v, want 4 bytes with [1]=0x85", got)
	}

	data, err := json.Marshal(f.calls[0])
	if err != nil {
		t.Fatal(err)
	}
	want := `{"method":"fetch","params":[{"table":"paray","start":2,"marker":"rot0","length":4,"datatype":"bytes"}]}`
	if string(data) != want {
		t.Errorf("request = %s\nwant      %s", data, want)
	}
}

func TestWriteVRAMValidation(t *testing.T) {
	f := newFakeTransport()
	c := NewClient(f, testLogger())
	ctx := context.Background()

	bad := []struct {
		name                string
		offset, mask, value int
	}{
		{"offset negative", -1, 1, 1},
		{"offset 69", 69, 1, 1},
		{"mask zero", 0, 0, 1},
		{"mask 256", 0, 256, 1},
		{"value negative", 0, 1, -1},
		{"value 256", 0, 1, 256},
	}
	for _, tt := range bad {
		if err := c.WriteVRAM(ctx, tt.offset, tt.mask, tt.value); !errors.Is(err, ErrRange) {
			t.Errorf("%s: err = %v, want ErrRange", tt.name, err)
		}
	}
	if n := f.callCount(); n != 0 {
		t.Fatalf("network calls = %d, want 0", n)
	}

	if err := c.WriteVRAM(ctx, 68, 0xff, 0); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(f.calls[0])
	want := `{"method":"send_packet","id":1,"params":[{"marker":"paw","cmd":0,"data":[68,255,0]}]}`
	if string(data) != want {
		t.Errorf("request = %s\nwant      %s", data, want)
	}
}

func TestWriteEEPROMAlignment(t *testing.T) {
	f := newFakeTransport()
	c := NewClient(f, testLogger())
	ctx := context.Background()

	if err := c.WriteEEPROM(ctx, 2, 4, []byte{1, 2, 3, 4}); !errors.Is(err, ErrRange) {
		t.Errorf("unaligned: err = %v, want ErrRange", err)
	}
	if err := c.WriteEEPROM(ctx, 0, 3, []byte{1, 2, 3}); !errors.Is(err, ErrRange) {
		t.Errorf("short: err = %v, want ErrRange", err)
	}
	if err := c.WriteEEPROM(ctx, 0, 4, []byte{1, 2, 3}); !errors.Is(err, ErrRange) {
		t.Errorf("len mismatch: err = %v, want ErrRange", err)
	}
	if err := c.WriteEEPROM(ctx, 148, 4, []byte{1, 2, 3, 4}); !errors.Is(err, ErrRange) {
		t.Errorf("past end: err = %v, want ErrRange", err)
	}
	if n := f.callCount(); n != 0 {
		t.Fatalf("network calls = %d, want 0", n)
	}

	if err := c.WriteEEPROM(ctx, 8, 4, []byte{'B', 'e', 'd', '1'}); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(f.calls[0])
	want := `{"method":"send_packet","id":1,"params":[{"marker":"eew","cmd":7,"data":[66,101,100,49]}]}`
	if string(data) != want {
		t.Errorf("request = %s\nwant      %s", data, want)
	}
}

func TestReadRTC(t *testing.T) {
	f := newFakeTransport()
	c := NewClient(f, testLogger())

	got, err := c.ReadRTC(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "Tue 13:04:05" {
		t.Errorf("rtc = %q, want %q", got, "Tue 13:04:05")
	}
}

type rawTransport struct {
	body string
}

func (r rawTransport) DeviceInfo(context.Context) (Identity, error) { return Identity{}, nil }
func (r rawTransport) Call(context.Context, any) (json.RawMessage, error) {
	return json.RawMessage(r.body), nil
}

func TestReadRTCUnexpectedShape(t *testing.T) {
	for _, body := range []string{`{"error":"nope"}`, `[]`, `[{"values":[1,2]}]`, `[{"values":[1,2,3,9]}]`} {
		c := NewClient(rawTransport{body: body}, testLogger())
		got, err := c.ReadRTC(context.Background())
		if err != nil {
			t.Errorf("%s: err = %v, want nil", body, err)
		}
		if got != "" {
			t.Errorf("%s: rtc = %q, want empty", body, got)
		}
	}
}

func TestWriteRTCNotImplemented(t *testing.T) {
	c := NewClient(newFakeTransport(), testLogger())
	if err := c.WriteRTC(context.Background()); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}
}

func TestFetchMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"object instead of array", `{"values":[1]}`},
		{"empty array", `[]`},
		{"missing values", `[{}]`},
		{"short values", `[{"values":[1,2]}]`},
		{"non-byte value", `[{"values":[1,2,300]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(rawTransport{body: tt.body}, testLogger())
			_, err := c.ReadVRAM(context.Background(), 0, 3)
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("err = %v, want ErrProtocol", err)
			}
		})
	}
}
