package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

var weekdays = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Client exposes the device's VRAM, EEPROM and RTC over a Transport.
// Every range check happens before any request is sent.
type Client struct {
	transport Transport
	logger    *slog.Logger
}

// NewClient creates a Client. A nil logger uses slog.Default().
func NewClient(t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: t, logger: logger}
}

// DeviceInfo returns the device identity.
func (c *Client) DeviceInfo(ctx context.Context) (Identity, error) {
	return c.transport.DeviceInfo(ctx)
}

// ReadVRAM reads length live registers starting at offset.
func (c *Client) ReadVRAM(ctx context.Context, offset, length int) ([]byte, error) {
	if err := checkSpan(offset, length, VRAMSize); err != nil {
		return nil, fmt.Errorf("read vram: %w", err)
	}
	return c.fetch(ctx, newFetch(tableVRAM, markerVRAMRead, offset, length), length)
}

// WriteVRAM sets the bits selected by bitmask of the register at offset.
// The device acknowledgement is not inspected beyond being valid JSON.
func (c *Client) WriteVRAM(ctx context.Context, offset, bitmask, value int) error {
	if offset < 0 || offset >= VRAMSize {
		return fmt.Errorf("write vram: %w: offset %d", ErrRange, offset)
	}
	if bitmask < 1 || bitmask > 0xff {
		return fmt.Errorf("write vram: %w: bitmask %d", ErrRange, bitmask)
	}
	if value < 0 || value > 0xff {
		return fmt.Errorf("write vram: %w: value %d", ErrRange, value)
	}
	_, err := c.transport.Call(ctx, newSendPacket(markerVRAMWrite, cmdVRAMWrite, []int{offset, bitmask, value}))
	if err != nil {
		return fmt.Errorf("write vram[%d]: %w", offset, err)
	}
	return nil
}

// ReadEEPROM reads length bytes of EEPROM starting at offset.
// A response carrying fewer bytes than requested is a protocol error, so
// callers never append misaligned data.
func (c *Client) ReadEEPROM(ctx context.Context, offset, length int) ([]byte, error) {
	if err := checkSpan(offset, length, EEPROMSize); err != nil {
		return nil, fmt.Errorf("read eeprom: %w", err)
	}
	return c.fetch(ctx, newFetch(tableEEPROM, markerEEPROMRead, offset, length), length)
}

// WriteEEPROM writes one 4-byte aligned block.
func (c *Client) WriteEEPROM(ctx context.Context, offset, length int, values []byte) error {
	if err := checkSpan(offset, length, EEPROMSize); err != nil {
		return fmt.Errorf("write eeprom: %w", err)
	}
	if length != 4 || offset%4 != 0 || len(values) != 4 {
		return fmt.Errorf("write eeprom: %w: only 4-byte-aligned blocks may be written", ErrRange)
	}
	data := make([]int, len(values))
	for i, v := range values {
		data[i] = int(v)
	}
	if _, err := c.transport.Call(ctx, newSendPacket(markerEEPROMWrite, cmdEEPROMWrite, data)); err != nil {
		return fmt.Errorf("write eeprom[%d]: %w", offset, err)
	}
	return nil
}

// ReadRTC returns the device clock as "Day HH:MM:SS". An unexpected response
// shape is logged and yields an empty string with a nil error.
func (c *Client) ReadRTC(ctx context.Context) (string, error) {
	raw, err := c.transport.Call(ctx, newFetch(tableRTC, markerRTCRead, 0, 4))
	if err != nil {
		return "", fmt.Errorf("read rtc: %w", err)
	}
	values, err := decodeFetch(raw)
	if err != nil || len(values) < 4 {
		c.logger.Warn("unexpected rtc response", "err", err, "body", string(raw))
		return "", nil
	}
	sec, minute, hour, day := values[0], values[1], values[2], values[3]
	if int(day) >= len(weekdays) {
		c.logger.Warn("rtc weekday out of range", "weekday", day)
		return "", nil
	}
	return fmt.Sprintf("%s %02d:%02d:%02d", weekdays[day], hour, minute, sec), nil
}

// WriteRTC is not supported by this client.
func (c *Client) WriteRTC(context.Context) error {
	return fmt.Errorf("write rtc: %w", ErrNotImplemented)
}

func (c *Client) fetch(ctx context.Context, req fetchRequest, length int) ([]byte, error) {
	p := req.Params[0]
	raw, err := c.transport.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s[%d:%d]: %w", p.Table, p.Start, p.Start+length, err)
	}
	values, err := decodeFetch(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch %s[%d:%d]: %w", p.Table, p.Start, p.Start+length, err)
	}
	if len(values) != length {
		return nil, fmt.Errorf("fetch %s[%d:%d]: %w: got %d bytes", p.Table, p.Start, p.Start+length, ErrProtocol, len(values))
	}
	return values, nil
}

// decodeFetch extracts element 0's values from a fetch response.
func decodeFetch(raw json.RawMessage) ([]byte, error) {
	var results []fetchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("%w: decode fetch response: %v", ErrProtocol, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: empty fetch response", ErrProtocol)
	}
	out := make([]byte, len(results[0].Values))
	for i, v := range results[0].Values {
		if v < 0 || v > 0xff {
			return nil, fmt.Errorf("%w: value %d at %d is not a byte", ErrProtocol, v, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func checkSpan(offset, length, size int) error {
	if offset < 0 {
		return fmt.Errorf("%w: offset %d", ErrRange, offset)
	}
	if length < 0 || offset+length > size {
		return fmt.Errorf("%w: length %d at offset %d exceeds %d", ErrRange, length, offset, size)
	}
	return nil
}
