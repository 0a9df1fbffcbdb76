// Package console provides an interactive shell for one chatterbox: decoded
// state, raw register dumps and masked writes.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"chatterbox-go-home/internal/chatterbox"
)

// Shell is an interactive session bound to one device.
type Shell struct {
	dev     *chatterbox.Device
	rl      *readline.Instance
	out     io.Writer
	timeout time.Duration
}

// New creates a shell with a readline prompt named name. Attach a device
// before calling Run.
func New(name string, timeout time.Duration) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          name + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("create readline: %w", err)
	}
	s := newShell(nil, rl.Stdout(), timeout)
	s.rl = rl
	return s, nil
}

// Attach binds the shell to dev.
func (s *Shell) Attach(dev *chatterbox.Device) {
	s.dev = dev
}

func newShell(dev *chatterbox.Device, out io.Writer, timeout time.Duration) *Shell {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Shell{dev: dev, out: out, timeout: timeout}
}

// Stdout returns a writer that keeps log output from garbling the prompt.
func (s *Shell) Stdout() io.Writer {
	if s.rl != nil {
		return s.rl.Stdout()
	}
	return s.out
}

func completer() *readline.PrefixCompleter {
	modes := make([]readline.PrefixCompleterInterface, 0)
	for _, m := range chatterbox.HVACModes() {
		modes = append(modes, readline.PcItem(string(m)))
	}
	fans := make([]readline.PrefixCompleterInterface, 0)
	for _, f := range chatterbox.FanModes() {
		fans = append(fans, readline.PcItem(strings.ReplaceAll(string(f), " ", "_")))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("info"),
		readline.PcItem("refresh"),
		readline.PcItem("state"),
		readline.PcItem("zones"),
		readline.PcItem("vram"),
		readline.PcItem("eeprom"),
		readline.PcItem("read", readline.PcItem("vram"), readline.PcItem("eeprom")),
		readline.PcItem("write"),
		readline.PcItem("eewrite"),
		readline.PcItem("rtc"),
		readline.PcItem("set",
			readline.PcItem("temp"),
			readline.PcItem("mode", modes...),
			readline.PcItem("fan", fans...),
			readline.PcItem("power", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("zone"),
			readline.PcItem("damper"),
		),
		readline.PcItem("quit"),
	)
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context) {
	defer s.rl.Close()
	stop := context.AfterFunc(ctx, func() { s.rl.Close() })
	defer stop()
	s.printHelp()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			return
		}
		if s.Exec(ctx, line) {
			return
		}
	}
}

// Exec runs one command line. It reports true when the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "info":
		s.cmdInfo()
	case "refresh", "r":
		err = s.cmdRefresh(ctx)
	case "state", "s":
		s.cmdState()
	case "zones", "z":
		s.cmdZones()
	case "vram":
		err = s.cmdDump("vram", s.dev.VRAM(), args)
	case "eeprom":
		err = s.cmdDump("eeprom", s.dev.EEPROM(), args)
	case "read":
		err = s.cmdRead(ctx, args)
	case "write", "w":
		err = s.cmdWrite(ctx, args)
	case "eewrite":
		err = s.cmdEEWrite(ctx, args)
	case "rtc":
		err = s.cmdRTC(ctx)
	case "set":
		if err = s.cmdSet(ctx, args); err == nil {
			fmt.Fprintln(s.out, "OK")
		}
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Chatterbox Commands:
  Device:
    info                      - Identity and cache status
    refresh                   - Read registers from the device
    state                     - Decoded climate state
    zones                     - Zone table with enable/damper values
    rtc                       - Read the device clock

  Registers:
    vram [off [len]]          - Dump cached live registers
    eeprom [off [len]]        - Dump cached EEPROM image
    read vram|eeprom off len  - Read registers from the device
    write off mask value      - Masked write to a live register
    eewrite off b0 b1 b2 b3   - Write a 4-byte aligned EEPROM block

  Control:
    set temp <celsius>
    set mode <off|vent|cool|heat|auto>
    set fan <off|ultra_low|low|medium|high|auto>
    set power <on|off>
    set zone <name> <on|off>
    set damper <name> <percent>

  Other:
    help                      - Show this help
    quit                      - Exit

Numbers accept 0x (hex) and 0b (binary) prefixes.`)
}

func (s *Shell) cmdInfo() {
	id := s.dev.Identity()
	fmt.Fprintf(s.out, "Name:      %s\n", s.dev.Name())
	fmt.Fprintf(s.out, "Model:     %s\n", orDash(id.Device))
	fmt.Fprintf(s.out, "Version:   %s\n", orDash(id.Version))
	fmt.Fprintf(s.out, "MAC:       %s\n", orDash(id.MAC))
	fmt.Fprintf(s.out, "Unique ID: %s\n", orDash(s.dev.UniqueID()))
	fmt.Fprintf(s.out, "EEPROM:    loaded=%v\n", s.dev.EEPROMLoaded())
}

func (s *Shell) cmdRefresh(ctx context.Context) error {
	if err := s.dev.Update(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) cmdState() {
	st := s.dev.Snapshot()
	power := "off"
	if st.On {
		power = "on"
	}
	fmt.Fprintf(s.out, "Power:        %s\n", power)
	fmt.Fprintf(s.out, "Mode:         %s\n", st.HVACMode)
	fmt.Fprintf(s.out, "Fan:          %s\n", st.FanMode)
	fmt.Fprintf(s.out, "Status:       %s\n", st.Status)
	fmt.Fprintf(s.out, "Target:       %.1f °C\n", st.TargetTemperature)
	fmt.Fprintf(s.out, "Current:      %.1f °C\n", st.CurrentTemperature)
	fmt.Fprintf(s.out, "Outside coil: %.1f °C\n", st.OutsideCoilTemperature)
	fmt.Fprintf(s.out, "Inside coil:  %.1f °C\n", st.InsideCoilTemperature)
	fmt.Fprintf(s.out, "Discharge:    %.1f °C\n", st.DischargeTemperature)
	fmt.Fprintf(s.out, "Compressor:   %d%%\n", st.CompressorLoading)
}

func (s *Shell) cmdZones() {
	zones := s.dev.Snapshot().Zones
	if len(zones) == 0 {
		fmt.Fprintln(s.out, "No zones")
		return
	}
	fmt.Fprintf(s.out, "%-3s %-16s %-4s %7s %9s\n", "#", "Name", "On", "Damper", "Measured")
	for _, z := range zones {
		on := "no"
		if z.Enabled {
			on = "yes"
		}
		fmt.Fprintf(s.out, "%-3d %-16s %-4s %6d%% %8d%%\n", z.Index, z.Name, on, z.DamperPosition, z.MeasuredDamperPosition)
	}
}

func (s *Shell) cmdDump(name string, buf []byte, args []string) error {
	off, n := 0, len(buf)
	if len(args) > 0 {
		v, err := parseInt(args[0])
		if err != nil {
			return err
		}
		off, n = v, len(buf)-v
	}
	if len(args) > 1 {
		v, err := parseInt(args[1])
		if err != nil {
			return err
		}
		n = v
	}
	if off < 0 || n < 0 || off+n > len(buf) {
		return fmt.Errorf("%s: %w: %d bytes at %d exceeds %d", name, chatterbox.ErrRange, n, off, len(buf))
	}
	hexDump(s.out, off, buf[off:off+n])
	return nil
}

func (s *Shell) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: read vram|eeprom off len")
	}
	off, err := parseInt(args[1])
	if err != nil {
		return err
	}
	n, err := parseInt(args[2])
	if err != nil {
		return err
	}
	var data []byte
	switch strings.ToLower(args[0]) {
	case "vram":
		data, err = s.dev.Client().ReadVRAM(ctx, off, n)
	case "eeprom":
		data, err = s.dev.Client().ReadEEPROM(ctx, off, n)
	default:
		return fmt.Errorf("unknown table %q", args[0])
	}
	if err != nil {
		return err
	}
	hexDump(s.out, off, data)
	return nil
}

func (s *Shell) cmdWrite(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: write off mask value")
	}
	vals := make([]int, 3)
	for i, a := range args {
		v, err := parseInt(a)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	if err := s.dev.WriteVRAM(ctx, vals[0], vals[1], vals[2]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "vram[%d] = 0x%02x\n", vals[0], s.dev.VRAM()[vals[0]])
	return nil
}

func (s *Shell) cmdEEWrite(ctx context.Context, args []string) error {
	if len(args) != 5 {
		return errors.New("usage: eewrite off b0 b1 b2 b3")
	}
	off, err := parseInt(args[0])
	if err != nil {
		return err
	}
	values := make([]byte, 4)
	for i, a := range args[1:] {
		v, err := parseInt(a)
		if err != nil {
			return err
		}
		if v < 0 || v > 0xff {
			return fmt.Errorf("%w: byte %d", chatterbox.ErrRange, v)
		}
		values[i] = byte(v)
	}
	if err := s.dev.WriteEEPROM(ctx, off, values); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) cmdRTC(ctx context.Context) error {
	rtc, err := s.dev.ReadRTC(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "RTC: %s\n", orDash(rtc))
	return nil
}

func (s *Shell) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set temp|mode|fan|power|zone|damper ...")
	}
	switch strings.ToLower(args[0]) {
	case "temp", "temperature":
		c, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("%w: temperature %q", chatterbox.ErrInvalidArgument, args[1])
		}
		return s.dev.SetTemperature(ctx, c)
	case "mode":
		return s.dev.SetHVACMode(ctx, chatterbox.HVACMode(strings.ToLower(args[1])))
	case "fan":
		return s.dev.SetFanMode(ctx, chatterbox.FanMode(strings.ReplaceAll(strings.ToLower(args[1]), "_", " ")))
	case "power":
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		if on {
			return s.dev.TurnOn(ctx)
		}
		return s.dev.TurnOff(ctx)
	case "zone":
		if len(args) != 3 {
			return errors.New("usage: set zone <name> <on|off>")
		}
		on, err := parseOnOff(args[2])
		if err != nil {
			return err
		}
		return s.dev.SetZoneEnabled(ctx, args[1], on)
	case "damper":
		if len(args) != 3 {
			return errors.New("usage: set damper <name> <percent>")
		}
		pct, err := parseInt(args[2])
		if err != nil {
			return err
		}
		return s.dev.SetZoneDamperPosition(ctx, args[1], pct)
	default:
		return fmt.Errorf("unknown setting %q", args[0])
	}
}

// hexDump prints data 16 bytes per row, labelled with absolute offsets.
func hexDump(w io.Writer, base int, data []byte) {
	for i := 0; i < len(data); i += 16 {
		end := min(i+16, len(data))
		var b strings.Builder
		for j, v := range data[i:end] {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%02x", v)
		}
		fmt.Fprintf(w, "%04d: %s\n", base+i, b.String())
	}
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", chatterbox.ErrInvalidArgument, s)
	}
	return int(v), nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "yes":
		return true, nil
	case "off", "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off, got %q", chatterbox.ErrInvalidArgument, s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
