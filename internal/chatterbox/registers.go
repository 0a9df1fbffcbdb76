package chatterbox

// Registers is the raw cache of device memory. It knows offsets and lengths
// but nothing about what the bytes mean.
type Registers struct {
	vram   [VRAMSize]byte
	eeprom [EEPROMSize]byte
	loaded bool
}

// Apply merges value into the register at offset, changing only the bits
// set in mask.
func (r *Registers) Apply(offset int, mask, value byte) {
	r.vram[offset] = maskedMerge(r.vram[offset], mask, value)
}

// ReplaceVRAM replaces the live block. b must hold VRAMSize bytes.
func (r *Registers) ReplaceVRAM(b []byte) {
	copy(r.vram[:], b)
}

// ReplaceEEPROM installs a complete EEPROM image and marks it loaded.
func (r *Registers) ReplaceEEPROM(b []byte) {
	copy(r.eeprom[:], b)
	r.loaded = true
}

// VRAM returns a copy of the live block.
func (r *Registers) VRAM() []byte {
	out := make([]byte, VRAMSize)
	copy(out, r.vram[:])
	return out
}

// EEPROM returns a copy of the EEPROM image.
func (r *Registers) EEPROM() []byte {
	out := make([]byte, EEPROMSize)
	copy(out, r.eeprom[:])
	return out
}

// Reg returns one live register.
func (r *Registers) Reg(offset int) byte {
	return r.vram[offset]
}

// Loaded reports whether a full EEPROM image has been installed.
func (r *Registers) Loaded() bool {
	return r.loaded
}

// eepromSentinel reports whether the image still looks unloaded: its first
// byte is zero. A device whose first zone name is empty trips this on every
// refresh.
func (r *Registers) eepromSentinel() bool {
	return r.eeprom[0] == 0
}

func maskedMerge(old, mask, value byte) byte {
	return (old &^ mask) | (value & mask)
}
