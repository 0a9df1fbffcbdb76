package chatterbox

import (
	"sort"
	"strings"
)

const (
	zoneSlots    = 8
	zoneNameSize = 8
)

// ZoneTable maps zone names to zone indexes 0..7.
type ZoneTable map[string]int

// BuildZoneTable derives the zone table from an EEPROM image and the zone
// mask register. Slot i (bytes 8i..8i+8) is included only when bit i of mask
// is set. If two slots share a name the higher index wins.
func BuildZoneTable(eeprom []byte, mask byte) ZoneTable {
	zones := make(ZoneTable)
	for i := 0; i < zoneSlots; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		start := i * zoneNameSize
		end := start + zoneNameSize
		if end > len(eeprom) {
			break
		}
		zones[decodeZoneName(eeprom[start:end])] = i
	}
	return zones
}

// decodeZoneName reads a slot as Latin-1 and strips trailing whitespace/NUL.
func decodeZoneName(slot []byte) string {
	var b strings.Builder
	for _, c := range slot {
		b.WriteRune(rune(c))
	}
	return strings.TrimRight(b.String(), " \t\r\n\v\f\x00")
}

// Index returns the zone index for name.
func (z ZoneTable) Index(name string) (int, bool) {
	i, ok := z[name]
	return i, ok
}

// Names returns zone names ordered by zone index.
func (z ZoneTable) Names() []string {
	names := make([]string, 0, len(z))
	for name := range z {
		names = append(names, name)
	}
	sort.Slice(names, func(a, b int) bool { return z[names[a]] < z[names[b]] })
	return names
}

func (z ZoneTable) clone() ZoneTable {
	out := make(ZoneTable, len(z))
	for k, v := range z {
		out[k] = v
	}
	return out
}
