package chatterbox

// Device memory sizes.
const (
	VRAMSize   = 69
	EEPROMSize = 150
)

// HTTP paths served by the device.
const (
	infoPath = "/lv-lan-cboxes.json"
	rpcPath  = "/ZPlus/file.lvjson"
)

// Tables and markers select the memory region a request targets.
const (
	tableVRAM   = "paray"
	tableEEPROM = "ee"
	tableRTC    = "rtc"

	markerVRAMRead    = "rot0"
	markerEEPROMRead  = "rot1"
	markerRTCRead     = "rot3"
	markerVRAMWrite   = "paw"
	markerEEPROMWrite = "eew"
)

// send_packet command codes.
const (
	cmdVRAMWrite   = 0
	cmdEEPROMWrite = 7
)

type fetchParams struct {
	Table    string `json:"table"`
	Start    int    `json:"start"`
	Marker   string `json:"marker"`
	Length   int    `json:"length"`
	Datatype string `json:"datatype"`
}

type fetchRequest struct {
	Method string        `json:"method"`
	Params []fetchParams `json:"params"`
}

type packetParams struct {
	Marker string `json:"marker"`
	Cmd    int    `json:"cmd"`
	Data   []int  `json:"data"`
}

type sendPacketRequest struct {
	Method string         `json:"method"`
	ID     int            `json:"id"`
	Params []packetParams `json:"params"`
}

// fetchResult is element 0 of a fetch response.
type fetchResult struct {
	Values []int `json:"values"`
}

func newFetch(table, marker string, start, length int) fetchRequest {
	return fetchRequest{
		Method: "fetch",
		Params: []fetchParams{{
			Table:    table,
			Start:    start,
			Marker:   marker,
			Length:   length,
			Datatype: "bytes",
		}},
	}
}

func newSendPacket(marker string, cmd int, data []int) sendPacketRequest {
	return sendPacketRequest{
		Method: "send_packet",
		ID:     1,
		Params: []packetParams{{Marker: marker, Cmd: cmd, Data: data}},
	}
}
