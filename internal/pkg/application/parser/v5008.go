package parser

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// Frame type bytes. Temperature/humidity and noise frames carry no
// distinguishing header; their type is fixed by the topic suffix.
const (
	hdrHeartbeat    = 0xCC
	hdrHeartbeatAlt = 0xCB
	hdrRFIDSnapshot = 0xBB
	hdrRFIDEvent    = 0xBC
	hdrDoorState    = 0xBA
	hdrSystem       = 0xEF
	hdrCmdResponse  = 0xAA

	sysDeviceInfo = 0x01
	sysModuleInfo = 0x02

	cmdSetClrResp = 0xE1
	cmdClnAlmResp = 0xE2
	cmdQryClrResp = 0xE4
)

// Fixed offsets shared by all frames: type byte, length byte (count of
// bytes following it), 6-byte ASCII gateway serial, then the body.
const (
	offLength   = 1
	offDeviceID = 2
	lenDeviceID = 6
	offBody     = offDeviceID + lenDeviceID

	maxModuleAddr = 5

	// command responses: bytes 0..9 are frame overhead, the rest is
	// originalReq and, for color queries, the per-module color map
	cmdOverhead   = 10
	qryClrReqLen  = 2
	deviceInfoLen = 36
)

type V5008Parser struct {
	log zerolog.Logger
}

func NewV5008(log zerolog.Logger) *V5008Parser {
	return &V5008Parser{log: log.With().Str("parser", "v5008").Logger()}
}

// Parse identifies the message type in two steps: topic suffix for
// TemHum/Noise uploads, header byte dispatch for everything else.
func (p *V5008Parser) Parse(raw types.RawMessage) (types.SIF, error) {
	buf := raw.Payload

	sif := types.SIF{
		DeviceType: types.FamilyV5008,
		DeviceID:   raw.DeviceID,
		Meta:       types.Meta{Topic: raw.Topic, RawType: raw.RawType},
		ParseAt:    raw.ReceivedAt,
	}

	deviceID, body, err := decodeHeader(buf)
	if err != nil {
		return types.SIF{}, err
	}
	sif.DeviceID = deviceID

	switch {
	case strings.HasSuffix(raw.Topic, "/TemHum"):
		sif.MessageType = types.MessageTypeTempHum
		sif.TempHum, err = decodeTempHum(body)
	case strings.HasSuffix(raw.Topic, "/Noise"):
		sif.MessageType = types.MessageTypeNoiseLevel
		sif.Noise, err = decodeNoise(body)
	default:
		err = p.dispatchHeader(buf, body, &sif)
	}

	if err != nil {
		return types.SIF{}, err
	}
	return sif, nil
}

func (p *V5008Parser) dispatchHeader(buf, body []byte, sif *types.SIF) error {
	var err error

	switch buf[0] {
	case hdrHeartbeat, hdrHeartbeatAlt:
		sif.MessageType = types.MessageTypeHeartbeat
		sif.Modules, err = decodeHeartbeat(body)
	case hdrRFIDSnapshot:
		sif.MessageType = types.MessageTypeRFIDSnapshot
		var mi int
		mi, sif.RFID, err = decodeRFID(body)
		if err == nil {
			// the module is identified even when every slot is vacant
			sif.Modules = []types.ModuleInfo{{ModuleIndex: mi}}
		}
	case hdrRFIDEvent:
		sif.MessageType = types.MessageTypeRFIDEvent
		_, sif.RFID, err = decodeRFID(body)
	case hdrDoorState:
		sif.MessageType = types.MessageTypeDoorState
		sif.Door, err = decodeDoor(body)
	case hdrSystem:
		err = decodeSystem(buf, body, sif)
	case hdrCmdResponse:
		err = decodeCmdResponse(buf, body, sif)
	default:
		err = fmt.Errorf("unknown frame type 0x%02X", buf[0])
	}

	return err
}

// decodeHeader validates the frame envelope and returns the gateway
// serial and the body following it.
func decodeHeader(buf []byte) (string, []byte, error) {
	if len(buf) < offBody {
		return "", nil, fmt.Errorf("frame too short: %d bytes", len(buf))
	}
	// system frames (0xEF) repurpose the length slot as a sub-type;
	// their sizes are validated per sub-type in decodeSystem
	if buf[0] != hdrSystem && int(buf[offLength]) != len(buf)-2 {
		return "", nil, fmt.Errorf("frame length mismatch: header says %d, have %d", buf[offLength], len(buf)-2)
	}

	id := strings.TrimRight(string(buf[offDeviceID:offDeviceID+lenDeviceID]), "\x00 ")
	if id == "" {
		return "", nil, fmt.Errorf("empty device id in frame")
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7E {
			return "", nil, fmt.Errorf("device id contains non-printable byte 0x%02X", r)
		}
	}

	return id, buf[offBody:], nil
}

// decodeHeartbeat iterates 6-byte module slots: addr, 4-byte serial,
// uTotal. Slots with serial 0 or addr above the backplane limit are
// unpopulated and skipped.
func decodeHeartbeat(body []byte) ([]types.ModuleInfo, error) {
	if len(body)%6 != 0 {
		return nil, fmt.Errorf("heartbeat body not a multiple of module slot size: %d", len(body))
	}

	modules := make([]types.ModuleInfo, 0, len(body)/6)
	for i := 0; i+6 <= len(body); i += 6 {
		addr := int(body[i])
		id := binary.BigEndian.Uint32(body[i+1 : i+5])
		if id == 0 || addr > maxModuleAddr {
			continue
		}
		modules = append(modules, types.ModuleInfo{
			ModuleIndex: addr,
			ModuleID:    strconv.FormatUint(uint64(id), 10),
			UTotal:      int(body[i+5]),
		})
	}
	return modules, nil
}

// decodeRFID handles both snapshots and events: moduleIndex, slot count,
// then 6-byte tag slots (uIndex, 4-byte tag, alarm flag). A zero tag in
// an event frame means the slot was vacated.
func decodeRFID(body []byte) (int, []types.RFIDSlot, error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("rfid body too short: %d bytes", len(body))
	}
	moduleIndex := int(body[0])
	count := int(body[1])
	slots := body[2:]
	if len(slots) != count*6 {
		return 0, nil, fmt.Errorf("rfid slot count %d does not match body length %d", count, len(slots))
	}

	tags := make([]types.RFIDSlot, 0, count)
	for i := 0; i+6 <= len(slots); i += 6 {
		tag := binary.BigEndian.Uint32(slots[i+1 : i+5])
		tagID := ""
		if tag != 0 {
			tagID = strconv.FormatUint(uint64(tag), 10)
		}
		tags = append(tags, types.RFIDSlot{
			ModuleIndex: moduleIndex,
			UIndex:      int(slots[i]),
			TagID:       tagID,
			IsAlarm:     slots[i+5] != 0,
		})
	}
	return moduleIndex, tags, nil
}

func decodeTempHum(body []byte) ([]types.TempHumSlot, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("temphum body too short: %d bytes", len(body))
	}
	moduleIndex := int(body[0])
	count := int(body[1])
	slots := body[2:]
	if len(slots) != count*5 {
		return nil, fmt.Errorf("temphum sensor count %d does not match body length %d", count, len(slots))
	}

	readings := make([]types.TempHumSlot, 0, count)
	for i := 0; i+5 <= len(slots); i += 5 {
		addr := int(slots[i])
		if addr == 0 {
			continue
		}
		readings = append(readings, types.TempHumSlot{
			ModuleIndex: moduleIndex,
			THIndex:     addr,
			Temp:        signedSensorValue(slots[i+1], slots[i+2]),
			Hum:         signedSensorValue(slots[i+3], slots[i+4]),
		})
	}
	return readings, nil
}

func decodeNoise(body []byte) ([]types.NoiseSlot, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("noise body too short: %d bytes", len(body))
	}
	moduleIndex := int(body[0])
	count := int(body[1])
	slots := body[2:]
	if len(slots) != count*3 {
		return nil, fmt.Errorf("noise sensor count %d does not match body length %d", count, len(slots))
	}

	readings := make([]types.NoiseSlot, 0, count)
	for i := 0; i+3 <= len(slots); i += 3 {
		addr := int(slots[i])
		if addr == 0 {
			continue
		}
		readings = append(readings, types.NoiseSlot{
			ModuleIndex: moduleIndex,
			NSIndex:     addr,
			Noise:       signedSensorValue(slots[i+1], slots[i+2]),
		})
	}
	return readings, nil
}

func decodeDoor(body []byte) (*types.DoorReading, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("door body too short: %d bytes", len(body))
	}
	state := int(body[1])
	return &types.DoorReading{
		ModuleIndex: int(body[0]),
		DoorState:   &state,
	}, nil
}

func decodeSystem(buf, body []byte, sif *types.SIF) error {
	switch buf[offLength] {
	case sysDeviceInfo:
		if len(buf) != deviceInfoLen {
			return fmt.Errorf("device info frame is %d bytes, want %d", len(buf), deviceInfoLen)
		}
		sif.MessageType = types.MessageTypeDeviceInfo
		sif.Info = &types.DeviceInfo{
			DeviceID: sif.DeviceID,
			Model:    strings.TrimRight(string(buf[8:16]), "\x00 "),
			FwVer:    fmt.Sprintf("v%d.%d", buf[16], buf[17]),
			IP:       ip4(buf[18:22]),
			Mask:     ip4(buf[22:26]),
			GwIP:     ip4(buf[26:30]),
			MAC:      mac(buf[30:36]),
		}
		return nil
	case sysModuleInfo:
		if len(body) < 1 {
			return fmt.Errorf("module info frame has no count byte")
		}
		count := int(body[0])
		slots := body[1:]
		if len(slots) != count*3 {
			return fmt.Errorf("module info count %d does not match body length %d", count, len(slots))
		}
		sif.MessageType = types.MessageTypeModuleInfo
		for i := 0; i+3 <= len(slots); i += 3 {
			sif.Modules = append(sif.Modules, types.ModuleInfo{
				ModuleIndex: int(slots[i]),
				FwVer:       fmt.Sprintf("v%d.%d", slots[i+1], slots[i+2]),
			})
		}
		return nil
	default:
		return fmt.Errorf("unknown system frame sub-type 0x%02X", buf[offLength])
	}
}

// decodeCmdResponse sub-dispatches on the command code at the start of
// the body. The original request echo is variable length: fixed two
// bytes for color queries (the tail being one color byte per module),
// everything past the overhead otherwise.
func decodeCmdResponse(buf, body []byte, sif *types.SIF) error {
	if len(buf) < cmdOverhead {
		return fmt.Errorf("command response too short: %d bytes", len(buf))
	}
	code := body[0]
	result := int(body[1])
	tail := buf[cmdOverhead:]

	cr := &types.CommandResult{Result: result}

	switch code {
	case cmdQryClrResp:
		if len(tail) < qryClrReqLen {
			return fmt.Errorf("color query response truncated")
		}
		sif.MessageType = types.MessageTypeQryClrResp
		cr.Cmd = "QRY_CLR"
		cr.OriginalReq = fmt.Sprintf("%X", tail[:qryClrReqLen])
		for i, b := range tail[qryClrReqLen:] {
			cr.ColorMap = append(cr.ColorMap, types.ColorEntry{
				ModuleIndex: i + 1,
				ColorCode:   int(b),
			})
		}
	case cmdSetClrResp:
		sif.MessageType = types.MessageTypeSetClrResp
		cr.Cmd = "SET_CLR"
		cr.OriginalReq = fmt.Sprintf("%X", tail)
	case cmdClnAlmResp:
		sif.MessageType = types.MessageTypeClnAlmResp
		cr.Cmd = "CLN_ALM"
		cr.OriginalReq = fmt.Sprintf("%X", tail)
	default:
		return fmt.Errorf("unknown command response code 0x%02X", code)
	}

	sif.CmdResult = cr
	return nil
}

// signedSensorValue decodes the two-byte (int, frac) encoding used by
// temperature, humidity and noise sensors. A set top bit marks a
// negative reading.
func signedSensorValue(intPart, frac byte) float64 {
	v := float64(intPart&0x7F) + float64(frac)/100
	if intPart&0x80 != 0 {
		return -v
	}
	return v
}

func ip4(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func mac(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}
