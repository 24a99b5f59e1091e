package parser

import (
	"encoding/json"
	"fmt"

	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// Raw msg_type values on the wire. The devies_init typo is the
// gateway's, not ours.
const (
	rawHeartbeat      = "heart_beat_req"
	rawUStateResp     = "u_state_resp"
	rawUStateChanged  = "u_state_changed_notify_req"
	rawTempHumNotify  = "temper_humidity_exception_nofity_req"
	rawTempHumResp    = "temper_humidity_resp"
	rawDoorChanged    = "door_state_changed_notify_req"
	rawDoorResp       = "door_state_resp"
	rawDevicesInit    = "devies_init_req"
	rawDevicesChanged = "devices_changed_req"
	rawUColor         = "u_color"
	rawSetPropResult  = "set_module_property_result_req"
	rawClearUWarning  = "clear_u_warning"

	moduleTypeGateway = "mt_gw"
)

// flexString accepts the uuid_number field both as a JSON number and as
// a string, preserving the wire text either way.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}

type v6800Envelope struct {
	MsgType    string          `json:"msg_type"`
	UUIDNumber flexString      `json:"uuid_number"`
	GatewaySN  string          `json:"gateway_sn"`
	ModuleType string          `json:"module_type"`
	ModuleSN   string          `json:"module_sn"`
	GatewayIP  string          `json:"gateway_ip"`
	GatewayMAC string          `json:"gateway_mac"`
	SWVersion  string          `json:"module_sw_version"`
	Result     *int            `json:"result"`
	Data       []v6800Module   `json:"data"`
	NewState   *int            `json:"new_state"`
	NewState1  *int            `json:"new_state1"`
	NewState2  *int            `json:"new_state2"`

	raw json.RawMessage
}

type v6800Module struct {
	ModuleIndex    *int         `json:"module_index"`
	HostPortIndex  *int         `json:"host_gateway_port_index"`
	ModuleSN       string       `json:"module_sn"`
	ExtendModuleSN string       `json:"extend_module_sn"`
	ModuleUNum     int          `json:"module_u_num"`
	SWVersion      string       `json:"module_sw_version"`
	NewState       *int         `json:"new_state"`
	OldState       *int         `json:"old_state"`
	NewState1      *int         `json:"new_state1"`
	NewState2      *int         `json:"new_state2"`
	Data           []v6800Point `json:"data"`
}

type v6800Point struct {
	UIndex         int      `json:"u_index"`
	TagCode        *string  `json:"tag_code"`
	Warning        int      `json:"warning"`
	NewState       *int     `json:"new_state"`
	OldState       *int     `json:"old_state"`
	TemperPosition int      `json:"temper_position"`
	TemperSwot     *float64 `json:"temper_swot"`
	HygrometerSwot *float64 `json:"hygrometer_swot"`
	Color          string   `json:"color"`
	Code           int      `json:"code"`
}

func (m v6800Module) index() int {
	if m.ModuleIndex != nil {
		return *m.ModuleIndex
	}
	if m.HostPortIndex != nil {
		return *m.HostPortIndex
	}
	return 0
}

func (m v6800Module) serial() string {
	if m.ModuleSN != "" {
		return m.ModuleSN
	}
	return m.ExtendModuleSN
}

type V6800Parser struct {
	log zerolog.Logger
}

func NewV6800(log zerolog.Logger) *V6800Parser {
	return &V6800Parser{log: log.With().Str("parser", "v6800").Logger()}
}

func (p *V6800Parser) Parse(raw types.RawMessage) (types.SIF, error) {
	var env v6800Envelope
	if err := json.Unmarshal(raw.Payload, &env); err != nil {
		return types.SIF{}, fmt.Errorf("invalid json payload: %w", err)
	}
	env.raw = raw.Payload

	sif := types.SIF{
		DeviceType: types.FamilyV6800,
		DeviceID:   env.deviceID(),
		MessageID:  string(env.UUIDNumber),
		Meta:       types.Meta{Topic: raw.Topic, RawType: env.MsgType},
		ParseAt:    raw.ReceivedAt,
	}
	if sif.DeviceID == "" {
		sif.DeviceID = raw.DeviceID
	}

	switch env.MsgType {
	case rawHeartbeat:
		sif.MessageType = types.MessageTypeHeartbeat
		sif.Modules = env.modules()
		sif.Info = env.deviceInfo()
	case rawUStateResp:
		sif.MessageType = types.MessageTypeRFIDSnapshot
		sif.RFID = env.rfidSlots()
		// module entries carry the identity of modules whose snapshot
		// came back with every slot vacant
		sif.Modules = env.modules()
	case rawUStateChanged:
		sif.MessageType = types.MessageTypeRFIDEvent
		sif.RFID = env.rfidSlots()
	case rawTempHumNotify, rawTempHumResp:
		if env.MsgType == rawTempHumResp {
			sif.MessageType = types.MessageTypeQryTempHumResp
		} else {
			sif.MessageType = types.MessageTypeTempHum
		}
		sif.TempHum = env.tempHumSlots()
	case rawDoorChanged, rawDoorResp:
		if env.MsgType == rawDoorResp {
			sif.MessageType = types.MessageTypeQryDoorResp
		} else {
			sif.MessageType = types.MessageTypeDoorState
		}
		sif.Door = env.door()
	case rawDevicesInit:
		sif.MessageType = types.MessageTypeDevModInfo
		sif.Modules = env.modules()
		sif.Info = env.deviceInfo()
	case rawDevicesChanged:
		sif.MessageType = types.MessageTypeUTotalChanged
		sif.Modules = env.modules()
	case rawUColor:
		sif.MessageType = types.MessageTypeQryClrResp
		sif.CmdResult = env.colorResult()
	case rawSetPropResult:
		sif.MessageType = types.MessageTypeSetClrResp
		sif.CmdResult = env.cmdResult("SET_CLR")
	case rawClearUWarning:
		sif.MessageType = types.MessageTypeClnAlmResp
		sif.CmdResult = env.cmdResult("CLN_ALM")
	default:
		// unrecognized types are preserved, not errors
		sif.MessageType = types.MessageTypeUnknown
		sif.Raw = env.raw
	}

	return sif, nil
}

// deviceID applies the gateway_sn mapping, except for gateway-scoped
// heartbeats which identify themselves through module_sn.
func (e v6800Envelope) deviceID() string {
	if e.MsgType == rawHeartbeat && e.ModuleType == moduleTypeGateway {
		return e.ModuleSN
	}
	return e.GatewaySN
}

func (e v6800Envelope) deviceInfo() *types.DeviceInfo {
	if e.GatewayIP == "" && e.GatewayMAC == "" && e.SWVersion == "" {
		return nil
	}
	return &types.DeviceInfo{
		DeviceID: e.deviceID(),
		IP:       e.GatewayIP,
		MAC:      e.GatewayMAC,
		FwVer:    e.SWVersion,
	}
}

func (e v6800Envelope) modules() []types.ModuleInfo {
	modules := make([]types.ModuleInfo, 0, len(e.Data))
	for _, m := range e.Data {
		modules = append(modules, types.ModuleInfo{
			ModuleIndex: m.index(),
			ModuleID:    m.serial(),
			UTotal:      m.ModuleUNum,
			FwVer:       m.SWVersion,
		})
	}
	return modules
}

// rfidSlots flattens the per-module point arrays. Entries with a null or
// empty tag_code are filtered out, except change notifications where the
// state pair itself is the payload.
func (e v6800Envelope) rfidSlots() []types.RFIDSlot {
	var slots []types.RFIDSlot
	for _, m := range e.Data {
		for _, pt := range m.Data {
			slot := types.RFIDSlot{
				ModuleIndex: m.index(),
				UIndex:      pt.UIndex,
				IsAlarm:     pt.Warning == 1,
			}
			if pt.TagCode != nil {
				slot.TagID = *pt.TagCode
			}
			if pt.NewState != nil && pt.OldState != nil {
				// state 1 is an occupied slot, 0 an empty one
				if *pt.NewState == 1 && *pt.OldState == 0 {
					slot.Action = types.ActionAttached
				} else if *pt.NewState == 0 && *pt.OldState == 1 {
					slot.Action = types.ActionDetached
				}
			} else if slot.TagID == "" {
				continue
			}
			slots = append(slots, slot)
		}
	}
	return slots
}

func (e v6800Envelope) tempHumSlots() []types.TempHumSlot {
	var slots []types.TempHumSlot
	for _, m := range e.Data {
		for _, pt := range m.Data {
			slot := types.TempHumSlot{
				ModuleIndex: m.index(),
				THIndex:     pt.TemperPosition,
			}
			if pt.TemperSwot != nil {
				slot.Temp = *pt.TemperSwot
			}
			if pt.HygrometerSwot != nil {
				slot.Hum = *pt.HygrometerSwot
			}
			slots = append(slots, slot)
		}
	}
	return slots
}

// door discriminates dual-door messages (new_state1/new_state2) from
// single-door ones (new_state). The states may sit at the envelope root
// or on the first module entry.
func (e v6800Envelope) door() *types.DoorReading {
	d := &types.DoorReading{}

	apply := func(state, state1, state2 *int) {
		if state1 != nil || state2 != nil {
			d.Door1State = state1
			d.Door2State = state2
			return
		}
		d.DoorState = state
	}

	if e.NewState != nil || e.NewState1 != nil || e.NewState2 != nil {
		apply(e.NewState, e.NewState1, e.NewState2)
		return d
	}

	for _, m := range e.Data {
		if m.NewState == nil && m.NewState1 == nil && m.NewState2 == nil {
			continue
		}
		d.ModuleIndex = m.index()
		apply(m.NewState, m.NewState1, m.NewState2)
		return d
	}

	return nil
}

func (e v6800Envelope) colorResult() *types.CommandResult {
	cr := &types.CommandResult{Cmd: "QRY_CLR"}
	if e.Result != nil {
		cr.Result = *e.Result
	}
	for _, m := range e.Data {
		for _, pt := range m.Data {
			cr.ColorMap = append(cr.ColorMap, types.ColorEntry{
				ModuleIndex: m.index(),
				UIndex:      pt.UIndex,
				ColorName:   pt.Color,
				ColorCode:   pt.Code,
			})
		}
	}
	return cr
}

func (e v6800Envelope) cmdResult(cmd string) *types.CommandResult {
	cr := &types.CommandResult{Cmd: cmd}
	if e.Result != nil {
		cr.Result = *e.Result
	}
	return cr
}
