package parser

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

func rawV6800(payload string) types.RawMessage {
	return types.RawMessage{
		Family:     types.FamilyV6800,
		DeviceID:   "GW42",
		RawType:    "json",
		Topic:      "V6800Upload/GW42/json",
		Payload:    []byte(payload),
		ReceivedAt: time.Now().UTC(),
	}
}

func TestParseV6800Heartbeat(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "heart_beat_req",
		"uuid_number": 1234,
		"gateway_sn": "GW42",
		"gateway_ip": "10.0.0.5",
		"gateway_mac": "AA:BB:CC:00:11:22",
		"data": [
			{"module_index": 1, "module_sn": "M-100", "module_u_num": 6, "module_sw_version": "2.1"},
			{"host_gateway_port_index": 2, "extend_module_sn": "M-200", "module_u_num": 8}
		]
	}`))

	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeHeartbeat)
	is.Equal(sif.DeviceID, "GW42")
	is.Equal(sif.MessageID, "1234")
	is.Equal(sif.Meta.RawType, "heart_beat_req")
	is.Equal(len(sif.Modules), 2)
	is.Equal(sif.Modules[0], types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-100", UTotal: 6, FwVer: "2.1"})
	is.Equal(sif.Modules[1], types.ModuleInfo{ModuleIndex: 2, ModuleID: "M-200", UTotal: 8})
	is.Equal(sif.Info.IP, "10.0.0.5")
}

func TestParseV6800GatewayHeartbeatUsesModuleSN(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{"msg_type":"heart_beat_req","module_type":"mt_gw","module_sn":"GW-SELF"}`))
	is.NoErr(err)
	is.Equal(sif.DeviceID, "GW-SELF")
}

func TestParseV6800Snapshot(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "u_state_resp",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "data": [
			{"u_index": 3, "tag_code": "T42", "warning": 0},
			{"u_index": 4, "tag_code": null, "warning": 0},
			{"u_index": 5, "tag_code": "", "warning": 1},
			{"u_index": 6, "tag_code": "T77", "warning": 1}
		]}]
	}`))

	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeRFIDSnapshot)
	is.Equal(len(sif.RFID), 2) // null/empty tag codes are filtered
	is.Equal(sif.RFID[0], types.RFIDSlot{ModuleIndex: 1, UIndex: 3, TagID: "T42"})
	is.Equal(sif.RFID[1], types.RFIDSlot{ModuleIndex: 1, UIndex: 6, TagID: "T77", IsAlarm: true})
}

func TestParseV6800SnapshotKeepsEmptiedModule(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "u_state_resp",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "data": [{"u_index": 3, "tag_code": null}]}]
	}`))

	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeRFIDSnapshot)
	is.Equal(len(sif.RFID), 0) // no occupied slots left
	is.Equal(len(sif.Modules), 1)
	is.Equal(sif.Modules[0].ModuleIndex, 1)
}

func TestParseV6800ChangeNotify(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "u_state_changed_notify_req",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "data": [
			{"u_index": 3, "new_state": 0, "old_state": 1},
			{"u_index": 4, "new_state": 1, "old_state": 0}
		]}]
	}`))

	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeRFIDEvent)
	is.Equal(len(sif.RFID), 2)
	is.Equal(sif.RFID[0].Action, types.ActionDetached) // 1 -> 0
	is.Equal(sif.RFID[1].Action, types.ActionAttached) // 0 -> 1
}

func TestParseV6800TempHum(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "temper_humidity_exception_nofity_req",
		"gateway_sn": "GW42",
		"data": [{"module_index": 2, "data": [
			{"temper_position": 10, "temper_swot": 25.5, "hygrometer_swot": 40}
		]}]
	}`))

	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeTempHum)
	is.Equal(sif.TempHum[0], types.TempHumSlot{ModuleIndex: 2, THIndex: 10, Temp: 25.5, Hum: 40})

	sif, err = p.Parse(rawV6800(`{"msg_type":"temper_humidity_resp","gateway_sn":"GW42","data":[]}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeQryTempHumResp)
}

func TestParseV6800DoorDiscrimination(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "door_state_changed_notify_req",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "new_state": 1}]
	}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeDoorState)
	is.Equal(*sif.Door.DoorState, 1)
	is.True(sif.Door.Door1State == nil)

	sif, err = p.Parse(rawV6800(`{
		"msg_type": "door_state_resp",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "new_state1": 0, "new_state2": 1}]
	}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeQryDoorResp)
	is.True(sif.Door.DoorState == nil)
	is.Equal(*sif.Door.Door1State, 0)
	is.Equal(*sif.Door.Door2State, 1)
}

func TestParseV6800DeviceInit(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "devies_init_req",
		"gateway_sn": "GW42",
		"gateway_ip": "10.0.0.5",
		"data": [{"module_index": 1, "module_sn": "M-100", "module_u_num": 6}]
	}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeDevModInfo)
	is.Equal(len(sif.Modules), 1)

	sif, err = p.Parse(rawV6800(`{
		"msg_type": "devices_changed_req",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "module_sn": "M-100", "module_u_num": 8}]
	}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeUTotalChanged)
	is.Equal(sif.Modules[0].UTotal, 8)
}

func TestParseV6800CommandResults(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{
		"msg_type": "u_color",
		"gateway_sn": "GW42",
		"data": [{"module_index": 1, "data": [{"u_index": 2, "color": "red", "code": 3}]}]
	}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeQryClrResp)
	is.Equal(sif.CmdResult.ColorMap[0], types.ColorEntry{ModuleIndex: 1, UIndex: 2, ColorName: "red", ColorCode: 3})

	sif, err = p.Parse(rawV6800(`{"msg_type":"set_module_property_result_req","gateway_sn":"GW42","result":0}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeSetClrResp)
	is.Equal(sif.CmdResult.Cmd, "SET_CLR")

	sif, err = p.Parse(rawV6800(`{"msg_type":"clear_u_warning","gateway_sn":"GW42","result":1}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeClnAlmResp)
	is.Equal(sif.CmdResult.Result, 1)
}

func TestParseV6800Unknown(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	sif, err := p.Parse(rawV6800(`{"msg_type":"future_thing_req","gateway_sn":"GW42","x":1}`))
	is.NoErr(err)
	is.Equal(sif.MessageType, types.MessageTypeUnknown)
	is.True(len(sif.Raw) > 0)
}

func TestParseV6800InvalidJSON(t *testing.T) {
	is := is.New(t)
	p := NewV6800(zerolog.Nop())

	_, err := p.Parse(rawV6800(`{not json`))
	is.True(err != nil)
}
