package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rackio/iot-rack-ingest/pkg/types"
)

// Downlink frame type bytes for the binary family, mirroring the
// uplink framing: type, length, 6-byte ASCII serial, body.
const (
	frameRFIDQuery  = 0xBB
	frameCmdRequest = 0xAA
	cmdSetClrReq    = 0xE1
	cmdClnAlmReq    = 0xE2
	cmdQryClrReq    = 0xE4
	cmdRebootReq    = 0xE0
	serialLen       = 6
)

// encodeV5008 builds the binary downlink frame for a command.
func encodeV5008(req types.CommandRequest) ([]byte, error) {
	if len(req.DeviceID) != serialLen {
		return nil, fmt.Errorf("%w: device id %q is not a %d byte serial", ErrUnsupported, req.DeviceID, serialLen)
	}

	switch req.Type {
	case types.CommandQueryRFIDSnapshot:
		return frameV5008(frameRFIDQuery, req.DeviceID, byte(req.ModuleIndex)), nil
	case types.CommandQueryColors:
		u, _ := intParam(req, "uIndex")
		return frameV5008(frameCmdRequest, req.DeviceID, cmdQryClrReq, byte(req.ModuleIndex), byte(u)), nil
	case types.CommandSetColor:
		u, ok := intParam(req, "uIndex")
		if !ok {
			return nil, fmt.Errorf("%w: uIndex", ErrMissingParam)
		}
		code, ok := intParam(req, "colorCode")
		if !ok {
			return nil, fmt.Errorf("%w: colorCode", ErrMissingParam)
		}
		return frameV5008(frameCmdRequest, req.DeviceID, cmdSetClrReq, byte(req.ModuleIndex), byte(u), byte(code)), nil
	case types.CommandClearAlarm:
		u, _ := intParam(req, "uIndex")
		return frameV5008(frameCmdRequest, req.DeviceID, cmdClnAlmReq, byte(req.ModuleIndex), byte(u)), nil
	case types.CommandReboot:
		return frameV5008(frameCmdRequest, req.DeviceID, cmdRebootReq), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Type)
	}
}

func frameV5008(frameType byte, deviceID string, body ...byte) []byte {
	buf := make([]byte, 0, 2+serialLen+len(body))
	buf = append(buf, frameType, byte(serialLen+len(body)))
	buf = append(buf, deviceID...)
	return append(buf, body...)
}

// Downlink envelope for the JSON family, mirroring the uplink shapes.
type v6800Command struct {
	MsgType    string           `json:"msg_type"`
	UUIDNumber string           `json:"uuid_number,omitempty"`
	GatewaySN  string           `json:"gateway_sn"`
	Data       []v6800CmdModule `json:"data,omitempty"`
}

type v6800CmdModule struct {
	ModuleIndex int             `json:"module_index"`
	Data        []v6800CmdPoint `json:"data,omitempty"`
}

type v6800CmdPoint struct {
	UIndex int    `json:"u_index"`
	Color  string `json:"color,omitempty"`
	Code   int    `json:"code,omitempty"`
}

func encodeV6800(req types.CommandRequest) ([]byte, error) {
	cmd := v6800Command{
		UUIDNumber: types.NextMessageID(),
		GatewaySN:  req.DeviceID,
	}

	switch req.Type {
	case types.CommandQueryRFIDSnapshot:
		cmd.MsgType = "u_state_req"
		cmd.Data = []v6800CmdModule{{ModuleIndex: req.ModuleIndex}}
	case types.CommandClearAlarm:
		cmd.MsgType = "u_clr_alarm"
		module := v6800CmdModule{ModuleIndex: req.ModuleIndex}
		if u, ok := intParam(req, "uIndex"); ok {
			module.Data = []v6800CmdPoint{{UIndex: u}}
		}
		cmd.Data = []v6800CmdModule{module}
	case types.CommandSetColor:
		u, ok := intParam(req, "uIndex")
		if !ok {
			return nil, fmt.Errorf("%w: uIndex", ErrMissingParam)
		}
		code, ok := intParam(req, "colorCode")
		if !ok {
			return nil, fmt.Errorf("%w: colorCode", ErrMissingParam)
		}
		cmd.MsgType = "u_set_color"
		cmd.Data = []v6800CmdModule{{
			ModuleIndex: req.ModuleIndex,
			Data:        []v6800CmdPoint{{UIndex: u, Color: stringParam(req, "colorName"), Code: code}},
		}}
	case types.CommandReboot:
		cmd.MsgType = "u_reboot"
	default:
		// the JSON family has no color query downlink; colors arrive unsolicited
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Type)
	}

	return json.Marshal(cmd)
}

// intParam reads a numeric parameter, tolerating the float64 values
// that a JSON-decoded params map carries.
func intParam(req types.CommandRequest, key string) (int, bool) {
	v, ok := req.Params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringParam(req types.CommandRequest, key string) string {
	s, _ := req.Params[key].(string)
	return s
}
