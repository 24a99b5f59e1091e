package types

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

var msgSeq atomic.Uint64

// NextMessageID returns a process-wide monotonically increasing id,
// used whenever a source message carries none of its own.
func NextMessageID() string {
	return strconv.FormatUint(msgSeq.Add(1), 10)
}

// ProtocolFamily identifies which gateway family produced a message.
type ProtocolFamily string

const (
	FamilyV5008 ProtocolFamily = "V5008"
	FamilyV6800 ProtocolFamily = "V6800"
)

type MessageType string

const (
	MessageTypeHeartbeat      MessageType = "HEARTBEAT"
	MessageTypeRFIDSnapshot   MessageType = "RFID_SNAPSHOT"
	MessageTypeRFIDEvent      MessageType = "RFID_EVENT"
	MessageTypeTempHum        MessageType = "TEMP_HUM"
	MessageTypeQryTempHumResp MessageType = "QRY_TEMP_HUM_RESP"
	MessageTypeNoiseLevel     MessageType = "NOISE_LEVEL"
	MessageTypeDoorState      MessageType = "DOOR_STATE"
	MessageTypeQryDoorResp    MessageType = "QRY_DOOR_STATE_RESP"
	MessageTypeDeviceInfo     MessageType = "DEVICE_INFO"
	MessageTypeModuleInfo     MessageType = "MODULE_INFO"
	MessageTypeDevModInfo     MessageType = "DEV_MOD_INFO"
	MessageTypeUTotalChanged  MessageType = "UTOTAL_CHANGED"
	MessageTypeDeviceMetadata MessageType = "DEVICE_METADATA"
	MessageTypeMetaChanged    MessageType = "META_CHANGED_EVENT"
	MessageTypeQryClrResp     MessageType = "QRY_CLR_RESP"
	MessageTypeSetClrResp     MessageType = "SET_CLR_RESP"
	MessageTypeClnAlmResp     MessageType = "CLN_ALM_RESP"
	MessageTypeUnknown        MessageType = "UNKNOWN"
)

// RawMessage is what the ingress publishes for every broker message,
// payload untouched.
type RawMessage struct {
	Family     ProtocolFamily
	DeviceID   string
	RawType    string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

type Meta struct {
	Topic   string `json:"topic"`
	RawType string `json:"rawType"`
}

type ModuleInfo struct {
	ModuleIndex int    `json:"moduleIndex"`
	ModuleID    string `json:"moduleId,omitempty"`
	UTotal      int    `json:"uTotal,omitempty"`
	FwVer       string `json:"fwVer,omitempty"`
}

// RFIDSlot is a parser-level rfid reading. UIndex is the slot position
// within the module; the normalizer maps it to SensorIndex.
type RFIDSlot struct {
	ModuleIndex int    `json:"moduleIndex"`
	UIndex      int    `json:"uIndex"`
	TagID       string `json:"tagId"`
	IsAlarm     bool   `json:"isAlarm"`
	Action      Action `json:"action,omitempty"`
}

type TempHumSlot struct {
	ModuleIndex int     `json:"moduleIndex"`
	THIndex     int     `json:"thIndex"`
	Temp        float64 `json:"temp"`
	Hum         float64 `json:"hum"`
}

type NoiseSlot struct {
	ModuleIndex int     `json:"moduleIndex"`
	NSIndex     int     `json:"nsIndex"`
	Noise       float64 `json:"noise"`
}

type DoorReading struct {
	ModuleIndex int  `json:"moduleIndex"`
	DoorState   *int `json:"doorState,omitempty"`
	Door1State  *int `json:"door1State,omitempty"`
	Door2State  *int `json:"door2State,omitempty"`
}

type DeviceInfo struct {
	DeviceID string `json:"deviceId,omitempty"`
	Model    string `json:"model,omitempty"`
	FwVer    string `json:"fwVer,omitempty"`
	IP       string `json:"ip,omitempty"`
	Mask     string `json:"mask,omitempty"`
	GwIP     string `json:"gwIp,omitempty"`
	MAC      string `json:"mac,omitempty"`
}

type ColorEntry struct {
	ModuleIndex int    `json:"moduleIndex,omitempty"`
	UIndex      int    `json:"uIndex,omitempty"`
	ColorName   string `json:"colorName,omitempty"`
	ColorCode   int    `json:"colorCode"`
}

type CommandResult struct {
	Cmd         string       `json:"cmd"`
	Result      int          `json:"result"`
	OriginalReq string       `json:"originalReq,omitempty"`
	ColorMap    []ColorEntry `json:"colorMap,omitempty"`
}

// SIF is the Standard Intermediate Format, the per-protocol agnostic
// parser output. Identity fields live at the root; exactly one of the
// payload members is populated, matching MessageType.
type SIF struct {
	DeviceType  ProtocolFamily `json:"deviceType"`
	DeviceID    string         `json:"deviceId"`
	MessageType MessageType    `json:"messageType"`
	MessageID   string         `json:"messageId,omitempty"`
	Meta        Meta           `json:"meta"`
	ParseAt     time.Time      `json:"parseAt"`

	Modules   []ModuleInfo    `json:"modules,omitempty"`
	RFID      []RFIDSlot      `json:"rfid,omitempty"`
	TempHum   []TempHumSlot   `json:"tempHum,omitempty"`
	Noise     []NoiseSlot     `json:"noise,omitempty"`
	Door      *DoorReading    `json:"door,omitempty"`
	Info      *DeviceInfo     `json:"info,omitempty"`
	CmdResult *CommandResult  `json:"cmdResult,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// SUO is the Standard Unified Object emitted by the normalizer. Payload
// is always an array; scalars are wrapped. It is empty only on the
// archival snapshot of a module whose last tag was pulled.
type SUO struct {
	MessageType MessageType    `json:"messageType"`
	MessageID   string         `json:"messageId"`
	DeviceID    string         `json:"deviceId"`
	DeviceType  ProtocolFamily `json:"deviceType"`
	ModuleIndex *int           `json:"moduleIndex,omitempty"`
	ModuleID    string         `json:"moduleId,omitempty"`
	Payload     []any          `json:"payload"`
	ParseAt     time.Time      `json:"parseAt"`
}

type RFIDEntry struct {
	SensorIndex int    `json:"sensorIndex"`
	TagID       string `json:"tagId"`
	IsAlarm     bool   `json:"isAlarm"`
}

type Action string

const (
	ActionDetached Action = "DETACHED"
	ActionAttached Action = "ATTACHED"
	ActionAlarmOn  Action = "ALARM_ON"
	ActionAlarmOff Action = "ALARM_OFF"
)

type RFIDEvent struct {
	SensorIndex int    `json:"sensorIndex"`
	TagID       string `json:"tagId"`
	Action      Action `json:"action"`
	Alarm       bool   `json:"alarm"`
}

type TempHumReading struct {
	SensorIndex int     `json:"sensorIndex"`
	Temp        float64 `json:"temp"`
	Hum         float64 `json:"hum"`
}

type NoiseReading struct {
	SensorIndex int     `json:"sensorIndex"`
	Noise       float64 `json:"noise"`
}

// ModuleState is the cached last-known telemetry for one
// (deviceId, moduleIndex) pair.
type ModuleState struct {
	TempHum      []TempHumReading
	Noise        []NoiseReading
	RFIDSnapshot []RFIDEntry
	DoorState    *int
	Door1State   *int
	Door2State   *int
	IsOnline     bool
	LastSeenHB   time.Time
	LastSeenTH   time.Time
	LastSeenNS   time.Time
	LastSeenRFID time.Time
	LastSeenDoor time.Time
}

// DeviceMetadata is the cached device-scoped state. It doubles as the
// payload element of DEVICE_METADATA SUOs.
type DeviceMetadata struct {
	DeviceType    ProtocolFamily `json:"deviceType"`
	IP            string         `json:"ip,omitempty"`
	MAC           string         `json:"mac,omitempty"`
	FwVer         string         `json:"fwVer,omitempty"`
	Mask          string         `json:"mask,omitempty"`
	GwIP          string         `json:"gwIp,omitempty"`
	ActiveModules []ModuleInfo   `json:"activeModules"`
	IsOnline      bool           `json:"isOnline"`
	LastSeenInfo  time.Time      `json:"lastSeenInfo,omitempty"`
}

type CommandType string

const (
	CommandQueryRFIDSnapshot CommandType = "QRY_RFID_SNAPSHOT"
	CommandQueryColors       CommandType = "QRY_COLORS"
	CommandSetColor          CommandType = "SET_COLOR"
	CommandClearAlarm        CommandType = "CLN_ALARM"
	CommandReboot            CommandType = "REBOOT"
)

// CommandRequest travels on the command.request topic from the
// normalizer (or an operator surface) to the command service.
type CommandRequest struct {
	Type        CommandType    `json:"type"`
	DeviceID    string         `json:"deviceId"`
	ModuleIndex int            `json:"moduleIndex,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// ErrorEvent is republished on the error topic whenever a component
// fails without being able to return the error to its caller.
type ErrorEvent struct {
	Source  string
	Err     error
	Context map[string]any
}
