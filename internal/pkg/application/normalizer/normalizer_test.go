package normalizer

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/statecache"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

type capture struct {
	suos     []types.SUO
	commands []types.CommandRequest
}

func testNormalizer(t *testing.T) (*Normalizer, *statecache.Cache, *capture) {
	t.Helper()

	bus := eventbus.New(zerolog.Nop())
	cache := statecache.New()
	cap := &capture{}

	bus.Subscribe(eventbus.TopicDataNormalized, func(_ context.Context, msg any) {
		cap.suos = append(cap.suos, msg.(types.SUO))
	})
	bus.Subscribe(eventbus.TopicCommandRequest, func(_ context.Context, msg any) {
		cap.commands = append(cap.commands, msg.(types.CommandRequest))
	})

	return New(bus, cache, Config{}, zerolog.Nop()), cache, cap
}

func heartbeatSIF(deviceID string, modules ...types.ModuleInfo) types.SIF {
	return types.SIF{
		DeviceType:  types.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: types.MessageTypeHeartbeat,
		Modules:     modules,
		ParseAt:     time.Now().UTC(),
	}
}

func TestHeartbeatColdStart(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	n.process(context.Background(), heartbeatSIF("DEV001",
		types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1", UTotal: 42},
	))

	// first sighting: heartbeat plus full metadata, but no change event
	is.Equal(len(cap.suos), 2)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeHeartbeat)
	is.Equal(cap.suos[0].DeviceID, "DEV001")
	is.Equal(len(cap.suos[0].Payload), 1)

	is.Equal(cap.suos[1].MessageType, types.MessageTypeDeviceMetadata)
	meta := cap.suos[1].Payload[0].(types.DeviceMetadata)
	is.True(meta.IsOnline)
	is.Equal(len(meta.ActiveModules), 1)
	is.Equal(meta.ActiveModules[0].ModuleID, "M-1")
}

func TestHeartbeatSteadyStateEmitsOnlyHeartbeat(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	sif := heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1"})
	n.process(context.Background(), sif)
	cap.suos = nil

	n.process(context.Background(), sif)

	is.Equal(len(cap.suos), 1)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeHeartbeat)
}

func TestHeartbeatModuleReplacedEmitsMetaChange(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	n.process(context.Background(), heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1"}))
	cap.suos = nil

	n.process(context.Background(), heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1b"}))

	is.Equal(len(cap.suos), 3)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeHeartbeat)
	is.Equal(cap.suos[1].MessageType, types.MessageTypeMetaChanged)
	is.Equal(cap.suos[1].Payload[0].(string), "module 1 replaced: M-1 → M-1b")
	is.Equal(cap.suos[2].MessageType, types.MessageTypeDeviceMetadata)
}

func TestHeartbeatAfterOfflineRepublishesMetadata(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	sif := heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1"})
	n.process(context.Background(), sif)

	// the watchdog flips the device offline between heartbeats
	cache.Update("DEV001", func(d *statecache.DeviceState) {
		d.Online = false
		d.Module(1).IsOnline = false
	})
	cap.suos = nil

	n.process(context.Background(), sif)

	is.Equal(len(cap.suos), 2)
	is.Equal(cap.suos[1].MessageType, types.MessageTypeDeviceMetadata)
	is.True(cap.suos[1].Payload[0].(types.DeviceMetadata).IsOnline)
}

func TestHeartbeatWithoutModulesFallsBackToCached(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	n.process(context.Background(), heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1"}))
	cap.suos = nil

	n.process(context.Background(), heartbeatSIF("DEV001"))

	is.Equal(len(cap.suos), 1)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeHeartbeat)
	is.Equal(cap.suos[0].Payload[0].(types.ModuleInfo).ModuleID, "M-1")
}

func TestRFIDSnapshotDiffAndReplace(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	first := types.SIF{
		DeviceType:  types.FamilyV5008,
		DeviceID:    "DEV001",
		MessageType: types.MessageTypeRFIDSnapshot,
		RFID: []types.RFIDSlot{
			{ModuleIndex: 1, UIndex: 3, TagID: "T3"},
		},
		ParseAt: time.Now().UTC(),
	}
	n.process(context.Background(), first)

	// empty cache to populated snapshot: one attach plus the archival snapshot
	is.Equal(len(cap.suos), 2)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeRFIDEvent)
	is.Equal(*cap.suos[0].ModuleIndex, 1)
	is.Equal(cap.suos[0].Payload[0].(types.RFIDEvent).Action, types.ActionAttached)
	is.Equal(cap.suos[1].MessageType, types.MessageTypeRFIDSnapshot)

	cap.suos = nil
	second := first
	second.RFID = []types.RFIDSlot{
		{ModuleIndex: 1, UIndex: 3, TagID: "T3"},
		{ModuleIndex: 1, UIndex: 5, TagID: "T5"},
	}
	n.process(context.Background(), second)

	is.Equal(len(cap.suos), 2)
	events := cap.suos[0].Payload
	is.Equal(len(events), 1)
	is.Equal(events[0].(types.RFIDEvent), types.RFIDEvent{SensorIndex: 5, TagID: "T5", Action: types.ActionAttached})

	cache.View("DEV001", func(d statecache.DeviceState) {
		is.Equal(len(d.Modules[1].RFIDSnapshot), 2)
	})
}

func TestRFIDSnapshotUnchangedEmitsOnlyArchival(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	sif := types.SIF{
		DeviceType:  types.FamilyV5008,
		DeviceID:    "DEV001",
		MessageType: types.MessageTypeRFIDSnapshot,
		RFID:        []types.RFIDSlot{{ModuleIndex: 1, UIndex: 3, TagID: "T3"}},
	}
	n.process(context.Background(), sif)
	cap.suos = nil

	n.process(context.Background(), sif)

	is.Equal(len(cap.suos), 1)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeRFIDSnapshot)
}

func TestRFIDSnapshotEmptiedModuleDetachesAll(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeRFIDSnapshot,
		RFID:        []types.RFIDSlot{{ModuleIndex: 1, UIndex: 3, TagID: "T42"}},
	})
	cap.suos = nil

	// every tag pulled: the response names the module but has no slots
	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeRFIDSnapshot,
		Modules:     []types.ModuleInfo{{ModuleIndex: 1}},
	})

	is.Equal(len(cap.suos), 2)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeRFIDEvent)
	is.Equal(cap.suos[0].Payload[0].(types.RFIDEvent), types.RFIDEvent{SensorIndex: 3, TagID: "T42", Action: types.ActionDetached})
	is.Equal(cap.suos[1].MessageType, types.MessageTypeRFIDSnapshot)
	is.Equal(len(cap.suos[1].Payload), 0)

	cache.View("GW42", func(d statecache.DeviceState) {
		is.Equal(len(d.Modules[1].RFIDSnapshot), 0)
	})
}

func TestRFIDEventBinaryMergesIntoSnapshot(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV5008,
		DeviceID:    "DEV001",
		MessageType: types.MessageTypeRFIDSnapshot,
		RFID: []types.RFIDSlot{
			{ModuleIndex: 1, UIndex: 1, TagID: "T1"},
			{ModuleIndex: 1, UIndex: 2, TagID: "T2"},
		},
	})
	cap.suos = nil

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV5008,
		DeviceID:    "DEV001",
		MessageType: types.MessageTypeRFIDEvent,
		RFID:        []types.RFIDSlot{{ModuleIndex: 1, UIndex: 2, TagID: ""}},
	})

	is.Equal(len(cap.suos), 1)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeRFIDEvent)
	is.Equal(cap.suos[0].Payload[0].(types.RFIDEvent), types.RFIDEvent{SensorIndex: 2, TagID: "T2", Action: types.ActionDetached})

	cache.View("DEV001", func(d statecache.DeviceState) {
		snap := d.Modules[1].RFIDSnapshot
		is.Equal(len(snap), 1)
		is.Equal(snap[0].TagID, "T1")
	})
}

func TestRFIDEventJSONRequestsSnapshot(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeRFIDEvent,
		RFID: []types.RFIDSlot{
			{ModuleIndex: 2, UIndex: 1, Action: types.ActionAttached},
			{ModuleIndex: 2, UIndex: 7, Action: types.ActionDetached},
		},
	})

	// no SUO and no cache mutation, just a snapshot query per module
	is.Equal(len(cap.suos), 0)
	is.Equal(len(cap.commands), 1)
	is.Equal(cap.commands[0], types.CommandRequest{
		Type:        types.CommandQueryRFIDSnapshot,
		DeviceID:    "GW42",
		ModuleIndex: 2,
	})

	is.Equal(cache.Len(), 0)
}

func TestTempHumFansOutPerModule(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeTempHum,
		TempHum: []types.TempHumSlot{
			{ModuleIndex: 1, THIndex: 10, Temp: 22.5, Hum: 41},
			{ModuleIndex: 1, THIndex: 11, Temp: 23.0, Hum: 40},
			{ModuleIndex: 2, THIndex: 10, Temp: 19.25, Hum: 55},
		},
	})

	is.Equal(len(cap.suos), 2)
	is.Equal(*cap.suos[0].ModuleIndex, 1)
	is.Equal(len(cap.suos[0].Payload), 2)
	is.Equal(*cap.suos[1].ModuleIndex, 2)
	is.Equal(cap.suos[1].Payload[0].(types.TempHumReading).Temp, 19.25)

	cache.View("GW42", func(d statecache.DeviceState) {
		is.Equal(len(d.Modules[1].TempHum), 2)
		is.Equal(len(d.Modules[2].TempHum), 1)
	})
}

func TestDoorStateCachedAndEmitted(t *testing.T) {
	is := is.New(t)
	n, cache, cap := testNormalizer(t)

	open := 1
	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeDoorState,
		Door:        &types.DoorReading{ModuleIndex: 0, Door1State: &open},
	})

	is.Equal(len(cap.suos), 1)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeDoorState)
	is.Equal(*cap.suos[0].Payload[0].(types.DoorReading).Door1State, 1)

	cache.View("GW42", func(d statecache.DeviceState) {
		is.Equal(*d.Modules[0].Door1State, 1)
		is.Equal(d.Modules[0].Door2State, nil)
	})
}

func TestCommandResultWrappedInPayload(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV5008,
		DeviceID:    "DEV001",
		MessageType: types.MessageTypeSetClrResp,
		MessageID:   "req-77",
		CmdResult:   &types.CommandResult{Cmd: "SET_COLOR", Result: 0},
	})

	is.Equal(len(cap.suos), 1)
	is.Equal(cap.suos[0].MessageID, "req-77")
	is.Equal(len(cap.suos[0].Payload), 1)
	is.Equal(cap.suos[0].Payload[0].(types.CommandResult).Cmd, "SET_COLOR")
}

func TestMessageIDAssignedWhenAbsent(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	n.process(context.Background(), heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1}))

	is.True(cap.suos[0].MessageID != "")
}

func TestStartStopDrainsQueue(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)
	n.Start()

	for i := 0; i < 20; i++ {
		n.enqueue(context.Background(), heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1, ModuleID: "M-1"}))
	}
	n.Stop()

	// DEV001 hashes to one worker, so all 20 are serialized and drained
	is.Equal(len(cap.suos), 21) // 20 heartbeats + 1 metadata on first sight
}

func TestEnqueueAfterStopIsIgnored(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)
	n.Start()
	n.Stop()

	n.enqueue(context.Background(), heartbeatSIF("DEV001", types.ModuleInfo{ModuleIndex: 1}))

	is.Equal(len(cap.suos), 0)
}

func TestDevModInfoFullSnapshotRemovesModules(t *testing.T) {
	is := is.New(t)
	n, _, cap := testNormalizer(t)

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeDevModInfo,
		Modules: []types.ModuleInfo{
			{ModuleIndex: 1, ModuleID: "M-1"},
			{ModuleIndex: 2, ModuleID: "M-2"},
		},
	})
	cap.suos = nil

	n.process(context.Background(), types.SIF{
		DeviceType:  types.FamilyV6800,
		DeviceID:    "GW42",
		MessageType: types.MessageTypeDevModInfo,
		Modules:     []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "M-1"}},
	})

	is.Equal(len(cap.suos), 2)
	is.Equal(cap.suos[0].MessageType, types.MessageTypeMetaChanged)
	is.Equal(cap.suos[0].Payload[0].(string), "module 2 removed")
	meta := cap.suos[1].Payload[0].(types.DeviceMetadata)
	is.Equal(len(meta.ActiveModules), 1)
}
