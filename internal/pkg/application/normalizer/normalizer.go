package normalizer

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/statecache"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-rack-ingest/normalizer")

type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Normalizer consumes SIF from data.parsed, reads and mutates the state
// cache, and emits SUO events on data.normalized. Work is partitioned by
// hash(deviceId) onto a fixed set of workers so that updates for one
// device are always serialized, which the rfid diff and the metadata
// change detection depend on.
type Normalizer struct {
	bus    *eventbus.Bus
	cache  *statecache.Cache
	cfg    Config
	queues []chan types.SIF
	wg     sync.WaitGroup
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func New(bus *eventbus.Bus, cache *statecache.Cache, cfg Config, log zerolog.Logger) *Normalizer {
	cfg = cfg.withDefaults()

	n := &Normalizer{
		bus:    bus,
		cache:  cache,
		cfg:    cfg,
		queues: make([]chan types.SIF, cfg.Workers),
		log:    log.With().Str("component", "normalizer").Logger(),
	}
	for i := range n.queues {
		n.queues[i] = make(chan types.SIF, cfg.QueueSize)
	}
	return n
}

func (n *Normalizer) Register() {
	n.bus.Subscribe(eventbus.TopicDataParsed, n.enqueue)
}

func (n *Normalizer) Start() {
	for i := range n.queues {
		n.wg.Add(1)
		go n.worker(n.queues[i])
	}
}

// Stop closes the work queues and waits until all in-flight SIF have
// drained through.
func (n *Normalizer) Stop() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for _, q := range n.queues {
			close(q)
		}
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Normalizer) enqueue(ctx context.Context, msg any) {
	sif, ok := msg.(types.SIF)
	if !ok {
		return
	}
	h := fnv.New32a()
	h.Write([]byte(sif.DeviceID))

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queues[int(h.Sum32())%len(n.queues)] <- sif
}

func (n *Normalizer) worker(queue <-chan types.SIF) {
	defer n.wg.Done()
	for sif := range queue {
		n.process(context.Background(), sif)
	}
}

func (n *Normalizer) process(ctx context.Context, sif types.SIF) {
	ctx, span := tracer.Start(ctx, "normalize")
	defer span.End()

	switch sif.MessageType {
	case types.MessageTypeHeartbeat:
		n.handleHeartbeat(ctx, sif)
	case types.MessageTypeRFIDSnapshot:
		n.handleRFIDSnapshot(ctx, sif)
	case types.MessageTypeRFIDEvent:
		switch sif.DeviceType {
		case types.FamilyV6800:
			n.handleRFIDEventJSON(ctx, sif)
		default:
			n.handleRFIDEventBinary(ctx, sif)
		}
	case types.MessageTypeTempHum, types.MessageTypeQryTempHumResp:
		n.handleTempHum(ctx, sif)
	case types.MessageTypeNoiseLevel:
		n.handleNoise(ctx, sif)
	case types.MessageTypeDoorState, types.MessageTypeQryDoorResp:
		n.handleDoor(ctx, sif)
	case types.MessageTypeDeviceInfo, types.MessageTypeModuleInfo,
		types.MessageTypeDevModInfo, types.MessageTypeUTotalChanged:
		n.handleMetadataMessage(ctx, sif)
	case types.MessageTypeQryClrResp, types.MessageTypeSetClrResp, types.MessageTypeClnAlmResp:
		n.handleCommandResult(ctx, sif)
	case types.MessageTypeUnknown:
		n.log.Debug().Str("device_id", sif.DeviceID).Str("raw_type", sif.Meta.RawType).Msg("dropping unknown message type")
	default:
		n.log.Warn().Str("message_type", string(sif.MessageType)).Msg("unhandled message type")
	}
}

func (n *Normalizer) emit(ctx context.Context, suo types.SUO) {
	n.bus.Publish(ctx, eventbus.TopicDataNormalized, suo)
}

// newSUO propagates identity from the SIF. The source messageId is kept
// verbatim when present; otherwise a process-monotonic one is assigned.
func newSUO(sif types.SIF, mt types.MessageType, payload []any) types.SUO {
	id := sif.MessageID
	if id == "" {
		id = types.NextMessageID()
	}
	return types.SUO{
		MessageType: mt,
		MessageID:   id,
		DeviceID:    sif.DeviceID,
		DeviceType:  sif.DeviceType,
		Payload:     payload,
		ParseAt:     sif.ParseAt,
	}
}

func moduleSUO(sif types.SIF, mt types.MessageType, moduleIndex int, moduleID string, payload []any) types.SUO {
	suo := newSUO(sif, mt, payload)
	suo.ModuleIndex = &moduleIndex
	suo.ModuleID = moduleID
	return suo
}

func at(sif types.SIF) time.Time {
	if sif.ParseAt.IsZero() {
		return time.Now().UTC()
	}
	return sif.ParseAt
}

// groupByModule splits entries spanning several modules, preserving the
// order in which modules first appear. Telemetry fans out to one SUO per
// module.
func groupByModule[T any](items []T, index func(T) int) ([]int, map[int][]T) {
	groups := make(map[int][]T)
	var order []int
	for _, item := range items {
		i := index(item)
		if _, seen := groups[i]; !seen {
			order = append(order, i)
		}
		groups[i] = append(groups[i], item)
	}
	return order, groups
}

func (n *Normalizer) handleHeartbeat(ctx context.Context, sif types.SIF) {
	now := at(sif)
	var suos []types.SUO

	n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
		for _, m := range sif.Modules {
			ms := d.Module(m.ModuleIndex)
			ms.IsOnline = true
			ms.LastSeenHB = now
		}

		firstSeen := !d.MetaSeen
		wasOnline := d.Online

		if d.Metadata.DeviceType == "" {
			d.Metadata.DeviceType = sif.DeviceType
		}

		descs := mergeMetadata(&d.Metadata, sif.Info, sif.Modules, false)
		if firstSeen {
			descs = nil
		}
		d.MetaSeen = true
		d.Online = true

		payloadModules := sif.Modules
		if len(payloadModules) == 0 {
			payloadModules = d.Metadata.ActiveModules
		}
		if len(payloadModules) > 0 {
			suos = append(suos, newSUO(sif, types.MessageTypeHeartbeat, lo.ToAnySlice(payloadModules)))
		}

		if len(descs) > 0 {
			suos = append(suos, newSUO(sif, types.MessageTypeMetaChanged, lo.ToAnySlice(descs)))
		}
		if len(descs) > 0 || firstSeen || !wasOnline {
			suos = append(suos, newSUO(sif, types.MessageTypeDeviceMetadata, []any{d.MetadataCopy()}))
		}
	})

	for _, suo := range suos {
		n.emit(ctx, suo)
	}
}

func (n *Normalizer) handleMetadataMessage(ctx context.Context, sif types.SIF) {
	full := sif.MessageType == types.MessageTypeDevModInfo
	now := at(sif)
	var suos []types.SUO

	n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
		firstSeen := !d.MetaSeen

		if d.Metadata.DeviceType == "" {
			d.Metadata.DeviceType = sif.DeviceType
		}

		descs := mergeMetadata(&d.Metadata, sif.Info, sif.Modules, full)
		if firstSeen {
			descs = nil
		}
		d.Metadata.LastSeenInfo = now
		d.MetaSeen = true

		if len(descs) > 0 {
			suos = append(suos, newSUO(sif, types.MessageTypeMetaChanged, lo.ToAnySlice(descs)))
		}
		if len(descs) > 0 || firstSeen {
			suos = append(suos, newSUO(sif, types.MessageTypeDeviceMetadata, []any{d.MetadataCopy()}))
		}
	})

	for _, suo := range suos {
		n.emit(ctx, suo)
	}
}

// handleRFIDSnapshot diffs each module's incoming snapshot against the
// cached one, emits the diff as one RFID_EVENT SUO, atomically replaces
// the cached snapshot and emits the new snapshot for archival. A module
// whose snapshot came back empty has no slots; its identity rides on
// sif.Modules so the diff still detaches every cached tag.
func (n *Normalizer) handleRFIDSnapshot(ctx context.Context, sif types.SIF) {
	now := at(sif)
	order, groups := groupByModule(sif.RFID, func(s types.RFIDSlot) int { return s.ModuleIndex })

	for _, m := range sif.Modules {
		if _, seen := groups[m.ModuleIndex]; !seen {
			order = append(order, m.ModuleIndex)
			groups[m.ModuleIndex] = nil
		}
	}

	for _, mi := range order {
		curr := snapshotFromSlots(groups[mi])

		var events []types.RFIDEvent
		var moduleID string

		n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
			events = diffSnapshots(d.SnapshotCopy(mi), curr)

			ms := d.Module(mi)
			ms.RFIDSnapshot = curr
			ms.LastSeenRFID = now
			moduleID = d.ModuleID(mi)
		})

		if len(events) > 0 {
			n.emit(ctx, moduleSUO(sif, types.MessageTypeRFIDEvent, mi, moduleID, lo.ToAnySlice(events)))
		}
		// an unchanged empty snapshot archives nothing new
		if len(curr) > 0 || len(events) > 0 {
			n.emit(ctx, moduleSUO(sif, types.MessageTypeRFIDSnapshot, mi, moduleID, lo.ToAnySlice(curr)))
		}
	}
}

// handleRFIDEventBinary merges single-slot changes into the cached
// snapshot; only full snapshots replace it wholesale.
func (n *Normalizer) handleRFIDEventBinary(ctx context.Context, sif types.SIF) {
	now := at(sif)
	order, groups := groupByModule(sif.RFID, func(s types.RFIDSlot) int { return s.ModuleIndex })

	for _, mi := range order {
		var events []types.RFIDEvent
		var moduleID string

		n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
			ms := d.Module(mi)
			byIndex := lo.KeyBy(ms.RFIDSnapshot, func(e types.RFIDEntry) int { return e.SensorIndex })

			for _, slot := range groups[mi] {
				events = append(events, mergeSlot(byIndex, slot)...)
			}

			ms.RFIDSnapshot = lo.Values(byIndex)
			sortSnapshot(ms.RFIDSnapshot)
			ms.LastSeenRFID = now
			moduleID = d.ModuleID(mi)
		})

		if len(events) > 0 {
			n.emit(ctx, moduleSUO(sif, types.MessageTypeRFIDEvent, mi, moduleID, lo.ToAnySlice(events)))
		}
	}
}

// handleRFIDEventJSON: the JSON family's change notifications carry no
// tag identity, so the cache is left untouched and a full snapshot is
// requested from the device instead. The response flows back through the
// snapshot path.
func (n *Normalizer) handleRFIDEventJSON(ctx context.Context, sif types.SIF) {
	indices := lo.Uniq(lo.Map(sif.RFID, func(s types.RFIDSlot, _ int) int { return s.ModuleIndex }))

	for _, mi := range indices {
		n.bus.Publish(ctx, eventbus.TopicCommandRequest, types.CommandRequest{
			Type:        types.CommandQueryRFIDSnapshot,
			DeviceID:    sif.DeviceID,
			ModuleIndex: mi,
		})
	}
}

func (n *Normalizer) handleTempHum(ctx context.Context, sif types.SIF) {
	now := at(sif)
	order, groups := groupByModule(sif.TempHum, func(s types.TempHumSlot) int { return s.ModuleIndex })

	for _, mi := range order {
		readings := lo.Map(groups[mi], func(s types.TempHumSlot, _ int) types.TempHumReading {
			return types.TempHumReading{SensorIndex: s.THIndex, Temp: s.Temp, Hum: s.Hum}
		})

		var moduleID string
		n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
			ms := d.Module(mi)
			ms.TempHum = readings
			ms.LastSeenTH = now
			moduleID = d.ModuleID(mi)
		})

		n.emit(ctx, moduleSUO(sif, sif.MessageType, mi, moduleID, lo.ToAnySlice(readings)))
	}
}

func (n *Normalizer) handleNoise(ctx context.Context, sif types.SIF) {
	now := at(sif)
	order, groups := groupByModule(sif.Noise, func(s types.NoiseSlot) int { return s.ModuleIndex })

	for _, mi := range order {
		readings := lo.Map(groups[mi], func(s types.NoiseSlot, _ int) types.NoiseReading {
			return types.NoiseReading{SensorIndex: s.NSIndex, Noise: s.Noise}
		})

		var moduleID string
		n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
			ms := d.Module(mi)
			ms.Noise = readings
			ms.LastSeenNS = now
			moduleID = d.ModuleID(mi)
		})

		n.emit(ctx, moduleSUO(sif, types.MessageTypeNoiseLevel, mi, moduleID, lo.ToAnySlice(readings)))
	}
}

func (n *Normalizer) handleDoor(ctx context.Context, sif types.SIF) {
	if sif.Door == nil {
		return
	}
	door := *sif.Door
	now := at(sif)

	var moduleID string
	n.cache.Update(sif.DeviceID, func(d *statecache.DeviceState) {
		ms := d.Module(door.ModuleIndex)
		if door.DoorState != nil {
			ms.DoorState = door.DoorState
		}
		if door.Door1State != nil {
			ms.Door1State = door.Door1State
		}
		if door.Door2State != nil {
			ms.Door2State = door.Door2State
		}
		ms.LastSeenDoor = now
		moduleID = d.ModuleID(door.ModuleIndex)
	})

	n.emit(ctx, moduleSUO(sif, sif.MessageType, door.ModuleIndex, moduleID, []any{door}))
}

func (n *Normalizer) handleCommandResult(ctx context.Context, sif types.SIF) {
	if sif.CmdResult == nil {
		return
	}
	// scalar results are wrapped in a single-element payload
	n.emit(ctx, newSUO(sif, sif.MessageType, []any{*sif.CmdResult}))
}

// mergeSlot applies one event slot to the indexed snapshot and returns
// the derived events.
func mergeSlot(byIndex map[int]types.RFIDEntry, slot types.RFIDSlot) []types.RFIDEvent {
	idx := slot.UIndex
	prev, occupied := byIndex[idx]

	if slot.TagID == "" {
		if !occupied {
			return nil
		}
		delete(byIndex, idx)
		return []types.RFIDEvent{{SensorIndex: idx, TagID: prev.TagID, Action: types.ActionDetached}}
	}

	next := types.RFIDEntry{SensorIndex: idx, TagID: slot.TagID, IsAlarm: slot.IsAlarm}
	byIndex[idx] = next

	switch {
	case !occupied:
		return []types.RFIDEvent{{SensorIndex: idx, TagID: slot.TagID, Action: types.ActionAttached, Alarm: slot.IsAlarm}}
	case prev.TagID != slot.TagID:
		return []types.RFIDEvent{
			{SensorIndex: idx, TagID: prev.TagID, Action: types.ActionDetached},
			{SensorIndex: idx, TagID: slot.TagID, Action: types.ActionAttached, Alarm: slot.IsAlarm},
		}
	case prev.IsAlarm != slot.IsAlarm:
		action := types.ActionAlarmOff
		if slot.IsAlarm {
			action = types.ActionAlarmOn
		}
		return []types.RFIDEvent{{SensorIndex: idx, TagID: slot.TagID, Action: action, Alarm: slot.IsAlarm}}
	default:
		return nil
	}
}

func sortSnapshot(entries []types.RFIDEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SensorIndex < entries[j].SensorIndex
	})
}
