package statecache

import (
	"sort"
	"sync"

	"github.com/rackio/iot-rack-ingest/pkg/types"
)

// DeviceState is the cached state for one gateway: device-scoped
// metadata plus per-module telemetry. It is only ever touched under the
// owning device lock; callers that need data outside the lock take
// copies.
type DeviceState struct {
	Metadata types.DeviceMetadata
	MetaSeen bool
	Online   bool
	Modules  map[int]*types.ModuleState
}

// Module returns the telemetry entry for a module index, creating it on
// first use. Entries live until process restart.
func (d *DeviceState) Module(index int) *types.ModuleState {
	m, ok := d.Modules[index]
	if !ok {
		m = &types.ModuleState{}
		d.Modules[index] = m
	}
	return m
}

// ModuleID resolves a module index to its cached serial, if known.
func (d *DeviceState) ModuleID(index int) string {
	for _, m := range d.Metadata.ActiveModules {
		if m.ModuleIndex == index {
			return m.ModuleID
		}
	}
	return ""
}

// MetadataCopy returns a deep copy safe to hand out of the lock.
func (d *DeviceState) MetadataCopy() types.DeviceMetadata {
	meta := d.Metadata
	meta.ActiveModules = append([]types.ModuleInfo(nil), d.Metadata.ActiveModules...)
	meta.IsOnline = d.Online
	return meta
}

// SnapshotCopy returns a copy of a module's rfid snapshot for diffing.
func (d *DeviceState) SnapshotCopy(index int) []types.RFIDEntry {
	m, ok := d.Modules[index]
	if !ok {
		return nil
	}
	return append([]types.RFIDEntry(nil), m.RFIDSnapshot...)
}

// Cache is the process-resident state store. It is the only shared
// mutable state in the pipeline; all access goes through per-device
// locks so that a diff-then-write sequence can never lose an update.
type Cache struct {
	mu      sync.Mutex
	devices map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state DeviceState
}

func New() *Cache {
	return &Cache{devices: make(map[string]*entry)}
}

func (c *Cache) device(deviceID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[deviceID]
	if !ok {
		e = &entry{state: DeviceState{Modules: make(map[int]*types.ModuleState)}}
		c.devices[deviceID] = e
	}
	return e
}

// Update runs fn with exclusive access to the device state, creating the
// entry if this is the first message for the device.
func (c *Cache) Update(deviceID string, fn func(*DeviceState)) {
	e := c.device(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// View runs fn with shared access semantics (still exclusive, but fn
// must not mutate). Returns false when the device is unknown.
func (c *Cache) View(deviceID string, fn func(DeviceState)) bool {
	c.mu.Lock()
	e, ok := c.devices[deviceID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
	return true
}

// Range visits every device in stable order, holding that device's lock
// for the duration of fn. Used by the watchdog scan.
func (c *Cache) Range(fn func(deviceID string, d *DeviceState)) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)

	for _, id := range ids {
		c.mu.Lock()
		e, ok := c.devices[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		fn(id, &e.state)
		e.mu.Unlock()
	}
}

// Len reports the number of known devices.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}
