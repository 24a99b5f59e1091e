package statecache

import (
	"sync"
	"testing"

	"github.com/matryer/is"
	"github.com/rackio/iot-rack-ingest/pkg/types"
)

func TestModuleCreatedOnFirstUse(t *testing.T) {
	is := is.New(t)
	c := New()

	c.Update("DEV001", func(d *DeviceState) {
		m := d.Module(1)
		m.IsOnline = true
	})

	found := c.View("DEV001", func(d DeviceState) {
		is.True(d.Modules[1].IsOnline)
	})
	is.True(found)
	is.Equal(c.Len(), 1)
}

func TestViewUnknownDevice(t *testing.T) {
	is := is.New(t)
	c := New()
	is.Equal(c.View("nope", func(DeviceState) {}), false)
}

func TestMetadataCopyIsDetached(t *testing.T) {
	is := is.New(t)
	c := New()

	c.Update("DEV001", func(d *DeviceState) {
		d.Metadata.ActiveModules = []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "M-1"}}
	})

	var copy1 types.DeviceMetadata
	c.Update("DEV001", func(d *DeviceState) {
		copy1 = d.MetadataCopy()
	})

	copy1.ActiveModules[0].ModuleID = "mutated"

	c.View("DEV001", func(d DeviceState) {
		is.Equal(d.Metadata.ActiveModules[0].ModuleID, "M-1")
	})
}

func TestSnapshotCopyIsDetached(t *testing.T) {
	is := is.New(t)
	c := New()

	c.Update("DEV001", func(d *DeviceState) {
		d.Module(1).RFIDSnapshot = []types.RFIDEntry{{SensorIndex: 3, TagID: "T42"}}
	})

	var snap []types.RFIDEntry
	c.Update("DEV001", func(d *DeviceState) {
		snap = d.SnapshotCopy(1)
	})
	snap[0].TagID = "mutated"

	c.View("DEV001", func(d DeviceState) {
		is.Equal(d.Modules[1].RFIDSnapshot[0].TagID, "T42")
	})
}

func TestConcurrentUpdatesDoNotRace(t *testing.T) {
	is := is.New(t)
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("DEV001", func(d *DeviceState) {
				m := d.Module(1)
				m.RFIDSnapshot = append(m.RFIDSnapshot, types.RFIDEntry{SensorIndex: len(m.RFIDSnapshot)})
			})
		}()
	}
	wg.Wait()

	c.View("DEV001", func(d DeviceState) {
		is.Equal(len(d.Modules[1].RFIDSnapshot), 50)
	})
}

func TestRangeVisitsAllDevices(t *testing.T) {
	is := is.New(t)
	c := New()

	c.Update("b", func(d *DeviceState) {})
	c.Update("a", func(d *DeviceState) {})

	var visited []string
	c.Range(func(id string, d *DeviceState) { visited = append(visited, id) })

	is.Equal(visited, []string{"a", "b"})
}
