package normalizer

import (
	"testing"

	"github.com/matryer/is"
	"github.com/rackio/iot-rack-ingest/pkg/types"
)

func TestMergeMetadataInitialPopulationIsSilent(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{}
	descs := mergeDeviceFields(&meta, &types.DeviceInfo{IP: "10.0.0.5", FwVer: "1.0.0"})

	is.Equal(len(descs), 0)
	is.Equal(meta.IP, "10.0.0.5")
	is.Equal(meta.FwVer, "1.0.0")
}

func TestMergeMetadataReportsFieldChanges(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{IP: "10.0.0.5"}
	descs := mergeDeviceFields(&meta, &types.DeviceInfo{IP: "10.0.0.9"})

	is.Equal(len(descs), 1)
	is.Equal(descs[0], "ip changed: 10.0.0.5 → 10.0.0.9")
	is.Equal(meta.IP, "10.0.0.9")
}

func TestMergeMetadataModuleAdded(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{}
	descs := mergeMetadata(&meta, nil, []types.ModuleInfo{{ModuleIndex: 2, ModuleID: "M-2", UTotal: 42}}, false)

	is.Equal(descs, []string{"module 2 added"})
	is.Equal(len(meta.ActiveModules), 1)
	is.Equal(meta.ActiveModules[0].UTotal, 42)
}

func TestMergeMetadataModuleReplaced(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{
		ActiveModules: []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "OLD"}},
	}
	descs := mergeMetadata(&meta, nil, []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "NEW"}}, false)

	is.Equal(descs, []string{"module 1 replaced: OLD → NEW"})
	is.Equal(meta.ActiveModules[0].ModuleID, "NEW")
}

func TestMergeMetadataUTotalChange(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{
		ActiveModules: []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "M-1", UTotal: 42}},
	}
	descs := mergeMetadata(&meta, nil, []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "M-1", UTotal: 48}}, false)

	is.Equal(descs, []string{"module 1 uTotal changed: 42 → 48"})
	is.Equal(meta.ActiveModules[0].UTotal, 48)
}

func TestMergeMetadataIncrementalNeverRemoves(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{
		ActiveModules: []types.ModuleInfo{
			{ModuleIndex: 1, ModuleID: "M-1"},
			{ModuleIndex: 2, ModuleID: "M-2"},
		},
	}
	descs := mergeMetadata(&meta, nil, []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "M-1"}}, false)

	is.Equal(len(descs), 0)
	is.Equal(len(meta.ActiveModules), 2)
}

func TestMergeMetadataFullSnapshotRemoves(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{
		ActiveModules: []types.ModuleInfo{
			{ModuleIndex: 1, ModuleID: "M-1"},
			{ModuleIndex: 2, ModuleID: "M-2"},
		},
	}
	descs := mergeMetadata(&meta, nil, []types.ModuleInfo{{ModuleIndex: 2, ModuleID: "M-2"}}, true)

	is.Equal(descs, []string{"module 1 removed"})
	is.Equal(len(meta.ActiveModules), 1)
	is.Equal(meta.ActiveModules[0].ModuleIndex, 2)
}

func TestMergeMetadataModulesSortedByIndex(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{}
	mergeMetadata(&meta, nil, []types.ModuleInfo{
		{ModuleIndex: 3, ModuleID: "M-3"},
		{ModuleIndex: 1, ModuleID: "M-1"},
	}, false)

	is.Equal(meta.ActiveModules[0].ModuleIndex, 1)
	is.Equal(meta.ActiveModules[1].ModuleIndex, 3)
}

func TestMergeMetadataEmptyIncomingFieldsKeepCached(t *testing.T) {
	is := is.New(t)

	meta := types.DeviceMetadata{
		IP:            "10.0.0.5",
		ActiveModules: []types.ModuleInfo{{ModuleIndex: 1, ModuleID: "M-1", UTotal: 42}},
	}
	descs := mergeMetadata(&meta, &types.DeviceInfo{}, []types.ModuleInfo{{ModuleIndex: 1}}, false)

	is.Equal(len(descs), 0)
	is.Equal(meta.IP, "10.0.0.5")
	is.Equal(meta.ActiveModules[0].ModuleID, "M-1")
	is.Equal(meta.ActiveModules[0].UTotal, 42)
}
