package normalizer

import (
	"fmt"
	"sort"

	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/samber/lo"
)

// mergeMetadata folds incoming device info and module descriptions into
// the cached metadata and returns human-readable change descriptions.
// Incremental updates (heartbeat, UTOTAL_CHANGED) never remove modules;
// full snapshots (DEVICE_METADATA sources like DEV_MOD_INFO) do.
func mergeMetadata(meta *types.DeviceMetadata, info *types.DeviceInfo, modules []types.ModuleInfo, full bool) []string {
	var descs []string

	if info != nil {
		descs = append(descs, mergeDeviceFields(meta, info)...)
	}

	for _, incoming := range modules {
		_, i, found := lo.FindIndexOf(meta.ActiveModules, func(m types.ModuleInfo) bool {
			return m.ModuleIndex == incoming.ModuleIndex
		})

		if !found {
			meta.ActiveModules = append(meta.ActiveModules, incoming)
			descs = append(descs, fmt.Sprintf("module %d added", incoming.ModuleIndex))
			continue
		}

		existing := &meta.ActiveModules[i]
		if incoming.ModuleID != "" && existing.ModuleID != "" && incoming.ModuleID != existing.ModuleID {
			descs = append(descs, fmt.Sprintf("module %d replaced: %s → %s", incoming.ModuleIndex, existing.ModuleID, incoming.ModuleID))
		}
		if incoming.UTotal > 0 && existing.UTotal > 0 && incoming.UTotal != existing.UTotal {
			descs = append(descs, fmt.Sprintf("module %d uTotal changed: %d → %d", incoming.ModuleIndex, existing.UTotal, incoming.UTotal))
		}
		if incoming.FwVer != "" && existing.FwVer != "" && incoming.FwVer != existing.FwVer {
			descs = append(descs, fmt.Sprintf("module %d fwVer changed: %s → %s", incoming.ModuleIndex, existing.FwVer, incoming.FwVer))
		}

		if incoming.ModuleID != "" {
			existing.ModuleID = incoming.ModuleID
		}
		if incoming.UTotal > 0 {
			existing.UTotal = incoming.UTotal
		}
		if incoming.FwVer != "" {
			existing.FwVer = incoming.FwVer
		}
	}

	if full {
		kept := meta.ActiveModules[:0]
		for _, existing := range meta.ActiveModules {
			present := lo.ContainsBy(modules, func(m types.ModuleInfo) bool {
				return m.ModuleIndex == existing.ModuleIndex
			})
			if present {
				kept = append(kept, existing)
			} else {
				descs = append(descs, fmt.Sprintf("module %d removed", existing.ModuleIndex))
			}
		}
		meta.ActiveModules = kept
	}

	sort.Slice(meta.ActiveModules, func(i, j int) bool {
		return meta.ActiveModules[i].ModuleIndex < meta.ActiveModules[j].ModuleIndex
	})

	return descs
}

func mergeDeviceFields(meta *types.DeviceMetadata, info *types.DeviceInfo) []string {
	var descs []string

	set := func(name string, field *string, incoming string) {
		if incoming == "" || incoming == *field {
			return
		}
		// the initial population of a field is not a change
		if *field != "" {
			descs = append(descs, fmt.Sprintf("%s changed: %s → %s", name, *field, incoming))
		}
		*field = incoming
	}

	set("ip", &meta.IP, info.IP)
	set("fwVer", &meta.FwVer, info.FwVer)
	set("mac", &meta.MAC, info.MAC)
	set("mask", &meta.Mask, info.Mask)
	set("gwIp", &meta.GwIP, info.GwIP)

	return descs
}
