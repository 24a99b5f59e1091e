package normalizer

import (
	"sort"

	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/samber/lo"
)

// Tie-break precedence for events on the same sensor index.
var actionRank = map[types.Action]int{
	types.ActionDetached: 0,
	types.ActionAttached: 1,
	types.ActionAlarmOn:  2,
	types.ActionAlarmOff: 3,
}

// diffSnapshots computes the symmetric diff between the cached snapshot
// and an incoming one. A changed tag on the same slot yields both a
// DETACHED for the old tag and an ATTACHED for the new one; alarm
// transitions on an unchanged (slot, tag) pair yield ALARM_ON/ALARM_OFF.
// Events come out in ascending sensor index order, action precedence
// breaking ties.
func diffSnapshots(prev, curr []types.RFIDEntry) []types.RFIDEvent {
	occupied := func(e types.RFIDEntry, _ int) bool { return e.TagID != "" }
	prevBy := lo.KeyBy(lo.Filter(prev, occupied), func(e types.RFIDEntry) int { return e.SensorIndex })
	currBy := lo.KeyBy(lo.Filter(curr, occupied), func(e types.RFIDEntry) int { return e.SensorIndex })

	var events []types.RFIDEvent

	for idx, p := range prevBy {
		c, ok := currBy[idx]
		if !ok || c.TagID != p.TagID {
			events = append(events, types.RFIDEvent{
				SensorIndex: idx,
				TagID:       p.TagID,
				Action:      types.ActionDetached,
			})
		}
	}

	for idx, c := range currBy {
		p, ok := prevBy[idx]
		switch {
		case !ok || p.TagID != c.TagID:
			events = append(events, types.RFIDEvent{
				SensorIndex: idx,
				TagID:       c.TagID,
				Action:      types.ActionAttached,
				Alarm:       c.IsAlarm,
			})
		case p.IsAlarm != c.IsAlarm:
			action := types.ActionAlarmOff
			if c.IsAlarm {
				action = types.ActionAlarmOn
			}
			events = append(events, types.RFIDEvent{
				SensorIndex: idx,
				TagID:       c.TagID,
				Action:      action,
				Alarm:       c.IsAlarm,
			})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].SensorIndex != events[j].SensorIndex {
			return events[i].SensorIndex < events[j].SensorIndex
		}
		return actionRank[events[i].Action] < actionRank[events[j].Action]
	})

	return events
}

// snapshotFromSlots maps parser-level rfid slots (uIndex addressing) to
// cache-level snapshot entries (sensorIndex addressing).
func snapshotFromSlots(slots []types.RFIDSlot) []types.RFIDEntry {
	entries := make([]types.RFIDEntry, 0, len(slots))
	for _, s := range slots {
		if s.TagID == "" {
			continue
		}
		entries = append(entries, types.RFIDEntry{
			SensorIndex: s.UIndex,
			TagID:       s.TagID,
			IsAlarm:     s.IsAlarm,
		})
	}
	return entries
}
