// Package diff compares two snapshots of scheduled visits.
package diff

import (
	"dispenser-watch/pkg/schedule"
	"fmt"
	"sort"
)

// Diff returns the structural changes between prev and cur.
// Only a changed ScheduledDate produces a DateChanged record; other attribute
// differences are ignored. Output is sorted by id but callers must not rely on it.
func Diff(prev, cur *schedule.Snapshot) ([]schedule.RawChange, error) {
	before, err := prev.Index()
	if err != nil {
		return nil, fmt.Errorf("previous snapshot: %w", err)
	}
	after, err := cur.Index()
	if err != nil {
		return nil, fmt.Errorf("current snapshot: %w", err)
	}

	var changes []schedule.RawChange
	for id, item := range after {
		old, ok := before[id]
		if !ok {
			added := item
			changes = append(changes, schedule.RawChange{Kind: schedule.KindAdded, ID: id, Item: &added})
			continue
		}
		if old.ScheduledDate != item.ScheduledDate {
			b, a := old, item
			changes = append(changes, schedule.RawChange{
				Kind:    schedule.KindDateChanged,
				ID:      id,
				Before:  &b,
				After:   &a,
				OldDate: old.ScheduledDate,
				NewDate: item.ScheduledDate,
			})
		}
	}
	for id, item := range before {
		if _, ok := after[id]; !ok {
			removed := item
			changes = append(changes, schedule.RawChange{Kind: schedule.KindRemoved, ID: id, Item: &removed})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].ID != changes[j].ID {
			return changes[i].ID < changes[j].ID
		}
		return changes[i].Kind < changes[j].Kind
	})
	return changes, nil
}
