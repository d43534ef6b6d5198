// Package classify turns raw snapshot differences into classified change records.
//
// Compound patterns are detected before any change is classified on its own:
// two date changes that exchange dates become one swap, and a removal plus an
// addition in the same store-day slot become one replacement.
package classify

import (
	"crypto/sha256"
	"dispenser-watch/pkg/schedule"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Classify consumes raw changes and returns classified changes.
// prev and cur provide store-day context for severity; either may be nil.
func Classify(raw []schedule.RawChange, prev, cur *schedule.Snapshot, now time.Time) []schedule.ClassifiedChange {
	var dateChanges, removed, added []schedule.RawChange
	for _, rc := range raw {
		switch rc.Kind {
		case schedule.KindDateChanged:
			dateChanges = append(dateChanges, rc)
		case schedule.KindRemoved:
			removed = append(removed, rc)
		case schedule.KindAdded:
			added = append(added, rc)
		}
	}

	var out []schedule.ClassifiedChange

	swaps, singles := pairSwaps(dateChanges)
	for _, s := range swaps {
		out = append(out, swapped(s[0], s[1]))
	}
	for _, rc := range singles {
		out = append(out, dateChanged(rc))
	}

	pairs, loneRemoved, loneAdded := pairReplacements(removed, added)
	for _, p := range pairs {
		out = append(out, replaced(*p[0].Item, *p[1].Item))
	}

	prevDays := storeDays(prev)
	for _, rc := range loneRemoved {
		sev := schedule.SeverityNormal
		if prevDays[storeDayKey(*rc.Item)] == 1 {
			sev = schedule.SeverityHigh // store-day is now empty
		}
		out = append(out, single(schedule.KindRemoved, *rc.Item, sev))
	}
	for _, rc := range loneAdded {
		sev := schedule.SeverityNormal
		if prevDays[storeDayKey(*rc.Item)] == 0 {
			sev = schedule.SeverityHigh // surprise day
		}
		out = append(out, single(schedule.KindAdded, *rc.Item, sev))
	}

	for i := range out {
		out[i].DetectedAt = now
	}
	Sort(out)
	return out
}

// Sort orders changes by severity, then kind, then first referenced id.
func Sort(changes []schedule.ClassifiedChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return firstID(a) < firstID(b)
	})
}

func firstID(c schedule.ClassifiedChange) string {
	if ids := c.IDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// pairSwaps pairs date changes that exchange dates. Changes are visited in id
// order and each pairs with the lowest-id unpaired partner.
func pairSwaps(changes []schedule.RawChange) (pairs [][2]schedule.RawChange, singles []schedule.RawChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	used := make([]bool, len(changes))
	for i := range changes {
		if used[i] {
			continue
		}
		for j := i + 1; j < len(changes); j++ {
			if used[j] {
				continue
			}
			a, b := changes[i], changes[j]
			if a.NewDate == b.OldDate && b.NewDate == a.OldDate {
				used[i], used[j] = true, true
				pairs = append(pairs, [2]schedule.RawChange{a, b})
				break
			}
		}
		if !used[i] {
			singles = append(singles, changes[i])
		}
	}
	return pairs, singles
}

// pairReplacements pairs removals and additions sharing store and effective date.
// A slot with exactly one of each always pairs. Busier slots pair only items that
// are each other's unique candidate with a matching dispenser count.
func pairReplacements(removed, added []schedule.RawChange) (pairs [][2]schedule.RawChange, loneRemoved, loneAdded []schedule.RawChange) {
	type slot struct {
		removed []schedule.RawChange
		added   []schedule.RawChange
	}
	slots := make(map[string]*slot)
	var keys []string
	get := func(key string) *slot {
		s, ok := slots[key]
		if !ok {
			s = &slot{}
			slots[key] = s
			keys = append(keys, key)
		}
		return s
	}
	for _, rc := range removed {
		s := get(storeDayKey(*rc.Item))
		s.removed = append(s.removed, rc)
	}
	for _, rc := range added {
		s := get(storeDayKey(*rc.Item))
		s.added = append(s.added, rc)
	}
	sort.Strings(keys)

	for _, key := range keys {
		s := slots[key]
		if len(s.removed) == 1 && len(s.added) == 1 {
			pairs = append(pairs, [2]schedule.RawChange{s.removed[0], s.added[0]})
			continue
		}

		pairedR := make([]bool, len(s.removed))
		pairedA := make([]bool, len(s.added))
		for i, r := range s.removed {
			match := -1
			count := 0
			for j, a := range s.added {
				if a.Item.DispenserCount == r.Item.DispenserCount {
					match = j
					count++
				}
			}
			if count != 1 {
				continue
			}
			back := 0
			for _, r2 := range s.removed {
				if r2.Item.DispenserCount == s.added[match].Item.DispenserCount {
					back++
				}
			}
			if back != 1 {
				continue
			}
			pairedR[i], pairedA[match] = true, true
			pairs = append(pairs, [2]schedule.RawChange{r, s.added[match]})
		}
		for i, r := range s.removed {
			if !pairedR[i] {
				loneRemoved = append(loneRemoved, r)
			}
		}
		for j, a := range s.added {
			if !pairedA[j] {
				loneAdded = append(loneAdded, a)
			}
		}
	}
	return pairs, loneRemoved, loneAdded
}

func storeDayKey(item schedule.WorkItem) string {
	return item.StoreID + "|" + item.EffectiveDate()
}

func storeDays(s *schedule.Snapshot) map[string]int {
	days := make(map[string]int)
	if s == nil {
		return days
	}
	for _, item := range s.Items {
		days[storeDayKey(item)]++
	}
	return days
}

func swapped(a, b schedule.RawChange) schedule.ClassifiedChange {
	if b.ID < a.ID {
		a, b = b, a
	}
	sw := &schedule.Swap{
		IDA:      a.ID,
		IDB:      b.ID,
		OldDateA: a.OldDate,
		NewDateA: a.NewDate,
		OldDateB: b.OldDate,
		NewDateB: b.NewDate,
	}
	return schedule.ClassifiedChange{
		Kind:     schedule.KindSwapped,
		Severity: schedule.SeverityHigh,
		Item:     a.After,
		Swap:     sw,
		ContentHash: Hash(schedule.KindSwapped, map[string]string{
			"id_a":       sw.IDA,
			"id_b":       sw.IDB,
			"old_date_a": sw.OldDateA,
			"new_date_a": sw.NewDateA,
			"old_date_b": sw.OldDateB,
			"new_date_b": sw.NewDateB,
		}),
	}
}

func dateChanged(rc schedule.RawChange) schedule.ClassifiedChange {
	return schedule.ClassifiedChange{
		Kind:     schedule.KindDateChanged,
		Severity: schedule.SeverityNormal,
		Item:     rc.After,
		OldDate:  rc.OldDate,
		NewDate:  rc.NewDate,
		ContentHash: Hash(schedule.KindDateChanged, map[string]string{
			"id":       rc.ID,
			"old_date": rc.OldDate,
			"new_date": rc.NewDate,
		}),
	}
}

func replaced(removed, added schedule.WorkItem) schedule.ClassifiedChange {
	return schedule.ClassifiedChange{
		Kind:        schedule.KindReplaced,
		Severity:    schedule.SeverityCritical,
		Item:        &added,
		Replacement: &schedule.Replacement{Removed: removed, Added: added},
		ContentHash: Hash(schedule.KindReplaced, map[string]string{
			"removed_id": removed.ID,
			"added_id":   added.ID,
			"store_id":   added.StoreID,
			"date":       added.EffectiveDate(),
		}),
	}
}

func single(kind schedule.Kind, item schedule.WorkItem, sev schedule.Severity) schedule.ClassifiedChange {
	return schedule.ClassifiedChange{
		Kind:     kind,
		Severity: sev,
		Item:     &item,
		ContentHash: Hash(kind, map[string]string{
			"id":             item.ID,
			"store_id":       item.StoreID,
			"scheduled_date": item.ScheduledDate,
		}),
	}
}

// Hash derives a stable content hash from a change kind and its payload fields.
func Hash(kind schedule.Kind, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(kind))
	for _, k := range keys {
		fmt.Fprintf(&b, "\x1f%s=%s", k, fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
