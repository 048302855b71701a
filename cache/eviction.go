package cache

import (
	"sort"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
)

// victim is the bookkeeping view of an entry during victim selection.
type victim struct {
	key       imagekey.Key
	size      int64
	atime     time.Time
	thumbnail bool
}

// evictionNeeded reports whether a put has pushed the level past its
// eviction trigger: strictly above the start ratio by bytes, or above
// the element cap.
func evictionNeeded(p Policy, used, count int64) bool {
	if p.MaxBytes > 0 && float64(used) > p.EvictStartRatio*float64(p.MaxBytes) {
		return true
	}
	if p.MaxElements > 0 && count > p.MaxElements {
		return true
	}
	return false
}

// evictionTargets returns the byte and element counts a triggered pass
// must reach before it stops. A zero cap on an axis returns -1 for that
// axis (no constraint). The element target applies the same hysteresis
// proportion as the byte target.
func evictionTargets(p Policy) (stopBytes, stopElements int64) {
	stopBytes, stopElements = -1, -1
	if p.MaxBytes > 0 {
		stopBytes = int64(p.stopRatio() * float64(p.MaxBytes))
	}
	if p.MaxElements > 0 {
		stopElements = int64(float64(p.MaxElements) * p.stopRatio() / p.EvictStartRatio)
	}
	return stopBytes, stopElements
}

// evictionPlan selects victims in eviction order until the level would
// settle at or below its stop targets. Once triggered, the pass runs to
// completion regardless of how far past the trigger the level was.
// Selection is deterministic: ties break on smaller size, then key order.
func evictionPlan(p Policy, entries []victim, used, count int64) []victim {
	stopBytes, stopElements := evictionTargets(p)

	sort.Slice(entries, func(i, j int) bool {
		return evictBefore(p.Priority, entries[i], entries[j])
	})

	var plan []victim
	for _, v := range entries {
		if (stopBytes < 0 || used <= stopBytes) && (stopElements < 0 || count <= stopElements) {
			break
		}
		plan = append(plan, v)
		used -= v.size
		count--
	}
	return plan
}

// evictBefore orders entries by eviction preference for the given
// priority: true means a is evicted ahead of b.
func evictBefore(p Priority, a, b victim) bool {
	switch p {
	case PriorityThumbnail:
		// Thumbnails are retained; non-thumbnails go first, oldest first.
		if a.thumbnail != b.thumbnail {
			return !a.thumbnail
		}
		return byAge(a, b)
	case PriorityLargest:
		// Favour largest for retention: evict smallest first.
		if a.size != b.size {
			return a.size < b.size
		}
		return byAge(a, b)
	case PrioritySmallest:
		// Favour smallest for retention: evict largest first.
		if a.size != b.size {
			return a.size > b.size
		}
		return byAge(a, b)
	default: // PriorityNewest
		// Favour newest for retention: evict oldest access time first.
		return byAge(a, b)
	}
}

func byAge(a, b victim) bool {
	if !a.atime.Equal(b.atime) {
		return a.atime.Before(b.atime)
	}
	if a.size != b.size {
		return a.size < b.size
	}
	return a.key < b.key
}

// alarmed reports whether the free-space alarm threshold is breached.
func alarmed(p Policy, used int64) bool {
	if p.MaxBytes <= 0 {
		return false
	}
	free := p.MaxBytes - used
	return float64(free)/float64(p.MaxBytes) < p.AlarmFreeRatio
}
