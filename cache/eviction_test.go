package cache

import (
	"testing"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(key string, size int64, at time.Time, thumb bool) victim {
	return victim{key: imagekey.Key(key), size: size, atime: at, thumbnail: thumb}
}

func TestEvictionNeeded(t *testing.T) {
	p := Policy{MaxBytes: 1000, MaxElements: 10, EvictStartRatio: 0.8, EvictHysteresis: 0.2}

	assert.False(t, evictionNeeded(p, 800, 5), "exactly the start ratio does not trigger")
	assert.True(t, evictionNeeded(p, 801, 5))
	assert.True(t, evictionNeeded(p, 100, 11), "over the element cap")

	unbounded := Policy{EvictStartRatio: 0.8}
	assert.False(t, evictionNeeded(unbounded, 1<<40, 1<<20))
}

func TestEvictionTargets(t *testing.T) {
	p := Policy{MaxBytes: 1000, MaxElements: 100, EvictStartRatio: 0.8, EvictHysteresis: 0.2}
	stopBytes, stopElems := evictionTargets(p)
	assert.Equal(t, int64(600), stopBytes)
	assert.Equal(t, int64(75), stopElems) // 100 * 0.6/0.8

	bytesOnly := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2}
	stopBytes, stopElems = evictionTargets(bytesOnly)
	assert.Equal(t, int64(600), stopBytes)
	assert.Equal(t, int64(-1), stopElems)
}

func TestEvictionPlanNewest(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PriorityNewest}

	entries := []victim{
		v("c", 300, base.Add(3*time.Second), false),
		v("a", 300, base.Add(1*time.Second), false),
		v("b", 300, base.Add(2*time.Second), false),
	}
	plan := evictionPlan(p, entries, 900, 3)

	// 900 -> stop at 600: one victim, the oldest access time.
	require.Len(t, plan, 1)
	assert.Equal(t, "a", string(plan[0].key))
}

func TestEvictionPlanRunsToCompletion(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PriorityNewest}

	var entries []victim
	for i := 0; i < 9; i++ {
		entries = append(entries, v(string(rune('a'+i)), 100, base.Add(time.Duration(i)*time.Second), false))
	}
	plan := evictionPlan(p, entries, 900, 9)

	// Down from 900 to <= 600: the three oldest go.
	require.Len(t, plan, 3)
	assert.Equal(t, "a", string(plan[0].key))
	assert.Equal(t, "b", string(plan[1].key))
	assert.Equal(t, "c", string(plan[2].key))
}

func TestEvictionPlanIdempotent(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PriorityNewest}

	entries := []victim{
		v("a", 300, base, false),
		v("b", 300, base.Add(time.Second), false),
	}
	// 600 <= stop target: nothing to do.
	assert.Empty(t, evictionPlan(p, entries, 600, 2))
}

func TestEvictionPlanLargestRetainsLargest(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PriorityLargest}

	entries := []victim{
		v("big", 500, base, false),
		v("small", 100, base, false),
		v("mid", 300, base, false),
	}
	plan := evictionPlan(p, entries, 900, 3)

	require.NotEmpty(t, plan)
	assert.Equal(t, "small", string(plan[0].key), "smallest evicted first")
}

func TestEvictionPlanSmallestRetainsSmallest(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PrioritySmallest}

	entries := []victim{
		v("big", 500, base, false),
		v("small", 100, base, false),
		v("mid", 300, base, false),
	}
	plan := evictionPlan(p, entries, 900, 3)

	require.NotEmpty(t, plan)
	assert.Equal(t, "big", string(plan[0].key), "largest evicted first")
}

func TestEvictionPlanThumbnailRetainsThumbnails(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PriorityThumbnail}

	entries := []victim{
		v("thumb-old", 300, base, true),
		v("plain-new", 300, base.Add(5*time.Second), false),
		v("plain-old", 300, base.Add(1*time.Second), false),
	}
	plan := evictionPlan(p, entries, 900, 3)

	require.Len(t, plan, 1)
	assert.Equal(t, "plain-old", string(plan[0].key),
		"non-thumbnails evicted before an older thumbnail")
}

func TestEvictionPlanDeterministicTies(t *testing.T) {
	base := time.Unix(1000, 0)
	p := Policy{MaxBytes: 1000, EvictStartRatio: 0.8, EvictHysteresis: 0.2, Priority: PriorityNewest}

	entries := []victim{
		v("z", 100, base, false),
		v("a", 100, base, false),
		v("a2", 50, base, false),
	}
	plan := evictionPlan(p, entries, 900, 3)
	require.NotEmpty(t, plan)
	assert.Equal(t, "a2", string(plan[0].key), "smaller size breaks the atime tie")
}

func TestAlarmed(t *testing.T) {
	p := Policy{MaxBytes: 1000, AlarmFreeRatio: 0.1}
	assert.False(t, alarmed(p, 900), "exactly 10% free is not below the threshold")
	assert.True(t, alarmed(p, 901))
	assert.False(t, alarmed(Policy{AlarmFreeRatio: 0.1}, 1<<40), "unbounded never alarms")
}
