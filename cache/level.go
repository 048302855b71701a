// Package cache implements the tiered content cache stack of the image
// repository: an in-process memory tier, a local filesystem tier and
// remote object-container tiers, all behind one Level contract with a
// shared eviction policy engine.
//
// Levels are chained top-down in configuration order; each level holds
// only a handle to the tier below it, never a back-reference. Presence of
// a key at any level implies the key is either an original in the
// persistent store or derivable from one, so every cached entry is
// regenerable and all tiers are advisory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
)

// ErrNotFound is returned by Get on a cache miss.
var ErrNotFound = errors.New("cache: entry not found")

// ErrCapacity is returned by Put when a single entry can never fit within
// the level's configured byte cap.
var ErrCapacity = errors.New("cache: entry exceeds level capacity")

// Entry is a cached artifact together with its housekeeping metadata.
type Entry struct {
	Key       imagekey.Key
	Data      []byte
	Size      int64
	CTime     time.Time
	ATime     time.Time
	Thumbnail bool
}

// Stats is a point-in-time accounting snapshot of a level.
type Stats struct {
	UsedBytes      int64
	ElementCount   int64
	MaxBytes       int64
	MaxElements    int64
	AlarmTriggered bool
}

// Priority names the retention preference used for victim selection.
// The name denotes which entries to favour for retention: "newest" keeps
// recently used entries and evicts the oldest access times first.
type Priority string

const (
	PriorityNewest    Priority = "newest"
	PriorityLargest   Priority = "largest"
	PrioritySmallest  Priority = "smallest"
	PriorityThumbnail Priority = "thumbnail"
)

// PriorityFromString parses a priority name.
func PriorityFromString(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityNewest, PriorityLargest, PrioritySmallest, PriorityThumbnail:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("cache: unknown priority %q", s)
	}
}

// Writeback names the propagation mode towards the next level.
type Writeback string

const (
	WritebackEager Writeback = "eager"
	WritebackLazy  Writeback = "lazy"
	WritebackNever Writeback = "never"
)

// WritebackFromString parses a writeback mode name.
func WritebackFromString(s string) (Writeback, error) {
	switch Writeback(s) {
	case WritebackEager, WritebackLazy, WritebackNever:
		return Writeback(s), nil
	default:
		return "", fmt.Errorf("cache: unknown writeback mode %q", s)
	}
}

// AlarmEvent signals that a level's free space dropped below its alarm
// threshold. Alarms are observability only and never alter cache
// semantics.
type AlarmEvent struct {
	LevelID   string
	UsedBytes int64
	MaxBytes  int64
}

// AlarmSink receives alarm events. Sinks must be cheap and must not
// block; they are invoked inline on the put and stat paths.
type AlarmSink func(AlarmEvent)

// Policy configures capacity, eviction and writeback for one level.
// A zero MaxBytes or MaxElements means unlimited on that axis.
type Policy struct {
	MaxBytes        int64
	MaxElements     int64
	EvictStartRatio float64
	EvictHysteresis float64
	AlarmFreeRatio  float64
	Priority        Priority
	Writeback       Writeback
}

// DefaultPolicy returns the policy defaults used when fields are unset:
// eviction starts at 80% of capacity with 0.2 hysteresis, alarms below
// 10% free, retention favours newest, no writeback.
func DefaultPolicy() Policy {
	return Policy{
		EvictStartRatio: 0.8,
		EvictHysteresis: 0.2,
		AlarmFreeRatio:  0.1,
		Priority:        PriorityNewest,
		Writeback:       WritebackNever,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.EvictStartRatio == 0 {
		p.EvictStartRatio = def.EvictStartRatio
	}
	if p.EvictHysteresis == 0 {
		p.EvictHysteresis = def.EvictHysteresis
	}
	if p.AlarmFreeRatio == 0 {
		p.AlarmFreeRatio = def.AlarmFreeRatio
	}
	if p.Priority == "" {
		p.Priority = def.Priority
	}
	if p.Writeback == "" {
		p.Writeback = def.Writeback
	}
	return p
}

// Validate rejects malformed policies.
func (p Policy) Validate() error {
	if p.MaxBytes < 0 || p.MaxElements < 0 {
		return fmt.Errorf("cache: negative capacity")
	}
	if p.EvictStartRatio <= 0 || p.EvictStartRatio >= 1 {
		return fmt.Errorf("cache: evict start ratio %v outside (0,1)", p.EvictStartRatio)
	}
	if p.EvictHysteresis < 0 {
		return fmt.Errorf("cache: negative evict hysteresis %v", p.EvictHysteresis)
	}
	if p.AlarmFreeRatio <= 0 || p.AlarmFreeRatio >= 1 {
		return fmt.Errorf("cache: alarm free ratio %v outside (0,1)", p.AlarmFreeRatio)
	}
	if _, err := PriorityFromString(string(p.Priority)); err != nil {
		return err
	}
	if _, err := WritebackFromString(string(p.Writeback)); err != nil {
		return err
	}
	return nil
}

// stopRatio is the byte ratio at which a triggered eviction pass stops,
// clamped to not go below zero.
func (p Policy) stopRatio() float64 {
	stop := p.EvictStartRatio - p.EvictHysteresis
	if stop < 0 {
		stop = 0
	}
	return stop
}

// Level is the uniform contract over every store tier.
//
// All operations are safe for concurrent use. Lookup failures other than
// ErrNotFound are to be treated as misses by callers, so a flaky tier
// cannot prevent service.
type Level interface {
	// ID names the level for logging, stats and alarms.
	ID() string

	// Get returns the entry and updates its access time.
	// Returns an error satisfying errors.Is(err, ErrNotFound) on a miss.
	Get(ctx context.Context, key imagekey.Key) (*Entry, error)

	// Put inserts or replaces an entry. It may trigger a synchronous
	// eviction pass. Returns ErrCapacity if the entry can never fit.
	Put(ctx context.Context, key imagekey.Key, data []byte, thumbnail bool) error

	// Invalidate removes every entry whose key matches pred and reports
	// how many were removed. Invalidated entries are not written back.
	Invalidate(ctx context.Context, pred func(imagekey.Key) bool) (int, error)

	// Stat returns the accounting snapshot, emitting an alarm event if
	// the free-space threshold is breached.
	Stat(ctx context.Context) (Stats, error)

	// NextLevel returns the tier below, or nil at the bottom of the chain.
	NextLevel() Level

	// Writeback reports the level's configured writeback mode.
	Writeback() Writeback

	// Close releases background workers, draining pending writebacks
	// best-effort.
	Close() error
}
