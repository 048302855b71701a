package imagerepo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational
// metrics. Implement this interface to integrate with monitoring systems
// like Prometheus.
type MetricsCollector interface {
	// RecordResolve is called after each resolve. hitLevel is the level
	// that satisfied the request ("store" on a full miss), derived
	// reports whether a transform ran.
	RecordResolve(hitLevel string, derived bool, duration time.Duration, err error)

	// RecordUpload is called after each upload.
	RecordUpload(size int, duration time.Duration, err error)

	// RecordList is called after each listing.
	RecordList(count int, duration time.Duration, err error)

	// RecordMeta is called after each metadata request.
	RecordMeta(duration time.Duration, err error)

	// RecordAlarm is called for each cache free-space alarm event.
	RecordAlarm(levelID string)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordResolve(string, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordUpload(int, time.Duration, error)           {}
func (NoopMetricsCollector) RecordList(int, time.Duration, error)             {}
func (NoopMetricsCollector) RecordMeta(time.Duration, error)                  {}
func (NoopMetricsCollector) RecordAlarm(string)                               {}

// InProcessMetricsCollector counts operations with atomics. Cheap enough
// to leave on in production; snapshot with Snapshot.
type InProcessMetricsCollector struct {
	resolves    atomic.Int64
	derivations atomic.Int64
	hits        atomic.Int64
	uploads     atomic.Int64
	lists       atomic.Int64
	metas       atomic.Int64
	alarms      atomic.Int64
	errors      atomic.Int64
}

func (m *InProcessMetricsCollector) RecordResolve(hitLevel string, derived bool, _ time.Duration, err error) {
	m.resolves.Add(1)
	if err != nil {
		m.errors.Add(1)
		return
	}
	if derived {
		m.derivations.Add(1)
	}
	if hitLevel != "store" {
		m.hits.Add(1)
	}
}

func (m *InProcessMetricsCollector) RecordUpload(_ int, _ time.Duration, err error) {
	m.uploads.Add(1)
	if err != nil {
		m.errors.Add(1)
	}
}

func (m *InProcessMetricsCollector) RecordList(_ int, _ time.Duration, err error) {
	m.lists.Add(1)
	if err != nil {
		m.errors.Add(1)
	}
}

func (m *InProcessMetricsCollector) RecordMeta(_ time.Duration, err error) {
	m.metas.Add(1)
	if err != nil {
		m.errors.Add(1)
	}
}

func (m *InProcessMetricsCollector) RecordAlarm(string) {
	m.alarms.Add(1)
}

// MetricsSnapshot is a point-in-time read of the in-process counters.
type MetricsSnapshot struct {
	Resolves    int64
	Derivations int64
	CacheHits   int64
	Uploads     int64
	Lists       int64
	Metas       int64
	Alarms      int64
	Errors      int64
}

// Snapshot reads all counters.
func (m *InProcessMetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Resolves:    m.resolves.Load(),
		Derivations: m.derivations.Load(),
		CacheHits:   m.hits.Load(),
		Uploads:     m.uploads.Load(),
		Lists:       m.lists.Load(),
		Metas:       m.metas.Load(),
		Alarms:      m.alarms.Load(),
		Errors:      m.errors.Load(),
	}
}
