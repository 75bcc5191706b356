package preview

import (
	"sync/atomic"
	"time"
)

// Metrics tracks preview session performance counters. All methods are safe
// for concurrent use.
type Metrics struct {
	// Compile timing
	compileCount   atomic.Uint64
	compileTotalNs atomic.Int64
	compileMinNs   atomic.Int64
	compileMaxNs   atomic.Int64
	lastCompileNs  atomic.Int64
	compileErrors  atomic.Uint64
	staleDropped   atomic.Uint64

	// Surface traffic
	rendersDispatched atomic.Uint64
	runtimeErrors     atomic.Uint64

	// Scroll sync
	syncsIssued   atomic.Uint64
	syncsDropped  atomic.Uint64

	// Gateway rejections
	originRejected atomic.Uint64
	oversized      atomic.Uint64
	rateLimited    atomic.Uint64
	invalidSchema  atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	// Initialize min to max int64 so the first compile is smaller.
	m.compileMinNs.Store(1<<63 - 1)
	return m
}

// RecordCompile records a successful compile's duration.
func (m *Metrics) RecordCompile(duration time.Duration) {
	ns := duration.Nanoseconds()

	m.compileCount.Add(1)
	m.compileTotalNs.Add(ns)
	m.lastCompileNs.Store(ns)

	for {
		old := m.compileMinNs.Load()
		if ns >= old {
			break
		}
		if m.compileMinNs.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.compileMaxNs.Load()
		if ns <= old {
			break
		}
		if m.compileMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordCompileError records a failed compile.
func (m *Metrics) RecordCompileError() {
	m.compileErrors.Add(1)
}

// RecordStaleDrop records a compile result discarded as stale.
func (m *Metrics) RecordStaleDrop() {
	m.staleDropped.Add(1)
}

// RecordRenderDispatched records a render command sent to the surface.
func (m *Metrics) RecordRenderDispatched() {
	m.rendersDispatched.Add(1)
}

// RecordRuntimeError records a surface runtime error.
func (m *Metrics) RecordRuntimeError() {
	m.runtimeErrors.Add(1)
}

// RecordSync records a scroll sync command issued to either pane.
func (m *Metrics) RecordSync() {
	m.syncsIssued.Add(1)
}

// RecordSyncDropped records a scroll event dropped by lock or priority.
func (m *Metrics) RecordSyncDropped() {
	m.syncsDropped.Add(1)
}

// RecordOriginRejected records an inbound message refused by origin.
func (m *Metrics) RecordOriginRejected() {
	m.originRejected.Add(1)
}

// RecordOversized records an oversized message refused at the boundary.
func (m *Metrics) RecordOversized() {
	m.oversized.Add(1)
}

// RecordRateLimited records a message refused by the token bucket.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// RecordInvalidSchema records a message refused by schema validation.
func (m *Metrics) RecordInvalidSchema() {
	m.invalidSchema.Add(1)
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	compileCount := m.compileCount.Load()

	var avgCompileNs int64
	if compileCount > 0 {
		avgCompileNs = m.compileTotalNs.Load() / int64(compileCount)
	}

	minCompileNs := m.compileMinNs.Load()
	if minCompileNs == 1<<63-1 {
		minCompileNs = 0
	}

	return MetricsSnapshot{
		Uptime:            time.Since(m.startTime),
		CompileCount:      compileCount,
		AvgCompileNs:      avgCompileNs,
		MinCompileNs:      minCompileNs,
		MaxCompileNs:      m.compileMaxNs.Load(),
		LastCompileNs:     m.lastCompileNs.Load(),
		CompileErrors:     m.compileErrors.Load(),
		StaleDropped:      m.staleDropped.Load(),
		RendersDispatched: m.rendersDispatched.Load(),
		RuntimeErrors:     m.runtimeErrors.Load(),
		SyncsIssued:       m.syncsIssued.Load(),
		SyncsDropped:      m.syncsDropped.Load(),
		OriginRejected:    m.originRejected.Load(),
		Oversized:         m.oversized.Load(),
		RateLimited:       m.rateLimited.Load(),
		InvalidSchema:     m.invalidSchema.Load(),
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	m.compileCount.Store(0)
	m.compileTotalNs.Store(0)
	m.compileMinNs.Store(1<<63 - 1)
	m.compileMaxNs.Store(0)
	m.lastCompileNs.Store(0)
	m.compileErrors.Store(0)
	m.staleDropped.Store(0)
	m.rendersDispatched.Store(0)
	m.runtimeErrors.Store(0)
	m.syncsIssued.Store(0)
	m.syncsDropped.Store(0)
	m.originRejected.Store(0)
	m.oversized.Store(0)
	m.rateLimited.Store(0)
	m.invalidSchema.Store(0)
	m.startTime = time.Now()
}

// MetricsSnapshot is a point-in-time view of session metrics.
type MetricsSnapshot struct {
	Uptime            time.Duration
	CompileCount      uint64
	AvgCompileNs      int64
	MinCompileNs      int64
	MaxCompileNs      int64
	LastCompileNs     int64
	CompileErrors     uint64
	StaleDropped      uint64
	RendersDispatched uint64
	RuntimeErrors     uint64
	SyncsIssued       uint64
	SyncsDropped      uint64
	OriginRejected    uint64
	Oversized         uint64
	RateLimited       uint64
	InvalidSchema     uint64
}

// AvgCompileMs returns the average compile duration in milliseconds.
func (s MetricsSnapshot) AvgCompileMs() float64 {
	return float64(s.AvgCompileNs) / 1e6
}

// RejectedTotal returns the total messages refused at the boundary.
func (s MetricsSnapshot) RejectedTotal() uint64 {
	return s.OriginRejected + s.Oversized + s.RateLimited + s.InvalidSchema
}
