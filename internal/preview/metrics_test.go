package preview

import (
	"testing"
	"time"
)

func TestMetricsCompileTiming(t *testing.T) {
	m := NewMetrics()

	m.RecordCompile(10 * time.Millisecond)
	m.RecordCompile(30 * time.Millisecond)

	snap := m.Snapshot()
	if snap.CompileCount != 2 {
		t.Errorf("CompileCount = %d, want 2", snap.CompileCount)
	}
	if snap.AvgCompileNs != (20 * time.Millisecond).Nanoseconds() {
		t.Errorf("AvgCompileNs = %d, want 20ms", snap.AvgCompileNs)
	}
	if snap.MinCompileNs != (10 * time.Millisecond).Nanoseconds() {
		t.Errorf("MinCompileNs = %d, want 10ms", snap.MinCompileNs)
	}
	if snap.MaxCompileNs != (30 * time.Millisecond).Nanoseconds() {
		t.Errorf("MaxCompileNs = %d, want 30ms", snap.MaxCompileNs)
	}
	if snap.AvgCompileMs() != 20 {
		t.Errorf("AvgCompileMs = %v, want 20", snap.AvgCompileMs())
	}
}

func TestMetricsEmptySnapshot(t *testing.T) {
	snap := NewMetrics().Snapshot()
	if snap.MinCompileNs != 0 {
		t.Errorf("MinCompileNs = %d with no samples, want 0", snap.MinCompileNs)
	}
	if snap.AvgCompileNs != 0 {
		t.Errorf("AvgCompileNs = %d with no samples, want 0", snap.AvgCompileNs)
	}
}

func TestMetricsRejectedTotal(t *testing.T) {
	m := NewMetrics()
	m.RecordOriginRejected()
	m.RecordOversized()
	m.RecordRateLimited()
	m.RecordInvalidSchema()
	m.RecordInvalidSchema()

	if got := m.Snapshot().RejectedTotal(); got != 5 {
		t.Errorf("RejectedTotal = %d, want 5", got)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordCompile(time.Millisecond)
	m.RecordRuntimeError()
	m.Reset()

	snap := m.Snapshot()
	if snap.CompileCount != 0 || snap.RuntimeErrors != 0 || snap.MinCompileNs != 0 {
		t.Errorf("counters survived reset: %+v", snap)
	}
}
