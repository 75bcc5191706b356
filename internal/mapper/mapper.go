// Package mapper converts source line numbers to rendered-surface scroll
// offsets and back.
//
// Resolution runs three tiers in order, first success wins: structural
// (nearest indexed node within a tolerance window, high confidence), rendered
// probe (an element tagged with the originating line, medium confidence),
// and proportional (pure ratio of line to document extent, low confidence,
// always succeeds). Mapping is therefore never an error.
//
// Results are cached per source line with a short TTL so the scroll-sync hot
// path does not repeat lookups on every event.
package mapper

import (
	"math"
	"sync"
	"time"

	"github.com/dshills/marksync/internal/schedule"
)

// Confidence grades how a mapping was resolved.
type Confidence int

const (
	// ConfidenceLow marks a proportional fallback mapping.
	ConfidenceLow Confidence = iota
	// ConfidenceMedium marks a rendered-probe mapping.
	ConfidenceMedium
	// ConfidenceHigh marks a structural-index mapping.
	ConfidenceHigh
)

// String returns the confidence name.
func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Mapping is a resolved position correspondence.
type Mapping struct {
	// SourceLine is the 1-based source line after clamping.
	SourceLine uint32

	// TargetOffset is the rendered scroll offset.
	TargetOffset float64

	// ElementRef identifies the rendered element backing the mapping, if any.
	ElementRef string

	// Confidence grades the resolution tier.
	Confidence Confidence

	// ComputedAt is when the mapping was resolved.
	ComputedAt time.Time
}

// Probe queries the rendered surface for the geometry of an element tagged
// with its originating source line. Implementations are expected to answer
// from local state, not a cross-boundary round trip.
type Probe interface {
	ElementOffset(line uint32) (offset float64, ref string, ok bool)
}

// Defaults for Config.
const (
	DefaultTolerance    = 5
	DefaultCacheTTL     = 1000 * time.Millisecond
	DefaultCacheMaxSize = 512
)

// Config configures a Mapper.
type Config struct {
	// Tolerance is the structural-tier line window. Zero means the default.
	Tolerance uint32

	// CacheTTL is the mapping cache lifetime. Zero means the default.
	CacheTTL time.Duration

	// CacheMaxSize bounds the cache. Zero means the default.
	CacheMaxSize int

	// Clock drives TTL accounting. Nil means the system clock.
	Clock schedule.Clock
}

// Mapper resolves positions between the source pane and the rendered surface.
// All mutation flows through the Mapper itself; callers never touch the cache
// or index directly.
type Mapper struct {
	mu    sync.Mutex
	cfg   Config
	clock schedule.Clock
	probe Probe

	index *structuralIndex
	cache *mappingCache

	totalLines    uint32
	totalExtent   float64
	visibleExtent float64
}

// New creates a mapper. probe may be nil, disabling the middle tier.
func New(probe Probe, cfg Config) *Mapper {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheMaxSize <= 0 {
		cfg.CacheMaxSize = DefaultCacheMaxSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = schedule.SystemClock()
	}

	return &Mapper{
		cfg:   cfg,
		clock: clock,
		probe: probe,
		index: newStructuralIndex(nil),
		cache: newMappingCache(cfg.CacheTTL, cfg.CacheMaxSize, clock),
	}
}

// SourceToTarget maps a source line to a rendered scroll offset.
//
// Edge cases: an empty document always maps to offset 0 at high confidence;
// a line past the end clamps to the last line before mapping; line 0 or a
// negative line (the frontmatter region) maps to offset 0 unconditionally.
func (m *Mapper) SourceToTarget(line int) Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if m.totalLines == 0 {
		return Mapping{SourceLine: 1, TargetOffset: 0, Confidence: ConfidenceHigh, ComputedAt: now}
	}
	if line <= 0 {
		return Mapping{SourceLine: 1, TargetOffset: 0, Confidence: ConfidenceHigh, ComputedAt: now}
	}

	clamped := uint32(line)
	if clamped > m.totalLines {
		clamped = m.totalLines
	}

	if cached, ok := m.cache.get(clamped); ok {
		return cached
	}

	mapping := m.resolveLocked(clamped, now)
	m.cache.put(clamped, mapping)
	return mapping
}

// TargetToSource maps a rendered scroll offset back to a source line.
// Offsets are clamped to the scrollable range. The structural tier
// interpolates between bracketing nodes; otherwise the proportional tier
// answers.
func (m *Mapper) TargetToSource(offset float64) Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if m.totalLines == 0 {
		return Mapping{SourceLine: 1, TargetOffset: 0, Confidence: ConfidenceHigh, ComputedAt: now}
	}

	scrollable := m.scrollableLocked()
	offset = clampFloat(offset, 0, scrollable)

	if !m.index.empty() {
		if mapping, ok := m.structuralLineLocked(offset, now); ok {
			return mapping
		}
	}

	// Proportional fallback.
	var frac float64
	if scrollable > 0 {
		frac = offset / scrollable
	}
	line := uint32(math.Round(frac * float64(m.totalLines)))
	if line < 1 {
		line = 1
	}
	if line > m.totalLines {
		line = m.totalLines
	}
	return Mapping{
		SourceLine:   line,
		TargetOffset: offset,
		Confidence:   ConfidenceLow,
		ComputedAt:   now,
	}
}

// UpdateStructuralIndex replaces the structural node table and invalidates
// the cache: the document changed, prior mappings are meaningless.
func (m *Mapper) UpdateStructuralIndex(entries []IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = newStructuralIndex(entries)
	m.cache.clear()
}

// UpdateTargetExtent records the rendered surface geometry.
func (m *Mapper) UpdateTargetExtent(totalExtent, visibleExtent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if totalExtent < 0 {
		totalExtent = 0
	}
	if visibleExtent < 0 {
		visibleExtent = 0
	}
	m.totalExtent = totalExtent
	m.visibleExtent = visibleExtent
}

// UpdateSourceExtent records the document length in lines.
func (m *Mapper) UpdateSourceExtent(totalLines uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalLines = totalLines
}

// Reset clears the index, extents, and cache for a new document.
func (m *Mapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = newStructuralIndex(nil)
	m.cache.clear()
	m.totalLines = 0
	m.totalExtent = 0
	m.visibleExtent = 0
}

// CacheStats returns hit, miss, and eviction counts.
func (m *Mapper) CacheStats() (hits, misses, evictions uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.hits, m.cache.misses, m.cache.evictions
}

// resolveLocked runs the three tiers for a clamped, in-range line.
//
// Structural and proportional offsets come from one shared interpolation
// along the index, so crossing the tolerance boundary changes only the
// confidence grade, never the direction of travel: for a fixed index the
// line-to-offset curve is a single monotone piecewise-linear function.
func (m *Mapper) resolveLocked(line uint32, now time.Time) Mapping {
	scrollable := m.scrollableLocked()

	// Tier 1: structural index.
	if entry, ok := m.index.nearestByLine(line, m.cfg.Tolerance); ok {
		return Mapping{
			SourceLine:   line,
			TargetOffset: clampFloat(m.interpolateOffsetLocked(line), 0, scrollable),
			ElementRef:   entry.Ref,
			Confidence:   ConfidenceHigh,
			ComputedAt:   now,
		}
	}

	// Tier 2: rendered probe.
	if m.probe != nil {
		if offset, ref, ok := m.probe.ElementOffset(line); ok {
			return Mapping{
				SourceLine:   line,
				TargetOffset: clampFloat(offset, 0, scrollable),
				ElementRef:   ref,
				Confidence:   ConfidenceMedium,
				ComputedAt:   now,
			}
		}
	}

	// Tier 3: proportional. Always succeeds.
	return Mapping{
		SourceLine:   line,
		TargetOffset: clampFloat(m.interpolateOffsetLocked(line), 0, scrollable),
		Confidence:   ConfidenceLow,
		ComputedAt:   now,
	}
}

// interpolateOffsetLocked maps a line to an offset by linear interpolation
// between the structural nodes bracketing it. The document edges act as
// virtual nodes at offset 0 and the full scrollable extent; with an empty
// index this degenerates to the plain proportional ratio.
func (m *Mapper) interpolateOffsetLocked(line uint32) float64 {
	scrollable := m.scrollableLocked()

	loLine, loOff := uint32(0), 0.0
	hiLine, hiOff := m.totalLines, scrollable

	before, after := m.index.surroundingByLine(line)
	if before != nil {
		loLine, loOff = before.Line, before.Offset
	}
	if after != nil {
		hiLine, hiOff = after.Line, after.Offset
	}

	if hiLine <= loLine || hiOff < loOff {
		return loOff
	}
	frac := float64(line-loLine) / float64(hiLine-loLine)
	return loOff + frac*(hiOff-loOff)
}

// structuralLineLocked interpolates a source line from bracketing structural
// nodes around offset.
func (m *Mapper) structuralLineLocked(offset float64, now time.Time) (Mapping, bool) {
	before, after := m.index.surroundingByOffset(offset)
	switch {
	case before != nil && after != nil:
		span := after.Offset - before.Offset
		frac := 0.0
		if span > 0 {
			frac = (offset - before.Offset) / span
		}
		line := float64(before.Line) + frac*float64(after.Line-before.Line)
		return Mapping{
			SourceLine:   clampLine(uint32(math.Round(line)), m.totalLines),
			TargetOffset: offset,
			ElementRef:   before.Ref,
			Confidence:   ConfidenceHigh,
			ComputedAt:   now,
		}, true
	case before != nil:
		// Past the last node the forward curve runs linearly to the end of
		// the document; invert that same segment.
		line := float64(m.totalLines)
		if span := m.scrollableLocked() - before.Offset; span > 0 && m.totalLines > before.Line {
			frac := (offset - before.Offset) / span
			line = float64(before.Line) + frac*float64(m.totalLines-before.Line)
		}
		return Mapping{
			SourceLine:   clampLine(uint32(math.Round(line)), m.totalLines),
			TargetOffset: offset,
			ElementRef:   before.Ref,
			Confidence:   ConfidenceHigh,
			ComputedAt:   now,
		}, true
	default:
		return Mapping{}, false
	}
}

// scrollableLocked returns the scrollable extent, never negative.
func (m *Mapper) scrollableLocked() float64 {
	s := m.totalExtent - m.visibleExtent
	if s < 0 {
		return 0
	}
	return s
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampLine(line, total uint32) uint32 {
	if line < 1 {
		return 1
	}
	if total > 0 && line > total {
		return total
	}
	return line
}
