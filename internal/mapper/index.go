package mapper

import "sort"

// IndexEntry is one structural node (for example a heading) with its source
// line and rendered location.
type IndexEntry struct {
	// Line is the 1-based source line of the node.
	Line uint32

	// Offset is the node's rendered position from the top of the surface.
	Offset float64

	// Ref identifies the rendered element, when known.
	Ref string
}

// structuralIndex is a line-ordered table of structural nodes supporting
// nearest-line and nearest-offset queries.
type structuralIndex struct {
	entries []IndexEntry // sorted by Line ascending
}

// newStructuralIndex builds an index from entries, sorting by line. Duplicate
// lines keep the last entry.
func newStructuralIndex(entries []IndexEntry) *structuralIndex {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Line < sorted[j].Line
	})

	// Collapse duplicate lines, keeping the latest.
	out := sorted[:0]
	for _, e := range sorted {
		if n := len(out); n > 0 && out[n-1].Line == e.Line {
			out[n-1] = e
			continue
		}
		out = append(out, e)
	}
	return &structuralIndex{entries: out}
}

// empty reports whether the index has no entries.
func (ix *structuralIndex) empty() bool {
	return len(ix.entries) == 0
}

// nearestByLine returns the entry closest to line, and whether its distance
// falls strictly inside the tolerance window. A node exactly tolerance lines
// away is outside it. Ties resolve to the earlier entry.
func (ix *structuralIndex) nearestByLine(line uint32, tolerance uint32) (IndexEntry, bool) {
	if len(ix.entries) == 0 {
		return IndexEntry{}, false
	}

	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].Line >= line
	})

	best := -1
	var bestDist uint32
	for _, cand := range []int{i - 1, i} {
		if cand < 0 || cand >= len(ix.entries) {
			continue
		}
		d := absDiff(ix.entries[cand].Line, line)
		if best < 0 || d < bestDist {
			best = cand
			bestDist = d
		}
	}

	if best < 0 || bestDist >= tolerance {
		return IndexEntry{}, false
	}
	return ix.entries[best], true
}

// surroundingByLine returns the entries bracketing line: the last entry at or
// before it and the first after it. Either may be absent at the extremes.
func (ix *structuralIndex) surroundingByLine(line uint32) (before, after *IndexEntry) {
	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].Line > line
	})
	if i > 0 {
		before = &ix.entries[i-1]
	}
	if i < len(ix.entries) {
		after = &ix.entries[i]
	}
	return before, after
}

// surroundingByOffset returns the entries bracketing offset in rendered
// order: the last entry at or before offset and the first after it. Either
// may be absent at the extremes.
func (ix *structuralIndex) surroundingByOffset(offset float64) (before, after *IndexEntry) {
	for i := range ix.entries {
		e := &ix.entries[i]
		if e.Offset <= offset {
			before = e
		} else {
			after = e
			break
		}
	}
	return before, after
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
