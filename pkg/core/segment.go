package core

import (
	"math"
	"slices"
)

// Segment describes one derived bracket column of a source attribute.
type Segment struct {
	// Attribute is the name of the derived column.
	Attribute string
	// Index is the position of the segment within its split. Index 0 is the
	// implicit segment below the first inflection point.
	Index int
	// Lower and Upper delimit the half-open range (Lower, Upper]. The implicit
	// segment has Lower = -Inf and the last segment has Upper = +Inf.
	Lower float64
	Upper float64
	// GroupValue is the value of the grouping attribute this column is restricted to.
	GroupValue float64
	// Households counts the households with a nonzero amount in the segment.
	Households int
}

// Implicit reports whether s is the untaxed segment below the first inflection point.
func (s Segment) Implicit() bool { return s.Index == 0 }

// Contains reports whether v falls inside (Lower, Upper].
func (s Segment) Contains(v float64) bool {
	return v > s.Lower && v <= s.Upper
}

// Amount returns the portion of v falling inside the segment, clamped to its width.
func (s Segment) Amount(v float64) float64 {
	if s.Implicit() {
		return math.Min(v, s.Upper)
	}
	if v <= s.Lower {
		return 0
	}
	return math.Min(v, s.Upper) - s.Lower
}

// Split is the segmentation of one source attribute, optionally restricted by a
// grouping attribute.
type Split struct {
	Source string
	// Group is the grouping attribute, or "" for the ungrouped split.
	Group string
	// Points are the strictly increasing inflection points the split was built from.
	Points []float64
	// Segments are ordered by group value, then by lower bound.
	Segments []Segment
}

// Key identifies the split within a store.
func (s *Split) Key() SplitKey { return SplitKey{Source: s.Source, Group: s.Group} }

// GroupValues returns the distinct group values of the split in ascending order.
func (s *Split) GroupValues() []float64 {
	var out []float64
	for _, seg := range s.Segments {
		if len(out) == 0 || out[len(out)-1] != seg.GroupValue {
			out = append(out, seg.GroupValue)
		}
	}
	return out
}

// SegmentsFor returns the segments of one group value, including the implicit one.
func (s *Split) SegmentsFor(groupValue float64) []Segment {
	var out []Segment
	for _, seg := range s.Segments {
		if seg.GroupValue == groupValue {
			out = append(out, seg)
		}
	}
	return out
}

// SamePoints reports whether points equals the split's inflection points.
func (s *Split) SamePoints(points []float64) bool {
	return slices.Equal(s.Points, points)
}

// SplitKey identifies a split by source and grouping attribute.
type SplitKey struct {
	Source string
	Group  string
}

// Column is a derived attribute with one value per household, in store order.
type Column struct {
	Name   string
	Values []float64
}
