// Package brackets splits a continuous household attribute into ordered,
// disjoint bracket segments. Every segment becomes a derived column of the
// household store, so that bracket rules can apply one rate per segment.
//
// For inflection points p0 < p1 < ... < pn-1 the segments are
//
//	(-inf, p0]            implicit, never carries a rate
//	(p0, p1] ... (pn-3, pn-2]
//	(pn-2, +inf)          final, unbounded
//
// A household's amount in a segment is the part of its value falling inside
// the segment, so the amounts of one split always add up to the value itself.
package brackets

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/core"
)

// Request describes one split.
type Request struct {
	// Source is the attribute to split, e.g. income_before_tax.
	Source string
	// Points are the strictly increasing inflection points. At least two are required.
	Points []float64
	// GroupBy lists grouping attributes; each produces its own split, one
	// column set per distinct group value. The ungrouped split is always made.
	GroupBy []string
}

// Preprocessor produces bracket columns.
type Preprocessor struct{}

// NewPreprocessor returns a Preprocessor.
func NewPreprocessor() *Preprocessor { return &Preprocessor{} }

// Validate checks a request against the store without building columns.
func (p *Preprocessor) Validate(store *core.Store, req Request) error {
	subject := fmt.Sprintf("bracket split of %q", req.Source)
	if len(req.Points) < 2 {
		return core.NewConfigurationError(subject, fmt.Errorf("%w: need at least 2 inflection points, got %d", core.ErrInvalidValue, len(req.Points)))
	}
	for i, pt := range req.Points {
		if math.IsNaN(pt) || math.IsInf(pt, 0) {
			return core.NewConfigurationError(subject, fmt.Errorf("%w: inflection point %v", core.ErrInvalidValue, pt))
		}
		if i > 0 && pt <= req.Points[i-1] {
			return core.NewConfigurationError(subject, fmt.Errorf("%w: inflection points must be strictly increasing, got %v after %v", core.ErrInvalidValue, pt, req.Points[i-1]))
		}
	}
	for _, attr := range append([]string{req.Source}, req.GroupBy...) {
		if err := store.CheckAttribute(attr); err != nil {
			if core.IsDataError(err) {
				return err
			}
			return core.NewConfigurationError(subject, err)
		}
	}
	for _, group := range append([]string{""}, req.GroupBy...) {
		if existing, ok := store.Split(req.Source, group); ok && !existing.SamePoints(req.Points) {
			return core.NewConfigurationError(subject,
				fmt.Errorf("%w: already split with points %v", core.ErrDuplicateName, existing.Points))
		}
	}
	return nil
}

// Split returns a new store carrying the segment columns of req. Splits that
// already exist with identical points are left untouched.
func (p *Preprocessor) Split(ctx context.Context, store *core.Store, req Request) (*core.Store, error) {
	if err := p.Validate(store, req); err != nil {
		return nil, err
	}
	logger := logr.FromContextOrDiscard(ctx)

	var columns []core.Column
	var splits []*core.Split
	for _, group := range append([]string{""}, req.GroupBy...) {
		if _, ok := store.Split(req.Source, group); ok {
			continue
		}
		split, cols := build(store, req.Source, group, req.Points)
		columns = append(columns, cols...)
		splits = append(splits, split)
		logger.V(logging.DEBUG).Info("Split attribute into brackets",
			"source", req.Source, "group", group, "segments", len(split.Segments))
	}
	if len(splits) == 0 {
		return store, nil
	}
	return store.WithDerived(columns, splits...)
}

func build(store *core.Store, source, group string, points []float64) (*core.Split, []core.Column) {
	groupValues := []float64{0}
	if group != "" {
		groupValues = store.GroupValues(group)
	}
	bounds := segmentBounds(points)
	households := store.Households()

	split := &core.Split{Source: source, Group: group, Points: slices.Clone(points)}
	var columns []core.Column
	for _, gv := range groupValues {
		for i, b := range bounds {
			seg := core.Segment{
				Attribute:  ColumnName(source, group, gv, i, b[0], b[1]),
				Index:      i,
				Lower:      b[0],
				Upper:      b[1],
				GroupValue: gv,
			}
			col := core.Column{Name: seg.Attribute, Values: make([]float64, store.Len())}
			for j, h := range households {
				if group != "" && h.Value(group) != gv {
					continue
				}
				col.Values[j] = seg.Amount(h.Value(source))
				if col.Values[j] != 0 {
					seg.Households++
				}
			}
			split.Segments = append(split.Segments, seg)
			columns = append(columns, col)
		}
	}
	return split, columns
}

// segmentBounds returns the (lower, upper] pairs of the segments for points,
// starting with the implicit segment.
func segmentBounds(points []float64) [][2]float64 {
	n := len(points)
	out := make([][2]float64, 0, n)
	out = append(out, [2]float64{math.Inf(-1), points[0]})
	for i := 0; i < n-1; i++ {
		upper := points[i+1]
		if i == n-2 {
			upper = math.Inf(1)
		}
		out = append(out, [2]float64{points[i], upper})
	}
	return out
}

// ColumnName returns the derived attribute name of a segment, for example
// income_before_tax[25000:50000] or income_before_tax{k_single=1}[0:inf].
func ColumnName(source, group string, groupValue float64, index int, lower, upper float64) string {
	name := source
	if group != "" {
		name += "{" + group + "=" + FormatValue(groupValue) + "}"
	}
	if index == 0 {
		return name + "[-inf:" + FormatValue(upper) + "]"
	}
	return name + "[" + FormatValue(lower) + ":" + FormatValue(upper) + "]"
}

// FormatValue renders a bound or group value for use in names.
func FormatValue(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MarginalSegment returns the rate-bearing segment of split holding the
// marginal unit of h, or false when h's value lies in the implicit segment or
// h belongs to no group of the split.
func MarginalSegment(split *core.Split, h *core.Household) (core.Segment, bool) {
	gv := 0.0
	if split.Group != "" {
		gv = h.Value(split.Group)
	}
	v := h.Value(split.Source)
	for _, seg := range split.Segments {
		if seg.GroupValue == gv && !seg.Implicit() && seg.Contains(v) {
			return seg, true
		}
	}
	return core.Segment{}, false
}
