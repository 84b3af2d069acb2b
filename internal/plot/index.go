// Package plot builds the immutable 2D point index behind scatter plots.
package plot

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/mobie-tiles/server/internal/annotation"
)

// ErrEmptyIndex is returned when no annotation has a usable value on both
// axes.
var ErrEmptyIndex = errors.New("no valid points for index")

// Index holds the points of a scatter plot and the annotations they came
// from, in the same order. It is never modified after NewIndex returns.
type Index struct {
	axes        [2]string
	points      [][2]float64
	annotations []annotation.Annotation
	categories  [2]map[string]float64
	min, max    [2]float64
	tree        *kdtree.Tree
}

// NewIndex builds an index of annotations over the columns named by axes.
// Annotations with a missing or non-finite value on either axis are
// skipped. Text values are replaced by codes assigned in first-seen order.
func NewIndex(as []annotation.Annotation, axes [2]string) (*Index, error) {
	idx := &Index{
		axes:       axes,
		categories: [2]map[string]float64{{}, {}},
		min:        [2]float64{math.Inf(1), math.Inf(1)},
		max:        [2]float64{math.Inf(-1), math.Inf(-1)},
	}

	for _, a := range as {
		var p [2]float64
		ok := true
		for d := 0; d < 2 && ok; d++ {
			p[d], ok = idx.coordinate(a, d)
		}
		if !ok {
			continue
		}
		for d := 0; d < 2; d++ {
			idx.min[d] = math.Min(idx.min[d], p[d])
			idx.max[d] = math.Max(idx.max[d], p[d])
		}
		idx.points = append(idx.points, p)
		idx.annotations = append(idx.annotations, a)
	}

	if len(idx.points) == 0 {
		return nil, fmt.Errorf("%w: %d annotations, axes %q and %q", ErrEmptyIndex, len(as), axes[0], axes[1])
	}

	pts := make(nodes, len(idx.points))
	for i, p := range idx.points {
		pts[i] = node{p: p, i: i}
	}
	idx.tree = kdtree.New(pts, false)
	return idx, nil
}

// coordinate returns the value of a on axis d. Codes for new text values
// are assigned here, so annotations must be visited in input order.
func (idx *Index) coordinate(a annotation.Annotation, d int) (float64, bool) {
	column := idx.axes[d]
	if v, ok := a.Float(column); ok {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	s, ok := a.Text(column)
	if !ok || isMissing(s) {
		return 0, false
	}
	codes := idx.categories[d]
	code, seen := codes[s]
	if !seen {
		code = float64(len(codes))
		codes[s] = code
	}
	return code, true
}

func isMissing(s string) bool {
	switch s {
	case "", "NaN", "nan", "None", "NA":
		return true
	}
	return false
}

// Axes returns the column names of the x and y axis.
func (idx *Index) Axes() [2]string { return idx.axes }

// Len returns the number of indexed points.
func (idx *Index) Len() int { return len(idx.points) }

// Min returns the per-axis minimum over the indexed points.
func (idx *Index) Min() []float64 { return []float64{idx.min[0], idx.min[1]} }

// Max returns the per-axis maximum over the indexed points.
func (idx *Index) Max() []float64 { return []float64{idx.max[0], idx.max[1]} }

// Point returns the coordinates of point i.
func (idx *Index) Point(i int) [2]float64 { return idx.points[i] }

// Points returns a copy of all coordinates.
func (idx *Index) Points() [][2]float64 {
	return append([][2]float64(nil), idx.points...)
}

// Annotation returns the annotation of point i.
func (idx *Index) Annotation(i int) annotation.Annotation { return idx.annotations[i] }

// Annotations returns a copy of the indexed annotations.
func (idx *Index) Annotations() []annotation.Annotation {
	return append([]annotation.Annotation(nil), idx.annotations...)
}

// Categories returns a copy of the text -> code mapping of an axis (0 or 1).
func (idx *Index) Categories(axis int) map[string]float64 {
	out := make(map[string]float64, len(idx.categories[axis]))
	for k, v := range idx.categories[axis] {
		out[k] = v
	}
	return out
}

// Nearest returns the annotation closest to (x, y) and its distance.
func (idx *Index) Nearest(x, y float64) (annotation.Annotation, float64) {
	c, d2 := idx.tree.Nearest(node{p: [2]float64{x, y}, i: -1})
	return idx.annotations[c.(node).i], math.Sqrt(d2)
}

// Within returns the annotations no farther than r from (x, y), nearest
// first.
func (idx *Index) Within(x, y, r float64) []annotation.Annotation {
	keep := kdtree.NewDistKeeper(r * r)
	idx.tree.NearestSet(keep, node{p: [2]float64{x, y}, i: -1})

	hits := make([]kdtree.ComparableDist, 0, keep.Len())
	for _, cd := range keep.Heap {
		if cd.Comparable != nil {
			hits = append(hits, cd)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Dist < hits[j].Dist })

	out := make([]annotation.Annotation, len(hits))
	for i, h := range hits {
		out[i] = idx.annotations[h.Comparable.(node).i]
	}
	return out
}

// node is a kd-tree point remembering its position in the index.
type node struct {
	p [2]float64
	i int
}

func (n node) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return n.p[d] - c.(node).p[d]
}

func (n node) Dims() int { return 2 }

func (n node) Distance(c kdtree.Comparable) float64 {
	o := c.(node)
	dx, dy := n.p[0]-o.p[0], n.p[1]-o.p[1]
	return dx*dx + dy*dy
}

// nodes is a private copy of the point set; the tree reorders it.
type nodes []node

func (ns nodes) Index(i int) kdtree.Comparable         { return ns[i] }
func (ns nodes) Len() int                              { return len(ns) }
func (ns nodes) Slice(start, end int) kdtree.Interface { return ns[start:end] }
func (ns nodes) Pivot(d kdtree.Dim) int {
	return plane{nodes: ns, dim: d}.Pivot()
}

// plane sorts nodes along one dimension for median selection.
type plane struct {
	nodes
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.nodes[i].p[p.dim] < p.nodes[j].p[p.dim] }
func (p plane) Swap(i, j int)      { p.nodes[i], p.nodes[j] = p.nodes[j], p.nodes[i] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{nodes: p.nodes[start:end], dim: p.dim}
}
