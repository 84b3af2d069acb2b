// Package image models the displayable images of a dataset and the
// geometric transforms applied to them.
package image

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mobie-tiles/server/internal/table"
	"github.com/mobie-tiles/server/pkg/affine"
)

// ErrUnsupportedTransform is returned when a transformed duplicate of an
// image cannot be created.
var ErrUnsupportedTransform = errors.New("transformed duplicate not supported")

// SourceProvider resolves image sources by name.
type SourceProvider interface {
	// Bounds returns the world bounding box of a source before any image
	// transform is applied.
	Bounds(ctx context.Context, source string) (min, max []float64, err error)
}

// Image is one of *IntensityImage, *AnnotatedLabelImage, *SpotImage or
// *AnnotationImage.
type Image interface {
	Name() string
	// Transform returns the affine accumulated by all transforms so far.
	Transform() affine.Transform
	image()
}

// Annotated is implemented by images backed by an annotation table.
type Annotated interface {
	Image
	Table() table.Table
	Arena() *table.Arena
	Node() table.NodeID
}

type header struct {
	name      string
	source    string
	transform affine.Transform

	timepoints   map[int]int
	keepUnmapped bool
}

func newHeader(name, source string) header {
	return header{name: name, source: source, transform: affine.Identity()}
}

func (h *header) Name() string                { return h.name }
func (h *header) Source() string              { return h.source }
func (h *header) Transform() affine.Transform { return h.transform }

// Timepoints returns the timepoint mapping of the image, or nil.
func (h *header) Timepoints() (mapping map[int]int, keepUnmapped bool) {
	return h.timepoints, h.keepUnmapped
}

// IntensityImage is a raw intensity pyramid.
type IntensityImage struct {
	header
}

// NewIntensityImage creates an image named name showing source.
func NewIntensityImage(name, source string) *IntensityImage {
	return &IntensityImage{header: newHeader(name, source)}
}

func (*IntensityImage) image() {}

type tableRef struct {
	arena *table.Arena
	node  table.NodeID
}

func (r tableRef) Arena() *table.Arena { return r.arena }
func (r tableRef) Node() table.NodeID  { return r.node }

// Table returns the annotation table of the image.
func (r tableRef) Table() table.Table {
	t, err := r.arena.View(r.node)
	if err != nil {
		// images are only created for registered nodes
		panic(err)
	}
	return t
}

// AnnotatedLabelImage is a label mask whose labels are rows of a segment
// table.
type AnnotatedLabelImage struct {
	header
	tableRef
}

// NewAnnotatedLabelImage creates a label image over source annotated by the
// table at node of arena.
func NewAnnotatedLabelImage(name, source string, arena *table.Arena, node table.NodeID) *AnnotatedLabelImage {
	return &AnnotatedLabelImage{header: newHeader(name, source), tableRef: tableRef{arena, node}}
}

func (*AnnotatedLabelImage) image() {}

// SpotImage renders the rows of a spot table as points.
type SpotImage struct {
	header
	tableRef
}

// NewSpotImage creates a spot image over the table at node of arena.
func NewSpotImage(name string, arena *table.Arena, node table.NodeID) *SpotImage {
	return &SpotImage{header: newHeader(name, ""), tableRef: tableRef{arena, node}}
}

func (*SpotImage) image() {}

// AnnotationImage is derived from other images, for example a region table
// whose rows each cover a set of images. It can only be transformed in
// place.
type AnnotationImage struct {
	header
	tableRef
}

// NewAnnotationImage creates a derived annotation image.
func NewAnnotationImage(name string, arena *table.Arena, node table.NodeID) *AnnotationImage {
	return &AnnotationImage{header: newHeader(name, ""), tableRef: tableRef{arena, node}}
}

func (*AnnotationImage) image() {}

// Bounds returns the world bounding box of img. Intensity and label images
// use the provider; spot and annotation images use their rows.
func Bounds(ctx context.Context, sources SourceProvider, img Image) (min, max []float64, err error) {
	switch v := img.(type) {
	case *IntensityImage:
		return sourceBounds(ctx, sources, &v.header)
	case *AnnotatedLabelImage:
		return sourceBounds(ctx, sources, &v.header)
	case *SpotImage:
		return tableBounds(v.Table())
	case *AnnotationImage:
		return tableBounds(v.Table())
	default:
		return nil, nil, fmt.Errorf("unknown image kind %T", img)
	}
}

func sourceBounds(ctx context.Context, sources SourceProvider, h *header) ([]float64, []float64, error) {
	if sources == nil {
		return nil, nil, fmt.Errorf("no source provider for %q", h.name)
	}
	min, max, err := sources.Bounds(ctx, h.source)
	if err != nil {
		return nil, nil, fmt.Errorf("bounds of %q: %w", h.name, err)
	}
	min, max = h.transform.EstimateBounds(min, max)
	return min, max, nil
}

func tableBounds(t table.Table) ([]float64, []float64, error) {
	if t.NumRows() == 0 {
		return nil, nil, fmt.Errorf("table %q has no rows", t.Name())
	}
	var min, max []float64
	for _, a := range t.Rows() {
		p := a.Position()
		if min == nil {
			min = make([]float64, len(p))
			max = make([]float64, len(p))
			for d := range p {
				min[d], max[d] = math.Inf(1), math.Inf(-1)
			}
		}
		for d := 0; d < len(p) && d < len(min); d++ {
			min[d] = math.Min(min[d], p[d])
			max[d] = math.Max(max[d], p[d])
		}
	}
	return min, max, nil
}
