package image

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/mobie-tiles/server/internal/table"
	"github.com/mobie-tiles/server/pkg/affine"
)

// ApplyAffineTransform transforms img by t. With an empty newName the image
// and every annotation of its table are transformed in place and img is
// returned. Otherwise a new image named newName is returned and img is left
// untouched; annotated images get a lazily transformed table node.
func ApplyAffineTransform(img Image, t affine.Transform, newName string) (Image, error) {
	if newName == "" {
		transformInPlace(img, t)
		return img, nil
	}

	switch v := img.(type) {
	case *IntensityImage:
		c := *v
		c.header = v.header.derive(newName, t)
		return &c, nil
	case *AnnotatedLabelImage:
		ref, err := v.tableRef.withAffine(t)
		if err != nil {
			return nil, err
		}
		return &AnnotatedLabelImage{header: v.header.derive(newName, t), tableRef: ref}, nil
	case *SpotImage:
		ref, err := v.tableRef.withAffine(t)
		if err != nil {
			return nil, err
		}
		return &SpotImage{header: v.header.derive(newName, t), tableRef: ref}, nil
	case *AnnotationImage:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransform, v.name)
	default:
		return nil, fmt.Errorf("unknown image kind %T", img)
	}
}

func transformInPlace(img Image, t affine.Transform) {
	switch v := img.(type) {
	case *IntensityImage:
		v.transform = t.Concatenate(v.transform)
	case *AnnotatedLabelImage:
		v.transform = t.Concatenate(v.transform)
		v.tableRef.transformRows(t)
	case *SpotImage:
		v.transform = t.Concatenate(v.transform)
		v.tableRef.transformRows(t)
	case *AnnotationImage:
		v.transform = t.Concatenate(v.transform)
		v.tableRef.transformRows(t)
	}
}

func (h header) derive(name string, t affine.Transform) header {
	h.name = name
	h.transform = t.Concatenate(h.transform)
	return h
}

func (r tableRef) withAffine(t affine.Transform) (tableRef, error) {
	node, err := r.arena.AddAffine(r.node, t)
	if err != nil {
		return tableRef{}, err
	}
	return tableRef{arena: r.arena, node: node}, nil
}

func (r tableRef) withTimepoints(mapping map[int]int, keep bool) (tableRef, error) {
	node, err := r.arena.AddTimepoints(r.node, mapping, keep)
	if err != nil {
		return tableRef{}, err
	}
	return tableRef{arena: r.arena, node: node}, nil
}

func (r tableRef) transformRows(t affine.Transform) {
	if err := r.arena.TransformInPlace(r.node, t); err != nil {
		// images are only created for registered nodes
		panic(err)
	}
}

// ApplyTimepointsTransform remaps the timepoints of img. The result is
// always a new image; it keeps the name of img when newName is empty.
func ApplyTimepointsTransform(img Image, mapping map[int]int, keepUnmapped bool, newName string) (Image, error) {
	name := newName
	if name == "" {
		name = img.Name()
	}
	remap := func(h header) header {
		h.name = name
		h.timepoints = make(map[int]int, len(mapping))
		for k, v := range mapping {
			h.timepoints[k] = v
		}
		h.keepUnmapped = keepUnmapped
		return h
	}

	switch v := img.(type) {
	case *IntensityImage:
		return &IntensityImage{header: remap(v.header)}, nil
	case *AnnotatedLabelImage:
		ref, err := v.tableRef.withTimepoints(mapping, keepUnmapped)
		if err != nil {
			return nil, err
		}
		return &AnnotatedLabelImage{header: remap(v.header), tableRef: ref}, nil
	case *SpotImage:
		ref, err := v.tableRef.withTimepoints(mapping, keepUnmapped)
		if err != nil {
			return nil, err
		}
		return &SpotImage{header: remap(v.header), tableRef: ref}, nil
	case *AnnotationImage:
		ref, err := v.tableRef.withTimepoints(mapping, keepUnmapped)
		if err != nil {
			return nil, err
		}
		return &AnnotationImage{header: remap(v.header), tableRef: ref}, nil
	default:
		return nil, fmt.Errorf("unknown image kind %T", img)
	}
}

// Transformer translates images for grid layouts.
type Transformer struct {
	Sources SourceProvider
	// Workers bounds the number of grid cells planned concurrently.
	Workers int
}

// step is a transform that has been computed but not applied yet.
type step struct {
	img  Image
	t    affine.Transform
	name string
}

func (s step) apply() (Image, error) {
	return ApplyAffineTransform(s.img, s.t, s.name)
}

// translation returns the transform moving img by (tx, ty), after moving the
// center of its bounds to the origin when centerAtOrigin is set.
func (tr *Transformer) translation(ctx context.Context, img Image, centerAtOrigin bool, tx, ty float64) (affine.Transform, error) {
	if !centerAtOrigin {
		return affine.Translation(tx, ty, 0), nil
	}
	min, max, err := Bounds(ctx, tr.Sources, img)
	if err != nil {
		return affine.Transform{}, err
	}
	if len(min) < 2 {
		return affine.Transform{}, fmt.Errorf("bounds of %q have %d dimensions", img.Name(), len(min))
	}
	cx := (min[0] + max[0]) / 2
	cy := (min[1] + max[1]) / 2
	return affine.Translation(tx-cx, ty-cy, 0), nil
}

func (tr *Transformer) plan(ctx context.Context, images []Image, names []string, centerAtOrigin bool, tx, ty float64) ([]step, error) {
	if names != nil && len(names) != len(images) {
		return nil, fmt.Errorf("%d names for %d images", len(names), len(images))
	}
	steps := make([]step, len(images))
	for i, img := range images {
		name := ""
		if names != nil {
			name = names[i]
		}
		if _, ok := img.(*AnnotationImage); ok && name != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransform, img.Name())
		}
		t, err := tr.translation(ctx, img, centerAtOrigin, tx, ty)
		if err != nil {
			return nil, err
		}
		steps[i] = step{img: img, t: t, name: name}
	}
	return steps, nil
}

// Translate moves every image by (tx, ty). names may be nil (transform in
// place) or hold one entry per image, "" meaning in place.
func (tr *Transformer) Translate(ctx context.Context, images []Image, names []string, centerAtOrigin bool, tx, ty float64) ([]Image, error) {
	steps, err := tr.plan(ctx, images, names, centerAtOrigin, tx, ty)
	if err != nil {
		return nil, err
	}
	return commit(steps)
}

func commit(steps []step) ([]Image, error) {
	out := make([]Image, 0, len(steps))
	for _, s := range steps {
		img, err := s.apply()
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// GridError reports the grid cells whose transform failed.
type GridError struct {
	Cells []int
	err   error
}

func (e *GridError) Error() string {
	return fmt.Sprintf("grid transform failed for cells %v: %v", e.Cells, e.err)
}

func (e *GridError) Unwrap() error { return e.err }

// GridTransform places nested[i] in the grid cell positions[i]. Each cell is
// translated by tileSize[d]*positions[i][d] + withinTileOffset[d]. Cells are
// planned concurrently; transforms are only applied when every cell
// succeeded, so a failed call leaves all images untouched.
func (tr *Transformer) GridTransform(ctx context.Context, nested [][]Image, names [][]string, positions [][2]int, tileSize, withinTileOffset [2]float64, centerAtOrigin bool) ([]Image, error) {
	if len(positions) != len(nested) {
		return nil, fmt.Errorf("%d positions for %d grid cells", len(positions), len(nested))
	}
	if names != nil && len(names) != len(nested) {
		return nil, fmt.Errorf("%d name lists for %d grid cells", len(names), len(nested))
	}

	cells := make([][]step, len(nested))
	errs := make([]error, len(nested))

	g, gctx := errgroup.WithContext(ctx)
	if tr.Workers > 0 {
		g.SetLimit(tr.Workers)
	}
	for i := range nested {
		i := i
		g.Go(func() error {
			var cellNames []string
			if names != nil {
				cellNames = names[i]
			}
			tx := tileSize[0]*float64(positions[i][0]) + withinTileOffset[0]
			ty := tileSize[1]*float64(positions[i][1]) + withinTileOffset[1]
			steps, err := tr.plan(gctx, nested[i], cellNames, centerAtOrigin, tx, ty)
			if err != nil {
				errs[i] = fmt.Errorf("cell %d: %w", i, err)
				return nil
			}
			cells[i] = steps
			return nil
		})
	}
	_ = g.Wait()

	var failed []int
	for i, err := range errs {
		if err != nil {
			failed = append(failed, i)
		}
	}
	if len(failed) > 0 {
		log.Printf("[Image] grid transform: %d of %d cells failed", len(failed), len(nested))
		return nil, &GridError{Cells: failed, err: errors.Join(errs...)}
	}

	var out []Image
	for i, steps := range cells {
		imgs, err := commit(steps)
		if err != nil {
			return nil, &GridError{Cells: []int{i}, err: err}
		}
		out = append(out, imgs...)
	}
	log.Printf("[Image] grid transform: %d cells, %d images", len(nested), len(out))
	return out, nil
}

var _ Annotated = (*AnnotatedLabelImage)(nil)
var _ Annotated = (*SpotImage)(nil)
var _ Annotated = (*AnnotationImage)(nil)

// TableOf returns the annotation table of img, if it has one.
func TableOf(img Image) (table.Table, bool) {
	a, ok := img.(Annotated)
	if !ok {
		return nil, false
	}
	return a.Table(), true
}
