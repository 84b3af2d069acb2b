// Package annotation defines the spatial objects (segments and spots) that
// are backed by one row of tabular data.
package annotation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mobie-tiles/server/pkg/affine"
)

// namespace for name-based annotation UUIDs.
var namespace = uuid.MustParse("6f1c1d1e-3b0a-4c4e-9a55-7d2f8e0b9c11")

// Values gives an annotation access to the cells of its row.
// Implementations return nil / false when the row has no value for the column.
type Values interface {
	Value(row int, column string) any
	Float(row int, column string) (float64, bool)
	Text(row int, column string) (string, bool)
}

// Annotation is either a *Segment or a *Spot.
type Annotation interface {
	Source() string
	Timepoint() int
	Label() int
	ID() string
	UUID() uuid.UUID
	Row() int
	Position() []float64

	Value(column string) any
	Float(column string) (float64, bool)
	Text(column string) (string, bool)

	// Transform mutates the geometry in place.
	Transform(t affine.Transform)

	annotation()
}

// BoundingBox is an n-D axis-aligned box in world coordinates.
type BoundingBox struct {
	Min []float64
	Max []float64
}

func (b *BoundingBox) clone() *BoundingBox {
	if b == nil {
		return nil
	}
	return &BoundingBox{
		Min: append([]float64(nil), b.Min...),
		Max: append([]float64(nil), b.Max...),
	}
}

// identity is shared by both annotation kinds.
type identity struct {
	source    string
	timepoint int
	label     int
	id        string
	uuid      uuid.UUID
	row       int
	values    Values
}

func newIdentity(source string, timepoint, label, row int, values Values) identity {
	id := MakeID(source, timepoint, label)
	return identity{
		source:    source,
		timepoint: timepoint,
		label:     label,
		id:        id,
		uuid:      UUIDForID(id),
		row:       row,
		values:    values,
	}
}

// MakeID builds the "<source>;<timepoint>;<label>" identifier used in views.
func MakeID(source string, timepoint, label int) string {
	return source + ";" + strconv.Itoa(timepoint) + ";" + strconv.Itoa(label)
}

// UUIDForID returns the UUID of the annotation with identifier id.
func UUIDForID(id string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(id))
}

// ParseID splits an identifier produced by MakeID.
func ParseID(id string) (source string, timepoint, label int, err error) {
	i := strings.LastIndex(id, ";")
	if i < 0 {
		return "", 0, 0, fmt.Errorf("invalid annotation id %q", id)
	}
	j := strings.LastIndex(id[:i], ";")
	if j < 0 {
		return "", 0, 0, fmt.Errorf("invalid annotation id %q", id)
	}
	if timepoint, err = strconv.Atoi(id[j+1 : i]); err != nil {
		return "", 0, 0, fmt.Errorf("invalid timepoint in annotation id %q: %w", id, err)
	}
	if label, err = strconv.Atoi(id[i+1:]); err != nil {
		return "", 0, 0, fmt.Errorf("invalid label in annotation id %q: %w", id, err)
	}
	return id[:j], timepoint, label, nil
}

func (i *identity) Source() string  { return i.source }
func (i *identity) Timepoint() int  { return i.timepoint }
func (i *identity) Label() int      { return i.label }
func (i *identity) ID() string      { return i.id }
func (i *identity) UUID() uuid.UUID { return i.uuid }
func (i *identity) Row() int        { return i.row }

func (i *identity) Value(column string) any {
	if i.values == nil {
		return nil
	}
	return i.values.Value(i.row, column)
}

func (i *identity) Float(column string) (float64, bool) {
	if i.values == nil {
		return 0, false
	}
	return i.values.Float(i.row, column)
}

func (i *identity) Text(column string) (string, bool) {
	if i.values == nil {
		return "", false
	}
	return i.values.Text(i.row, column)
}

// Segment is an object of a label mask.
type Segment struct {
	identity
	position    []float64
	boundingBox *BoundingBox
	mesh        []float32
}

// NewSegment creates a segment for one table row.
func NewSegment(source string, timepoint, label, row int, position []float64, bb *BoundingBox, values Values) *Segment {
	return &Segment{
		identity:    newIdentity(source, timepoint, label, row, values),
		position:    position,
		boundingBox: bb,
	}
}

func (s *Segment) annotation() {}

// Position returns the anchor point; callers must not modify it.
func (s *Segment) Position() []float64 { return s.position }

// BoundingBox returns the bounding box or nil.
func (s *Segment) BoundingBox() *BoundingBox { return s.boundingBox }

// SetBoundingBox replaces the bounding box.
func (s *Segment) SetBoundingBox(bb *BoundingBox) { s.boundingBox = bb }

// Mesh returns the vertex buffer or nil.
func (s *Segment) Mesh() []float32 { return s.mesh }

// SetMesh attaches a flat xyz vertex buffer.
func (s *Segment) SetMesh(mesh []float32) { s.mesh = mesh }

// Transform applies t to position, bounding box and mesh in place.
func (s *Segment) Transform(t affine.Transform) {
	if s.position != nil {
		t.ApplyTo(s.position, s.position)
	}
	if s.boundingBox != nil {
		s.boundingBox.Min, s.boundingBox.Max = t.EstimateBounds(s.boundingBox.Min, s.boundingBox.Max)
	}
	if s.mesh != nil {
		s.mesh = t.ApplyMesh(s.mesh)
	}
}

// Transformed returns a copy with t applied; identity is shared.
func (s *Segment) Transformed(t affine.Transform) *Segment {
	c := s.clone()
	c.Transform(t)
	return c
}

// WithTimepoint returns a copy moved to another timepoint. The copy keeps the
// UUID and ID of s so selections survive timepoint remapping.
func (s *Segment) WithTimepoint(tp int) *Segment {
	c := s.clone()
	c.timepoint = tp
	return c
}

func (s *Segment) clone() *Segment {
	c := *s
	c.position = append([]float64(nil), s.position...)
	c.boundingBox = s.boundingBox.clone()
	if s.mesh != nil {
		c.mesh = append([]float32(nil), s.mesh...)
	}
	return &c
}

// Spot is a point of a point cloud.
type Spot struct {
	identity
	position []float64
}

// NewSpot creates a spot for one table row.
func NewSpot(source string, timepoint, spotID, row int, position []float64, values Values) *Spot {
	return &Spot{
		identity: newIdentity(source, timepoint, spotID, row, values),
		position: position,
	}
}

func (s *Spot) annotation() {}

// Position returns the spot location; callers must not modify it.
func (s *Spot) Position() []float64 { return s.position }

// Transform applies t to the position in place.
func (s *Spot) Transform(t affine.Transform) {
	t.ApplyTo(s.position, s.position)
}

// Transformed returns a copy with t applied; identity is shared.
func (s *Spot) Transformed(t affine.Transform) *Spot {
	c := s.clone()
	c.Transform(t)
	return c
}

// WithTimepoint returns a copy moved to another timepoint.
func (s *Spot) WithTimepoint(tp int) *Spot {
	c := s.clone()
	c.timepoint = tp
	return c
}

func (s *Spot) clone() *Spot {
	c := *s
	c.position = append([]float64(nil), s.position...)
	return &c
}

// Transformed returns a transformed copy of any annotation.
func Transformed(a Annotation, t affine.Transform) Annotation {
	switch v := a.(type) {
	case *Segment:
		return v.Transformed(t)
	case *Spot:
		return v.Transformed(t)
	default:
		panic(fmt.Sprintf("annotation: unknown kind %T", a))
	}
}

// WithTimepoint returns a copy of any annotation at another timepoint.
func WithTimepoint(a Annotation, tp int) Annotation {
	switch v := a.(type) {
	case *Segment:
		return v.WithTimepoint(tp)
	case *Spot:
		return v.WithTimepoint(tp)
	default:
		panic(fmt.Sprintf("annotation: unknown kind %T", a))
	}
}
