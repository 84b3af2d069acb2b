package table

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/pkg/affine"
)

func timepointTable(t *testing.T) *Model {
	t.Helper()
	m, err := FromRecords("nuclei", Segments,
		[]string{"label_id", "timepoint", "anchor_x", "anchor_y", "anchor_z", "bb_min_x", "bb_min_y", "bb_min_z", "bb_max_x", "bb_max_y", "bb_max_z"},
		[][]string{
			{"1", "0", "1", "1", "1", "0", "0", "0", "2", "2", "2"},
			{"1", "1", "5", "5", "5", "4", "4", "4", "6", "6", "6"},
			{"2", "2", "9", "9", "9", "8", "8", "8", "10", "10", "10"},
		}, Options{})
	if err != nil {
		t.Fatalf("FromRecords: %v", err)
	}
	return m
}

func TestAffineViewDoesNotMutateBase(t *testing.T) {
	base := timepointTable(t)
	before := base.Rows()
	positions := make([][]float64, len(before))
	for i, a := range before {
		positions[i] = append([]float64(nil), a.Position()...)
	}

	arena := NewArena()
	root := arena.AddBase(base)
	moved, err := arena.AddAffine(root, affine.Translation(100, 0, 0))
	if err != nil {
		t.Fatalf("AddAffine: %v", err)
	}
	view, err := arena.View(moved)
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	a, err := view.Row(0)
	if err != nil {
		t.Fatalf("Row: %v", err)
	}
	if !reflect.DeepEqual(a.Position(), []float64{101, 1, 1}) {
		t.Fatalf("unexpected transformed position %v", a.Position())
	}
	seg := a.(*annotation.Segment)
	if seg.BoundingBox().Min[0] != 100 || seg.BoundingBox().Max[0] != 102 {
		t.Fatalf("unexpected transformed bounding box %+v", seg.BoundingBox())
	}

	for i, orig := range base.Rows() {
		if !reflect.DeepEqual(orig.Position(), positions[i]) {
			t.Fatalf("base row %d mutated: %v", i, orig.Position())
		}
	}

	again, _ := view.Row(0)
	if again != a {
		t.Fatalf("expected memoized row instance")
	}
	if a.UUID() != before[0].UUID() {
		t.Fatalf("derived row must keep the uuid")
	}
	if i, ok := view.IndexOf(before[2]); !ok || i != 2 {
		t.Fatalf("IndexOf(base row) = %d, %v", i, ok)
	}
}

func TestTimepointView(t *testing.T) {
	base := timepointTable(t)
	arena := NewArena()
	root := arena.AddBase(base)

	t.Run("drop unmapped", func(t *testing.T) {
		id, err := arena.AddTimepoints(root, map[int]int{1: 7}, false)
		if err != nil {
			t.Fatalf("AddTimepoints: %v", err)
		}
		view, _ := arena.View(id)
		if view.NumRows() != 1 {
			t.Fatalf("NumRows = %d, want 1", view.NumRows())
		}
		a, _ := view.Row(0)
		if a.Timepoint() != 7 || a.Label() != 1 {
			t.Fatalf("unexpected row %s at timepoint %d", a.ID(), a.Timepoint())
		}
		orig, _ := base.Row(1)
		if a.UUID() != orig.UUID() || orig.Timepoint() != 1 {
			t.Fatalf("remapped row must keep identity and leave the base untouched")
		}
		if _, ok := view.IndexOf(orig); !ok {
			t.Fatalf("remapped row should be found by uuid")
		}
		first, _ := base.Row(0)
		if _, ok := view.IndexOf(first); ok {
			t.Fatalf("dropped row should not be indexed")
		}
	})

	t.Run("keep unmapped", func(t *testing.T) {
		id, _ := arena.AddTimepoints(root, map[int]int{1: 7}, true)
		view, _ := arena.View(id)
		if view.NumRows() != 3 {
			t.Fatalf("NumRows = %d, want 3", view.NumRows())
		}
		var tps []int
		for _, a := range view.Rows() {
			tps = append(tps, a.Timepoint())
		}
		if !reflect.DeepEqual(tps, []int{0, 7, 2}) {
			t.Fatalf("timepoints = %v", tps)
		}
	})

	t.Run("chained", func(t *testing.T) {
		tp, _ := arena.AddTimepoints(root, map[int]int{2: 0}, false)
		moved, _ := arena.AddAffine(tp, affine.Scale(2, 2, 2))
		view, _ := arena.View(moved)
		a, err := view.Row(0)
		if err != nil {
			t.Fatalf("Row: %v", err)
		}
		if a.Timepoint() != 0 || !reflect.DeepEqual(a.Position(), []float64{18, 18, 18}) {
			t.Fatalf("unexpected chained row: tp=%d pos=%v", a.Timepoint(), a.Position())
		}
		if view.Base() != base {
			t.Fatalf("chained view must resolve to the base model")
		}
	})
}

func TestInPlaceTransformRefreshesDerivedRows(t *testing.T) {
	base := timepointTable(t)
	arena := NewArena()
	root := arena.AddBase(base)

	moved, _ := arena.AddAffine(root, affine.Translation(10, 0, 0))
	movedView, _ := arena.View(moved)
	if _, err := movedView.Row(0); err != nil {
		t.Fatalf("Row: %v", err)
	}
	remapped, _ := arena.AddTimepoints(root, map[int]int{0: 3}, true)
	remappedView, _ := arena.View(remapped)
	if err := arena.TransformInPlace(remapped, affine.Translation(0, 5, 0)); err != nil {
		t.Fatalf("TransformInPlace: %v", err)
	}

	if err := arena.TransformInPlace(root, affine.Translation(1000, 0, 0)); err != nil {
		t.Fatalf("TransformInPlace: %v", err)
	}

	xs := func(tbl Table) []float64 {
		var out []float64
		for _, a := range tbl.Rows() {
			out = append(out, a.Position()[0])
		}
		return out
	}
	if got := xs(base); !reflect.DeepEqual(got, []float64{1001, 1005, 1009}) {
		t.Fatalf("base x = %v", got)
	}
	if got := xs(movedView); !reflect.DeepEqual(got, []float64{1011, 1015, 1019}) {
		t.Fatalf("derived x = %v", got)
	}
	a, _ := remappedView.Row(1)
	if !reflect.DeepEqual(a.Position(), []float64{1005, 10, 5}) {
		t.Fatalf("in-place transform of a derived node lost: %v", a.Position())
	}
	first, _ := remappedView.Row(0)
	if first.Timepoint() != 3 {
		t.Fatalf("timepoint = %d", first.Timepoint())
	}

	// the base is untouched by transforms of derived nodes
	if err := arena.TransformInPlace(moved, affine.Translation(0, 0, 1)); err != nil {
		t.Fatalf("TransformInPlace: %v", err)
	}
	orig, _ := base.Row(0)
	if !reflect.DeepEqual(orig.Position(), []float64{1001, 1, 1}) {
		t.Fatalf("base row mutated: %v", orig.Position())
	}
	b, _ := movedView.Row(0)
	if !reflect.DeepEqual(b.Position(), []float64{1011, 1, 2}) {
		t.Fatalf("derived row = %v", b.Position())
	}
}

func TestUnknownNode(t *testing.T) {
	arena := NewArena()
	if _, err := arena.AddAffine(3, affine.Identity()); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if _, err := arena.View(0); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}
