package plot

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/table"
)

func scenario(t *testing.T) *table.Model {
	t.Helper()
	m, err := table.FromRecords("cells", table.Segments,
		[]string{"label_id", "anchor_x", "anchor_y", "area", "type"},
		[][]string{
			{"1", "0", "0", "10.0", "A"},
			{"2", "1", "1", "", "B"},
			{"3", "2", "2", "30.0", "A"},
		}, table.Options{})
	if err != nil {
		t.Fatalf("FromRecords: %v", err)
	}
	return m
}

func TestIndexSkipsMissingValues(t *testing.T) {
	m := scenario(t)
	idx, err := NewIndex(m.Rows(), [2]string{"area", "area"})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	if idx.Len() != 2 {
		t.Fatalf("Len = %d, want 2", idx.Len())
	}
	if idx.Annotation(0).Label() != 1 || idx.Annotation(1).Label() != 3 {
		t.Fatalf("expected rows 1 and 3, got %s and %s", idx.Annotation(0).ID(), idx.Annotation(1).ID())
	}
	if !reflect.DeepEqual(idx.Min(), []float64{10, 10}) {
		t.Fatalf("Min = %v", idx.Min())
	}
	if !reflect.DeepEqual(idx.Max(), []float64{30, 30}) {
		t.Fatalf("Max = %v", idx.Max())
	}
}

func TestCategoricalAxis(t *testing.T) {
	m := scenario(t)
	idx, err := NewIndex(m.Rows(), [2]string{"type", "anchor_x"})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if idx.Len() != 3 {
		t.Fatalf("Len = %d, want 3", idx.Len())
	}
	if got := idx.Categories(0); !reflect.DeepEqual(got, map[string]float64{"A": 0, "B": 1}) {
		t.Fatalf("Categories = %v", got)
	}
	if idx.Point(2) != [2]float64{0, 2} {
		t.Fatalf("Point(2) = %v", idx.Point(2))
	}

	cats := idx.Categories(0)
	cats["C"] = 9
	if _, ok := idx.Categories(0)["C"]; ok {
		t.Fatalf("Categories must return a copy")
	}
}

func TestEmptyIndex(t *testing.T) {
	m := scenario(t)
	row, _ := m.Row(1)
	_, err := NewIndex([]annotation.Annotation{row}, [2]string{"area", "anchor_x"})
	if !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex, got %v", err)
	}
	if _, err := NewIndex(nil, [2]string{"area", "area"}); !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex for no input, got %v", err)
	}
}

func TestNearestAndWithin(t *testing.T) {
	m := scenario(t)
	idx, err := NewIndex(m.Rows(), [2]string{"anchor_x", "anchor_y"})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	a, d := idx.Nearest(1.9, 2.1)
	if a.Label() != 3 {
		t.Fatalf("Nearest = %s", a.ID())
	}
	if d <= 0 || d > 0.2 {
		t.Fatalf("unexpected distance %v", d)
	}

	hits := idx.Within(0, 0, 1.5)
	var labels []int
	for _, h := range hits {
		labels = append(labels, h.Label())
	}
	if !reflect.DeepEqual(labels, []int{1, 2}) {
		t.Fatalf("Within = %v, want [1 2]", labels)
	}
}
