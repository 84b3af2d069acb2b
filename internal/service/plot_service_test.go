package service

import (
	"strings"
	"testing"

	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/render"
	"github.com/mobie-tiles/server/internal/table"
)

func testDisplay(t *testing.T) *display.AnnotationDisplay {
	t.Helper()
	m, err := table.FromRecords("cells", table.Segments,
		[]string{"label_id", "anchor_x", "anchor_y", "type"},
		[][]string{
			{"1", "0", "0", "B"},
			{"2", "1", "1", "A"},
			{"3", "2", "2", "B"},
		}, table.Options{})
	if err != nil {
		t.Fatalf("FromRecords: %v", err)
	}
	return display.New("cells", m, nil)
}

func newService(t *testing.T) *PlotService {
	t.Helper()
	s, err := NewPlotService(PlotServiceConfig{
		Renderer:  render.NewScatterRenderer(render.Config{Size: 32, PointRadius: 2}),
		CacheSize: 4,
	})
	if err != nil {
		t.Fatalf("NewPlotService: %v", err)
	}
	return s
}

func counts(s *PlotService) (uint64, uint64) {
	st := s.Stats()
	return st["plot_cache_hits"].(uint64), st["plot_cache_misses"].(uint64)
}

func TestScatterCaching(t *testing.T) {
	s := newService(t)
	d := testDisplay(t)

	first, err := s.Scatter(d)
	if err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	second, err := s.Scatter(d)
	if err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("cached plot differs")
	}
	if hits, misses := counts(s); hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}

	row, err := d.Table().Row(1)
	if err != nil {
		t.Fatalf("Row: %v", err)
	}
	d.Selection.Toggle(row)
	if _, err := s.Scatter(d); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	if hits, misses := counts(s); hits != 1 || misses != 2 {
		t.Fatalf("selection change should miss: hits=%d misses=%d", hits, misses)
	}

	if err := d.ColorBy("type", "glasbey", nil); err != nil {
		t.Fatalf("ColorBy: %v", err)
	}
	if _, err := s.Scatter(d); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	if _, misses := counts(s); misses != 3 {
		t.Fatalf("coloring change should miss: misses=%d", misses)
	}
}

func TestForget(t *testing.T) {
	s := newService(t)
	d := testDisplay(t)
	if _, err := s.Scatter(d); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	s.Forget(d)
	if _, ok := s.tracked[d]; ok {
		t.Fatal("display still tracked")
	}
	s.Forget(d)
}

func TestLegend(t *testing.T) {
	s := newService(t)
	d := testDisplay(t)

	if err := d.ColorBy("type", "glasbey", nil); err != nil {
		t.Fatalf("ColorBy: %v", err)
	}
	items := s.Legend(d)
	if len(items) != 2 || items[0].Value != "A" || items[1].Value != "B" {
		t.Fatalf("legend = %+v", items)
	}
	for _, it := range items {
		if !strings.HasPrefix(it.Color, "#") || len(it.Color) != 7 {
			t.Fatalf("color %q", it.Color)
		}
	}
}

func TestEmptyPlot(t *testing.T) {
	s := newService(t)
	data, err := s.GetEmptyPlot()
	if err != nil {
		t.Fatalf("GetEmptyPlot: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty png")
	}
}
