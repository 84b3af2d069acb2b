package view

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/storage"
	"github.com/mobie-tiles/server/internal/table"
)

type fakeWorkspace struct {
	t          *testing.T
	displays   []*display.AnnotationDisplay
	camera     *ViewerTransform
	closed     int
	failCamera bool
}

func (w *fakeWorkspace) AnnotationDisplays() []*display.AnnotationDisplay { return w.displays }

func (w *fakeWorkspace) OpenDisplay(_ context.Context, d AnnotationDisplay, kind table.Kind) (*display.AnnotationDisplay, error) {
	for _, open := range w.displays {
		if open.Name() == d.Name {
			return open, nil
		}
	}
	if kind != table.Segments {
		return nil, errors.New("only segment tables in tests")
	}
	open := display.New(d.Name, cellsTable(w.t), d.Sources)
	w.displays = append(w.displays, open)
	return open, nil
}

func (w *fakeWorkspace) Close(name string) bool {
	for i, d := range w.displays {
		if d.Name() == name {
			w.displays = append(w.displays[:i], w.displays[i+1:]...)
			w.closed++
			return true
		}
	}
	return false
}

func (w *fakeWorkspace) names() []string {
	var out []string
	for _, d := range w.displays {
		out = append(out, d.Name())
	}
	return out
}

func (w *fakeWorkspace) ViewerTransform() (ViewerTransform, bool) {
	if w.camera == nil {
		return ViewerTransform{}, false
	}
	return *w.camera, true
}

func (w *fakeWorkspace) SetViewerTransform(t ViewerTransform) error {
	if w.failCamera {
		return errors.New("camera unavailable")
	}
	w.camera = &t
	return nil
}

func cellsTable(t *testing.T) *table.Model {
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

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(storage.NewFetcher(storage.Config{}, nil))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestViewerTransformJSON(t *testing.T) {
	tp := 3
	in := ViewerTransform{Kind: PositionTransform, Parameters: []float64{1, 2, 3}, Timepoint: &tp}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"type":"position","parameters":[1,2,3],"timepoint":3}` {
		t.Fatalf("json = %s", data)
	}
	var out ViewerTransform
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip: %+v != %+v", in, out)
	}

	for name, doc := range map[string]string{
		"unknown type":       `{"type":"crop","parameters":[1,2,3]}`,
		"short affine":       `{"type":"affine","parameters":[1,0,0,0,0,1,0,0,0,0,1]}`,
		"timepoint missing":  `{"type":"timepoint"}`,
		"position as string": `{"type":"position","parameters":"1,2,3"}`,
	} {
		t.Run(name, func(t *testing.T) {
			var v ViewerTransform
			if err := json.Unmarshal([]byte(doc), &v); err == nil {
				t.Fatalf("expected an error for %s", doc)
			}
		})
	}
}

func TestSaveRefusesCollision(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	loc := "mem://project/misc/views/extra.json"

	first := View{UISelectionGroup: "bookmarks", IsExclusive: true}
	if err := s.Save(ctx, ViewsJSON, loc, "default", first, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := View{UISelectionGroup: "other"}
	err := s.Save(ctx, ViewsJSON, loc, "default", second, false)
	if !errors.Is(err, ErrViewNameCollision) {
		t.Fatalf("expected ErrViewNameCollision, got %v", err)
	}

	doc, err := s.Load(ctx, ViewsJSON, loc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := doc.Views()["default"]; !reflect.DeepEqual(got, first) {
		t.Fatalf("first view changed: %+v", got)
	}

	if err := s.Save(ctx, ViewsJSON, loc, "default", second, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	doc, _ = s.Load(ctx, ViewsJSON, loc)
	if got := doc.Views()["default"]; got.UISelectionGroup != "other" {
		t.Fatalf("overwrite not applied: %+v", got)
	}
}

func TestDatasetDocumentKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	f := storage.NewFetcher(storage.Config{}, nil)
	s, err := NewStore(f)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	loc := "mem://project/dataset.json"

	if err := s.Save(ctx, DatasetJSON, loc, "v", View{}, false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("saving to a missing dataset.json: %v", err)
	}

	manifest := `{"is2D": true, "sources": {"cells": {"image": {}}}, "views": {}}`
	if err := f.Write(ctx, loc, []byte(manifest)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Save(ctx, DatasetJSON, loc, "my view", View{UISelectionGroup: "g"}, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := f.Fetch(ctx, loc)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if raw["is2D"] != true || raw["sources"] == nil {
		t.Fatalf("manifest fields lost: %s", data)
	}
	doc, err := s.Load(ctx, DatasetJSON, loc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(Names(doc), []string{"my_view"}) {
		t.Fatalf("names = %v", Names(doc))
	}
}

func TestSchemaRejectsBadDocuments(t *testing.T) {
	s := newStore(t)
	for name, doc := range map[string]string{
		"three limits":  `{"views":{"v":{"sourceDisplays":[{"segmentationDisplay":{"name":"c","valueLimits":[1,2,3]}}]}}}`,
		"two displays":  `{"views":{"v":{"sourceDisplays":[{"segmentationDisplay":{"name":"c"},"spotDisplay":{"name":"s"}}]}}}`,
		"opacity":       `{"views":{"v":{"sourceDisplays":[{"spotDisplay":{"name":"s","opacity":2}}]}}}`,
		"no views map":  `{"views":[]}`,
		"bad transform": `{"views":{"v":{"viewerTransform":{"type":"crop"}}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if err := s.Validate([]byte(doc)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := s.Validate([]byte(`{"views":{"v":{"sourceDisplays":[{"segmentationDisplay":{"name":"c","valueLimits":null}}]}}}`)); err != nil {
		t.Fatalf("null limits should be valid: %v", err)
	}
}

func TestViewRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := &fakeWorkspace{t: t}
	d, err := src.OpenDisplay(ctx, AnnotationDisplay{Name: "cells", Sources: []string{"cells-labels"}}, table.Segments)
	if err != nil {
		t.Fatalf("OpenDisplay: %v", err)
	}
	if err := d.ColorBy("area", "viridis", &[2]float64{5, 25}); err != nil {
		t.Fatalf("ColorBy: %v", err)
	}
	d.Coloring.SetOpacity(0.5)
	d.UpdateSettings(func(s *display.Settings) {
		s.ShowScatterPlot = true
		s.ScatterPlotAxes = [2]string{"area", "anchor_x"}
		s.ShowAsBoundaries = true
	})
	if _, err := d.SelectEqualTo("type", "A"); err != nil {
		t.Fatalf("SelectEqualTo: %v", err)
	}
	src.camera = &ViewerTransform{Kind: AffineTransform, Parameters: []float64{1, 0, 0, 10, 0, 1, 0, 20, 0, 0, 1, 0}}

	v := CreateViewFromCurrentState(src, "bookmarks", true, true)

	s := newStore(t)
	loc := "mem://project/views.json"
	if err := s.Save(ctx, ViewsJSON, loc, "round trip", v, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	doc, err := s.Load(ctx, ViewsJSON, loc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded, ok := doc.Views()["round_trip"]
	if !ok {
		t.Fatalf("view not saved, names %v", Names(doc))
	}

	dst := &fakeWorkspace{t: t, displays: []*display.AnnotationDisplay{display.New("stale", cellsTable(t), nil)}}
	report, err := Apply(ctx, dst, loaded)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(report.UnknownAnnotations) != 0 || dst.closed != 1 {
		t.Fatalf("report %+v closed %d", report, dst.closed)
	}
	if len(dst.displays) != 1 {
		t.Fatalf("exclusive view should replace open displays, got %d", len(dst.displays))
	}

	want := Snapshot(d)
	got := Snapshot(dst.displays[0])
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("display state differs after round trip:\n got %+v\nwant %+v", got, want)
	}
	if !reflect.DeepEqual(dst.camera, src.camera) {
		t.Fatalf("camera = %+v", dst.camera)
	}
}

func TestApplyReportsUnknownAnnotations(t *testing.T) {
	ws := &fakeWorkspace{t: t}
	v := View{SourceDisplays: []SourceDisplay{{SegmentationDisplay: &AnnotationDisplay{
		Name:                  "cells",
		Lut:                   "glasbey",
		ColorByColumn:         "type",
		ScatterPlotAxes:       []string{"anchor_x", "anchor_y"},
		RandomColorSeed:       42,
		Opacity:               1,
		Visible:               true,
		SelectedAnnotationIDs: []string{"cells;0;1", "cells;0;99"},
	}}}}
	report, err := Apply(context.Background(), ws, v)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(report.UnknownAnnotations["cells"], []string{"cells;0;99"}) {
		t.Fatalf("unknown = %v", report.UnknownAnnotations)
	}
	if got := ws.displays[0].SelectedAnnotationIDs(); !reflect.DeepEqual(got, []string{"cells;0;1"}) {
		t.Fatalf("selected = %v", got)
	}
	if !strings.Contains(ws.displays[0].Coloring.LUTName(), "glasbey") {
		t.Fatalf("lut = %s", ws.displays[0].Coloring.LUTName())
	}
}

func bookmarkedCells(t *testing.T, ws *fakeWorkspace) (*display.AnnotationDisplay, AnnotationDisplay) {
	t.Helper()
	d, err := ws.OpenDisplay(context.Background(), AnnotationDisplay{Name: "cells"}, table.Segments)
	if err != nil {
		t.Fatalf("OpenDisplay: %v", err)
	}
	if err := d.ColorBy("type", "glasbey", nil); err != nil {
		t.Fatalf("ColorBy: %v", err)
	}
	if _, err := d.SelectEqualTo("type", "B"); err != nil {
		t.Fatalf("SelectEqualTo: %v", err)
	}
	return d, Snapshot(d)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	cells := AnnotationDisplay{
		Name:                  "cells",
		Lut:                   "viridis",
		ColorByColumn:         "area",
		Opacity:               0.5,
		Visible:               true,
		SelectedAnnotationIDs: []string{"cells;0;1"},
	}
	other := AnnotationDisplay{Name: "other", Lut: "viridis", ColorByColumn: "no_such_column", Opacity: 1}

	t.Run("bad entry", func(t *testing.T) {
		ws := &fakeWorkspace{t: t}
		d, before := bookmarkedCells(t, ws)
		ws.displays = append(ws.displays, display.New("stale", cellsTable(t), nil))

		v := View{IsExclusive: true, SourceDisplays: []SourceDisplay{
			{SegmentationDisplay: &cells},
			{SegmentationDisplay: &other},
		}}
		_, err := Apply(context.Background(), ws, v)
		if !errors.Is(err, table.ErrUnknownColumn) {
			t.Fatalf("expected ErrUnknownColumn, got %v", err)
		}
		if got := Snapshot(d); !reflect.DeepEqual(got, before) {
			t.Fatalf("display changed by a failed view:\n got %+v\nwant %+v", got, before)
		}
		if !reflect.DeepEqual(ws.names(), []string{"cells", "stale"}) {
			t.Fatalf("open displays = %v", ws.names())
		}
	})

	t.Run("camera fails", func(t *testing.T) {
		ws := &fakeWorkspace{t: t, failCamera: true}
		d, before := bookmarkedCells(t, ws)
		strategy := d.Coloring.Strategy()

		v := View{SourceDisplays: []SourceDisplay{{SegmentationDisplay: &cells}}, ViewerTransform: &ViewerTransform{
			Kind:       PositionTransform,
			Parameters: []float64{1, 2, 3},
		}}
		if _, err := Apply(context.Background(), ws, v); err == nil {
			t.Fatal("expected an error")
		}
		if got := Snapshot(d); !reflect.DeepEqual(got, before) {
			t.Fatalf("display not restored:\n got %+v\nwant %+v", got, before)
		}
		if !reflect.DeepEqual(d.Coloring.Strategy(), strategy) {
			t.Fatalf("coloring not restored: %+v", d.Coloring.Strategy())
		}
	})
}
