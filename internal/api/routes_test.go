package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mobie-tiles/server/internal/config"
	"github.com/mobie-tiles/server/internal/jobs"
	"github.com/mobie-tiles/server/internal/modelthread"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/render"
	"github.com/mobie-tiles/server/internal/service"
	"github.com/mobie-tiles/server/internal/storage"
)

type boxSources map[string][2][]float64

func (b boxSources) Bounds(_ context.Context, source string) ([]float64, []float64, error) {
	box := b[source]
	return box[0], box[1], nil
}

// stripeLabels returns label 2 left of x=1 and background elsewhere.
type stripeLabels struct{}

func (stripeLabels) LabelAt(_ context.Context, name string, level int, pos []float64) (uint64, error) {
	if name == "cells-labels" && pos[0] < 1 {
		return 2, nil
	}
	return 0, nil
}

func setupRouter(t *testing.T) *chi.Mux {
	t.Helper()
	ctx := context.Background()

	f := storage.NewFetcher(storage.Config{}, nil)
	t.Cleanup(func() { f.Close() })
	files := map[string]string{
		"mem://platy/tables/cells/default.tsv": "label_id\tanchor_x\tanchor_y\ttype\n" +
			"1\t0\t0\tA\n2\t1\t1\tB\n3\t2\t2\tA\n",
		"mem://platy/tables/cells/morphology.tsv": "label_id\tarea\n1\t10\n2\t20\n3\t30\n",
		"mem://platy/tables/genes/default.tsv":    "spot_id\tx\ty\tgene\n1\t5\t5\tpax6\n2\t6\t7\tsox2\n",
	}
	for loc, content := range files {
		if err := f.Write(ctx, loc, []byte(content)); err != nil {
			t.Fatalf("Write %s: %v", loc, err)
		}
	}

	p, err := project.New(config.ProjectConfig{
		Dataset:     "platy",
		Root:        "mem://platy",
		DatasetJSON: "mem://platy/dataset.json",
		ViewsJSON:   "mem://platy/misc/views/views.json",
		Displays: []config.DisplayConfig{
			{Name: "cells", Kind: "segments", Sources: []string{"cells-labels"}, Table: "mem://platy/tables/cells/default.tsv"},
			{Name: "genes", Kind: "spots", Table: "mem://platy/tables/genes/default.tsv"},
		},
	}, project.Options{
		Fetcher: f,
		Images:  boxSources{"cells-labels": {{0, 0, 0}, {10, 20, 0}}},
	})
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	if err := p.OpenConfigured(ctx); err != nil {
		t.Fatalf("OpenConfigured: %v", err)
	}

	loop := modelthread.New(16)
	t.Cleanup(loop.Stop)
	m, err := jobs.NewManager(jobs.Config{SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite")})
	if err != nil {
		t.Fatalf("jobs.NewManager: %v", err)
	}
	p.RegisterJobs(m, loop)
	m.Start()
	t.Cleanup(m.Stop)

	plots, err := service.NewPlotService(service.PlotServiceConfig{
		Renderer:  render.NewScatterRenderer(render.Config{Size: 64, PointRadius: 3}),
		CacheSize: 8,
	})
	if err != nil {
		t.Fatalf("NewPlotService: %v", err)
	}

	reg := NewRegistry(RegistryConfig{
		Project: p,
		Loop:    loop,
		Jobs:    m,
		Plots:   plots,
		Labels:  stripeLabels{},
	})
	return NewRouter(RouterConfig{Registry: reg, CORSOrigins: []string{"http://localhost:3000"}})
}

func do(t *testing.T, router http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode JSON: %v (%s)", err, rec.Body.String())
	}
}

func assertStatusCode(t *testing.T, rec *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rec.Code != expected {
		t.Fatalf("expected status code %d, got %d: %s", expected, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	router := setupRouter(t)
	rec := do(t, router, http.MethodGet, "/health", nil)
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "OK" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestProjectAndRows(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodGet, "/api/project", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var proj struct {
		Dataset  string        `json:"dataset"`
		Title    string        `json:"title"`
		Catalog  []string      `json:"catalog"`
		Displays []DisplayInfo `json:"displays"`
	}
	decodeJSON(t, rec, &proj)
	if proj.Dataset != "platy" || proj.Title != "MoBIE-Tiles" || !reflect.DeepEqual(proj.Catalog, []string{"cells", "genes"}) {
		t.Fatalf("project = %+v", proj)
	}
	if len(proj.Displays) != 2 || proj.Displays[1].Kind != "spots" || proj.Displays[0].Rows != 3 {
		t.Fatalf("displays = %+v", proj.Displays)
	}

	rec = do(t, router, http.MethodGet, "/api/displays/cells/rows?offset=1&limit=5&columns=type", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var page struct {
		Total int `json:"total"`
		Rows  []struct {
			ID     string             `json:"id"`
			Values map[string]*string `json:"values"`
		} `json:"rows"`
	}
	decodeJSON(t, rec, &page)
	if page.Total != 3 || len(page.Rows) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Rows[0].ID != "cells;0;2" || page.Rows[0].Values["type"] == nil || *page.Rows[0].Values["type"] != "B" {
		t.Fatalf("first row = %+v", page.Rows[0])
	}

	for target, want := range map[string]int{
		"/api/displays/nuclei/rows":                http.StatusNotFound,
		"/api/displays/cells/rows?columns=missing": http.StatusNotFound,
		"/api/displays/cells/rows?limit=-1":        http.StatusBadRequest,
		"/api/displays/cells/columns":              http.StatusOK,
	} {
		if rec := do(t, router, http.MethodGet, target, nil); rec.Code != want {
			t.Errorf("%s: status %d, want %d", target, rec.Code, want)
		}
	}

	rec = do(t, router, http.MethodPost, "/api/displays", map[string]string{"name": "nuclei"})
	assertStatusCode(t, rec, http.StatusNotFound)

	rec = do(t, router, http.MethodDelete, "/api/displays/genes", nil)
	assertStatusCode(t, rec, http.StatusNoContent)
	rec = do(t, router, http.MethodGet, "/api/displays/genes/rows", nil)
	assertStatusCode(t, rec, http.StatusNotFound)
	rec = do(t, router, http.MethodPost, "/api/displays", map[string]string{"name": "genes", "kind": "spots"})
	assertStatusCode(t, rec, http.StatusOK)
}

type selectionResponse struct {
	Selected []string `json:"selected"`
	Focused  *string  `json:"focused"`
	Unknown  []string `json:"unknown"`
}

func TestSelection(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodPut, "/api/displays/cells/selection", map[string]interface{}{
		"ids": []string{"cells;0;1", "cells;0;9"},
	})
	assertStatusCode(t, rec, http.StatusOK)
	var sel selectionResponse
	decodeJSON(t, rec, &sel)
	if !reflect.DeepEqual(sel.Selected, []string{"cells;0;1"}) || !reflect.DeepEqual(sel.Unknown, []string{"cells;0;9"}) {
		t.Fatalf("selection = %+v", sel)
	}

	rec = do(t, router, http.MethodPut, "/api/displays/cells/selection", map[string]interface{}{
		"ids": []string{"cells;0;1"}, "mode": "remove",
	})
	assertStatusCode(t, rec, http.StatusOK)
	sel = selectionResponse{}
	decodeJSON(t, rec, &sel)
	if len(sel.Selected) != 0 {
		t.Fatalf("after remove = %+v", sel)
	}

	rec = do(t, router, http.MethodPost, "/api/displays/cells/selection/query", map[string]string{
		"op": "eq", "column": "type", "value": "A",
	})
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "{\"selected\":2}\n" {
		t.Fatalf("query = %s", rec.Body.String())
	}
	rec = do(t, router, http.MethodPost, "/api/displays/cells/selection/query", map[string]string{
		"op": "eq", "column": "colour", "value": "A",
	})
	assertStatusCode(t, rec, http.StatusNotFound)

	rec = do(t, router, http.MethodPost, "/api/displays/cells/selection/focus", map[string]string{"id": "cells;0;3"})
	assertStatusCode(t, rec, http.StatusOK)
	sel = selectionResponse{}
	decodeJSON(t, rec, &sel)
	if sel.Focused == nil || *sel.Focused != "cells;0;3" {
		t.Fatalf("focus = %+v", sel)
	}
	rec = do(t, router, http.MethodGet, "/api/viewer-transform", nil)
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "{\"type\":\"position\",\"parameters\":[2,2,0],\"timepoint\":0}\n" {
		t.Fatalf("focus should center the viewer, got %s", rec.Body.String())
	}
	rec = do(t, router, http.MethodPost, "/api/displays/cells/selection/focus", map[string]string{"id": "cells;0;7"})
	assertStatusCode(t, rec, http.StatusNotFound)
}

func TestLabel(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodPost, "/api/displays/cells/label", map[string]interface{}{
		"position": []float64{0.5, 0.5},
	})
	assertStatusCode(t, rec, http.StatusOK)
	var hit struct {
		ID       string `json:"id"`
		Label    int    `json:"label"`
		Selected bool   `json:"selected"`
	}
	decodeJSON(t, rec, &hit)
	if hit.ID != "cells;0;2" || hit.Label != 2 || !hit.Selected {
		t.Fatalf("hit = %+v", hit)
	}

	rec = do(t, router, http.MethodPost, "/api/displays/cells/label", map[string]interface{}{
		"position": []float64{5, 5},
	})
	assertStatusCode(t, rec, http.StatusNotFound)

	rec = do(t, router, http.MethodPost, "/api/displays/genes/label", map[string]interface{}{
		"position": []float64{0.5, 0.5},
	})
	assertStatusCode(t, rec, http.StatusBadRequest)
}

func TestColoringAndScatter(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodPut, "/api/displays/cells/coloring", map[string]interface{}{
		"column": "anchor_x", "lut": "viridis", "opacity": 0.5,
	})
	assertStatusCode(t, rec, http.StatusOK)
	var col struct {
		Lut     string    `json:"lut"`
		Column  string    `json:"column"`
		Opacity float64   `json:"opacity"`
		Limits  []float64 `json:"limits"`
	}
	decodeJSON(t, rec, &col)
	if col.Lut != "viridis" || col.Column != "anchor_x" || col.Opacity != 0.5 || !reflect.DeepEqual(col.Limits, []float64{0, 2}) {
		t.Fatalf("coloring = %+v", col)
	}

	rec = do(t, router, http.MethodPut, "/api/displays/cells/coloring", map[string]interface{}{"lut": "nope"})
	assertStatusCode(t, rec, http.StatusBadRequest)
	rec = do(t, router, http.MethodPut, "/api/displays/cells/coloring", map[string]interface{}{"limits": []float64{3, 1}})
	assertStatusCode(t, rec, http.StatusBadRequest)

	rec = do(t, router, http.MethodGet, "/api/displays/cells/scatter.png", nil)
	assertStatusCode(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 64 {
		t.Fatalf("size = %v", img.Bounds())
	}

	rec = do(t, router, http.MethodGet, "/api/displays/cells/scatter.png?axes=anchor_x,nope", nil)
	assertStatusCode(t, rec, http.StatusNotFound)

	rec = do(t, router, http.MethodGet, "/api/displays/cells/scatter/nearest?x=1.9&y=2.2", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var near struct {
		ID string `json:"id"`
	}
	decodeJSON(t, rec, &near)
	if near.ID != "cells;0;3" {
		t.Fatalf("nearest = %+v", near)
	}
	rec = do(t, router, http.MethodGet, "/api/displays/cells/scatter/nearest?x=0&y=0&r=1.5", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var within struct {
		IDs []string `json:"ids"`
	}
	decodeJSON(t, rec, &within)
	if !reflect.DeepEqual(within.IDs, []string{"cells;0;1", "cells;0;2"}) {
		t.Fatalf("within = %+v", within)
	}

	rec = do(t, router, http.MethodPut, "/api/displays/cells/coloring", map[string]interface{}{"column": "type", "lut": "glasbey"})
	assertStatusCode(t, rec, http.StatusOK)
	rec = do(t, router, http.MethodGet, "/api/displays/cells/coloring/legend", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var legend struct {
		Column string `json:"column"`
		Items  []struct {
			Value string `json:"value"`
			Color string `json:"color"`
		} `json:"items"`
	}
	decodeJSON(t, rec, &legend)
	if legend.Column != "type" || len(legend.Items) != 2 || legend.Items[0].Value != "A" || legend.Items[1].Value != "B" {
		t.Fatalf("legend = %+v", legend)
	}

	rec = do(t, router, http.MethodGet, "/api/stats", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var stats map[string]float64
	decodeJSON(t, rec, &stats)
	if stats["plot_cache_misses"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

type jobResponse struct {
	ID     string          `json:"job_id"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

func TestViewsThroughJobs(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodGet, "/api/views", nil)
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "{\"document\":\"views.json\",\"views\":[]}\n" {
		t.Fatalf("views before save = %s", rec.Body.String())
	}

	rec = do(t, router, http.MethodPut, "/api/displays/cells/selection", map[string]interface{}{"ids": []string{"cells;0;3"}})
	assertStatusCode(t, rec, http.StatusOK)

	rec = do(t, router, http.MethodPost, "/api/views?wait=true", map[string]interface{}{"name": "my view", "exclusive": true})
	assertStatusCode(t, rec, http.StatusOK)
	var saved jobResponse
	decodeJSON(t, rec, &saved)
	if saved.Status != "completed" {
		t.Fatalf("save job = %+v", saved)
	}

	rec = do(t, router, http.MethodPost, "/api/views?wait=true", map[string]interface{}{"name": "my view"})
	assertStatusCode(t, rec, http.StatusOK)
	var dup jobResponse
	decodeJSON(t, rec, &dup)
	if dup.Status != "failed" || dup.Error == "" {
		t.Fatalf("duplicate save = %+v", dup)
	}

	rec = do(t, router, http.MethodGet, "/api/views", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var list struct {
		Views []string `json:"views"`
	}
	decodeJSON(t, rec, &list)
	if !reflect.DeepEqual(list.Views, []string{"my_view"}) {
		t.Fatalf("views = %v", list.Views)
	}

	rec = do(t, router, http.MethodPut, "/api/displays/cells/selection", map[string]interface{}{"ids": []string{}})
	assertStatusCode(t, rec, http.StatusOK)

	rec = do(t, router, http.MethodPost, "/api/views/apply?wait=1", map[string]interface{}{"name": "my_view"})
	assertStatusCode(t, rec, http.StatusOK)
	var applied jobResponse
	decodeJSON(t, rec, &applied)
	if applied.Status != "completed" {
		t.Fatalf("apply job = %+v", applied)
	}

	rec = do(t, router, http.MethodGet, "/api/displays/cells/selection", nil)
	var sel selectionResponse
	decodeJSON(t, rec, &sel)
	if !reflect.DeepEqual(sel.Selected, []string{"cells;0;3"}) {
		t.Fatalf("selection after apply = %+v", sel)
	}

	rec = do(t, router, http.MethodGet, "/api/jobs", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var all []jobResponse
	decodeJSON(t, rec, &all)
	if len(all) != 3 {
		t.Fatalf("jobs = %+v", all)
	}

	rec = do(t, router, http.MethodGet, "/api/jobs/"+saved.ID, nil)
	assertStatusCode(t, rec, http.StatusOK)
	rec = do(t, router, http.MethodDelete, "/api/jobs/"+saved.ID, nil)
	assertStatusCode(t, rec, http.StatusNoContent)
	rec = do(t, router, http.MethodGet, "/api/jobs/"+saved.ID, nil)
	assertStatusCode(t, rec, http.StatusNotFound)

	rec = do(t, router, http.MethodPost, "/api/views", map[string]interface{}{"name": "x", "document": "other"})
	assertStatusCode(t, rec, http.StatusBadRequest)
}

func TestLoadTablesJob(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodPost, "/api/displays/cells/tables?wait=true", map[string]interface{}{
		"tables": []string{"mem://platy/tables/cells/morphology.tsv"},
	})
	assertStatusCode(t, rec, http.StatusOK)
	var job jobResponse
	decodeJSON(t, rec, &job)
	if job.Status != "completed" {
		t.Fatalf("load job = %+v", job)
	}

	rec = do(t, router, http.MethodPost, "/api/displays/cells/selection/query", map[string]string{
		"op": "gt", "column": "area", "value": "15",
	})
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "{\"selected\":2}\n" {
		t.Fatalf("query = %s", rec.Body.String())
	}

	rec = do(t, router, http.MethodPost, "/api/displays/cells/annotations", map[string]interface{}{
		"column": "curated", "value": "big", "create": true,
	})
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "{\"annotated\":2}\n" {
		t.Fatalf("annotate = %s", rec.Body.String())
	}
}

func TestTransformAndCamera(t *testing.T) {
	router := setupRouter(t)

	rec := do(t, router, http.MethodPost, "/api/displays/cells/transform", map[string]interface{}{
		"parameters": []float64{1, 0, 0, 100, 0, 1, 0, 0, 0, 0, 1, 0},
		"new_name":   "cells_moved",
	})
	assertStatusCode(t, rec, http.StatusOK)

	rec = do(t, router, http.MethodGet, "/api/displays/cells_moved/bounds", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var b struct {
		Min []float64 `json:"min"`
		Max []float64 `json:"max"`
	}
	decodeJSON(t, rec, &b)
	if b.Min[0] != 100 || b.Max[0] != 110 {
		t.Fatalf("bounds = %+v", b)
	}

	rec = do(t, router, http.MethodPost, "/api/displays/cells/transform", map[string]interface{}{
		"parameters": []float64{1, 0, 0},
	})
	assertStatusCode(t, rec, http.StatusBadRequest)

	rec = do(t, router, http.MethodGet, "/api/viewer-transform", nil)
	assertStatusCode(t, rec, http.StatusNotFound)
	rec = do(t, router, http.MethodPut, "/api/viewer-transform", map[string]interface{}{
		"type": "position", "parameters": []float64{1, 2, 3},
	})
	assertStatusCode(t, rec, http.StatusOK)
	rec = do(t, router, http.MethodGet, "/api/viewer-transform", nil)
	assertStatusCode(t, rec, http.StatusOK)
	if rec.Body.String() != "{\"type\":\"position\",\"parameters\":[1,2,3]}\n" {
		t.Fatalf("camera = %s", rec.Body.String())
	}
	rec = do(t, router, http.MethodPut, "/api/viewer-transform", map[string]interface{}{"type": "crop"})
	assertStatusCode(t, rec, http.StatusBadRequest)
}

func TestTimepointsAndTranslate(t *testing.T) {
	router := setupRouter(t)
	type result struct {
		Name string `json:"name"`
		Rows int    `json:"rows"`
	}

	rec := do(t, router, http.MethodPost, "/api/displays/cells/timepoints", map[string]interface{}{
		"mapping":  map[string]int{"0": 4},
		"new_name": "cells_t4",
	})
	assertStatusCode(t, rec, http.StatusOK)
	var res result
	decodeJSON(t, rec, &res)
	if res.Name != "cells_t4" || res.Rows != 3 {
		t.Fatalf("timepoints = %+v", res)
	}
	rec = do(t, router, http.MethodPost, "/api/displays/cells/timepoints", map[string]interface{}{
		"mapping":  map[string]int{"0": 5},
		"new_name": "cells_t4",
	})
	assertStatusCode(t, rec, http.StatusConflict)

	rec = do(t, router, http.MethodPost, "/api/displays/genes/timepoints", map[string]interface{}{
		"mapping": map[string]int{"7": 1},
	})
	assertStatusCode(t, rec, http.StatusOK)
	res = result{}
	decodeJSON(t, rec, &res)
	if res.Name != "genes" || res.Rows != 0 {
		t.Fatalf("in-place timepoints = %+v", res)
	}

	rec = do(t, router, http.MethodPost, "/api/translate", map[string]interface{}{
		"displays":  []string{"cells"},
		"new_names": []string{"cells_left"},
		"x":         -5,
	})
	assertStatusCode(t, rec, http.StatusOK)
	var moved struct {
		Displays []string `json:"displays"`
	}
	decodeJSON(t, rec, &moved)
	if !reflect.DeepEqual(moved.Displays, []string{"cells_left"}) {
		t.Fatalf("translate = %+v", moved)
	}
	rec = do(t, router, http.MethodGet, "/api/displays/cells_left/bounds", nil)
	assertStatusCode(t, rec, http.StatusOK)
	var b struct {
		Min []float64 `json:"min"`
		Max []float64 `json:"max"`
	}
	decodeJSON(t, rec, &b)
	if b.Min[0] != -5 || b.Max[0] != 5 {
		t.Fatalf("bounds = %+v", b)
	}

	rec = do(t, router, http.MethodPost, "/api/translate", map[string]interface{}{
		"displays": []string{"cells"}, "new_names": []string{"cells_left"},
	})
	assertStatusCode(t, rec, http.StatusConflict)
	rec = do(t, router, http.MethodPost, "/api/translate", map[string]interface{}{
		"displays": []string{"nuclei"},
	})
	assertStatusCode(t, rec, http.StatusNotFound)
	rec = do(t, router, http.MethodPost, "/api/translate", map[string]interface{}{})
	assertStatusCode(t, rec, http.StatusBadRequest)
}
