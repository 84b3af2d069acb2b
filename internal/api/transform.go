package api

import (
	"net/http"

	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/view"
	"github.com/mobie-tiles/server/pkg/affine"
)

type transformRequest struct {
	// Parameters is a row-major 3x4 affine matrix.
	Parameters []float64 `json:"parameters"`
	// NewName opens the transformed copy as a new display; empty
	// transforms in place.
	NewName string `json:"new_name"`
}

func transformHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transformRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		t, err := affine.FromParameters(req.Parameters)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name := getDisplay(r).Name()

		var d *display.AnnotationDisplay
		err = reg.loop.Do(r.Context(), func() error {
			var err error
			d, err = reg.project.Transform(name, t, req.NewName)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name": d.Name(),
			"rows": d.Table().NumRows(),
		})
	}
}

type timepointsRequest struct {
	// Mapping maps old timepoints to new ones; JSON keys are decimal.
	Mapping      map[int]int `json:"mapping"`
	KeepUnmapped bool        `json:"keep_unmapped"`
	NewName      string      `json:"new_name"`
}

// timepointsHandler remaps the timepoints of a display.
func timepointsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req timepointsRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		old := getDisplay(r)

		var d *display.AnnotationDisplay
		err := reg.loop.Do(r.Context(), func() error {
			var err error
			d, err = reg.project.TimepointsTransform(old.Name(), req.Mapping, req.KeepUnmapped, req.NewName)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if req.NewName == "" {
			reg.plots.Forget(old)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name": d.Name(),
			"rows": d.Table().NumRows(),
		})
	}
}

type translateRequest struct {
	Displays []string `json:"displays"`
	// NewNames is empty or holds one name per display; "" translates
	// that display in place.
	NewNames       []string `json:"new_names"`
	CenterAtOrigin bool     `json:"center_at_origin"`
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
}

// translateHandler moves displays by (x, y).
func translateHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req translateRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Displays) == 0 {
			http.Error(w, "displays is required", http.StatusBadRequest)
			return
		}
		if len(req.NewNames) == 0 {
			req.NewNames = nil
		}

		var names []string
		err := reg.loop.Do(r.Context(), func() error {
			ds, err := reg.project.Translate(r.Context(), req.Displays, req.NewNames, req.CenterAtOrigin, req.X, req.Y)
			for _, d := range ds {
				names = append(names, d.Name())
			}
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"displays": names})
	}
}

type gridRequest struct {
	Cells          [][]string `json:"cells"`
	Positions      [][2]int   `json:"positions"`
	TileSize       [2]float64 `json:"tile_size"`
	Offset         [2]float64 `json:"offset"`
	CenterAtOrigin bool       `json:"center_at_origin"`
}

// gridHandler lays displays out on a grid and opens the translated copies.
func gridHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gridRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Cells) == 0 || len(req.Cells) != len(req.Positions) {
			http.Error(w, "cells and positions must be non-empty and of equal length", http.StatusBadRequest)
			return
		}

		var names []string
		err := reg.loop.Do(r.Context(), func() error {
			ds, err := reg.project.Grid(r.Context(), req.Cells, req.Positions, req.TileSize, req.Offset, req.CenterAtOrigin)
			for _, d := range ds {
				names = append(names, d.Name())
			}
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"displays": names})
	}
}

type annotateRequest struct {
	Column string `json:"column"`
	Value  string `json:"value"`
	// Create adds Column as a new annotation column first.
	Create bool `json:"create"`
}

// annotateHandler writes a value into a text column for every selected
// annotation.
func annotateHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req annotateRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Column == "" {
			http.Error(w, "column is required", http.StatusBadRequest)
			return
		}
		d := getDisplay(r)

		var n int
		err := reg.loop.Do(r.Context(), func() error {
			if req.Create {
				if err := d.AddAnnotationColumn(req.Column); err != nil {
					return err
				}
			}
			var err error
			n, err = d.Annotate(req.Column, req.Value)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"annotated": n})
	}
}

type loadTablesRequest struct {
	Tables []string `json:"tables"`
}

// loadTablesHandler submits a job merging column chunks into the display.
func loadTablesHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loadTablesRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Tables) == 0 {
			http.Error(w, "tables is required", http.StatusBadRequest)
			return
		}
		name := getDisplay(r).Name()
		submitJob(w, r, reg, project.JobLoadTables, name, project.LoadTablesParams{Display: name, Tables: req.Tables})
	}
}

func getViewerTransformHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := reg.project.ViewerTransform()
		if !ok {
			http.Error(w, "no viewer transform set", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func setViewerTransformHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t view.ViewerTransform
		if err := decodeBody(r, &t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := reg.loop.Do(r.Context(), func() error {
			return reg.project.SetViewerTransform(t)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}
