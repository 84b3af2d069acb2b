package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/mobie-tiles/server/internal/display"
)

func coloringState(d *display.AnnotationDisplay) map[string]interface{} {
	c := d.Coloring
	out := map[string]interface{}{
		"lut":     c.LUTName(),
		"column":  c.Strategy().ColumnName(),
		"opacity": c.Opacity(),
		"seed":    d.RandomColorSeed(),
		"limits":  nil,
	}
	if lo, hi, ok := c.Limits(); ok {
		out["limits"] = []float64{lo, hi}
	}
	return out
}

func coloringHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, coloringState(getDisplay(r)))
}

func legendHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := getDisplay(r)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"lut":    d.Coloring.LUTName(),
			"column": d.Coloring.Strategy().ColumnName(),
			"items":  reg.plots.Legend(d),
		})
	}
}

type setColoringRequest struct {
	Column  string      `json:"column"`
	Lut     string      `json:"lut"`
	Limits  *[2]float64 `json:"limits"`
	Opacity *float64    `json:"opacity"`
	Seed    *int64      `json:"seed"`
}

// setColoringHandler applies the seed, then the lut, then the opacity.
// Fields left out are unchanged.
func setColoringHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setColoringRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Limits != nil && req.Limits[0] > req.Limits[1] {
			http.Error(w, "limits must be ordered", http.StatusBadRequest)
			return
		}
		d := getDisplay(r)
		err := reg.loop.Do(r.Context(), func() error {
			if req.Seed != nil {
				if err := d.SetRandomColorSeed(*req.Seed); err != nil {
					return err
				}
			}
			switch {
			case req.Column != "" || req.Lut != "":
				if err := d.ColorBy(req.Column, req.Lut, req.Limits); err != nil {
					return err
				}
			case req.Limits != nil:
				if err := d.Coloring.SetLimits(req.Limits[0], req.Limits[1]); err != nil {
					return err
				}
			}
			if req.Opacity != nil {
				d.Coloring.SetOpacity(*req.Opacity)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, coloringState(d))
	}
}

// scatterHandler renders the scatter plot of a display. The axes query
// parameter ("x,y") changes the plot axes first.
func scatterHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := getDisplay(r)
		if s := strings.TrimSpace(r.URL.Query().Get("axes")); s != "" {
			parts := strings.Split(s, ",")
			if len(parts) != 2 {
				http.Error(w, "axes needs two column names", http.StatusBadRequest)
				return
			}
			axes := [2]string{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}
			for _, c := range axes {
				if !d.Table().HasColumn(c) {
					http.Error(w, "unknown column: "+c, http.StatusNotFound)
					return
				}
			}
			err := reg.loop.Do(r.Context(), func() error {
				d.UpdateSettings(func(s *display.Settings) { s.ScatterPlotAxes = axes })
				return nil
			})
			if err != nil {
				writeError(w, err)
				return
			}
		}

		data, err := reg.plots.Scatter(d)
		if err != nil {
			// Return empty plot on error
			data, _ = reg.plots.GetEmptyPlot()
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// nearestHandler returns the annotations nearest to a scatter plot
// coordinate, or within radius r when given.
func nearestHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	if errX != nil || errY != nil {
		http.Error(w, "x and y are required numbers", http.StatusBadRequest)
		return
	}

	idx, err := getDisplay(r).ScatterIndex()
	if err != nil {
		writeError(w, err)
		return
	}
	if rs := q.Get("r"); rs != "" {
		radius, err := strconv.ParseFloat(rs, 64)
		if err != nil || radius < 0 {
			http.Error(w, "invalid r", http.StatusBadRequest)
			return
		}
		ids := make([]string, 0)
		for _, a := range idx.Within(x, y, radius) {
			ids = append(ids, a.ID())
		}
		sort.Strings(ids)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ids": ids})
		return
	}

	a, dist := idx.Nearest(x, y)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       a.ID(),
		"distance": dist,
	})
}
