// Package api provides HTTP handlers for the MoBIE-Tiles server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/jobs"
	"github.com/mobie-tiles/server/internal/modelthread"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/storage"
	"github.com/mobie-tiles/server/internal/table"
	"github.com/mobie-tiles/server/internal/view"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *Registry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	reg := cfg.Registry
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/project", projectHandler(reg))
		r.Get("/displays", displaysHandler(reg))
		r.Post("/displays", openDisplayHandler(reg))
		r.Post("/grid", gridHandler(reg))
		r.Post("/translate", translateHandler(reg))
		r.Get("/stats", statsHandler(reg))
		r.Get("/viewer-transform", getViewerTransformHandler(reg))
		r.Put("/viewer-transform", setViewerTransformHandler(reg))

		r.Route("/views", func(r chi.Router) {
			r.Get("/", listViewsHandler(reg))
			r.Post("/", saveViewHandler(reg))
			r.Post("/apply", applyViewHandler(reg))
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", listJobsHandler(reg))
			r.Get("/{job_id}", jobStatusHandler(reg))
			r.Delete("/{job_id}", deleteJobHandler(reg))
		})

		// Display-scoped routes: /api/displays/{display}/...
		r.Route("/displays/{display}", func(r chi.Router) {
			r.Use(displayMiddleware(reg))

			r.Delete("/", closeDisplayHandler(reg))
			r.Get("/columns", columnsHandler)
			r.Get("/rows", rowsHandler)
			r.Get("/bounds", boundsHandler(reg))
			r.Post("/tables", loadTablesHandler(reg))
			r.Post("/transform", transformHandler(reg))
			r.Post("/timepoints", timepointsHandler(reg))
			r.Post("/annotations", annotateHandler(reg))

			r.Get("/selection", selectionHandler)
			r.Put("/selection", setSelectionHandler(reg))
			r.Post("/selection/query", selectQueryHandler(reg))
			r.Post("/selection/focus", focusHandler(reg))
			r.Post("/label", labelHandler(reg))

			r.Get("/coloring", coloringHandler)
			r.Put("/coloring", setColoringHandler(reg))
			r.Get("/coloring/legend", legendHandler(reg))

			r.Get("/scatter.png", scatterHandler(reg))
			r.Get("/scatter/nearest", nearestHandler)
		})
	})

	return r
}

// Context key for the resolved display
type ctxKey string

const displayKey ctxKey = "display"

// displayMiddleware resolves the display from the URL and injects it into
// the context.
func displayMiddleware(reg *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "display")
			d, err := reg.project.Display(name)
			if err != nil {
				http.Error(w, "display not found: "+name, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), displayKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDisplay(r *http.Request) *display.AnnotationDisplay {
	if d, ok := r.Context().Value(displayKey).(*display.AnnotationDisplay); ok {
		return d
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, project.ErrUnknownDisplay),
		errors.Is(err, table.ErrUnknownColumn),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, display.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, view.ErrViewNameCollision), errors.Is(err, project.ErrDisplayOpen):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, modelthread.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusBadRequest
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

// projectHandler returns the dataset name, title and display catalog.
func projectHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dataset":  reg.project.Dataset(),
			"title":    reg.Title(),
			"catalog":  reg.project.Catalog(),
			"displays": reg.Displays(),
		})
	}
}

func statsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.plots.Stats())
	}
}

func displaysHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.Displays())
	}
}

type openDisplayRequest struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Sources []string `json:"sources"`
}

// openDisplayHandler opens a configured display. Opening an open display
// returns it unchanged.
func openDisplayHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openDisplayRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		kind := table.Segments
		switch req.Kind {
		case "", "segments":
		case "spots":
			kind = table.Spots
		default:
			http.Error(w, "invalid kind (expected segments or spots)", http.StatusBadRequest)
			return
		}

		var d *display.AnnotationDisplay
		err := reg.loop.Do(r.Context(), func() error {
			var err error
			d, err = reg.project.OpenDisplay(r.Context(), view.AnnotationDisplay{Name: req.Name, Sources: req.Sources}, kind)
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

func closeDisplayHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := getDisplay(r)
		err := reg.loop.Do(r.Context(), func() error {
			reg.project.Close(d.Name())
			return nil
		})
		reg.plots.Forget(d)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type columnInfo struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

func columnsHandler(w http.ResponseWriter, r *http.Request) {
	tbl := getDisplay(r).Table()
	names := tbl.ColumnNames()
	cols := make([]columnInfo, 0, len(names))
	for _, name := range names {
		class, err := tbl.ColumnClass(name)
		if err != nil {
			continue
		}
		cols = append(cols, columnInfo{Name: name, Class: class.String()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"columns":         cols,
		"column_locators": tbl.ColumnLocators(),
		"loaded_locators": tbl.LoadedColumnLocators(),
		"numeric_columns": tbl.NumericColumnNames(),
	})
}

const (
	defaultRowLimit = 100
	maxRowLimit     = 10000
)

// rowsHandler pages through the table. Missing cells are null.
func rowsHandler(w http.ResponseWriter, r *http.Request) {
	tbl := getDisplay(r).Table()
	q := r.URL.Query()

	offset, err := parseNonNegative(q.Get("offset"), 0)
	if err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	limit, err := parseNonNegative(q.Get("limit"), defaultRowLimit)
	if err != nil || limit == 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if limit > maxRowLimit {
		limit = maxRowLimit
	}

	columns := tbl.ColumnNames()
	if s := strings.TrimSpace(q.Get("columns")); s != "" {
		columns = nil
		for _, c := range strings.Split(s, ",") {
			c = strings.TrimSpace(c)
			if !tbl.HasColumn(c) {
				http.Error(w, "unknown column: "+c, http.StatusNotFound)
				return
			}
			columns = append(columns, c)
		}
	}

	total := tbl.NumRows()
	end := offset + limit
	if end > total {
		end = total
	}
	rows := make([]map[string]interface{}, 0)
	for i := offset; i < end; i++ {
		a, err := tbl.Row(i)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		values := make(map[string]interface{}, len(columns))
		for _, c := range columns {
			if v, ok := a.Text(c); ok {
				values[c] = v
			} else {
				values[c] = nil
			}
		}
		rows = append(rows, map[string]interface{}{
			"id":     a.ID(),
			"row":    i,
			"values": values,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   total,
		"offset":  offset,
		"columns": columns,
		"rows":    rows,
	})
}

func parseNonNegative(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

func boundsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		min, max, err := reg.project.Bounds(r.Context(), getDisplay(r).Name())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"min": min, "max": max})
	}
}
