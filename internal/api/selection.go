package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/image"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/view"
)

// originator tags focus events raised by HTTP clients.
const originator = "api"

func lookupAnnotation(d *display.AnnotationDisplay, id string) (annotation.Annotation, bool) {
	tbl := d.Table()
	row, ok := tbl.IndexOfUUID(annotation.UUIDForID(id))
	if !ok {
		return nil, false
	}
	a, err := tbl.Row(row)
	if err != nil {
		return nil, false
	}
	return a, true
}

func selectionState(d *display.AnnotationDisplay) map[string]interface{} {
	out := map[string]interface{}{
		"selected": d.SelectedAnnotationIDs(),
		"focused":  nil,
	}
	if f, ok := d.Selection.Focused(); ok {
		out["focused"] = f.ID()
	}
	return out
}

func selectionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, selectionState(getDisplay(r)))
}

type setSelectionRequest struct {
	IDs []string `json:"ids"`
	// Mode is "replace" (default), "add" or "remove".
	Mode string `json:"mode"`
}

// setSelectionHandler changes the selection by annotation id. Unknown ids
// are reported and ignored.
func setSelectionHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setSelectionRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d := getDisplay(r)

		var unknown []string
		err := reg.loop.Do(r.Context(), func() error {
			switch req.Mode {
			case "", "replace":
				d.Selection.ClearSelection()
				unknown = d.SetSelectedAnnotationIDs(req.IDs)
			case "add":
				unknown = d.SetSelectedAnnotationIDs(req.IDs)
			case "remove":
				var as []annotation.Annotation
				for _, id := range req.IDs {
					if a, ok := lookupAnnotation(d, id); ok {
						as = append(as, a)
					} else {
						unknown = append(unknown, id)
					}
				}
				d.Selection.SetSelected(as, false)
			default:
				return fmt.Errorf("invalid mode %q (expected replace, add or remove)", req.Mode)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}

		out := selectionState(d)
		out["unknown"] = unknown
		writeJSON(w, http.StatusOK, out)
	}
}

// selectQueryHandler runs a bulk selection on one column.
func selectQueryHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params project.SelectParams
		if err := decodeBody(r, &params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.Display = getDisplay(r).Name()

		var n int
		err := reg.loop.Do(r.Context(), func() error {
			var err error
			n, err = reg.project.Select(params)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"selected": n})
	}
}

// focusCamera centers the viewer on a at its timepoint.
func focusCamera(a annotation.Annotation) view.ViewerTransform {
	pos := make([]float64, 3)
	copy(pos, a.Position())
	tp := a.Timepoint()
	return view.ViewerTransform{Kind: view.PositionTransform, Parameters: pos, Timepoint: &tp}
}

type focusRequest struct {
	ID string `json:"id"`
}

func focusHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req focusRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d := getDisplay(r)
		a, ok := lookupAnnotation(d, req.ID)
		if !ok {
			http.Error(w, "annotation not found: "+req.ID, http.StatusNotFound)
			return
		}
		err := reg.loop.Do(r.Context(), func() error {
			if err := d.Selection.Focus(a, originator); err != nil {
				return err
			}
			return reg.project.SetViewerTransform(focusCamera(a))
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, selectionState(d))
	}
}

type labelRequest struct {
	// Position is a world coordinate of the viewer.
	Position []float64 `json:"position"`
	// Action is "toggle" (default), "focus" or "none".
	Action string `json:"action"`
}

// labelHandler finds the segment under a world position of a label image
// and toggles or focuses it.
func labelHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg.labels == nil {
			http.Error(w, "no label images configured", http.StatusNotImplemented)
			return
		}
		var req labelRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Position) < 2 || len(req.Position) > 3 {
			http.Error(w, "position needs 2 or 3 coordinates", http.StatusBadRequest)
			return
		}
		pos := append([]float64(nil), req.Position...)
		if len(pos) == 2 {
			pos = append(pos, 0)
		}

		d := getDisplay(r)
		img, err := reg.project.Image(d.Name())
		if err != nil {
			writeError(w, err)
			return
		}
		labelImg, ok := img.(*image.AnnotatedLabelImage)
		if !ok {
			http.Error(w, "display has no label image", http.StatusBadRequest)
			return
		}
		inv, err := labelImg.Transform().Inverse()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		label, err := reg.labels.LabelAt(r.Context(), labelImg.Source(), 0, inv.Apply(pos))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if label == 0 {
			http.Error(w, "background", http.StatusNotFound)
			return
		}

		a, ok := annotationForLabel(d, int(label))
		if !ok {
			http.Error(w, fmt.Sprintf("label %d has no table row", label), http.StatusNotFound)
			return
		}

		err = reg.loop.Do(r.Context(), func() error {
			switch req.Action {
			case "", "toggle":
				d.Selection.Toggle(a)
			case "focus":
				if err := d.Selection.Focus(a, originator); err != nil {
					return err
				}
				return reg.project.SetViewerTransform(focusCamera(a))
			case "none":
			default:
				return errors.New("invalid action (expected toggle, focus or none)")
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":       a.ID(),
			"label":    label,
			"selected": d.Selection.IsSelected(a),
		})
	}
}

// annotationForLabel returns the first-timepoint segment with label.
func annotationForLabel(d *display.AnnotationDisplay, label int) (annotation.Annotation, bool) {
	var found annotation.Annotation
	for _, a := range d.Table().Rows() {
		if a.Label() != label {
			continue
		}
		if found == nil || a.Timepoint() < found.Timepoint() {
			found = a
		}
	}
	return found, found != nil
}
