// Package view reads, writes and applies view documents: named snapshots
// of display, coloring, selection and camera state.
package view

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mobie-tiles/server/pkg/affine"
)

// ErrViewNameCollision is returned when saving a view under an existing
// name without overwrite.
var ErrViewNameCollision = errors.New("view name already exists")

// View is a named, serializable snapshot. The name is the key in the
// document's views map.
type View struct {
	UISelectionGroup string           `json:"uiSelectionGroup"`
	IsExclusive      bool             `json:"isExclusive"`
	SourceDisplays   []SourceDisplay  `json:"sourceDisplays,omitempty"`
	ViewerTransform  *ViewerTransform `json:"viewerTransform,omitempty"`
}

// SourceDisplay holds exactly one display entry.
type SourceDisplay struct {
	ImageDisplay        *ImageDisplay      `json:"imageDisplay,omitempty"`
	SegmentationDisplay *AnnotationDisplay `json:"segmentationDisplay,omitempty"`
	SpotDisplay         *AnnotationDisplay `json:"spotDisplay,omitempty"`
}

// ImageDisplay shows intensity sources.
type ImageDisplay struct {
	Name           string      `json:"name"`
	Sources        []string    `json:"sources,omitempty"`
	Color          string      `json:"color,omitempty"`
	ContrastLimits *[2]float64 `json:"contrastLimits,omitempty"`
	Opacity        float64     `json:"opacity"`
	Visible        bool        `json:"visible"`
}

// AnnotationDisplay is the persisted state of a segmentation or spot
// display.
type AnnotationDisplay struct {
	Name                  string      `json:"name"`
	Sources               []string    `json:"sources,omitempty"`
	Lut                   string      `json:"lut"`
	ColorByColumn         string      `json:"colorByColumn,omitempty"`
	ValueLimits           *[2]float64 `json:"valueLimits,omitempty"`
	ShowScatterPlot       bool        `json:"showScatterPlot"`
	ScatterPlotAxes       []string    `json:"scatterPlotAxes,omitempty"`
	Tables                []string    `json:"tables,omitempty"`
	ShowTable             bool        `json:"showTable"`
	ShowAsBoundaries      bool        `json:"showAsBoundaries"`
	BoundaryThickness     float64     `json:"boundaryThickness"`
	RandomColorSeed       int64       `json:"randomColorSeed"`
	Opacity               float64     `json:"opacity"`
	Visible               bool        `json:"visible"`
	SelectedAnnotationIDs []string    `json:"selectedAnnotationIds,omitempty"`
}

// TransformKind names a viewer transform variant.
type TransformKind string

const (
	PositionTransform         TransformKind = "position"
	TimepointTransform        TransformKind = "timepoint"
	NormalVectorTransform     TransformKind = "normalVector"
	AffineTransform           TransformKind = "affine"
	NormalizedAffineTransform TransformKind = "normalizedAffine"
)

// numParameters is the parameter count of each kind.
var numParameters = map[TransformKind]int{
	PositionTransform:         3,
	TimepointTransform:        0,
	NormalVectorTransform:     affine.NumParameters,
	AffineTransform:           affine.NumParameters,
	NormalizedAffineTransform: affine.NumParameters,
}

// ViewerTransform is the camera of a view.
type ViewerTransform struct {
	Kind       TransformKind
	Parameters []float64
	Timepoint  *int
}

type viewerTransformJSON struct {
	Type       TransformKind `json:"type"`
	Parameters []float64     `json:"parameters,omitempty"`
	Timepoint  *int          `json:"timepoint,omitempty"`
}

// Validate checks the kind and the parameter count.
func (t ViewerTransform) Validate() error {
	n, ok := numParameters[t.Kind]
	if !ok {
		return fmt.Errorf("unknown viewer transform type %q", t.Kind)
	}
	if len(t.Parameters) != n {
		return fmt.Errorf("viewer transform %s needs %d parameters, got %d", t.Kind, n, len(t.Parameters))
	}
	if t.Kind == TimepointTransform && t.Timepoint == nil {
		return fmt.Errorf("viewer transform %s needs a timepoint", t.Kind)
	}
	return nil
}

// Affine returns the transform of affine kinds.
func (t ViewerTransform) Affine() (affine.Transform, bool) {
	switch t.Kind {
	case AffineTransform, NormalizedAffineTransform:
		a, err := affine.FromParameters(t.Parameters)
		return a, err == nil
	}
	return affine.Transform{}, false
}

func (t ViewerTransform) MarshalJSON() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(viewerTransformJSON{Type: t.Kind, Parameters: t.Parameters, Timepoint: t.Timepoint})
}

// UnmarshalJSON rejects unknown kinds and wrong parameter counts.
func (t *ViewerTransform) UnmarshalJSON(data []byte) error {
	var raw viewerTransformJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("viewer transform: %w", err)
	}
	v := ViewerTransform{Kind: raw.Type, Parameters: raw.Parameters, Timepoint: raw.Timepoint}
	if err := v.Validate(); err != nil {
		return err
	}
	*t = v
	return nil
}

// Document is a JSON file holding views.
type Document interface {
	Views() map[string]View
	SetView(name string, v View)
}

// AdditionalViews is a supplementary views file.
type AdditionalViews struct {
	ViewMap map[string]View `json:"views"`
}

func (d *AdditionalViews) Views() map[string]View { return d.ViewMap }

func (d *AdditionalViews) SetView(name string, v View) {
	if d.ViewMap == nil {
		d.ViewMap = make(map[string]View)
	}
	d.ViewMap[name] = v
}

// DatasetDocument is a dataset manifest. Fields other than views are kept
// verbatim.
type DatasetDocument struct {
	ViewMap map[string]View
	other   map[string]json.RawMessage
}

func (d *DatasetDocument) Views() map[string]View { return d.ViewMap }

func (d *DatasetDocument) SetView(name string, v View) {
	if d.ViewMap == nil {
		d.ViewMap = make(map[string]View)
	}
	d.ViewMap[name] = v
}

func (d *DatasetDocument) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	d.ViewMap = nil
	if raw, ok := fields["views"]; ok {
		if err := json.Unmarshal(raw, &d.ViewMap); err != nil {
			return fmt.Errorf("views: %w", err)
		}
		delete(fields, "views")
	}
	d.other = fields
	return nil
}

func (d DatasetDocument) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(d.other)+1)
	for k, v := range d.other {
		fields[k] = v
	}
	views := d.ViewMap
	if views == nil {
		views = map[string]View{}
	}
	fields["views"] = views
	return json.Marshal(fields)
}

// Names returns the view names of a document, sorted.
func Names(d Document) []string {
	names := make([]string, 0, len(d.Views()))
	for name := range d.Views() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TidyName trims a view name and replaces inner whitespace with
// underscores.
func TidyName(name string) (string, error) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", errors.New("empty view name")
	}
	return strings.Join(fields, "_"), nil
}
