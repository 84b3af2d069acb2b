// Package display binds an annotation table to its selection and coloring
// models and holds the per-display settings that views persist.
package display

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/coloring"
	"github.com/mobie-tiles/server/internal/plot"
	"github.com/mobie-tiles/server/internal/selection"
	"github.com/mobie-tiles/server/internal/table"
	"github.com/mobie-tiles/server/pkg/colormap"
)

// ErrNoMatch is returned by bulk selections that match no row. The
// selection is left unchanged.
var ErrNoMatch = errors.New("no matching rows")

const (
	DefaultLUT               = "glasbey"
	DefaultRandomColorSeed   = 42
	DefaultBoundaryThickness = 1.0
)

// Settings are the display properties stored in views.
type Settings struct {
	ShowScatterPlot   bool
	ScatterPlotAxes   [2]string
	ShowTable         bool
	ShowAsBoundaries  bool
	BoundaryThickness float64
	Visible           bool
}

// AnnotationDisplay shows the annotations of one table.
type AnnotationDisplay struct {
	name    string
	sources []string
	tbl     table.Table

	Selection *selection.Model[annotation.Annotation]
	Coloring  *coloring.Model[annotation.Annotation]

	mu       sync.Mutex
	settings Settings
	tables   []string
	seed     int64

	scatter     *plot.Index
	scatterAxes [2]string
}

// New creates a display of tbl showing the image sources. Annotations are
// colored by their id column with the glasbey lut.
func New(name string, tbl table.Table, sources []string) *AnnotationDisplay {
	d := &AnnotationDisplay{
		name:    name,
		sources: append([]string(nil), sources...),
		tbl:     tbl,
		seed:    DefaultRandomColorSeed,
		settings: Settings{
			ScatterPlotAxes:   defaultAxes(tbl),
			ShowTable:         true,
			BoundaryThickness: DefaultBoundaryThickness,
			Visible:           true,
		},
	}
	d.Selection = selection.New(func(a annotation.Annotation) bool {
		_, ok := tbl.IndexOfUUID(a.UUID())
		return ok
	})
	d.Coloring = coloring.New[annotation.Annotation](tbl)
	d.Coloring.AttachSelection(d.Selection, coloring.DefaultDimming)
	if err := d.Coloring.SetStrategy(coloring.Categorical{Column: idColumn(tbl), LUT: DefaultLUT, Seed: d.seed}); err != nil {
		// the id column and the default lut always exist
		panic(err)
	}
	return d
}

func idColumn(tbl table.Table) string {
	if tbl.Base().Kind() == table.Spots {
		return table.ColumnSpotID
	}
	return table.ColumnLabelID
}

func defaultAxes(tbl table.Table) [2]string {
	if tbl.Base().Kind() == table.Spots {
		return [2]string{table.ColumnSpotX, table.ColumnSpotY}
	}
	return [2]string{table.ColumnAnchorX, table.ColumnAnchorY}
}

// Name returns the display name.
func (d *AnnotationDisplay) Name() string { return d.name }

// Sources returns the names of the displayed image sources.
func (d *AnnotationDisplay) Sources() []string { return append([]string(nil), d.sources...) }

// Table returns the displayed table.
func (d *AnnotationDisplay) Table() table.Table { return d.tbl }

// Settings returns a copy of the display settings.
func (d *AnnotationDisplay) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// UpdateSettings applies fn to the settings. Changing the scatter plot axes
// drops the scatter index.
func (d *AnnotationDisplay) UpdateSettings(fn func(*Settings)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.settings)
	if d.settings.ScatterPlotAxes != d.scatterAxes {
		d.scatter = nil
	}
}

// Tables returns the locators of the column chunks shown in the display.
func (d *AnnotationDisplay) Tables() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tables...)
}

// LoadTable merges the columns at locator into the table and records it.
func (d *AnnotationDisplay) LoadTable(ctx context.Context, locator string) error {
	if err := d.tbl.LoadColumns(ctx, locator); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tables {
		if t == locator {
			return nil
		}
	}
	d.tables = append(d.tables, locator)
	d.scatter = nil
	return nil
}

// RandomColorSeed returns the seed used by categorical and random coloring.
func (d *AnnotationDisplay) RandomColorSeed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seed
}

// SetRandomColorSeed reseeds the coloring. It is remembered for later
// strategies when the active one has no seed.
func (d *AnnotationDisplay) SetRandomColorSeed(seed int64) error {
	d.mu.Lock()
	d.seed = seed
	d.mu.Unlock()
	switch d.Coloring.Strategy().(type) {
	case coloring.Categorical, coloring.Random:
		return d.Coloring.SetSeed(seed)
	}
	return nil
}

// ColorBy colors the display by column using lut. Categorical luts and the
// random lut work on any column; other luts need a numeric column and use
// limits, or the column range when limits is nil. An empty column colors by
// the id column.
func (d *AnnotationDisplay) ColorBy(column, lut string, limits *[2]float64) error {
	s, err := d.strategyFor(column, lut, limits)
	if err != nil {
		return err
	}
	return d.Coloring.SetStrategy(s)
}

// CheckColorBy reports the error ColorBy would return without changing the
// coloring.
func (d *AnnotationDisplay) CheckColorBy(column, lut string, limits *[2]float64) error {
	s, err := d.strategyFor(column, lut, limits)
	if err != nil {
		return err
	}
	return d.Coloring.Check(s)
}

func (d *AnnotationDisplay) strategyFor(column, lut string, limits *[2]float64) (coloring.Strategy, error) {
	if column == "" {
		column = idColumn(d.tbl)
	}
	if lut == "" {
		lut = DefaultLUT
	}
	class, err := d.tbl.ColumnClass(column)
	if err != nil {
		return nil, err
	}
	seed := d.RandomColorSeed()

	if lut == coloring.RandomLUT {
		return coloring.Random{Column: column, Seed: seed}, nil
	}
	cm, ok := colormap.Lookup(lut)
	if !ok {
		return nil, fmt.Errorf("unknown lut %q", lut)
	}
	if cm.Categorical() {
		return coloring.Categorical{Column: column, LUT: lut, Seed: seed}, nil
	}
	if class != table.Numeric {
		return nil, fmt.Errorf("color %q with %s: %w", column, lut, table.ErrNotNumeric)
	}
	if limits != nil && limits[0] > limits[1] {
		return nil, fmt.Errorf("limits of %q out of order: %v", column, *limits)
	}
	return coloring.Numeric{Column: column, LUT: lut, Limits: limits}, nil
}

// ScatterIndex returns the point index over the scatter plot axes, building
// it on first use.
func (d *AnnotationDisplay) ScatterIndex() (*plot.Index, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scatter != nil && d.scatterAxes == d.settings.ScatterPlotAxes {
		return d.scatter, nil
	}
	idx, err := plot.NewIndex(d.tbl.Rows(), d.settings.ScatterPlotAxes)
	if err != nil {
		return nil, err
	}
	d.scatter = idx
	d.scatterAxes = d.settings.ScatterPlotAxes
	return idx, nil
}

// SelectedAnnotationIDs returns the ids of the selected annotations, sorted.
func (d *AnnotationDisplay) SelectedAnnotationIDs() []string {
	sel := d.Selection.Selected()
	ids := make([]string, len(sel))
	for i, a := range sel {
		ids[i] = a.ID()
	}
	sort.Strings(ids)
	return ids
}

// SetSelectedAnnotationIDs selects the annotations with the given ids and
// returns the ids that are not in the table.
func (d *AnnotationDisplay) SetSelectedAnnotationIDs(ids []string) (unknown []string) {
	var as []annotation.Annotation
	for _, id := range ids {
		row, ok := d.tbl.IndexOfUUID(annotation.UUIDForID(id))
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		a, err := d.tbl.Row(row)
		if err != nil {
			unknown = append(unknown, id)
			continue
		}
		as = append(as, a)
	}
	if len(as) > 0 {
		d.Selection.SetSelected(as, true)
	}
	if len(unknown) > 0 {
		log.Printf("[Display] %s: %d selected ids are not in table %s", d.name, len(unknown), d.tbl.Name())
	}
	return unknown
}

// selectWhere selects the rows matching pred and deselects the others. No
// row is touched when nothing matches.
func (d *AnnotationDisplay) selectWhere(pred func(annotation.Annotation) bool) int {
	var in []annotation.Annotation
	for _, a := range d.tbl.Rows() {
		if pred(a) {
			in = append(in, a)
		}
	}
	if len(in) == 0 {
		return 0
	}
	d.Selection.Replace(in)
	return len(in)
}

// SelectEqualTo selects the rows whose column equals value. Numeric columns
// compare parsed numbers, so "9" matches 9.0.
func (d *AnnotationDisplay) SelectEqualTo(column, value string) (int, error) {
	class, err := d.tbl.ColumnClass(column)
	if err != nil {
		return 0, err
	}
	var pred func(annotation.Annotation) bool
	if class == table.Numeric {
		want, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q in numeric column %q", ErrNoMatch, value, column)
		}
		pred = func(a annotation.Annotation) bool {
			v, ok := a.Float(column)
			return ok && v == want
		}
	} else {
		pred = func(a annotation.Annotation) bool {
			v, ok := a.Text(column)
			return ok && v == value
		}
	}
	n := d.selectWhere(pred)
	if n == 0 {
		return 0, fmt.Errorf("%w: %q in column %q", ErrNoMatch, value, column)
	}
	return n, nil
}

// SelectGreaterThan selects the rows whose numeric column exceeds value.
func (d *AnnotationDisplay) SelectGreaterThan(column string, value float64) (int, error) {
	return d.selectCompare(column, value, func(v float64) bool { return v > value }, "greater than")
}

// SelectLessThan selects the rows whose numeric column is below value.
func (d *AnnotationDisplay) SelectLessThan(column string, value float64) (int, error) {
	return d.selectCompare(column, value, func(v float64) bool { return v < value }, "less than")
}

func (d *AnnotationDisplay) selectCompare(column string, value float64, cmp func(float64) bool, what string) (int, error) {
	class, err := d.tbl.ColumnClass(column)
	if err != nil {
		return 0, err
	}
	if class != table.Numeric {
		return 0, fmt.Errorf("select %s in %q: %w", what, column, table.ErrNotNumeric)
	}
	n := d.selectWhere(func(a annotation.Annotation) bool {
		v, ok := a.Float(column)
		return ok && cmp(v)
	})
	if n == 0 {
		return 0, fmt.Errorf("%w: no values %s %g in column %q", ErrNoMatch, what, value, column)
	}
	return n, nil
}

// SelectAll selects every row.
func (d *AnnotationDisplay) SelectAll() int {
	rows := d.tbl.Rows()
	d.Selection.SetSelected(rows, true)
	return len(rows)
}

// AddAnnotationColumn adds an empty string column for manual annotation
// and colors the display by it.
func (d *AnnotationDisplay) AddAnnotationColumn(column string) error {
	if err := d.tbl.Base().AddStringColumn(column); err != nil {
		return err
	}
	return d.ColorBy(column, DefaultLUT, nil)
}

// Annotate writes value into column for every selected annotation and
// returns the number of rows written.
func (d *AnnotationDisplay) Annotate(column, value string) (int, error) {
	sel := d.Selection.Selected()
	rows := make([]int, len(sel))
	for i, a := range sel {
		rows[i] = a.Row()
	}
	if err := d.tbl.Base().SetValues(rows, column, value); err != nil {
		return 0, err
	}
	if len(sel) > 0 {
		// repaint with the new categories
		if err := d.Coloring.SetStrategy(d.Coloring.Strategy()); err != nil {
			return len(sel), err
		}
	}
	return len(sel), nil
}
