package view

import (
	"context"
	"fmt"
	"log"

	"github.com/mobie-tiles/server/internal/coloring"
	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/table"
)

// Workspace is the live state views are taken from and applied to.
type Workspace interface {
	// AnnotationDisplays returns the open displays in opening order.
	AnnotationDisplays() []*display.AnnotationDisplay
	// OpenDisplay returns the display described by d, opening its sources
	// and base table when it is not open yet.
	OpenDisplay(ctx context.Context, d AnnotationDisplay, kind table.Kind) (*display.AnnotationDisplay, error)
	// Close closes the display called name.
	Close(name string) bool

	ViewerTransform() (ViewerTransform, bool)
	SetViewerTransform(t ViewerTransform) error
}

// CreateViewFromCurrentState snapshots every open annotation display and,
// when includeCamera is set, the viewer transform.
func CreateViewFromCurrentState(ws Workspace, group string, exclusive, includeCamera bool) View {
	v := View{UISelectionGroup: group, IsExclusive: exclusive}
	for _, d := range ws.AnnotationDisplays() {
		entry := Snapshot(d)
		if d.Table().Base().Kind() == table.Spots {
			v.SourceDisplays = append(v.SourceDisplays, SourceDisplay{SpotDisplay: &entry})
		} else {
			v.SourceDisplays = append(v.SourceDisplays, SourceDisplay{SegmentationDisplay: &entry})
		}
	}
	if includeCamera {
		if t, ok := ws.ViewerTransform(); ok {
			v.ViewerTransform = &t
		}
	}
	return v
}

// Snapshot captures the persisted state of one display.
func Snapshot(d *display.AnnotationDisplay) AnnotationDisplay {
	s := d.Settings()
	out := AnnotationDisplay{
		Name:                  d.Name(),
		Sources:               d.Sources(),
		Lut:                   d.Coloring.LUTName(),
		ColorByColumn:         d.Coloring.Strategy().ColumnName(),
		ShowScatterPlot:       s.ShowScatterPlot,
		ScatterPlotAxes:       []string{s.ScatterPlotAxes[0], s.ScatterPlotAxes[1]},
		Tables:                d.Tables(),
		ShowTable:             s.ShowTable,
		ShowAsBoundaries:      s.ShowAsBoundaries,
		BoundaryThickness:     s.BoundaryThickness,
		RandomColorSeed:       d.RandomColorSeed(),
		Opacity:               d.Coloring.Opacity(),
		Visible:               s.Visible,
		SelectedAnnotationIDs: d.SelectedAnnotationIDs(),
	}
	if lo, hi, ok := d.Coloring.Limits(); ok {
		out.ValueLimits = &[2]float64{lo, hi}
	}
	if _, ok := d.Coloring.Strategy().(coloring.Constant); ok {
		out.Lut = ""
	}
	if len(out.SelectedAnnotationIDs) == 0 {
		out.SelectedAnnotationIDs = nil
	}
	return out
}

// ApplyReport lists what could not be restored.
type ApplyReport struct {
	// UnknownAnnotations maps display names to selected ids missing from
	// their tables.
	UnknownAnnotations map[string][]string
}

// planned is a display resolved for a view entry.
type planned struct {
	display *display.AnnotationDisplay
	entry   AnnotationDisplay
	// opened is set when the display was opened for this view.
	opened bool
}

// Apply restores v. It either applies the whole view or leaves the
// workspace as it was. Every display is resolved and its tables loaded
// first, and its coloring is checked; only then are settings, coloring and
// selections applied. Displays missing from an exclusive view are closed
// last, followed by the camera. Loaded table columns are kept on failure.
func Apply(ctx context.Context, ws Workspace, v View) (*ApplyReport, error) {
	if v.ViewerTransform != nil {
		if err := v.ViewerTransform.Validate(); err != nil {
			return nil, err
		}
	}

	open := map[string]bool{}
	for _, d := range ws.AnnotationDisplays() {
		open[d.Name()] = true
	}

	var plan []planned
	rollback := func() {
		for _, p := range plan {
			if p.opened {
				ws.Close(p.display.Name())
			}
		}
	}

	for _, sd := range v.SourceDisplays {
		entry, kind := sd.SegmentationDisplay, table.Segments
		if entry == nil {
			entry, kind = sd.SpotDisplay, table.Spots
		}
		if entry == nil {
			// image displays carry no annotation state
			continue
		}
		d, err := ws.OpenDisplay(ctx, *entry, kind)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("open display %q: %w", entry.Name, err)
		}
		plan = append(plan, planned{display: d, entry: *entry, opened: !open[d.Name()]})
		if err := prepareDisplay(ctx, d, *entry); err != nil {
			rollback()
			return nil, fmt.Errorf("display %q: %w", entry.Name, err)
		}
	}

	type savedState struct {
		entry    AnnotationDisplay
		strategy coloring.Strategy
	}
	saved := make([]savedState, len(plan))
	for i, p := range plan {
		saved[i] = savedState{entry: Snapshot(p.display), strategy: p.display.Coloring.Strategy()}
	}
	restore := func(upTo int) {
		for i := 0; i <= upTo && i < len(plan); i++ {
			if plan[i].opened {
				continue
			}
			d := plan[i].display
			if _, err := applyDisplay(d, saved[i].entry); err != nil {
				log.Printf("[Views] restoring display %s: %v", d.Name(), err)
			}
			if err := d.Coloring.SetStrategy(saved[i].strategy); err != nil {
				log.Printf("[Views] restoring coloring of %s: %v", d.Name(), err)
			}
		}
		rollback()
	}

	report := &ApplyReport{UnknownAnnotations: map[string][]string{}}
	for i, p := range plan {
		unknown, err := applyDisplay(p.display, p.entry)
		if err != nil {
			restore(i)
			return nil, fmt.Errorf("display %q: %w", p.entry.Name, err)
		}
		if len(unknown) > 0 {
			report.UnknownAnnotations[p.entry.Name] = unknown
		}
	}

	if v.ViewerTransform != nil {
		if err := ws.SetViewerTransform(*v.ViewerTransform); err != nil {
			restore(len(plan) - 1)
			return nil, fmt.Errorf("viewer transform: %w", err)
		}
	}

	if v.IsExclusive {
		keep := map[string]bool{}
		for _, p := range plan {
			keep[p.display.Name()] = true
		}
		for name := range open {
			if !keep[name] {
				ws.Close(name)
			}
		}
	}
	return report, nil
}

// prepareDisplay loads the tables of e into d and checks that its coloring
// can be applied. It does not change what d shows.
func prepareDisplay(ctx context.Context, d *display.AnnotationDisplay, e AnnotationDisplay) error {
	for _, t := range e.Tables {
		if err := d.LoadTable(ctx, t); err != nil {
			return err
		}
	}
	if e.Lut != "" || e.ColorByColumn != "" {
		if err := d.CheckColorBy(e.ColorByColumn, e.Lut, e.ValueLimits); err != nil {
			return err
		}
	}
	return nil
}

func applyDisplay(d *display.AnnotationDisplay, e AnnotationDisplay) ([]string, error) {
	d.UpdateSettings(func(s *display.Settings) {
		s.ShowScatterPlot = e.ShowScatterPlot
		if len(e.ScatterPlotAxes) == 2 {
			s.ScatterPlotAxes = [2]string{e.ScatterPlotAxes[0], e.ScatterPlotAxes[1]}
		}
		s.ShowTable = e.ShowTable
		s.ShowAsBoundaries = e.ShowAsBoundaries
		s.BoundaryThickness = e.BoundaryThickness
		s.Visible = e.Visible
	})

	if err := d.SetRandomColorSeed(e.RandomColorSeed); err != nil {
		return nil, err
	}
	if e.Lut != "" || e.ColorByColumn != "" {
		if err := d.ColorBy(e.ColorByColumn, e.Lut, e.ValueLimits); err != nil {
			return nil, err
		}
	}
	d.Coloring.SetOpacity(e.Opacity)

	d.Selection.ClearSelection()
	unknown := d.SetSelectedAnnotationIDs(e.SelectedAnnotationIDs)
	if len(unknown) > 0 {
		log.Printf("[Views] display %s: ignored %d unknown annotation ids", e.Name, len(unknown))
	}
	return unknown, nil
}
