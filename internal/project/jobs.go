package project

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mobie-tiles/server/internal/jobs"
	"github.com/mobie-tiles/server/internal/jobstore"
	"github.com/mobie-tiles/server/internal/modelthread"
	"github.com/mobie-tiles/server/internal/view"
)

// Job kinds run by the job manager.
const (
	JobLoadTables = "load_tables"
	JobSaveView   = "save_view"
	JobApplyView  = "apply_view"
	JobSelect     = "select"
)

// LoadTablesParams merges column chunks into a display.
type LoadTablesParams struct {
	Display string   `json:"display"`
	Tables  []string `json:"tables"`
}

// SaveViewParams saves the current state as a view.
type SaveViewParams struct {
	Document      string `json:"document"`
	Name          string `json:"name"`
	Group         string `json:"group"`
	Exclusive     bool   `json:"exclusive"`
	IncludeCamera bool   `json:"include_camera"`
	Overwrite     bool   `json:"overwrite"`
}

// ApplyViewParams restores a saved view.
type ApplyViewParams struct {
	Document string `json:"document"`
	Name     string `json:"name"`
}

// SelectParams is a bulk selection on one column. Op is one of "eq", "gt",
// "lt" or "all".
type SelectParams struct {
	Display string `json:"display"`
	Op      string `json:"op"`
	Column  string `json:"column,omitempty"`
	Value   string `json:"value,omitempty"`
}

// ParseDocumentKind maps "dataset" and "views" (the default) to a kind.
func ParseDocumentKind(s string) (view.DocumentKind, error) {
	switch s {
	case "dataset", "dataset.json":
		return view.DatasetJSON, nil
	case "", "views", "views.json":
		return view.ViewsJSON, nil
	}
	return 0, fmt.Errorf("unknown view document %q", s)
}

// RegisterJobs installs the executors of the project job kinds. I/O runs
// on the job workers; model mutations are handed to loop.
func (p *Project) RegisterJobs(m *jobs.Manager, loop *modelthread.Loop) {
	m.Register(JobLoadTables, func(ctx context.Context, job *jobstore.Job, report func(jobstore.Progress)) (any, error) {
		var params LoadTablesParams
		if err := decodeParams(job, &params); err != nil {
			return nil, err
		}
		return p.loadTables(ctx, loop, params, report)
	})
	m.Register(JobSaveView, func(ctx context.Context, job *jobstore.Job, _ func(jobstore.Progress)) (any, error) {
		var params SaveViewParams
		if err := decodeParams(job, &params); err != nil {
			return nil, err
		}
		return p.saveView(ctx, loop, params)
	})
	m.Register(JobApplyView, func(ctx context.Context, job *jobstore.Job, report func(jobstore.Progress)) (any, error) {
		var params ApplyViewParams
		if err := decodeParams(job, &params); err != nil {
			return nil, err
		}
		return p.applyView(ctx, loop, params, report)
	})
	m.Register(JobSelect, func(ctx context.Context, job *jobstore.Job, _ func(jobstore.Progress)) (any, error) {
		var params SelectParams
		if err := decodeParams(job, &params); err != nil {
			return nil, err
		}
		var n int
		err := loop.Do(ctx, func() error {
			var err error
			n, err = p.Select(params)
			return err
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"selected": n}, nil
	})
}

func (p *Project) loadTables(ctx context.Context, loop *modelthread.Loop, params LoadTablesParams, report func(jobstore.Progress)) (any, error) {
	d, err := p.Display(params.Display)
	if err != nil {
		return nil, err
	}
	for i, loc := range params.Tables {
		report(jobstore.Progress{Phase: "fetch", Done: i, Total: len(params.Tables)})
		// warms the chunk cache so the merge on the loop does no remote I/O
		if _, err := p.fetcher.Fetch(ctx, loc); err != nil {
			return nil, fmt.Errorf("table %s: %w", loc, err)
		}
		if err := loop.Do(ctx, func() error { return d.LoadTable(ctx, loc) }); err != nil {
			return nil, err
		}
	}
	report(jobstore.Progress{Phase: "done", Done: len(params.Tables), Total: len(params.Tables)})
	return map[string]any{"display": d.Name(), "columns": len(d.Table().ColumnNames())}, nil
}

func (p *Project) saveView(ctx context.Context, loop *modelthread.Loop, params SaveViewParams) (any, error) {
	kind, err := ParseDocumentKind(params.Document)
	if err != nil {
		return nil, err
	}
	name, err := view.TidyName(params.Name)
	if err != nil {
		return nil, err
	}
	var v view.View
	if err := loop.Do(ctx, func() error {
		v = view.CreateViewFromCurrentState(p, params.Group, params.Exclusive, params.IncludeCamera)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := p.views.Save(ctx, kind, p.ViewsLocator(kind), name, v, params.Overwrite); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "document": kind.String(), "displays": len(v.SourceDisplays)}, nil
}

func (p *Project) applyView(ctx context.Context, loop *modelthread.Loop, params ApplyViewParams, report func(jobstore.Progress)) (any, error) {
	kind, err := ParseDocumentKind(params.Document)
	if err != nil {
		return nil, err
	}
	v, err := p.LoadView(ctx, kind, params.Name)
	if err != nil {
		return nil, err
	}

	var locators []string
	for _, sd := range v.SourceDisplays {
		e := sd.SegmentationDisplay
		if e == nil {
			e = sd.SpotDisplay
		}
		if e == nil {
			continue
		}
		p.mu.RLock()
		dc, ok := p.catalog[e.Name]
		p.mu.RUnlock()
		if ok {
			locators = append(locators, dc.Table)
		}
		locators = append(locators, e.Tables...)
	}
	for i, loc := range locators {
		report(jobstore.Progress{Phase: "fetch", Done: i, Total: len(locators)})
		if _, err := p.fetcher.Fetch(ctx, loc); err != nil {
			return nil, fmt.Errorf("table %s: %w", loc, err)
		}
	}

	var rep *view.ApplyReport
	if err := loop.Do(ctx, func() error {
		var err error
		rep, err = p.ApplyView(ctx, v)
		return err
	}); err != nil {
		return nil, err
	}
	return map[string]any{"name": params.Name, "unknown_annotations": rep.UnknownAnnotations}, nil
}

// Select runs a bulk selection. Call it on the model loop.
func (p *Project) Select(params SelectParams) (int, error) {
	d, err := p.Display(params.Display)
	if err != nil {
		return 0, err
	}
	switch params.Op {
	case "eq":
		return d.SelectEqualTo(params.Column, params.Value)
	case "gt", "lt":
		v, err := strconv.ParseFloat(params.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("select %s: %q is not a number", params.Op, params.Value)
		}
		if params.Op == "gt" {
			return d.SelectGreaterThan(params.Column, v)
		}
		return d.SelectLessThan(params.Column, v)
	case "all":
		return d.SelectAll(), nil
	case "none":
		d.Selection.ClearSelection()
		return 0, nil
	}
	return 0, fmt.Errorf("unknown selection op %q", params.Op)
}

func decodeParams(job *jobstore.Job, v any) error {
	if err := json.Unmarshal(job.Params, v); err != nil {
		return fmt.Errorf("job %s params: %w", job.ID, err)
	}
	return nil
}

var _ view.Workspace = (*Project)(nil)
