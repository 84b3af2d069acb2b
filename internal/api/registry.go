package api

import (
	"context"

	"github.com/mobie-tiles/server/internal/jobs"
	"github.com/mobie-tiles/server/internal/modelthread"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/service"
	"github.com/mobie-tiles/server/internal/table"
)

// LabelSource reads label ids from label mask images; *zarr.Reader
// implements it.
type LabelSource interface {
	LabelAt(ctx context.Context, name string, level int, pos []float64) (uint64, error)
}

// DisplayInfo describes a display for the API response.
type DisplayInfo struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Sources []string `json:"sources,omitempty"`
	Rows    int      `json:"rows"`
	Columns int      `json:"columns"`
	Tables  []string `json:"tables,omitempty"`
}

// Registry holds the services the handlers work on.
type Registry struct {
	project *project.Project
	loop    *modelthread.Loop
	jobs    *jobs.Manager
	plots   *service.PlotService
	labels  LabelSource
	title   string
}

// RegistryConfig wires a registry.
type RegistryConfig struct {
	Project *project.Project
	Loop    *modelthread.Loop
	Jobs    *jobs.Manager
	Plots   *service.PlotService
	// Labels may be nil when no label images are configured.
	Labels LabelSource
	Title  string
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		project: cfg.Project,
		loop:    cfg.Loop,
		jobs:    cfg.Jobs,
		plots:   cfg.Plots,
		labels:  cfg.Labels,
		title:   cfg.Title,
	}
}

// Project returns the served project.
func (r *Registry) Project() *project.Project { return r.project }

// Title returns the configured site title.
func (r *Registry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "MoBIE-Tiles"
}

// Displays returns info for all open displays in opening order.
func (r *Registry) Displays() []DisplayInfo {
	ds := r.project.AnnotationDisplays()
	infos := make([]DisplayInfo, 0, len(ds))
	for _, d := range ds {
		tbl := d.Table()
		kind := "segments"
		if tbl.Base().Kind() == table.Spots {
			kind = "spots"
		}
		infos = append(infos, DisplayInfo{
			Name:    d.Name(),
			Kind:    kind,
			Sources: d.Sources(),
			Rows:    tbl.NumRows(),
			Columns: len(tbl.ColumnNames()),
			Tables:  d.Tables(),
		})
	}
	return infos
}
