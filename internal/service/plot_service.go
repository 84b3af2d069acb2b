// Package service provides business logic for the scatter plot server.
package service

import (
	"errors"
	"fmt"
	"image/color"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/mobie-tiles/server/internal/coloring"
	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/plot"
	"github.com/mobie-tiles/server/internal/pubsub"
	"github.com/mobie-tiles/server/internal/render"
)

// PlotServiceConfig contains plot service configuration.
type PlotServiceConfig struct {
	Renderer *render.ScatterRenderer
	// CacheSize bounds the number of rendered plots kept.
	CacheSize int
}

// PlotService renders scatter plots and keeps the last renderings of every
// display until its coloring or selection changes.
type PlotService struct {
	renderer *render.ScatterRenderer
	plots    *lru.Cache[string, rendered]

	mu      sync.Mutex
	tracked map[*display.AnnotationDisplay]*tracker

	hits   atomic.Uint64
	misses atomic.Uint64
}

type tracker struct {
	version atomic.Uint64
	token   pubsub.Token
}

// rendered keeps the index alive so its address is not reused while the
// entry exists.
type rendered struct {
	idx  *plot.Index
	data []byte
}

// NewPlotService creates a new plot service.
func NewPlotService(cfg PlotServiceConfig) (*PlotService, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	plots, err := lru.New[string, rendered](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create plot cache: %w", err)
	}
	return &PlotService{
		renderer: cfg.Renderer,
		plots:    plots,
		tracked:  make(map[*display.AnnotationDisplay]*tracker),
	}, nil
}

// track subscribes to the coloring of d on first use. Coloring events also
// fire on selection and focus changes.
func (s *PlotService) track(d *display.AnnotationDisplay) *tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracked[d]; ok {
		return t
	}
	t := &tracker{}
	t.token = d.Coloring.Subscribe(func(coloring.Event) {
		t.version.Add(1)
	})
	s.tracked[d] = t
	return t
}

// Forget drops the subscription of a closed display.
func (s *PlotService) Forget(d *display.AnnotationDisplay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracked[d]; ok {
		d.Coloring.Unsubscribe(t.token)
		delete(s.tracked, d)
	}
}

// Scatter returns the PNG scatter plot of d over its current axes. A
// display without plottable rows gives a blank plot.
func (s *PlotService) Scatter(d *display.AnnotationDisplay) ([]byte, error) {
	t := s.track(d)
	version := t.version.Load()

	idx, err := d.ScatterIndex()
	if err != nil && !errors.Is(err, plot.ErrEmptyIndex) {
		return nil, err
	}
	key := fmt.Sprintf("%s|%p|%d", d.Name(), idx, version)
	if r, ok := s.plots.Get(key); ok {
		s.hits.Add(1)
		return r.data, nil
	}
	s.misses.Add(1)

	data, err := s.renderer.RenderScatter(idx, d.Coloring, d.Selection)
	if err != nil {
		return nil, err
	}
	s.plots.Add(key, rendered{idx: idx, data: data})
	return data, nil
}

// GetEmptyPlot returns a transparent plot.
func (s *PlotService) GetEmptyPlot() ([]byte, error) {
	return s.renderer.CreateEmptyPlot()
}

// LegendItem is one category of a categorical coloring.
type LegendItem struct {
	Value string `json:"value"`
	Color string `json:"color"`
}

// Legend returns the colors of the text categories of d, sorted by value.
// Fully transparent categories are left out.
func (s *PlotService) Legend(d *display.AnnotationDisplay) []LegendItem {
	// converting every row assigns every category its color
	var c color.NRGBA
	for _, a := range d.Table().Rows() {
		d.Coloring.Convert(a, &c)
	}
	colors := d.Coloring.CategoryColors()
	items := make([]LegendItem, 0, len(colors))
	for value, cat := range colors {
		if hex, ok := hexColor(cat); ok {
			items = append(items, LegendItem{Value: value, Color: hex})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Value < items[j].Value })
	return items
}

func hexColor(c color.NRGBA) (string, bool) {
	cc, ok := colorful.MakeColor(c)
	if !ok {
		return "", false
	}
	return cc.Hex(), true
}

// Stats returns cache hit and miss counts.
func (s *PlotService) Stats() map[string]interface{} {
	return map[string]interface{}{
		"plot_cache_entries": s.plots.Len(),
		"plot_cache_hits":    s.hits.Load(),
		"plot_cache_misses":  s.misses.Load(),
	}
}
