// Package project holds the live state of one dataset: its annotation
// displays, their images, the viewer transform and the view documents.
package project

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mobie-tiles/server/internal/config"
	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/image"
	"github.com/mobie-tiles/server/internal/table"
	"github.com/mobie-tiles/server/internal/view"
	"github.com/mobie-tiles/server/pkg/affine"
)

// ErrUnknownDisplay is returned for display names that are neither open
// nor configured.
var ErrUnknownDisplay = errors.New("unknown display")

// ErrDisplayOpen is returned when a new display would take the name of an
// open one.
var ErrDisplayOpen = errors.New("display already open")

// Fetcher reads and writes locators; *storage.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
	Write(ctx context.Context, locator string, data []byte) error
}

// Options wires a project to its data.
type Options struct {
	Fetcher Fetcher
	// Ranges caches column ranges across tables; nil keeps them per table.
	Ranges table.RangeCache
	// Images resolves image source bounds.
	Images image.SourceProvider
}

type entry struct {
	display *display.AnnotationDisplay
	image   image.Image
}

// Project is the workspace views are taken from and applied to. Its
// methods are safe for concurrent use; callers that mutate displays should
// do so on the model loop.
type Project struct {
	cfg     config.ProjectConfig
	fetcher Fetcher
	ranges  table.RangeCache
	images  image.SourceProvider
	views   *view.Store
	arena   *table.Arena

	mu       sync.RWMutex
	catalog  map[string]config.DisplayConfig
	order    []string
	open     map[string]*entry
	camera   *view.ViewerTransform
	transfer *image.Transformer
}

// New creates a project. Displays listed in cfg can be opened by name.
func New(cfg config.ProjectConfig, opts Options) (*Project, error) {
	store, err := view.NewStore(opts.Fetcher)
	if err != nil {
		return nil, err
	}
	p := &Project{
		cfg:      cfg,
		fetcher:  opts.Fetcher,
		ranges:   opts.Ranges,
		images:   opts.Images,
		views:    store,
		arena:    table.NewArena(),
		catalog:  make(map[string]config.DisplayConfig),
		open:     make(map[string]*entry),
		transfer: &image.Transformer{Sources: opts.Images},
	}
	for _, d := range cfg.Displays {
		p.catalog[d.Name] = d
	}
	return p, nil
}

// Dataset returns the dataset name.
func (p *Project) Dataset() string { return p.cfg.Dataset }

// Views returns the view document store.
func (p *Project) Views() *view.Store { return p.views }

// Catalog returns the configured display names, sorted.
func (p *Project) Catalog() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.catalog))
	for n := range p.catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenConfigured opens every configured display.
func (p *Project) OpenConfigured(ctx context.Context) error {
	for _, d := range p.cfg.Displays {
		kind := table.Segments
		if d.Kind == "spots" {
			kind = table.Spots
		}
		if _, err := p.OpenDisplay(ctx, view.AnnotationDisplay{Name: d.Name, Sources: d.Sources}, kind); err != nil {
			return err
		}
	}
	return nil
}

// AnnotationDisplays returns the open displays in opening order.
func (p *Project) AnnotationDisplays() []*display.AnnotationDisplay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*display.AnnotationDisplay, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.open[name].display)
	}
	return out
}

// Display returns an open display.
func (p *Project) Display(name string) (*display.AnnotationDisplay, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.open[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisplay, name)
	}
	return e.display, nil
}

func (p *Project) lookup(name string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.open[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisplay, name)
	}
	return e, nil
}

// Image returns the image of an open display.
func (p *Project) Image(name string) (image.Image, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.open[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisplay, name)
	}
	return e.image, nil
}

// OpenDisplay returns the display named d.Name, opening its base table
// first when it is not open. The table locator comes from the
// configuration; the sources of d override the configured ones.
func (p *Project) OpenDisplay(ctx context.Context, d view.AnnotationDisplay, kind table.Kind) (*display.AnnotationDisplay, error) {
	p.mu.RLock()
	e, ok := p.open[d.Name]
	dc, known := p.catalog[d.Name]
	p.mu.RUnlock()
	if ok {
		return e.display, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisplay, d.Name)
	}

	m, err := table.Open(ctx, d.Name, kind, dc.Table, table.Options{
		Fetcher:   p.fetcher,
		Ranges:    p.ranges,
		Available: dc.Extra,
	})
	if err != nil {
		return nil, err
	}
	sources := d.Sources
	if len(sources) == 0 {
		sources = dc.Sources
	}
	opened, err := p.add(d.Name, m, kind, sources)
	if errors.Is(err, ErrDisplayOpen) {
		// opened concurrently; keep the first
		return p.Display(d.Name)
	}
	return opened, err
}

func (p *Project) add(name string, m *table.Model, kind table.Kind, sources []string) (*display.AnnotationDisplay, error) {
	node := p.arena.AddBase(m)
	var img image.Image
	switch {
	case kind == table.Spots:
		img = image.NewSpotImage(name, p.arena, node)
	case len(sources) > 0:
		img = image.NewAnnotatedLabelImage(name, sources[0], p.arena, node)
	default:
		img = image.NewAnnotationImage(name, p.arena, node)
	}
	return p.register(name, img, sources)
}

func (p *Project) register(name string, img image.Image, sources []string) (*display.AnnotationDisplay, error) {
	tbl, ok := image.TableOf(img)
	if !ok {
		return nil, fmt.Errorf("image %s has no annotation table", name)
	}
	d := display.New(name, tbl, sources)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDisplayOpen, name)
	}
	p.open[name] = &entry{display: d, image: img}
	p.order = append(p.order, name)
	log.Printf("[Project] opened display %s (%d rows)", name, tbl.NumRows())
	return d, nil
}

// checkFree fails when any of names is already open.
func (p *Project) checkFree(names ...[]string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, group := range names {
		for _, name := range group {
			if _, ok := p.open[name]; ok {
				return fmt.Errorf("%w: %s", ErrDisplayOpen, name)
			}
		}
	}
	return nil
}

// CloseAll closes every display.
func (p *Project) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = make(map[string]*entry)
	p.order = nil
}

// Close closes one display.
func (p *Project) Close(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[name]; !ok {
		return false
	}
	delete(p.open, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// ViewerTransform returns the current camera, if one was set.
func (p *Project) ViewerTransform() (view.ViewerTransform, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.camera == nil {
		return view.ViewerTransform{}, false
	}
	return *p.camera, true
}

// SetViewerTransform validates and stores the camera.
func (p *Project) SetViewerTransform(t view.ViewerTransform) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Parameters = append([]float64(nil), t.Parameters...)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.camera = &t
	return nil
}

// Bounds returns the world bounds of the image of a display.
func (p *Project) Bounds(ctx context.Context, name string) ([]float64, []float64, error) {
	img, err := p.Image(name)
	if err != nil {
		return nil, nil, err
	}
	return image.Bounds(ctx, p.images, img)
}

// Transform applies t to the image of a display. With an empty newName the
// display is transformed in place; otherwise a new display named newName
// is opened on the transformed copy.
func (p *Project) Transform(name string, t affine.Transform, newName string) (*display.AnnotationDisplay, error) {
	p.mu.RLock()
	e, ok := p.open[name]
	_, taken := p.open[newName]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisplay, name)
	}
	if newName != "" && taken {
		return nil, fmt.Errorf("%w: %s", ErrDisplayOpen, newName)
	}

	img, err := image.ApplyAffineTransform(e.image, t, newName)
	if err != nil {
		return nil, err
	}
	if newName == "" {
		return e.display, nil
	}
	return p.register(newName, img, e.display.Sources())
}

// Grid lays out displays on a grid. Every cell in names lists the displays
// of that cell; positions gives their grid coordinates. The translated
// copies are opened as new displays named by suffixing "_grid".
func (p *Project) Grid(ctx context.Context, cells [][]string, positions [][2]int, tileSize, offset [2]float64, centerAtOrigin bool) ([]*display.AnnotationDisplay, error) {
	nested := make([][]image.Image, len(cells))
	newNames := make([][]string, len(cells))
	for i, cell := range cells {
		for _, name := range cell {
			img, err := p.Image(name)
			if err != nil {
				return nil, err
			}
			nested[i] = append(nested[i], img)
			newNames[i] = append(newNames[i], name+"_grid")
		}
	}
	if err := p.checkFree(newNames...); err != nil {
		return nil, err
	}

	imgs, err := p.transfer.GridTransform(ctx, nested, newNames, positions, tileSize, offset, centerAtOrigin)
	if err != nil {
		return nil, err
	}
	var out []*display.AnnotationDisplay
	k := 0
	for i := range cells {
		for j := range cells[i] {
			src, _ := p.Display(cells[i][j])
			d, err := p.register(newNames[i][j], imgs[k], src.Sources())
			if err != nil {
				return nil, err
			}
			out = append(out, d)
			k++
		}
	}
	return out, nil
}

// TimepointsTransform remaps the timepoints of a display. mapping maps old
// to new timepoints; with keepUnmapped, rows of unmapped timepoints are
// kept as they are, otherwise they are dropped. With an empty newName the
// display is replaced by one on the remapped table and its selection is
// reset.
func (p *Project) TimepointsTransform(name string, mapping map[int]int, keepUnmapped bool, newName string) (*display.AnnotationDisplay, error) {
	e, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	if newName != "" {
		if err := p.checkFree([]string{newName}); err != nil {
			return nil, err
		}
	}

	img, err := image.ApplyTimepointsTransform(e.image, mapping, keepUnmapped, newName)
	if err != nil {
		return nil, err
	}
	if newName != "" {
		return p.register(newName, img, e.display.Sources())
	}

	tbl, ok := image.TableOf(img)
	if !ok {
		return nil, fmt.Errorf("image %s has no annotation table", name)
	}
	d := display.New(name, tbl, e.display.Sources())
	p.mu.Lock()
	p.open[name] = &entry{display: d, image: img}
	p.mu.Unlock()
	log.Printf("[Project] remapped timepoints of %s (%d rows)", name, tbl.NumRows())
	return d, nil
}

// Translate moves the images of names by (tx, ty), first centering each at
// the origin when centerAtOrigin is set. newNames is nil or holds one name
// per display; an empty name translates that display in place, any other
// opens a translated copy under that name.
func (p *Project) Translate(ctx context.Context, names, newNames []string, centerAtOrigin bool, tx, ty float64) ([]*display.AnnotationDisplay, error) {
	if newNames != nil && len(newNames) != len(names) {
		return nil, fmt.Errorf("%d new names for %d displays", len(newNames), len(names))
	}
	entries := make([]*entry, len(names))
	imgs := make([]image.Image, len(names))
	for i, name := range names {
		e, err := p.lookup(name)
		if err != nil {
			return nil, err
		}
		entries[i], imgs[i] = e, e.image
	}
	if err := p.checkFree(newNames); err != nil {
		return nil, err
	}

	moved, err := p.transfer.Translate(ctx, imgs, newNames, centerAtOrigin, tx, ty)
	if err != nil {
		return nil, err
	}
	out := make([]*display.AnnotationDisplay, len(names))
	for i, e := range entries {
		if newNames == nil || newNames[i] == "" {
			out[i] = e.display
			continue
		}
		d, err := p.register(newNames[i], moved[i], e.display.Sources())
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// ViewsLocator returns the document a view of kind is stored in.
func (p *Project) ViewsLocator(kind view.DocumentKind) string {
	if kind == view.DatasetJSON {
		return p.cfg.DatasetJSON
	}
	return p.cfg.ViewsJSON
}

// SaveView snapshots the current state and saves it under name.
func (p *Project) SaveView(ctx context.Context, kind view.DocumentKind, name, group string, exclusive, includeCamera, overwrite bool) (view.View, error) {
	v := view.CreateViewFromCurrentState(p, group, exclusive, includeCamera)
	return v, p.views.Save(ctx, kind, p.ViewsLocator(kind), name, v, overwrite)
}

// LoadView reads a named view.
func (p *Project) LoadView(ctx context.Context, kind view.DocumentKind, name string) (view.View, error) {
	doc, err := p.views.Load(ctx, kind, p.ViewsLocator(kind))
	if err != nil {
		return view.View{}, err
	}
	v, ok := doc.Views()[name]
	if !ok {
		return view.View{}, fmt.Errorf("view %q not found in %s", name, kind)
	}
	return v, nil
}

// ListViews returns the view names of a document.
func (p *Project) ListViews(ctx context.Context, kind view.DocumentKind) ([]string, error) {
	doc, err := p.views.Load(ctx, kind, p.ViewsLocator(kind))
	if err != nil {
		return nil, err
	}
	return view.Names(doc), nil
}

// ApplyView restores v.
func (p *Project) ApplyView(ctx context.Context, v view.View) (*view.ApplyReport, error) {
	return view.Apply(ctx, p, v)
}
