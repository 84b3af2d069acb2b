// Package render draws scatter plots of annotation tables using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/plot"
)

// Config contains renderer configuration.
type Config struct {
	Size        int
	PointRadius float64
	// Margin is the blank border in pixels around the plot area.
	Margin float64
}

// Colorer gives the display color of an annotation.
// *coloring.Model[annotation.Annotation] implements it.
type Colorer interface {
	Convert(a annotation.Annotation, out *color.NRGBA)
}

// Selector reports selection state.
// *selection.Model[annotation.Annotation] implements it.
type Selector interface {
	IsSelected(a annotation.Annotation) bool
	IsFocused(a annotation.Annotation) bool
}

var (
	background   = color.White
	outlineColor = color.NRGBA{R: 20, G: 20, B: 20, A: 255}
	focusColor   = color.NRGBA{R: 255, G: 0, B: 255, A: 255}
)

// ScatterRenderer renders scatter plots to PNG.
type ScatterRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewScatterRenderer creates a new scatter renderer.
func NewScatterRenderer(cfg Config) *ScatterRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 2
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 4 * cfg.PointRadius
	}
	return &ScatterRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Viewport maps plot coordinates to pixels. The y axis points up.
type Viewport struct {
	min, max [2]float64
	size     float64
	margin   float64
}

// ViewportFor returns the viewport fitting every point of idx.
func (r *ScatterRenderer) ViewportFor(idx *plot.Index) Viewport {
	vp := Viewport{size: float64(r.config.Size), margin: r.config.Margin}
	min, max := idx.Min(), idx.Max()
	for d := 0; d < 2; d++ {
		vp.min[d], vp.max[d] = min[d], max[d]
		if vp.max[d] <= vp.min[d] {
			// single value; center it
			vp.min[d] -= 0.5
			vp.max[d] += 0.5
		}
	}
	return vp
}

// ToPixel returns the pixel position of a plot coordinate.
func (vp Viewport) ToPixel(x, y float64) (float64, float64) {
	span := vp.size - 2*vp.margin
	px := vp.margin + (x-vp.min[0])/(vp.max[0]-vp.min[0])*span
	py := vp.margin + (vp.max[1]-y)/(vp.max[1]-vp.min[1])*span
	return px, py
}

// FromPixel is the inverse of ToPixel.
func (vp Viewport) FromPixel(px, py float64) (float64, float64) {
	span := vp.size - 2*vp.margin
	x := vp.min[0] + (px-vp.margin)/span*(vp.max[0]-vp.min[0])
	y := vp.max[1] - (py-vp.margin)/span*(vp.max[1]-vp.min[1])
	return x, y
}

// RenderScatter draws every point of idx colored by colors. A nil idx gives
// a blank plot. Selected points
// are outlined and the focused point is ringed. sel may be nil.
func (r *ScatterRenderer) RenderScatter(idx *plot.Index, colors Colorer, sel Selector) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(background)
	dc.Clear()

	if idx == nil || idx.Len() == 0 {
		return r.encodeContext(dc)
	}

	vp := r.ViewportFor(idx)
	radius := r.config.PointRadius
	var c color.NRGBA
	var focused = -1

	// unselected first so selected points stay on top
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < idx.Len(); i++ {
			a := idx.Annotation(i)
			selected := sel != nil && sel.IsSelected(a)
			if (pass == 0) == selected {
				continue
			}
			if sel != nil && sel.IsFocused(a) {
				focused = i
			}
			p := idx.Point(i)
			px, py := vp.ToPixel(p[0], p[1])

			colors.Convert(a, &c)
			if c.A == 0 {
				continue
			}
			dc.SetColor(c)
			dc.DrawCircle(px, py, radius)
			dc.Fill()
			if selected {
				dc.SetColor(outlineColor)
				dc.SetLineWidth(1)
				dc.DrawCircle(px, py, radius+0.5)
				dc.Stroke()
			}
		}
	}

	if focused >= 0 {
		p := idx.Point(focused)
		px, py := vp.ToPixel(p[0], p[1])
		dc.SetColor(focusColor)
		dc.SetLineWidth(2)
		dc.DrawCircle(px, py, radius*3)
		dc.Stroke()
	}

	return r.encodeContext(dc)
}

func (r *ScatterRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyPlot creates a transparent plot image.
func (r *ScatterRenderer) CreateEmptyPlot() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.Size, r.config.Size))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
