package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/mobie-tiles/server/internal/coloring"
	"github.com/mobie-tiles/server/internal/display"
	"github.com/mobie-tiles/server/internal/table"
)

var red = color.NRGBA{R: 255, A: 255}

func testDisplay(t *testing.T) *display.AnnotationDisplay {
	t.Helper()
	m, err := table.FromRecords("cells", table.Segments,
		[]string{"label_id", "anchor_x", "anchor_y"},
		[][]string{
			{"1", "0", "0"},
			{"2", "1", "1"},
			{"3", "2", "2"},
		}, table.Options{})
	if err != nil {
		t.Fatalf("FromRecords: %v", err)
	}
	d := display.New("cells", m, nil)
	if err := d.Coloring.SetStrategy(coloring.Constant{Color: red}); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	return d
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func pixel(img image.Image, x, y float64) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(int(x), int(y))).(color.NRGBA)
}

func pointColor(img image.Image, vp Viewport, p [2]float64) color.NRGBA {
	x, y := vp.ToPixel(p[0], p[1])
	return pixel(img, x, y)
}

func TestViewport(t *testing.T) {
	d := testDisplay(t)
	idx, err := d.ScatterIndex()
	if err != nil {
		t.Fatalf("ScatterIndex: %v", err)
	}
	r := NewScatterRenderer(Config{Size: 64, PointRadius: 3})
	vp := r.ViewportFor(idx)

	px, py := vp.ToPixel(0, 0)
	if px != 12 || py != 52 {
		t.Fatalf("origin at (%v, %v)", px, py)
	}
	px, py = vp.ToPixel(2, 2)
	if px != 52 || py != 12 {
		t.Fatalf("max at (%v, %v)", px, py)
	}
	x, y := vp.FromPixel(32, 32)
	if x != 1 || y != 1 {
		t.Fatalf("center maps to (%v, %v)", x, y)
	}
}

func TestRenderScatter(t *testing.T) {
	d := testDisplay(t)
	idx, err := d.ScatterIndex()
	if err != nil {
		t.Fatalf("ScatterIndex: %v", err)
	}
	r := NewScatterRenderer(Config{Size: 64, PointRadius: 3})
	vp := r.ViewportFor(idx)

	data, err := r.RenderScatter(idx, d.Coloring, d.Selection)
	if err != nil {
		t.Fatalf("RenderScatter: %v", err)
	}
	img := decode(t, data)
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("size = %v", b)
	}
	for i := 0; i < idx.Len(); i++ {
		if got := pointColor(img, vp, idx.Point(i)); got != red {
			t.Errorf("point %d: color %+v", i, got)
		}
	}
	if got := pixel(img, 1, 1); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Errorf("background %+v", got)
	}

	t.Run("selection dims others", func(t *testing.T) {
		d.Selection.ClearSelection()
		d.Selection.Toggle(idx.Annotation(2))

		data, err := r.RenderScatter(idx, d.Coloring, d.Selection)
		if err != nil {
			t.Fatalf("RenderScatter: %v", err)
		}
		img := decode(t, data)
		if got := pointColor(img, vp, idx.Point(2)); got != red {
			t.Errorf("selected point: %+v", got)
		}
		if got := pointColor(img, vp, idx.Point(0)); got.G < 150 {
			t.Errorf("unselected point should be faded: %+v", got)
		}
	})
}

func TestEmptyPlots(t *testing.T) {
	r := NewScatterRenderer(Config{Size: 16})
	data, err := r.RenderScatter(nil, nil, nil)
	if err != nil {
		t.Fatalf("RenderScatter(nil): %v", err)
	}
	if got := pixel(decode(t, data), 8, 8); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("blank plot pixel %+v", got)
	}

	data, err = r.CreateEmptyPlot()
	if err != nil {
		t.Fatalf("CreateEmptyPlot: %v", err)
	}
	img := decode(t, data)
	if img.Bounds().Dx() != 16 || pixel(img, 3, 3).A != 0 {
		t.Fatalf("empty plot not transparent")
	}
}
