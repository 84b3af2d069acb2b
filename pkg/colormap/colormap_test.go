package colormap

import (
	"image/color"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c0)
	}

	if c := Viridis.RGBAAt(2); c != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("values above 1 should clamp, got %#v", c)
	}
	if c := Viridis.RGBAAt(-3); c != c0 {
		t.Fatalf("values below 0 should clamp, got %#v", c)
	}
}

func TestBlueWhiteRedMidpoint(t *testing.T) {
	t.Parallel()

	if c := BlueWhiteRed.RGBAAt(0.5); c != (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("unexpected midpoint: %#v", c)
	}
}

func TestIndexWraps(t *testing.T) {
	t.Parallel()

	n := Glasbey.Len()
	if Glasbey.RGBAIndex(n) != Glasbey.RGBAIndex(0) {
		t.Fatalf("index should wrap around the palette")
	}
	if Glasbey.RGBAIndex(-1) != Glasbey.RGBAIndex(n-1) {
		t.Fatalf("negative index should wrap from the end")
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("registered name %q not found", name)
		}
	}

	g, ok := Lookup("glasbey")
	if !ok || !g.Categorical() {
		t.Fatalf("glasbey should be a categorical LUT")
	}
	v, ok := Lookup("viridis")
	if !ok || v.Categorical() {
		t.Fatalf("viridis should be a linear LUT")
	}
	if _, ok := Lookup("nope"); ok {
		t.Fatalf("unexpected LUT for unknown name")
	}
}
