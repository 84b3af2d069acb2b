// Package colormap provides the named lookup tables (LUTs) used to color
// annotations.
package colormap

import (
	"image/color"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
// RGBAAt and RGBAIndex are the allocation-free forms of At and AtIndex.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
	RGBAAt(t float64) color.RGBA
	RGBAIndex(i int) color.RGBA
	Len() int
	Categorical() bool
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	return c.RGBAAt(t)
}

// RGBAAt returns the interpolated color at position t, clamped to [0, 1].
// NaN maps to the lowest color.
func (c LinearColormap) RGBAAt(t float64) color.RGBA {
	if !(t > 0) {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.RGBAIndex(i)
}

// RGBAIndex returns the control color at index i (wraps around).
func (c LinearColormap) RGBAIndex(i int) color.RGBA {
	return c.colors[wrap(i, len(c.colors))]
}

// Len returns the number of control colors.
func (c LinearColormap) Len() int { return len(c.colors) }

// Categorical reports false for interpolating maps.
func (c LinearColormap) Categorical() bool { return false }

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	return c.RGBAAt(t)
}

// RGBAAt returns the palette entry covering position t.
func (c CategoricalColormap) RGBAAt(t float64) color.RGBA {
	if !(t > 0) {
		return c.colors[0]
	}
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.RGBAIndex(i)
}

// RGBAIndex returns the palette entry at index i (wraps around).
func (c CategoricalColormap) RGBAIndex(i int) color.RGBA {
	return c.colors[wrap(i, len(c.colors))]
}

// Len returns the palette size.
func (c CategoricalColormap) Len() int { return len(c.colors) }

// Categorical reports true for palettes.
func (c CategoricalColormap) Categorical() bool { return true }

// Categorical colormap with 20 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},   // Blue
		{255, 127, 14, 255},   // Orange
		{44, 160, 44, 255},    // Green
		{214, 39, 40, 255},    // Red
		{148, 103, 189, 255},  // Purple
		{140, 86, 75, 255},    // Brown
		{227, 119, 194, 255},  // Pink
		{127, 127, 127, 255},  // Gray
		{188, 189, 34, 255},   // Olive
		{23, 190, 207, 255},   // Cyan
		{174, 199, 232, 255},  // Light blue
		{255, 187, 120, 255},  // Light orange
		{152, 223, 138, 255},  // Light green
		{255, 152, 150, 255},  // Light red
		{197, 176, 213, 255},  // Light purple
		{196, 156, 148, 255},  // Light brown
		{247, 182, 210, 255},  // Light pink
		{199, 199, 199, 255},  // Light gray
		{219, 219, 141, 255},  // Light olive
		{158, 218, 229, 255},  // Light cyan
	},
}

// BlueWhiteRed is a diverging map for signed values.
var BlueWhiteRed = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 255, 255},
		{255, 255, 255, 255},
		{255, 0, 0, 255},
	},
}

// Ice runs from black through blue to white.
var Ice = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{0, 0, 140, 255},
		{0, 110, 220, 255},
		{120, 200, 250, 255},
		{255, 255, 255, 255},
	},
}

// Glasbey is a palette of maximally distinct colors for label images.
var Glasbey = CategoricalColormap{
	colors: []color.RGBA{
		{0, 0, 255, 255},
		{255, 0, 0, 255},
		{0, 255, 0, 255},
		{0, 0, 51, 255},
		{255, 0, 182, 255},
		{0, 83, 0, 255},
		{255, 211, 0, 255},
		{0, 159, 255, 255},
		{154, 77, 66, 255},
		{0, 255, 190, 255},
		{120, 63, 193, 255},
		{31, 150, 152, 255},
		{255, 172, 253, 255},
		{177, 204, 113, 255},
		{241, 8, 92, 255},
		{254, 143, 66, 255},
		{221, 0, 255, 255},
		{32, 26, 1, 255},
		{114, 0, 85, 255},
		{118, 108, 149, 255},
		{2, 173, 36, 255},
		{200, 255, 0, 255},
		{136, 108, 0, 255},
		{255, 183, 159, 255},
		{133, 133, 103, 255},
		{161, 3, 0, 255},
		{20, 249, 255, 255},
		{0, 71, 158, 255},
		{220, 94, 147, 255},
		{147, 212, 255, 255},
		{0, 76, 255, 255},
		{0, 66, 80, 255},
	},
}

var registry = map[string]Colormap{
	"viridis":      Viridis,
	"plasma":       Plasma,
	"inferno":      Inferno,
	"magma":        Magma,
	"blueWhiteRed": BlueWhiteRed,
	"ice":          Ice,
	"glasbey":      Glasbey,
	"categorical":  Categorical,
}

// Lookup returns the LUT registered under name.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names returns the registered LUT names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
