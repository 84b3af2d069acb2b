package coloring

import (
	"encoding/binary"
	"image/color"
	"math"
	"math/rand"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/minio/highwayhash"
)

// Strategy is one of Constant, Categorical, Numeric or Random.
type Strategy interface {
	// ColumnName returns the column the strategy reads, or "".
	ColumnName() string
	strategy()
}

// Constant paints every annotation with one color.
type Constant struct {
	Color color.NRGBA
}

// Categorical maps each distinct value of Column to an entry of LUT. Seed
// permutes the value -> entry assignment.
type Categorical struct {
	Column string
	LUT    string
	Seed   int64
}

// Numeric interpolates Column over Limits into LUT. Nil Limits are filled
// from the column range when the strategy is installed.
type Numeric struct {
	Column string
	LUT    string
	Limits *[2]float64
}

// Random assigns each distinct value of Column a random color drawn from a
// generator seeded with Seed and the value.
type Random struct {
	Column string
	Seed   int64
}

func (Constant) ColumnName() string      { return "" }
func (s Categorical) ColumnName() string { return s.Column }
func (s Numeric) ColumnName() string     { return s.Column }
func (s Random) ColumnName() string      { return s.Column }

func (Constant) strategy()    {}
func (Categorical) strategy() {}
func (Numeric) strategy()     {}
func (Random) strategy()      {}

// DefaultColor is used by a fresh model.
var DefaultColor = color.NRGBA{R: 200, G: 200, B: 200, A: 255}

// Transparent is returned for annotations without a value.
var Transparent = color.NRGBA{}

// seedKey expands a seed into a 32 byte highwayhash key.
func seedKey(seed int64) []byte {
	key := make([]byte, highwayhash.Size)
	for i := 0; i < len(key); i += 8 {
		binary.LittleEndian.PutUint64(key[i:], uint64(seed)+uint64(i)*0x9e3779b97f4a7c15)
	}
	return key
}

// categoryIndex places a category in a palette of size n.
func categoryIndex(category string, key []byte, n int) int {
	return int(highwayhash.Sum64([]byte(category), key) % uint64(n))
}

// numberIndex places a numeric category, such as a label id, in a palette
// of size n.
func numberIndex(v float64, key []byte, n int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return int(highwayhash.Sum64(b[:], key) % uint64(n))
}

var randomKey = seedKey(0)

// randomColor draws a saturated color for category from seed.
func randomColor(category string, seed int64) color.NRGBA {
	h := highwayhash.Sum64([]byte(category), randomKey)
	rng := rand.New(rand.NewSource(seed ^ int64(h)))
	c := colorful.Hsv(rng.Float64()*360, 0.5+0.5*rng.Float64(), 0.6+0.4*rng.Float64())
	r, g, b := c.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func randomNumberColor(v float64, seed int64) color.NRGBA {
	return randomColor(strconv.FormatFloat(v, 'f', -1, 64), seed)
}
