// Package affine provides 3D affine transforms for annotation geometry.
package affine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NumParameters is the length of a row-major 3x4 affine parameter vector.
const NumParameters = 12

// Transform is an immutable 3D affine transform stored as a homogeneous 4x4 matrix.
type Transform struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Transform{m: m}
}

// FromParameters builds a transform from 12 row-major parameters
// (the first three rows of the homogeneous matrix).
func FromParameters(p []float64) (Transform, error) {
	if len(p) != NumParameters {
		return Transform{}, fmt.Errorf("affine transform needs %d parameters, got %d", NumParameters, len(p))
	}
	data := make([]float64, 16)
	copy(data, p)
	data[15] = 1
	return Transform{m: mat.NewDense(4, 4, data)}, nil
}

// Translation returns a transform translating by t (missing dims are zero).
func Translation(t ...float64) Transform {
	tr := Identity()
	for d := 0; d < 3 && d < len(t); d++ {
		tr.m.Set(d, 3, t[d])
	}
	return tr
}

// Scale returns a transform scaling each axis (missing dims are one).
func Scale(s ...float64) Transform {
	tr := Identity()
	for d := 0; d < 3 && d < len(s); d++ {
		tr.m.Set(d, d, s[d])
	}
	return tr
}

func (t Transform) matrix() *mat.Dense {
	if t.m == nil {
		return Identity().m
	}
	return t.m
}

// Parameters returns the 12 row-major parameters.
func (t Transform) Parameters() []float64 {
	m := t.matrix()
	p := make([]float64, 0, NumParameters)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			p = append(p, m.At(r, c))
		}
	}
	return p
}

// IsIdentity reports whether t leaves every point unchanged.
func (t Transform) IsIdentity() bool {
	return mat.Equal(t.matrix(), Identity().m)
}

// Concatenate returns t∘other: other is applied first, then t.
func (t Transform) Concatenate(other Transform) Transform {
	var out mat.Dense
	out.Mul(t.matrix(), other.matrix())
	return Transform{m: &out}
}

// PreConcatenate returns other∘t: t is applied first, then other.
func (t Transform) PreConcatenate(other Transform) Transform {
	return other.Concatenate(t)
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.matrix()); err != nil {
		return Transform{}, fmt.Errorf("affine transform is not invertible: %w", err)
	}
	return Transform{m: &inv}, nil
}

// Apply transforms a point of up to three dimensions.
// Points with fewer than three dims are treated as lying at z=0 and the
// result keeps the input dimensionality.
func (t Transform) Apply(p []float64) []float64 {
	out := make([]float64, len(p))
	t.ApplyTo(p, out)
	return out
}

// ApplyTo writes the transformed p into dst; dst and p may alias.
func (t Transform) ApplyTo(p, dst []float64) {
	m := t.matrix()
	var in [3]float64
	copy(in[:], p)
	var res [3]float64
	for r := 0; r < 3; r++ {
		res[r] = m.At(r, 0)*in[0] + m.At(r, 1)*in[1] + m.At(r, 2)*in[2] + m.At(r, 3)
	}
	n := len(dst)
	if n > 3 {
		n = 3
	}
	copy(dst[:n], res[:n])
}

// EstimateBounds returns the axis-aligned bounds of the transformed box
// spanned by min and max, using all eight corners.
func (t Transform) EstimateBounds(min, max []float64) ([]float64, []float64) {
	n := len(min)
	outMin := make([]float64, n)
	outMax := make([]float64, n)
	for d := range outMin {
		outMin[d] = math.Inf(1)
		outMax[d] = math.Inf(-1)
	}
	corner := make([]float64, n)
	for mask := 0; mask < 1<<n; mask++ {
		for d := 0; d < n; d++ {
			if mask&(1<<d) != 0 {
				corner[d] = max[d]
			} else {
				corner[d] = min[d]
			}
		}
		p := t.Apply(corner)
		for d := 0; d < n; d++ {
			outMin[d] = math.Min(outMin[d], p[d])
			outMax[d] = math.Max(outMax[d], p[d])
		}
	}
	return outMin, outMax
}

// ApplyMesh returns a transformed copy of a flat xyz vertex buffer.
func (t Transform) ApplyMesh(vertices []float32) []float32 {
	out := make([]float32, len(vertices))
	var v [3]float64
	for i := 0; i+2 < len(vertices); i += 3 {
		v[0], v[1], v[2] = float64(vertices[i]), float64(vertices[i+1]), float64(vertices[i+2])
		t.ApplyTo(v[:], v[:])
		out[i], out[i+1], out[i+2] = float32(v[0]), float32(v[1]), float32(v[2])
	}
	return out
}

// String formats the parameters for logs.
func (t Transform) String() string {
	return fmt.Sprintf("%v", t.Parameters())
}
