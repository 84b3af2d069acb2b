// Package coloring maps annotations to colors.
//
// The active strategy is published through an atomic pointer so Convert can
// be called from render goroutines without locks while the model thread
// swaps strategies.
package coloring

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/pubsub"
	"github.com/mobie-tiles/server/internal/selection"
	"github.com/mobie-tiles/server/pkg/colormap"
)

// DefaultDimming is the alpha factor applied to unselected annotations while
// a selection exists.
const DefaultDimming = 0.15

// RandomLUT is the lookup table name reported for Random strategies.
const RandomLUT = "random"

// ErrNotNumericColoring is returned by SetLimits when no numeric strategy is
// active.
var ErrNotNumericColoring = errors.New("coloring is not numeric")

// Ranger computes column ranges; table.Table implements it.
type Ranger interface {
	ComputeMinMax(column string) (float64, float64, error)
}

// state is an immutable strategy plus its derived lookup data.
type state struct {
	strategy Strategy
	lut      colormap.Colormap
	key      []byte
	lo, hi   float64

	// per-category colors, replaced copy-on-write
	colors  atomic.Pointer[map[string]color.NRGBA]
	numbers atomic.Pointer[map[float64]color.NRGBA]
	grow    sync.Mutex
}

// Event is published once per change of strategy, limits, seed or opacity.
type Event struct {
	Strategy Strategy
}

// Model is the coloring of one annotated display.
type Model[A annotation.Annotation] struct {
	ranger  Ranger
	current atomic.Pointer[state]
	opacity atomic.Uint64
	dimming float64

	selected atomic.Pointer[map[uuid.UUID]struct{}]
	focused  atomic.Pointer[uuid.UUID]
	selTok   pubsub.Token
	sel      *selection.Model[A]

	listeners pubsub.Registry[Event]
}

// New creates a model painting everything with DefaultColor. ranger may be
// nil when no numeric strategy will be used.
func New[A annotation.Annotation](ranger Ranger) *Model[A] {
	m := &Model[A]{ranger: ranger, dimming: DefaultDimming}
	m.current.Store(&state{strategy: Constant{Color: DefaultColor}})
	m.opacity.Store(math.Float64bits(1))
	return m
}

// Subscribe registers fn for coloring changes.
func (m *Model[A]) Subscribe(fn func(Event)) pubsub.Token {
	return m.listeners.Subscribe(fn)
}

// Unsubscribe removes a listener.
func (m *Model[A]) Unsubscribe(t pubsub.Token) {
	m.listeners.Unsubscribe(t)
}

// AttachSelection dims annotations that are neither selected nor focused
// while sel is not empty. Passing nil detaches.
func (m *Model[A]) AttachSelection(sel *selection.Model[A], dimming float64) {
	if m.sel != nil {
		m.sel.Unsubscribe(m.selTok)
	}
	m.sel = sel
	m.dimming = dimming
	m.selected.Store(nil)
	m.focused.Store(nil)
	if sel == nil {
		return
	}
	refresh := func() {
		ids := sel.SelectedUUIDs()
		m.selected.Store(&ids)
		if f, ok := sel.Focused(); ok {
			id := f.UUID()
			m.focused.Store(&id)
		} else {
			m.focused.Store(nil)
		}
	}
	refresh()
	m.selTok = sel.Subscribe(func(selection.Event[A]) {
		refresh()
		m.listeners.Publish(Event{Strategy: m.Strategy()})
	})
}

// Strategy returns the active strategy.
func (m *Model[A]) Strategy() Strategy {
	return m.current.Load().strategy
}

// LUTName returns the name of the active lookup table.
func (m *Model[A]) LUTName() string {
	switch s := m.Strategy().(type) {
	case Categorical:
		return s.LUT
	case Numeric:
		return s.LUT
	case Random:
		return RandomLUT
	default:
		return ""
	}
}

// Opacity returns the alpha multiplier.
func (m *Model[A]) Opacity() float64 {
	return math.Float64frombits(m.opacity.Load())
}

// SetOpacity sets the alpha multiplier, clamped to [0, 1].
func (m *Model[A]) SetOpacity(o float64) {
	o = math.Max(0, math.Min(1, o))
	m.opacity.Store(math.Float64bits(o))
	m.listeners.Publish(Event{Strategy: m.Strategy()})
}

// SetStrategy installs s and notifies listeners once. Numeric strategies
// without limits get the column range, which then stays fixed until
// SetLimits.
func (m *Model[A]) SetStrategy(s Strategy) error {
	st, err := m.prepare(s)
	if err != nil {
		return err
	}
	m.current.Store(st)
	m.listeners.Publish(Event{Strategy: st.strategy})
	return nil
}

// Check reports the error SetStrategy(s) would return without installing s.
func (m *Model[A]) Check(s Strategy) error {
	_, err := m.prepare(s)
	return err
}

// SetLimits replaces the limits of the active numeric strategy.
func (m *Model[A]) SetLimits(lo, hi float64) error {
	n, ok := m.Strategy().(Numeric)
	if !ok {
		return ErrNotNumericColoring
	}
	n.Limits = &[2]float64{lo, hi}
	return m.SetStrategy(n)
}

// SetSeed reseeds the active categorical or random strategy.
func (m *Model[A]) SetSeed(seed int64) error {
	switch s := m.Strategy().(type) {
	case Categorical:
		s.Seed = seed
		return m.SetStrategy(s)
	case Random:
		s.Seed = seed
		return m.SetStrategy(s)
	default:
		return fmt.Errorf("coloring %T has no seed", s)
	}
}

// Limits returns the limits of the active numeric strategy.
func (m *Model[A]) Limits() (lo, hi float64, ok bool) {
	st := m.current.Load()
	if _, isNum := st.strategy.(Numeric); !isNum {
		return 0, 0, false
	}
	return st.lo, st.hi, true
}

func (m *Model[A]) prepare(s Strategy) (*state, error) {
	st := &state{strategy: s}
	switch s := s.(type) {
	case Constant:
	case Categorical:
		lut, err := lookup(s.LUT)
		if err != nil {
			return nil, err
		}
		st.lut = lut
		st.key = seedKey(s.Seed)
	case Numeric:
		lut, err := lookup(s.LUT)
		if err != nil {
			return nil, err
		}
		st.lut = lut
		if s.Limits == nil {
			if m.ranger == nil {
				return nil, fmt.Errorf("numeric coloring of %q needs limits", s.Column)
			}
			lo, hi, err := m.ranger.ComputeMinMax(s.Column)
			if err != nil {
				return nil, fmt.Errorf("numeric coloring of %q: %w", s.Column, err)
			}
			s.Limits = &[2]float64{lo, hi}
		} else {
			limits := *s.Limits
			s.Limits = &limits
		}
		st.strategy = s
		st.lo, st.hi = s.Limits[0], s.Limits[1]
	case Random:
	default:
		return nil, fmt.Errorf("unknown coloring strategy %T", s)
	}
	empty := map[string]color.NRGBA{}
	st.colors.Store(&empty)
	emptyNumbers := map[float64]color.NRGBA{}
	st.numbers.Store(&emptyNumbers)
	return st, nil
}

func lookup(name string) (colormap.Colormap, error) {
	lut, ok := colormap.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown lut %q", name)
	}
	return lut, nil
}

// Convert writes the color of a to out. It does not allocate once every
// category has been seen.
func (m *Model[A]) Convert(a A, out *color.NRGBA) {
	st := m.current.Load()

	switch s := st.strategy.(type) {
	case Constant:
		*out = s.Color
	case Categorical:
		if f, ok := a.Float(s.Column); ok {
			*out = nrgba(st.lut.RGBAIndex(numberIndex(f, st.key, st.lut.Len())))
			break
		}
		v, ok := a.Text(s.Column)
		if !ok {
			*out = Transparent
			return
		}
		*out = st.category(v, func(v string) color.NRGBA {
			return nrgba(st.lut.RGBAIndex(categoryIndex(v, st.key, st.lut.Len())))
		})
	case Numeric:
		v, ok := a.Float(s.Column)
		if !ok || math.IsInf(v, 0) {
			*out = Transparent
			return
		}
		t := 0.0
		if st.hi > st.lo {
			t = (v - st.lo) / (st.hi - st.lo)
		} else if v > st.lo {
			t = 1
		}
		*out = nrgba(st.lut.RGBAAt(t))
	case Random:
		seed := s.Seed
		if f, ok := a.Float(s.Column); ok {
			*out = st.number(f, func(f float64) color.NRGBA {
				return randomNumberColor(f, seed)
			})
			break
		}
		v, ok := a.Text(s.Column)
		if !ok {
			*out = Transparent
			return
		}
		*out = st.category(v, func(v string) color.NRGBA {
			return randomColor(v, seed)
		})
	default:
		*out = DefaultColor
	}

	alpha := m.Opacity()
	if sel := m.selected.Load(); sel != nil && len(*sel) > 0 {
		id := a.UUID()
		_, selected := (*sel)[id]
		f := m.focused.Load()
		if !selected && (f == nil || *f != id) {
			alpha *= m.dimming
		}
	}
	out.A = uint8(math.Round(float64(out.A) * alpha))
}

// category returns the cached color of v, computing and publishing it on a
// miss.
func (st *state) category(v string, compute func(string) color.NRGBA) color.NRGBA {
	if c, ok := (*st.colors.Load())[v]; ok {
		return c
	}
	st.grow.Lock()
	defer st.grow.Unlock()
	cur := *st.colors.Load()
	if c, ok := cur[v]; ok {
		return c
	}
	c := compute(v)
	next := make(map[string]color.NRGBA, len(cur)+1)
	for k, val := range cur {
		next[k] = val
	}
	next[v] = c
	st.colors.Store(&next)
	return c
}

// number is category for numeric values.
func (st *state) number(v float64, compute func(float64) color.NRGBA) color.NRGBA {
	if c, ok := (*st.numbers.Load())[v]; ok {
		return c
	}
	st.grow.Lock()
	defer st.grow.Unlock()
	cur := *st.numbers.Load()
	if c, ok := cur[v]; ok {
		return c
	}
	c := compute(v)
	next := make(map[float64]color.NRGBA, len(cur)+1)
	for k, val := range cur {
		next[k] = val
	}
	next[v] = c
	st.numbers.Store(&next)
	return c
}

// CategoryColors returns the colors assigned so far, keyed by category.
func (m *Model[A]) CategoryColors() map[string]color.NRGBA {
	st := m.current.Load()
	p := st.colors.Load()
	if p == nil {
		return nil
	}
	out := make(map[string]color.NRGBA, len(*p))
	for k, v := range *p {
		out[k] = v
	}
	return out
}

func nrgba(c color.RGBA) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}
