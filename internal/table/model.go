// Package table owns the tabular data behind annotations: typed columns,
// lazy column loading and the row <-> annotation index.
package table

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/cache"
	"github.com/mobie-tiles/server/internal/storage"
)

// ColumnClass is the value type of a column.
type ColumnClass int

const (
	Numeric ColumnClass = iota
	Categorical
	String
)

func (c ColumnClass) String() string {
	switch c {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	default:
		return "string"
	}
}

// Kind selects which annotation type rows are bound to.
type Kind int

const (
	Segments Kind = iota
	Spots
)

func (k Kind) String() string {
	if k == Spots {
		return "spots"
	}
	return "segments"
}

// Well-known column names.
const (
	ColumnLabelID   = "label_id"
	ColumnSpotID    = "spot_id"
	ColumnTimepoint = "timepoint"
	ColumnAnchorX   = "anchor_x"
	ColumnAnchorY   = "anchor_y"
	ColumnAnchorZ   = "anchor_z"
	ColumnSpotX     = "x"
	ColumnSpotY     = "y"
	ColumnSpotZ     = "z"
)

var (
	bbMinColumns = []string{"bb_min_x", "bb_min_y", "bb_min_z"}
	bbMaxColumns = []string{"bb_max_x", "bb_max_y", "bb_max_z"}
)

// Fetcher returns the bytes of a table chunk.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// RangeCache stores computed column ranges. *cache.Manager implements it.
type RangeCache interface {
	GetRange(key string) (cache.Range, bool)
	SetRange(key string, r cache.Range)
	InvalidateRange(key string)
}

// Options configures a Model.
type Options struct {
	Fetcher Fetcher
	// Ranges defaults to a private in-memory cache.
	Ranges RangeCache
	// Available lists column chunk locators that may be loaded later.
	Available []string
}

// schema is an immutable snapshot of the loaded columns. Readers load it
// without locking; writers publish a new one.
type schema struct {
	order []string
	cols  map[string]*column
}

func (s *schema) with(cols ...*column) *schema {
	next := &schema{
		order: append([]string(nil), s.order...),
		cols:  make(map[string]*column, len(s.cols)+len(cols)),
	}
	for k, v := range s.cols {
		next.cols[k] = v
	}
	for _, c := range cols {
		if _, ok := next.cols[c.name]; !ok {
			next.order = append(next.order, c.name)
		}
		next.cols[c.name] = c
	}
	return next
}

// Model is the annotation table of one source.
type Model struct {
	source  string
	kind    Kind
	fetcher Fetcher
	ranges  RangeCache

	// writeMu serializes LoadColumns, AddStringColumn and SetValue.
	writeMu sync.Mutex
	schema  atomic.Pointer[schema]
	gen     atomic.Uint64

	rows  []annotation.Annotation
	index map[uuid.UUID]int

	locMu     sync.Mutex
	available []string
	loaded    []string
}

// Open fetches the base chunk at locator and builds the model from it.
func Open(ctx context.Context, source string, kind Kind, locator string, opts Options) (*Model, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher for %s", ErrColumnLoad, locator)
	}
	locator = storage.CleanLocator(locator)
	data, err := opts.Fetcher.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrColumnLoad, locator, err)
	}
	ch, err := parseChunk(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrColumnLoad, locator, err)
	}
	m, err := newModel(source, kind, ch, opts)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", source, err)
	}
	m.loaded = []string{locator}
	log.Printf("[Table] %s: %d %s, %d columns from %s", source, len(m.rows), kind, len(ch.header), locator)
	return m, nil
}

// FromRecords builds a model from in-memory rows.
func FromRecords(source string, kind Kind, header []string, records [][]string, opts Options) (*Model, error) {
	ch := &chunk{header: append([]string(nil), header...), records: records}
	m, err := newModel(source, kind, ch, opts)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", source, err)
	}
	return m, nil
}

func newModel(source string, kind Kind, ch *chunk, opts Options) (*Model, error) {
	m := &Model{
		source:  source,
		kind:    kind,
		fetcher: opts.Fetcher,
		ranges:  opts.Ranges,
	}
	if m.ranges == nil {
		m.ranges = newLocalRanges()
	}
	for _, loc := range opts.Available {
		m.available = append(m.available, storage.CleanLocator(loc))
	}

	cols := make([]*column, 0, len(ch.header))
	for i := range ch.header {
		c, err := buildColumn(ch, i)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	m.schema.Store((&schema{cols: map[string]*column{}}).with(cols...))

	if err := m.bind(); err != nil {
		return nil, err
	}
	return m, nil
}

// bind creates one annotation per row from the base columns.
func (m *Model) bind() error {
	s := m.schema.Load()
	numeric := func(name string, required bool) ([]float64, error) {
		c, ok := s.cols[name]
		if !ok {
			if required {
				return nil, fmt.Errorf("%w: %s table needs column %q", ErrSchemaMismatch, m.kind, name)
			}
			return nil, nil
		}
		if c.class != Numeric {
			return nil, fmt.Errorf("%w: base column %q", ErrNotNumeric, name)
		}
		return c.floats, nil
	}

	idName, xName, yName, zName := ColumnLabelID, ColumnAnchorX, ColumnAnchorY, ColumnAnchorZ
	if m.kind == Spots {
		idName, xName, yName, zName = ColumnSpotID, ColumnSpotX, ColumnSpotY, ColumnSpotZ
	}
	ids, err := numeric(idName, true)
	if err != nil {
		return err
	}
	xs, err := numeric(xName, true)
	if err != nil {
		return err
	}
	ys, err := numeric(yName, true)
	if err != nil {
		return err
	}
	zs, err := numeric(zName, false)
	if err != nil {
		return err
	}
	tps, err := numeric(ColumnTimepoint, false)
	if err != nil {
		return err
	}

	var bbMin, bbMax [][]float64
	if m.kind == Segments {
		bbMin, bbMax = m.boundingBoxColumns(s, zs != nil)
	}

	n := len(ids)
	m.rows = make([]annotation.Annotation, n)
	m.index = make(map[uuid.UUID]int, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(ids[i]) {
			return fmt.Errorf("%w: row %d has no %s", ErrSchemaMismatch, i, idName)
		}
		tp := 0
		if tps != nil && !math.IsNaN(tps[i]) {
			tp = int(tps[i])
		}
		pos := []float64{xs[i], ys[i]}
		if zs != nil {
			pos = append(pos, zs[i])
		}

		var a annotation.Annotation
		if m.kind == Spots {
			a = annotation.NewSpot(m.source, tp, int(ids[i]), i, pos, m)
		} else {
			var bb *annotation.BoundingBox
			if bbMin != nil {
				bb = &annotation.BoundingBox{Min: make([]float64, len(bbMin)), Max: make([]float64, len(bbMax))}
				for d := range bbMin {
					bb.Min[d] = bbMin[d][i]
					bb.Max[d] = bbMax[d][i]
				}
			}
			a = annotation.NewSegment(m.source, tp, int(ids[i]), i, pos, bb, m)
		}

		if j, dup := m.index[a.UUID()]; dup {
			return fmt.Errorf("%w: rows %d and %d are both %s", ErrSchemaMismatch, j, i, a.ID())
		}
		m.index[a.UUID()] = i
		m.rows[i] = a
	}
	return nil
}

// boundingBoxColumns returns per-dimension min/max columns when every one
// of them is present and numeric.
func (m *Model) boundingBoxColumns(s *schema, is3D bool) (mins, maxs [][]float64) {
	dims := 2
	if is3D {
		dims = 3
	}
	for d := 0; d < dims; d++ {
		lo, ok1 := s.cols[bbMinColumns[d]]
		hi, ok2 := s.cols[bbMaxColumns[d]]
		if !ok1 || !ok2 || lo.class != Numeric || hi.class != Numeric {
			return nil, nil
		}
		mins = append(mins, lo.floats)
		maxs = append(maxs, hi.floats)
	}
	return mins, maxs
}

// Name returns the source name of the table.
func (m *Model) Name() string { return m.source }

// Kind returns the annotation kind of the rows.
func (m *Model) Kind() Kind { return m.kind }

// Base returns m.
func (m *Model) Base() *Model { return m }

// ColumnNames returns column names in discovery order.
func (m *Model) ColumnNames() []string {
	return append([]string(nil), m.schema.Load().order...)
}

// NumericColumnNames returns the numeric subset of ColumnNames.
func (m *Model) NumericColumnNames() []string {
	s := m.schema.Load()
	var names []string
	for _, name := range s.order {
		if s.cols[name].class == Numeric {
			names = append(names, name)
		}
	}
	return names
}

// ColumnClass returns the class of the named column.
func (m *Model) ColumnClass(name string) (ColumnClass, error) {
	c, ok := m.schema.Load().cols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return c.class, nil
}

// HasColumn reports whether the column is loaded.
func (m *Model) HasColumn(name string) bool {
	_, ok := m.schema.Load().cols[name]
	return ok
}

// NumRows returns the number of rows.
func (m *Model) NumRows() int { return len(m.rows) }

// Row returns the annotation of row i.
func (m *Model) Row(i int) (annotation.Annotation, error) {
	if i < 0 || i >= len(m.rows) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, len(m.rows))
	}
	return m.rows[i], nil
}

// Rows returns all annotations in row order.
func (m *Model) Rows() []annotation.Annotation {
	return append([]annotation.Annotation(nil), m.rows...)
}

// IndexOf returns the row of a.
func (m *Model) IndexOf(a annotation.Annotation) (int, bool) {
	return m.IndexOfUUID(a.UUID())
}

// IndexOfUUID returns the row of the annotation with the given UUID.
func (m *Model) IndexOfUUID(id uuid.UUID) (int, bool) {
	i, ok := m.index[id]
	return i, ok
}

// Value returns the cell at (row, column), or nil when it has no value.
func (m *Model) Value(row int, name string) any {
	c, ok := m.schema.Load().cols[name]
	if !ok || row < 0 || row >= len(m.rows) {
		return nil
	}
	return c.value(row)
}

// Float returns a numeric cell without allocating.
func (m *Model) Float(row int, name string) (float64, bool) {
	c, ok := m.schema.Load().cols[name]
	if !ok || c.class != Numeric || row < 0 || row >= len(c.floats) {
		return 0, false
	}
	v := c.floats[row]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Text returns a cell as text. Text cells are returned without allocating.
func (m *Model) Text(row int, name string) (string, bool) {
	c, ok := m.schema.Load().cols[name]
	if !ok || row < 0 || row >= len(m.rows) {
		return "", false
	}
	return c.text(row)
}

// SetColumnLocators records chunks that may be loaded later.
func (m *Model) SetColumnLocators(locators []string) {
	m.locMu.Lock()
	defer m.locMu.Unlock()
	m.available = m.available[:0]
	for _, loc := range locators {
		m.available = append(m.available, storage.CleanLocator(loc))
	}
}

// ColumnLocators returns the chunks available for loading.
func (m *Model) ColumnLocators() []string {
	m.locMu.Lock()
	defer m.locMu.Unlock()
	return append([]string(nil), m.available...)
}

// LoadedColumnLocators returns the chunks merged so far, in load order.
func (m *Model) LoadedColumnLocators() []string {
	m.locMu.Lock()
	defer m.locMu.Unlock()
	return append([]string(nil), m.loaded...)
}

// IsDataLoaded reports whether the base rows are present.
func (m *Model) IsDataLoaded() bool {
	return m.rows != nil
}

func (m *Model) isLoaded(locator string) bool {
	m.locMu.Lock()
	defer m.locMu.Unlock()
	for _, l := range m.loaded {
		if l == locator {
			return true
		}
	}
	return false
}

// LoadColumns merges the columns of the chunk at locator into the table.
// Loading a locator twice is a no-op. Rows are joined by position; when the
// chunk carries id columns every row must match the base row's ids. A chunk
// may repeat a loaded column only with identical values.
func (m *Model) LoadColumns(ctx context.Context, locator string) error {
	locator = storage.CleanLocator(locator)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.isLoaded(locator) {
		return nil
	}
	if m.fetcher == nil {
		return fmt.Errorf("%w: no fetcher for %s", ErrColumnLoad, locator)
	}

	data, err := m.fetcher.Fetch(ctx, locator)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrColumnLoad, locator, err)
	}
	ch, err := parseChunk(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrColumnLoad, locator, err)
	}
	if ch.numRows() != len(m.rows) {
		return fmt.Errorf("%w: %s has %d rows, table %s has %d",
			ErrSchemaMismatch, locator, ch.numRows(), m.source, len(m.rows))
	}

	idCols, err := m.checkJoin(ch)
	if err != nil {
		return fmt.Errorf("%s: %w", locator, err)
	}

	s := m.schema.Load()
	var cols []*column
	for i, name := range ch.header {
		if idCols[name] {
			continue
		}
		c, err := buildColumn(ch, i)
		if err != nil {
			return fmt.Errorf("%s: %w", locator, err)
		}
		// loaded columns are never replaced; repeating one is allowed
		if old, ok := s.cols[name]; ok {
			if row, same := sameValues(old, c); !same {
				return fmt.Errorf("%w: %s row %d disagrees with loaded column %q",
					ErrSchemaMismatch, locator, row, name)
			}
			continue
		}
		cols = append(cols, c)
	}

	m.publish(s.with(cols...), cols)

	m.locMu.Lock()
	m.loaded = append(m.loaded, locator)
	m.locMu.Unlock()

	log.Printf("[Table] %s: merged %d columns from %s", m.source, len(cols), locator)
	return nil
}

// checkJoin verifies that id columns present in ch agree with the base rows
// and returns the set of id columns, which are not merged.
func (m *Model) checkJoin(ch *chunk) (map[string]bool, error) {
	s := m.schema.Load()
	idName := ColumnLabelID
	if m.kind == Spots {
		idName = ColumnSpotID
	}

	ids := map[string]bool{}
	for _, name := range []string{idName, ColumnTimepoint} {
		idx := ch.columnIndex(name)
		base, ok := s.cols[name]
		if idx < 0 || !ok {
			continue
		}
		ids[name] = true
		for i, rec := range ch.records {
			if idx >= len(rec) {
				return nil, fmt.Errorf("%w: row %d is missing %s", ErrSchemaMismatch, i, name)
			}
			v, err := strconv.ParseFloat(rec[idx], 64)
			if err != nil || v != base.floats[i] {
				return nil, fmt.Errorf("%w: row %d has %s %q, base row has %v",
					ErrSchemaMismatch, i, name, rec[idx], base.floats[i])
			}
		}
	}
	return ids, nil
}

// sameValues reports whether a and b hold the same cells, and otherwise the
// first row where they differ.
func sameValues(a, b *column) (int, bool) {
	for i := 0; i < a.len(); i++ {
		av, aok := a.text(i)
		bv, bok := b.text(i)
		if aok != bok || av != bv {
			return i, false
		}
	}
	return 0, true
}

// AddStringColumn appends a column of empty strings.
func (m *Model) AddStringColumn(name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	s := m.schema.Load()
	if _, ok := s.cols[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
	}
	c := &column{name: name, class: String, texts: make([]string, len(m.rows))}
	m.publish(s.with(c), []*column{c})
	return nil
}

// SetValue replaces one cell, e.g. of a manual annotation column.
func (m *Model) SetValue(row int, name, value string) error {
	return m.SetValues([]int{row}, name, value)
}

// SetValues writes value into every listed row of one column. All rows and
// the value are checked first, so an error leaves the column untouched.
func (m *Model) SetValues(rows []int, name, value string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for _, row := range rows {
		if row < 0 || row >= len(m.rows) {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, row, len(m.rows))
		}
	}
	s := m.schema.Load()
	c, ok := s.cols[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	if len(rows) == 0 {
		return nil
	}

	var next *column
	if c.class == Numeric {
		v := math.NaN()
		if !isMissing(value) {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("%w: %q into %q", ErrNotNumeric, value, name)
			}
			v = f
		}
		next = c.withFloat(rows, v)
	} else {
		next = c.withText(rows, value)
	}
	m.publish(s.with(next), []*column{next})
	return nil
}

// publish installs a new schema and drops cached ranges of touched columns.
func (m *Model) publish(s *schema, touched []*column) {
	for _, c := range touched {
		c.gen = m.gen.Add(1)
	}
	m.schema.Store(s)
	for _, c := range touched {
		m.ranges.InvalidateRange(cache.RangeKey(m.source, c.name))
	}
}

// ComputeMinMax returns the range of a numeric column over its values.
func (m *Model) ComputeMinMax(name string) (float64, float64, error) {
	c, ok := m.schema.Load().cols[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	if c.class != Numeric {
		return 0, 0, fmt.Errorf("%w: %q is %s", ErrNotNumeric, name, c.class)
	}

	key := cache.RangeKey(m.source, name)
	if r, ok := m.ranges.GetRange(key); ok && r.Gen == c.gen {
		return r.Min, r.Max, nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range c.floats {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("column %q has no finite values", name)
	}
	m.ranges.SetRange(key, cache.Range{Min: lo, Max: hi, Gen: c.gen})
	return lo, hi, nil
}

// localRanges is the default RangeCache.
type localRanges struct {
	mu sync.Mutex
	m  map[string]cache.Range
}

func newLocalRanges() *localRanges {
	return &localRanges{m: make(map[string]cache.Range)}
}

func (l *localRanges) GetRange(key string) (cache.Range, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.m[key]
	return r, ok
}

func (l *localRanges) SetRange(key string, r cache.Range) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[key] = r
}

func (l *localRanges) InvalidateRange(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, key)
}
