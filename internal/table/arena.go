package table

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/pkg/affine"
)

// Table is the read contract shared by a base Model and its derived views.
type Table interface {
	Name() string
	Base() *Model

	ColumnNames() []string
	NumericColumnNames() []string
	ColumnClass(name string) (ColumnClass, error)
	HasColumn(name string) bool
	ComputeMinMax(name string) (float64, float64, error)

	NumRows() int
	Row(i int) (annotation.Annotation, error)
	Rows() []annotation.Annotation
	IndexOf(a annotation.Annotation) (int, bool)
	IndexOfUUID(id uuid.UUID) (int, bool)

	LoadColumns(ctx context.Context, locator string) error
	ColumnLocators() []string
	LoadedColumnLocators() []string
}

// NodeID addresses a node of an Arena.
type NodeID int

type nodeKind int

const (
	baseNode nodeKind = iota
	affineNode
	timepointNode
)

type node struct {
	kind   nodeKind
	parent NodeID
	base   *Model

	transform    affine.Transform
	timepoints   map[int]int
	keepUnmapped bool
	// post is applied after the node's own function; in-place transforms
	// of a timepoint node accumulate here.
	post *affine.Transform

	// gen counts in-place transforms of the node.
	gen atomic.Uint64

	mu   sync.Mutex
	memo []annotation.Annotation
	// stamp is the sum of the ancestors' generations the memo was built at.
	stamp uint64
	// timepoint nodes map node rows to parent rows and back.
	rowsIdx []int
	backIdx map[int]int
	built   bool
}

// Arena owns base tables and the transform nodes derived from them. A
// derived node never mutates its parent.
type Arena struct {
	mu    sync.RWMutex
	nodes []*node
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) add(n *node) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes = append(a.nodes, n)
	return NodeID(len(a.nodes) - 1)
}

func (a *Arena) get(id NodeID) (*node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id < 0 || int(id) >= len(a.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return a.nodes[id], nil
}

// AddBase registers a base table.
func (a *Arena) AddBase(m *Model) NodeID {
	return a.add(&node{kind: baseNode, parent: -1, base: m})
}

// AddAffine derives a node whose rows are the parent's rows transformed by t.
func (a *Arena) AddAffine(parent NodeID, t affine.Transform) (NodeID, error) {
	p, err := a.get(parent)
	if err != nil {
		return 0, err
	}
	return a.add(&node{kind: affineNode, parent: parent, base: p.base, transform: t}), nil
}

// AddTimepoints derives a node that remaps timepoints. Rows at timepoints
// without a mapping are kept as they are when keepUnmapped is set and
// dropped otherwise.
func (a *Arena) AddTimepoints(parent NodeID, mapping map[int]int, keepUnmapped bool) (NodeID, error) {
	p, err := a.get(parent)
	if err != nil {
		return 0, err
	}
	m := make(map[int]int, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	return a.add(&node{
		kind:         timepointNode,
		parent:       parent,
		base:         p.base,
		timepoints:   m,
		keepUnmapped: keepUnmapped,
	}), nil
}

// TransformInPlace applies t to the rows of node id. Rows of nodes derived
// from id are recomputed on their next access; the parent of id is never
// touched.
func (a *Arena) TransformInPlace(id NodeID, t affine.Transform) error {
	n, err := a.get(id)
	if err != nil {
		return err
	}
	tbl, err := a.View(id)
	if err != nil {
		return err
	}
	rows := tbl.Rows()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range rows {
		r.Transform(t)
	}
	switch n.kind {
	case affineNode:
		n.transform = t.Concatenate(n.transform)
	case timepointNode:
		post := t
		if n.post != nil {
			post = t.Concatenate(*n.post)
		}
		n.post = &post
	}
	n.gen.Add(1)
	return nil
}

// ancestorStamp sums the generations of every ancestor of n.
func (a *Arena) ancestorStamp(n *node) uint64 {
	var stamp uint64
	for id := n.parent; id >= 0; {
		p, err := a.get(id)
		if err != nil {
			break
		}
		stamp += p.gen.Load()
		id = p.parent
	}
	return stamp
}

// View returns the table of node id.
func (a *Arena) View(id NodeID) (Table, error) {
	n, err := a.get(id)
	if err != nil {
		return nil, err
	}
	if n.kind == baseNode {
		return n.base, nil
	}
	return &View{arena: a, id: id, node: n}, nil
}

// View is a derived table. Values are read from the base model; geometry
// and timepoints are computed on first access and memoized.
type View struct {
	arena *Arena
	id    NodeID
	node  *node
}

func (v *View) parent() Table {
	t, err := v.arena.View(v.node.parent)
	if err != nil {
		// parents are registered before their children
		panic(err)
	}
	return t
}

// ID returns the arena node of the view.
func (v *View) ID() NodeID { return v.id }

func (v *View) Name() string                   { return v.node.base.Name() }
func (v *View) Base() *Model                   { return v.node.base }
func (v *View) ColumnNames() []string          { return v.node.base.ColumnNames() }
func (v *View) NumericColumnNames() []string   { return v.node.base.NumericColumnNames() }
func (v *View) HasColumn(name string) bool     { return v.node.base.HasColumn(name) }
func (v *View) ColumnLocators() []string       { return v.node.base.ColumnLocators() }
func (v *View) LoadedColumnLocators() []string { return v.node.base.LoadedColumnLocators() }

func (v *View) ColumnClass(name string) (ColumnClass, error) {
	return v.node.base.ColumnClass(name)
}

func (v *View) ComputeMinMax(name string) (float64, float64, error) {
	return v.node.base.ComputeMinMax(name)
}

// LoadColumns loads into the base model; derived rows read through to it.
func (v *View) LoadColumns(ctx context.Context, locator string) error {
	return v.node.base.LoadColumns(ctx, locator)
}

// build prepares the row mapping of the node. The memo is dropped when an
// ancestor was transformed in place since it was built.
func (v *View) build() {
	n := v.node
	stamp := v.arena.ancestorStamp(n)
	if n.built && n.stamp == stamp {
		return
	}
	n.stamp = stamp
	n.rowsIdx = nil
	parent := v.parent()
	switch n.kind {
	case affineNode:
		n.memo = make([]annotation.Annotation, parent.NumRows())
	case timepointNode:
		n.backIdx = make(map[int]int)
		for i, a := range parent.Rows() {
			if _, ok := n.timepoints[a.Timepoint()]; ok || n.keepUnmapped {
				n.backIdx[i] = len(n.rowsIdx)
				n.rowsIdx = append(n.rowsIdx, i)
			}
		}
		n.memo = make([]annotation.Annotation, len(n.rowsIdx))
	}
	n.built = true
}

// NumRows returns the number of rows of the view.
func (v *View) NumRows() int {
	v.node.mu.Lock()
	defer v.node.mu.Unlock()
	v.build()
	return len(v.node.memo)
}

// Row returns row i, computing it from the parent on first access.
func (v *View) Row(i int) (annotation.Annotation, error) {
	n := v.node
	n.mu.Lock()
	defer n.mu.Unlock()
	v.build()
	if i < 0 || i >= len(n.memo) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, len(n.memo))
	}
	if a := n.memo[i]; a != nil {
		return a, nil
	}

	parentRow := i
	if n.kind == timepointNode {
		parentRow = n.rowsIdx[i]
	}
	src, err := v.parent().Row(parentRow)
	if err != nil {
		return nil, err
	}

	// rows of a derived node are always copies; in-place transforms of the
	// node must not reach its parent
	var a annotation.Annotation
	switch n.kind {
	case affineNode:
		a = annotation.Transformed(src, n.transform)
	case timepointNode:
		tp, ok := n.timepoints[src.Timepoint()]
		if !ok {
			tp = src.Timepoint()
		}
		a = annotation.WithTimepoint(src, tp)
		if n.post != nil {
			a.Transform(*n.post)
		}
	}
	n.memo[i] = a
	return a, nil
}

// Rows returns every row of the view.
func (v *View) Rows() []annotation.Annotation {
	rows := make([]annotation.Annotation, v.NumRows())
	for i := range rows {
		a, err := v.Row(i)
		if err != nil {
			panic(err)
		}
		rows[i] = a
	}
	return rows
}

// IndexOf returns the view row of a.
func (v *View) IndexOf(a annotation.Annotation) (int, bool) {
	return v.IndexOfUUID(a.UUID())
}

// IndexOfUUID maps an annotation UUID to a view row.
func (v *View) IndexOfUUID(id uuid.UUID) (int, bool) {
	i, ok := v.parent().IndexOfUUID(id)
	if !ok {
		return 0, false
	}
	n := v.node
	n.mu.Lock()
	defer n.mu.Unlock()
	v.build()
	if n.kind == timepointNode {
		j, ok := n.backIdx[i]
		return j, ok
	}
	return i, true
}
