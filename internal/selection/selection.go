// Package selection tracks which annotations are selected and which one is
// focused, and notifies subscribers of changes.
package selection

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/pubsub"
)

// ErrUnknownAnnotation is returned when focusing an annotation that is not
// part of the model's annotation set.
var ErrUnknownAnnotation = errors.New("unknown annotation")

// EventKind identifies a selection event.
type EventKind int

const (
	SelectionChanged EventKind = iota
	FocusChanged
	SelectionCleared
)

func (k EventKind) String() string {
	switch k {
	case SelectionChanged:
		return "selection_changed"
	case FocusChanged:
		return "focus_changed"
	default:
		return "selection_cleared"
	}
}

// Event is delivered to listeners. Annotation and Originator are only set
// for FocusChanged.
type Event[A annotation.Annotation] struct {
	Kind       EventKind
	Annotation A
	Originator any
}

// Listener receives events on the goroutine that made the change.
type Listener[A annotation.Annotation] func(Event[A])

// Token identifies a subscription.
type Token = pubsub.Token

// Model is the selection state of one annotated display. Annotations are
// keyed by UUID so transformed copies of a row count as the same object.
type Model[A annotation.Annotation] struct {
	mu       sync.Mutex
	selected map[uuid.UUID]A
	focus    A
	hasFocus bool
	known    func(A) bool

	listeners pubsub.Registry[Event[A]]
}

// New creates a model. known reports whether an annotation belongs to the
// owner's annotation set; nil accepts every annotation.
func New[A annotation.Annotation](known func(A) bool) *Model[A] {
	return &Model[A]{
		selected: make(map[uuid.UUID]A),
		known:    known,
	}
}

// Subscribe registers l and returns its token.
func (m *Model[A]) Subscribe(l Listener[A]) Token {
	return m.listeners.Subscribe(l)
}

// Unsubscribe removes a listener. Unknown tokens are ignored.
func (m *Model[A]) Unsubscribe(t Token) {
	m.listeners.Unsubscribe(t)
}

func (m *Model[A]) notify(e Event[A]) {
	m.listeners.Publish(e)
}

// SetSelected adds or removes every annotation in as and fires one
// SelectionChanged event if membership changed.
func (m *Model[A]) SetSelected(as []A, selected bool) {
	m.mu.Lock()
	changed := false
	for _, a := range as {
		id := a.UUID()
		_, ok := m.selected[id]
		switch {
		case selected && !ok:
			m.selected[id] = a
			changed = true
		case !selected && ok:
			delete(m.selected, id)
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.notify(Event[A]{Kind: SelectionChanged})
	}
}

// Replace makes in the whole selection and fires one SelectionChanged event
// if membership changed. The focus is kept.
func (m *Model[A]) Replace(in []A) {
	next := make(map[uuid.UUID]A, len(in))
	for _, a := range in {
		next[a.UUID()] = a
	}

	m.mu.Lock()
	changed := len(next) != len(m.selected)
	if !changed {
		for id := range next {
			if _, ok := m.selected[id]; !ok {
				changed = true
				break
			}
		}
	}
	m.selected = next
	m.mu.Unlock()

	if changed {
		m.notify(Event[A]{Kind: SelectionChanged})
	}
}

// Toggle flips the membership of a.
func (m *Model[A]) Toggle(a A) {
	m.mu.Lock()
	id := a.UUID()
	if _, ok := m.selected[id]; ok {
		delete(m.selected, id)
	} else {
		m.selected[id] = a
	}
	m.mu.Unlock()
	m.notify(Event[A]{Kind: SelectionChanged})
}

// Focus moves the focus to a. Membership is not changed. The event carries
// originator so the caller can ignore its own echo.
func (m *Model[A]) Focus(a A, originator any) error {
	if m.known != nil && !m.known(a) {
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, a.ID())
	}
	m.mu.Lock()
	m.focus = a
	m.hasFocus = true
	m.mu.Unlock()

	m.notify(Event[A]{Kind: FocusChanged, Annotation: a, Originator: originator})
	return nil
}

// Focused returns the focused annotation, if any.
func (m *Model[A]) Focused() (A, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focus, m.hasFocus
}

// IsSelected reports whether a is selected.
func (m *Model[A]) IsSelected(a A) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.selected[a.UUID()]
	return ok
}

// IsFocused reports whether a is the focused annotation.
func (m *Model[A]) IsFocused(a A) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasFocus && m.focus.UUID() == a.UUID()
}

// IsEmpty reports whether nothing is selected.
func (m *Model[A]) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.selected) == 0
}

// Len returns the number of selected annotations.
func (m *Model[A]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.selected)
}

// Selected returns the selection ordered by annotation ID.
func (m *Model[A]) Selected() []A {
	m.mu.Lock()
	out := make([]A, 0, len(m.selected))
	for _, a := range m.selected {
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SelectedUUIDs returns a fresh set of the selected UUIDs.
func (m *Model[A]) SelectedUUIDs() map[uuid.UUID]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]struct{}, len(m.selected))
	for id := range m.selected {
		out[id] = struct{}{}
	}
	return out
}

// ClearSelection empties the selection and clears the focus.
func (m *Model[A]) ClearSelection() {
	m.mu.Lock()
	var zero A
	m.selected = make(map[uuid.UUID]A)
	m.focus = zero
	m.hasFocus = false
	m.mu.Unlock()

	m.notify(Event[A]{Kind: SelectionCleared})
}
