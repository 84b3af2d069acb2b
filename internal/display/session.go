package display

import (
	"sync"

	"github.com/mobie-tiles/server/internal/annotation"
	"github.com/mobie-tiles/server/internal/selection"
)

// SelectionMode decides what a row click does in a table session.
type SelectionMode int

const (
	ModeNone SelectionMode = iota
	ModeFocusOnly
	ModeToggleAndFocus
)

func (m SelectionMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeFocusOnly:
		return "focus_only"
	default:
		return "toggle_and_focus"
	}
}

// TableSession is the state of one table view of a display. Several
// sessions can look at the same display independently.
type TableSession struct {
	display *AnnotationDisplay

	mu        sync.Mutex
	mode      SelectionMode
	recentRow int
	scrollTo  func(row int)
	token     selection.Token
}

// NewTableSession opens a table view on d. scrollTo, if not nil, is called
// when the focus moves to a row other than the one last clicked.
func NewTableSession(d *AnnotationDisplay, scrollTo func(row int)) *TableSession {
	s := &TableSession{display: d, mode: ModeFocusOnly, recentRow: -1, scrollTo: scrollTo}
	s.token = d.Selection.Subscribe(s.onSelection)
	return s
}

// Close stops following the display's focus.
func (s *TableSession) Close() {
	s.display.Selection.Unsubscribe(s.token)
}

// Mode returns the selection mode.
func (s *TableSession) Mode() SelectionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode sets the selection mode. ModeNone ignores clicks.
func (s *TableSession) SetMode(m SelectionMode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// RecentRow returns the last clicked row, or -1.
func (s *TableSession) RecentRow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentRow
}

// ClickRow handles a click on row. A plain click focuses the row; a click
// with toggle flips its membership and focuses it if it became selected.
// Clicking the last clicked row again does nothing.
func (s *TableSession) ClickRow(row int, toggle bool) error {
	s.mu.Lock()
	if s.mode == ModeNone || row == s.recentRow {
		s.mu.Unlock()
		return nil
	}
	s.recentRow = row
	if toggle {
		s.mode = ModeToggleAndFocus
	} else {
		s.mode = ModeFocusOnly
	}
	mode := s.mode
	s.mu.Unlock()

	a, err := s.display.tbl.Row(row)
	if err != nil {
		return err
	}
	sel := s.display.Selection
	if mode == ModeFocusOnly {
		return sel.Focus(a, s)
	}
	sel.Toggle(a)
	if sel.IsSelected(a) {
		return sel.Focus(a, s)
	}
	return nil
}

func (s *TableSession) onSelection(e selection.Event[annotation.Annotation]) {
	if e.Kind != selection.FocusChanged || e.Originator == s {
		return
	}
	row, ok := s.display.tbl.IndexOf(e.Annotation)
	if !ok {
		return
	}
	s.mu.Lock()
	same := row == s.recentRow
	s.mu.Unlock()
	if !same && s.scrollTo != nil {
		s.scrollTo(row)
	}
}
