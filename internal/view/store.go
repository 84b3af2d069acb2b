package view

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mobie-tiles/server/internal/storage"
)

//go:embed views.schema.json
var schemaJSON string

// DocumentKind selects the document a view is saved to.
type DocumentKind int

const (
	// DatasetJSON is the dataset manifest; it must exist.
	DatasetJSON DocumentKind = iota
	// ViewsJSON is a supplementary views file, created on first save.
	ViewsJSON
)

func (k DocumentKind) String() string {
	if k == DatasetJSON {
		return "dataset.json"
	}
	return "views.json"
}

// Fetcher reads and writes documents; *storage.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
	Write(ctx context.Context, locator string, data []byte) error
}

// Store loads and saves view documents.
type Store struct {
	fetcher Fetcher
	schema  *jsonschema.Schema

	// serializes read-modify-write of documents
	mu sync.Mutex
}

// NewStore creates a store over f.
func NewStore(f Fetcher) (*Store, error) {
	sch, err := jsonschema.CompileString("views.schema.json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile views schema: %w", err)
	}
	return &Store{fetcher: f, schema: sch}, nil
}

// Validate checks raw JSON against the views schema.
func (s *Store) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("invalid views document: %w", err)
	}
	return nil
}

func newDocument(kind DocumentKind) Document {
	if kind == DatasetJSON {
		return &DatasetDocument{}
	}
	return &AdditionalViews{}
}

// Load reads and validates the document at locator.
func (s *Store) Load(ctx context.Context, kind DocumentKind, locator string) (Document, error) {
	data, err := s.fetcher.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, locator, err)
	}
	return s.decode(kind, locator, data)
}

func (s *Store) decode(kind DocumentKind, locator string, data []byte) (Document, error) {
	if err := s.Validate(data); err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, locator, err)
	}
	doc := newDocument(kind)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, locator, err)
	}
	return doc, nil
}

// Save stores v under name in the document at locator. An existing view of
// that name is only replaced when overwrite is set; otherwise
// ErrViewNameCollision is returned and the document is not written. A
// missing views.json is created; a missing dataset.json is an error.
func (s *Store) Save(ctx context.Context, kind DocumentKind, locator, name string, v View, overwrite bool) error {
	name, err := TidyName(name)
	if err != nil {
		return err
	}
	if v.ViewerTransform != nil {
		if err := v.ViewerTransform.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Load(ctx, kind, locator)
	switch {
	case err == nil:
	case kind == ViewsJSON && errors.Is(err, storage.ErrNotFound):
		doc = newDocument(kind)
	default:
		return err
	}

	if _, exists := doc.Views()[name]; exists && !overwrite {
		return fmt.Errorf("%w: %q in %s", ErrViewNameCollision, name, locator)
	}
	doc.SetView(name, v)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := s.Validate(data); err != nil {
		return err
	}
	if err := s.fetcher.Write(ctx, locator, data); err != nil {
		return fmt.Errorf("write %s %s: %w", kind, locator, err)
	}
	log.Printf("[Views] saved view %q to %s", name, locator)
	return nil
}
