package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestMemRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFetcher(Config{}, nil)
	t.Cleanup(func() { f.Close() })

	if err := f.Write(ctx, "mem://views/extra.json", []byte(`{"views":{}}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := f.Fetch(ctx, "mem://views/extra.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != `{"views":{}}` {
		t.Fatalf("unexpected content %q", got)
	}

	ok, err := f.Exists(ctx, "mem://views/missing.json")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}
	if _, err := f.Fetch(ctx, "mem://views/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "default.tsv")
	if err := os.WriteFile(path, []byte("label_id\tarea\n1\t10\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	f := NewFetcher(Config{}, nil)
	t.Cleanup(func() { f.Close() })

	t.Run("plain path", func(t *testing.T) {
		got, err := f.Fetch(ctx, path)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if string(got) != "label_id\tarea\n1\t10\n" {
			t.Fatalf("unexpected content %q", got)
		}
	})

	t.Run("file url", func(t *testing.T) {
		if _, err := f.Fetch(ctx, "file://"+path); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := f.Fetch(ctx, filepath.Join(dir, "nope", "x.tsv"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("write creates directory", func(t *testing.T) {
		target := filepath.Join(dir, "misc", "views", "more.json")
		if err := f.Write(ctx, target, []byte("{}")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, err := os.Stat(target); err != nil {
			t.Fatalf("expected file on disk: %v", err)
		}
	})
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/table.tsv":
			w.Write([]byte("spot_id\tx\ty\n"))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	f := NewFetcher(Config{}, nil)

	if got, err := f.Fetch(ctx, srv.URL+"/table.tsv"); err != nil || string(got) != "spot_id\tx\ty\n" {
		t.Fatalf("Fetch = %q, %v", got, err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/broken"); !errors.Is(err, ErrRemoteIO) {
		t.Fatalf("expected ErrRemoteIO, got %v", err)
	}
	if err := f.Write(ctx, srv.URL+"/views.json", []byte("{}")); !errors.Is(err, ErrRemoteIO) {
		t.Fatalf("expected ErrRemoteIO for http write, got %v", err)
	}
}

func TestCleanLocator(t *testing.T) {
	cases := map[string]string{
		"/data/./tables/../tables/a.tsv": "/data/tables/a.tsv",
		"file:///data//a.tsv":            "file:///data/a.tsv",
		"s3://bucket/a//b.tsv":           "s3://bucket/a//b.tsv",
	}
	for in, want := range cases {
		if got := CleanLocator(in); got != want {
			t.Errorf("CleanLocator(%q) = %q, want %q", in, got, want)
		}
	}
}
