package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Project(t *testing.T) {
	content := `
server:
  port: 9000
project:
  dataset: platy
  root: "s3://mobie/platybrowser/"
  images:
    - name: em
      zarr: "s3://mobie/platybrowser/images/em.ome.zarr"
  displays:
    - name: cells
      sources: [cells-labels]
      table: "s3://mobie/platybrowser/tables/cells/default.tsv"
      extra:
        - "s3://mobie/platybrowser/tables/cells/morphology.tsv"
    - name: genes
      kind: spots
      table: "s3://mobie/platybrowser/tables/genes/default.tsv.gz"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Project.DatasetJSON != "s3://mobie/platybrowser/dataset.json" {
		t.Errorf("unexpected dataset_json: %s", cfg.Project.DatasetJSON)
	}
	if cfg.Project.ViewsJSON != "s3://mobie/platybrowser/misc/views/views.json" {
		t.Errorf("unexpected views_json: %s", cfg.Project.ViewsJSON)
	}
	if len(cfg.Project.Displays) != 2 {
		t.Fatalf("expected 2 displays, got %d", len(cfg.Project.Displays))
	}
	if cfg.Project.Displays[0].Kind != "segments" || cfg.Project.Displays[1].Kind != "spots" {
		t.Errorf("unexpected kinds: %+v", cfg.Project.Displays)
	}
	if len(cfg.Project.Displays[0].Extra) != 1 {
		t.Errorf("extra tables lost: %+v", cfg.Project.Displays[0])
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg := loadFromString(t, `
server:
  port: 0
`)
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.ChunkCacheSizeMB != 256 {
		t.Errorf("expected default cache size 256, got %d", cfg.Cache.ChunkCacheSizeMB)
	}
	if cfg.Jobs.Retention().Hours() != 7*24 {
		t.Errorf("unexpected retention %v", cfg.Jobs.Retention())
	}
	if cfg.Project.ViewsJSON != DefaultConfig().Project.ViewsJSON {
		t.Errorf("unexpected views_json %s", cfg.Project.ViewsJSON)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Render.ScatterSize != 512 {
		t.Errorf("expected defaults, got %+v", cfg.Render)
	}
}

func TestLoad_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"duplicate display": `
project:
  displays:
    - {name: cells, table: a.tsv}
    - {name: cells, table: b.tsv}
`,
		"bad kind": `
project:
  displays:
    - {name: cells, kind: meshes, table: a.tsv}
`,
		"no table": `
project:
  displays:
    - {name: cells}
`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestSetLogger(t *testing.T) {
	if c := (LogConfig{}).SetLogger(); c != nil {
		t.Fatalf("empty file should keep stderr")
	}
	out := log.Writer()
	defer log.SetOutput(out)

	path := filepath.Join(t.TempDir(), "server.log")
	closer := LogConfig{File: path, MaxSizeMB: 1}.SetLogger()
	if closer == nil {
		t.Fatalf("expected a closer")
	}
	log.Printf("[Test] hello")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "[Test] hello") {
		t.Fatalf("log file = %q", data)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
