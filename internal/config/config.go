// Package config handles configuration loading for the MoBIE-Tiles server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Project ProjectConfig `yaml:"project"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port               int      `yaml:"port"`
	Title              string   `yaml:"title"`
	CORSOrigins        []string `yaml:"cors_origins"`
	HTTPTimeoutSeconds int      `yaml:"http_timeout_seconds"`
}

// ProjectConfig describes the dataset being served.
type ProjectConfig struct {
	Dataset string `yaml:"dataset"`
	// Root is the dataset directory or bucket prefix.
	Root string `yaml:"root"`
	// DatasetJSON and ViewsJSON default to locations below Root.
	DatasetJSON string          `yaml:"dataset_json"`
	ViewsJSON   string          `yaml:"views_json"`
	Images      []ImageConfig   `yaml:"images"`
	Displays    []DisplayConfig `yaml:"displays"`
}

// ImageConfig names an OME-Zarr image source.
type ImageConfig struct {
	Name string `yaml:"name"`
	Zarr string `yaml:"zarr"`
}

// DisplayConfig is an annotation table opened at startup.
type DisplayConfig struct {
	Name string `yaml:"name"`
	// Kind is "segments" or "spots".
	Kind    string   `yaml:"kind"`
	Sources []string `yaml:"sources"`
	// Table is the locator of the default column chunk.
	Table string `yaml:"table"`
	// Extra lists column chunks that can be loaded later.
	Extra []string `yaml:"extra"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkCacheSizeMB int `yaml:"chunk_cache_size_mb"`
	ChunkTTLMinutes  int `yaml:"chunk_ttl_minutes"`
	MaxChunkSizeKB   int `yaml:"max_chunk_size_kb"`
	RangeCacheSize   int `yaml:"range_cache_size"`
}

// RenderConfig contains scatter plot rendering settings.
type RenderConfig struct {
	ScatterSize   int     `yaml:"scatter_size"`
	PointRadius   float64 `yaml:"point_radius"`
	PlotCacheSize int     `yaml:"plot_cache_size"`
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	MaxConcurrent        int    `yaml:"max_concurrent"`
	QueueSize            int    `yaml:"queue_size"`
	SQLitePath           string `yaml:"sqlite_path"`
	RetentionDays        int    `yaml:"retention_days"`
	CleanupPeriodMinutes int    `yaml:"cleanup_period_minutes"`
}

// Retention returns how long finished jobs are kept.
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// CleanupPeriod returns the interval between expired job sweeps.
func (j JobsConfig) CleanupPeriod() time.Duration {
	return time.Duration(j.CleanupPeriodMinutes) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			HTTPTimeoutSeconds: 30,
		},
		Project: ProjectConfig{
			Dataset:     "default",
			Root:        "./data/project",
			DatasetJSON: "./data/project/dataset.json",
			ViewsJSON:   "./data/project/misc/views/views.json",
		},
		Cache: CacheConfig{
			ChunkCacheSizeMB: 256,
			ChunkTTLMinutes:  10,
			MaxChunkSizeKB:   64 * 1024,
			RangeCacheSize:   4096,
		},
		Render: RenderConfig{
			ScatterSize:   512,
			PointRadius:   2,
			PlotCacheSize: 64,
		},
		Jobs: JobsConfig{
			MaxConcurrent:        2,
			QueueSize:            100,
			SQLitePath:           "./data/jobs.sqlite",
			RetentionDays:        7,
			CleanupPeriodMinutes: 60,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 28,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.HTTPTimeoutSeconds == 0 {
		cfg.Server.HTTPTimeoutSeconds = defaults.Server.HTTPTimeoutSeconds
	}
	if cfg.Project.Dataset == "" {
		cfg.Project.Dataset = defaults.Project.Dataset
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = defaults.Project.Root
		if cfg.Project.DatasetJSON == "" {
			cfg.Project.DatasetJSON = defaults.Project.DatasetJSON
		}
		if cfg.Project.ViewsJSON == "" {
			cfg.Project.ViewsJSON = defaults.Project.ViewsJSON
		}
	}
	if cfg.Project.DatasetJSON == "" {
		cfg.Project.DatasetJSON = joinLocator(cfg.Project.Root, "dataset.json")
	}
	if cfg.Project.ViewsJSON == "" {
		cfg.Project.ViewsJSON = joinLocator(cfg.Project.Root, "misc/views/views.json")
	}
	for i := range cfg.Project.Displays {
		if cfg.Project.Displays[i].Kind == "" {
			cfg.Project.Displays[i].Kind = "segments"
		}
	}
	if cfg.Cache.ChunkCacheSizeMB == 0 {
		cfg.Cache.ChunkCacheSizeMB = defaults.Cache.ChunkCacheSizeMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Cache.MaxChunkSizeKB == 0 {
		cfg.Cache.MaxChunkSizeKB = defaults.Cache.MaxChunkSizeKB
	}
	if cfg.Cache.RangeCacheSize == 0 {
		cfg.Cache.RangeCacheSize = defaults.Cache.RangeCacheSize
	}
	if cfg.Render.ScatterSize == 0 {
		cfg.Render.ScatterSize = defaults.Render.ScatterSize
	}
	if cfg.Render.PointRadius == 0 {
		cfg.Render.PointRadius = defaults.Render.PointRadius
	}
	if cfg.Render.PlotCacheSize == 0 {
		cfg.Render.PlotCacheSize = defaults.Render.PlotCacheSize
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.CleanupPeriodMinutes == 0 {
		cfg.Jobs.CleanupPeriodMinutes = defaults.Jobs.CleanupPeriodMinutes
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}
}

func (cfg *Config) validate() error {
	seen := make(map[string]bool)
	for _, d := range cfg.Project.Displays {
		if d.Name == "" {
			return fmt.Errorf("display without name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate display %q", d.Name)
		}
		seen[d.Name] = true
		if d.Kind != "segments" && d.Kind != "spots" {
			return fmt.Errorf("display %q: unknown kind %q", d.Name, d.Kind)
		}
		if d.Table == "" {
			return fmt.Errorf("display %q: no table", d.Name)
		}
	}
	for _, img := range cfg.Project.Images {
		if img.Name == "" || img.Zarr == "" {
			return fmt.Errorf("image entries need name and zarr")
		}
	}
	return nil
}

func joinLocator(root, rel string) string {
	if root == "" {
		return rel
	}
	if root[len(root)-1] == '/' {
		return root + rel
	}
	return root + "/" + rel
}
