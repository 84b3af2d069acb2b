// Package main is the entry point for the MoBIE-Tiles server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobie-tiles/server/internal/api"
	"github.com/mobie-tiles/server/internal/cache"
	"github.com/mobie-tiles/server/internal/config"
	"github.com/mobie-tiles/server/internal/data/zarr"
	"github.com/mobie-tiles/server/internal/jobs"
	"github.com/mobie-tiles/server/internal/modelthread"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/render"
	"github.com/mobie-tiles/server/internal/service"
	"github.com/mobie-tiles/server/internal/storage"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if closer := cfg.Log.SetLogger(); closer != nil {
		defer closer.Close()
	}

	log.Printf("Starting MoBIE-Tiles server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB: cfg.Cache.ChunkCacheSizeMB,
		ChunkTTL:         time.Duration(cfg.Cache.ChunkTTLMinutes) * time.Minute,
		MaxChunkSizeKB:   cfg.Cache.MaxChunkSizeKB,
		RangeCacheSize:   cfg.Cache.RangeCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	fetcher := storage.NewFetcher(storage.Config{
		HTTPTimeout: time.Duration(cfg.Server.HTTPTimeoutSeconds) * time.Second,
	}, cacheManager)
	defer fetcher.Close()

	// Initialize image reader
	zarrReader, err := zarr.NewReader(fetcher, cfg.Cache.RangeCacheSize)
	if err != nil {
		log.Fatalf("Failed to initialize Zarr reader: %v", err)
	}
	defer zarrReader.Close()
	for _, img := range cfg.Project.Images {
		zarrReader.Register(img.Name, img.Zarr)
		log.Printf("  [%s] image source: %s", img.Name, img.Zarr)
	}

	proj, err := project.New(cfg.Project, project.Options{
		Fetcher: fetcher,
		Ranges:  cacheManager,
		Images:  zarrReader,
	})
	if err != nil {
		log.Fatalf("Failed to initialize project: %v", err)
	}

	log.Printf("Opening %d display(s) of dataset %s", len(cfg.Project.Displays), cfg.Project.Dataset)
	if err := proj.OpenConfigured(ctx); err != nil {
		log.Fatalf("Failed to open displays: %v", err)
	}

	// All model mutations run on this loop
	loop := modelthread.New(256)
	defer loop.Stop()

	// Initialize job manager (SQLite persistence)
	jobManager, err := jobs.NewManager(jobs.Config{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		SQLitePath:    cfg.Jobs.SQLitePath,
		Retention:     cfg.Jobs.Retention(),
		CleanupPeriod: cfg.Jobs.CleanupPeriod(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	proj.RegisterJobs(jobManager, loop)
	jobManager.Start()
	defer jobManager.Stop()

	plotService, err := service.NewPlotService(service.PlotServiceConfig{
		Renderer: render.NewScatterRenderer(render.Config{
			Size:        cfg.Render.ScatterSize,
			PointRadius: cfg.Render.PointRadius,
		}),
		CacheSize: cfg.Render.PlotCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize plot service: %v", err)
	}

	registry := api.NewRegistry(api.RegistryConfig{
		Project: proj,
		Loop:    loop,
		Jobs:    jobManager,
		Plots:   plotService,
		Labels:  zarrReader,
		Title:   cfg.Server.Title,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
