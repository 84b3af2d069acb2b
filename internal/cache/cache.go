// Package cache provides caching for fetched table chunks and column ranges.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	MaxChunkSizeKB   int
	RangeCacheSize   int
}

// Range is a cached (min, max) pair of a numeric column. Gen identifies the
// column version the range was computed from.
type Range struct {
	Min float64
	Max float64
	Gen uint64
}

// Manager manages chunk and range caches.
type Manager struct {
	chunkCache *bigcache.BigCache
	rangeCache *lru.Cache[string, Range]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxChunkSizeKB <= 0 {
		cfg.MaxChunkSizeKB = 4 * 1024
	}
	if cfg.RangeCacheSize <= 0 {
		cfg.RangeCacheSize = 1000
	}

	chunkCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       cfg.MaxChunkSizeKB * 1024,
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunkCache, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	rangeCache, err := lru.New[string, Range](cfg.RangeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create range cache: %w", err)
	}

	return &Manager{
		chunkCache: chunkCache,
		rangeCache: rangeCache,
	}, nil
}

// GetChunk retrieves fetched chunk bytes from cache.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	data, err := m.chunkCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores fetched chunk bytes in cache.
func (m *Manager) SetChunk(key string, data []byte) error {
	return m.chunkCache.Set(key, data)
}

// DeleteChunk drops a cached chunk.
func (m *Manager) DeleteChunk(key string) {
	_ = m.chunkCache.Delete(key)
}

// GetRange retrieves a column range from cache.
func (m *Manager) GetRange(key string) (Range, bool) {
	return m.rangeCache.Get(key)
}

// SetRange stores a column range in cache.
func (m *Manager) SetRange(key string, r Range) {
	m.rangeCache.Add(key, r)
}

// InvalidateRange drops a cached column range.
func (m *Manager) InvalidateRange(key string) {
	m.rangeCache.Remove(key)
}

// ChunkKey generates a cache key for a table chunk locator.
func ChunkKey(locator string) string {
	h := sha256.Sum256([]byte(locator))
	return "chunk:" + hex.EncodeToString(h[:])[:32]
}

// RangeKey generates a cache key for a column range of a table.
func RangeKey(tableID, column string) string {
	return fmt.Sprintf("range:%s:%s", tableID, column)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"chunk_cache_len": m.chunkCache.Len(),
		"chunk_cache_cap": m.chunkCache.Capacity(),
		"range_cache_len": m.rangeCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.chunkCache.Close()
}
