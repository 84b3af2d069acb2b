// Package storage resolves table and view locators to bytes.
//
// Supported locators:
//
//	mem://<bucket>/<key>     in-process buckets (tests, scratch views)
//	file:///abs/path, /path  local files
//	s3://<bucket>/<key>      gocloud s3blob
//	gs://<bucket>/<key>      gocloud gcsblob
//	http(s)://...            read-only remote files
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/mobie-tiles/server/internal/cache"
)

var (
	// ErrNotFound is returned when a locator names nothing.
	ErrNotFound = errors.New("not found")
	// ErrRemoteIO is returned when a remote read or write fails, or when
	// writing to a read-only location.
	ErrRemoteIO = errors.New("remote io error")
)

// Config contains fetcher settings.
type Config struct {
	HTTPTimeout time.Duration
}

// Fetcher reads and writes locator contents. Reads are cached when a cache
// manager is attached; writes refresh the cached copy.
type Fetcher struct {
	cache  *cache.Manager
	client *http.Client

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewFetcher creates a fetcher. cacheMgr may be nil.
func NewFetcher(cfg Config, cacheMgr *cache.Manager) *Fetcher {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Fetcher{
		cache:   cacheMgr,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		buckets: make(map[string]*blob.Bucket),
	}
}

// CleanLocator normalizes local paths so that equal files compare equal.
// Remote and bucket locators are returned unchanged.
func CleanLocator(locator string) string {
	if strings.Contains(locator, "://") {
		if strings.HasPrefix(locator, "file://") {
			return "file://" + filepath.Clean(strings.TrimPrefix(locator, "file://"))
		}
		return locator
	}
	return filepath.Clean(locator)
}

// IsRemote reports whether the locator is only reachable over HTTP.
func IsRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

// Fetch returns the bytes named by locator.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	locator = CleanLocator(locator)
	var key string
	if f.cache != nil {
		key = cache.ChunkKey(locator)
		if data, ok := f.cache.GetChunk(key); ok {
			return data, nil
		}
	}

	var data []byte
	var err error
	if IsRemote(locator) {
		data, err = f.fetchHTTP(ctx, locator)
	} else {
		data, err = f.fetchBlob(ctx, locator)
	}
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.SetChunk(key, data); err != nil {
			log.Printf("[Storage] not caching %s (%s): %v", locator, humanize.Bytes(uint64(len(data))), err)
		}
	}
	return data, nil
}

// Exists reports whether locator names an existing object.
func (f *Fetcher) Exists(ctx context.Context, locator string) (bool, error) {
	locator = CleanLocator(locator)
	if IsRemote(locator) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrRemoteIO, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("%w: head %s: %v", ErrRemoteIO, locator, err)
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	}
	bucket, key, err := f.open(ctx, locator, false)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, err := bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrRemoteIO, locator, err)
	}
	return ok, nil
}

// Write stores data at locator. The object is replaced atomically: the
// blob writer only commits on a successful close.
func (f *Fetcher) Write(ctx context.Context, locator string, data []byte) error {
	locator = CleanLocator(locator)
	if IsRemote(locator) {
		return fmt.Errorf("%w: %s is read-only", ErrRemoteIO, locator)
	}
	bucket, key, err := f.open(ctx, locator, true)
	if err != nil {
		return err
	}
	if err := bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrRemoteIO, locator, err)
	}
	if f.cache != nil {
		if err := f.cache.SetChunk(cache.ChunkKey(locator), data); err != nil {
			f.cache.DeleteChunk(cache.ChunkKey(locator))
		}
	}
	log.Printf("[Storage] wrote %s (%s)", locator, humanize.Bytes(uint64(len(data))))
	return nil
}

// Close releases every opened bucket.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for name, b := range f.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
	}
	f.buckets = make(map[string]*blob.Bucket)
	return errors.Join(errs...)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteIO, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrRemoteIO, locator, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: get %s: status %d", ErrRemoteIO, locator, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRemoteIO, locator, err)
	}
	return data, nil
}

func (f *Fetcher) fetchBlob(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := f.open(ctx, locator, false)
	if err != nil {
		return nil, err
	}
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrRemoteIO, locator, err)
	}
	return data, nil
}

// open returns the bucket holding locator and the key inside it.
func (f *Fetcher) open(ctx context.Context, locator string, forWrite bool) (*blob.Bucket, string, error) {
	bucketURL, key, err := splitLocator(locator)
	if err != nil {
		return nil, "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.buckets[bucketURL]; ok {
		return b, key, nil
	}

	var b *blob.Bucket
	switch {
	case strings.HasPrefix(bucketURL, "mem://"):
		b = memblob.OpenBucket(nil)
	case strings.HasPrefix(bucketURL, "file://"):
		dir := strings.TrimPrefix(bucketURL, "file://")
		if forWrite {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", fmt.Errorf("create directory %s: %w", dir, err)
			}
		} else if !dirExists(dir) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		b, err = fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, "", fmt.Errorf("open directory %s: %w", dir, err)
		}
	default:
		b, err = blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, "", fmt.Errorf("%w: open bucket %s: %v", ErrRemoteIO, bucketURL, err)
		}
	}
	f.buckets[bucketURL] = b
	return b, key, nil
}

// splitLocator maps a locator to (bucket url, key). Local files are opened
// as a bucket on their parent directory.
func splitLocator(locator string) (string, string, error) {
	if locator == "" {
		return "", "", fmt.Errorf("%w: empty locator", ErrNotFound)
	}
	i := strings.Index(locator, "://")
	if i < 0 || strings.HasPrefix(locator, "file://") {
		path := strings.TrimPrefix(locator, "file://")
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", "", fmt.Errorf("resolve %s: %w", path, err)
		}
		return "file://" + filepath.Dir(abs), filepath.Base(abs), nil
	}

	scheme, rest := locator[:i], locator[i+3:]
	j := strings.Index(rest, "/")
	if j <= 0 || j == len(rest)-1 {
		return "", "", fmt.Errorf("%w: locator %s has no object key", ErrNotFound, locator)
	}
	return scheme + "://" + rest[:j], rest[j+1:], nil
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
