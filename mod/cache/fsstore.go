package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FSStore implements CacheStore using the filesystem. Each entry is a
// .data file holding the body and a .meta sidecar holding everything else.
type FSStore struct {
	rootDir    string
	shardDepth int
	mu         sync.RWMutex
}

// fsMeta is the sidecar written next to the body
type fsMeta struct {
	Version    int         `json:"v"`
	Key        string      `json:"key"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Encoding   string      `json:"encoding,omitempty"`
	CachedAt   time.Time   `json:"cached_at"`
	Size       int64       `json:"size"`
}

// NewFSStore creates a new filesystem-based cache store
func NewFSStore(rootDir string, shardDepth int) (*FSStore, error) {
	if shardDepth < 0 || shardDepth > 4 {
		shardDepth = 2 // Default to 2-level sharding
	}

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FSStore{
		rootDir:    rootDir,
		shardDepth: shardDepth,
	}, nil
}

// Get retrieves a cached entry from the filesystem
func (fs *FSStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	hashed := HashKey(key)
	dataPath := fs.getDataPath(hashed)
	metaPath := fs.getMetaPath(hashed)

	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		return nil, false, nil
	}

	meta, err := fs.readMeta(metaPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read metadata: %w", err)
	}

	body, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	header := meta.Header
	if header == nil {
		header = make(http.Header)
	}

	return &Entry{
		Key:        meta.Key,
		StatusCode: meta.StatusCode,
		Header:     header,
		Body:       body,
		Encoding:   meta.Encoding,
		CachedAt:   meta.CachedAt,
	}, true, nil
}

// Put stores an entry in the filesystem cache
func (fs *FSStore) Put(ctx context.Context, key string, entry *Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	hashed := HashKey(key)
	dataPath := fs.getDataPath(hashed)
	metaPath := fs.getMetaPath(hashed)

	dir := filepath.Dir(dataPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write data to temporary file first (atomic write)
	tmpDataPath := dataPath + ".tmp"
	if err := os.WriteFile(tmpDataPath, entry.Body, 0644); err != nil {
		os.Remove(tmpDataPath)
		return fmt.Errorf("failed to write cache data: %w", err)
	}
	defer os.Remove(tmpDataPath)

	meta := &fsMeta{
		Version:    entryFormatVersion,
		Key:        key,
		StatusCode: entry.StatusCode,
		Header:     entry.Header,
		Encoding:   entry.Encoding,
		CachedAt:   entry.CachedAt,
		Size:       int64(len(entry.Body)),
	}
	if err := fs.writeMeta(metaPath, meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := os.Rename(tmpDataPath, dataPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Delete removes a cached entry from the filesystem
func (fs *FSStore) Delete(ctx context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.deleteHashed(HashKey(key))
	return nil
}

func (fs *FSStore) deleteHashed(hashed string) {
	// Remove both files, ignore errors if files don't exist
	os.Remove(fs.getDataPath(hashed))
	os.Remove(fs.getMetaPath(hashed))
}

// PurgePrefix removes all cache entries whose original key starts with the
// prefix. Keys are hashed on disk, so the sidecars are read to match.
func (fs *FSStore) PurgePrefix(ctx context.Context, prefix string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return filepath.Walk(fs.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Continue on errors
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}

		hashed := strings.TrimSuffix(filepath.Base(path), ".meta")
		if prefix == "" {
			fs.deleteHashed(hashed)
			return nil
		}

		meta, err := fs.readMeta(path)
		if err != nil {
			// Unreadable sidecar, the entry is useless anyway
			fs.deleteHashed(hashed)
			return nil
		}
		if strings.HasPrefix(meta.Key, prefix) {
			fs.deleteHashed(hashed)
		}
		return nil
	})
}

// Close cleanly shuts down the filesystem store
func (fs *FSStore) Close() error {
	return nil
}

// getDataPath returns the filesystem path for cached data
func (fs *FSStore) getDataPath(hashed string) string {
	return fs.getShardedPath(hashed, ".data")
}

// getMetaPath returns the filesystem path for metadata
func (fs *FSStore) getMetaPath(hashed string) string {
	return fs.getShardedPath(hashed, ".meta")
}

// getShardedPath creates a sharded directory path from a hashed key
func (fs *FSStore) getShardedPath(hashed string, suffix string) string {
	if fs.shardDepth == 0 {
		return filepath.Join(fs.rootDir, hashed+suffix)
	}

	var shardParts []string
	for i := 0; i < fs.shardDepth && i*2+2 <= len(hashed); i++ {
		shardParts = append(shardParts, hashed[i*2:i*2+2])
	}

	path := filepath.Join(fs.rootDir, filepath.Join(shardParts...))
	return filepath.Join(path, hashed+suffix)
}

// readMeta reads metadata from a file
func (fs *FSStore) readMeta(path string) (*fsMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta fsMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Version != entryFormatVersion {
		return nil, fmt.Errorf("unsupported cache metadata version %d", meta.Version)
	}

	return &meta, nil
}

// writeMeta writes metadata to a file
func (fs *FSStore) writeMeta(path string, meta *fsMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
