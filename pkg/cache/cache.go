// Package cache keeps fetched file previews on local disk, evicting the least
// recently used entries once the size budget is exceeded.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/filedeck/filedeck/pkg/models"
)

// Cache manages locally cached previews.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes

	mu      sync.Mutex
	entries map[string]*models.CacheEntry
	size    int64
}

// New creates a new cache rooted at dir.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*models.CacheEntry),
	}, nil
}

// fileName maps a record key to a flat, collision-free file name.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached content for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		c.drop(key, entry)
		return nil, false
	}
	entry.LastAccess = time.Now()
	return data, true
}

// Put stores content for key, replacing any previous entry. Content larger
// than the whole budget is not cached.
// Content is written atomically (temp file then rename).
func (c *Cache) Put(key string, data []byte) error {
	size := int64(len(data))
	if size > c.maxSize {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.drop(key, old)
	}
	for c.size+size > c.maxSize {
		if !c.evictOldest() {
			break
		}
	}

	localPath := filepath.Join(c.dir, fileName(key))
	tempPath := localPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write content: %w", err)
	}
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &models.CacheEntry{
		Key:        key,
		LocalPath:  localPath,
		Size:       size,
		LastAccess: time.Now(),
	}
	c.size += size
	return nil
}

// Evict removes key from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.drop(key, entry)
	}
}

// drop must be called with mu held.
func (c *Cache) drop(key string, entry *models.CacheEntry) {
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *models.CacheEntry
	for _, entry := range c.entries {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	c.drop(oldest.Key, oldest)
	return true
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// Clear removes every cached entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, entry := range c.entries {
		c.drop(key, entry)
		count++
	}
	return count
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}

// IsCached returns true if key is cached.
func (c *Cache) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
