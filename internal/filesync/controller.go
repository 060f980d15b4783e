// Package filesync keeps the file catalog in step with the storage gateway
// and rebuilds the directory tree after every applied change.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filedeck/filedeck/internal/catalog"
	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metrics"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/models"
	"github.com/filedeck/filedeck/pkg/protocol"
	"github.com/filedeck/filedeck/pkg/tree"
)

// Gateway is the remote file store.
type Gateway interface {
	ListFiles(ctx context.Context) ([]protocol.FilePayload, error)
	UploadFiles(ctx context.Context, files []client.UploadFile) ([]protocol.FilePayload, error)
	FetchContent(ctx context.Context, name string) ([]byte, error)
	DeleteFile(ctx context.Context, name string) error
}

// Notifier receives an event after every applied change.
type Notifier interface {
	Publish(event protocol.Event)
}

// PreviewCache stores fetched content by record key.
type PreviewCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte) error
	Evict(key string)
}

// Options tune the controller.
type Options struct {
	// RefreshAfterDelete re-lists the gateway after a successful delete so
	// the catalog matches the remote store exactly.
	RefreshAfterDelete bool
	// Cache, when set, serves repeated content fetches locally.
	Cache PreviewCache
	// Notifier, when set, is told about every applied change.
	Notifier Notifier
}

// DefaultOptions returns the options used by the service.
func DefaultOptions() Options {
	return Options{RefreshAfterDelete: true}
}

// Snapshot is the catalog view and the tree built from it, captured
// together.
type Snapshot struct {
	Forest     []*models.TreeNode
	Visible    []models.FileRecord
	Total      int
	SearchTerm string
	BuiltAt    time.Time
}

// Controller is the only writer of its catalog. Gateway calls run without
// holding any lock; a confirmed result is applied to the catalog and the
// tree is rebuilt under one lock, so readers never see a tree that
// disagrees with the catalog. Concurrent operations are not ordered
// against each other: the last one applied wins.
type Controller struct {
	gateway Gateway
	catalog *catalog.Catalog
	opts    Options

	mu       sync.RWMutex
	snapshot Snapshot

	inFlight atomic.Int32
}

// New creates a controller over cat. The catalog must not be mutated by
// anything else afterwards.
func New(gw Gateway, cat *catalog.Catalog, opts Options) *Controller {
	c := &Controller{
		gateway: gw,
		catalog: cat,
		opts:    opts,
	}
	c.apply(func() {})
	return c
}

// Refresh replaces the catalog with the gateway's full listing.
func (c *Controller) Refresh(ctx context.Context) error {
	start := time.Now()
	payloads, err := c.gateway.ListFiles(ctx)
	metrics.RecordGatewayRequest("list", time.Since(start))
	if err != nil {
		metrics.RecordSyncOperation("refresh", false)
		return fmt.Errorf("refresh: %w", err)
	}
	records, err := validate(payloads)
	if err != nil {
		metrics.RecordSyncOperation("refresh", false)
		return fmt.Errorf("refresh: %w", err)
	}

	snap := c.apply(func() {
		before := versions(c.catalog.All())
		c.catalog.Replace(records)
		c.evictChanged(before, versions(records))
	})
	metrics.RecordSyncOperation("refresh", true)
	logging.Debug("catalog refreshed", logging.Int("records", snap.Total))
	c.notify(protocol.Event{Type: protocol.EventRefresh, Count: len(records), Total: snap.Total})
	return nil
}

// Upload sends files to the gateway and appends the records it confirms.
// On failure the catalog is left untouched.
func (c *Controller) Upload(ctx context.Context, files []client.UploadFile) ([]models.FileRecord, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	start := time.Now()
	payloads, err := c.gateway.UploadFiles(ctx, files)
	metrics.RecordGatewayRequest("upload", time.Since(start))
	if err != nil {
		metrics.RecordSyncOperation("upload", false)
		return nil, fmt.Errorf("upload: %w", err)
	}
	records, err := validate(payloads)
	if err != nil {
		metrics.RecordSyncOperation("upload", false)
		logging.Warn("gateway stored an upload but its answer was rejected; catalog unchanged until next refresh",
			logging.Err(err))
		return nil, fmt.Errorf("upload: %w", err)
	}

	if c.opts.Cache != nil {
		for _, r := range records {
			c.opts.Cache.Evict(r.Key())
		}
	}
	snap := c.apply(func() { c.catalog.Append(records) })
	metrics.RecordSyncOperation("upload", true)
	c.notify(protocol.Event{Type: protocol.EventUpload, Count: len(records), Total: snap.Total})
	return records, nil
}

// Remove deletes name on the gateway and then from the catalog. A name the
// gateway no longer knows counts as deleted.
func (c *Controller) Remove(ctx context.Context, name string) error {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	start := time.Now()
	err := c.gateway.DeleteFile(ctx, name)
	metrics.RecordGatewayRequest("delete", time.Since(start))
	if err != nil {
		if !errors.Is(err, client.ErrNotFound) {
			metrics.RecordSyncOperation("remove", false)
			return fmt.Errorf("remove %q: %w", name, err)
		}
		logging.Warn("file already absent on gateway", logging.String("name", name))
	}

	if c.opts.Cache != nil {
		c.opts.Cache.Evict(name)
	}
	var removed int
	snap := c.apply(func() { removed = c.catalog.RemoveByName(name) })
	metrics.RecordSyncOperation("remove", true)
	c.notify(protocol.Event{Type: protocol.EventDelete, Key: name, Count: removed, Total: snap.Total})

	if c.opts.RefreshAfterDelete {
		if err := c.Refresh(ctx); err != nil {
			logging.Warn("refresh after delete failed", logging.String("name", name), logging.Err(err))
		}
	}
	return nil
}

// Search sets the search term and rebuilds the tree from the matching
// records.
func (c *Controller) Search(term string) Snapshot {
	snap := c.apply(func() { c.catalog.SetSearchTerm(term) })
	metrics.RecordSyncOperation("search", true)
	c.notify(protocol.Event{Type: protocol.EventSearch, Count: len(snap.Visible), Total: snap.Total})
	return snap
}

// Filter returns the records matching term without changing the search
// term.
func (c *Controller) Filter(term string) []models.FileRecord {
	return c.catalog.Filter(term)
}

// FetchContent returns the stored content for name, from the preview cache
// when possible.
func (c *Controller) FetchContent(ctx context.Context, name string) ([]byte, error) {
	// Names the catalog no longer holds are never served from the cache.
	cacheable := c.opts.Cache != nil && c.catalog.Contains(name)
	if c.opts.Cache != nil && !cacheable {
		c.opts.Cache.Evict(name)
	}
	if cacheable {
		if data, ok := c.opts.Cache.Get(name); ok {
			metrics.RecordPreviewCache(true)
			return data, nil
		}
		metrics.RecordPreviewCache(false)
	}

	start := time.Now()
	data, err := c.gateway.FetchContent(ctx, name)
	metrics.RecordGatewayRequest("fetch", time.Since(start))
	if err != nil {
		metrics.RecordContentDownload(0, false)
		return nil, fmt.Errorf("fetch %q: %w", name, err)
	}
	metrics.RecordContentDownload(int64(len(data)), true)

	if cacheable {
		if err := c.opts.Cache.Put(name, data); err != nil {
			logging.Warn("preview cache write failed", logging.String("name", name), logging.Err(err))
		}
	}
	return data, nil
}

// Snapshot returns the current tree and visible records. The forest is
// shared and must not be modified.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Tree returns the current forest. It must not be modified.
func (c *Controller) Tree() []*models.TreeNode {
	return c.Snapshot().Forest
}

// InFlight returns the number of uploads and removals awaiting the gateway.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

// Watch refreshes the catalog whenever the gateway reports a change, until
// events is closed or ctx is done. Events that queue up during a refresh
// collapse into one more refresh.
func (c *Controller) Watch(ctx context.Context, events <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logging.Debug("gateway change", logging.String("type", ev.Type), logging.String("key", ev.Key))
		drain:
			for {
				select {
				case _, ok := <-events:
					if !ok {
						break drain
					}
				default:
					break drain
				}
			}
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				logging.Warn("refresh after gateway change failed", logging.Err(err))
			}
		}
	}
}

// apply mutates the catalog and rebuilds the tree as one step.
func (c *Controller) apply(mutate func()) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	mutate()
	visible := c.catalog.Visible()

	start := time.Now()
	forest := tree.Rebuild(visible)
	metrics.RecordTreeRebuild(time.Since(start))

	c.snapshot = Snapshot{
		Forest:     forest,
		Visible:    visible,
		Total:      c.catalog.Len(),
		SearchTerm: c.catalog.SearchTerm(),
		BuiltAt:    time.Now(),
	}
	metrics.SetTreeNodes(tree.CountNodes(forest))
	metrics.SetCatalogSize(c.snapshot.Total, len(visible))
	return c.snapshot
}

// version identifies the content a key resolves to: the gateway serves the
// record with the lowest id.
type version struct {
	id           int64
	size         int64
	lastModified time.Time
}

func versions(records []models.FileRecord) map[string]version {
	out := make(map[string]version, len(records))
	for _, r := range records {
		id := int64(-1)
		if r.ID != nil {
			id = *r.ID
		}
		key := r.Key()
		if cur, ok := out[key]; ok && (id < 0 || (cur.id >= 0 && cur.id <= id)) {
			continue
		}
		out[key] = version{id: id, size: r.Size, lastModified: r.LastModified}
	}
	return out
}

// evictChanged drops cached content for keys that vanished or now resolve to
// a different record.
func (c *Controller) evictChanged(before, after map[string]version) {
	if c.opts.Cache == nil {
		return
	}
	for key, old := range before {
		cur, ok := after[key]
		if !ok || cur.id != old.id || cur.size != old.size || !cur.lastModified.Equal(old.lastModified) {
			c.opts.Cache.Evict(key)
		}
	}
}

func (c *Controller) notify(event protocol.Event) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Publish(event)
	}
}

// validate turns gateway payloads into records, rejecting the whole batch on
// the first bad payload.
func validate(payloads []protocol.FilePayload) ([]models.FileRecord, error) {
	records, err := protocol.ToRecords(payloads)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrMalformedResponse, err)
	}
	return records, nil
}
