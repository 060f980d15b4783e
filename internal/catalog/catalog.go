// Package catalog holds the authoritative list of known file records and the
// search-filtered view derived from it.
//
// A Catalog is created once per process and handed to its single owner, the
// sync controller. Nothing else mutates it.
package catalog

import (
	"strings"
	"sync"

	"github.com/filedeck/filedeck/pkg/models"
)

// Catalog is the file-state source shared by the service. The visible set is
// always recomputed from all records and the search term, never edited on its
// own.
type Catalog struct {
	mu      sync.RWMutex
	all     []models.FileRecord
	visible []models.FileRecord
	term    string
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		all:     []models.FileRecord{},
		visible: []models.FileRecord{},
	}
}

// Replace sets the full record list, as after a fresh listing.
func (c *Catalog) Replace(records []models.FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = cloneRecords(records)
	c.recompute()
}

// Append adds records to the end of the list, as after an upload.
func (c *Catalog) Append(records []models.FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, cloneRecords(records)...)
	c.recompute()
}

// RemoveByName drops every record whose key equals name and returns how many
// were removed.
func (c *Catalog) RemoveByName(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := make([]models.FileRecord, 0, len(c.all))
	for _, r := range c.all {
		if r.Key() != name {
			kept = append(kept, r)
		}
	}
	removed := len(c.all) - len(kept)
	c.all = kept
	c.recompute()
	return removed
}

// SetSearchTerm stores the active search term and refilters.
func (c *Catalog) SetSearchTerm(term string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = term
	c.recompute()
}

// SearchTerm returns the active search term.
func (c *Catalog) SearchTerm() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.term
}

// All returns a copy of every known record.
func (c *Catalog) All() []models.FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecords(c.all)
}

// Filter returns a copy of the records matching term, leaving the stored
// search term alone. An empty term matches everything.
func (c *Catalog) Filter(term string) []models.FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if term == "" {
		return cloneRecords(c.all)
	}
	return cloneRecords(filter(c.all, term))
}

// Visible returns a copy of the records matching the search term.
func (c *Catalog) Visible() []models.FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecords(c.visible)
}

// Len returns the number of known records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.all)
}

// Contains reports whether any record is keyed by name.
func (c *Catalog) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.all {
		if r.Key() == name {
			return true
		}
	}
	return false
}

// recompute must be called with mu held.
func (c *Catalog) recompute() {
	if c.term == "" {
		c.visible = c.all
		return
	}
	c.visible = filter(c.all, c.term)
}

// filter returns the records whose path contains term, ignoring case.
func filter(records []models.FileRecord, term string) []models.FileRecord {
	needle := strings.ToLower(term)
	out := make([]models.FileRecord, 0, len(records))
	for _, r := range records {
		if matches(r, needle) {
			out = append(out, r)
		}
	}
	return out
}

// matches reports whether r's path contains the lower-cased needle. Records
// without a path never match.
func matches(r models.FileRecord, needle string) bool {
	if r.Path == "" {
		return false
	}
	return strings.Contains(strings.ToLower(r.Path), needle)
}

// cloneRecords copies records, dropping content and detaching ids.
func cloneRecords(records []models.FileRecord) []models.FileRecord {
	out := make([]models.FileRecord, len(records))
	for i, r := range records {
		r.Content = nil
		if r.ID != nil {
			id := *r.ID
			r.ID = &id
		}
		out[i] = r
	}
	return out
}
