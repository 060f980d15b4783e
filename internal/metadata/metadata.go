// Package metadata defines the gateway's record store and an in-memory
// implementation used when no database is configured.
package metadata

import (
	"context"
	"errors"

	"github.com/filedeck/filedeck/pkg/models"
)

// ErrNotFound is returned when no record has the requested key.
var ErrNotFound = errors.New("record not found")

// Entry is a stored record plus the storage object holding its content.
type Entry struct {
	Record    models.FileRecord
	ObjectKey string
}

// Store persists file records.
type Store interface {
	// List returns every record ordered by id.
	List(ctx context.Context) ([]Entry, error)
	// Insert stores e and returns it with its assigned id.
	Insert(ctx context.Context, e Entry) (Entry, error)
	// FindByKey returns the oldest record whose key is name.
	FindByKey(ctx context.Context, name string) (Entry, error)
	// DeleteByKey removes every record whose key is name and returns them.
	DeleteByKey(ctx context.Context, name string) ([]Entry, error)
	Close() error
}
