// Package entity provides the local side of the sync engine's apply path: a
// registry mapping entity-type tags to adapters that can look up, insert,
// update and soft-delete the corresponding rows in the local tally database,
// plus the best-effort audit log.
package entity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for the given id.
	ErrNotFound = errors.New("entity: not found")
	// ErrAlreadyDeleted is returned when soft-deleting a tombstoned row.
	ErrAlreadyDeleted = errors.New("entity: already deleted")
)

// Entity is a local row in sync terms: its id, field values in serialized
// form, and the last local modification time (nil when never modified since
// creation from a remote snapshot without one).
type Entity struct {
	ID        string
	Fields    map[string]string
	UpdatedAt *time.Time
	Deleted   bool
}

// Adapter bridges one entity type to its local persistence. Implementations
// interpret field values from their serialized string form.
type Adapter interface {
	// Type returns the entity-type tag the adapter serves.
	Type() string
	// Lookup fetches a row by id. Returns ErrNotFound when absent.
	Lookup(ctx context.Context, id string) (*Entity, error)
	// Insert creates a new row from the given field snapshot.
	Insert(ctx context.Context, id string, fields map[string]string) error
	// Update overwrites the given fields on an existing row.
	Update(ctx context.Context, id string, fields map[string]string) error
	// SoftDelete tombstones a row, recording who deleted it. Returns
	// ErrNotFound or ErrAlreadyDeleted accordingly.
	SoftDelete(ctx context.Context, id, deletedBy string) error
}

// Registry is an explicit strategy table from entity-type tag to adapter,
// populated once at startup. No reflection, no dynamic class lookup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its type tag, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Adapter returns the adapter for the tag, or ok=false for unknown types.
func (r *Registry) Adapter(entityType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[entityType]
	return a, ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
