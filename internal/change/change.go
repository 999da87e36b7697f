// Package change defines the immutable change record that describes one
// local entity mutation destined for the remote tally authority, plus the
// entity dependency ordering used to sequence pushes.
package change

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operation identifies the kind of mutation a record carries.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is an immutable description of one local mutation. Once created,
// Data, EntityType, EntityID and Operation never change; only RetryCount is
// advanced by the queue between push attempts.
type Record struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Operation  Operation         `json:"operation"`
	Data       map[string]string `json:"data"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count"`
}

// New creates a record with a fresh id and the current UTC timestamp.
func New(entityType, entityID string, op Operation, data map[string]string) Record {
	snapshot := make(map[string]string, len(data))
	for k, v := range data {
		snapshot[k] = v
	}
	return Record{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Data:       snapshot,
		Timestamp:  time.Now().UTC(),
	}
}

// WireSize returns the serialized payload size of the record in bytes, as it
// would appear inside a push request. Used by the batcher for size estimates.
func (r Record) WireSize() int {
	b, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return len(b)
}

// DependencyOrder is a fixed ordering of entity types reflecting foreign-key
// dependency chains. Types earlier in the slice must reach the server before
// types that reference them.
type DependencyOrder []string

// Rank returns the position of entityType in the order. Unknown types sort
// after every configured type so they never jump ahead of a known parent.
func (d DependencyOrder) Rank(entityType string) int {
	for i, t := range d {
		if t == entityType {
			return i
		}
	}
	return len(d)
}

// Sort orders records by dependency rank, then by creation timestamp
// ascending within each entity type. The sort is stable so records of the
// same type and timestamp keep their enqueue order.
func (d DependencyOrder) Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := d.Rank(records[i].EntityType), d.Rank(records[j].EntityType)
		if ri != rj {
			return ri < rj
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
