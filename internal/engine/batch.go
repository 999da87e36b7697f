package engine

import "github.com/tallyops/tallysync/internal/change"

// splitBatches partitions records into batches whose estimated serialized
// size stays at or under maxBytes, preserving input order exactly. Batch
// boundaries must not reorder records: the input is already dependency
// ordered and batches are pushed sequentially. A record larger than
// maxBytes forms a batch of its own; no batch is ever empty and no record
// is ever dropped.
func splitBatches(records []change.Record, maxBytes int) [][]change.Record {
	if len(records) == 0 {
		return nil
	}

	var batches [][]change.Record
	var current []change.Record
	currentSize := 0

	for _, rec := range records {
		size := rec.WireSize()
		if len(current) > 0 && currentSize+size > maxBytes {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}
		current = append(current, rec)
		currentSize += size
	}
	return append(batches, current)
}
