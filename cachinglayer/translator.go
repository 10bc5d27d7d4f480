// Package cachinglayer implements the tiered-storage caching core: a
// concurrent, pin-aware, LRU-governed cache mapping logical ids to
// materialized cells loaded on demand through a pluggable Translator, while
// bounding resident memory and disk usage process-wide.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import "context"

// StorageType is informational: it tells a CacheSlot which ResourceBudget
// kind a cell's bytes should be charged against.
type StorageType int

const (
	StorageMemory StorageType = iota
	StorageFileMmap
	StorageFile
)

func (t StorageType) String() string {
	switch t {
	case StorageMemory:
		return "memory"
	case StorageFileMmap:
		return "file-mmap"
	case StorageFile:
		return "file"
	default:
		return "unknown"
	}
}

// Payload is the opaque value a ListNode owns once LOADED. The column/chunk
// object model above this cache supplies concrete implementations; this
// package never inspects the content.
type Payload interface {
	// SizeBytes reports accounted memory and disk bytes for this payload.
	// Consulted when a loaded payload is installed, to replace the
	// translator's pre-load estimate.
	SizeBytes() (memoryBytes, diskBytes int64)
}

// CellResult is one entry of a GetCells response.
type CellResult struct {
	CID     int
	Payload Payload
}

// Translator is implemented by external collaborators (remote object
// storage, parquet readers, Tantivy bundle readers, ...) and consumed by
// CacheSlot. It is the cache's only extension point for where bytes come
// from.
type Translator interface {
	// Key identifies the dataset; used in error messages and logs.
	Key() string
	// NumCells is the fixed cell count for this dataset.
	NumCells() int
	// CellIDOf maps a caller-facing uid to a dense cid. Implementations
	// must be total functions over int64; returning a cid outside
	// [0, NumCells()) is reported back to the caller as ErrInvalidCellID,
	// it must never panic.
	CellIDOf(uid int64) (cid int, err error)
	// EstimatedByteSizeOfCell is a pre-load estimate used for reservation,
	// before the real payload size is known.
	EstimatedByteSizeOfCell(cid int) (memoryBytes, diskBytes int64)
	// StorageType selects which ResourceBudget kind this dataset's cells
	// are charged against.
	StorageType() StorageType
	// GetCells loads a batch of cells. It may return a superset of cids
	// (opportunistic adjacent cells); it must never return a result for a
	// cid whose load the caller did not ask for AND that the caller cannot
	// safely charge -- CacheSlot handles the accounting for any such extra
	// cids itself.
	GetCells(ctx context.Context, cids []int) ([]CellResult, error)
	// Meta is an opaque per-slot attachment (e.g. row-count prefix sums)
	// surfaced unchanged to the slot's consumer.
	Meta() interface{}
}
