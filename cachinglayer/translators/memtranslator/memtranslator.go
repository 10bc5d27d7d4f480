// Package memtranslator is a pure in-memory cachinglayer.Translator used as
// a test fixture and as the runnable demo loader for cmd/cachectl. It is
// the one place in this repository where a hand-rolled stand-in is
// appropriate: it is fixture code, not a shipped loader, so there is no
// third-party dependency to ground it on.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package memtranslator

import (
	"context"
	"sync"

	"github.com/milvus-io/cachecore/cachinglayer"
)

// Payload is the concrete cachinglayer.Payload this translator produces: a
// plain byte slice whose reported size is its length, charged entirely
// against the memory budget.
type Payload []byte

func (p Payload) SizeBytes() (memoryBytes, diskBytes int64) { return int64(len(p)), 0 }

// Translator maps uid == cid over a fixed set of cells with caller-supplied
// sizes. It supports forcing an error and configuring opportunistic extra
// cids, enough to drive dedup, coalescing, eviction, and extra-cell scenarios
// in the core test suite.
type Translator struct {
	key   string
	sizes []int64

	mu       sync.Mutex
	calls    int
	lastCids []int
	forceErr error
	extra    map[int][]int
}

// New constructs a fixture with one cell per entry of sizes (bytes).
func New(key string, sizes []int64) *Translator {
	return &Translator{key: key, sizes: sizes, extra: map[int][]int{}}
}

func (t *Translator) Key() string   { return t.key }
func (t *Translator) NumCells() int { return len(t.sizes) }

// CellIDOf is the identity mapping: uid N resolves to cid N. Tests that
// need out-of-range behavior construct a translator with fewer cells than
// the uids they pin.
func (t *Translator) CellIDOf(uid int64) (int, error) { return int(uid), nil }

func (t *Translator) EstimatedByteSizeOfCell(cid int) (memoryBytes, diskBytes int64) {
	return t.sizes[cid], 0
}

func (t *Translator) StorageType() cachinglayer.StorageType { return cachinglayer.StorageMemory }

func (t *Translator) Meta() interface{} { return nil }

// WithExtra configures GetCells to also return extraCid, unrequested,
// whenever requestedCid is part of a batch .
func (t *Translator) WithExtra(requestedCid, extraCid int) *Translator {
	t.mu.Lock()
	t.extra[requestedCid] = append(t.extra[requestedCid], extraCid)
	t.mu.Unlock()
	return t
}

// ForceError makes every subsequent GetCells call fail with err.
func (t *Translator) ForceError(err error) {
	t.mu.Lock()
	t.forceErr = err
	t.mu.Unlock()
}

// Calls reports the number of GetCells invocations so far and the cids of
// the most recent call, for asserting exactly-once batching in tests.
func (t *Translator) Calls() (int, []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]int, len(t.lastCids))
	copy(cp, t.lastCids)
	return t.calls, cp
}

func (t *Translator) GetCells(_ context.Context, cids []int) ([]cachinglayer.CellResult, error) {
	t.mu.Lock()
	t.calls++
	t.lastCids = append([]int(nil), cids...)
	forceErr := t.forceErr
	t.mu.Unlock()

	if forceErr != nil {
		return nil, forceErr
	}

	seen := make(map[int]struct{}, len(cids))
	out := make([]cachinglayer.CellResult, 0, len(cids))
	for _, cid := range cids {
		t.appendCell(cid, seen, &out)
		t.mu.Lock()
		extras := append([]int(nil), t.extra[cid]...)
		t.mu.Unlock()
		for _, ex := range extras {
			t.appendCell(ex, seen, &out)
		}
	}
	return out, nil
}

func (t *Translator) appendCell(cid int, seen map[int]struct{}, out *[]cachinglayer.CellResult) {
	if _, ok := seen[cid]; ok {
		return
	}
	if cid < 0 || cid >= len(t.sizes) {
		return
	}
	seen[cid] = struct{}{}
	*out = append(*out, cachinglayer.CellResult{CID: cid, Payload: make(Payload, t.sizes[cid])})
}
