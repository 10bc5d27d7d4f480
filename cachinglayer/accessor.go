/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"go.uber.org/atomic"

	"github.com/milvus-io/cachecore/cmn/debug"
)

// CellAccessor is a single-use handle bundling the pins produced by one
// PinCells call. Release drops the pins first (unpinning each cid), then
// releases the slot reference. An accessor whose Release is never called
// simply leaks its pins until process exit; there is no finalizer-based
// safety net by design.
type CellAccessor struct {
	slot *CacheSlot
	pins []*Pin

	released atomic.Bool
}

func newCellAccessor(slot *CacheSlot, pins []*Pin) *CellAccessor {
	return &CellAccessor{slot: slot, pins: pins}
}

// Get returns the payload for the cell that uid maps to. Calling it for a
// uid whose cid was not part of this accessor's construction list is a
// contract violation: in debug builds it is caught by debug.Assert, in
// release builds it simply returns whatever the slot currently holds for
// that cid (which may be nil or may belong to someone else entirely).
func (a *CellAccessor) Get(uid int64) (Payload, error) {
	cid, err := a.slot.translator.CellIDOf(uid)
	if err != nil {
		return nil, err
	}
	if cid < 0 || cid >= a.slot.NumCells() {
		return nil, errInvalidCellID(a.slot.Key(), cid, uid)
	}
	if debug.Enabled {
		covered := false
		for _, p := range a.pins {
			if p.CID() == cid {
				covered = true
				break
			}
		}
		debug.Assertf(covered, "accessor on slot %q: uid %d (cid %d) is not covered by this accessor's pins", a.slot.Key(), uid, cid)
	}
	return a.slot.payloadFor(cid), nil
}

// Pins exposes the underlying pins, e.g. for tests asserting on CIDs.
func (a *CellAccessor) Pins() []*Pin { return a.pins }

// Meta surfaces the slot's opaque translator attachment unchanged.
func (a *CellAccessor) Meta() interface{} { return a.slot.Meta() }

// Release drops every pin exactly once, then releases the slot reference.
// Safe to call more than once; only the first call has effect.
func (a *CellAccessor) Release() {
	if !a.released.CAS(false, true) {
		return
	}
	for _, p := range a.pins {
		p.Release()
	}
	a.pins = nil
	a.slot = nil
}
