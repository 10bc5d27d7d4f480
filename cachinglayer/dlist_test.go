/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer_test

import (
	"context"
	"testing"
	"time"

	"github.com/milvus-io/cachecore/cachinglayer"
	"github.com/milvus-io/cachecore/cachinglayer/translators/memtranslator"
	"github.com/milvus-io/cachecore/memsys"
)

// Touch(n) followed immediately by Touch(n) within the refresh window must
// behave like a single Touch: the second call is a no-op, observable here
// only indirectly (it must not panic and must not change DList.Used).
func TestTouchWithinWindowIsIdempotent(t *testing.T) {
	dlist := cachinglayer.NewDList(memsys.NewResourceBudget(1000, 0), time.Hour)
	tr := memtranslator.New("touch", []int64{100})
	slot := cachinglayer.NewCacheSlot(tr, dlist, 0)

	acc, err := slot.PinCells(context.Background(), []int64{0})
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	used := dlist.Used(memsys.Memory)
	acc.Release() // triggers one Touch
	acc2, err := slot.PinCells(context.Background(), []int64{0})
	if err != nil {
		t.Fatalf("re-pin: %v", err)
	}
	acc2.Release() // would trigger a second Touch if not rate-limited

	if got := dlist.Used(memsys.Memory); got != used {
		t.Fatalf("touch changed accounted bytes: before=%d after=%d", used, got)
	}
}

// Unlink(n) followed by Unlink(n) again must behave exactly like a single
// Unlink(n): idempotent. Exercised indirectly: every Touch on release
// unlinks the node before relinking it, including nodes not yet in the
// list, and an eviction then unlinks cid 0; none of this may panic or
// double-free budget.
func TestUnlinkIsIdempotent(t *testing.T) {
	dlist := cachinglayer.NewDList(memsys.NewResourceBudget(100, 0), 0)
	tr := memtranslator.New("unlink", []int64{100, 100})
	slot := cachinglayer.NewCacheSlot(tr, dlist, 0)

	acc, err := slot.PinCells(context.Background(), []int64{0})
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	acc.Release()
	if dlist.Used(memsys.Memory) != 100 {
		t.Fatalf("expected 100 bytes reserved, got %d", dlist.Used(memsys.Memory))
	}

	// Reserving for cid 1 evicts cid 0 (same budget, now unpinned).
	acc2, err := slot.PinCells(context.Background(), []int64{1})
	if err != nil {
		t.Fatalf("pin cid 1: %v", err)
	}
	defer acc2.Release()
	if dlist.Used(memsys.Memory) != 100 {
		t.Fatalf("expected eviction to keep used at 100, got %d", dlist.Used(memsys.Memory))
	}
}

// Setting max below used must not panic; subsequent reserves may evict
// until used <= max.
func TestUpdateLimitBelowUsedDoesNotPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("UpdateLimit panicked: %v", r)
		}
	}()
	dlist := cachinglayer.NewDList(memsys.NewResourceBudget(1000, 0), 0)
	dlist.Reserve(memsys.Memory, 900)
	dlist.UpdateLimit(memsys.Memory, 10)
	if dlist.Used(memsys.Memory) != 900 {
		t.Fatalf("UpdateLimit must not synchronously evict")
	}
}

func TestReserveZeroBytesSucceeds(t *testing.T) {
	dlist := cachinglayer.NewDList(memsys.NewResourceBudget(10, 0), 0)
	if !dlist.Reserve(memsys.Memory, 0) {
		t.Fatal("reserving 0 bytes must always succeed")
	}
}
