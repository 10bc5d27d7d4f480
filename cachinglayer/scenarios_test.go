/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"github.com/milvus-io/cachecore/cachinglayer"
	"github.com/milvus-io/cachecore/cachinglayer/translators/memtranslator"
	"github.com/milvus-io/cachecore/memsys"
)

func newSlot(sizes []int64, maxMemory uint64) (*cachinglayer.CacheSlot, *memtranslator.Translator, *cachinglayer.DList) {
	tr := memtranslator.New("scenario", sizes)
	dlist := cachinglayer.NewDList(memsys.NewResourceBudget(maxMemory, 0), 0)
	slot := cachinglayer.NewCacheSlot(tr, dlist, 0) // debounce=0: deterministic tests
	return slot, tr, dlist
}

var _ = Describe("CacheSlot scenarios", func() {
	ctx := context.Background()

	It("1. loads a single cell with exactly one Translator call", func() {
		slot, tr, dlist := newSlot([]int64{50, 150, 100, 200, 75}, 2000)
		acc, err := slot.PinCells(ctx, []int64{2})
		Expect(err).NotTo(HaveOccurred())
		defer acc.Release()

		calls, cids := tr.Calls()
		Expect(calls).To(Equal(1))
		Expect(cids).To(ConsistOf(2))
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(100)))

		payload, err := acc.Get(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).NotTo(BeNil())
	})

	It("2. deduplicates uids mapping to the same cids into one batch", func() {
		slot, tr, dlist := newSlot([]int64{50, 150, 100, 200, 75}, 2000)
		acc, err := slot.PinCells(ctx, []int64{2, 4, 2, 4, 2})
		Expect(err).NotTo(HaveOccurred())
		defer acc.Release()

		calls, cids := tr.Calls()
		Expect(calls).To(Equal(1))
		Expect(cids).To(ConsistOf(2, 4))
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(100 + 75)))
	})

	It("3. coalesces concurrent pins of the same cid into one Translator call", func() {
		slot, tr, dlist := newSlot([]int64{50, 150, 100, 200, 75}, 2000)

		var g errgroup.Group
		for i := 0; i < 2; i++ {
			g.Go(func() error {
				acc, err := slot.PinCells(ctx, []int64{1})
				if err != nil {
					return err
				}
				acc.Release()
				return nil
			})
		}
		Expect(g.Wait()).To(Succeed())

		calls, cids := tr.Calls()
		Expect(calls).To(Equal(1))
		Expect(cids).To(ContainElement(1))
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(150)))
	})

	It("4. evicts unpinned tail nodes under pressure", func() {
		slot, tr, dlist := newSlot([]int64{50, 150, 100, 200, 75}, 300)

		acc, err := slot.PinCells(ctx, []int64{0, 1, 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(300)))
		acc.Release() // drop pins immediately so they become evictable

		acc2, err := slot.PinCells(ctx, []int64{3})
		Expect(err).NotTo(HaveOccurred())
		defer acc2.Release()

		calls, cids := tr.Calls()
		Expect(calls).To(Equal(2)) // one batch for {0,1,2}, one for {3}
		Expect(cids).To(ConsistOf(3))
		Expect(dlist.Used(memsys.Memory)).To(BeNumerically("<=", 300))
		Expect(dlist.Used(memsys.Memory)).To(BeNumerically(">=", 200))
	})

	It("5. never evicts a pinned cell, even under insufficient budget", func() {
		slot, _, dlist := newSlot([]int64{50, 150, 100, 200, 75}, 300)

		acc, err := slot.PinCells(ctx, []int64{1})
		Expect(err).NotTo(HaveOccurred())
		defer acc.Release()

		dlist.UpdateLimit(memsys.Memory, 100)

		_, err = slot.PinCells(ctx, []int64{3})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, cachinglayer.ErrInsufficientResource)).To(BeTrue())
		Expect(slot.QueuedCids()).To(BeEmpty())

		// the pinned cell rides out the pressure untouched
		payload, err := acc.Get(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).NotTo(BeNil())
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(150)))
	})

	It("6. installs opportunistic extra cells without charging the requester", func() {
		slot, tr, dlist := newSlot([]int64{50, 150}, 2000)
		tr.WithExtra(0, 1)

		acc, err := slot.PinCells(ctx, []int64{0})
		Expect(err).NotTo(HaveOccurred())
		Expect(acc.Pins()).To(HaveLen(1))
		Expect(acc.Pins()[0].CID()).To(Equal(0))
		acc.Release()

		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(50 + 150)))

		// cid 1 is now a cache hit: no additional Translator call.
		callsBefore, _ := tr.Calls()
		acc2, err := slot.PinCells(ctx, []int64{1})
		Expect(err).NotTo(HaveOccurred())
		defer acc2.Release()
		callsAfter, _ := tr.Calls()
		Expect(callsAfter).To(Equal(callsBefore))
	})
})

var _ = Describe("Boundary behavior", func() {
	ctx := context.Background()

	It("fails InvalidCellId without touching the DList for an out-of-range uid", func() {
		slot, _, dlist := newSlot([]int64{50, 150}, 2000)
		_, err := slot.PinCells(ctx, []int64{2}) // NumCells() == 2
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, cachinglayer.ErrInvalidCellID)).To(BeTrue())
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(0)))
	})

	It("reserves zero bytes without moving the list", func() {
		dlist := cachinglayer.NewDList(memsys.NewResourceBudget(100, 0), 0)
		Expect(dlist.Reserve(memsys.Memory, 0)).To(BeTrue())
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(0)))
	})

	It("does not call the Translator again for an already-LOADED cell", func() {
		slot, tr, _ := newSlot([]int64{50, 150}, 2000)
		acc1, err := slot.PinCells(ctx, []int64{0})
		Expect(err).NotTo(HaveOccurred())
		acc1.Release()

		callsBefore, _ := tr.Calls()
		acc2, err := slot.PinCells(ctx, []int64{0})
		Expect(err).NotTo(HaveOccurred())
		defer acc2.Release()
		callsAfter, _ := tr.Calls()
		Expect(callsAfter).To(Equal(callsBefore))
	})

	It("does not panic when max drops below used, and evicts on the next reserve", func() {
		slot, _, dlist := newSlot([]int64{50, 150, 100}, 300)
		acc, err := slot.PinCells(ctx, []int64{0, 1})
		Expect(err).NotTo(HaveOccurred())
		acc.Release()
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(200)))

		dlist.UpdateLimit(memsys.Memory, 50)
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(200))) // no synchronous eviction

		Expect(dlist.Reserve(memsys.Memory, 10)).To(BeTrue())
		Expect(dlist.Used(memsys.Memory)).To(BeNumerically("<=", 60))
	})

	It("surfaces the whole-batch translator error to every requested cid and releases pins already acquired", func() {
		slot, tr, dlist := newSlot([]int64{50, 150, 100}, 2000)
		tr.ForceError(errors.New("boom"))

		_, err := slot.PinCells(ctx, []int64{0, 1})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, cachinglayer.ErrTranslatorLoadFailed)).To(BeTrue())
		Expect(dlist.Used(memsys.Memory)).To(Equal(uint64(0)))
	})

	It("returns the same payload identity when re-pinning without eviction in between", func() {
		slot, _, _ := newSlot([]int64{50, 150}, 2000)

		acc1, err := slot.PinCells(ctx, []int64{0})
		Expect(err).NotTo(HaveOccurred())
		p1, err := acc1.Get(0)
		Expect(err).NotTo(HaveOccurred())
		acc1.Release()

		acc2, err := slot.PinCells(ctx, []int64{0})
		Expect(err).NotTo(HaveOccurred())
		defer acc2.Release()
		p2, err := acc2.Get(0)
		Expect(err).NotTo(HaveOccurred())

		b1, b2 := p1.(memtranslator.Payload), p2.(memtranslator.Payload)
		Expect(&b1[0]).To(BeIdenticalTo(&b2[0]))
	})

	It("keeps a failed cell in ERROR and fails fast without retrying", func() {
		slot, tr, _ := newSlot([]int64{50}, 2000)
		tr.ForceError(errors.New("boom"))

		_, err := slot.PinCells(ctx, []int64{0})
		Expect(err).To(HaveOccurred())
		callsAfterFailure, _ := tr.Calls()

		_, err = slot.PinCells(ctx, []int64{0})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, cachinglayer.ErrTranslatorLoadFailed)).To(BeTrue())

		calls, _ := tr.Calls()
		Expect(calls).To(Equal(callsAfterFailure)) // sticky ERROR: no automatic retry
	})

	It("honors context cancellation for the requester that drives a load", func() {
		slot, _, _ := newSlot([]int64{50}, 2000)

		cctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-cctx.Done()

		_, err := slot.PinCells(cctx, []int64{0})
		Expect(err).To(HaveOccurred())
	})

	It("rolls back a joiner's pin count when its context is cancelled mid-load", func() {
		tr := memtranslator.New("joiner", []int64{50})
		dlist := cachinglayer.NewDList(memsys.NewResourceBudget(2000, 0), 0)
		// a wide debounce window keeps the load pending long enough for a
		// second pinner to observe LOADING and attach as a joiner
		slot := cachinglayer.NewCacheSlot(tr, dlist, 150*time.Millisecond)
		slots := map[string]*cachinglayer.CacheSlot{"joiner": slot}

		var g errgroup.Group
		g.Go(func() error {
			acc, err := slot.PinCells(context.Background(), []int64{0})
			if err != nil {
				return err
			}
			acc.Release()
			return nil
		})

		Eventually(func() string {
			return cachinglayer.TakeSnapshot(dlist, slots).Slots["joiner"].Nodes[0].State
		}).Should(Equal("LOADING"))

		cctx, cancel := context.WithCancel(context.Background())
		joinErr := make(chan error, 1)
		go func() {
			_, err := slot.PinCells(cctx, []int64{0})
			joinErr <- err
		}()
		time.Sleep(10 * time.Millisecond) // let the joiner attach to the promise
		cancel()
		Expect(<-joinErr).To(MatchError(context.Canceled))

		Expect(g.Wait()).To(Succeed())
		calls, _ := tr.Calls()
		Expect(calls).To(Equal(1))

		node := cachinglayer.TakeSnapshot(dlist, slots).Slots["joiner"].Nodes[0]
		Expect(node.State).To(Equal("LOADED"))
		// the joiner's optimistic increment was rolled back; the driver's
		// pin was already released above
		Expect(node.PinCount).To(Equal(int32(0)))
	})
})
