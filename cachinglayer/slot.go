/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/milvus-io/cachecore/cmn"
	"github.com/milvus-io/cachecore/cmn/debug"
	"github.com/milvus-io/cachecore/memsys"
)

// DefaultDebounce is the default batch-load debounce delay.
const DefaultDebounce = 4 * time.Millisecond

func storageKind(t StorageType) memsys.Kind {
	if t == StorageMemory {
		return memsys.Memory
	}
	return memsys.Disk
}

// CacheSlot owns a fixed-size vector of ListNodes for one dataset, plus the
// Translator that knows how to produce their payloads. It never resizes
// nodes after construction and batches concurrent load requests: requests
// that arrive while a batch is queued join it, and a request that arrives
// after runLoad has taken the queue starts the next batch, which may run
// concurrently with the one already calling the Translator.
type CacheSlot struct {
	translator Translator
	dlist      *DList
	kind       memsys.Kind
	debounce   time.Duration

	nodes []*ListNode

	qmu          sync.Mutex
	loadQueue    []int
	batchPromise *loadPromise

	// loadSem bounds how many Translator batch calls may be in flight across
	// every slot sharing it, e.g. to avoid saturating a remote store with one
	// outbound request per hot dataset. Nil means unbounded (the default for
	// a slot built directly via NewCacheSlot outside the Manager).
	loadSem *cmn.DynSemaphore
}

// SetLoadSemaphore attaches a process-wide concurrency bound to this slot's
// Translator batch calls. Passing nil restores the unbounded default.
func (s *CacheSlot) SetLoadSemaphore(sem *cmn.DynSemaphore) {
	s.qmu.Lock()
	s.loadSem = sem
	s.qmu.Unlock()
}

// NewCacheSlot constructs a slot with translator.NumCells() nodes, each
// seeded with the translator's pre-load size estimate.
func NewCacheSlot(translator Translator, dlist *DList, debounce time.Duration) *CacheSlot {
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	s := &CacheSlot{
		translator: translator,
		dlist:      dlist,
		kind:       storageKind(translator.StorageType()),
		debounce:   debounce,
	}
	n := translator.NumCells()
	s.nodes = make([]*ListNode, n)
	for cid := 0; cid < n; cid++ {
		s.nodes[cid] = newListNode(s, cid, s.kind)
	}
	return s
}

func (s *CacheSlot) Key() string       { return s.translator.Key() }
func (s *CacheSlot) NumCells() int     { return len(s.nodes) }
func (s *CacheSlot) Meta() interface{} { return s.translator.Meta() }

// SizeOfCell is a cheap inspector delegating to the node's current estimate.
func (s *CacheSlot) SizeOfCell(cid int) int64 {
	debug.Assert(cid >= 0 && cid < len(s.nodes), "cid out of range")
	return s.nodes[cid].sizeOf()
}

// PinCells deduplicates uids to cids, pins each one, and -- if every pin
// succeeds -- returns an Accessor holding one Pin per distinct cid. If any
// cid fails, every already-acquired pin in this call is released and the
// error is returned; no partial accessor is ever handed out.
func (s *CacheSlot) PinCells(ctx context.Context, uids []int64) (*CellAccessor, error) {
	seen := make(map[int]struct{}, len(uids))
	cids := make([]int, 0, len(uids))
	for _, uid := range uids {
		cid, err := s.translator.CellIDOf(uid)
		if err != nil || cid < 0 || cid >= len(s.nodes) {
			return nil, errInvalidCellID(s.Key(), cid, uid)
		}
		if _, dup := seen[cid]; dup {
			continue
		}
		seen[cid] = struct{}{}
		cids = append(cids, cid)
	}

	pins := make([]*Pin, 0, len(cids))
	for _, cid := range cids {
		pin, err := s.nodes[cid].Pin(ctx)
		if err != nil {
			for _, p := range pins {
				p.Release()
			}
			return nil, err
		}
		pins = append(pins, pin)
	}
	return newCellAccessor(s, pins), nil
}

// payloadFor returns the payload of cid, or nil if it is not currently loaded.
func (s *CacheSlot) payloadFor(cid int) Payload {
	return s.nodes[cid].Payload()
}

// InFlightBatches reports 0 or 1: whether a batch is currently queued for
// this slot (from the first enqueue until runLoad takes the queue). A
// Translator call that is already executing is not counted.
func (s *CacheSlot) InFlightBatches() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.batchPromise != nil {
		return 1
	}
	return 0
}

// QueuedCids returns a snapshot of the cids currently awaiting the next
// batch load.
func (s *CacheSlot) QueuedCids() []int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	out := make([]int, len(s.loadQueue))
	copy(out, s.loadQueue)
	return out
}

// enqueueLoad is called by a ListNode immediately after it transitions to
// LOADING. The first caller to see an empty queue becomes the batch driver
// and spawns runLoad; everyone else just appends and returns -- their own
// wait happens on their node's own load_promise, not here.
func (s *CacheSlot) enqueueLoad(cid int) {
	s.qmu.Lock()
	wasEmpty := len(s.loadQueue) == 0
	s.loadQueue = append(s.loadQueue, cid)
	if wasEmpty {
		s.batchPromise = newLoadPromise()
		s.qmu.Unlock()
		go s.runLoad()
		return
	}
	s.qmu.Unlock()
}

// runLoad is the batch driver: wait the debounce window, snapshot the
// queue, call the Translator once, and fan the result back out to every
// node involved.
func (s *CacheSlot) runLoad() {
	if s.debounce > 0 {
		timer := time.NewTimer(s.debounce)
		<-timer.C
	}

	s.qmu.Lock()
	cids := s.loadQueue
	s.loadQueue = nil
	bp := s.batchPromise
	s.batchPromise = nil
	sem := s.loadSem
	s.qmu.Unlock()

	if sem != nil {
		sem.Acquire()
		defer sem.Release()
	}

	results, err := s.translator.GetCells(context.Background(), cids)
	if err != nil {
		wrapped := errTranslatorLoadFailed(s.Key(), cids, err)
		for _, cid := range cids {
			s.nodes[cid].failLoad(wrapped)
		}
		bp.fulfill(wrapped)
		return
	}

	requested := make(map[int]struct{}, len(cids))
	for _, cid := range cids {
		requested[cid] = struct{}{}
	}
	got := make(map[int]struct{}, len(results))
	for _, res := range results {
		if res.CID < 0 || res.CID >= len(s.nodes) {
			glog.Errorf("cachinglayer: slot %q: translator returned out-of-range cid %d", s.Key(), res.CID)
			continue
		}
		got[res.CID] = struct{}{}
		_, requesting := requested[res.CID]
		s.nodes[res.CID].markLoaded(res.Payload, requesting)
	}
	for cid := range requested {
		if _, ok := got[cid]; !ok {
			s.nodes[cid].failLoad(errTranslatorLoadFailed(s.Key(), []int{cid}, errMissingCell))
		}
	}
	bp.fulfill(nil)
}

// teardown removes every node from the DList. Nothing in this package calls
// it: a slot that is no longer referenced keeps its nodes linked in the
// DList.
func (s *CacheSlot) teardown() {
	for _, n := range s.nodes {
		n.remove()
	}
}
