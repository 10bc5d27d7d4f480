/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/milvus-io/cachecore/memsys"
)

// nodeState is one of the four states a ListNode cycles through.
type nodeState int32

const (
	NotLoaded nodeState = iota
	Loading
	Loaded
	ErrorState
)

func (s nodeState) String() string {
	switch s {
	case NotLoaded:
		return "NOT_LOADED"
	case Loading:
		return "LOADING"
	case Loaded:
		return "LOADED"
	case ErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// loadPromise is a one-shot, multi-waiter completion signal: a stand-in for
// a future/promise. It is fulfilled exactly once (value or
// error) and every waiter observes the same outcome.
type loadPromise struct {
	done chan struct{}
	err  error
}

func newLoadPromise() *loadPromise { return &loadPromise{done: make(chan struct{})} }

// fulfill completes the promise. Calling it more than once is a programming
// error in this core and would panic on the second close; every call site
// guarantees single-fulfillment by construction (see node.go / slot.go).
func (p *loadPromise) fulfill(err error) {
	p.err = err
	close(p.done)
}

func (p *loadPromise) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListNode is the state machine for one (slot, cid) pair. It owns the
// loaded payload, the pin count, the in-flight load promise, and its own
// LRU linkage into the process-wide DList. Every mutable field above the
// pin-count mirror is guarded by mu; the LRU links (prev/next/inList) below
// it are not -- they belong to whichever DList the node's slot was
// built against and are mutated only under that DList's mutex, never under
// mu, per the fixed DList-before-node lock order. lastTouch is atomic.
type ListNode struct {
	slot *CacheSlot
	cid  int
	kind memsys.Kind

	mu sync.RWMutex

	state        nodeState
	payload      Payload
	size         int64 // current best-known byte estimate/actual for kind
	reservedSize int64 // bytes currently charged against the DList budget
	promise      *loadPromise
	lastErr      error

	pinCount atomic.Int32 // mirrors pin_count; mutated only under mu, read lock-free in stats paths

	// LRU linkage; owned by slot.dlist, guarded by slot.dlist.mu.
	prev, next *ListNode
	inList     bool
	lastTouch  atomic.Int64
}

func newListNode(slot *CacheSlot, cid int, kind memsys.Kind) *ListNode {
	memBytes, diskBytes := slot.translator.EstimatedByteSizeOfCell(cid)
	est := memBytes
	if kind == memsys.Disk {
		est = diskBytes
	}
	return &ListNode{slot: slot, cid: cid, kind: kind, size: est}
}

// State returns the node's current state name, for observability.
func (n *ListNode) State() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.String()
}

// PinCount returns the current outstanding pin count.
func (n *ListNode) PinCount() int32 { return n.pinCount.Load() }

func (n *ListNode) sizeOf() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

// Pin drives the state machine toward LOADED (pin algorithm) and
// returns an RAII-style Pin whose Release decrements the pin count. It
// blocks until the cell is LOADED, has failed, or ctx is done.
func (n *ListNode) Pin(ctx context.Context) (*Pin, error) {
	n.mu.RLock()
	switch n.state {
	case Loaded:
		n.pinCount.Inc()
		n.mu.RUnlock()
		return newPin(n), nil
	case ErrorState:
		err := n.lastErr
		n.mu.RUnlock()
		return nil, err
	case Loading:
		n.pinCount.Inc()
		p := n.promise
		n.mu.RUnlock()
		return n.waitJoiner(ctx, p)
	}
	n.mu.RUnlock()

	// NOT_LOADED: double-checked locking -- someone may have raced us to
	// the write lock and already started (or finished) the load.
	n.mu.Lock()
	switch n.state {
	case Loaded:
		n.pinCount.Inc()
		n.mu.Unlock()
		return newPin(n), nil
	case ErrorState:
		err := n.lastErr
		n.mu.Unlock()
		return nil, err
	case Loading:
		n.pinCount.Inc()
		p := n.promise
		n.mu.Unlock()
		return n.waitJoiner(ctx, p)
	}

	// Still NOT_LOADED under the write lock: this goroutine is the
	// requester that drives the load.
	promise := newLoadPromise()
	n.state = Loading
	n.promise = promise
	reserveBytes := n.size
	n.mu.Unlock()

	if !n.slot.dlist.Reserve(n.kind, reserveBytes) {
		err := errInsufficientResource(n.slot.Key(), n.cid, reserveBytes)
		n.mu.Lock()
		if n.state != Loading {
			// An opportunistic install from another batch raced ahead of
			// this reservation: the promise is already fulfilled and the
			// requesting pin was credited at install time.
			st := n.state
			n.mu.Unlock()
			if st == Loaded {
				return newPin(n), nil
			}
			return nil, err
		}
		n.state = ErrorState
		n.lastErr = err
		n.promise = nil
		n.mu.Unlock()
		promise.fulfill(err)
		return nil, err
	}
	n.mu.Lock()
	n.reservedSize = reserveBytes
	n.mu.Unlock()

	n.slot.enqueueLoad(n.cid)

	if err := promise.wait(ctx); err != nil {
		if ctx.Err() != nil {
			// The batch is still in flight and will credit the requesting
			// pin on success; nobody is left to release it, so hand it back
			// as soon as the batch resolves.
			go n.abandonRequested(promise)
		}
		return nil, err
	}
	return newPin(n), nil
}

// abandonRequested runs when the goroutine that drove a load gave up on its
// ctx before the batch completed. On batch success the requesting pin was
// still credited; it is returned here.
func (n *ListNode) abandonRequested(p *loadPromise) {
	<-p.done
	if p.err != nil {
		return
	}
	n.mu.Lock()
	n.pinCount.Dec()
	zero := n.pinCount.Load() == 0
	n.mu.Unlock()
	if zero {
		n.slot.dlist.Touch(n)
	}
}

// waitJoiner is the continuation for a goroutine that observed LOADING and
// optimistically bumped pin_count before waiting on the existing promise.
// If the promise resolves to an error, no Pin is ever handed out for this
// increment, so it is undone here to preserve the invariant that pin_count
// always equals the number of outstanding Pins.
func (n *ListNode) waitJoiner(ctx context.Context, p *loadPromise) (*Pin, error) {
	if err := p.wait(ctx); err != nil {
		n.mu.Lock()
		n.pinCount.Dec()
		n.mu.Unlock()
		return nil, err
	}
	return newPin(n), nil
}

// markLoaded installs payload for this node when a batch load completes.
// requesting is true iff this cid was part of the batch that this node's
// own LOADING transition drove; false for opportunistically bundled cids
// the translator returned without being asked (extra-cell handling).
func (n *ListNode) markLoaded(payload Payload, requesting bool) {
	if requesting {
		n.markLoadedRequesting(payload)
		return
	}
	n.markLoadedOpportunistic(payload)
}

func (n *ListNode) markLoadedRequesting(payload Payload) {
	n.mu.Lock()
	switch n.state {
	case Loading:
		n.installLocked(payload)
		n.state = Loaded
		n.pinCount.Inc() // the requesting pin is owed; no touch, it's pinned.
		p := n.promise
		n.promise = nil
		n.mu.Unlock()
		p.fulfill(nil)
	case Loaded:
		// An opportunistic install from another batch raced ahead; it
		// already credited the requesting pin, so this is a pure discard.
		n.mu.Unlock()
	default:
		st := n.state
		n.mu.Unlock()
		_ = errProgramming("cid %d: markLoaded(requesting) observed state %s", n.cid, st)
	}
}

func (n *ListNode) markLoadedOpportunistic(payload Payload) {
	n.mu.Lock()
	switch n.state {
	case NotLoaded, ErrorState:
		bytes := sizeForKind(payload, n.kind)
		// Reserve takes the DList lock, so it runs with mu released.
		n.mu.Unlock()
		if !n.slot.dlist.Reserve(n.kind, bytes) {
			// Best effort only: opportunistic data never evicts more
			// aggressively than requested data. Discard and move on.
			return
		}
		n.mu.Lock()
		if n.state != NotLoaded && n.state != ErrorState {
			// A pinner or another batch took the node over meanwhile.
			n.mu.Unlock()
			n.slot.dlist.ReleaseOnLoadFailure(n.kind, bytes)
			return
		}
		n.installLocked(payload)
		n.state = Loaded
		n.reservedSize = bytes
		n.mu.Unlock()
		n.slot.dlist.Touch(n)
	case Loading:
		// A requesting goroutine is waiting on this node's promise; its
		// own batch will eventually return this cid too, but the install
		// happens here, so the requesting pin is credited here. No touch:
		// the node is pinned from this moment on. The bytes stay charged
		// against the requester's reservation.
		n.installLocked(payload)
		n.state = Loaded
		n.pinCount.Inc()
		p := n.promise
		n.promise = nil
		n.mu.Unlock()
		if p != nil {
			p.fulfill(nil)
		}
	case Loaded:
		n.mu.Unlock() // already loaded; discard the newly arrived payload
	}
}

func (n *ListNode) installLocked(payload Payload) {
	n.payload = payload
	n.size = sizeForKind(payload, n.kind)
	n.lastErr = nil
}

func sizeForKind(p Payload, kind memsys.Kind) int64 {
	memBytes, diskBytes := p.SizeBytes()
	if kind == memsys.Disk {
		return diskBytes
	}
	return memBytes
}

// failLoad is the per-node error path driven either by a whole-batch
// translator failure or by a cid the translator silently omitted from an
// otherwise-successful response.
func (n *ListNode) failLoad(err error) {
	n.mu.Lock()
	if n.state != Loading {
		n.mu.Unlock()
		return
	}
	n.slot.dlist.ReleaseOnLoadFailure(n.kind, n.reservedSize)
	n.reservedSize = 0
	n.state = ErrorState
	n.lastErr = err
	p := n.promise
	n.promise = nil
	n.mu.Unlock()
	if p != nil {
		p.fulfill(err)
	}
}

// clearDataLocked unloads the payload and resets to NOT_LOADED. Called only
// by DList.Reserve's eviction scan, which already holds n.mu via TryLock.
func (n *ListNode) clearDataLocked() {
	n.payload = nil
	n.state = NotLoaded
	n.reservedSize = 0
}

// remove tears the node out of its DList; called on CacheSlot teardown.
func (n *ListNode) remove() {
	n.mu.Lock()
	loading := n.state == Loading
	n.mu.Unlock()
	if loading {
		_ = errProgramming("cid %d destroyed while LOADING", n.cid)
	}
	n.slot.dlist.Unlink(n)
}

// Payload returns the installed payload, or nil if the node is not
// currently LOADED (never loaded, or evicted). Used by CellAccessor.Get.
func (n *ListNode) Payload() Payload {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.payload
}

// Pin is the RAII-style token proving a cell will not be evicted. Move-only
// in spirit: Release is idempotent but only the first call has effect.
type Pin struct {
	node     *ListNode
	released atomic.Bool
}

func newPin(n *ListNode) *Pin { return &Pin{node: n} }

// CID reports which cell this pin protects.
func (p *Pin) CID() int { return p.node.cid }

// Release decrements the node's pin count; once it reaches zero the node
// becomes eligible for LRU reordering and, eventually, eviction.
func (p *Pin) Release() {
	if !p.released.CAS(false, true) {
		return
	}
	n := p.node
	n.mu.Lock()
	n.pinCount.Dec()
	zero := n.pinCount.Load() == 0
	n.mu.Unlock()
	if zero {
		n.slot.dlist.Touch(n)
	}
}
