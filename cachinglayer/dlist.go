/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/milvus-io/cachecore/memsys"
)

// DList is the process-wide doubly-linked LRU list of ListNodes. It owns no
// nodes -- they live in their CacheSlot's backing slice -- it only links
// them and accounts their bytes against a shared ResourceBudget. head is the
// most-recently-touched node, tail is the next eviction candidate.
//
// Lock order is fixed: DList.mu before any ListNode.mu. Code that holds a
// node lock must never call back into DList (Touch/Unlink); those calls
// happen only after the node lock has been released, or from inside
// Reserve's own victim scan, which already holds both in the right order.
type DList struct {
	mu   sync.Mutex
	head *ListNode
	tail *ListNode

	budget      *memsys.ResourceBudget
	touchWindow time.Duration
}

// NewDList constructs an empty eviction list governed by budget, rate
// limiting list-head reordering to at most once per touchWindow per node.
func NewDList(budget *memsys.ResourceBudget, touchWindow time.Duration) *DList {
	return &DList{budget: budget, touchWindow: touchWindow}
}

func (l *DList) Used(kind memsys.Kind) uint64 { return l.budget.Used(kind) }
func (l *DList) Max(kind memsys.Kind) uint64  { return l.budget.Max(kind) }

// UpdateLimit changes the budget for kind. It does not synchronously evict;
// the next Reserve call brings Used() back within the new bound.
func (l *DList) UpdateLimit(kind memsys.Kind, newMax uint64) {
	l.budget.SetMax(kind, newMax)
}

// Reserve implements the eviction algorithm: make room for bytes of new
// residency charged against kind, evicting unpinned tail nodes of the same
// kind as needed. Returns false iff even evicting every unpinned node of
// that kind would not free enough room.
func (l *DList) Reserve(kind memsys.Kind, bytes int64) bool {
	if bytes <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.budget.TryAdd(kind, uint64(bytes)) {
		return true
	}

	var (
		victims []*ListNode
		freed   int64
	)
	used := int64(l.budget.Used(kind))
	max := int64(l.budget.Max(kind))
	for n := l.tail; n != nil; n = n.prev {
		if n.kind != kind {
			continue
		}
		if !n.mu.TryLock() {
			// someone is actively using it; don't fight for the lock
			continue
		}
		if n.pinCount.Load() > 0 {
			n.mu.Unlock()
			continue
		}
		victims = append(victims, n)
		freed += n.reservedSize
		if used-freed+bytes <= max {
			break
		}
	}

	if used-freed+bytes > max {
		for _, v := range victims {
			v.mu.Unlock()
		}
		return false
	}

	l.budget.Add(kind, uint64(bytes))
	l.budget.Sub(kind, uint64(freed))
	if glog.V(4) {
		glog.Infof("dlist: evicting %d node(s), freed=%d bytes, kind=%s", len(victims), freed, kind)
	}
	for _, v := range victims {
		v.clearDataLocked()
		l.unlinkLocked(v)
		v.mu.Unlock()
	}
	return true
}

// ReleaseOnLoadFailure decrements used by bytes. Used only on a node's
// failure paths, when bytes were reserved but the node was never linked
// into the list.
func (l *DList) ReleaseOnLoadFailure(kind memsys.Kind, bytes int64) {
	if bytes <= 0 {
		return
	}
	l.budget.Sub(kind, uint64(bytes))
}

// Touch moves node to the head of the list if its last touch is older than
// touchWindow; a cheap no-op otherwise. Safe to call on a node that isn't
// yet linked -- it will be linked at the head.
func (l *DList) Touch(n *ListNode) {
	now := time.Now()
	last := n.lastTouch.Load()
	if l.touchWindow > 0 && last != 0 && now.Sub(time.Unix(0, last)) < l.touchWindow {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n.lastTouch.Store(now.UnixNano())
	l.unlinkLocked(n)
	l.linkAtHeadLocked(n)
}

// Unlink removes node from the list if present. Idempotent.
func (l *DList) Unlink(n *ListNode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlinkLocked(n)
}

func (l *DList) linkAtHeadLocked(n *ListNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	n.inList = true
}

func (l *DList) unlinkLocked(n *ListNode) {
	if !n.inList {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.inList = false
}

