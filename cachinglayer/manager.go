/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"sync"
	"time"

	"github.com/milvus-io/cachecore/cmn"
	"github.com/milvus-io/cachecore/memsys"
)

// DefaultTouchWindow rate-limits LRU head reordering per node.
const DefaultTouchWindow = 10 * time.Second

// DefaultMaxConcurrentLoads bounds how many Translator batch calls may run
// at once across every slot the Manager creates, protecting whatever remote
// store backs the translators from an unbounded fan-out of outbound calls.
const DefaultMaxConcurrentLoads = 64

// unboundedBytes stands in for "no budget" when tiered storage is
// disabled: reserve against it always succeeds (short of overflowing an
// int64, which a real deployment will never approach).
const unboundedBytes = uint64(1) << 62

// Manager is the process-wide singleton owning the single DList instance.
// No implicit static state exists before Init runs, and Configure is the
// only place lifetime transitions happen.
type Manager struct {
	mu          sync.RWMutex
	dlist       *DList
	enabled     bool
	touchWindow time.Duration
	debounce    time.Duration
	loadSem     *cmn.DynSemaphore
}

var (
	theManager     *Manager
	theManagerOnce sync.Once
)

// Init creates the process-wide Manager on first call; subsequent calls
// return the already-created instance.
func Init() *Manager {
	theManagerOnce.Do(func() {
		theManager = &Manager{
			touchWindow: DefaultTouchWindow,
			debounce:    DefaultDebounce,
			loadSem:     cmn.NewDynSemaphore(DefaultMaxConcurrentLoads),
		}
	})
	return theManager
}

// Default returns the process-wide Manager, initializing it on first use.
func Default() *Manager { return Init() }

// Close tears the singleton down, for tests that need a clean process-wide
// state between cases. Production callers never need it; it exists so the
// Manager is usable from more than one ginkgo spec in the same test binary.
func Close() {
	theManagerOnce = sync.Once{}
	theManager = nil
}

// Configure applies the configuration surface. If enabled, a DList is
// created (first call) or has its limits updated (subsequent calls); if
// disabled, the DList reference is dropped so slots created afterward
// operate against an effectively infinite budget. Slots created before a
// disable keep referencing their original DList  -- a live
// accessor is never invalidated by a later Configure call.
func (m *Manager) Configure(enabled bool, memoryBytes, diskBytes uint64, touchWindow time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if touchWindow > 0 {
		m.touchWindow = touchWindow
	}
	if !enabled {
		m.enabled = false
		m.dlist = nil
		return
	}
	m.enabled = true
	if m.dlist == nil {
		m.dlist = NewDList(memsys.NewResourceBudget(memoryBytes, diskBytes), m.touchWindow)
		return
	}
	m.dlist.UpdateLimit(memsys.Memory, memoryBytes)
	m.dlist.UpdateLimit(memsys.Disk, diskBytes)
}

// SetDebounce overrides the batch-load debounce delay applied to slots
// created after this call (e.g. zero, for deterministic tests).
func (m *Manager) SetDebounce(d time.Duration) {
	m.mu.Lock()
	m.debounce = d
	m.mu.Unlock()
}

// SetMaxConcurrentLoads resizes the process-wide cap on in-flight Translator
// batch calls. Safe to call while loads are already outstanding; the new
// size takes effect for the next Acquire on either side of the resize.
func (m *Manager) SetMaxConcurrentLoads(n int) {
	m.mu.Lock()
	sem := m.loadSem
	m.mu.Unlock()
	sem.SetSize(n)
}

// CreateSlot builds a new CacheSlot bound to the Manager's current DList,
// or an effectively unbounded one if tiered storage is disabled.
func (m *Manager) CreateSlot(translator Translator) *CacheSlot {
	m.mu.RLock()
	dlist := m.dlist
	debounce := m.debounce
	touchWindow := m.touchWindow
	sem := m.loadSem
	m.mu.RUnlock()
	if dlist == nil {
		dlist = NewDList(memsys.NewResourceBudget(unboundedBytes, unboundedBytes), touchWindow)
	}
	slot := NewCacheSlot(translator, dlist, debounce)
	slot.SetLoadSemaphore(sem)
	return slot
}

// DList exposes the Manager's current eviction list for observability and
// tests. Returns nil while tiered storage is disabled (each slot created
// then gets its own unbounded list).
func (m *Manager) DList() *DList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dlist
}

// Enabled reports whether tiered storage is currently configured on.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
