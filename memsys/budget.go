// Package memsys tracks the two byte budgets (resident memory, resident
// disk) that the caching layer's eviction list reserves against: a small,
// environment-overridable accounting object that the rest of the system
// treats as the source of truth for "how much room is left."
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"os"

	"go.uber.org/atomic"

	"github.com/milvus-io/cachecore/cmn"
	"github.com/milvus-io/cachecore/cmn/debug"
)

// Kind identifies which of the two budgets a reservation is charged against.
type Kind int

const (
	Memory Kind = iota
	Disk
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Memory:
		return "memory"
	case Disk:
		return "disk"
	default:
		return "unknown"
	}
}

// env var overrides; environment wins over caller-supplied config.
const (
	envMemBytes = "CACHE_MEM_BYTES"
	envDiskBytes = "CACHE_DISK_BYTES"
)

// ResourceBudget is a pair of byte counters (memory, disk), each with a
// configured maximum. It performs no eviction itself -- that is DList's job
// -- it only accounts. All mutation is via atomic ops so that Used() can be
// read lock-free from stats paths while DList still serializes the
// reserve-then-install sequence under its own mutex.
type ResourceBudget struct {
	used [numKinds]atomic.Uint64
	max  [numKinds]atomic.Uint64
}

// NewResourceBudget constructs a budget with the given per-kind maxima.
// Environment variables CACHE_MEM_BYTES / CACHE_DISK_BYTES, when set,
// override the corresponding argument.
func NewResourceBudget(maxMemory, maxDisk uint64) *ResourceBudget {
	b := &ResourceBudget{}
	if v, err := envOverride(envMemBytes); err == nil {
		maxMemory = v
	} else if err != errNotSet {
		debug.Infof("memsys: ignoring invalid %s: %v", envMemBytes, err)
	}
	if v, err := envOverride(envDiskBytes); err == nil {
		maxDisk = v
	} else if err != errNotSet {
		debug.Infof("memsys: ignoring invalid %s: %v", envDiskBytes, err)
	}
	b.max[Memory].Store(maxMemory)
	b.max[Disk].Store(maxDisk)
	return b
}

var errNotSet = fmt.Errorf("not set")

func envOverride(name string) (uint64, error) {
	s := os.Getenv(name)
	if s == "" {
		return 0, errNotSet
	}
	v, err := cmn.S2B(s)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Used returns the current accounted bytes for kind.
func (b *ResourceBudget) Used(kind Kind) uint64 { return b.used[kind].Load() }

// Max returns the configured maximum for kind.
func (b *ResourceBudget) Max(kind Kind) uint64 { return b.max[kind].Load() }

// SetMax updates the budget for kind. Does not evict anything itself; the
// caller (DList.UpdateLimit) is responsible for bringing Used() back within
// the new bound on the next reservation.
func (b *ResourceBudget) SetMax(kind Kind, max uint64) { b.max[kind].Store(max) }

// TryAdd adds delta to the kind's used counter iff the result would not
// exceed max. Returns whether the add was applied.
func (b *ResourceBudget) TryAdd(kind Kind, delta uint64) bool {
	for {
		cur := b.used[kind].Load()
		next := cur + delta
		if next > b.max[kind].Load() {
			return false
		}
		if b.used[kind].CAS(cur, next) {
			return true
		}
	}
}

// Add unconditionally adds delta (may be used after a victim scan has
// already verified the budget will be respected).
func (b *ResourceBudget) Add(kind Kind, delta uint64) { b.used[kind].Add(delta) }

// Sub unconditionally subtracts delta; used on release paths. Saturates at
// zero rather than wrapping, since reserved_size bookkeeping errors must
// never manifest as a (very large) unsigned underflow.
func (b *ResourceBudget) Sub(kind Kind, delta uint64) {
	for {
		cur := b.used[kind].Load()
		next := cur - delta
		if delta > cur {
			next = 0
		}
		if b.used[kind].CAS(cur, next) {
			return
		}
	}
}

func (b *ResourceBudget) String() string {
	return fmt.Sprintf("budget(mem=%s/%s, disk=%s/%s)",
		cmn.B2S(int64(b.Used(Memory)), 1), cmn.B2S(int64(b.Max(Memory)), 1),
		cmn.B2S(int64(b.Used(Disk)), 1), cmn.B2S(int64(b.Max(Disk)), 1))
}
