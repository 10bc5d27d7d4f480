/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/milvus-io/cachecore/memsys"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot aggregates the observable state across a DList and a
// caller-supplied set of named slots, for operator-facing dumps (cachectl
// stats). The Manager itself keeps no slot registry -- callers own their
// slots and must pass them in explicitly.
type Snapshot struct {
	Budget BudgetSnapshot          `json:"budget"`
	Slots  map[string]SlotSnapshot `json:"slots"`
}

// BudgetSnapshot is DList.Used()/Max() for both budget kinds.
type BudgetSnapshot struct {
	MemoryUsed uint64 `json:"memory_used"`
	MemoryMax  uint64 `json:"memory_max"`
	DiskUsed   uint64 `json:"disk_used"`
	DiskMax    uint64 `json:"disk_max"`
}

// SlotSnapshot is one CacheSlot's observable state.
type SlotSnapshot struct {
	NumCells        int            `json:"num_cells"`
	InFlightBatches int            `json:"in_flight_batches"`
	QueuedCids      []int          `json:"queued_cids"`
	Nodes           []NodeSnapshot `json:"nodes"`
}

// NodeSnapshot is one ListNode's observable state.
type NodeSnapshot struct {
	CID      int    `json:"cid"`
	State    string `json:"state"`
	PinCount int32  `json:"pin_count"`
}

// TakeSnapshot builds a Snapshot from dlist (nil is treated as "tiered
// storage disabled" -- an all-zero BudgetSnapshot) and the given slots,
// keyed by whatever label the caller wants to display them under.
func TakeSnapshot(dlist *DList, slots map[string]*CacheSlot) Snapshot {
	snap := Snapshot{Slots: make(map[string]SlotSnapshot, len(slots))}
	if dlist != nil {
		snap.Budget = BudgetSnapshot{
			MemoryUsed: dlist.Used(memsys.Memory),
			MemoryMax:  dlist.Max(memsys.Memory),
			DiskUsed:   dlist.Used(memsys.Disk),
			DiskMax:    dlist.Max(memsys.Disk),
		}
	}
	for key, slot := range slots {
		nodes := make([]NodeSnapshot, slot.NumCells())
		for cid, n := range slot.nodes {
			nodes[cid] = NodeSnapshot{CID: cid, State: n.State(), PinCount: n.PinCount()}
		}
		snap.Slots[key] = SlotSnapshot{
			NumCells:        slot.NumCells(),
			InFlightBatches: slot.InFlightBatches(),
			QueuedCids:      slot.QueuedCids(),
			Nodes:           nodes,
		}
	}
	return snap
}

// JSON serializes the snapshot with the same jsoniter configuration used
// throughout this codebase's stats/API payloads.
func (s Snapshot) JSON() ([]byte, error) {
	return jsonAPI.MarshalIndent(s, "", "  ")
}
