// Package fsm implements the View & FSM layer: an immutable per-view
// snapshot of engine-node membership, deterministic primary/backup
// derivation over that membership, and application of FsmRecords produced
// by the sequencer to engines and storage shards subscribed to them.
package fsm

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"github.com/dgryski/go-rendezvous"
)

func hashNodeKey(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// NodeId is an engine/storage/sequencer node identifier, matching the
// uint16 node ids the original cluster config uses.
type NodeId uint16

// View is an immutable snapshot of which nodes belong to the cluster
// during one logical epoch. A new View is installed whenever the
// sequencer observes a membership change; no View is ever mutated after
// construction, so holders of a *View never need to synchronize on it.
type View struct {
	ViewId    uint16
	Engines   []NodeId
	Sequencers []NodeId
	Storages  []NodeId

	hash *rendezvous.Rendezvous
	keys map[string]NodeId
}

// NewView builds an immutable view over the given engine cohort. Sequencer
// and storage node ids are tracked alongside for completeness but only the
// engine cohort participates in rendezvous hashing (the target of a shared
// log tag is always an engine-hosted log shard).
func NewView(viewId uint16, engines, sequencers, storages []NodeId) *View {
	sorted := append([]NodeId(nil), engines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	keys := make(map[string]NodeId, len(sorted))
	nodeKeys := make([]string, 0, len(sorted))
	for _, n := range sorted {
		k := strconv.Itoa(int(n))
		keys[k] = n
		nodeKeys = append(nodeKeys, k)
	}

	return &View{
		ViewId:     viewId,
		Engines:    sorted,
		Sequencers: append([]NodeId(nil), sequencers...),
		Storages:   append([]NodeId(nil), storages...),
		hash:       rendezvous.New(nodeKeys, hashNodeKey),
		keys:       keys,
	}
}

// LogTagToPrimaryNode deterministically picks the engine node responsible
// for storing the shard a given log tag belongs to. Using rendezvous (HRW)
// hashing rather than a simple mod-hash means that when the engine cohort
// changes between views, only the tags owned by the added/removed node
// move — every other tag keeps its existing owner.
func (v *View) LogTagToPrimaryNode(tag uint64) NodeId {
	if len(v.Engines) == 0 {
		return 0
	}
	key := v.hash.Lookup(strconv.FormatUint(tag, 10))
	return v.keys[key]
}

// PickOneNode resolves an arbitrary rendezvous key (e.g. a storage shard
// id) to the engine node that should own it under this view.
func (v *View) PickOneNode(key string) NodeId {
	if len(v.Engines) == 0 {
		return 0
	}
	return v.keys[v.hash.Lookup(key)]
}

func (v *View) HasEngineNode(id NodeId) bool {
	for _, n := range v.Engines {
		if n == id {
			return true
		}
	}
	return false
}

// ForEachPrimaryNode iterates every other engine node in the view, in a
// fixed (sorted) order. The engine calling this uses it to know which
// other engines' shards it might be backing up for: this view models
// full-mesh replication, where every engine is a potential backup for
// every other engine's primary shard.
func (v *View) ForEachPrimaryNode(selfId NodeId, fn func(NodeId)) {
	for _, n := range v.Engines {
		if n != selfId {
			fn(n)
		}
	}
}

// Local ids are packed as (view_id:16, node_id:16, counter:32), matching
// original_source/src/log/engine_core.cpp's BuildLocalId/LocalIdToViewId/
// LocalIdToNodeId: packing the owning view and node into the id itself is
// what lets a view change discard exactly the pending entries that were
// appended under a now-superseded view, without having to track that
// membership anywhere else.
func BuildLocalId(viewId uint16, nodeId NodeId, counter uint32) uint64 {
	return uint64(viewId)<<48 | uint64(nodeId)<<32 | uint64(counter)
}

func LocalIdToViewId(localId uint64) uint16 { return uint16(localId >> 48) }

func LocalIdToNodeId(localId uint64) NodeId { return NodeId(localId >> 32) }

func LocalIdToCounter(localId uint64) uint32 { return uint32(localId) }

// ViewSource is implemented by the out-of-scope cluster coordination
// service: it notifies subscribers when a new View is installed.
type ViewSource interface {
	Subscribe(fn func(*View))
}

// ViewManager tracks the currently-installed View and fans out new-view
// notifications to registered subscribers, serialized behind a mutex the
// way the dispatch Engine guards its own cross-worker state.
type ViewManager struct {
	mu          sync.Mutex
	current     *View
	subscribers []func(*View)
}

func NewViewManager() *ViewManager {
	return &ViewManager{}
}

func (m *ViewManager) Current() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *ViewManager) Subscribe(fn func(*View)) {
	m.mu.Lock()
	current := m.current
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
	if current != nil {
		fn(current)
	}
}

// InstallView replaces the current view and notifies subscribers in
// registration order. Views must install in strictly increasing ViewId
// order; an out-of-order install is a protocol violation.
func (m *ViewManager) InstallView(v *View) {
	m.mu.Lock()
	if m.current != nil && v.ViewId <= m.current.ViewId {
		m.mu.Unlock()
		panic("view installed out of order")
	}
	m.current = v
	subs := append([]func(*View){}, m.subscribers...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}
