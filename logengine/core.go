// Package logengine implements the per-engine shared-log bookkeeping:
// tracking entries appended locally before they are durably sequenced
// (pending_entries), entries the sequencer has confirmed
// (persisted_entries), and the replication progress of whichever shards
// this node backs up, so a local cut can be built and handed to the
// sequencer once there is new work to report.
package logengine

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/faas-core/engine/fsm"
	"github.com/faas-core/engine/slib/common"
)

// LogEntry is one appended-but-not-yet-globally-ordered record: it has a
// LocalId (assigned by this engine at append time) but no SeqNum until
// the sequencer's next cut covers it.
type LogEntry struct {
	LocalId uint64
	Tags    []uint64
	Data    []byte
}

// PersistedEntry is a LogEntry the sequencer has assigned a global SeqNum
// to, keyed by that SeqNum from then on.
type PersistedEntry struct {
	LogEntry
	SeqNum uint64
}

// EngineCore is the engine-side half of one shared-log shard: primary
// storage of freshly appended entries, tracking of how far this node has
// replicated each other engine's shard it backs up, and translation of
// "new local entries exist" into the local-cut message the sequencer
// consumes. Grounded on original_source/src/log/engine_core.{h,cpp}.
type EngineCore struct {
	mu sync.Mutex

	myNodeId fsm.NodeId
	view     *fsm.View

	// nextLocalId is this node's counter for entries it stores as primary;
	// it is reset to 0 on every view change (invariant: localid counters
	// restart at 0 on every view change), since the view id is packed into
	// the localid itself and no longer needs the counter to keep climbing.
	nextLocalId uint32

	pendingEntries   map[uint64]*LogEntry       // keyed by LocalId
	persistedEntries map[uint64]*PersistedEntry // keyed by SeqNum

	// logProgress[primaryNodeId] is how far this node, acting as a backup
	// for primaryNodeId's shard, has durably stored that shard's entries
	// (a counter within the current view, advanced by AdvanceLogProgress).
	logProgress map[fsm.NodeId]uint32
	dirty       bool

	lastReportedCut uint32

	tagIndex *TagIndex

	logPersistedCb func(localId, seqNum uint64)
	logDiscardedCb func(localId uint64)
	sendTagVecCb   func(startSeqNum uint64, tags []uint64)

	snappyThreshold int
}

func NewEngineCore(myNodeId fsm.NodeId) *EngineCore {
	return &EngineCore{
		myNodeId:         myNodeId,
		pendingEntries:   make(map[uint64]*LogEntry),
		persistedEntries: make(map[uint64]*PersistedEntry),
		logProgress:      make(map[fsm.NodeId]uint32),
		tagIndex:         NewTagIndex(),
		snappyThreshold:  common.SnappyCompressThreshold,
	}
}

// SetLogPersistedCallback registers the callback invoked once a pending
// entry is promoted to persisted by a global cut.
func (c *EngineCore) SetLogPersistedCallback(fn func(localId, seqNum uint64)) {
	c.mu.Lock()
	c.logPersistedCb = fn
	c.mu.Unlock()
}

// SetLogDiscardedCallback registers the callback invoked once per pending
// entry a view change discards.
func (c *EngineCore) SetLogDiscardedCallback(fn func(localId uint64)) {
	c.mu.Lock()
	c.logDiscardedCb = fn
	c.mu.Unlock()
}

// SetSendTagVecCallback registers the callback invoked with the tag
// vector of a run of this node's own entries once they are persisted.
func (c *EngineCore) SetSendTagVecCallback(fn func(startSeqNum uint64, tags []uint64)) {
	c.mu.Lock()
	c.sendTagVecCb = fn
	c.mu.Unlock()
}

func (c *EngineCore) currentViewId() uint16 {
	if c.view == nil {
		return 0
	}
	return c.view.ViewId
}

// StoreLogAsPrimaryNode appends a new entry as this node being the primary
// for its shard: the entry enters pendingEntries under a freshly packed
// LocalId (current view, this node, next counter) and the dirty flag is
// set so the next BuildLocalCutMessage call reports it.
func (c *EngineCore) StoreLogAsPrimaryNode(tags []uint64, data []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	localId := fsm.BuildLocalId(c.currentViewId(), c.myNodeId, c.nextLocalId)
	c.nextLocalId++
	c.pendingEntries[localId] = &LogEntry{
		LocalId: localId,
		Tags:    tags,
		Data:    common.CompressData(data),
	}
	c.dirty = true
	return localId
}

// StoreLogAsBackupNode records an entry replicated from the primary node
// of its shard. An entry whose packed localid names a view older than the
// currently installed one is stale (its primary's owner already moved on
// after a view change) and is dropped silently rather than stored.
func (c *EngineCore) StoreLogAsBackupNode(localId uint64, tags []uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	primaryNodeId := fsm.LocalIdToNodeId(localId)
	if primaryNodeId == c.myNodeId {
		panic(fmt.Sprintf("logengine: node %d asked to back up its own primary entry (localid=%d)", c.myNodeId, localId))
	}
	entryViewId := fsm.LocalIdToViewId(localId)
	if c.view != nil && entryViewId < c.view.ViewId {
		return
	}
	c.pendingEntries[localId] = &LogEntry{LocalId: localId, Tags: tags, Data: data}
	if c.view != nil && entryViewId == c.view.ViewId {
		c.advanceLogProgressLocked(primaryNodeId)
	}
}

// AdvanceLogProgress bumps this node's recorded backup progress for
// primaryNodeId's shard as far as contiguous pending entries allow.
func (c *EngineCore) AdvanceLogProgress(primaryNodeId fsm.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLogProgressLocked(primaryNodeId)
}

func (c *EngineCore) advanceLogProgressLocked(primaryNodeId fsm.NodeId) {
	if c.view == nil {
		return
	}
	counter := c.logProgress[primaryNodeId]
	for {
		localId := fsm.BuildLocalId(c.view.ViewId, primaryNodeId, counter)
		if _, ok := c.pendingEntries[localId]; !ok {
			break
		}
		counter++
	}
	if counter > c.logProgress[primaryNodeId] {
		c.logProgress[primaryNodeId] = counter
		c.dirty = true
	}
}

// LogTagToPrimaryNode resolves the engine node responsible for storing
// entries under tag. The empty tag (0) is special-cased to this node
// itself whenever it belongs to the current view, since untagged entries
// are routed to whichever engine originated them rather than rendezvous-
// hashed like every other tag; otherwise an arbitrary view member is
// picked the same way a storage shard id would be.
func (c *EngineCore) LogTagToPrimaryNode(tag uint64) fsm.NodeId {
	c.mu.Lock()
	view := c.view
	myNodeId := c.myNodeId
	c.mu.Unlock()
	if view == nil {
		return 0
	}
	if tag == 0 {
		if view.HasEngineNode(myNodeId) {
			return myNodeId
		}
		return view.PickOneNode("empty-log-tag")
	}
	return view.LogTagToPrimaryNode(tag)
}

// LocalCutMessage is what gets handed to the sequencer, matching
// LocalCutMsgProto: this node's own counter first, followed by its
// backup-replication progress for every other engine it backs up, in
// ForEachPrimaryNode order.
type LocalCutMessage struct {
	ViewId      uint16
	MyNodeId    fsm.NodeId
	LocalIdCuts []uint32
}

// BuildLocalCutMessage returns the next cut to send to the sequencer, or
// ok=false if nothing new has become safe to report since the last call.
func (c *EngineCore) BuildLocalCutMessage() (msg LocalCutMessage, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.view == nil {
		return LocalCutMessage{}, false
	}
	cuts := make([]uint32, 0, len(c.view.Engines))
	cuts = append(cuts, c.nextLocalId)
	c.view.ForEachPrimaryNode(c.myNodeId, func(primaryNodeId fsm.NodeId) {
		cuts = append(cuts, c.logProgress[primaryNodeId])
	})
	c.lastReportedCut = c.nextLocalId
	c.dirty = false
	return LocalCutMessage{ViewId: c.view.ViewId, MyNodeId: c.myNodeId, LocalIdCuts: cuts}, true
}

// OnFsmNewView installs a fresh view snapshot: every pending entry
// appended under a now-superseded view is discarded (firing the
// log-discarded callback for each), the local counter restarts at 0, and
// backup-progress tracking is cleared and re-seeded against the new
// cohort. Grounded on engine_core.cpp's OnFsmNewView.
func (c *EngineCore) OnFsmNewView(v *fsm.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for localId := range c.pendingEntries {
		if fsm.LocalIdToViewId(localId) < v.ViewId {
			delete(c.pendingEntries, localId)
			if c.logDiscardedCb != nil {
				c.logDiscardedCb(localId)
			}
		}
	}

	c.view = v
	c.nextLocalId = 0
	c.lastReportedCut = 0
	c.logProgress = make(map[fsm.NodeId]uint32)

	if v.HasEngineNode(c.myNodeId) {
		v.ForEachPrimaryNode(c.myNodeId, func(primaryNodeId fsm.NodeId) {
			c.logProgress[primaryNodeId] = 0
			c.advanceLogProgressLocked(primaryNodeId)
		})
	}

	c.tagIndex.OnNewView(uint32(v.ViewId), v.ViewId)
	c.dirty = true
}

// OnFsmLogReplicated applies the sequencer's assignment of global
// sequence numbers to a contiguous run of startLocalId..startLocalId+delta
// entries: each moves from pendingEntries to persistedEntries keyed by its
// new SeqNum, firing the log-persisted callback. If this run belongs to
// this node's own primary shard, the run's tag vector is additionally fed
// to the tag index and handed to the send-tag-vec callback, mirroring the
// original's gating on LocalIdToNodeId(start_localid) == my_node_id_.
func (c *EngineCore) OnFsmLogReplicated(startLocalId, startSeqNum uint64, delta uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	own := fsm.LocalIdToNodeId(startLocalId) == c.myNodeId
	var tags []uint64
	if own {
		tags = make([]uint64, 0, delta)
	}

	for i := uint32(0); i < delta; i++ {
		localId := startLocalId + uint64(i)
		seqNum := startSeqNum + uint64(i)
		entry, ok := c.pendingEntries[localId]
		if !ok {
			if own {
				tags = append(tags, 0)
			}
			continue
		}
		delete(c.pendingEntries, localId)
		c.persistedEntries[seqNum] = &PersistedEntry{LogEntry: *entry, SeqNum: seqNum}
		if c.logPersistedCb != nil {
			c.logPersistedCb(localId, seqNum)
		}
		if own {
			primaryTag := uint64(0)
			if len(entry.Tags) > 0 {
				primaryTag = entry.Tags[0]
			}
			tags = append(tags, primaryTag)
		}
	}

	if own {
		c.tagIndex.RecvTagData(c.myNodeId, startSeqNum, tags)
		if c.sendTagVecCb != nil {
			c.sendTagVecCb(startSeqNum, tags)
		}
	}
}

// OnFsmGlobalCut advances the tag index's fsm progress watermark as the
// sequencer's global cuts admit more of the meta-log.
func (c *EngineCore) OnFsmGlobalCut(recordSeqNum uint32, startSeqNum, endSeqNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagIndex.OnNewGlobalCut(recordSeqNum, startSeqNum, endSeqNum)
}

// ReadAt returns a persisted entry's (decompressed) data by seqnum.
func (c *EngineCore) ReadAt(seqNum uint64) (*PersistedEntry, bool, error) {
	c.mu.Lock()
	entry, ok := c.persistedEntries[seqNum]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	data, err := common.DecompressData(entry.Data)
	if err != nil {
		return nil, true, fmt.Errorf("decompress persisted entry %d: %w", seqNum, err)
	}
	copied := *entry
	copied.Data = data
	return &copied, true, nil
}

// DumpState writes a human-readable snapshot of engine-core bookkeeping,
// the Go equivalent of engine_core.cpp's DoStateCheck diagnostic dump.
func (c *EngineCore) DumpState(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(w, "EngineCore node=%d view=%d pending=%d persisted=%d nextLocalId=%d lastReportedCut=%d dirty=%v\n",
		c.myNodeId, c.currentViewId(), len(c.pendingEntries), len(c.persistedEntries), c.nextLocalId, c.lastReportedCut, c.dirty)
	backups := make([]fsm.NodeId, 0, len(c.logProgress))
	for id := range c.logProgress {
		backups = append(backups, id)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i] < backups[j] })
	for _, id := range backups {
		fmt.Fprintf(w, "  backing up primary=%d progress=%d\n", id, c.logProgress[id])
	}
}
