package sequencer

import (
	"fmt"
	"log"
	"sync"

	"github.com/faas-core/engine/fsm"
)

// logSpaceId packs a view id and node id the way the original's
// bits::JoinTwo16 does, giving every (view, sequencer) pair and every
// (view, storage) pair its own MetaLogPrimary/MetaLogBackup/LogStorage
// instance without them colliding across view changes.
func logSpaceId(viewId uint16, nodeId fsm.NodeId) uint32 {
	return uint32(viewId)<<16 | uint32(nodeId)
}

// Sequencer is one cluster node's metalog authority: primary for the
// views where it's the designated sequencer, backup for views where
// it replicates someone else's primary, holding messages that reference
// a view it hasn't installed yet rather than dropping or misapplying them.
type Sequencer struct {
	myNodeId fsm.NodeId

	mu             sync.Mutex
	currentView    *fsm.View
	currentPrimary *MetaLogPrimary
	primaries      map[uint32]*MetaLogPrimary
	backups        map[uint32]*MetaLogBackup
	future         *FutureRequests

	onPropagateMetaLog func(view *fsm.View, record MetaLogRecord)
}

func NewSequencer(myNodeId fsm.NodeId) *Sequencer {
	return &Sequencer{
		myNodeId:  myNodeId,
		primaries: make(map[uint32]*MetaLogPrimary),
		backups:   make(map[uint32]*MetaLogBackup),
		future:    NewFutureRequests(),
	}
}

// OnPropagateMetaLog registers the callback invoked whenever a cut
// becomes ready to ship to engines (the out-of-scope transport layer).
func (s *Sequencer) OnPropagateMetaLog(fn func(view *fsm.View, record MetaLogRecord)) {
	s.onPropagateMetaLog = fn
}

func (s *Sequencer) containsMe(view *fsm.View) bool {
	for _, id := range view.Sequencers {
		if id == s.myNodeId {
			return true
		}
	}
	return false
}

// OnViewCreated installs a fresh view: if this node is one of the view's
// sequencers it becomes primary for its own logspace id and backup for
// every other sequencer node's logspace, then replays any requests that
// were held waiting for exactly this view.
func (s *Sequencer) OnViewCreated(view *fsm.View) {
	s.mu.Lock()
	if s.containsMe(view) {
		s.primaries[logSpaceId(view.ViewId, s.myNodeId)] = NewMetaLogPrimary(view, logSpaceId(view.ViewId, s.myNodeId))
		for _, id := range view.Sequencers {
			if id != s.myNodeId {
				s.backups[logSpaceId(view.ViewId, id)] = NewMetaLogBackup(view, id)
			}
		}
	}
	s.currentPrimary = s.primaries[logSpaceId(view.ViewId, s.myNodeId)]
	s.currentView = view
	ready := s.future.OnNewView(view.ViewId)
	s.mu.Unlock()

	for _, r := range ready {
		r.Replay()
	}
}

func (s *Sequencer) OnViewFrozen(view *fsm.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentView == nil || view.ViewId != s.currentView.ViewId {
		log.Panicf("view frozen out of sequence: got %d, current %v", view.ViewId, s.currentView)
	}
	if s.currentPrimary != nil {
		s.currentPrimary.Freeze()
	}
	for id, b := range s.backups {
		if logSpaceViewId(id) == view.ViewId {
			b.Freeze()
		}
	}
}

func (s *Sequencer) OnViewFinalized(view *fsm.View) {
	// Finalization after freeze carries no further state transition in
	// this trimmed model: frozen log spaces are simply retired once the
	// next view installs, matching the original's FinalizedLogSpace pass
	// that here reduces to a no-op beyond the freeze already applied.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentView == nil || view.ViewId != s.currentView.ViewId {
		log.Panicf("view finalized out of sequence: got %d, current %v", view.ViewId, s.currentView)
	}
}

func logSpaceViewId(id uint32) uint16 {
	return uint16(id >> 16)
}

// viewPolicy classifies an incoming message's view id against the
// currently installed view, matching the original's three macros:
// PANIC (should never legitimately happen), ONHOLD (buffer for replay),
// and IGNORE (stale, already superseded).
type viewPolicy int

const (
	viewPolicyProceed viewPolicy = iota
	viewPolicyHold
	viewPolicyIgnore
	viewPolicyPanic
)

func (s *Sequencer) classifyViewLocked(msgViewId uint16, holdable bool) viewPolicy {
	if s.currentView == nil || msgViewId > s.currentView.ViewId {
		if holdable {
			return viewPolicyHold
		}
		return viewPolicyPanic
	}
	if msgViewId < s.currentView.ViewId {
		return viewPolicyIgnore
	}
	return viewPolicyProceed
}

// OnRecvMetaLogProgress applies a META_PROG report from a backup
// sequencer and, if it advances the replicated position, propagates any
// newly-safe cuts to engines. Messages from a future view are a protocol
// violation (backups only ever report on views already installed here).
func (s *Sequencer) OnRecvMetaLogProgress(msgViewId uint16, backupId fsm.NodeId, metalogPosition uint32) {
	s.mu.Lock()
	switch s.classifyViewLocked(msgViewId, false) {
	case viewPolicyPanic:
		s.mu.Unlock()
		log.Panicf("received meta log progress from future view %d", msgViewId)
	case viewPolicyIgnore:
		s.mu.Unlock()
		return
	}
	primary := s.primaries[logSpaceId(msgViewId, s.myNodeId)]
	view := s.currentView
	s.mu.Unlock()
	if primary == nil || primary.Frozen() {
		return
	}

	oldPos := primary.ReplicatedMetalogPosition()
	primary.UpdateMetaLogReplicatedPosition(backupId, metalogPosition)
	newPos := primary.ReplicatedMetalogPosition()
	if newPos <= oldPos {
		return
	}
	records, ok := primary.GetMetaLogs(oldPos, newPos)
	if !ok {
		log.Panicf("cannot get metalogs between %d and %d", oldPos, newPos)
	}
	for _, r := range records {
		if s.onPropagateMetaLog != nil {
			s.onPropagateMetaLog(view, r)
		}
	}
}

// OnRecvShardProgress applies a per-engine replicated-shard-position
// report from a storage node, possibly from a future view (storage
// progress reports can race a view install, so they're held, not
// rejected).
func (s *Sequencer) OnRecvShardProgress(msgViewId uint16, engineId fsm.NodeId, position uint64) {
	s.mu.Lock()
	switch s.classifyViewLocked(msgViewId, true) {
	case viewPolicyHold:
		s.future.OnHoldRequest(msgViewId, func() {
			s.OnRecvShardProgress(msgViewId, engineId, position)
		})
		s.mu.Unlock()
		return
	case viewPolicyIgnore:
		s.mu.Unlock()
		return
	}
	primary := s.primaries[logSpaceId(msgViewId, s.myNodeId)]
	s.mu.Unlock()
	if primary == nil || primary.Frozen() {
		return
	}
	primary.UpdateShardProgress(engineId, position)
}

// OnRecvNewMetaLogs applies cuts streamed from a remote primary to this
// node's backup copy of that logspace, then (if any new cuts were
// accepted) reports the new replicated position back so the primary can
// advance its quorum.
func (s *Sequencer) OnRecvNewMetaLogs(msgViewId uint16, records []MetaLogRecord) (newPosition uint32, shouldReport bool) {
	s.mu.Lock()
	switch s.classifyViewLocked(msgViewId, true) {
	case viewPolicyHold:
		s.future.OnHoldRequest(msgViewId, func() { s.OnRecvNewMetaLogs(msgViewId, records) })
		s.mu.Unlock()
		return 0, false
	case viewPolicyIgnore:
		s.mu.Unlock()
		return 0, false
	}
	var backup *MetaLogBackup
	if len(records) > 0 {
		backup = s.backups[records[0].LogSpaceId]
	}
	s.mu.Unlock()
	if backup == nil || backup.Frozen() {
		return 0, false
	}
	oldPosition := backup.MetalogPosition()
	for _, r := range records {
		if !backup.ProvideMetaLog(r) {
			log.Panicf("out-of-order metalog cut for backup logspace %d", r.LogSpaceId)
		}
	}
	newPosition = backup.MetalogPosition()
	return newPosition, newPosition > oldPosition
}

// MarkNextCutIfDoable asks the current view's primary to build its next
// cut, but only once the median-quorum replicated position has caught up
// with every metalog entry produced so far — acting on an
// under-replicated cut would risk losing data if this primary failed
// immediately after.
func (s *Sequencer) MarkNextCutIfDoable() {
	s.mu.Lock()
	primary := s.currentPrimary
	view := s.currentView
	s.mu.Unlock()
	if primary == nil || view == nil || primary.Frozen() {
		return
	}
	if !primary.AllMetalogReplicated() {
		return
	}
	record, ok := primary.MarkNextCut()
	if !ok {
		return
	}
	if s.onPropagateMetaLog != nil {
		s.onPropagateMetaLog(view, record)
	}
}

func (s *Sequencer) PendingFutureRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.future.PendingCount()
}

func (s *Sequencer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	viewId := uint16(0)
	if s.currentView != nil {
		viewId = s.currentView.ViewId
	}
	return fmt.Sprintf("Sequencer[node=%d view=%d]", s.myNodeId, viewId)
}
