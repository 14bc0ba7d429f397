package logengine

import (
	"sort"

	"github.com/faas-core/engine/fsm"
)

// TagIndex answers tag -> seqnum queries for entries this engine has
// persisted, fed by the tag vectors OnFsmLogReplicated forwards once this
// node's own entries have been assigned global sequence numbers. Grounded
// on the call pattern engine_core.cpp exercises against its tag_index_
// member (RecvTagData/fsm_progress/OnNewView/OnNewGlobalCut); the actual
// TagIndex class body was not present anywhere in the retrieved source, so
// its internals here are authored fresh from that call-site interface.
type TagIndex struct {
	seqNumsByTag map[uint64][]uint64
	viewId       uint16
	fsmProgress  uint32
}

func NewTagIndex() *TagIndex {
	return &TagIndex{seqNumsByTag: make(map[uint64][]uint64)}
}

// RecvTagData records that primaryNodeId's entries starting at
// startSeqNum carry the given tags, one tag per consecutive seqnum. A
// zero tag (the empty tag) is never indexed, matching SharedLogAppend's
// "tags must be non-zero" contract in types.Environment.
func (t *TagIndex) RecvTagData(primaryNodeId fsm.NodeId, startSeqNum uint64, tags []uint64) {
	for i, tag := range tags {
		if tag == 0 {
			continue
		}
		seqNum := startSeqNum + uint64(i)
		seqs := t.seqNumsByTag[tag]
		if n := len(seqs); n == 0 || seqs[n-1] < seqNum {
			t.seqNumsByTag[tag] = append(seqs, seqNum)
		}
	}
}

// OnNewView resets the index's progress tracking to a fresh view; any
// entries already indexed remain queryable, only the progress watermark
// moves.
func (t *TagIndex) OnNewView(recordSeqNum uint32, viewId uint16) {
	t.fsmProgress = recordSeqNum
	t.viewId = viewId
}

// OnNewGlobalCut advances the index's fsm progress watermark as the
// sequencer's cuts admit more of the meta-log.
func (t *TagIndex) OnNewGlobalCut(recordSeqNum uint32, startSeqNum, endSeqNum uint64) {
	t.fsmProgress = recordSeqNum
}

func (t *TagIndex) FsmProgress() uint32 { return t.fsmProgress }

// FindNext returns the smallest indexed seqnum for tag that is >= seqNum.
func (t *TagIndex) FindNext(tag uint64, seqNum uint64) (uint64, bool) {
	seqs := t.seqNumsByTag[tag]
	idx := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= seqNum })
	if idx >= len(seqs) {
		return 0, false
	}
	return seqs[idx], true
}

// FindPrev returns the largest indexed seqnum for tag that is <= seqNum.
func (t *TagIndex) FindPrev(tag uint64, seqNum uint64) (uint64, bool) {
	seqs := t.seqNumsByTag[tag]
	idx := sort.Search(len(seqs), func(i int) bool { return seqs[i] > seqNum })
	if idx == 0 {
		return 0, false
	}
	return seqs[idx-1], true
}
