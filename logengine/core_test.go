package logengine

import (
	"testing"

	"github.com/faas-core/engine/fsm"
)

func TestStoreLogAsPrimaryNodeAssignsUniqueLocalIds(t *testing.T) {
	c := NewEngineCore(fsm.NodeId(1))
	c.OnFsmNewView(fsm.NewView(1, []fsm.NodeId{1}, []fsm.NodeId{10}, []fsm.NodeId{20}))
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		localId := c.StoreLogAsPrimaryNode([]uint64{1}, []byte("payload"))
		if seen[localId] {
			t.Fatalf("duplicate local id %d assigned", localId)
		}
		seen[localId] = true
		if fsm.LocalIdToViewId(localId) != 1 || fsm.LocalIdToNodeId(localId) != fsm.NodeId(1) {
			t.Fatalf("expected localid to encode view=1 node=1, got %d", localId)
		}
	}
}

func TestBuildLocalCutMessageReportsOwnCounterAndBackupProgress(t *testing.T) {
	c := NewEngineCore(fsm.NodeId(1))
	c.OnFsmNewView(fsm.NewView(1, []fsm.NodeId{1, 2}, []fsm.NodeId{10}, []fsm.NodeId{20}))

	for i := 0; i < 5; i++ {
		c.StoreLogAsPrimaryNode([]uint64{1}, []byte("x"))
	}

	msg, ok := c.BuildLocalCutMessage()
	if !ok {
		t.Fatalf("expected a cut after appending 5 entries")
	}
	if msg.ViewId != 1 || msg.MyNodeId != fsm.NodeId(1) {
		t.Fatalf("unexpected cut header: %+v", msg)
	}
	if len(msg.LocalIdCuts) != 2 || msg.LocalIdCuts[0] != 5 {
		t.Fatalf("expected own counter 5 as first cut element, got %+v", msg.LocalIdCuts)
	}

	if _, ok := c.BuildLocalCutMessage(); ok {
		t.Fatalf("expected no new cut when nothing changed")
	}

	// A replicated entry from the other engine advances this node's
	// backup-progress element of the cut vector.
	c.StoreLogAsBackupNode(fsm.BuildLocalId(1, fsm.NodeId(2), 0), []uint64{1}, []byte("replicated"))
	msg, ok = c.BuildLocalCutMessage()
	if !ok {
		t.Fatalf("expected a cut after backup progress advanced")
	}
	if msg.LocalIdCuts[1] != 1 {
		t.Fatalf("expected backup progress for node 2 to read 1, got %+v", msg.LocalIdCuts)
	}
}

// TestViewChangeDiscardsStalePendingEntries exercises spec scenario S4: a
// view change arrives while an entry appended under the old view is still
// pending sequencing. The new view must discard it, fire the discard
// callback, and restart the local counter at 0.
func TestViewChangeDiscardsStalePendingEntries(t *testing.T) {
	c := NewEngineCore(fsm.NodeId(1))
	v1 := fsm.NewView(1, []fsm.NodeId{1, 2}, []fsm.NodeId{10}, []fsm.NodeId{20})
	c.OnFsmNewView(v1)

	var discarded []uint64
	c.SetLogDiscardedCallback(func(localId uint64) {
		discarded = append(discarded, localId)
	})

	localId := c.StoreLogAsPrimaryNode([]uint64{1}, []byte("before-view-change"))

	v2 := fsm.NewView(2, []fsm.NodeId{1, 2, 3}, []fsm.NodeId{10}, []fsm.NodeId{20})
	c.OnFsmNewView(v2)

	if _, ok := c.pendingEntries[localId]; ok {
		t.Fatalf("expected entry appended under the old view to be discarded")
	}
	if len(discarded) != 1 || discarded[0] != localId {
		t.Fatalf("expected discard callback to fire once for %d, got %v", localId, discarded)
	}
	if c.nextLocalId != 0 {
		t.Fatalf("expected nextLocalId to restart at 0 after a view change, got %d", c.nextLocalId)
	}

	newLocalId := c.StoreLogAsPrimaryNode([]uint64{1}, []byte("after-view-change"))
	if fsm.LocalIdToViewId(newLocalId) != 2 || fsm.LocalIdToCounter(newLocalId) != 0 {
		t.Fatalf("expected first post-view-change localid to be counter 0 under view 2, got %d", newLocalId)
	}
}

func TestStoreLogAsBackupNodeDropsEntriesFromSupersededView(t *testing.T) {
	c := NewEngineCore(fsm.NodeId(2))
	c.OnFsmNewView(fsm.NewView(3, []fsm.NodeId{1, 2}, []fsm.NodeId{10}, []fsm.NodeId{20}))

	staleLocalId := fsm.BuildLocalId(2, fsm.NodeId(1), 7)
	c.StoreLogAsBackupNode(staleLocalId, []uint64{1}, []byte("stale"))

	if _, ok := c.pendingEntries[staleLocalId]; ok {
		t.Fatalf("expected entry from a superseded view to be dropped silently")
	}
}

func TestStoreLogAsBackupNodePanicsOnOwnPrimaryEntry(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when backing up an entry whose primary is this node")
		}
	}()
	c := NewEngineCore(fsm.NodeId(1))
	c.OnFsmNewView(fsm.NewView(1, []fsm.NodeId{1, 2}, []fsm.NodeId{10}, []fsm.NodeId{20}))
	c.StoreLogAsBackupNode(fsm.BuildLocalId(1, fsm.NodeId(1), 0), []uint64{1}, []byte("x"))
}

func TestLogTagToPrimaryNodeEmptyTagPrefersSelf(t *testing.T) {
	c := NewEngineCore(fsm.NodeId(1))
	c.OnFsmNewView(fsm.NewView(1, []fsm.NodeId{1, 2, 3}, []fsm.NodeId{10}, []fsm.NodeId{20}))
	if got := c.LogTagToPrimaryNode(0); got != fsm.NodeId(1) {
		t.Fatalf("expected empty tag to resolve to self (1), got %d", got)
	}
}

func TestOnFsmLogReplicatedMovesOwnEntriesAndRecordsTagVec(t *testing.T) {
	c := NewEngineCore(fsm.NodeId(1))
	c.OnFsmNewView(fsm.NewView(1, []fsm.NodeId{1, 2}, []fsm.NodeId{10}, []fsm.NodeId{20}))

	var sentStart uint64
	var sentTags []uint64
	c.SetSendTagVecCallback(func(startSeqNum uint64, tags []uint64) {
		sentStart = startSeqNum
		sentTags = tags
	})

	localId := c.StoreLogAsPrimaryNode([]uint64{7}, []byte("payload"))
	c.OnFsmLogReplicated(localId, 500, 1)

	if _, stillPending := c.pendingEntries[localId]; stillPending {
		t.Fatalf("expected entry removed from pending after replication")
	}
	entry, ok, err := c.ReadAt(500)
	if err != nil || !ok {
		t.Fatalf("expected persisted entry at seqnum 500, err=%v ok=%v", err, ok)
	}
	if string(entry.Data) != "payload" {
		t.Fatalf("expected round-tripped payload, got %q", entry.Data)
	}
	if sentStart != 500 || len(sentTags) != 1 || sentTags[0] != 7 {
		t.Fatalf("expected tag vec callback with start=500 tags=[7], got start=%d tags=%v", sentStart, sentTags)
	}
	if seq, ok := c.tagIndex.FindNext(7, 0); !ok || seq != 500 {
		t.Fatalf("expected tag index to answer tag 7 -> seqnum 500, got seq=%d ok=%v", seq, ok)
	}
}
