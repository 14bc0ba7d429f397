package sequencer

import (
	"testing"

	"github.com/faas-core/engine/fsm"
)

func TestSequencerBecomesPrimaryAndBackupOnViewCreated(t *testing.T) {
	s := NewSequencer(fsm.NodeId(1))
	v := fsm.NewView(1, []fsm.NodeId{10, 11}, []fsm.NodeId{1, 2, 3}, []fsm.NodeId{20})
	s.OnViewCreated(v)

	if s.currentPrimary == nil {
		t.Fatalf("expected node 1 to become primary for its own logspace")
	}
	if len(s.backups) != 2 {
		t.Fatalf("expected backup logspaces for the other 2 sequencer nodes, got %d", len(s.backups))
	}
}

func TestSequencerIgnoresMessageFromPastView(t *testing.T) {
	s := NewSequencer(fsm.NodeId(1))
	v1 := fsm.NewView(1, []fsm.NodeId{10}, []fsm.NodeId{1}, []fsm.NodeId{20})
	v2 := fsm.NewView(2, []fsm.NodeId{10}, []fsm.NodeId{1}, []fsm.NodeId{20})
	s.OnViewCreated(v1)
	s.OnViewCreated(v2)

	// A shard-progress report tagged with the now-superseded view 1 must
	// be ignored rather than applied to the (no-longer-current) primary.
	s.OnRecvShardProgress(1, fsm.NodeId(10), 5)
	primaryV1 := s.primaries[logSpaceId(1, 1)]
	if primaryV1.shardProgress[10] != 0 {
		t.Fatalf("expected stale-view report to be ignored, got shard progress %d", primaryV1.shardProgress[10])
	}
}

func TestSequencerHoldsMessageFromFutureViewUntilInstalled(t *testing.T) {
	s := NewSequencer(fsm.NodeId(1))
	v1 := fsm.NewView(1, []fsm.NodeId{10}, []fsm.NodeId{1}, []fsm.NodeId{20})
	s.OnViewCreated(v1)

	// Report arrives tagged for view 2, which hasn't been installed yet.
	s.OnRecvShardProgress(2, fsm.NodeId(10), 5)
	if s.PendingFutureRequests() != 1 {
		t.Fatalf("expected the future-view report to be held, got %d pending", s.PendingFutureRequests())
	}

	v2 := fsm.NewView(2, []fsm.NodeId{10}, []fsm.NodeId{1}, []fsm.NodeId{20})
	s.OnViewCreated(v2)

	if s.PendingFutureRequests() != 0 {
		t.Fatalf("expected held request to be replayed once its view installed")
	}
	primaryV2 := s.primaries[logSpaceId(2, 1)]
	if primaryV2.shardProgress[10] != 5 {
		t.Fatalf("expected replayed report applied to view 2's primary, got %d", primaryV2.shardProgress[10])
	}
}

func TestSequencerMarkNextCutIfDoableWaitsForQuorum(t *testing.T) {
	s := NewSequencer(fsm.NodeId(1))
	v := fsm.NewView(1, []fsm.NodeId{10}, []fsm.NodeId{1, 2, 3}, []fsm.NodeId{20})
	s.OnViewCreated(v)

	var propagated []MetaLogRecord
	s.OnPropagateMetaLog(func(_ *fsm.View, r MetaLogRecord) { propagated = append(propagated, r) })

	// With zero cuts produced so far, "all metalog replicated" is
	// vacuously true (replicated position 0 == metalog seqnum 0), so the
	// first cut goes through without waiting on any backup.
	s.currentPrimary.UpdateShardProgress(10, 4)
	s.MarkNextCutIfDoable()
	if len(propagated) != 1 {
		t.Fatalf("expected the first cut to be produced immediately, got %d", len(propagated))
	}

	// A second shard advance now requires backups to catch up on the
	// cut just produced before another one can be marked.
	s.currentPrimary.UpdateShardProgress(10, 9)
	s.MarkNextCutIfDoable()
	if len(propagated) != 1 {
		t.Fatalf("expected no second cut before metalog replication quorum advances, got %d", len(propagated))
	}

	s.currentPrimary.UpdateMetaLogReplicatedPosition(1, 1)
	s.currentPrimary.UpdateMetaLogReplicatedPosition(2, 1)
	s.currentPrimary.UpdateMetaLogReplicatedPosition(3, 1)
	s.MarkNextCutIfDoable()
	if len(propagated) != 2 {
		t.Fatalf("expected the second cut once quorum caught up, got %d", len(propagated))
	}
}
