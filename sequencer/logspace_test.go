package sequencer

import (
	"testing"

	"github.com/faas-core/engine/fsm"
)

func testView() *fsm.View {
	return fsm.NewView(1, []fsm.NodeId{10, 11}, []fsm.NodeId{1, 2, 3}, []fsm.NodeId{20})
}

func TestMetaLogPrimaryMarkNextCutOnlyWhenDirty(t *testing.T) {
	v := testView()
	p := NewMetaLogPrimary(v, logSpaceId(v.ViewId, 1))

	if _, ok := p.MarkNextCut(); ok {
		t.Fatalf("expected no cut before any shard progress reported")
	}

	p.UpdateShardProgress(10, 5)
	record, ok := p.MarkNextCut()
	if !ok {
		t.Fatalf("expected a cut once a shard advanced")
	}
	if record.ShardDeltas[10] != 5 {
		t.Fatalf("expected delta 5 for engine 10, got %d", record.ShardDeltas[10])
	}
	if record.ShardDeltas[11] != 0 {
		t.Fatalf("expected delta 0 for untouched engine 11, got %d", record.ShardDeltas[11])
	}

	if _, ok := p.MarkNextCut(); ok {
		t.Fatalf("expected no cut immediately after a clean cut")
	}
}

func TestMetaLogPrimaryReplicatedPositionIsMedianQuorum(t *testing.T) {
	v := testView()
	p := NewMetaLogPrimary(v, logSpaceId(v.ViewId, 1))
	p.UpdateShardProgress(10, 3)
	p.MarkNextCut()
	p.UpdateShardProgress(10, 7)
	p.MarkNextCut()
	p.UpdateShardProgress(10, 9)
	p.MarkNextCut()
	// metalogSeqNum is now 3 (three cuts produced).

	p.UpdateMetaLogReplicatedPosition(1, 3) // self-ish report
	p.UpdateMetaLogReplicatedPosition(2, 1)
	p.UpdateMetaLogReplicatedPosition(3, 2)
	// sorted: [1,2,3] -> median index 1 -> value 2
	if p.ReplicatedMetalogPosition() != 2 {
		t.Fatalf("expected median replicated position 2, got %d", p.ReplicatedMetalogPosition())
	}
}

func TestMetaLogPrimaryPanicsOnReportFromUnknownBackup(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on a replicated-position report from a non-replica sequencer")
		}
	}()
	v := testView()
	p := NewMetaLogPrimary(v, logSpaceId(v.ViewId, 1))
	p.UpdateMetaLogReplicatedPosition(99, 0)
}

func TestMetaLogPrimaryPanicsOnFutureAck(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on an ack ahead of the primary's own metalog seqnum")
		}
	}()
	v := testView()
	p := NewMetaLogPrimary(v, logSpaceId(v.ViewId, 1))
	p.UpdateMetaLogReplicatedPosition(2, 1)
}

func TestMetaLogBackupRejectsOutOfOrderCut(t *testing.T) {
	v := testView()
	b := NewMetaLogBackup(v, 2)
	if ok := b.ProvideMetaLog(MetaLogRecord{MetalogSeqNum: 1}); ok {
		t.Fatalf("expected backup to reject a cut with a gap before it")
	}
	if ok := b.ProvideMetaLog(MetaLogRecord{MetalogSeqNum: 0}); !ok {
		t.Fatalf("expected backup to accept the first cut in order")
	}
	if b.MetalogPosition() != 1 {
		t.Fatalf("expected metalog position 1 after one accepted cut, got %d", b.MetalogPosition())
	}
}

func TestLogStorageOnNewLogsPromotesPendingToLive(t *testing.T) {
	v := testView()
	s := NewLogStorage(v, 20, []fsm.NodeId{10})

	s.Store(10, localIdFor(v, 10, 0), []uint64{1}, []byte("a"))
	s.Store(10, localIdFor(v, 10, 1), []uint64{1}, []byte("b"))

	progress, ok := s.GrabShardProgressForSending()
	if !ok || progress[0] != 2 {
		t.Fatalf("expected shard progress 2 for engine 10, got %v ok=%v", progress, ok)
	}

	s.OnNewLogs(10, 100, localIdFor(v, 10, 0), 2)

	s.ReadAt(100)
	results := s.PollReadResults()
	if len(results) != 1 || results[0].Status != ReadOK || string(results[0].Entry.Data) != "a" {
		t.Fatalf("expected live read of seqnum 100 to return entry a, got %+v", results)
	}
}

func TestLogStorageReadAtParksFutureSeqNum(t *testing.T) {
	v := testView()
	s := NewLogStorage(v, 20, []fsm.NodeId{10})
	s.ReadAt(500) // nothing live yet

	if len(s.PollReadResults()) != 0 {
		t.Fatalf("expected no immediate result for a future seqnum")
	}

	s.Store(10, localIdFor(v, 10, 0), nil, []byte("payload"))
	s.OnNewLogs(10, 500, localIdFor(v, 10, 0), 1)

	results := s.PollReadResults()
	if len(results) != 1 || results[0].Status != ReadOK {
		t.Fatalf("expected parked read to resolve once its seqnum went live, got %+v", results)
	}
}

func TestLogStorageShrinksLiveEntriesPastPersistedWatermark(t *testing.T) {
	v := testView()
	s := NewLogStorage(v, 20, []fsm.NodeId{10})
	s.maxLiveEntries = 2

	for i := uint64(0); i < 5; i++ {
		s.Store(10, localIdFor(v, 10, i), nil, []byte("x"))
	}
	s.OnNewLogs(10, 0, localIdFor(v, 10, 0), 5)
	if len(s.liveSeqNums) != 5 {
		t.Fatalf("expected all 5 entries live before any persistence, got %d", len(s.liveSeqNums))
	}

	s.LogEntriesPersisted(4)
	if len(s.liveSeqNums) > 2 {
		t.Fatalf("expected shrink to respect maxLiveEntries once entries are persisted, got %d", len(s.liveSeqNums))
	}
}
