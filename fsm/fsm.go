package fsm

import (
	"log"
	"sync"
)

// FsmRecordType distinguishes the three kinds of record the sequencer's
// meta-log pipeline emits.
type FsmRecordType uint8

const (
	FsmRecordNewView FsmRecordType = iota
	FsmRecordLogReplicated
	FsmRecordGlobalCut
)

// FsmRecord is the unit of work the meta-log replicates to every engine
// and storage node: either a view change, notice that a backup node has
// persisted up to some position, or a new set of per-shard cuts.
type FsmRecord struct {
	Type FsmRecordType

	View *View // set when Type == FsmRecordNewView

	BackupNodeId NodeId // set when Type == FsmRecordLogReplicated
	Position     uint64

	Cuts map[NodeId]uint64 // set when Type == FsmRecordGlobalCut, keyed by storage shard id
}

// Fsm applies FsmRecords in order and fans them out to whichever callbacks
// are registered for each record type, mirroring the engine_core.cpp
// OnFsmNewView/OnFsmLogReplicated/OnFsmGlobalCut callback split.
type Fsm struct {
	mu sync.Mutex

	nextExpectedSeq uint64
	onNewView       []func(*View)
	onLogReplicated []func(NodeId, uint64)
	onGlobalCut     []func(map[NodeId]uint64)
}

func NewFsm() *Fsm {
	return &Fsm{}
}

func (f *Fsm) OnNewView(fn func(*View)) {
	f.mu.Lock()
	f.onNewView = append(f.onNewView, fn)
	f.mu.Unlock()
}

func (f *Fsm) OnLogReplicated(fn func(NodeId, uint64)) {
	f.mu.Lock()
	f.onLogReplicated = append(f.onLogReplicated, fn)
	f.mu.Unlock()
}

func (f *Fsm) OnGlobalCut(fn func(map[NodeId]uint64)) {
	f.mu.Lock()
	f.onGlobalCut = append(f.onGlobalCut, fn)
	f.mu.Unlock()
}

// OnRecvRecord applies a record in sequence order. Records can only ever
// be applied in the exact order the meta-log assigned them; a gap is a
// protocol violation (the transport below is expected to deliver in
// order, same as the FSM replication channel in the original engine).
func (f *Fsm) OnRecvRecord(seq uint64, record *FsmRecord) {
	f.mu.Lock()
	if seq != f.nextExpectedSeq {
		f.mu.Unlock()
		log.Fatalf("[FATAL] out-of-order fsm record: got seq=%d, expected=%d", seq, f.nextExpectedSeq)
	}
	f.nextExpectedSeq++
	newView := append([]func(*View){}, f.onNewView...)
	logReplicated := append([]func(NodeId, uint64){}, f.onLogReplicated...)
	globalCut := append([]func(map[NodeId]uint64){}, f.onGlobalCut...)
	f.mu.Unlock()

	switch record.Type {
	case FsmRecordNewView:
		for _, fn := range newView {
			fn(record.View)
		}
	case FsmRecordLogReplicated:
		for _, fn := range logReplicated {
			fn(record.BackupNodeId, record.Position)
		}
	case FsmRecordGlobalCut:
		for _, fn := range globalCut {
			fn(record.Cuts)
		}
	default:
		log.Fatalf("[FATAL] unknown fsm record type %d", record.Type)
	}
}
