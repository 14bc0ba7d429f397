// Package sequencer implements the per-view metalog sequencing core: a
// primary metalog space that merges per-engine local cuts into global
// cuts and replicates them to backup sequencer nodes, plus the storage
// node's live/persisted bookkeeping of the log entries those cuts admit.
package sequencer

import (
	"fmt"
	"sort"

	"github.com/faas-core/engine/fsm"
)

// MetaLogRecordType mirrors MetaLogProto's oneof: a cut admits a run of
// newly-sequenced entries per engine shard.
type MetaLogRecordType int

const (
	MetaLogNewLogs MetaLogRecordType = iota
)

// MetaLogRecord is the wire-level record the primary produces on each cut
// and ships to its backups and to engines, grounded on MetaLogProto /
// NewLogsProto in the original implementation.
type MetaLogRecord struct {
	LogSpaceId   uint32
	MetalogSeqNum uint32
	Type         MetaLogRecordType
	StartSeqNum  uint64
	ShardStarts  map[fsm.NodeId]uint64
	ShardDeltas  map[fsm.NodeId]uint64
}

// MetaLogPrimary is the sequencer-side authority for one view's metalog
// space: it tracks each engine's replicated shard progress, computes
// cuts once new data exists across dirty shards, and tracks how far
// backup sequencer nodes have replicated the metalog itself (via the
// median-quorum rule) so it knows which cuts are safe to hand to engines.
type MetaLogPrimary struct {
	view         *fsm.View
	logSpaceId   uint32
	metalogSeqNum uint32

	shardProgress map[fsm.NodeId]uint64 // per engine: replicated local-cut position
	lastCut       map[fsm.NodeId]uint64 // per engine: position included in the last cut
	dirtyShards   map[fsm.NodeId]bool

	seqNumPosition uint64 // next global seqnum to assign

	// metalogProgresses[backupSequencerId] = highest metalog seqnum that
	// backup has durably stored.
	metalogProgresses        map[fsm.NodeId]uint64
	replicatedMetalogPosition uint32

	cuts []MetaLogRecord // history, by metalogSeqNum, for replay to late-joining backups

	frozen bool
}

func NewMetaLogPrimary(view *fsm.View, logSpaceId uint32) *MetaLogPrimary {
	p := &MetaLogPrimary{
		view:              view,
		logSpaceId:        logSpaceId,
		shardProgress:     make(map[fsm.NodeId]uint64),
		lastCut:           make(map[fsm.NodeId]uint64),
		dirtyShards:       make(map[fsm.NodeId]bool),
		metalogProgresses: make(map[fsm.NodeId]uint64),
	}
	for _, engineId := range view.Engines {
		p.shardProgress[engineId] = 0
		p.lastCut[engineId] = 0
	}
	for _, seqId := range view.Sequencers {
		p.metalogProgresses[seqId] = 0
	}
	return p
}

func (p *MetaLogPrimary) Frozen() bool { return p.frozen }
func (p *MetaLogPrimary) Freeze()      { p.frozen = true }

// UpdateShardProgress applies an engine's reported local-cut position
// (i.e., how far this primary has been told that engine's entries are
// safely replicated), marking the engine dirty if this advances anything
// not yet covered by the last cut.
func (p *MetaLogPrimary) UpdateShardProgress(engineId fsm.NodeId, position uint64) {
	if position > p.shardProgress[engineId] {
		p.shardProgress[engineId] = position
		if position > p.lastCut[engineId] {
			p.dirtyShards[engineId] = true
		}
	}
}

// UpdateMetaLogReplicatedPosition applies a META_PROG report from a
// backup sequencer node and recomputes the replicated position as the
// median across all known backups, matching the original's
// absl::c_sort + midpoint rule: a cut is only safe to act on once a
// majority of backups have durably stored it.
func (p *MetaLogPrimary) UpdateMetaLogReplicatedPosition(backupId fsm.NodeId, metalogPosition uint32) {
	if _, isReplica := p.metalogProgresses[backupId]; !isReplica {
		panic(fmt.Sprintf("sequencer: metalog replicated-position report from %d, which is not a replica of logspace %d", backupId, p.logSpaceId))
	}
	if metalogPosition > p.metalogSeqNum {
		panic(fmt.Sprintf("sequencer: metalog replicated-position report %d from %d is ahead of logspace %d's own metalog seqnum %d", metalogPosition, backupId, p.logSpaceId, p.metalogSeqNum))
	}
	if uint64(metalogPosition) > p.metalogProgresses[backupId] {
		p.metalogProgresses[backupId] = uint64(metalogPosition)
	}
	if len(p.metalogProgresses) == 0 {
		return
	}
	progress := make([]uint64, 0, len(p.metalogProgresses))
	for _, v := range p.metalogProgresses {
		progress = append(progress, v)
	}
	sort.Slice(progress, func(i, j int) bool { return progress[i] < progress[j] })
	mid := progress[len(progress)/2]
	if mid > uint64(p.replicatedMetalogPosition) {
		p.replicatedMetalogPosition = uint32(mid)
	}
}

func (p *MetaLogPrimary) ReplicatedMetalogPosition() uint32 { return p.replicatedMetalogPosition }

func (p *MetaLogPrimary) AllMetalogReplicated() bool {
	return uint64(p.replicatedMetalogPosition) == uint64(p.metalogSeqNum)
}

// MarkNextCut builds a new MetaLogRecord covering every shard that has
// advanced since the last cut, or returns ok=false if nothing is dirty.
func (p *MetaLogPrimary) MarkNextCut() (MetaLogRecord, bool) {
	if len(p.dirtyShards) == 0 {
		return MetaLogRecord{}, false
	}
	record := MetaLogRecord{
		LogSpaceId:    p.logSpaceId,
		MetalogSeqNum: p.metalogSeqNum,
		Type:          MetaLogNewLogs,
		StartSeqNum:   p.seqNumPosition,
		ShardStarts:   make(map[fsm.NodeId]uint64, len(p.view.Engines)),
		ShardDeltas:   make(map[fsm.NodeId]uint64, len(p.view.Engines)),
	}
	for _, engineId := range p.view.Engines {
		record.ShardStarts[engineId] = p.lastCut[engineId]
		var delta uint64
		if p.dirtyShards[engineId] {
			current := p.shardProgress[engineId]
			delta = current - p.lastCut[engineId]
			p.lastCut[engineId] = current
		}
		record.ShardDeltas[engineId] = delta
		p.seqNumPosition += delta
	}
	p.dirtyShards = make(map[fsm.NodeId]bool)
	p.metalogSeqNum++
	p.cuts = append(p.cuts, record)
	return record, true
}

// GetMetaLogs returns the cuts in [from, to) metalog-seqnum range, used
// to propagate newly-replicated-but-not-yet-announced cuts to engines.
func (p *MetaLogPrimary) GetMetaLogs(from, to uint32) ([]MetaLogRecord, bool) {
	if int(to) > len(p.cuts) || from > to {
		return nil, false
	}
	return append([]MetaLogRecord(nil), p.cuts[from:to]...), true
}

// MetaLogBackup mirrors a remote primary's cut stream so this sequencer
// node can take over if the primary fails; it applies cuts strictly in
// order and reports back how far it has replicated via OnRecvMetaLogProgress.
type MetaLogBackup struct {
	view          *fsm.View
	sequencerId   fsm.NodeId
	metalogPosition uint32
	cuts          []MetaLogRecord
	frozen        bool
}

func NewMetaLogBackup(view *fsm.View, sequencerId fsm.NodeId) *MetaLogBackup {
	return &MetaLogBackup{view: view, sequencerId: sequencerId}
}

func (b *MetaLogBackup) Frozen() bool { return b.frozen }
func (b *MetaLogBackup) Freeze()      { b.frozen = true }
func (b *MetaLogBackup) MetalogPosition() uint32 { return b.metalogPosition }

// ProvideMetaLog appends one cut the primary has sent; cuts must arrive
// in strict metalog-seqnum order (the primary's replication stream is
// ordered, so a gap indicates a lost message upstream).
func (b *MetaLogBackup) ProvideMetaLog(record MetaLogRecord) bool {
	if record.MetalogSeqNum != b.metalogPosition {
		return false
	}
	b.cuts = append(b.cuts, record)
	b.metalogPosition++
	return true
}

// LogEntry is a shard-sequenced log entry as seen by a storage node:
// before OnNewLogs it is keyed by LocalId (pending), after by SeqNum (live).
type LogEntry struct {
	LocalId uint64
	SeqNum  uint64
	Tags    []uint64
	Data    []byte
}

type ReadStatus int

const (
	ReadOK ReadStatus = iota
	ReadFailed
	ReadLookupDB
)

type ReadResult struct {
	Status  ReadStatus
	Entry   *LogEntry
	SeqNum  uint64
}

// LogStorage tracks, for one storage node, every engine shard it backs:
// pending entries keyed by local id until a cut admits them, then live
// entries keyed by global seqnum until GC'd past the persisted watermark.
type LogStorage struct {
	view          *fsm.View
	storageId     fsm.NodeId
	sourceEngines []fsm.NodeId

	pendingEntries map[uint64]*LogEntry // keyed by LocalId
	liveSeqNums    []uint64             // sorted ascending
	liveEntries    map[uint64]*LogEntry // keyed by SeqNum

	shardProgress      map[fsm.NodeId]uint64
	shardProgressDirty bool

	persistedSeqNumPosition uint64
	maxLiveEntries          int

	pendingReads []ReadResult // requests arrived for not-yet-live seqnums, resolved by OnNewLogs
	readResults  []ReadResult
}

const defaultMaxLiveEntries = 10000

func NewLogStorage(view *fsm.View, storageId fsm.NodeId, sourceEngines []fsm.NodeId) *LogStorage {
	s := &LogStorage{
		view:            view,
		storageId:       storageId,
		sourceEngines:   append([]fsm.NodeId(nil), sourceEngines...),
		pendingEntries:  make(map[uint64]*LogEntry),
		liveEntries:     make(map[uint64]*LogEntry),
		shardProgress:   make(map[fsm.NodeId]uint64),
		maxLiveEntries:  defaultMaxLiveEntries,
	}
	for _, e := range sourceEngines {
		s.shardProgress[e] = 0
	}
	return s
}

func (s *LogStorage) isSourceEngine(engineId fsm.NodeId) bool {
	for _, e := range s.sourceEngines {
		if e == engineId {
			return true
		}
	}
	return false
}

// Store records an entry replicated from an engine, keyed by LocalId,
// and advances that engine's shard progress as far as contiguous
// pending entries allow.
func (s *LogStorage) Store(engineId fsm.NodeId, localId uint64, tags []uint64, data []byte) bool {
	if !s.isSourceEngine(engineId) {
		return false
	}
	s.pendingEntries[localId] = &LogEntry{LocalId: localId, Tags: tags, Data: data}
	s.advanceShardProgress(engineId)
	return true
}

func (s *LogStorage) advanceShardProgress(engineId fsm.NodeId) {
	current := s.shardProgress[engineId]
	for {
		if _, ok := s.pendingEntries[localIdFor(s.view, engineId, current)]; !ok {
			break
		}
		current++
	}
	if current > s.shardProgress[engineId] {
		s.shardProgress[engineId] = current
		s.shardProgressDirty = true
	}
}

// localIdFor packs a storage-side local id the same way the owning
// engine's EngineCore does (fsm.BuildLocalId: view_id:16, node_id:16,
// counter:32), since the local ids this storage node receives over
// replication are literally the engine's own packed ids and must decode
// the same way on both sides.
func localIdFor(view *fsm.View, engineId fsm.NodeId, counter uint64) uint64 {
	return fsm.BuildLocalId(view.ViewId, engineId, uint32(counter))
}

// ReadAt looks up a seqnum: if it hasn't been cut into existence yet the
// request is parked and answered later from OnNewLogs.
func (s *LogStorage) ReadAt(seqNum uint64) {
	if seqNum >= s.nextSeqNum() {
		s.pendingReads = append(s.pendingReads, ReadResult{SeqNum: seqNum})
		return
	}
	result := ReadResult{Status: ReadFailed, SeqNum: seqNum}
	if entry, ok := s.liveEntries[seqNum]; ok {
		result.Status = ReadOK
		result.Entry = entry
	} else if seqNum < s.persistedSeqNumPosition {
		result.Status = ReadLookupDB
	}
	s.readResults = append(s.readResults, result)
}

func (s *LogStorage) nextSeqNum() uint64 {
	if len(s.liveSeqNums) == 0 {
		return s.persistedSeqNumPosition
	}
	return s.liveSeqNums[len(s.liveSeqNums)-1] + 1
}

// OnNewLogs admits a cut's worth of entries: pending entries move to
// live, keyed by their freshly assigned seqnums, and any parked read
// requests those seqnums satisfy are resolved.
func (s *LogStorage) OnNewLogs(engineId fsm.NodeId, startSeqNum, startLocalId, delta uint64) {
	remaining := s.pendingReads[:0:0]
	for _, r := range s.pendingReads {
		if r.SeqNum >= startSeqNum {
			remaining = append(remaining, r)
			continue
		}
		r.Status = ReadFailed
		s.readResults = append(s.readResults, r)
	}
	s.pendingReads = remaining

	for i := uint64(0); i < delta; i++ {
		seqNum := startSeqNum + i
		localId := startLocalId + i
		entry, ok := s.pendingEntries[localId]
		if !ok {
			continue
		}
		delete(s.pendingEntries, localId)
		entry.SeqNum = seqNum
		s.liveSeqNums = append(s.liveSeqNums, seqNum)
		s.liveEntries[seqNum] = entry
		s.shrinkLiveEntriesIfNeeded()

		kept := s.pendingReads[:0:0]
		for _, r := range s.pendingReads {
			if r.SeqNum == seqNum {
				s.readResults = append(s.readResults, ReadResult{Status: ReadOK, Entry: entry, SeqNum: seqNum})
			} else {
				kept = append(kept, r)
			}
		}
		s.pendingReads = kept
	}
}

func (s *LogStorage) OnFinalized() {
	s.pendingEntries = make(map[uint64]*LogEntry)
}

// GrabLogEntriesForPersistence returns every live entry at or after the
// persisted watermark, ready to be flushed to durable storage.
func (s *LogStorage) GrabLogEntriesForPersistence() ([]*LogEntry, uint64, bool) {
	idx := sort.Search(len(s.liveSeqNums), func(i int) bool {
		return s.liveSeqNums[i] >= s.persistedSeqNumPosition
	})
	if idx >= len(s.liveSeqNums) {
		return nil, 0, false
	}
	entries := make([]*LogEntry, 0, len(s.liveSeqNums)-idx)
	for _, seq := range s.liveSeqNums[idx:] {
		entries = append(entries, s.liveEntries[seq])
	}
	newPosition := s.liveSeqNums[len(s.liveSeqNums)-1] + 1
	return entries, newPosition, true
}

func (s *LogStorage) LogEntriesPersisted(newPosition uint64) {
	s.persistedSeqNumPosition = newPosition
	s.shrinkLiveEntriesIfNeeded()
}

func (s *LogStorage) PollReadResults() []ReadResult {
	results := s.readResults
	s.readResults = nil
	return results
}

func (s *LogStorage) GrabShardProgressForSending() ([]uint64, bool) {
	if !s.shardProgressDirty {
		return nil, false
	}
	progress := make([]uint64, 0, len(s.sourceEngines))
	for _, e := range s.sourceEngines {
		progress = append(progress, s.shardProgress[e])
	}
	s.shardProgressDirty = false
	return progress, true
}

func (s *LogStorage) shrinkLiveEntriesIfNeeded() {
	for len(s.liveSeqNums) > s.maxLiveEntries && s.liveSeqNums[0] < s.persistedSeqNumPosition {
		delete(s.liveEntries, s.liveSeqNums[0])
		s.liveSeqNums = s.liveSeqNums[1:]
	}
}
