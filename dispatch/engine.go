package dispatch

import (
	"log"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/faas-core/engine/ipc"
	"github.com/faas-core/engine/protocol"
)

// CompletionSink receives the final outcome of an externally-originated
// func call. It resolves the original engine's empty
// ExternalFuncCallFinished stub: the out-of-scope gateway implements this
// interface to ship a result back to whichever client is waiting on it.
type CompletionSink interface {
	FuncCallFinished(call protocol.FuncCall, success bool, discarded bool, output []byte, processingTime int32)
}

// Engine owns every per-function Dispatcher plus the cross-worker
// bookkeeping (connections, in-flight external calls, the discard list) a
// single mutex guards, mirroring engine.cpp's absl::Mutex mu_.
type Engine struct {
	sink CompletionSink

	mu           sync.Mutex
	dispatchers  map[uint16]*Dispatcher
	connections  map[uint16]*Connection // keyed by clientId
	inFlight     map[uint64]protocol.FuncCall
	discarded    map[uint64]bool
	discardBatch []uint64
}

func NewEngine(sink CompletionSink) *Engine {
	return &Engine{
		sink:        sink,
		dispatchers: make(map[uint16]*Dispatcher),
		connections: make(map[uint16]*Connection),
		inFlight:    make(map[uint64]protocol.FuncCall),
		discarded:   make(map[uint64]bool),
	}
}

func (e *Engine) getOrCreateDispatcherLocked(funcId uint16) *Dispatcher {
	d, ok := e.dispatchers[funcId]
	if !ok {
		d = NewDispatcher(funcId)
		e.dispatchers[funcId] = d
	}
	return d
}

// OnNewHandshake completes a launcher or func-worker handshake on a fresh
// connection and registers its dispatcher slot.
func (e *Engine) OnNewHandshake(conn net.Conn, message []byte) (*Connection, []byte, error) {
	c := NewConnection(conn)
	var funcId, clientId uint16
	switch {
	case protocol.IsLauncherHandshake(message):
		funcId = protocol.GetFuncCall(message).FuncId
	case protocol.IsFuncWorkerHandshake(message):
		fc := protocol.GetFuncCall(message)
		funcId, clientId = fc.FuncId, fc.ClientId
	default:
		return nil, nil, errUnexpectedHandshakeType
	}
	c.FuncId = funcId
	c.ClientId = clientId
	c.MarkRunning()

	e.mu.Lock()
	e.connections[clientId] = c
	d := e.getOrCreateDispatcherLocked(funcId)
	e.mu.Unlock()

	if protocol.IsFuncWorkerHandshake(message) {
		d.OnWorkerConnected(clientId)
	}
	response := protocol.NewHandshakeResponseMessage(0)
	return c, response, nil
}

var errUnexpectedHandshakeType = errors.New("unexpected handshake message type")

// OnExternalFuncCall admits a call from the out-of-scope gateway, assigns
// it a dispatcher slot, and returns the DispatchFuncCall message to send
// to whichever worker (if any) picked it up immediately.
func (e *Engine) OnExternalFuncCall(call protocol.FuncCall, input []byte) (clientId uint16, dispatched bool, message []byte) {
	e.mu.Lock()
	d := e.getOrCreateDispatcherLocked(call.FuncId)
	e.inFlight[call.FullCallId()] = call
	e.mu.Unlock()

	clientId, ok := d.OnNewFuncCall(call)
	if !ok {
		return 0, false, nil
	}
	message = protocol.NewDispatchFuncCallMessage(call, 0)
	protocol.FillInlineData(message, input)
	return clientId, true, message
}

// OnRecvMessage processes a FuncCallComplete/Failed message coming back
// from a worker's output FIFO, frees the worker for its dispatcher's next
// queued call, and notifies the completion sink, passing whether the call
// had been discarded.
func (e *Engine) OnRecvMessage(clientId uint16, message []byte) {
	funcCall := protocol.GetFuncCall(message)
	success := protocol.IsFuncCallComplete(message)

	e.mu.Lock()
	discarded := e.discarded[funcCall.FullCallId()]
	delete(e.discarded, funcCall.FullCallId())
	delete(e.inFlight, funcCall.FullCallId())
	d := e.dispatchers[funcCall.FuncId]
	e.mu.Unlock()

	var output []byte
	if success {
		output = protocol.GetInlineData(message)
	}
	if e.sink != nil {
		e.sink.FuncCallFinished(funcCall, success, discarded, output, protocol.GetProcessingTime(message))
	}

	if d == nil {
		return
	}
	next, hasNext := d.OnFuncCallCompleted(clientId)
	if !hasNext {
		return
	}
	e.redispatch(clientId, next)
}

func (e *Engine) redispatch(clientId uint16, call protocol.FuncCall) {
	e.mu.Lock()
	conn, ok := e.connections[clientId]
	e.mu.Unlock()
	if !ok {
		log.Printf("[WARN] redispatch target client %d no longer connected", clientId)
		return
	}
	message := protocol.NewDispatchFuncCallMessage(call, 0)
	if _, err := conn.Write(message); err != nil {
		log.Printf("[ERROR] failed to redispatch call to client %d: %v", clientId, err)
	}
}

// DiscardFuncCall marks an in-flight call as discarded: its eventual
// completion is still processed (the worker must finish or fail exactly
// once) and the completion sink is notified with discarded=true. Discards
// are buffered per tick and actually cleaned up by
// ProcessDiscardedFuncCallIfNecessary; discarding an already-discarded
// call again is a no-op.
func (e *Engine) DiscardFuncCall(call protocol.FuncCall) {
	e.mu.Lock()
	if !e.discarded[call.FullCallId()] {
		e.discarded[call.FullCallId()] = true
		e.discardBatch = append(e.discardBatch, call.FullCallId())
	}
	e.mu.Unlock()
}

// ProcessDiscardedFuncCallIfNecessary runs once per engine tick: it
// removes shm regions for any discarded call whose worker has already
// completed (no longer in-flight), so shm cleanup never races an active
// worker still writing its output region.
func (e *Engine) ProcessDiscardedFuncCallIfNecessary() {
	e.mu.Lock()
	batch := e.discardBatch
	e.discardBatch = nil
	stillInFlight := make([]uint64, 0, len(batch))
	toClean := make([]uint64, 0, len(batch))
	for _, fullCallId := range batch {
		if _, inFlight := e.inFlight[fullCallId]; inFlight {
			stillInFlight = append(stillInFlight, fullCallId)
		} else {
			toClean = append(toClean, fullCallId)
		}
	}
	e.discardBatch = append(e.discardBatch, stillInFlight...)
	e.mu.Unlock()

	for _, fullCallId := range toClean {
		if err := ipc.ShmRemove(ipc.GetFuncCallInputShmName(fullCallId)); err != nil {
			log.Printf("[WARN] cleanup discarded call input shm: %v", err)
		}
		if err := ipc.ShmRemove(ipc.GetFuncCallOutputShmName(fullCallId)); err != nil {
			log.Printf("[WARN] cleanup discarded call output shm: %v", err)
		}
	}
}

func (e *Engine) IsDiscarded(call protocol.FuncCall) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discarded[call.FullCallId()]
}

func (e *Engine) OnConnectionClosed(clientId uint16) {
	e.mu.Lock()
	conn, ok := e.connections[clientId]
	funcId := uint16(0)
	if ok {
		funcId = conn.FuncId
		conn.MarkClosing()
		conn.MarkClosed()
		delete(e.connections, clientId)
	}
	d := e.dispatchers[funcId]
	e.mu.Unlock()
	if d != nil {
		d.OnWorkerDisconnected(clientId)
	}
}
