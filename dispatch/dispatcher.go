package dispatch

import (
	"sync"

	"github.com/faas-core/engine/protocol"
)

// Dispatcher round-robins DispatchFuncCall messages for one function id
// across its currently idle workers, queuing calls when every worker is
// busy, mirroring the per-function Dispatcher of the original engine.
type Dispatcher struct {
	mu          sync.Mutex
	funcId      uint16
	idleWorkers []uint16 // client ids of workers with no call in flight
	busyWorkers map[uint16]bool
	pending     []protocol.FuncCall
}

func NewDispatcher(funcId uint16) *Dispatcher {
	return &Dispatcher{
		funcId:      funcId,
		busyWorkers: make(map[uint16]bool),
	}
}

// OnWorkerConnected makes a newly handshaked worker eligible for dispatch.
func (d *Dispatcher) OnWorkerConnected(clientId uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleWorkers = append(d.idleWorkers, clientId)
}

// OnWorkerDisconnected removes a worker from rotation, whether idle or
// busy; the Dispatcher does not record which call a busy worker holds, so
// that call is not requeued here.
func (d *Dispatcher) OnWorkerDisconnected(clientId uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busyWorkers, clientId)
	for i, id := range d.idleWorkers {
		if id == clientId {
			d.idleWorkers = append(d.idleWorkers[:i], d.idleWorkers[i+1:]...)
			break
		}
	}
}

// OnNewFuncCall tries to hand the call to an idle worker immediately,
// returning that worker's client id. If no worker is idle, the call is
// queued and ok is false.
func (d *Dispatcher) OnNewFuncCall(call protocol.FuncCall) (clientId uint16, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.idleWorkers) == 0 {
		d.pending = append(d.pending, call)
		return 0, false
	}
	clientId = d.idleWorkers[0]
	d.idleWorkers = d.idleWorkers[1:]
	d.busyWorkers[clientId] = true
	return clientId, true
}

// OnFuncCallCompleted returns the worker to the idle pool and, if a call
// was queued, immediately hands it the next one.
func (d *Dispatcher) OnFuncCallCompleted(clientId uint16) (next protocol.FuncCall, hasNext bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busyWorkers, clientId)
	if len(d.pending) == 0 {
		d.idleWorkers = append(d.idleWorkers, clientId)
		return protocol.FuncCall{}, false
	}
	next = d.pending[0]
	d.pending = d.pending[1:]
	d.busyWorkers[clientId] = true
	return next, true
}

func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) IdleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.idleWorkers)
}
