package dispatch

import (
	"testing"

	"github.com/faas-core/engine/protocol"
)

func TestDispatcherQueuesWhenNoIdleWorker(t *testing.T) {
	d := NewDispatcher(1)
	call := protocol.FuncCall{FuncId: 1, ClientId: 9, CallId: 1}
	if _, ok := d.OnNewFuncCall(call); ok {
		t.Fatalf("expected no idle worker to dispatch to")
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 pending call, got %d", d.PendingCount())
	}

	d.OnWorkerConnected(42)
	next, hasNext := d.OnFuncCallCompleted(42)
	if !hasNext || next != call {
		t.Fatalf("expected queued call to be handed to newly-completed worker, got %v %v", next, hasNext)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected pending queue drained, got %d", d.PendingCount())
	}
}

func TestDispatcherImmediateDispatchToIdleWorker(t *testing.T) {
	d := NewDispatcher(1)
	d.OnWorkerConnected(7)
	call := protocol.FuncCall{FuncId: 1, ClientId: 9, CallId: 1}
	clientId, ok := d.OnNewFuncCall(call)
	if !ok || clientId != 7 {
		t.Fatalf("expected immediate dispatch to client 7, got %v %v", clientId, ok)
	}
	if d.IdleCount() != 0 {
		t.Fatalf("expected no idle workers left, got %d", d.IdleCount())
	}
}

func TestDispatcherDisconnectRemovesFromRotation(t *testing.T) {
	d := NewDispatcher(1)
	d.OnWorkerConnected(1)
	d.OnWorkerConnected(2)
	d.OnWorkerDisconnected(1)
	if d.IdleCount() != 1 {
		t.Fatalf("expected 1 idle worker after disconnect, got %d", d.IdleCount())
	}
	call := protocol.FuncCall{FuncId: 1, ClientId: 9, CallId: 1}
	clientId, ok := d.OnNewFuncCall(call)
	if !ok || clientId != 2 {
		t.Fatalf("expected dispatch to remaining client 2, got %v %v", clientId, ok)
	}
}
