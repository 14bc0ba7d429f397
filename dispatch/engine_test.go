package dispatch

import (
	"testing"

	"github.com/faas-core/engine/protocol"
)

type recordingSink struct {
	calls []protocol.FuncCall
	discards []bool
}

func (s *recordingSink) FuncCallFinished(call protocol.FuncCall, success bool, discarded bool, output []byte, processingTime int32) {
	s.calls = append(s.calls, call)
	s.discards = append(s.discards, discarded)
}

func TestEngineDiscardSuppressesSinkNotificationFlag(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(sink)
	call := protocol.FuncCall{FuncId: 1, ClientId: 2, CallId: 3}

	clientId, dispatched, _ := e.OnExternalFuncCall(call, []byte("input"))
	_ = clientId
	if dispatched {
		t.Fatalf("expected no idle worker, so call should be queued not dispatched")
	}

	e.DiscardFuncCall(call)
	if !e.IsDiscarded(call) {
		t.Fatalf("expected call to be marked discarded")
	}

	complete := protocol.NewFuncCallCompleteMessage(call, 100)
	e.OnRecvMessage(2, complete)

	if len(sink.calls) != 1 || !sink.discards[0] {
		t.Fatalf("expected sink notified with discarded=true, got %+v", sink.discards)
	}
}

func TestEngineDiscardIdempotentAcrossTicks(t *testing.T) {
	e := NewEngine(nil)
	call := protocol.FuncCall{FuncId: 1, ClientId: 2, CallId: 3}
	e.inFlight[call.FullCallId()] = call

	e.DiscardFuncCall(call)
	e.DiscardFuncCall(call)
	e.ProcessDiscardedFuncCallIfNecessary()

	e.mu.Lock()
	stillPending := len(e.discardBatch)
	e.mu.Unlock()
	if stillPending != 1 {
		t.Fatalf("expected call still pending cleanup while in-flight, got %d batch entries", stillPending)
	}

	delete(e.inFlight, call.FullCallId())
	e.ProcessDiscardedFuncCallIfNecessary()
	e.mu.Lock()
	stillPending = len(e.discardBatch)
	e.mu.Unlock()
	if stillPending != 0 {
		t.Fatalf("expected discard batch drained once call left in-flight, got %d", stillPending)
	}
}
